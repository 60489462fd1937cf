package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/saintparish4/hole/internal/rendezvous"
	"github.com/saintparish4/hole/pkg/config"
	"github.com/saintparish4/hole/pkg/logging"
)

func serverCommand(args []string) error {
	defaults := rendezvous.DefaultConfig()

	fs := flag.NewFlagSet("server", flag.ExitOnError)
	addr := fs.String("addr", defaults.Addr, "UDP listen address")
	adminAddr := fs.String("admin", "", "HTTP admin and WebSocket monitor address (disabled when empty)")
	ttl := fs.Duration("ttl", 0, "Drop registrations not refreshed within this duration (0 keeps them forever)")
	cleanup := fs.Duration("cleanup-interval", defaults.CleanupInterval, "How often expired registrations are swept")
	rateTokens := fs.Uint64("rate-tokens", 0, "Datagrams allowed per source IP per interval (0 disables limiting)")
	rateInterval := fs.Duration("rate-interval", defaults.RateLimitInterval, "Rate limit window")
	logLevel := fs.String("log-level", "info", "Log level: debug, info, warn, error")
	logFormat := fs.String("log-format", "text", "Log format: text or json")
	configPath := fs.String("config", "", "Path to JSON config file")

	if err := fs.Parse(args); err != nil {
		return err
	}
	err := config.Resolve(fs, *configPath, map[string]string{
		"addr":      "RENDEZVOUS_ADDR",
		"admin":     "RENDEZVOUS_ADMIN",
		"ttl":       "RENDEZVOUS_TTL",
		"log-level": "LOG_LEVEL",
	})
	if err != nil {
		return err
	}

	logging.Setup(*logLevel, *logFormat)

	srv, err := rendezvous.NewServer(rendezvous.Config{
		Addr:              *addr,
		EntryTTL:          *ttl,
		CleanupInterval:   *cleanup,
		RateLimitTokens:   *rateTokens,
		RateLimitInterval: *rateInterval,
		Upgrader:          rendezvous.NewGorillaUpgrader(),
		Logger:            slog.Default(),
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var admin *rendezvous.AdminServer
	if *adminAddr != "" {
		admin = rendezvous.NewAdminServer(*adminAddr, srv)
		go func() {
			if err := admin.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("admin server failed", "err", err)
				stop()
			}
		}()
	}

	slog.Info("rendezvous server starting", "addr", *addr, "ttl", *ttl)
	err = srv.ListenAndServe(ctx)

	if admin != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := admin.Shutdown(shutdownCtx); err != nil {
			slog.Warn("admin shutdown", "err", err)
		}
	}

	if err != nil && !errors.Is(err, rendezvous.ErrServerClosed) {
		return fmt.Errorf("rendezvous server: %w", err)
	}

	st := srv.Stats()
	slog.Info("rendezvous server stopped",
		"registrations", st.Registrations,
		"matches", st.Matches,
		"rejects", st.Rejects)
	return nil
}
