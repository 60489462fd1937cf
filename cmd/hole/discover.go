package main

import (
	"context"
	"flag"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/saintparish4/hole/pkg/config"
	"github.com/saintparish4/hole/pkg/stun"
)

func discoverCommand(args []string) error {
	fs := flag.NewFlagSet("discover", flag.ExitOnError)
	server := fs.String("stun", stun.DefaultServer, "STUN server address (host:port)")
	timeout := fs.Duration("timeout", 5*time.Second, "How long to wait for a response")
	configPath := fs.String("config", "", "Path to JSON config file")

	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := config.Resolve(fs, *configPath, map[string]string{"stun": "STUN_SERVER"}); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	fmt.Printf("Discovering public endpoint using STUN server: %s\n", *server)

	client := stun.NewClient(*server)
	client.Timeout = *timeout

	endpoint, err := client.Discover(ctx)
	if err != nil {
		return fmt.Errorf("discovery failed: %w", err)
	}

	fmt.Printf("\n Discovered public endpoint: %s\n", endpoint)
	fmt.Printf(" IP: %s\n", endpoint.IP)
	fmt.Printf(" Port: %d\n", endpoint.Port)
	return nil
}
