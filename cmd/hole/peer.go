package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/abiosoft/ishell/v2"

	"github.com/saintparish4/hole/internal/agent"
	"github.com/saintparish4/hole/pkg/config"
	"github.com/saintparish4/hole/pkg/logging"
	"github.com/saintparish4/hole/pkg/types"
)

func peerCommand(args []string) error {
	defaults := agent.DefaultConfig()

	fs := flag.NewFlagSet("peer", flag.ExitOnError)
	server := fs.String("server", "", "Rendezvous server address (host:port)")
	name := fs.String("name", "", "Name to register under")
	listen := fs.String("listen", defaults.ListenAddr, "Local UDP address for the control socket")
	connectTo := fs.String("connect", "", "Peer to connect to after registering")
	peerType := fs.String("peer-type", "full", "Role for -connect: full or passive")
	timeout := fs.Duration("timeout", defaults.RequestTimeout, "Per-attempt wait for a server answer")
	retries := fs.Int("retries", defaults.RequestRetries, "Attempts per server request")
	pingInterval := fs.Duration("server-ping", defaults.ServerPingInterval, "Ping interval towards the server (0 disables)")
	interactive := fs.Bool("interactive", false, "Start an interactive shell")
	logLevel := fs.String("log-level", "info", "Log level: debug, info, warn, error")
	logFormat := fs.String("log-format", "text", "Log format: text or json")
	configPath := fs.String("config", "", "Path to JSON config file")

	if err := fs.Parse(args); err != nil {
		return err
	}
	err := config.Resolve(fs, *configPath, map[string]string{
		"server":    "RENDEZVOUS_SERVER",
		"name":      "PEER_NAME",
		"log-level": "LOG_LEVEL",
	})
	if err != nil {
		return err
	}

	if *server == "" {
		return errors.New("-server is required (use -h for usage)")
	}
	if *name == "" {
		return errors.New("-name is required (use -h for usage)")
	}
	pt, err := types.ParsePeerType(*peerType)
	if err != nil {
		return err
	}

	logging.Setup(*logLevel, *logFormat)

	cfg := defaults
	cfg.Name = *name
	cfg.Server = *server
	cfg.ListenAddr = *listen
	cfg.RequestTimeout = *timeout
	cfg.RequestRetries = *retries
	cfg.ServerPingInterval = *pingInterval
	cfg.Logger = slog.Default()

	a, err := agent.New(cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	a.Registry().OnAdded = func(pc *agent.PeerConnection) {
		slog.Info("peer session started", "peer", pc.Name, "remote", pc.Remote, "mode", pc.Mode)
	}
	a.Registry().OnRemoved = func(pc *agent.PeerConnection) {
		slog.Info("peer session ended", "peer", pc.Name)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a.Start(ctx)

	fmt.Printf("Control socket: %s\n", a.LocalEndpoint())
	fmt.Printf("Registering as %q with %s...\n", a.Name(), a.Server())
	if err := a.Register(ctx); err != nil {
		return fmt.Errorf("register: %w", err)
	}
	fmt.Println("✓ Registered")

	if *connectTo != "" {
		if err := connectPeer(ctx, a, *connectTo, pt, fmt.Printf); err != nil {
			return err
		}
	}

	if *interactive {
		runShell(ctx, a)
		return nil
	}

	<-ctx.Done()
	fmt.Println()
	for _, info := range a.Registry().Snapshot() {
		fmt.Println(info)
	}
	return nil
}

func connectPeer(ctx context.Context, a *agent.Agent, to string, pt types.PeerType, printf func(string, ...interface{}) (int, error)) error {
	printf("Requesting introduction to %q (%s)...\n", to, pt)
	pc, err := a.Connect(ctx, to, pt)
	if err != nil {
		return fmt.Errorf("connect %s: %w", to, err)
	}
	printf("✓ %s is at %s, punching\n", pc.Name, pc.Remote)
	return nil
}

func runShell(ctx context.Context, a *agent.Agent) {
	shell := ishell.New()
	shell.SetHomeHistoryPath(".hole_history")
	shell.SetPrompt(a.Name() + "> ")

	shell.Println("hole peer shell, type 'help' for commands")

	go func() {
		<-ctx.Done()
		shell.Close()
	}()

	shell.AddCmd(&ishell.Cmd{
		Name: "connect",
		Help: "connect <name> [full|passive]",
		Func: func(c *ishell.Context) {
			if len(c.Args) < 1 {
				c.Println("usage: connect <name> [full|passive]")
				return
			}
			pt := types.PeerFull
			if len(c.Args) > 1 {
				var err error
				if pt, err = types.ParsePeerType(c.Args[1]); err != nil {
					c.Println(err)
					return
				}
			}
			printf := func(format string, args ...interface{}) (int, error) {
				c.Printf(format, args...)
				return 0, nil
			}
			if err := connectPeer(ctx, a, c.Args[0], pt, printf); err != nil {
				c.Println(err)
			}
		},
	})

	shell.AddCmd(&ishell.Cmd{
		Name: "peers",
		Help: "list peer sessions",
		Func: func(c *ishell.Context) {
			infos := a.Registry().Snapshot()
			if len(infos) == 0 {
				c.Println("no peers")
				return
			}
			for _, info := range infos {
				c.Println(info)
			}
		},
	})

	shell.AddCmd(&ishell.Cmd{
		Name: "drop",
		Help: "drop <name>: stop the session with a peer",
		Func: func(c *ishell.Context) {
			if len(c.Args) != 1 {
				c.Println("usage: drop <name>")
				return
			}
			if !a.Registry().Remove(c.Args[0]) {
				c.Printf("no session with %s\n", c.Args[0])
			}
		},
	})

	shell.AddCmd(&ishell.Cmd{
		Name: "server",
		Help: "show rendezvous server status",
		Func: func(c *ishell.Context) {
			c.Printf("server: %s\n", a.Server())
			if last := a.LastServerPong(); !last.IsZero() {
				c.Printf("last pong: %s ago\n", time.Since(last).Truncate(time.Millisecond))
			} else {
				c.Println("no pong yet")
			}
		},
	})

	shell.AddCmd(&ishell.Cmd{
		Name: "register",
		Help: "register again with the server",
		Func: func(c *ishell.Context) {
			if err := a.Register(ctx); err != nil {
				c.Println(err)
				return
			}
			c.Println("registered")
		},
	})

	shell.AddCmd(&ishell.Cmd{
		Name: "level",
		Help: "level <debug|info|warn|error>",
		Func: func(c *ishell.Context) {
			if len(c.Args) != 1 {
				c.Printf("log level is %s\n", strings.ToLower(logging.Level.Level().String()))
				return
			}
			logging.Level.Set(logging.ParseLevel(c.Args[0]))
		},
	})

	shell.AddCmd(&ishell.Cmd{
		Name: "debug",
		Help: "set log level to debug",
		Func: func(c *ishell.Context) {
			logging.Level.Set(slog.LevelDebug)
		},
	})

	shell.AddCmd(&ishell.Cmd{
		Name: "info",
		Help: "set log level to info",
		Func: func(c *ishell.Context) {
			logging.Level.Set(slog.LevelInfo)
		},
	})

	shell.Run()
}
