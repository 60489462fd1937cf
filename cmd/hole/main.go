package main

import (
	"fmt"
	"os"

	"github.com/saintparish4/hole/pkg/config"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	if err := config.LoadDotEnv(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	command := os.Args[1]
	args := os.Args[2:]

	var err error
	switch command {
	case "server":
		err = serverCommand(args)
	case "peer":
		err = peerCommand(args)
	case "discover":
		err = discoverCommand(args)
	case "help", "-h", "--help":
		printUsage()
		return
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", command)
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Usage: hole <command> [flags]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  server    Run the rendezvous server")
	fmt.Println("  peer      Register with a rendezvous server and punch to other peers")
	fmt.Println("  discover  Discover your public IP and port using STUN")
	fmt.Println("  help      Show this help message")
	fmt.Println()
	fmt.Println("Run 'hole <command> -h' for the flags of a command.")
	fmt.Println()
	fmt.Println("Environment variables (also read from .env):")
	fmt.Println("  LOG_LEVEL          debug, info, warn or error")
	fmt.Println("  RENDEZVOUS_ADDR    server listen address")
	fmt.Println("  RENDEZVOUS_SERVER  server address used by peers")
	fmt.Println("  PEER_NAME          name a peer registers under")
	fmt.Println("  STUN_SERVER        STUN server used by discover")
	fmt.Println()
	fmt.Println("Example:")
	fmt.Println("  hole server -addr :9000 -admin :8080")
	fmt.Println("  hole peer -server rendezvous.example.com:9000 -name alice -connect bob")
	fmt.Println("  STUN_SERVER=stun.ekiga.net:3478 hole discover")
}
