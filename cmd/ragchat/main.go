// Command ragchat runs the retrieval-augmented chat agent as an interactive
// terminal session.
//
// Usage:
//
//	ragchat chat                        # start an interactive session
//	ragchat chat --config config.yaml   # with a config file
//	ragchat health                      # probe the configured backends
//	ragchat version                     # show version information
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/edgeintel/ragchat/config"
)

// Injected at build time.
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "chat":
		runChat(os.Args[2:])
	case "health":
		runHealthCheck(os.Args[2:])
	case "version":
		printVersion()
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func loadConfig(args []string, name string) *config.Config {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	fs.Parse(args)

	loader := config.NewLoader()
	if *configPath != "" {
		loader = loader.WithConfigPath(*configPath)
	}
	cfg, err := loader.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid config: %v\n", err)
		os.Exit(1)
	}
	return cfg
}

func printVersion() {
	fmt.Printf("ragchat %s\n", Version)
	fmt.Printf("  Build Time: %s\n", BuildTime)
	fmt.Printf("  Git Commit: %s\n", GitCommit)
}

func printUsage() {
	fmt.Println(`ragchat - retrieval-augmented chat agent

Usage:
  ragchat <command> [options]

Commands:
  chat      Start an interactive chat session
  health    Probe the configured backends
  version   Show version information
  help      Show this help message

Options:
  --config <path>   Path to configuration file (YAML)

Examples:
  ragchat chat
  ragchat chat --config /etc/ragchat/config.yaml
  ragchat health`)
}
