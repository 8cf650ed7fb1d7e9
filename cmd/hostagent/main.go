package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/gridmachina/hostagent/common/version"
	"github.com/gridmachina/hostagent/internal/agent/app"
	"github.com/gridmachina/hostagent/internal/agent/config"
)

func main() {
	configPath := flag.String("config", "/etc/hostagent/agent.yaml", "path to the optional YAML config file")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("hostagent %s (%s, built %s)\n", version.Version, version.GitCommit, version.BuildTime)
		return
	}

	fmt.Printf("Host Agent\n")
	fmt.Printf("Version: %s\n", version.Version)
	fmt.Printf("Commit: %s\n", version.GitCommit)
	fmt.Println()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %v\n", err)
		os.Exit(1)
	}

	agent, err := app.New(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize agent: %v\n", err)
		os.Exit(1)
	}
	defer agent.Stop()

	if err := agent.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error running agent: %v\n", err)
		os.Exit(1)
	}
}
