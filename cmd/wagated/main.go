package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/hmartins/wagate/internal/config"
	"github.com/hmartins/wagate/internal/daemon"
	"go.uber.org/fx"
)

func main() {
	configFlag := flag.String("config", "", "config file path (default: <data dir>/config.toml)")
	flag.Parse()

	path := *configFlag
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		path = filepath.Join(home, ".wagate", "config.toml")
	}

	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	app := fx.New(
		daemon.Module(daemon.Params{Config: cfg}),
	)

	app.Run()
}
