package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/mattn/go-isatty"

	"github.com/pitchey/sessiond/internal/config"
	"github.com/pitchey/sessiond/internal/manager"
)

const version = "0.3.0"

func main() {
	var showVersion bool
	var configPath string
	var listen string

	flag.BoolVar(&showVersion, "version", false, "print version and exit")
	flag.StringVar(&configPath, "config", "", "path to config file")
	flag.StringVar(&listen, "listen", "", "override api listen address")
	flag.Parse()

	if showVersion {
		fmt.Println("sessiond " + version)
		return
	}

	// Under systemd or a pipe the journal stamps lines already.
	if !isatty.IsTerminal(os.Stderr.Fd()) {
		log.SetFlags(0)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("sessiond: %v", err)
	}
	if listen != "" {
		cfg.Listen = listen
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Printf("sessiond %s starting data=%s", version, cfg.DataDir)
	if err := manager.Run(ctx, cfg); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("sessiond: %v", err)
	}
}
