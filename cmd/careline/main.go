package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/carelinehq/careline/pkg/careline"
)

func main() {
	configPath := flag.String("config", "", "config yaml path; empty runs on defaults plus CARELINE_ env vars")
	envFile := flag.String("env", "", "optional .env file")
	flag.Parse()

	if *envFile != "" {
		if err := godotenv.Load(*envFile); err != nil {
			fmt.Fprintln(os.Stderr, "env file:", err)
			os.Exit(1)
		}
	} else {
		// A missing .env is fine; deployed environments set real env vars.
		_ = godotenv.Load()
	}

	cfg, err := careline.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config error:", err)
		os.Exit(1)
	}

	eng, err := careline.NewEngine(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, "engine error:", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := eng.Start(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "start error:", err)
		os.Exit(1)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	if err := eng.Stop(); err != nil {
		fmt.Fprintln(os.Stderr, "shutdown:", err)
		os.Exit(1)
	}
}
