package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	// Initialize context that cancelled on SIGTERM
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		stop := make(chan os.Signal, 1)
		signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
		<-stop
		slog.Warn("Interrupt signal")
		cancel()
	}()

	if err := run(ctx, os.Getenv, os.Getwd, os.Args[1:]); err != nil {
		slog.Error("can't run demo, sorry", "error", err.Error())
		os.Exit(1)
	}
}

// Load config from '.env', environment and flags (latter wins) and run the demo until ctx is done
func run(ctx context.Context, getenv func(string) string, getwd func() (string, error), args []string) error {
	c := NewConfig()

	if err := c.LoadDotEnv(getwd); err != nil {
		return fmt.Errorf("error while loading .env: %w", err)
	}
	if err := c.LoadEnv(getenv); err != nil {
		return fmt.Errorf("error while loading env: %w", err)
	}
	if err := c.ParseFlags(args); err != nil {
		return fmt.Errorf("error while parsing flags: %w", err)
	}
	if err := c.Validate(); err != nil {
		return err
	}

	app, err := NewDemoApp(c)
	if err != nil {
		return err
	}

	return app.Run(ctx)
}
