// Command relay runs the outbound chat delivery service.
package main

import (
	"context"
	"errors"
	"flag"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/bissquit/chat-relay/internal/app"
	"github.com/bissquit/chat-relay/internal/config"
	"github.com/joho/godotenv"
)

func main() {
	if err := run(); err != nil {
		slog.Error("relay failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", config.PathFromEnv(), "path to YAML config file")
	envFile := flag.String("env-file", ".env", "dotenv file loaded before the environment is read")
	flag.Parse()

	if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	// RELAY_CONFIG may come from the dotenv file.
	if *configPath == "" {
		*configPath = config.PathFromEnv()
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}

	application, err := app.New(cfg)
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- application.Run()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("shutdown requested", "signal", sig.String())
	case err := <-errCh:
		if err != nil {
			slog.Error("server stopped", "error", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	return application.Shutdown(ctx)
}
