package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"peerback/internal/cli"
	"peerback/internal/config"
	"peerback/internal/util/logger/handlers/slogpretty"
	"peerback/internal/util/logger/sl"
)

const (
	envLocal = "local"
	envDev   = "dev"
	envProd  = "prod"
)

func main() {
	cfg := config.MustLoad()

	log := setupLogger(cfg.Env)

	log.Info("starting peerback",
		slog.String("env", cfg.Env),
		slog.String("data_dir", cfg.DataDir),
		slog.String("listen_addr", cfg.ListenAddr),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	signalChanel := make(chan os.Signal, 1)
	signal.Notify(signalChanel, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-signalChanel
		log.Info("shutdown signal received", slog.Any("signal", sig))
		cancel()
	}()

	cmdContext := cli.NewAppContext(cfg, log)

	c := cli.NewCLI(cmdContext)
	c.SetArgs(flag.Args())
	if err := c.RunContext(ctx); err != nil {
		log.Error("command failed", sl.Err(err))
		os.Exit(1)
	}
}

func setupLogger(env string) *slog.Logger {
	var log *slog.Logger

	switch env {
	case envLocal:
		log = setupPrettySlog()
	case envDev:
		log = slog.New(
			slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}),
		)
	case envProd:
		log = slog.New(
			slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}),
		)
	default:
		log = setupPrettySlog()
	}

	return log
}

func setupPrettySlog() *slog.Logger {
	opts := slogpretty.PrettyHandlerOptions{
		SlogOpts: &slog.HandlerOptions{
			Level: slog.LevelDebug,
		},
	}

	handler := opts.NewPrettyHandler(os.Stdout)

	return slog.New(handler)
}
