package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/toothpick/billing/cmd/billing/cli"
	"github.com/toothpick/billing/internal/app"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping server startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}
	logger := app.NewLogger(cfg)

	services, err := app.BuildServices(ctx, cfg, logger)
	if err != nil {
		logger.Error("build services", slog.Any("error", err))
		os.Exit(1)
	}

	if args := os.Args[1:]; cli.IsCommand(args) {
		code := runCommand(ctx, services, cfg, args)
		services.Close()
		os.Exit(code)
	}
	defer services.Close()

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      services.Router(),
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr), slog.String("env", cfg.AppEnv))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown", slog.Any("error", err))
	}
}

func runCommand(ctx context.Context, services *app.Services, cfg *app.Config, args []string) int {
	fxCLI, err := cli.NewFXOpsCLI(services.Converter, cfg.FXSource())
	if err != nil {
		slog.Default().Error("fx cli", slog.Any("error", err))
		return cli.ExitFail
	}
	return cli.Run(ctx, args, cli.Commands{
		FX:     fxCLI,
		Jobs:   cli.NewJobsCLI(services.Queue, services.Inspector),
		Stdout: os.Stdout,
		Stderr: os.Stderr,
	})
}
