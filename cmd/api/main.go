package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"tenderguard/api"
	"tenderguard/auth"
	"tenderguard/config"
	"tenderguard/engine"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "tenderguard: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stderr io.Writer) error {
	fs := flag.NewFlagSet("tenderguard", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "tenderguard.yaml", "path to the YAML configuration file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if cfg.Auth.JWTSecret == "" {
		return errors.New("JWT_SECRET or auth.jwt_secret must be set")
	}
	logger, err := cfg.Log.Logger(stderr)
	if err != nil {
		return err
	}

	e, err := engine.New(ctx, cfg, engine.Deps{Logger: logger})
	if err != nil {
		return fmt.Errorf("bootstrap engine: %w", err)
	}
	defer e.Close()

	if cfg.Audit.VerifyInterval > 0 {
		go e.VerifyEvery(ctx, cfg.Audit.VerifyInterval)
	}

	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           api.NewServer(e, auth.NewService(cfg.Auth.JWTSecret, cfg.Auth.Issuer)).Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		e.Log.WithField("addr", cfg.HTTP.Addr).Info("api listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	e.Log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
