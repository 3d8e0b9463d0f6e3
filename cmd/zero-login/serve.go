package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gematik/zero-login/pkg"
	"github.com/gematik/zero-login/pkg/login"
	"github.com/gematik/zero-login/pkg/login/loginweb"
	"github.com/spf13/cobra"
)

const (
	shutdownTimeout = 15 * time.Second
	purgeInterval   = 10 * time.Minute
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the login endpoints",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func serve(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := login.LoadConfigFile(configPath)
	if err != nil {
		return err
	}

	service, err := login.New(ctx, cfg)
	if err != nil {
		return fmt.Errorf("create login service: %w", err)
	}
	defer func() {
		if err := service.Close(); err != nil {
			slog.Error("Unable to close stores", "error", err)
		}
	}()

	go service.PurgeSessions(ctx, purgeInterval)
	go reloadOnHangup(ctx, service)

	server := &http.Server{
		Addr:              cfg.Address,
		Handler:           loginweb.NewServer(service, cfg),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		certPath, keyPath := os.Getenv("TLS_CERT_PATH"), os.Getenv("TLS_KEY_PATH")
		if certPath != "" && keyPath != "" {
			slog.Info("Starting zero-login", "addr", server.Addr, "tls", true, "version", pkg.Version)
			errc <- server.ListenAndServeTLS(certPath, keyPath)
			return
		}
		slog.Info("Starting zero-login", "addr", server.Addr, "version", pkg.Version)
		errc <- server.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	slog.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

// reloadOnHangup reloads providers and settings from the configuration file
// on SIGHUP. A broken file leaves the running configuration in place.
func reloadOnHangup(ctx context.Context, service *login.Service) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			cfg, err := login.LoadConfigFile(configPath)
			if err != nil {
				slog.Error("Unable to reload configuration", "path", configPath, "error", err)
				continue
			}
			if err := service.Reload(ctx, cfg); err != nil {
				slog.Error("Unable to reload configuration", "path", configPath, "error", err)
			}
		}
	}
}
