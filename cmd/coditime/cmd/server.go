package cmd

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"

	"github.com/jmcleod/coditime/accounts"
	"github.com/jmcleod/coditime/api"
	"github.com/jmcleod/coditime/auth"
	"github.com/jmcleod/coditime/cliaccess"
	"github.com/jmcleod/coditime/internal/config"
	"github.com/jmcleod/coditime/recaptcha"
	"github.com/jmcleod/coditime/session"
)

var rewriteConfig bool

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the coditime server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if errors.Is(err, errConfigCreated) {
			return nil
		}
		if err != nil {
			return err
		}
		if rewriteConfig {
			if err := config.Write(configPath, cfg); err != nil {
				return fmt.Errorf("rewriting config: %w", err)
			}
		}
		return runServer(cmd.Context(), cfg)
	},
}

func init() {
	rootCmd.AddCommand(serverCmd)
	serverCmd.Flags().BoolVar(&rewriteConfig, "rewrite-config", false, "Rewrite the configuration file with defaults filled in")
}

func runServer(ctx context.Context, cfg *config.Config) error {
	logger := setupLogger(cfg.Logging, os.Stdout)
	slog.SetDefault(logger)

	store, err := openStore(ctx, cfg.Database, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	sessions, err := session.Open(cfg.Session.Manager.Type, cfg.Session.Manager.StartSize, cfg.Session.Manager.File,
		session.WithLifetime(cfg.Session.Lifetime.Duration),
		session.WithSweepInterval(cfg.Session.SweepInterval.Duration),
		session.WithLogger(logger),
	)
	if err != nil {
		return fmt.Errorf("opening session store: %w", err)
	}
	defer sessions.Close()

	accts := accounts.New(store, accounts.WithLogger(logger))

	cli := cliaccess.New(accts, accts,
		cliaccess.WithKeyLength(cfg.CLI.KeyLength),
		cliaccess.WithRequestTTL(cfg.CLI.RequestTTL.Duration),
		cliaccess.WithTokenLifetime(cfg.CLI.TokenLifetime.Duration),
		cliaccess.WithSweepInterval(cfg.CLI.SweepInterval.Duration),
		cliaccess.WithLogger(logger),
	)
	cli.Start()
	defer cli.Close()

	proxies, err := cfg.ParsedTrustedProxies()
	if err != nil {
		return err
	}

	a := api.New(accts, sessions, cli,
		api.WithLogger(logger),
		api.WithExtractor(auth.Extractor{
			CookieName:         cfg.Session.CookieName,
			AllowSessionHeader: cfg.Session.AllowInHeader,
		}),
		api.WithTrustedProxies(proxies),
		api.WithHomeURL(cfg.HomeURL),
		api.WithPublicRegistration(cfg.PublicRegistration),
		api.WithRecaptcha(recaptcha.New(cfg.Recaptcha, nil, logger)),
		api.WithAlertFunc(func(evt api.AlertEvent) {
			logger.Warn("security alert", "type", evt.Type, "message", evt.Message,
				"count", evt.Count, "threshold", evt.Threshold)
		}),
		api.WithAuditWebhook(cfg.Audit.WebhookURL, cfg.Audit.WebhookAuthHeader),
	)
	defer a.Close()

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("OK"))
	})
	r.Mount("/api", a.Router())

	server := &http.Server{
		Addr:              cfg.BindAddress,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	if cfg.TLS.Enabled() {
		cert, err := tls.LoadX509KeyPair(cfg.TLS.CertFile, cfg.TLS.KeyFile)
		if err != nil {
			return fmt.Errorf("failed to load TLS key pair: %w", err)
		}
		server.TLSConfig = &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		}
	}

	done := make(chan error, 1)
	go func() {
		var err error
		if server.TLSConfig != nil {
			err = server.ListenAndServeTLS("", "")
		} else {
			err = server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			done <- fmt.Errorf("server failed: %w", err)
			return
		}
		done <- nil
	}()

	scheme := "http"
	if server.TLSConfig != nil {
		scheme = "https"
	}
	printBanner(
		[2]string{"Config", configPath},
		[2]string{"Listen", scheme + "://" + cfg.BindAddress},
		[2]string{"Database", cfg.Database.Driver},
		[2]string{"Sessions", cfg.Session.Manager.Type},
	)
	logger.Info("starting coditime", "addr", cfg.BindAddress, "tls", server.TLSConfig != nil)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		logger.Info("shutting down", "signal", sig.String())
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return nil
	case err := <-done:
		return err
	}
}
