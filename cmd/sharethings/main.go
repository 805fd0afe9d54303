// Command sharethings runs the end-to-end encrypted clipboard/file relay
// server.
//
// Logging:
//   - Base logger is created here with output format and level
//   - Logger is passed to all components via dependency injection
//   - No global slog configuration (no slog.SetDefault)
//   - Components scope loggers with their own attributes
package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net/http"
	_ "net/http/pprof" //nolint:gosec // G108: pprof is intentionally available when --pprof flag is set
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"sharethings/internal/cert"
	"sharethings/internal/config"
	"sharethings/internal/content"
	contentsqlite "sharethings/internal/content/sqlite"
	"sharethings/internal/home"
	"sharethings/internal/httpapi"
	"sharethings/internal/logging"
	"sharethings/internal/relay"
	"sharethings/internal/session"
	sessionsqlite "sharethings/internal/session/sqlite"
	"sharethings/internal/transport"
)

var version = "dev"

func main() {
	// Create base logger with ComponentFilterHandler for dynamic log level control.
	baseHandler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelDebug, // Allow all levels; filtering done by ComponentFilterHandler
	})
	filterHandler := logging.NewComponentFilterHandler(baseHandler, slog.LevelInfo)
	logger := slog.New(filterHandler)

	rootCmd := &cobra.Command{
		Use:   "sharethings",
		Short: "End-to-end encrypted clipboard and file relay",
	}

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the relay server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.FromCmd(cmd)
			if err != nil {
				return fmt.Errorf("parse config: %w", err)
			}

			if cfg.PprofAddr != "" {
				go func() {
					logger.Info("pprof server listening", "addr", cfg.PprofAddr)
					pprofSrv := &http.Server{Addr: cfg.PprofAddr, Handler: nil, ReadHeaderTimeout: 10 * time.Second}
					if err := pprofSrv.ListenAndServe(); err != nil {
						logger.Error("pprof server error", "error", err)
					}
				}()
			}

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
			defer cancel()

			return run(ctx, logger, cfg)
		},
	}
	config.RegisterFlags(serveCmd)

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	}

	rootCmd.AddCommand(serveCmd, versionCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(ctx context.Context, logger *slog.Logger, cfg config.Config) error {
	hd, err := resolveHome(cfg.Home)
	if err != nil {
		return fmt.Errorf("resolve home directory: %w", err)
	}
	if err := hd.EnsureExists(); err != nil {
		return fmt.Errorf("create home directory: %w", err)
	}
	logger.Info("home directory", "path", hd.Root())

	sessionStore, err := sessionsqlite.Open(ctx, hd.SessionsDBPath(), logger)
	if err != nil {
		return fmt.Errorf("open session store: %w", err)
	}
	registry := session.NewRegistry(sessionStore, logger)
	defer func() { _ = registry.Close() }()

	contentStore, err := contentsqlite.Open(ctx, hd, cfg.LargeFileThreshold, logger)
	if err != nil {
		return fmt.Errorf("open content store: %w", err)
	}
	defer func() { _ = contentStore.Close() }()

	adapter := transport.NewAdapter(transport.Config{
		MaxFrameSize:      cfg.MaxFrameSize,
		HeartbeatInterval: cfg.HeartbeatInterval,
		HeartbeatTimeout:  cfg.HeartbeatTimeout,
		CORSOrigin:        cfg.CORSOrigin,
	}, logger)

	var store content.Store = contentStore
	core := relay.NewCore(registry, store, adapter, relay.Config{
		LargeFileThreshold: cfg.LargeFileThreshold,
		MaxItemsPerSession: cfg.MaxItemsPerSession,
	}, logger)
	core.RegisterHandlers()

	sweeper := session.NewExpirySweeper(registry, cfg.SessionTimeout, 60*time.Second, core.EvictExpired, logger)
	if err := sweeper.Start(ctx); err != nil {
		return fmt.Errorf("start expiry sweeper: %w", err)
	}
	defer func() { _ = sweeper.Stop() }()

	apiServer := httpapi.NewServer(adapter, store, registry, core, logger)

	handler := http.Handler(apiServer.Handler())

	var tlsConfig *tls.Config
	if cfg.TLSCertFile != "" && cfg.TLSKeyFile != "" {
		certMgr := cert.New(cert.Config{Logger: logger})
		if err := certMgr.LoadFromConfig("server", map[string]cert.CertSource{
			"server": {CertFile: cfg.TLSCertFile, KeyFile: cfg.TLSKeyFile},
		}); err != nil {
			return fmt.Errorf("load TLS certificate: %w", err)
		}
		tlsConfig = certMgr.TLSConfig()
		tlsConfig.MinVersion = tls.VersionTLS12
		logger.Info("TLS enabled", "cert_file", cfg.TLSCertFile)
	} else {
		// No TLS: serve HTTP/2 in cleartext (h2c) so websocket upgrades and
		// downloads both work without a negotiated ALPN protocol.
		handler = h2c.NewHandler(handler, &http2.Server{})
	}

	httpSrv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		TLSConfig:         tlsConfig,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("server listening", "addr", cfg.Addr)
		var err error
		if tlsConfig != nil {
			err = httpSrv.ListenAndServeTLS("", "")
		} else {
			err = httpSrv.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			serveErr <- err
			return
		}
		serveErr <- nil
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown server: %w", err)
	}

	logger.Info("shutdown complete")
	return nil
}

// resolveHome returns a Dir from the flag value, or the platform default.
func resolveHome(flagValue string) (home.Dir, error) {
	if flagValue != "" {
		return home.New(flagValue), nil
	}
	return home.Default()
}
