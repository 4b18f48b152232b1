package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/translocal/translocal/internal/config"
	"github.com/translocal/translocal/pkg/admin"
	"github.com/translocal/translocal/pkg/backend"
	"github.com/translocal/translocal/pkg/cert"
	"github.com/translocal/translocal/pkg/dns"
	"github.com/translocal/translocal/pkg/logger"
	"github.com/translocal/translocal/pkg/proxy"
	"github.com/translocal/translocal/pkg/translate"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the translation proxy",
		Long: `Run the proxy until interrupted. SIGHUP re-reads the settings file and
restarts the listener with the new proxy settings.`,
		Args: cobra.NoArgs,
		RunE: runServe,
	}

	cmd.Flags().IntVarP(&port, "port", "p", proxy.DefaultPort, "Proxy port")
	cmd.Flags().StringVar(&listenAddr, "listen", "127.0.0.1", "Proxy listen address")
	cmd.Flags().StringVar(&apiKey, "api-key", "", "Require this key from clients (DeepL-Auth-Key or Bearer)")
	cmd.Flags().BoolVar(&enableDNS, "dns", false, "Run the DNS responder for the intercepted hosts")
	cmd.Flags().StringVarP(&outputFile, "output", "o", "", "Write a traffic record per API request to this file")
	cmd.Flags().StringVar(&outputFormat, "format", "json", "Traffic output format: text, json, csv")
	cmd.Flags().StringVar(&logFile, "log-file", "", "Write system logs to this file (rotated)")
	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	log, err := logger.New(logger.Options{
		Level:   cfg.LogLevel,
		Format:  cfg.LogFormat,
		File:    cfg.LogFile,
		Quiet:   cfg.Quiet,
		Verbose: cfg.Verbose,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer log.Close()

	log.Info("Starting TransLocal v%s", version)

	ca, err := cert.NewCA(cfg.EffectiveCADir(), cert.WithLogger(log.Named("cert")))
	if err != nil {
		return fmt.Errorf("failed to initialize CA: %w", err)
	}
	log.Info("Root CA: %s", ca.CertPath())

	translator, db, err := buildTranslator(cfg, log.Named("backend"))
	if err != nil {
		return err
	}
	if db != nil {
		defer db.Close()
	}

	var console logger.Logger
	if cfg.Verbose {
		console = log.Named("traffic")
	}
	traffic, err := logger.NewTraffic(logger.TrafficOptions{
		OutputFile: cfg.OutputFile,
		Format:     cfg.OutputFormat,
		Console:    console,
	})
	if err != nil {
		return err
	}
	defer traffic.Close()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	proxyServer := proxy.NewServer(cfg.ServerSettings(), ca, translator, log.Named("proxy"),
		proxy.WithTrafficLogger(traffic),
		proxy.WithMetrics(proxy.NewMetrics(registry)),
	)

	// Setup signal handling for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigChan)

	if err := proxyServer.Start(); err != nil {
		return fmt.Errorf("failed to start proxy: %w", err)
	}
	defer proxyServer.Stop()

	if cfg.DNSEnabled {
		dnsServer := dns.NewServer(cfg.DNSConfig(), log.Named("dns"))
		if err := dnsServer.Start(); err != nil {
			return fmt.Errorf("failed to start DNS server: %w", err)
		}
		defer dnsServer.Stop()
	}

	if cfg.AdminEnabled {
		adminServer := &admin.Server{
			Engine:     proxyServer,
			Translator: translator,
			CA:         ca,
			Gatherer:   registry,
			Logger:     log.Named("admin"),
			Version:    version,
		}
		if err := adminServer.Start(cfg.AdminAddr); err != nil {
			return fmt.Errorf("failed to start admin API: %w", err)
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = adminServer.Shutdown(ctx)
		}()
	}

	statusCtx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
	status := translator.Status(statusCtx)
	cancel()
	if status.Ready {
		log.Info("Backend: %s", status.Message)
	} else {
		log.Warn("Backend not ready: %s", status.Message)
	}

	for sig := range sigChan {
		if sig != syscall.SIGHUP {
			log.Info("Received signal %v, shutting down...", sig)
			return nil
		}
		reloaded, err := loadConfig(cmd)
		if err != nil {
			log.Error("Reload failed, keeping current settings: %v", err)
			continue
		}
		if err := proxyServer.Apply(reloaded.ServerSettings()); err != nil {
			log.Error("Reload failed, proxy kept on %s: %v", proxyServer.Addr(), err)
			continue
		}
		log.Info("Settings reloaded, proxy listening on %s", proxyServer.Addr())
	}
	return nil
}

// buildTranslator stacks the model client, retries and the cache. The
// returned database is nil when caching is off.
func buildTranslator(cfg *config.Config, log logger.Logger) (translate.Translator, *sql.DB, error) {
	client := backend.NewOpenAI(cfg.BackendConfig(), log)
	var t translate.Translator = client
	if cfg.BackendRetries > 0 {
		t = backend.NewRetrying(t, uint64(cfg.BackendRetries), log)
	}
	if !cfg.CacheEnabled {
		return t, nil, nil
	}

	db, err := backend.OpenDB(cfg.EffectiveCachePath())
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open translation cache: %w", err)
	}
	return backend.NewCache(db, t, client.Model(), log), db, nil
}
