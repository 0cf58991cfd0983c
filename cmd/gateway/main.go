// cmd/gateway/main.go
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/lobber-dev/lobber/internal/config"
	"github.com/lobber-dev/lobber/internal/forwarder"
	"github.com/lobber-dev/lobber/internal/httpapi"
	"github.com/lobber-dev/lobber/internal/inspector"
	"github.com/lobber-dev/lobber/internal/logging"
	"github.com/lobber-dev/lobber/internal/metrics"
	"github.com/lobber-dev/lobber/internal/registry"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("error: %v", err)
	}
}

func run() error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := logging.New(logging.Config{
		File:  cfg.LogFile,
		Level: cfg.LogLevel,
	})
	if err != nil {
		return fmt.Errorf("init logging: %w", err)
	}
	defer logger.Close()

	promReg := prometheus.NewRegistry()
	m := metrics.New(promReg)

	reg := registry.New(cfg.ChannelTunnelCap)
	reg.OnCreated(func(t *registry.Tunnel) {
		m.SetActiveTunnels(len(reg.List()))
		logger.Info("tunnel %s registered at %s (channel %s)", t.ID, t.Subdomain, t.ChannelID)
	})
	reg.OnClosed(func(t *registry.Tunnel, reason string) {
		m.SetActiveTunnels(len(reg.List()))
		logger.Info("tunnel %s closed: %s", t.ID, reason)
	})

	insp := inspector.New(inspector.Config{
		GlobalCapacity:    cfg.MaxStoredExchanges,
		PerTunnelCapacity: cfg.MaxStoredExchanges / 2,
		Retention:         time.Duration(cfg.RetentionMinutes) * time.Minute,
	})
	go insp.Run(ctx, time.Minute)

	fwd := forwarder.New(reg, insp, m, logger, time.Duration(cfg.RequestTimeoutSecs)*time.Second, cfg.MaxBodyBytes)

	server := httpapi.New(httpapi.Deps{
		Config:    cfg,
		Registry:  reg,
		Inspector: insp,
		Forwarder: fwd,
		Metrics:   m,
		PromReg:   promReg,
		Logger:    logger,
		Ctx:       ctx,
	})

	httpAddr := fmt.Sprintf("%s:%d", cfg.BindHost, cfg.HTTPPort)
	httpServer := &http.Server{
		Addr:    httpAddr,
		Handler: server.Handler(),
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("gateway listening on %s (public domain %s)", httpAddr, cfg.PublicDomain)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("http: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		return err
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown error: %v", err)
	}
	reg.CloseAll("gateway shutting down")

	return nil
}
