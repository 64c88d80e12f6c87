// Package main is the Dispute Orchestration Core's entry point: it loads
// configuration, wires every engine and adapter, and serves the Command
// API until an interrupt or termination signal asks it to shut down.
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/disputeflow/core/internal/app"
	"github.com/disputeflow/core/internal/config"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("disputecore: load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	application, err := app.New(ctx, cfg)
	if err != nil {
		log.Fatalf("disputecore: wire application: %v", err)
	}

	if err := application.Start(ctx); err != nil {
		log.Fatalf("disputecore: start services: %v", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/", application.Handler.Router())
	mux.Handle("/metrics", promhttp.Handler())

	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           mux,
		ReadTimeout:       30 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		application.Log.WithField("addr", cfg.HTTPAddr).Info("disputecore: command api listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			application.Log.WithError(err).Error("disputecore: server error")
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	application.Log.Info("disputecore: shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		application.Log.WithError(err).Warn("disputecore: http shutdown error")
	}
	if err := application.Stop(shutdownCtx); err != nil {
		application.Log.WithError(err).Warn("disputecore: service shutdown error")
	}
}
