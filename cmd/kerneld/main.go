// Command kerneld runs the lattice kernel as a standalone process: it
// opens the database, applies migrations, wires every component via
// internal/kernel, starts the background loops, and serves a thin
// health/metrics HTTP surface until signaled to stop.
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/r3e-network/lattice/internal/config"
	dbpkg "github.com/r3e-network/lattice/internal/db"
	"github.com/r3e-network/lattice/internal/kernel"
	"github.com/r3e-network/lattice/internal/logging"
	"github.com/r3e-network/lattice/internal/migrations"
)

func main() {
	cfg := config.FromEnv()
	logger := logging.New("kerneld", cfg.LogLevel, cfg.LogFormat)

	rootCtx, stopSignals := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stopSignals()

	db, err := dbpkg.Open(rootCtx, cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("connect to postgres: %v", err)
	}
	defer db.Close()

	if err := migrations.Apply(db.DB); err != nil {
		log.Fatalf("apply migrations: %v", err)
	}

	k := kernel.New(*cfg, db, logger)
	if err := k.Run(rootCtx); err != nil {
		log.Fatalf("start kernel background loops: %v", err)
	}

	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: router(),
	}

	go func() {
		logger.WithField("addr", cfg.HTTPAddr).Info("kerneld listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Error("http server stopped")
		}
	}()

	<-rootCtx.Done()
	stopSignals()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("http shutdown")
	}

	k.Shutdown()
	os.Exit(0)
}

func router() http.Handler {
	r := chi.NewRouter()
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/ready", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})
	r.Handle("/metrics", promhttp.Handler())
	return r
}
