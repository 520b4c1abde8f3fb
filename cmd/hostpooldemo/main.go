// Command hostpooldemo is the entrypoint wiring together configuration,
// the per-host connection pools, the Redis-backed discovery control plane,
// metrics, and health endpoints.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cqlpool/driver/internal/cluster"
	"github.com/cqlpool/driver/internal/config"
	"github.com/cqlpool/driver/internal/discovery"
	"github.com/cqlpool/driver/internal/health"
)

var configPath = flag.String("config", "configs/pool.yaml", "Path to pool configuration file")

func main() {
	flag.Parse()

	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Println("[main] starting host pool demo")

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("[main] failed to load configuration: %v", err)
	}
	log.Printf("[main] configuration loaded: %d hosts, cluster=%s", len(cfg.Hosts), cfg.ClusterName)

	// ─── Metrics HTTP server ───────────────────────────────────────────
	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	metricsServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.MetricsPort),
		Handler:      metricsMux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	go func() {
		log.Printf("[main] metrics server listening on :%d/metrics", cfg.MetricsPort)
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("[main] metrics server error: %v", err)
		}
	}()

	// ─── Cluster manager: one pool per configured host ─────────────────
	log.Println("[main] initializing cluster manager...")
	mgr := cluster.NewManager(cfg)
	defer func() {
		log.Println("[main] closing cluster manager...")
		shutCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := mgr.Close(shutCtx); err != nil {
			log.Printf("[main] cluster manager close error: %v", err)
		}
	}()
	for _, s := range mgr.Stats() {
		log.Printf("[main]   pool %s: open=%d trashed=%d", s.Host, s.Open, s.Trashed)
	}

	// ─── Health check server ────────────────────────────────────────────
	checker := health.NewChecker(mgr, cfg.HealthCheckPort)
	healthServer := checker.ServeHTTP()

	// ─── Discovery control plane ────────────────────────────────────────
	log.Println("[main] starting discovery manager...")
	disco := discovery.NewManager(cfg.Discovery, mgr)
	if err := disco.Start(context.Background()); err != nil {
		log.Printf("[main] discovery manager unavailable, continuing with static hosts only: %v", err)
		disco = nil
	} else {
		defer func() {
			log.Println("[main] closing discovery manager...")
			if err := disco.Close(); err != nil {
				log.Printf("[main] discovery manager close error: %v", err)
			}
		}()
	}

	// ─── Periodic sizing tick ────────────────────────────────────────────
	stopTick := make(chan struct{})
	go func() {
		ticker := time.NewTicker(cfg.CleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stopTick:
				return
			case <-ticker.C:
				mgr.Tick()
			}
		}
	}()
	defer close(stopTick)

	// ─── Graceful shutdown ───────────────────────────────────────────────
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	log.Println("[main] ready. waiting for shutdown signal...")
	sig := <-sigCh
	log.Printf("[main] received signal %v, shutting down gracefully...", sig)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := healthServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("[main] health server shutdown error: %v", err)
	}
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("[main] metrics server shutdown error: %v", err)
	}

	log.Println("[main] shutdown complete.")
}
