// Package health serves the cluster's liveness/readiness HTTP endpoints,
// built from cluster.Manager's pool stats rather than dialing the backing
// hosts directly.
package health

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/cqlpool/driver/internal/cluster"
)

// Status represents a component's health status.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
)

// HostHealth reports one host pool's status.
type HostHealth struct {
	Host    string `json:"host"`
	Status  Status `json:"status"`
	Open    int    `json:"open"`
	Trashed int    `json:"trashed"`
}

// Report is the overall health report.
type Report struct {
	Status    Status       `json:"status"`
	Timestamp string       `json:"timestamp"`
	Hosts     []HostHealth `json:"hosts"`
}

// Checker builds a Report from a cluster.Manager's live pool stats.
type Checker struct {
	mgr  *cluster.Manager
	port int
}

// NewChecker creates a health checker serving on port.
func NewChecker(mgr *cluster.Manager, port int) *Checker {
	return &Checker{mgr: mgr, port: port}
}

// Check reports on every host pool. A pool with zero open connections is
// unhealthy — it cannot currently serve a borrow.
func (c *Checker) Check() *Report {
	report := &Report{
		Status:    StatusHealthy,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}

	for _, s := range c.mgr.Stats() {
		h := HostHealth{
			Host:    s.Host,
			Status:  StatusHealthy,
			Open:    s.Open,
			Trashed: s.Trashed,
		}
		if s.Open == 0 {
			h.Status = StatusUnhealthy
			report.Status = StatusUnhealthy
		}
		report.Hosts = append(report.Hosts, h)
	}

	return report
}

// ServeHTTP starts the health-check HTTP server.
func (c *Checker) ServeHTTP() *http.Server {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		report := c.Check()
		w.Header().Set("Content-Type", "application/json")
		if report.Status == StatusUnhealthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		} else {
			w.WriteHeader(http.StatusOK)
		}
		json.NewEncoder(w).Encode(report)
	})

	mux.HandleFunc("/livez", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]string{"status": "alive"})
	})

	addr := fmt.Sprintf(":%d", c.port)
	server := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	go func() {
		log.Printf("[health] HTTP server listening on %s", addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("[health] HTTP server error: %v", err)
		}
	}()

	return server
}
