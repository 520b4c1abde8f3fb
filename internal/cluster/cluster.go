// Package cluster is the top-level entry point for multi-host pooling: a
// Manager keyed by host id delegating to one pool.Pool per host. It also
// implements discovery.Handler so the host set can change at runtime as
// hosts join or leave the cluster, rather than being fixed at startup.
package cluster

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/cqlpool/driver/internal/config"
	"github.com/cqlpool/driver/internal/discovery"
	"github.com/cqlpool/driver/internal/metrics"
	"github.com/cqlpool/driver/internal/pool"
	"github.com/cqlpool/driver/internal/transport"
)

// Manager owns one pool.Pool per live host and reacts to discovery events
// by opening or closing them.
type Manager struct {
	mu    sync.RWMutex
	pools map[string]*pool.Pool // keyed by host id
	cfg   *config.Config
	rec   metrics.Recorder
}

// NewManager creates a Manager and starts a pool for every host in cfg.
// Failures opening an individual host's pool are logged, not fatal — a
// host that's down at startup should still come up later via discovery.
func NewManager(cfg *config.Config) *Manager {
	m := &Manager{
		pools: make(map[string]*pool.Pool, len(cfg.Hosts)),
		cfg:   cfg,
		rec:   metrics.Recorder{},
	}

	for i := range cfg.Hosts {
		h := cfg.Hosts[i]
		distance, err := h.ParsedDistance()
		if err != nil {
			log.Printf("[cluster] skipping host %s: %v", h.ID, err)
			continue
		}
		if distance == pool.Ignored {
			continue
		}
		if err := m.open(h.ID, h.Addr, distance); err != nil {
			log.Printf("[cluster] initial open of host %s failed: %v", h.ID, err)
		}
	}

	log.Printf("[cluster] manager initialized: %d host pools", len(m.pools))
	return m
}

func (m *Manager) open(hostID, addr string, distance pool.HostDistance) error {
	m.mu.Lock()
	if _, exists := m.pools[hostID]; exists {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	opts := m.cfg.PoolOptions(distance)
	dial := transport.DialFunc(addr, transport.DialOptions{
		ClusterName:             m.cfg.ClusterName,
		Username:                m.cfg.Username,
		Password:                m.cfg.Password,
		MaxStreamsPerConnection: opts.MaxStreamsPerConnection,
	})

	p, err := pool.New(addr, distance, opts, dial, m.rec, nil)
	if err != nil {
		return fmt.Errorf("creating pool for %s: %w", hostID, err)
	}

	m.mu.Lock()
	m.pools[hostID] = p
	m.mu.Unlock()
	return nil
}

// OnHostUp implements discovery.Handler.
func (m *Manager) OnHostUp(ev discovery.Event) {
	m.mu.RLock()
	p, exists := m.pools[ev.HostID]
	m.mu.RUnlock()

	if exists {
		p.EnsureCoreConnections()
		return
	}
	if err := m.open(ev.HostID, ev.Addr, ev.Distance); err != nil {
		log.Printf("[cluster] host %s up but open failed: %v", ev.HostID, err)
	}
}

// OnHostDown implements discovery.Handler.
func (m *Manager) OnHostDown(ev discovery.Event) {
	m.mu.Lock()
	p, exists := m.pools[ev.HostID]
	delete(m.pools, ev.HostID)
	m.mu.Unlock()

	if !exists {
		return
	}
	p.CloseAsync()
}

// Pool returns the pool for a given host id.
func (m *Manager) Pool(hostID string) (*pool.Pool, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.pools[hostID]
	return p, ok
}

// Stats returns a point-in-time snapshot of every host pool's counters.
func (m *Manager) Stats() []pool.Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := make([]pool.Stats, 0, len(m.pools))
	for _, p := range m.pools {
		stats = append(stats, p.Stats())
	}
	return stats
}

// Tick runs CleanupIdleConnections on every host pool; the caller drives
// this on an external periodic timer (see cmd/hostpooldemo).
func (m *Manager) Tick() {
	m.mu.RLock()
	pools := make([]*pool.Pool, 0, len(m.pools))
	for _, p := range m.pools {
		pools = append(pools, p)
	}
	m.mu.RUnlock()

	for _, p := range pools {
		p.CleanupIdleConnections(time.Now())
	}
}

// Close shuts down every host pool and waits for all of them to finish.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	pools := m.pools
	m.pools = nil
	m.mu.Unlock()

	futures := make([]*pool.CloseFuture, 0, len(pools))
	for _, p := range pools {
		futures = append(futures, p.CloseAsync())
	}
	for _, f := range futures {
		select {
		case <-f.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	log.Println("[cluster] manager closed")
	return nil
}
