// Package discovery is the cluster's control plane: a Redis pub/sub
// channel carrying host up/down events. It never sits on the borrow path —
// it only drives pool lifecycle: EnsureCoreConnections on a host coming up,
// CloseAsync on a host going down.
package discovery

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/cqlpool/driver/internal/config"
	"github.com/cqlpool/driver/internal/metrics"
	"github.com/cqlpool/driver/internal/pool"
)

// Event is a single host transition.
type Event struct {
	Up       bool
	HostID   string
	Addr     string
	Distance pool.HostDistance
}

func (e Event) String() string {
	state := "DOWN"
	if e.Up {
		state = "UP"
	}
	return fmt.Sprintf("%s %s(%s) distance=%s", state, e.HostID, e.Addr, e.Distance)
}

// encode/decode use a plain pipe-delimited wire format — good enough for a
// control-plane event and avoids pulling in a JSON dependency just for this.
func encode(e Event) string {
	state := "down"
	if e.Up {
		state = "up"
	}
	return strings.Join([]string{state, e.HostID, e.Addr, e.Distance.String()}, "|")
}

func decode(payload string) (Event, error) {
	parts := strings.Split(payload, "|")
	if len(parts) != 4 {
		return Event{}, fmt.Errorf("discovery: malformed event %q", payload)
	}
	var ev Event
	switch parts[0] {
	case "up":
		ev.Up = true
	case "down":
		ev.Up = false
	default:
		return Event{}, fmt.Errorf("discovery: unknown state %q", parts[0])
	}
	ev.HostID = parts[1]
	ev.Addr = parts[2]
	switch strings.ToUpper(parts[3]) {
	case "LOCAL":
		ev.Distance = pool.Local
	case "REMOTE":
		ev.Distance = pool.Remote
	case "IGNORED":
		ev.Distance = pool.Ignored
	default:
		return Event{}, fmt.Errorf("discovery: unknown distance %q", parts[3])
	}
	return ev, nil
}

// Handler reacts to host transitions. OnHostUp/OnHostDown are called from
// the Manager's single dispatch goroutine, never concurrently with each
// other.
type Handler interface {
	OnHostUp(ev Event)
	OnHostDown(ev Event)
}

// Manager subscribes to the cluster's host-discovery channel and dispatches
// transitions to a Handler until Close. It also runs a local heartbeat
// loop, purely for observability: it never gates pool operations.
type Manager struct {
	client  *redis.Client
	channel string
	handler Handler

	instanceID        string
	heartbeatInterval time.Duration

	sub *redis.PubSub

	wg     sync.WaitGroup
	stopCh chan struct{}
}

// NewManager creates a Manager; it does not connect until Start.
func NewManager(cfg config.DiscoveryConfig, handler Handler) *Manager {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})
	return &Manager{
		client:            client,
		channel:           cfg.Channel,
		handler:           handler,
		instanceID:        uuid.New().String(),
		heartbeatInterval: cfg.HeartbeatInterval,
		stopCh:            make(chan struct{}),
	}
}

// Start connects, subscribes, and begins dispatching events and sending
// heartbeats in background goroutines.
func (m *Manager) Start(ctx context.Context) error {
	if err := m.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("discovery: redis ping: %w", err)
	}

	m.sub = m.client.Subscribe(ctx, m.channel)
	if _, err := m.sub.Receive(ctx); err != nil {
		return fmt.Errorf("discovery: subscribing to %s: %w", m.channel, err)
	}

	m.wg.Add(2)
	go m.loop()
	go m.heartbeatLoop()
	log.Printf("[discovery] subscribed to %s, instance=%s", m.channel, m.instanceID)
	return nil
}

func (m *Manager) loop() {
	defer m.wg.Done()

	ch := m.sub.Channel()
	for {
		select {
		case <-m.stopCh:
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			ev, err := decode(msg.Payload)
			if err != nil {
				log.Printf("[discovery] dropping malformed event: %v", err)
				continue
			}
			if ev.Up {
				m.handler.OnHostUp(ev)
			} else {
				m.handler.OnHostDown(ev)
			}
		}
	}
}

// heartbeatLoop periodically records this instance's liveness. It is
// observability only: nothing in this package or in pool reads the
// heartbeat back to make a decision.
func (m *Manager) heartbeatLoop() {
	defer m.wg.Done()

	metrics.RecordHeartbeat(m.instanceID)

	interval := m.heartbeatInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			metrics.RecordHeartbeat(m.instanceID)
		}
	}
}

// Publish announces a host transition. Used by operational tooling (and
// tests) to simulate a host joining or leaving the cluster.
func (m *Manager) Publish(ctx context.Context, ev Event) error {
	return m.client.Publish(ctx, m.channel, encode(ev)).Err()
}

// Close stops dispatching and releases the Redis connection.
func (m *Manager) Close() error {
	close(m.stopCh)
	if m.sub != nil {
		m.sub.Close()
	}
	m.wg.Wait()
	return m.client.Close()
}
