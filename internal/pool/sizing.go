package pool

import (
	"context"
	"time"
)

// EnsureCoreConnections is a best-effort top-up to Core, bypassing the
// MaxSimultaneousCreation throttle. Called by Borrow when the live set is
// empty and by the host-discovery layer on a hosts-up notification.
func (p *Pool) EnsureCoreConnections() {
	if p.isClosing.Load() {
		return
	}
	for {
		open := int(p.open.Load())
		scheduled := int(p.scheduledForCreation.Load())
		if open+scheduled >= p.opts.Core {
			return
		}
		p.scheduledForCreation.Inc()
		go p.addConnectionIfUnderMaximum()
	}
}

// maybeGrow evaluates the growth trigger against fresh counters after a
// borrow reserved a slot: we start a new connection when the existing ones
// are full and the last one added is close to its own threshold.
func (p *Pool) maybeGrow() {
	if int(p.open.Load())+int(p.scheduledForCreation.Load()) >= p.opts.Max {
		return
	}
	n := p.conns.len()
	capacity := int64((n-1)*p.opts.MaxStreamsPerConnection) + int64(p.opts.NewConnectionThreshold)
	if p.totalInFlight.Load() > capacity {
		p.scheduleCreate()
	}
}

// scheduleCreate CAS-increments scheduledForCreation only while it's below
// MaxSimultaneousCreation, and submits one create task on success. This is
// the load-bearing throttle: without it a burst of borrows would spawn many
// parallel opens and wildly overshoot the needed connection count.
func (p *Pool) scheduleCreate() {
	for {
		cur := p.scheduledForCreation.Load()
		if cur >= MaxSimultaneousCreation {
			return
		}
		if p.scheduledForCreation.CompareAndSwap(cur, cur+1) {
			break
		}
	}
	go p.addConnectionIfUnderMaximum()
}

// addConnectionIfUnderMaximum is the create task: CAS-increment open only
// while under Max, prefer resurrecting a trashed connection over dialing a
// new transport, and roll everything back cleanly on any failure.
func (p *Pool) addConnectionIfUnderMaximum() {
	defer p.scheduledForCreation.Dec()

	for {
		cur := p.open.Load()
		if int(cur) >= p.opts.Max {
			return
		}
		if p.open.CompareAndSwap(cur, cur+1) {
			break
		}
	}

	if p.isClosing.Load() {
		p.open.Dec()
		return
	}

	conn := p.resurrectFromTrash()
	if conn == nil {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		c, err := p.dial(ctx)
		cancel()
		if err != nil {
			p.open.Dec()
			p.logf("create connection to %s failed: %v", p.host, err)
			return
		}
		conn = c
	}

	p.conns.add(conn)
	conn.CompareAndSwapState(StateResurrecting, StateOpen) // no-op if already OPEN

	if p.isClosing.Load() {
		p.conns.remove(conn)
		conn.CloseAsync()
		p.open.Dec()
		return
	}

	p.waiter.signalOne()
}

// resurrectFromTrash selects the trashed connection with the largest idle
// deadline that is still in the future and still has stream headroom —
// the most-recently-trashed healthy connection, most likely still warm.
func (p *Pool) resurrectFromTrash() Connection {
	now := time.Now()
	for {
		var best Connection
		var bestDeadline time.Time
		for _, c := range p.trash.snapshot() {
			deadline := c.IdleDeadline()
			if !deadline.After(now) {
				continue
			}
			if c.MaxAvailableStreams() <= MinAvailableStreams {
				continue
			}
			if best == nil || deadline.After(bestDeadline) {
				best = c
				bestDeadline = deadline
			}
		}
		if best == nil {
			return nil
		}
		if !best.CompareAndSwapState(StateTrashed, StateResurrecting) {
			continue // lost the CAS race, retry selection
		}
		p.trash.remove(best)
		return best
	}
}

// CleanupIdleConnections is invoked on an external periodic tick (e.g. once
// a second). It shrinks the pool back toward observed load, expires trash
// past its idle deadline, and tops back up to Core.
func (p *Pool) CleanupIdleConnections(now time.Time) {
	if p.isClosed() {
		return
	}
	p.shrinkIfBelowCapacity(now)
	p.cleanupTrash(now)
	p.EnsureCoreConnections()
	p.metrics.SetOpen(p.host, p.distance, p.Opened())
	p.metrics.SetTrashed(p.host, p.distance, p.Trashed())
}

// shrinkIfBelowCapacity reads-and-resets the high-water mark of
// totalInFlight since the last tick and trashes any connections above what
// that load actually needs.
func (p *Pool) shrinkIfBelowCapacity(now time.Time) {
	currentLoad := p.maxTotalInFlight.Swap(0)
	maxStreams := int64(p.opts.MaxStreamsPerConnection)
	if maxStreams <= 0 {
		return
	}

	needed := currentLoad / maxStreams
	remainder := currentLoad % maxStreams
	if remainder > 0 {
		needed++
	}
	if remainder > int64(p.opts.NewConnectionThreshold) {
		needed++
	}
	if needed < int64(p.opts.Core) {
		needed = int64(p.opts.Core)
	}

	excess := int64(p.open.Load()) - needed
	if excess <= 0 {
		return
	}

	var trimmed int64
	for _, c := range p.conns.snapshot() {
		if trimmed >= excess {
			break
		}
		if p.trashConnection(c, now) {
			trimmed++
		}
	}
}

// trashConnection CAS-transitions OPEN -> TRASHED, refusing (and reverting)
// if doing so would drop open below Core.
func (p *Pool) trashConnection(c Connection, now time.Time) bool {
	if !c.CompareAndSwapState(StateOpen, StateTrashed) {
		return false
	}
	for {
		cur := p.open.Load()
		if cur-1 < int32(p.opts.Core) {
			c.CompareAndSwapState(StateTrashed, StateOpen)
			return false
		}
		if p.open.CompareAndSwap(cur, cur-1) {
			break
		}
	}
	c.SetIdleDeadline(now.Add(p.opts.IdleTimeout))
	moveConn(p.conns, p.trash, c)
	return true
}

// cleanupTrash closes every trashed connection past its idle deadline. A
// connection whose in-flight count hasn't drained yet is reverted to
// TRASHED to retry next tick — expected to be rare since idleTimeout is
// normally much larger than any individual request's own timeout.
func (p *Pool) cleanupTrash(now time.Time) {
	for _, c := range p.trash.snapshot() {
		if c.IdleDeadline().After(now) {
			continue
		}
		if !c.CompareAndSwapState(StateTrashed, StateGone) {
			continue
		}
		if c.InFlight() == 0 {
			p.trash.remove(c)
			c.CloseAsync()
			continue
		}
		c.CompareAndSwapState(StateGone, StateTrashed)
	}
}

// ReplaceDefunctConnection retires a connection the transport layer has
// determined is permanently unusable. Idempotent under concurrent
// invocation: only the caller that wins the state CAS schedules a
// replacement.
func (p *Pool) ReplaceDefunctConnection(c Connection) {
	won := c.CompareAndSwapState(StateOpen, StateGone)
	if won {
		p.open.Dec()
	} else {
		c.CompareAndSwapState(StateResurrecting, StateGone)
	}

	p.conns.remove(c)
	p.trash.remove(c)
	c.CloseAsync()
	p.metrics.IncReplacement(p.host, p.distance, "defunct")

	if won && !p.isClosing.Load() {
		p.scheduleCreate()
	}
}
