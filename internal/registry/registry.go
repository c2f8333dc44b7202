// Package registry tracks live sessions and runs the heartbeat sweep that
// evicts stale ones, kicks stuck pool legs, and expires orphaned correlations.
package registry

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/webxla/cnrelay/internal/config"
	"github.com/webxla/cnrelay/internal/metrics"
	"github.com/webxla/cnrelay/internal/session"
	"github.com/webxla/cnrelay/pkg/logger"
)

// Member is the slice of a session the registry needs. Sessions satisfy it;
// tests substitute fakes.
type Member interface {
	ID() int64
	PoolKey() string
	State() session.State
	StateAge() time.Duration
	LastActivity() time.Time
	Ping() error
	ForceReconnect()
	ExpirePending(ttl time.Duration) int
	Counters() (submitted, accepted, rejected uint64)
	Close(reason string)
}

// Registry is the table of live sessions.
type Registry struct {
	cfg config.HeartbeatConfig
	mx  *metrics.Collector

	mu      sync.RWMutex
	members map[int64]Member

	nextID atomic.Int64
}

// New creates an empty registry.
func New(cfg config.HeartbeatConfig, mx *metrics.Collector) *Registry {
	return &Registry{
		cfg:     cfg,
		mx:      mx,
		members: make(map[int64]Member),
	}
}

// NextID hands out a process-unique session id.
func (r *Registry) NextID() int64 {
	return r.nextID.Add(1)
}

// Add registers a session.
func (r *Registry) Add(m Member) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.members[m.ID()] = m
}

// Remove drops a session from the table. Safe to call for ids already gone.
func (r *Registry) Remove(id int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.members, id)
}

// Len returns the number of tracked sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.members)
}

// snapshot copies the member list so sweep work runs without the table lock.
func (r *Registry) snapshot() []Member {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Member, 0, len(r.members))
	for _, m := range r.members {
		out = append(out, m)
	}
	return out
}

// Run drives the heartbeat sweep until ctx is cancelled. On shutdown every
// remaining session is closed.
func (r *Registry) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			r.CloseAll("relay shutting down")
			return
		case <-ticker.C:
			r.sweep()
		}
	}
}

// sweep performs one heartbeat pass over every session.
func (r *Registry) sweep() {
	now := time.Now()
	byState := make(map[session.State]int)

	for _, m := range r.snapshot() {
		st := m.State()
		byState[st]++

		if idle := now.Sub(m.LastActivity()); idle > r.cfg.StaleTimeout {
			logger.Info("session %d: stale for %s, evicting", m.ID(), idle.Round(time.Second))
			m.Close("stale session")
			continue
		}

		if err := m.Ping(); err != nil {
			logger.Debug("session %d: ping failed: %v", m.ID(), err)
			m.Close("ping failed")
			continue
		}

		// A leg that connected but never finished logging in is wedged;
		// force a fresh dial rather than waiting on the pool.
		if st == session.StateConnected && m.StateAge() > r.cfg.StuckGrace {
			logger.Info("session %d: stuck in connected for %s, forcing reconnect",
				m.ID(), m.StateAge().Round(time.Second))
			m.ForceReconnect()
		}

		if n := m.ExpirePending(r.cfg.CorrelationTTL); n > 0 {
			logger.Debug("session %d: expired %d pending correlations", m.ID(), n)
		}
	}

	for _, name := range session.StateNames() {
		r.mx.SetSessionsByState(name, 0)
	}
	for st, n := range byState {
		r.mx.SetSessionsByState(st.String(), n)
	}
}

// CloseAll tears down every tracked session.
func (r *Registry) CloseAll(reason string) {
	for _, m := range r.snapshot() {
		m.Close(reason)
	}
}

// Stats is a point-in-time summary of the session table.
type Stats struct {
	Sessions int            `json:"sessions"`
	ByState  map[string]int `json:"by_state"`
	ByPool   map[string]int `json:"by_pool"`
	Shares   ShareStats     `json:"shares"`
}

// ShareStats aggregates share counters across all live sessions.
type ShareStats struct {
	Submitted uint64 `json:"submitted"`
	Accepted  uint64 `json:"accepted"`
	Rejected  uint64 `json:"rejected"`
}

// Stats summarizes the current table for the status endpoint and the
// periodic report.
func (r *Registry) Stats() Stats {
	st := Stats{
		ByState: make(map[string]int),
		ByPool:  make(map[string]int),
	}
	for _, m := range r.snapshot() {
		st.Sessions++
		st.ByState[m.State().String()]++
		st.ByPool[m.PoolKey()]++
		sub, acc, rej := m.Counters()
		st.Shares.Submitted += sub
		st.Shares.Accepted += acc
		st.Shares.Rejected += rej
	}
	return st
}
