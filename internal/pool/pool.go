// Package pool hands out a bounded set of engine handles to logical
// sessions.
//
// A handle is bound to one logical session from its first Acquire until the
// binding is ended (logout, abandonment sweep, or an abort by its holder).
// While bound, only that session's requests can use it, one request at a
// time. Release suspends the binding; it does not end it.
//
// Waiters block on a level-triggered "something was released" signal and
// race for the freed handle. The only lock is the short-held mutex around
// the handle table; it is never held across an engine call.
package pool

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/roach88/webverify/internal/backend"
	"github.com/roach88/webverify/internal/clock"
	"github.com/roach88/webverify/internal/fault"
	"github.com/roach88/webverify/internal/metrics"
)

// Options sizes the pool.
type Options struct {
	// Identity is the database eagerly created handles connect to.
	Identity backend.Identity

	// Size handles are created by New.
	Size int

	// MaxSize bounds lazy growth. Values below Size are raised to Size.
	MaxSize int

	// AcquireTimeout bounds how long Acquire waits for a free handle.
	AcquireTimeout time.Duration

	// IdleTimeout ends a binding that has not been used for this long.
	// Zero disables idle expiry.
	IdleTimeout time.Duration

	// SweepInterval is the RunSweeper period.
	SweepInterval time.Duration
}

// AbandonHook runs when a binding is ended, after it is cleared and before
// the connection is reset. The handle is reserved for the hook; lc is the
// binding being ended.
type AbandonHook func(ctx context.Context, h *Handle, lc LogicalContext, reason string) error

// Stats is a snapshot of the handle table.
type Stats struct {
	Total int `json:"total"`
	Bound int `json:"bound"`
	InUse int `json:"in_use"`
}

// Pool is a bounded set of engine handles.
//
// Thread-safety: all methods are safe for concurrent use.
type Pool struct {
	connector backend.Connector
	opts      Options
	clock     clock.Clock
	logger    *slog.Logger
	metrics   *metrics.Metrics
	catalog   *backend.Catalog
	hooks     []AbandonHook

	mu        sync.Mutex
	handles   []*Handle
	bySession map[string]*Handle
	released  chan struct{} // closed and replaced on every release
	closed    bool
}

// Option configures a Pool.
type Option func(*Pool)

// WithClock sets the clock used for idle and expiry checks.
func WithClock(c clock.Clock) Option {
	return func(p *Pool) { p.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Pool) { p.logger = l }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Pool) { p.metrics = m }
}

// WithCatalog sets the identity catalog invalidated when a handle's
// connection is reset or replaced.
func WithCatalog(c *backend.Catalog) Option {
	return func(p *Pool) { p.catalog = c }
}

// WithAbandonHook adds a hook run whenever a binding is ended.
func WithAbandonHook(hook AbandonHook) Option {
	return func(p *Pool) { p.hooks = append(p.hooks, hook) }
}

// New creates a pool and connects opts.Size handles.
func New(ctx context.Context, connector backend.Connector, opts Options, options ...Option) (*Pool, error) {
	if opts.Size < 0 {
		return nil, errors.New("pool size must not be negative")
	}
	if opts.MaxSize < opts.Size {
		opts.MaxSize = opts.Size
	}
	if opts.MaxSize < 1 {
		return nil, errors.New("pool max size must be at least 1")
	}

	p := &Pool{
		connector: connector,
		opts:      opts,
		clock:     clock.System{},
		logger:    slog.Default(),
		bySession: make(map[string]*Handle),
		released:  make(chan struct{}),
	}
	for _, opt := range options {
		opt(p)
	}

	for i := 0; i < opts.Size; i++ {
		conn, err := connector.Connect(ctx, opts.Identity)
		if err != nil {
			p.Close()
			return nil, fault.Normalize(err, "connect handle %d", i)
		}
		p.handles = append(p.handles, p.newHandle(i, conn))
	}
	p.mu.Lock()
	p.reportLocked()
	p.mu.Unlock()
	return p, nil
}

func (p *Pool) newHandle(slot int, conn backend.Conn) *Handle {
	return &Handle{
		slot:     slot,
		instance: uuid.NewString(),
		conn:     conn,
		doc:      DocClosed{},
		lastUsed: p.clock.Now(),
	}
}

// Lease is one borrow of a handle. Release it on every exit path:
//
//	lease, err := p.Acquire(ctx, lc)
//	if err != nil {
//	    return err
//	}
//	defer lease.Release()
type Lease struct {
	pool *Pool
	h    *Handle
	ctx  LogicalContext
	done bool // guarded by pool.mu
}

// Handle returns the borrowed handle.
func (l *Lease) Handle() *Handle { return l.h }

// Context returns the logical context the handle was acquired for.
func (l *Lease) Context() LogicalContext { return l.ctx }

// Release returns the handle to the pool. Safe to call more than once.
func (l *Lease) Release() { l.pool.Release(l) }

// Abort ends the lease's binding. See Pool.AbortAbandoned.
func (l *Lease) Abort(ctx context.Context, reason string) error {
	return l.pool.AbortAbandoned(ctx, l, reason)
}

// Acquire returns a handle bound to lc.SessionID, binding a free one if the
// session has none. It waits up to AcquireTimeout for a handle to be
// released and then fails with CapacityExceeded.
//
// A session already bound under a non-equivalent context is a Conflict.
func (p *Pool) Acquire(ctx context.Context, lc LogicalContext) (*Lease, error) {
	if lc.SessionID == "" {
		return nil, fault.New(fault.CodeUnauthorized, "no logical session")
	}

	start := time.Now()
	timer := time.NewTimer(p.opts.AcquireTimeout)
	defer timer.Stop()

	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, fault.New(fault.CodeCapacityExceeded, "pool is closed").WithSession(lc.SessionID)
		}

		h, grow, err := p.tryBindLocked(lc)
		if err != nil {
			p.mu.Unlock()
			p.metrics.AcquireFailed("conflict")
			return nil, err
		}
		if h != nil || grow {
			if grow {
				h = p.newHandle(len(p.handles), nil)
				h.inUse = true
				h.bound = true
				h.ctx = lc
				p.handles = append(p.handles, h)
				p.bySession[lc.SessionID] = h
			}
			p.reportLocked()
			p.mu.Unlock()

			if err := p.ensureConnected(ctx, h, lc.Identity()); err != nil {
				p.unbindFailed(h)
				p.metrics.AcquireFailed("connect")
				return nil, err
			}
			p.metrics.ObserveAcquire(time.Since(start))
			p.logger.Debug("handle acquired",
				"handle", h.slot, "session", lc.SessionID, "wait", time.Since(start))
			return &Lease{pool: p, h: h, ctx: lc}, nil
		}

		released := p.released
		p.mu.Unlock()

		select {
		case <-released:
		case <-timer.C:
			p.metrics.AcquireFailed("timeout")
			return nil, fault.New(fault.CodeCapacityExceeded,
				"no engine handle available after %s", p.opts.AcquireTimeout).WithSession(lc.SessionID)
		case <-ctx.Done():
			p.metrics.AcquireFailed("canceled")
			return nil, ctx.Err()
		}
	}
}

// tryBindLocked picks the handle for lc. It returns (nil, true, nil) when
// the pool may grow by one, and (nil, false, nil) when the caller must wait.
func (p *Pool) tryBindLocked(lc LogicalContext) (*Handle, bool, error) {
	now := p.clock.Now()

	if h, ok := p.bySession[lc.SessionID]; ok {
		if !h.ctx.Equivalent(lc) {
			return nil, false, fault.New(fault.CodeConflict,
				"session is bound to %s/%s, not %s/%s",
				h.ctx.Identity(), h.ctx.WebConfig, lc.Identity(), lc.WebConfig).WithSession(lc.SessionID)
		}
		if h.inUse {
			return nil, false, nil
		}
		h.inUse = true
		h.ctx.User = lc.User
		h.ctx.ExpiresAt = lc.ExpiresAt
		h.lastUsed = now
		return h, false, nil
	}

	var free *Handle
	for _, h := range p.handles {
		if h.inUse || h.bound {
			continue
		}
		if h.conn != nil && h.conn.Identity() == lc.Identity() {
			free = h
			break
		}
		if free == nil {
			free = h
		}
	}
	if free != nil {
		free.inUse = true
		free.bound = true
		free.ctx = lc
		free.lastUsed = now
		p.bySession[lc.SessionID] = free
		return free, false, nil
	}

	return nil, len(p.handles) < p.opts.MaxSize, nil
}

// ensureConnected makes the reserved handle's connection target id.
func (p *Pool) ensureConnected(ctx context.Context, h *Handle, id backend.Identity) error {
	if h.conn != nil && h.conn.Identity() == id {
		return nil
	}
	if h.conn != nil {
		if err := h.conn.Close(); err != nil {
			p.logger.Warn("close handle connection", "handle", h.slot, "error", err)
		}
		h.conn = nil
	}
	conn, err := p.connector.Connect(ctx, id)
	if err != nil {
		return fault.Normalize(err, "connect handle %d to %s", h.slot, id)
	}
	if p.catalog != nil {
		p.catalog.Invalidate(id)
	}
	h.conn = conn
	h.doc = DocClosed{}
	return nil
}

// unbindFailed undoes a binding whose connection could not be made.
func (p *Pool) unbindFailed(h *Handle) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.bySession[h.ctx.SessionID] == h {
		delete(p.bySession, h.ctx.SessionID)
	}
	h.bound = false
	h.ctx = LogicalContext{}
	h.inUse = false
	p.signalLocked()
	p.reportLocked()
}

// Release clears the lease's in-use flag and wakes waiters. The binding
// stays. A handle whose binding was abandoned while it was held is cleaned
// up here, before it becomes free.
func (p *Pool) Release(l *Lease) {
	p.mu.Lock()
	if l.done {
		p.mu.Unlock()
		return
	}
	l.done = true
	h := l.h

	if h.abandoned != "" {
		reason := h.abandoned
		h.abandoned = ""
		lc := p.unbindLocked(h)
		p.mu.Unlock()
		if err := p.cleanup(context.Background(), h, lc, reason); err != nil {
			p.logger.Warn("abandoned handle cleanup failed", "handle", h.slot, "error", err)
		}
		return
	}

	h.inUse = false
	h.lastUsed = p.clock.Now()
	var stale backend.Conn
	if p.closed {
		stale = p.detachConnLocked(h)
	}
	p.signalLocked()
	p.reportLocked()
	p.mu.Unlock()

	p.closeConn(h, stale)
}

// signalLocked wakes every waiter.
func (p *Pool) signalLocked() {
	close(p.released)
	p.released = make(chan struct{})
}

func (p *Pool) reportLocked() {
	bound, inUse := 0, 0
	for _, h := range p.handles {
		if h.bound {
			bound++
		}
		if h.inUse {
			inUse++
		}
	}
	p.metrics.SetHandles(len(p.handles), bound, inUse)
}

// Stats returns a snapshot of the handle table.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	st := Stats{Total: len(p.handles)}
	for _, h := range p.handles {
		if h.bound {
			st.Bound++
		}
		if h.inUse {
			st.InUse++
		}
	}
	return st
}

// Bound reports whether sessionID currently holds a binding.
func (p *Pool) Bound(sessionID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.bySession[sessionID]
	return ok
}

// detachConnLocked takes the connection off h. The caller closes it after
// unlocking.
func (p *Pool) detachConnLocked(h *Handle) backend.Conn {
	conn := h.conn
	h.conn = nil
	return conn
}

func (p *Pool) closeConn(h *Handle, conn backend.Conn) {
	if conn == nil {
		return
	}
	if err := conn.Close(); err != nil {
		p.logger.Warn("close handle connection", "handle", h.slot, "error", err)
	}
}

// Close closes idle connections and fails waiters. Held handles are closed
// when released.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	idle := make(map[*Handle]backend.Conn)
	for _, h := range p.handles {
		if !h.inUse {
			idle[h] = p.detachConnLocked(h)
		}
	}
	p.signalLocked()
	p.mu.Unlock()

	for h, conn := range idle {
		p.closeConn(h, conn)
	}
	return nil
}
