package pool

import (
	"context"
	"time"

	"github.com/roach88/webverify/internal/backend"
	"github.com/roach88/webverify/internal/fault"
)

// Reasons a binding is ended.
const (
	ReasonExpired = "expired"
	ReasonLogout  = "logout"

	// ReasonLost means the engine no longer knows a session the binding
	// believed open.
	ReasonLost = "lost"
)

// AbortAbandoned ends the lease's binding because the logical session can
// no longer be trusted.
//
// In order: the binding is cleared, abandon hooks run, the connection's
// engine session is reset, and only then does the handle become free, so
// a waiter never receives a half-reset handle. The lease is released.
//
// Cleanup failures are logged. Only an Unauthorized failure, meaning the
// session never existed on the engine, is returned.
func (p *Pool) AbortAbandoned(ctx context.Context, l *Lease, reason string) error {
	p.mu.Lock()
	if l.done {
		p.mu.Unlock()
		return nil
	}
	l.done = true
	h := l.h
	h.abandoned = ""
	lc := p.unbindLocked(h)
	p.mu.Unlock()

	return p.cleanup(ctx, h, lc, reason)
}

// EndSession ends sessionID's binding. An idle handle is cleaned up now; a
// held one is flagged and cleaned up when its holder releases it. Reports
// whether the session had a binding.
func (p *Pool) EndSession(ctx context.Context, sessionID, reason string) (bool, error) {
	p.mu.Lock()
	h, ok := p.bySession[sessionID]
	if !ok {
		p.mu.Unlock()
		return false, nil
	}
	if h.inUse {
		h.abandoned = reason
		p.mu.Unlock()
		p.logger.Debug("binding flagged for cleanup on release", "handle", h.slot, "session", sessionID)
		return true, nil
	}
	h.inUse = true
	lc := p.unbindLocked(h)
	p.mu.Unlock()

	return true, p.cleanup(ctx, h, lc, reason)
}

// Sweep ends bindings that have been idle past IdleTimeout or whose
// context has expired. Expired bindings on held handles are flagged and
// cleaned up at release. Returns the number of bindings ended or flagged.
func (p *Pool) Sweep(ctx context.Context) int {
	now := p.clock.Now()

	type victim struct {
		h  *Handle
		lc LogicalContext
	}
	var victims []victim
	flagged := 0

	p.mu.Lock()
	for _, h := range p.handles {
		if !h.bound || h.abandoned != "" {
			continue
		}
		expired := !h.ctx.ExpiresAt.IsZero() && !now.Before(h.ctx.ExpiresAt)
		if h.inUse {
			if expired {
				h.abandoned = ReasonExpired
				flagged++
			}
			continue
		}
		idle := p.opts.IdleTimeout > 0 && now.Sub(h.lastUsed) >= p.opts.IdleTimeout
		if !idle && !expired {
			continue
		}
		h.inUse = true
		victims = append(victims, victim{h: h, lc: p.unbindLocked(h)})
	}
	p.mu.Unlock()

	for _, v := range victims {
		if err := p.cleanup(ctx, v.h, v.lc, ReasonExpired); err != nil {
			p.logger.Warn("sweep cleanup failed", "handle", v.h.slot, "session", v.lc.SessionID, "error", err)
		}
	}
	if n := len(victims) + flagged; n > 0 {
		p.logger.Info("swept abandoned bindings", "ended", len(victims), "flagged", flagged)
	}
	return len(victims) + flagged
}

// RunSweeper calls Sweep every SweepInterval until ctx is done.
func (p *Pool) RunSweeper(ctx context.Context) {
	if p.opts.SweepInterval <= 0 {
		return
	}
	ticker := time.NewTicker(p.opts.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Sweep(ctx)
		}
	}
}

// unbindLocked clears h's binding and returns it. h stays in use.
func (p *Pool) unbindLocked(h *Handle) LogicalContext {
	lc := h.ctx
	if p.bySession[lc.SessionID] == h {
		delete(p.bySession, lc.SessionID)
	}
	h.bound = false
	h.ctx = LogicalContext{}
	return lc
}

// cleanup runs abandon hooks and resets the reserved handle's connection,
// then frees it.
func (p *Pool) cleanup(ctx context.Context, h *Handle, lc LogicalContext, reason string) error {
	var escalate error
	for _, hook := range p.hooks {
		if err := hook(ctx, h, lc, reason); err != nil {
			p.logger.Warn("abandon hook failed",
				"handle", h.slot, "session", lc.SessionID, "reason", reason, "error", err)
			if fault.IsUnauthorized(err) && escalate == nil {
				escalate = err
			}
		}
	}
	h.doc = DocClosed{}

	if h.conn != nil {
		id := h.conn.Identity()
		if err := h.conn.Reset(ctx); err != nil {
			p.logger.Warn("reset handle connection",
				"handle", h.slot, "session", lc.SessionID, "error", err)
			if fault.IsUnauthorized(err) && escalate == nil {
				escalate = err
			}
			p.closeConn(h, h.conn)
			h.conn = nil
		}
		if p.catalog != nil {
			p.catalog.Invalidate(id)
		}
	}
	p.metrics.HandleAbandoned()

	p.mu.Lock()
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

	p.logger.Info("handle binding ended", "handle", h.slot, "session", lc.SessionID, "reason", reason)
	return escalate
}
