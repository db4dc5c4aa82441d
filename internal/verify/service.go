// Package verify is the service context of the verification layer. It owns
// the handle pool, the page cache and the action catalog, and is the only
// way request code borrows a handle: Do acquires one for a logical session,
// hands the caller a Workspace and releases the handle when the callback
// returns, on every path.
package verify

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/webverify/internal/backend"
	"github.com/roach88/webverify/internal/clock"
	"github.com/roach88/webverify/internal/fault"
	"github.com/roach88/webverify/internal/metrics"
	"github.com/roach88/webverify/internal/pagecache"
	"github.com/roach88/webverify/internal/pool"
	"github.com/roach88/webverify/internal/session"
)

// Config gathers the settings of the service's parts.
type Config struct {
	Pool    pool.Options
	Session session.Config
	Cache   pagecache.Options
}

// Service owns the pool, cache and catalog.
//
// Thread-safety: safe for concurrent use.
type Service struct {
	cfg     Config
	pool    *pool.Pool
	cache   *pagecache.Cache
	catalog *backend.Catalog
	pages   backend.PageStore
	clock   clock.Clock
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// Option configures a Service.
type Option func(*Service)

// WithClock sets the clock passed to every part. Edits are compared with
// the engine's attribute set timestamps, so it must be the clock the page
// store stamps with. By default the page store's own clock is used when it
// exposes one, and a fresh monotonic clock otherwise.
func WithClock(c clock.Clock) Option {
	return func(s *Service) { s.clock = c }
}

// WithLogger sets the logger passed to every part.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithMetrics sets the metrics sink passed to the pool and the cache.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// NewSessionID returns a fresh logical session id.
func NewSessionID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// New starts a service. The pool's initial handles connect before New
// returns.
func New(ctx context.Context, connector backend.Connector, pages backend.PageStore, source pagecache.Source, cfg Config, opts ...Option) (*Service, error) {
	s := &Service{
		cfg:     cfg,
		catalog: backend.NewCatalog(),
		pages:   pages,
		clock:   clock.NewMonotonic(),
		logger:  slog.Default(),
	}
	if c, ok := pages.(interface{ Clock() clock.Clock }); ok {
		s.clock = c.Clock()
	}
	for _, opt := range opts {
		opt(s)
	}

	s.cache = pagecache.New(pages, source, cfg.Cache,
		pagecache.WithClock(s.clock),
		pagecache.WithLogger(s.logger),
		pagecache.WithMetrics(s.metrics))

	p, err := pool.New(ctx, connector, cfg.Pool,
		pool.WithClock(s.clock),
		pool.WithLogger(s.logger),
		pool.WithMetrics(s.metrics),
		pool.WithCatalog(s.catalog),
		pool.WithAbandonHook(s.suspendAbandoned))
	if err != nil {
		s.cache.Close()
		return nil, err
	}
	s.pool = p
	return s, nil
}

func (s *Service) controller(h *pool.Handle, lc pool.LogicalContext) *session.Controller {
	return session.ForHandle(h, lc, s.pages, s.cfg.Session,
		session.WithCatalog(s.catalog),
		session.WithClock(s.clock),
		session.WithLogger(s.logger))
}

// suspendAbandoned puts a document left open by an ended binding back in
// the queue.
func (s *Service) suspendAbandoned(ctx context.Context, h *pool.Handle, lc pool.LogicalContext, reason string) error {
	doc, ok := h.OpenDocument()
	if !ok {
		return nil
	}
	_, err := s.controller(h, lc).CloseDocument(ctx, session.CloseRequest{
		Outcome:         session.Suspended,
		Status:          backend.StatusPending,
		Activity:        s.clock.Now().Sub(doc.StartTime),
		DueToInactivity: reason == pool.ReasonExpired,
	})
	return err
}

// Do borrows a handle for lc and runs fn with it. The handle is released
// when fn returns or panics. An Unauthorized error from fn means the
// engine lost the binding's session: the binding is aborted instead, and
// the next Do for lc starts on a clean handle.
func (s *Service) Do(ctx context.Context, lc pool.LogicalContext, fn func(*Workspace) error) error {
	lease, err := s.pool.Acquire(ctx, lc)
	if err != nil {
		return err
	}
	defer lease.Release()

	err = fn(&Workspace{
		svc:   s,
		lease: lease,
		ctl:   s.controller(lease.Handle(), lease.Context()),
	})
	if fault.IsUnauthorized(err) {
		if abortErr := lease.Abort(context.WithoutCancel(ctx), pool.ReasonLost); abortErr != nil {
			s.logger.Warn("abort lost binding", "session", lc.SessionID, "error", abortErr)
		}
	}
	return err
}

// Logout ends sessionID's binding. A document it left open is suspended.
// Reports whether the session had a binding.
func (s *Service) Logout(ctx context.Context, sessionID string) (bool, error) {
	return s.pool.EndSession(ctx, sessionID, pool.ReasonLogout)
}

// SweepResult counts what one sweep cleaned up.
type SweepResult struct {
	Ended  int   `json:"ended"`
	Pruned int64 `json:"pruned"`
}

// Sweep ends abandoned bindings and prunes old cache rows.
func (s *Service) Sweep(ctx context.Context) (SweepResult, error) {
	res := SweepResult{Ended: s.pool.Sweep(ctx)}
	n, err := s.cache.Prune(ctx)
	if err != nil {
		return res, err
	}
	res.Pruned = n
	return res, nil
}

// RunSweeper sweeps every pool sweep interval until ctx is done.
func (s *Service) RunSweeper(ctx context.Context) error {
	interval := s.cfg.Pool.SweepInterval
	if interval <= 0 {
		return nil
	}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.pool.RunSweeper(gctx)
		return nil
	})
	g.Go(func() error {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				if _, err := s.cache.Prune(gctx); err != nil {
					s.logger.Warn("prune page cache", "error", err)
				}
			}
		}
	})
	return g.Wait()
}

// Stats reports pool occupancy.
func (s *Service) Stats() pool.Stats { return s.pool.Stats() }

// Close stops background caching and closes the pool.
func (s *Service) Close() error {
	s.cache.Close()
	return s.pool.Close()
}
