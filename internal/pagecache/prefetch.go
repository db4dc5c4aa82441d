package pagecache

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/roach88/webverify/internal/metrics"
)

// Failure is one background caching run that did not succeed.
type Failure struct {
	SessionID int64
	FileID    int64
	Page      int
	Err       error
}

type prefetchKey struct {
	session int64
	page    int
}

// fetchFunc caches one page of doc.
type fetchFunc func(ctx context.Context, doc Doc, page int) error

// Prefetcher runs page caching in the background.
//
// Schedule never blocks on the work it starts. Failures go to a buffered
// channel drained by a supervisor goroutine that logs them; they never
// reach the request that triggered the prefetch. A page already being
// cached for a session is not scheduled twice.
//
// Thread-safety: all methods are safe for concurrent use.
type Prefetcher struct {
	fetch   fetchFunc
	timeout time.Duration
	logger  *slog.Logger
	metrics *metrics.Metrics

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	inflight map[prefetchKey]struct{}
	closed   bool
	wg       sync.WaitGroup

	failures   chan Failure
	supervised chan struct{}
	onFailure  func(Failure)
}

func newPrefetcher(fetch fetchFunc, timeout time.Duration, buffer int, onFailure func(Failure), logger *slog.Logger, m *metrics.Metrics) *Prefetcher {
	if buffer < 1 {
		buffer = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Prefetcher{
		fetch:      fetch,
		timeout:    timeout,
		logger:     logger,
		metrics:    m,
		ctx:        ctx,
		cancel:     cancel,
		inflight:   make(map[prefetchKey]struct{}),
		failures:   make(chan Failure, buffer),
		supervised: make(chan struct{}),
		onFailure:  onFailure,
	}
	go p.supervise()
	return p
}

func (p *Prefetcher) supervise() {
	defer close(p.supervised)
	for f := range p.failures {
		p.logger.Warn("prefetch failed",
			"task_session", f.SessionID, "file_id", f.FileID, "page", f.Page, "error", f.Err)
		if p.onFailure != nil {
			p.onFailure(f)
		}
	}
}

// Schedule caches pages of doc in the given order, in one background run.
// Pages already in flight for the session are dropped from the run.
func (p *Prefetcher) Schedule(doc Doc, pages ...int) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	run := make([]int, 0, len(pages))
	for _, page := range pages {
		k := prefetchKey{session: doc.SessionID, page: page}
		if _, busy := p.inflight[k]; busy {
			continue
		}
		p.inflight[k] = struct{}{}
		run = append(run, page)
	}
	if len(run) == 0 {
		p.mu.Unlock()
		return
	}
	p.wg.Add(1)
	p.mu.Unlock()

	go p.run(doc, run)
}

func (p *Prefetcher) run(doc Doc, pages []int) {
	defer p.wg.Done()
	for _, page := range pages {
		p.one(doc, page)
	}
}

func (p *Prefetcher) one(doc Doc, page int) {
	defer func() {
		p.mu.Lock()
		delete(p.inflight, prefetchKey{session: doc.SessionID, page: page})
		p.mu.Unlock()
	}()

	ctx := p.ctx
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	start := time.Now()
	err := p.fetch(ctx, doc, page)
	p.metrics.ObservePrefetch(time.Since(start), err != nil)
	if err == nil {
		return
	}

	f := Failure{SessionID: doc.SessionID, FileID: doc.FileID, Page: page, Err: err}
	select {
	case p.failures <- f:
	default:
		p.logger.Warn("prefetch failure buffer full, dropping report",
			"task_session", doc.SessionID, "page", page, "error", err)
	}
}

// Wait blocks until every scheduled run has finished.
func (p *Prefetcher) Wait() {
	p.wg.Wait()
}

// Close cancels running work, waits for it and stops the supervisor.
// Schedule is a no-op afterwards.
func (p *Prefetcher) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()

	p.cancel()
	p.wg.Wait()
	close(p.failures)
	<-p.supervised
}
