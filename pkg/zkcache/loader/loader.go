// Package loader downloads missing artifacts from the origin, verifies them
// against the manifest, and persists them through the cache. Pending fetches
// sit in a single priority queue drained by a bounded worker pool; concurrent
// requests for the same fileId share one in-flight download.
package loader

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/jamesainslie/zkcache/pkg/zkcache/cache"
	"github.com/jamesainslie/zkcache/pkg/zkcache/logging"
	"github.com/jamesainslie/zkcache/pkg/zkcache/manifest"
)

// Worker pool bounds. The cap keeps a misconfigured client from overwhelming
// the origin or the local connection limit.
const (
	DefaultConcurrency = 6
	MaxConcurrency     = 10

	DefaultMaxAttempts    = 3
	DefaultRetryBaseDelay = 500 * time.Millisecond
)

// Options configures a Loader. Zero values select the defaults above.
type Options struct {
	// Concurrency is the number of parallel downloads, bounded to
	// [1, MaxConcurrency].
	Concurrency int

	// MaxAttempts is the per-file attempt cap across transport and
	// verification failures.
	MaxAttempts int

	// RetryBaseDelay is the initial backoff delay; it doubles per attempt.
	RetryBaseDelay time.Duration
}

func (o *Options) applyDefaults() {
	if o.Concurrency <= 0 {
		o.Concurrency = DefaultConcurrency
	}
	if o.Concurrency > MaxConcurrency {
		o.Concurrency = MaxConcurrency
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = DefaultMaxAttempts
	}
	if o.RetryBaseDelay <= 0 {
		o.RetryBaseDelay = DefaultRetryBaseDelay
	}
}

// Request names one file to load at a given priority.
type Request struct {
	FileID   string
	Priority Priority
}

// Loader schedules, downloads, verifies, and stores artifacts.
type Loader struct {
	man     *manifest.Manifest
	cache   *cache.Cache
	fetcher Fetcher
	opts    Options
	events  *Broadcaster
	log     *logging.Logger

	// mu guards the queue, the in-flight map, and the worker count: the
	// only mutable shared structures.
	mu       sync.Mutex
	queue    taskQueue
	inflight map[string]*task
	seq      uint64
	active   int
}

// New creates a Loader with explicit, injected collaborators. There are no
// package-level instances.
func New(man *manifest.Manifest, c *cache.Cache, fetcher Fetcher, opts Options) (*Loader, error) {
	if man == nil {
		return nil, fmt.Errorf("%w: loader requires a manifest", manifest.ErrInvalid)
	}
	opts.applyDefaults()

	return &Loader{
		man:      man,
		cache:    c,
		fetcher:  fetcher,
		opts:     opts,
		events:   NewBroadcaster(),
		log:      logging.Get("loader"),
		inflight: make(map[string]*task),
	}, nil
}

// FetchManifest downloads, parses, and validates the origin's manifest.
// Loaders refuse to serve files without one.
func FetchManifest(ctx context.Context, fetcher Fetcher) (*manifest.Manifest, error) {
	data, err := fetcher.FetchManifest(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetching manifest: %w", err)
	}
	return manifest.Parse(data)
}

// Manifest returns the manifest the loader verifies against.
func (l *Loader) Manifest() *manifest.Manifest {
	return l.man
}

// Events returns the progress broadcaster for subscription.
func (l *Loader) Events() *Broadcaster {
	return l.events
}

// Close shuts down progress delivery. In-flight downloads run to completion.
func (l *Loader) Close() {
	l.events.Close()
}

// LoadFile returns verified bytes for fileID, from the cache when possible,
// otherwise by downloading, verifying, and storing.
//
// Duplicate calls while a download is outstanding share a single network
// transfer. A caller whose ctx expires stops waiting; the underlying worker
// either completes (the verified bytes land in the cache for future callers)
// or fails and surfaces the error to the remaining waiters.
func (l *Loader) LoadFile(ctx context.Context, fileID string, priority Priority) ([]byte, error) {
	if _, err := l.man.Entry(fileID); err != nil {
		return nil, err
	}

	data, err := l.cache.GetFile(fileID)
	if err == nil {
		return data, nil
	}
	if !errors.Is(err, cache.ErrNotFound) {
		return nil, fmt.Errorf("reading cache for %s: %w", fileID, err)
	}

	t := l.enqueue(fileID, priority)

	select {
	case <-t.done:
		return t.data, t.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// LoadFiles fans out LoadFile for every request and resolves once each has
// succeeded or terminally failed. Per-key failures are isolated: one bad
// artifact does not fail a sibling's load, but the returned error reflects
// every key that failed.
func (l *Loader) LoadFiles(ctx context.Context, requests []Request) (map[string][]byte, error) {
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		results = make(map[string][]byte, len(requests))
		errs    []error
	)

	for _, req := range requests {
		wg.Add(1)
		go func(req Request) {
			defer wg.Done()
			data, err := l.LoadFile(ctx, req.FileID, req.Priority)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", req.FileID, err))
				return
			}
			results[req.FileID] = data
		}(req)
	}
	wg.Wait()

	return results, errors.Join(errs...)
}

// Preload loads the named files at the given priority.
func (l *Loader) Preload(ctx context.Context, fileIDs []string, priority Priority) (map[string][]byte, error) {
	requests := make([]Request, len(fileIDs))
	for i, id := range fileIDs {
		requests[i] = Request{FileID: id, Priority: priority}
	}
	return l.LoadFiles(ctx, requests)
}

// PreloadAll loads every manifest entry at the given priority, in index
// order.
func (l *Loader) PreloadAll(ctx context.Context, priority Priority) (map[string][]byte, error) {
	entries := l.man.EntriesByIndex()
	fileIDs := make([]string, len(entries))
	for i, entry := range entries {
		fileIDs[i] = entry.FileID
	}
	return l.Preload(ctx, fileIDs, priority)
}

// IsCached reports whether fileID is locally present and valid.
func (l *Loader) IsCached(fileID string) bool {
	return l.cache.HasValidCache(fileID)
}

// GetStats reports cache contents and byte usage.
func (l *Loader) GetStats() (cache.Stats, error) {
	return l.cache.GetStats()
}

// GetQuotaInfo reports storage capacity for the cache.
func (l *Loader) GetQuotaInfo() (cache.QuotaInfo, error) {
	return l.cache.GetQuotaInfo()
}

// ClearCache drops all persisted entries. Explicit operator action only.
func (l *Loader) ClearCache() error {
	return l.cache.ClearAll()
}

// enqueue registers interest in fileID, creating a task and waking a worker
// unless a download is already in flight for the key.
func (l *Loader) enqueue(fileID string, priority Priority) *task {
	l.mu.Lock()
	defer l.mu.Unlock()

	if t, ok := l.inflight[fileID]; ok {
		return t
	}

	l.seq++
	t := &task{
		fileID:   fileID,
		priority: priority,
		seq:      l.seq,
		done:     make(chan struct{}),
	}
	l.inflight[fileID] = t
	heap.Push(&l.queue, t)
	l.events.Notify(Event{FileID: fileID, State: StatePending})

	if l.active < l.opts.Concurrency {
		l.active++
		go l.worker()
	}

	return t
}

// worker drains the queue, always taking the highest-priority pending task,
// until no work remains.
func (l *Loader) worker() {
	for {
		l.mu.Lock()
		if l.queue.Len() == 0 {
			l.active--
			l.mu.Unlock()
			return
		}
		t := heap.Pop(&l.queue).(*task)
		l.mu.Unlock()

		l.process(t)

		// Publish only after the result is final: a new request for the
		// same key from here on is served by the cache.
		l.mu.Lock()
		delete(l.inflight, t.fileID)
		l.mu.Unlock()
		close(t.done)
	}
}

// process downloads, verifies, and stores one file with retry. Transport and
// integrity failures retry with exponential backoff up to the attempt cap;
// storage failures are terminal immediately.
func (l *Loader) process(t *task) {
	// Detached from any caller context: a timed-out caller stops waiting
	// while the download runs to completion for future callers.
	ctx := context.Background()

	backoff := retry.WithMaxRetries(uint64(l.opts.MaxAttempts-1), retry.NewExponential(l.opts.RetryBaseDelay))

	attempt := 0
	var data []byte
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		l.events.Notify(Event{FileID: t.fileID, State: StateDownloading})

		fetched, err := l.fetcher.FetchFile(ctx, t.fileID, func(loaded, total int64) {
			l.events.Notify(Event{FileID: t.fileID, State: StateDownloading, Loaded: loaded, Total: total})
		})
		if err != nil {
			l.log.Warn("download failed", "fileId", t.fileID, "attempt", attempt, "error", err)
			return retry.RetryableError(err)
		}

		l.events.Notify(Event{FileID: t.fileID, State: StateVerifying, Loaded: int64(len(fetched))})
		if err := l.cache.StoreFile(t.fileID, fetched); err != nil {
			if errors.Is(err, manifest.ErrIntegrity) {
				// Not a network blip: the origin served bytes that
				// don't match the manifest. Logged distinctly,
				// retried like a transport failure.
				l.log.Error("integrity verification failed", "fileId", t.fileID, "attempt", attempt, "error", err)
				return retry.RetryableError(err)
			}
			return err
		}

		data = fetched
		return nil
	})

	if err != nil {
		t.err = fmt.Errorf("loading %s: %w", t.fileID, err)
		l.events.Notify(Event{FileID: t.fileID, State: StateError, Err: err.Error()})
		l.log.Error("load failed", "fileId", t.fileID, "attempts", attempt, "error", err)
		return
	}

	t.data = data
	l.events.Notify(Event{FileID: t.fileID, State: StateComplete, Loaded: int64(len(data)), Total: int64(len(data))})
	l.log.Info("load complete", "fileId", t.fileID, "bytes", len(data), "attempts", attempt)
}
