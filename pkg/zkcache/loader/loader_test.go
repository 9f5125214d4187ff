package loader

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jamesainslie/zkcache/pkg/zkcache/cache"
	"github.com/jamesainslie/zkcache/pkg/zkcache/manifest"
)

// fakeFetcher serves artifacts from memory with injectable failures, corrupt
// responses, and a gate for holding downloads open mid-test.
type fakeFetcher struct {
	mu          sync.Mutex
	files       map[string][]byte
	manifest    []byte
	counts      map[string]int
	order       []string
	attempts    map[string][]time.Time
	failures    map[string]int
	corrupt     map[string]int
	parallel    int
	maxParallel int
	delay       time.Duration

	// gate, when set, blocks every FetchFile until the channel is closed.
	gate chan struct{}
}

func newFakeFetcher(files map[string][]byte, manifestData []byte) *fakeFetcher {
	return &fakeFetcher{
		files:    files,
		manifest: manifestData,
		counts:   make(map[string]int),
		attempts: make(map[string][]time.Time),
		failures: make(map[string]int),
		corrupt:  make(map[string]int),
	}
}

func (f *fakeFetcher) FetchFile(ctx context.Context, fileID string, progress ProgressFunc) ([]byte, error) {
	f.mu.Lock()
	f.counts[fileID]++
	f.order = append(f.order, fileID)
	f.attempts[fileID] = append(f.attempts[fileID], time.Now())
	f.parallel++
	if f.parallel > f.maxParallel {
		f.maxParallel = f.parallel
	}
	fail := f.failures[fileID] > 0
	if fail {
		f.failures[fileID]--
	}
	corrupt := !fail && f.corrupt[fileID] > 0
	if corrupt {
		f.corrupt[fileID]--
	}
	data, ok := f.files[fileID]
	gate := f.gate
	delay := f.delay
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.parallel--
		f.mu.Unlock()
	}()

	if gate != nil {
		<-gate
	}
	if delay > 0 {
		time.Sleep(delay)
	}

	if fail {
		return nil, fmt.Errorf("%w: injected failure for %s", ErrTransport, fileID)
	}
	if !ok {
		return nil, fmt.Errorf("%w: no such file %s", ErrTransport, fileID)
	}
	if corrupt {
		bad := append([]byte(nil), data...)
		bad[0] ^= 0xff
		return bad, nil
	}
	if progress != nil {
		progress(int64(len(data)), int64(len(data)))
	}
	return data, nil
}

func (f *fakeFetcher) FetchManifest(ctx context.Context) ([]byte, error) {
	return f.manifest, nil
}

func (f *fakeFetcher) count(fileID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.counts[fileID]
}

func (f *fakeFetcher) fetchOrder() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.order...)
}

func newTestLoader(t *testing.T, files map[string][]byte, opts Options) (*Loader, *fakeFetcher) {
	t.Helper()

	dir := t.TempDir()
	for name, data := range files {
		path := filepath.Join(dir, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, data, 0o644))
	}
	man, err := manifest.NewBuilder(1, 16).Build(dir)
	require.NoError(t, err)

	c, err := cache.Open(t.TempDir(), man)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	raw, err := json.Marshal(man)
	require.NoError(t, err)
	fetcher := newFakeFetcher(files, raw)

	ldr, err := New(man, c, fetcher, opts)
	require.NoError(t, err)
	t.Cleanup(ldr.Close)

	return ldr, fetcher
}

func TestLoadFileFromOrigin(t *testing.T) {
	data := []byte("proving key bytes, long enough for several chunks")
	ldr, fetcher := newTestLoader(t, map[string][]byte{"a.key": data}, Options{})

	got, err := ldr.LoadFile(context.Background(), "a.key", PriorityNormal)
	require.NoError(t, err)
	assert.Equal(t, data, got)
	assert.True(t, ldr.IsCached("a.key"))

	// A second call is a cache hit, not a refetch.
	got, err = ldr.LoadFile(context.Background(), "a.key", PriorityNormal)
	require.NoError(t, err)
	assert.Equal(t, data, got)
	assert.Equal(t, 1, fetcher.count("a.key"))
}

func TestLoadFileUnknownID(t *testing.T) {
	ldr, fetcher := newTestLoader(t, map[string][]byte{"a.key": []byte("x")}, Options{})

	_, err := ldr.LoadFile(context.Background(), "missing.key", PriorityNormal)
	require.ErrorIs(t, err, manifest.ErrUnknownFile)
	assert.Equal(t, 0, fetcher.count("missing.key"))
}

func TestConcurrentLoadSingleFetch(t *testing.T) {
	data := []byte("shared artifact bytes")
	ldr, fetcher := newTestLoader(t, map[string][]byte{"a.key": data}, Options{})

	gate := make(chan struct{})
	fetcher.gate = gate

	const callers = 8
	var wg sync.WaitGroup
	results := make([][]byte, callers)
	errs := make([]error, callers)
	for i := range callers {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = ldr.LoadFile(context.Background(), "a.key", PriorityNormal)
		}(i)
	}

	// Hold the single download open until every caller has had time to
	// register interest, then let it finish.
	time.Sleep(100 * time.Millisecond)
	close(gate)
	wg.Wait()

	for i := range callers {
		require.NoError(t, errs[i])
		assert.Equal(t, data, results[i])
	}
	assert.Equal(t, 1, fetcher.count("a.key"))
}

func TestPriorityOrdering(t *testing.T) {
	files := map[string][]byte{
		"blocker.key":  []byte("blocker"),
		"low.key":      []byte("low"),
		"normal.key":   []byte("normal"),
		"high.key":     []byte("high"),
		"critical.key": []byte("critical"),
	}
	ldr, fetcher := newTestLoader(t, files, Options{Concurrency: 1})

	gate := make(chan struct{})
	fetcher.gate = gate

	var wg sync.WaitGroup
	load := func(fileID string, priority Priority) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := ldr.LoadFile(context.Background(), fileID, priority)
			assert.NoError(t, err)
		}()
	}

	// The blocker occupies the only worker, so the rest pile up in the
	// queue and must drain by priority regardless of arrival order.
	load("blocker.key", PriorityLow)
	time.Sleep(50 * time.Millisecond)
	load("low.key", PriorityLow)
	load("normal.key", PriorityNormal)
	load("high.key", PriorityHigh)
	load("critical.key", PriorityCritical)
	time.Sleep(100 * time.Millisecond)
	close(gate)
	wg.Wait()

	want := []string{"blocker.key", "critical.key", "high.key", "normal.key", "low.key"}
	assert.Equal(t, want, fetcher.fetchOrder())
}

func TestFIFOWithinPriority(t *testing.T) {
	files := map[string][]byte{
		"blocker.key": []byte("blocker"),
		"first.key":   []byte("1"),
		"second.key":  []byte("2"),
		"third.key":   []byte("3"),
	}
	ldr, fetcher := newTestLoader(t, files, Options{Concurrency: 1})

	gate := make(chan struct{})
	fetcher.gate = gate

	var wg sync.WaitGroup
	load := func(fileID string) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := ldr.LoadFile(context.Background(), fileID, PriorityNormal)
			assert.NoError(t, err)
		}()
	}

	load("blocker.key")
	time.Sleep(50 * time.Millisecond)
	for _, id := range []string{"first.key", "second.key", "third.key"} {
		load(id)
		time.Sleep(20 * time.Millisecond)
	}
	close(gate)
	wg.Wait()

	want := []string{"blocker.key", "first.key", "second.key", "third.key"}
	assert.Equal(t, want, fetcher.fetchOrder())
}

func TestConcurrencyBound(t *testing.T) {
	files := make(map[string][]byte)
	var requests []Request
	for i := range 6 {
		id := fmt.Sprintf("f%d.key", i)
		files[id] = fmt.Appendf(nil, "artifact %d", i)
		requests = append(requests, Request{FileID: id, Priority: PriorityNormal})
	}
	ldr, fetcher := newTestLoader(t, files, Options{Concurrency: 2})
	fetcher.delay = 30 * time.Millisecond

	results, err := ldr.LoadFiles(context.Background(), requests)
	require.NoError(t, err)
	assert.Len(t, results, 6)

	fetcher.mu.Lock()
	maxParallel := fetcher.maxParallel
	fetcher.mu.Unlock()
	assert.LessOrEqual(t, maxParallel, 2)
}

func TestOptionsDefaults(t *testing.T) {
	opts := Options{}
	opts.applyDefaults()
	assert.Equal(t, DefaultConcurrency, opts.Concurrency)
	assert.Equal(t, DefaultMaxAttempts, opts.MaxAttempts)
	assert.Equal(t, DefaultRetryBaseDelay, opts.RetryBaseDelay)

	opts = Options{Concurrency: 50}
	opts.applyDefaults()
	assert.Equal(t, MaxConcurrency, opts.Concurrency)
}

func TestRetrySucceedsAfterFailures(t *testing.T) {
	data := []byte("flaky artifact")
	ldr, fetcher := newTestLoader(t, map[string][]byte{"a.key": data},
		Options{MaxAttempts: 3, RetryBaseDelay: 30 * time.Millisecond})
	fetcher.failures["a.key"] = 2

	got, err := ldr.LoadFile(context.Background(), "a.key", PriorityNormal)
	require.NoError(t, err)
	assert.Equal(t, data, got)
	require.Equal(t, 3, fetcher.count("a.key"))

	// Backoff doubles per attempt, so gaps must not shrink.
	attempts := fetcher.attempts["a.key"]
	gap1 := attempts[1].Sub(attempts[0])
	gap2 := attempts[2].Sub(attempts[1])
	assert.GreaterOrEqual(t, gap2, gap1, "backoff gaps must be non-decreasing")
}

func TestRetryExhausted(t *testing.T) {
	ldr, fetcher := newTestLoader(t, map[string][]byte{"a.key": []byte("x")},
		Options{MaxAttempts: 3, RetryBaseDelay: 10 * time.Millisecond})
	fetcher.failures["a.key"] = 10

	_, err := ldr.LoadFile(context.Background(), "a.key", PriorityNormal)
	require.ErrorIs(t, err, ErrTransport)
	assert.Equal(t, 3, fetcher.count("a.key"))
	assert.False(t, ldr.IsCached("a.key"))
}

func TestCorruptResponseRetried(t *testing.T) {
	data := []byte("artifact the origin sometimes mangles")
	ldr, fetcher := newTestLoader(t, map[string][]byte{"a.key": data},
		Options{MaxAttempts: 3, RetryBaseDelay: 10 * time.Millisecond})
	fetcher.corrupt["a.key"] = 2

	got, err := ldr.LoadFile(context.Background(), "a.key", PriorityNormal)
	require.NoError(t, err)
	assert.Equal(t, data, got)
	assert.Equal(t, 3, fetcher.count("a.key"))
}

func TestCorruptResponseExhausted(t *testing.T) {
	data := []byte("artifact the origin always mangles")
	ldr, fetcher := newTestLoader(t, map[string][]byte{"a.key": data},
		Options{MaxAttempts: 3, RetryBaseDelay: 10 * time.Millisecond})
	fetcher.corrupt["a.key"] = 10

	_, err := ldr.LoadFile(context.Background(), "a.key", PriorityNormal)
	require.ErrorIs(t, err, manifest.ErrIntegrity)
	assert.Equal(t, 3, fetcher.count("a.key"))

	// Nothing unverified may have reached the cache.
	assert.False(t, ldr.IsCached("a.key"))
}

func TestCallerTimeoutDoesNotAbortDownload(t *testing.T) {
	data := []byte("slow artifact")
	ldr, fetcher := newTestLoader(t, map[string][]byte{"a.key": data}, Options{})

	gate := make(chan struct{})
	fetcher.gate = gate

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := ldr.LoadFile(ctx, "a.key", PriorityNormal)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	// The worker keeps going; the verified bytes land for future callers.
	close(gate)
	require.Eventually(t, func() bool {
		return ldr.IsCached("a.key")
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, fetcher.count("a.key"))
}

func TestLoadFilesIsolatesFailures(t *testing.T) {
	files := map[string][]byte{
		"good.key":  []byte("fine"),
		"other.key": []byte("also fine"),
	}
	ldr, _ := newTestLoader(t, files, Options{})

	results, err := ldr.LoadFiles(context.Background(), []Request{
		{FileID: "good.key", Priority: PriorityHigh},
		{FileID: "missing.key", Priority: PriorityHigh},
		{FileID: "other.key", Priority: PriorityNormal},
	})

	require.ErrorIs(t, err, manifest.ErrUnknownFile)
	assert.Equal(t, files["good.key"], results["good.key"])
	assert.Equal(t, files["other.key"], results["other.key"])
	assert.NotContains(t, results, "missing.key")
}

func TestPreloadAll(t *testing.T) {
	files := map[string][]byte{
		"a.key":       []byte("one"),
		"b.key":       []byte("two"),
		"sub/c.table": []byte("three"),
	}
	ldr, _ := newTestLoader(t, files, Options{})

	results, err := ldr.PreloadAll(context.Background(), PriorityLow)
	require.NoError(t, err)
	require.Len(t, results, len(files))
	for id, data := range files {
		assert.Equal(t, data, results[id])
		assert.True(t, ldr.IsCached(id))
	}
}

func TestFetchManifest(t *testing.T) {
	ldr, fetcher := newTestLoader(t, map[string][]byte{"a.key": []byte("x")}, Options{})

	man, err := FetchManifest(context.Background(), fetcher)
	require.NoError(t, err)
	assert.Equal(t, ldr.Manifest().Root, man.Root)

	fetcher.manifest = []byte("{broken")
	_, err = FetchManifest(context.Background(), fetcher)
	require.ErrorIs(t, err, manifest.ErrInvalid)
}

func TestProgressEventLifecycle(t *testing.T) {
	data := []byte("observed artifact")
	ldr, _ := newTestLoader(t, map[string][]byte{"a.key": data}, Options{})

	sub := ldr.Events().Subscribe()
	require.NotNil(t, sub)
	defer ldr.Events().Unsubscribe(sub.ID)

	_, err := ldr.LoadFile(context.Background(), "a.key", PriorityNormal)
	require.NoError(t, err)

	var states []State
	for {
		select {
		case ev := <-sub.Events:
			states = append(states, ev.State)
		default:
			goto done
		}
	}
done:
	require.NotEmpty(t, states)
	assert.Equal(t, StatePending, states[0])
	assert.Equal(t, StateComplete, states[len(states)-1])
	assert.Contains(t, states, StateDownloading)
	assert.Contains(t, states, StateVerifying)
}
