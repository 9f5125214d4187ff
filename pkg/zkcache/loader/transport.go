package loader

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/jamesainslie/zkcache/pkg/zkcache/logging"
	"github.com/jamesainslie/zkcache/pkg/zkcache/manifest"
)

// ErrTransport indicates a network failure or a non-2xx origin response.
var ErrTransport = errors.New("transport error")

// ProgressFunc receives byte-level download progress. total is zero when the
// origin did not expose a content length.
type ProgressFunc func(loaded, total int64)

// Fetcher retrieves artifact and manifest bytes from the origin. Implemented
// by HTTPFetcher in production and by counting stubs in tests.
type Fetcher interface {
	FetchFile(ctx context.Context, fileID string, progress ProgressFunc) ([]byte, error)
	FetchManifest(ctx context.Context) ([]byte, error)
}

// HTTPFetcher fetches artifacts over plain HTTP GET from
// {baseURL}/{fileId} and the manifest from {baseURL}/manifest.json.
type HTTPFetcher struct {
	baseURL string
	client  *http.Client
	log     *logging.Logger
}

// NewHTTPFetcher creates an HTTPFetcher. A nil client uses
// http.DefaultClient; artifact downloads can run for minutes, so deadlines
// belong on the caller's context, not the client.
func NewHTTPFetcher(baseURL string, client *http.Client) *HTTPFetcher {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPFetcher{
		baseURL: baseURL,
		client:  client,
		log:     logging.Get("transport"),
	}
}

// FetchFile downloads one artifact, reporting byte progress as the body
// streams in.
func (f *HTTPFetcher) FetchFile(ctx context.Context, fileID string, progress ProgressFunc) ([]byte, error) {
	u, err := url.JoinPath(f.baseURL, fileID)
	if err != nil {
		return nil, fmt.Errorf("%w: building url for %s: %v", ErrTransport, fileID, err)
	}
	return f.get(ctx, u, progress)
}

// FetchManifest downloads the manifest document.
func (f *HTTPFetcher) FetchManifest(ctx context.Context) ([]byte, error) {
	u, err := url.JoinPath(f.baseURL, manifest.Filename)
	if err != nil {
		return nil, fmt.Errorf("%w: building manifest url: %v", ErrTransport, err)
	}
	return f.get(ctx, u, nil)
}

func (f *HTTPFetcher) get(ctx context.Context, u string, progress ProgressFunc) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransport, err)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("%w: GET %s: status %d", ErrTransport, u, resp.StatusCode)
	}

	// ContentLength is -1 when the header is absent; progress then reports
	// total as unknown (zero) and byte counting continues from the stream.
	total := resp.ContentLength
	if total < 0 {
		total = 0
	}
	f.log.Debug("fetching", "url", u, "contentLength", total, "acceptRanges", resp.Header.Get("Accept-Ranges"))

	var buf bytes.Buffer
	if total > 0 {
		buf.Grow(int(total))
	}

	chunk := make([]byte, 256*1024)
	for {
		n, err := resp.Body.Read(chunk)
		if n > 0 {
			buf.Write(chunk[:n])
			if progress != nil {
				progress(int64(buf.Len()), total)
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: reading %s: %v", ErrTransport, u, err)
		}
	}

	return buf.Bytes(), nil
}
