// Package media turns a message's media reference into the aggregator
// handle the dispatch payload needs, uploading the image once per distinct
// source and caching the mapping.
package media

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/masgolf/campaign-gateway/internal/model"
	"github.com/masgolf/campaign-gateway/internal/repository"
	"github.com/masgolf/campaign-gateway/pkg/logger"
	"github.com/valyala/fasthttp"
)

// ResolutionError is fatal for the dispatch run that hit it: no chunk is
// sent without its image. It is distinct from a per-recipient send failure.
type ResolutionError struct {
	URL string
	Err error
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("media resolution for %s: %v", e.URL, e.Err)
}

func (e *ResolutionError) Unwrap() error { return e.Err }

// Uploader pushes image bytes to the aggregator's media store.
type Uploader interface {
	UploadMedia(ctx context.Context, data []byte, name string) (string, error)
}

// AssetStore is the persisted (source url -> handle) cache.
type AssetStore interface {
	GetBySourceURL(ctx context.Context, url string) (*model.MediaAsset, error)
	Save(ctx context.Context, asset *model.MediaAsset) (*model.MediaAsset, error)
}

type Resolver struct {
	uploader Uploader
	assets   AssetStore
	fetcher  *fasthttp.Client
	timeout  time.Duration

	maxRetries int
	retryDelay time.Duration

	mu    sync.Mutex
	cache map[string]string // source url -> handle, process-local
}

func NewResolver(uploader Uploader, assets AssetStore, timeout time.Duration) *Resolver {
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	return &Resolver{
		uploader: uploader,
		assets:   assets,
		fetcher: &fasthttp.Client{
			ReadTimeout:  timeout,
			WriteTimeout: timeout,
		},
		timeout:    timeout,
		maxRetries: 2, // 3 attempts total
		retryDelay: 500 * time.Millisecond,
		cache:      make(map[string]string),
	}
}

// Resolve maps a media reference to an aggregator handle.
//
//	None   -> "" without any call
//	Handle -> returned unchanged
//	URL    -> cached handle, or fetch + upload + cache
//
// Re-resolving an already-resolved source never re-uploads.
func (r *Resolver) Resolve(ctx context.Context, ref model.MediaRef) (string, error) {
	switch ref.Kind {
	case model.MediaNone:
		return "", nil
	case model.MediaHandle:
		return ref.Value, nil
	}

	url := ref.Value

	r.mu.Lock()
	if handle, ok := r.cache[url]; ok {
		r.mu.Unlock()
		return handle, nil
	}
	r.mu.Unlock()

	if asset, err := r.assets.GetBySourceURL(ctx, url); err == nil {
		r.remember(url, asset.Handle)
		return asset.Handle, nil
	} else if !errors.Is(err, repository.ErrNotFound) {
		return "", &ResolutionError{URL: url, Err: err}
	}

	data, err := r.fetch(ctx, url)
	if err != nil {
		return "", &ResolutionError{URL: url, Err: err}
	}

	handle, err := r.uploader.UploadMedia(ctx, data, fileName(url))
	if err != nil {
		return "", &ResolutionError{URL: url, Err: err}
	}

	if _, err := r.assets.Save(ctx, &model.MediaAsset{
		SourceURL:  url,
		Handle:     handle,
		ResolvedAt: time.Now(),
	}); err != nil {
		// The upload succeeded; a cache write failure only costs a
		// re-upload on some later dispatch.
		logger.Warn("Failed to persist media handle", "url", url, "error", err)
	}

	r.remember(url, handle)

	logger.Info("Media resolved", "url", url, "handle", handle)

	return handle, nil
}

func (r *Resolver) remember(url, handle string) {
	r.mu.Lock()
	r.cache[url] = handle
	r.mu.Unlock()
}

// fetch downloads the source image, retrying transient failures. Network
// errors and 5xx responses are retried; a 4xx is deterministic and fails
// the first time.
func (r *Resolver) fetch(ctx context.Context, url string) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt <= r.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(r.retryDelay):
			}
		}

		data, status, err := r.fetchOnce(ctx, url)
		if err == nil {
			return data, nil
		}
		if status >= 400 && status < 500 {
			return nil, err
		}

		logger.Warn("Media fetch failed, retrying", "url", url, "attempt", attempt+1, "error", err)
		lastErr = err
	}
	return nil, fmt.Errorf("failed after %d attempts: %w", r.maxRetries+1, lastErr)
}

func (r *Resolver) fetchOnce(ctx context.Context, url string) ([]byte, int, error) {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(url)
	req.Header.SetMethod("GET")

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(r.timeout)
	}

	if err := r.fetcher.DoDeadline(req, resp, deadline); err != nil {
		return nil, 0, fmt.Errorf("fetch failed: %w", err)
	}
	if resp.StatusCode() != fasthttp.StatusOK {
		return nil, resp.StatusCode(), fmt.Errorf("fetch returned status %d", resp.StatusCode())
	}
	if len(resp.Body()) == 0 {
		return nil, resp.StatusCode(), fmt.Errorf("fetch returned empty body")
	}

	data := make([]byte, len(resp.Body()))
	copy(data, resp.Body())
	return data, resp.StatusCode(), nil
}

func fileName(url string) string {
	name := path.Base(url)
	if i := strings.IndexByte(name, '?'); i >= 0 {
		name = name[:i]
	}
	if name == "" || name == "." || name == "/" {
		return "media"
	}
	return name
}
