package media

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/masgolf/campaign-gateway/internal/model"
	"github.com/masgolf/campaign-gateway/internal/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeUploader struct {
	calls  atomic.Int32
	handle string
	err    error
	name   string
}

func (u *fakeUploader) UploadMedia(_ context.Context, _ []byte, name string) (string, error) {
	u.calls.Add(1)
	u.name = name
	if u.err != nil {
		return "", u.err
	}
	return u.handle, nil
}

type fakeAssets struct {
	byURL map[string]*model.MediaAsset
	saves int
}

func newFakeAssets() *fakeAssets {
	return &fakeAssets{byURL: map[string]*model.MediaAsset{}}
}

func (s *fakeAssets) GetBySourceURL(_ context.Context, url string) (*model.MediaAsset, error) {
	if a, ok := s.byURL[url]; ok {
		return a, nil
	}
	return nil, repository.ErrNotFound
}

func (s *fakeAssets) Save(_ context.Context, a *model.MediaAsset) (*model.MediaAsset, error) {
	s.saves++
	s.byURL[a.SourceURL] = a
	return a, nil
}

func imageServer(t *testing.T, status int, body []byte) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
		w.Write(body)
	}))
}

func TestResolve(t *testing.T) {
	t.Run("none resolves without any call", func(t *testing.T) {
		up := &fakeUploader{}
		r := NewResolver(up, newFakeAssets(), time.Second)

		handle, err := r.Resolve(context.Background(), model.NoMedia())
		require.NoError(t, err)
		assert.Empty(t, handle)
		assert.Zero(t, up.calls.Load())
	})

	t.Run("handle returned unchanged", func(t *testing.T) {
		up := &fakeUploader{}
		r := NewResolver(up, newFakeAssets(), time.Second)

		handle, err := r.Resolve(context.Background(), model.MediaFromHandle("ST01FZ2UIDO8B4M1"))
		require.NoError(t, err)
		assert.Equal(t, "ST01FZ2UIDO8B4M1", handle)
		assert.Zero(t, up.calls.Load())
	})

	t.Run("url fetched uploaded and cached", func(t *testing.T) {
		srv := imageServer(t, http.StatusOK, []byte{0xFF, 0xD8, 0xFF})
		defer srv.Close()

		up := &fakeUploader{handle: "ST01NEWHANDLE001"}
		assets := newFakeAssets()
		r := NewResolver(up, assets, time.Second)

		url := srv.URL + "/blog-images/offer.jpg"
		handle, err := r.Resolve(context.Background(), model.MediaFromURL(url))
		require.NoError(t, err)
		assert.Equal(t, "ST01NEWHANDLE001", handle)
		assert.Equal(t, "offer.jpg", up.name)
		assert.Equal(t, 1, assets.saves)

		// second resolution of the same source: no second upload
		handle, err = r.Resolve(context.Background(), model.MediaFromURL(url))
		require.NoError(t, err)
		assert.Equal(t, "ST01NEWHANDLE001", handle)
		assert.Equal(t, int32(1), up.calls.Load())
	})

	t.Run("persisted cache hit skips upload", func(t *testing.T) {
		up := &fakeUploader{handle: "unused"}
		assets := newFakeAssets()
		assets.byURL["https://storage.example.com/a.jpg"] = &model.MediaAsset{
			SourceURL: "https://storage.example.com/a.jpg",
			Handle:    "ST01PERSISTED001",
		}
		r := NewResolver(up, assets, time.Second)

		handle, err := r.Resolve(context.Background(), model.MediaFromURL("https://storage.example.com/a.jpg"))
		require.NoError(t, err)
		assert.Equal(t, "ST01PERSISTED001", handle)
		assert.Zero(t, up.calls.Load())
	})

	t.Run("transient fetch failure retried until success", func(t *testing.T) {
		var calls atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if calls.Add(1) < 3 {
				w.WriteHeader(http.StatusBadGateway)
				return
			}
			w.Write([]byte{0xFF, 0xD8, 0xFF})
		}))
		defer srv.Close()

		up := &fakeUploader{handle: "ST01RETRYHANDLE1"}
		r := NewResolver(up, newFakeAssets(), time.Second)
		r.retryDelay = time.Millisecond

		handle, err := r.Resolve(context.Background(), model.MediaFromURL(srv.URL+"/flaky.jpg"))
		require.NoError(t, err)
		assert.Equal(t, "ST01RETRYHANDLE1", handle)
		assert.Equal(t, int32(3), calls.Load())
	})

	t.Run("transient fetch failure exhausts retries", func(t *testing.T) {
		var calls atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			w.WriteHeader(http.StatusServiceUnavailable)
		}))
		defer srv.Close()

		up := &fakeUploader{handle: "unused"}
		r := NewResolver(up, newFakeAssets(), time.Second)
		r.retryDelay = time.Millisecond

		_, err := r.Resolve(context.Background(), model.MediaFromURL(srv.URL+"/down.jpg"))
		var resErr *ResolutionError
		require.ErrorAs(t, err, &resErr)
		assert.Equal(t, int32(3), calls.Load()) // maxRetries=2 -> 3 attempts
		assert.Zero(t, up.calls.Load())
	})

	t.Run("4xx fetch fails without retry", func(t *testing.T) {
		var calls atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			w.WriteHeader(http.StatusNotFound)
		}))
		defer srv.Close()

		up := &fakeUploader{handle: "unused"}
		r := NewResolver(up, newFakeAssets(), time.Second)
		r.retryDelay = time.Millisecond

		_, err := r.Resolve(context.Background(), model.MediaFromURL(srv.URL+"/missing.jpg"))
		var resErr *ResolutionError
		require.ErrorAs(t, err, &resErr)
		assert.Equal(t, int32(1), calls.Load())
	})

	t.Run("fetch failure is a resolution error", func(t *testing.T) {
		srv := imageServer(t, http.StatusNotFound, nil)
		defer srv.Close()

		up := &fakeUploader{handle: "unused"}
		r := NewResolver(up, newFakeAssets(), time.Second)

		_, err := r.Resolve(context.Background(), model.MediaFromURL(srv.URL+"/missing.jpg"))
		var resErr *ResolutionError
		require.ErrorAs(t, err, &resErr)
		assert.Zero(t, up.calls.Load())
	})

	t.Run("upload failure is a resolution error", func(t *testing.T) {
		srv := imageServer(t, http.StatusOK, []byte{1, 2, 3})
		defer srv.Close()

		up := &fakeUploader{err: errors.New("aggregator rejected upload")}
		assets := newFakeAssets()
		r := NewResolver(up, assets, time.Second)

		_, err := r.Resolve(context.Background(), model.MediaFromURL(srv.URL+"/bad.jpg"))
		var resErr *ResolutionError
		require.ErrorAs(t, err, &resErr)
		assert.Zero(t, assets.saves)
	})
}

func TestFileName(t *testing.T) {
	assert.Equal(t, "offer.jpg", fileName("https://s.example.com/blog-images/offer.jpg"))
	assert.Equal(t, "offer.jpg", fileName("https://s.example.com/offer.jpg?token=abc"))
	assert.Equal(t, "media", fileName("https://s.example.com/"))
}
