package tile_fetcher

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"offlinemap/internal/tile_grid"
)

type memStore struct {
	mu    sync.Mutex
	tiles map[tile_grid.Key][]byte
	err   error
}

func newMemStore() *memStore {
	return &memStore{tiles: make(map[tile_grid.Key][]byte)}
}

func (m *memStore) PutTile(ctx context.Context, key tile_grid.Key, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.tiles[key] = data
	return nil
}

type rejectAll struct{}

func (rejectAll) Validate([]byte) error { return errors.New("not an image") }

func TestFetchSuccessStoresTile(t *testing.T) {
	var gotPath, gotUA string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotUA = r.UserAgent()
		w.Header().Set("Content-Type", "image/png")
		w.Write([]byte("png-bytes"))
	}))
	defer server.Close()

	store := newMemStore()
	f := New(store, Options{BaseURL: server.URL + "/"}, zap.NewNop())

	key := tile_grid.Key{Z: 7, X: 21, Y: 50}
	res, err := f.Fetch(context.Background(), key)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if !res.OK || res.Transient || res.StatusCode != http.StatusOK || res.Bytes != 9 {
		t.Errorf("unexpected result %+v", res)
	}
	if gotPath != "/7/21/50.png" {
		t.Errorf("requested %q, want /7/21/50.png", gotPath)
	}
	if gotUA != DefaultUserAgent {
		t.Errorf("User-Agent %q, want %q", gotUA, DefaultUserAgent)
	}
	if string(store.tiles[key]) != "png-bytes" {
		t.Errorf("stored %q", store.tiles[key])
	}
}

func TestFetchHTTPErrorIsNotTransient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	store := newMemStore()
	f := New(store, Options{BaseURL: server.URL}, zap.NewNop())

	res, err := f.Fetch(context.Background(), tile_grid.Key{Z: 1, X: 0, Y: 0})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if res.OK || res.Transient || res.StatusCode != http.StatusNotFound {
		t.Errorf("unexpected result %+v", res)
	}
	if len(store.tiles) != 0 {
		t.Error("non-200 response must not be stored")
	}
}

func TestFetchNetworkErrorIsTransient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	base := server.URL
	server.Close()

	f := New(newMemStore(), Options{BaseURL: base}, zap.NewNop())
	res, err := f.Fetch(context.Background(), tile_grid.Key{Z: 1, X: 1, Y: 1})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if res.OK || !res.Transient {
		t.Errorf("expected transient failure, got %+v", res)
	}
}

func TestFetchTimeoutIsTransient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		w.Write([]byte("late"))
	}))
	defer server.Close()

	f := New(newMemStore(), Options{BaseURL: server.URL, Timeout: 20 * time.Millisecond}, zap.NewNop())
	res, err := f.Fetch(context.Background(), tile_grid.Key{Z: 2, X: 1, Y: 1})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if !res.Transient {
		t.Errorf("expected transient failure on timeout, got %+v", res)
	}
}

func TestFetchStorageErrorPropagates(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("tile"))
	}))
	defer server.Close()

	store := newMemStore()
	store.err = errors.New("disk full")
	f := New(store, Options{BaseURL: server.URL}, zap.NewNop())

	res, err := f.Fetch(context.Background(), tile_grid.Key{Z: 3, X: 2, Y: 2})
	if err == nil {
		t.Fatal("expected storage error")
	}
	if res.OK {
		t.Error("result must not be OK on storage failure")
	}
}

func TestFetchValidatorRejects(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("<html>blocked</html>"))
	}))
	defer server.Close()

	store := newMemStore()
	f := New(store, Options{BaseURL: server.URL}, zap.NewNop(), WithValidator(rejectAll{}))

	res, err := f.Fetch(context.Background(), tile_grid.Key{Z: 3, X: 2, Y: 2})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if res.OK || res.Transient {
		t.Errorf("expected non-transient failure, got %+v", res)
	}
	if len(store.tiles) != 0 {
		t.Error("rejected payload must not be stored")
	}
}
