package tile_store

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"offlinemap/internal/tile_grid"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "offline_map.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpenMustExist(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing.db")
	_, err := Open(path, WithMustExist(true))
	if !errors.Is(err, ErrStoreNotFound) {
		t.Fatalf("expected ErrStoreNotFound, got %v", err)
	}

	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	s.Close()

	s, err = Open(path, WithMustExist(true))
	if err != nil {
		t.Fatalf("Open existing with must-exist: %v", err)
	}
	s.Close()
}

func TestOpenPathWithURLCharacters(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "maps?v=2#eu", "offline map.db")
	key := tile_grid.Key{Z: 3, X: 4, Y: 2}

	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := s.PutTile(ctx, key, []byte("tile")); err != nil {
		t.Fatalf("PutTile: %v", err)
	}
	s.Close()

	if _, err := os.Stat(path); err != nil {
		t.Fatalf("database not created at the requested path: %v", err)
	}
	if _, err := os.Stat(filepath.Join(filepath.Dir(filepath.Dir(path)), "maps")); err == nil {
		t.Fatal("database written to a truncated path")
	}

	s, err = Open(path, WithMustExist(true))
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()
	data, ok, err := s.GetTile(ctx, key)
	if err != nil || !ok || string(data) != "tile" {
		t.Fatalf("GetTile after reopen = %q ok=%v err=%v", data, ok, err)
	}
}

func TestPutGetTile(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	key := tile_grid.Key{Z: 3, X: 1, Y: 2}

	if _, ok, err := s.GetTile(ctx, key); err != nil || ok {
		t.Fatalf("GetTile on empty store: ok=%v err=%v", ok, err)
	}

	if err := s.PutTile(ctx, key, []byte("first")); err != nil {
		t.Fatalf("PutTile: %v", err)
	}
	data, ok, err := s.GetTile(ctx, key)
	if err != nil || !ok {
		t.Fatalf("GetTile: ok=%v err=%v", ok, err)
	}
	if !bytes.Equal(data, []byte("first")) {
		t.Errorf("got %q, want %q", data, "first")
	}

	if err := s.PutTile(ctx, key, []byte("second")); err != nil {
		t.Fatalf("PutTile overwrite: %v", err)
	}
	data, _, _ = s.GetTile(ctx, key)
	if !bytes.Equal(data, []byte("second")) {
		t.Errorf("after upsert got %q, want %q", data, "second")
	}

	n, err := s.TileCount(ctx)
	if err != nil {
		t.Fatalf("TileCount: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 tile after upsert, got %d", n)
	}
}

func TestExistingKeys(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	for _, k := range []tile_grid.Key{{Z: 4, X: 1, Y: 1}, {Z: 4, X: 2, Y: 3}, {Z: 5, X: 1, Y: 1}} {
		if err := s.PutTile(ctx, k, []byte{1}); err != nil {
			t.Fatalf("PutTile %v: %v", k, err)
		}
	}

	keys, err := s.ExistingKeys(ctx, 4)
	if err != nil {
		t.Fatalf("ExistingKeys: %v", err)
	}
	if len(keys) != 2 {
		t.Fatalf("expected 2 keys for zoom 4, got %d", len(keys))
	}
	for _, xy := range [][2]int{{1, 1}, {2, 3}} {
		if _, ok := keys[xy]; !ok {
			t.Errorf("missing key %v", xy)
		}
	}

	keys, err = s.ExistingKeys(ctx, 9)
	if err != nil {
		t.Fatalf("ExistingKeys: %v", err)
	}
	if len(keys) != 0 {
		t.Errorf("expected no keys for zoom 9, got %d", len(keys))
	}
}

func TestConcurrentPutTile(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	var wg sync.WaitGroup
	errs := make(chan error, 64)
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if err := s.PutTile(ctx, tile_grid.Key{Z: 6, X: i % 8, Y: i / 8}, []byte{byte(i)}); err != nil {
				errs <- err
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent PutTile: %v", err)
	}

	keys, err := s.ExistingKeys(ctx, 6)
	if err != nil {
		t.Fatalf("ExistingKeys: %v", err)
	}
	if len(keys) != 64 {
		t.Errorf("expected 64 keys, got %d", len(keys))
	}
}

func TestRecordCenterFirstWriteWins(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	if _, ok, err := s.CachedCenter(ctx); err != nil || ok {
		t.Fatalf("CachedCenter on fresh store: ok=%v err=%v", ok, err)
	}

	wrote, err := s.RecordCenter(ctx, Anchor{Lat: 34.05, Lon: -118.25})
	if err != nil || !wrote {
		t.Fatalf("first RecordCenter: wrote=%v err=%v", wrote, err)
	}
	wrote, err = s.RecordCenter(ctx, Anchor{Lat: 40.71, Lon: -74.0})
	if err != nil {
		t.Fatalf("second RecordCenter: %v", err)
	}
	if wrote {
		t.Error("second RecordCenter should not write")
	}

	a, ok, err := s.CachedCenter(ctx)
	if err != nil || !ok {
		t.Fatalf("CachedCenter: ok=%v err=%v", ok, err)
	}
	if a.Lat != 34.05 || a.Lon != -118.25 {
		t.Errorf("anchor = %+v, want first coordinate", a)
	}
}

func TestMarkCompleteIdempotent(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	done, err := s.IsComplete(ctx)
	if err != nil || done {
		t.Fatalf("IsComplete on fresh store: done=%v err=%v", done, err)
	}
	for i := 0; i < 2; i++ {
		if err := s.MarkComplete(ctx); err != nil {
			t.Fatalf("MarkComplete: %v", err)
		}
	}
	done, err = s.IsComplete(ctx)
	if err != nil || !done {
		t.Fatalf("IsComplete after MarkComplete: done=%v err=%v", done, err)
	}
}

func TestClearKeepsStatus(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	s.PutTile(ctx, tile_grid.Key{Z: 1, X: 0, Y: 0}, []byte("a"))
	s.RecordCenter(ctx, Anchor{Lat: 10, Lon: 20})
	s.MarkComplete(ctx)

	if err := s.Clear(ctx); err != nil {
		t.Fatalf("Clear: %v", err)
	}

	st, err := s.Status(ctx)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if st.TileCount != 0 {
		t.Errorf("expected no tiles after Clear, got %d", st.TileCount)
	}
	if !st.Complete || !st.HasAnchor || st.Anchor != (Anchor{Lat: 10, Lon: 20}) {
		t.Errorf("status should survive Clear, got %+v", st)
	}
}

func TestStatePersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "offline_map.db")

	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	s.PutTile(ctx, tile_grid.Key{Z: 2, X: 0, Y: 1}, []byte("tile"))
	s.RecordCenter(ctx, Anchor{Lat: 1.5, Lon: 2.5})
	s.Close()

	s, err = Open(path, WithMustExist(true))
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()

	data, ok, err := s.GetTile(ctx, tile_grid.Key{Z: 2, X: 0, Y: 1})
	if err != nil || !ok || string(data) != "tile" {
		t.Errorf("tile after reopen: data=%q ok=%v err=%v", data, ok, err)
	}
	a, ok, _ := s.CachedCenter(ctx)
	if !ok || a != (Anchor{Lat: 1.5, Lon: 2.5}) {
		t.Errorf("anchor after reopen: %+v ok=%v", a, ok)
	}
}
