package media

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fpang/channel-relay/internal/retry"
)

// memStore is an in-memory storage.ObjectStore that can fail the first N puts.
type memStore struct {
	objects   map[string]string
	failPuts  int
	puts      int
	deleted   [][]string
	deleteErr error
}

func newMemStore() *memStore {
	return &memStore{objects: map[string]string{}}
}

func (m *memStore) Put(_ context.Context, path string, body io.Reader, _ string) error {
	m.puts++
	if m.puts <= m.failPuts {
		return errors.New("storage unavailable")
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	m.objects[path] = string(data)
	return nil
}

func (m *memStore) PublicURL(path string) string {
	return "https://cdn.test/" + path
}

func (m *memStore) Delete(_ context.Context, paths []string) error {
	m.deleted = append(m.deleted, paths)
	return m.deleteErr
}

func noSleep(context.Context, time.Duration) error { return nil }

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestRemotePath(t *testing.T) {
	got := RemotePath("BrandA", "/tmp/run/photo_1.jpg", time.Unix(1700000000, 0))
	if got != "BrandA/1700000000_photo_1.jpg" {
		t.Errorf("unexpected path: %s", got)
	}
}

func TestContentType(t *testing.T) {
	tests := map[string]string{
		"a.JPG":     "image/jpeg",
		"b.png":     "image/png",
		"c.mp4":     "video/mp4",
		"d.MOV":     "video/quicktime",
		"e.unknown": DefaultContentType,
		"noext":     DefaultContentType,
	}
	for path, want := range tests {
		if got := ContentType(path); got != want {
			t.Errorf("ContentType(%q) = %s, want %s", path, got, want)
		}
	}
}

func TestUpload_Success(t *testing.T) {
	store := newMemStore()
	u := NewUploader(store, retry.Policy{MaxAttempts: 3, Sleep: noSleep})
	u.now = func() time.Time { return time.Unix(42, 0) }

	res := u.Upload(context.Background(), writeFile(t, "a.jpg", "img"), "BrandA")
	if !res.OK() {
		t.Fatal("expected successful upload")
	}
	if res.StoragePath != "BrandA/42_a.jpg" {
		t.Errorf("unexpected storage path: %s", res.StoragePath)
	}
	if res.PublicURL != "https://cdn.test/BrandA/42_a.jpg" {
		t.Errorf("unexpected URL: %s", res.PublicURL)
	}
	if store.objects["BrandA/42_a.jpg"] != "img" {
		t.Errorf("object content mismatch")
	}
}

func TestUpload_RetriesThenSucceeds(t *testing.T) {
	store := newMemStore()
	store.failPuts = 2
	u := NewUploader(store, retry.Policy{MaxAttempts: 3, Backoff: retry.Fixed(2 * time.Second), Sleep: noSleep})

	res := u.Upload(context.Background(), writeFile(t, "v.mp4", "video-bytes"), "B")
	if !res.OK() {
		t.Fatal("expected success on third attempt")
	}
	if store.puts != 3 {
		t.Errorf("expected 3 puts, got %d", store.puts)
	}
	if store.objects[res.StoragePath] != "video-bytes" {
		t.Errorf("retry must re-read the file from the start")
	}
}

func TestUpload_Exhausted(t *testing.T) {
	store := newMemStore()
	store.failPuts = 10
	u := NewUploader(store, retry.Policy{MaxAttempts: 3, Sleep: noSleep})

	res := u.Upload(context.Background(), writeFile(t, "a.jpg", "x"), "B")
	if res.OK() || res.PublicURL != "" || res.StoragePath != "" {
		t.Errorf("expected empty result, got %+v", res)
	}
	if store.puts != 3 {
		t.Errorf("expected 3 attempts, got %d", store.puts)
	}
}

func TestUpload_MissingFile(t *testing.T) {
	u := NewUploader(newMemStore(), retry.Policy{MaxAttempts: 2, Sleep: noSleep})
	if res := u.Upload(context.Background(), "/does/not/exist.jpg", "B"); res.OK() {
		t.Error("expected failure for missing file")
	}
}

func TestRollback(t *testing.T) {
	store := newMemStore()
	u := NewUploader(store, retry.Policy{})

	u.Rollback(context.Background(), nil)
	if len(store.deleted) != 0 {
		t.Errorf("empty rollback must not call Delete")
	}

	u.Rollback(context.Background(), []string{"a", "b"})
	if len(store.deleted) != 1 || len(store.deleted[0]) != 2 {
		t.Errorf("unexpected delete calls: %v", store.deleted)
	}

	store.deleteErr = errors.New("nope")
	u.Rollback(context.Background(), []string{"c"}) // logged, not returned
}
