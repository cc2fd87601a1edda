package blob

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/xrypthon/pubdrive/pkg/encryption"
	"github.com/xrypthon/pubdrive/pkg/xerrors"
)

const testID = "0f8fad5b-d9cb-469f-a165-70867728950e"

func TestPathStoreUsesSubdirectories(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	store, err := NewPathStore(root, encryption.Options{})
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	locator, n, err := store.Put(ctx, testID, strings.NewReader("subdir-test"), int64(len("subdir-test")))
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if n != int64(len("subdir-test")) {
		t.Fatalf("expected %d bytes written, got %d", len("subdir-test"), n)
	}
	expected := filepath.Join(root, testID[:2], testID[2:4], testID)
	if _, err := os.Stat(expected); err != nil {
		t.Fatalf("expected blob at %s: %v", expected, err)
	}
	if !strings.HasSuffix(locator, testID) {
		t.Fatalf("unexpected locator %q", locator)
	}
}

func TestPathStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	store, err := NewPathStore(t.TempDir(), encryption.Options{})
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	payload := bytes.Repeat([]byte("0123456789"), 1000)
	if _, _, err := store.Put(ctx, testID, bytes.NewReader(payload), -1); err != nil {
		t.Fatalf("put: %v", err)
	}
	rc, size, err := store.Get(ctx, testID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer rc.Close()
	got, _ := io.ReadAll(rc)
	if size != int64(len(payload)) || !bytes.Equal(got, payload) {
		t.Fatalf("round trip mismatch: size %d len %d", size, len(got))
	}
}

func TestPathStoreEncryptedAtRest(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	store, err := NewPathStore(root, encryption.AES256CTR(bytes.Repeat([]byte{9}, 32)))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	if _, _, err := store.Put(ctx, testID, strings.NewReader("secret payload"), 14); err != nil {
		t.Fatalf("put: %v", err)
	}
	raw, err := os.ReadFile(filepath.Join(root, testID[:2], testID[2:4], testID))
	if err != nil {
		t.Fatalf("read raw: %v", err)
	}
	if bytes.Contains(raw, []byte("secret payload")) {
		t.Fatalf("plaintext found on disk")
	}
	rc, size, err := store.Get(ctx, testID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer rc.Close()
	got, _ := io.ReadAll(rc)
	if size != 14 || string(got) != "secret payload" {
		t.Fatalf("unexpected read %q size %d", got, size)
	}
}

func TestPathStoreWriteOnce(t *testing.T) {
	ctx := context.Background()
	store, _ := NewPathStore(t.TempDir(), encryption.Options{})
	if _, _, err := store.Put(ctx, testID, strings.NewReader("a"), 1); err != nil {
		t.Fatalf("put: %v", err)
	}
	_, _, err := store.Put(ctx, testID, strings.NewReader("b"), 1)
	if !xerrors.Is(err, xerrors.KindAlreadyExists) {
		t.Fatalf("expected already exists, got %v", err)
	}
}

func TestPathStoreGetMissing(t *testing.T) {
	store, _ := NewPathStore(t.TempDir(), encryption.Options{})
	_, _, err := store.Get(context.Background(), testID)
	if !xerrors.Is(err, xerrors.KindNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestPathStoreRejectsUnsafeID(t *testing.T) {
	store, _ := NewPathStore(t.TempDir(), encryption.Options{})
	_, _, err := store.Put(context.Background(), "../../escape", strings.NewReader("x"), 1)
	if !xerrors.Is(err, xerrors.KindInvalid) {
		t.Fatalf("expected invalid id error, got %v", err)
	}
}

type failingReader struct{ after int }

func (f *failingReader) Read(p []byte) (int, error) {
	if f.after <= 0 {
		return 0, errors.New("connection reset")
	}
	n := min(len(p), f.after)
	f.after -= n
	return n, nil
}

func TestPathStoreFailedWriteLeavesNothing(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	store, _ := NewPathStore(root, encryption.Options{})
	_, _, err := store.Put(ctx, testID, &failingReader{after: 64}, 1024)
	if !xerrors.Is(err, xerrors.KindStorage) {
		t.Fatalf("expected storage failure, got %v", err)
	}
	_, _, err = store.Put(ctx, testID, strings.NewReader("short"), 1024)
	if !xerrors.Is(err, xerrors.KindStorage) {
		t.Fatalf("expected storage failure for short body, got %v", err)
	}
	var count int
	if err := store.Walk(ctx, func(Entry) error { count++; return nil }); err != nil {
		t.Fatalf("walk: %v", err)
	}
	entries, _ := os.ReadDir(root)
	if count != 0 || len(entries) != 0 {
		t.Fatalf("expected empty root, got %d blobs and %d entries", count, len(entries))
	}
}

func TestPathStoreWalkAndDelete(t *testing.T) {
	ctx := context.Background()
	store, _ := NewPathStore(t.TempDir(), encryption.Options{})
	ids := []string{testID, "6ba7b810-9dad-11d1-80b4-00c04fd430c8"}
	for _, id := range ids {
		if _, _, err := store.Put(ctx, id, strings.NewReader(id), -1); err != nil {
			t.Fatalf("put: %v", err)
		}
	}
	seen := map[string]bool{}
	if err := store.Walk(ctx, func(e Entry) error { seen[e.ID] = true; return nil }); err != nil {
		t.Fatalf("walk: %v", err)
	}
	if len(seen) != 2 || !seen[ids[0]] || !seen[ids[1]] {
		t.Fatalf("unexpected walk result %v", seen)
	}
	if err := store.Delete(ctx, ids[0]); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := store.Delete(ctx, ids[0]); err != nil {
		t.Fatalf("second delete should be a no-op: %v", err)
	}
	if ok, _ := store.Exists(ctx, ids[0]); ok {
		t.Fatalf("expected blob removed")
	}
}

func TestPathStoreWalkSkipsForeignFiles(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	store, _ := NewPathStore(root, encryption.Options{})
	if _, _, err := store.Put(ctx, testID, strings.NewReader("x"), 1); err != nil {
		t.Fatalf("put: %v", err)
	}
	for _, name := range []string{".DS_Store", "notes.txt", "6ba7b810-9dad-11d1-80b4-00c04fd430c8"} {
		if err := os.WriteFile(filepath.Join(root, name), []byte("stray"), 0o600); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	var seen []string
	if err := store.Walk(ctx, func(e Entry) error { seen = append(seen, e.ID); return nil }); err != nil {
		t.Fatalf("walk: %v", err)
	}
	if len(seen) != 1 || seen[0] != testID {
		t.Fatalf("expected only %s, got %v", testID, seen)
	}
}
