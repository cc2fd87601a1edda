package blob

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/xrypthon/pubdrive/pkg/xerrors"
)

func TestHybridStoreMirrorsWrites(t *testing.T) {
	ctx := context.Background()
	primary, secondary := NewMemoryStore(), NewMemoryStore()
	store, err := NewHybridStore(primary, secondary, HybridOptions{MirrorSecondary: true})
	if err != nil {
		t.Fatalf("new hybrid: %v", err)
	}
	if _, _, err := store.Put(ctx, testID, strings.NewReader("mirror"), 6); err != nil {
		t.Fatalf("put: %v", err)
	}
	for name, s := range map[string]*MemoryStore{"primary": primary, "secondary": secondary} {
		if ok, _ := s.Exists(ctx, testID); !ok {
			t.Fatalf("expected blob in %s", name)
		}
	}
}

func TestHybridStoreReadsThroughSecondary(t *testing.T) {
	ctx := context.Background()
	primary, secondary := NewMemoryStore(), NewMemoryStore()
	secondary.Put(ctx, testID, strings.NewReader("remote"), 6)
	store, _ := NewHybridStore(primary, secondary, HybridOptions{CacheOnRead: true})
	rc, size, err := store.Get(ctx, testID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	data, _ := io.ReadAll(rc)
	if string(data) != "remote" || size != 6 {
		t.Fatalf("unexpected read %q %d", data, size)
	}
	if ok, _ := primary.Exists(ctx, testID); !ok {
		t.Fatalf("expected secondary read cached into primary")
	}
}

type rejectingStore struct{ *MemoryStore }

func (r rejectingStore) Put(ctx context.Context, id string, _ io.Reader, _ int64) (string, int64, error) {
	return "", 0, xerrors.Wrap(xerrors.KindStorage, "rejectingStore.Put", id, errors.New("bucket offline"))
}

func TestHybridStoreFailedMirrorRollsBackPrimary(t *testing.T) {
	ctx := context.Background()
	primary := NewMemoryStore()
	store, _ := NewHybridStore(primary, rejectingStore{NewMemoryStore()}, HybridOptions{MirrorSecondary: true})
	_, _, err := store.Put(ctx, testID, strings.NewReader("x"), 1)
	if !xerrors.Is(err, xerrors.KindStorage) {
		t.Fatalf("expected storage failure, got %v", err)
	}
	if primary.Len() != 0 {
		t.Fatalf("expected primary rolled back, found %d blobs", primary.Len())
	}
}

func TestHybridStoreRequiresBothStores(t *testing.T) {
	if _, err := NewHybridStore(nil, NewMemoryStore(), HybridOptions{}); err == nil {
		t.Fatalf("expected error without primary")
	}
	if _, err := NewHybridStore(NewMemoryStore(), nil, HybridOptions{}); err == nil {
		t.Fatalf("expected error without secondary")
	}
}
