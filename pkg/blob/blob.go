// Package blob stores raw upload bytes keyed by file id. Stores never expose
// partially written bytes and refuse to overwrite an id that already exists.
package blob

import (
	"context"
	"io"
	"time"

	"github.com/xrypthon/pubdrive/pkg/idgen"
	"github.com/xrypthon/pubdrive/pkg/xerrors"
)

// Store is the minimal interface required by the drive service.
type Store interface {
	// Put writes r under id and returns the storage locator and bytes written.
	Put(ctx context.Context, id string, r io.Reader, size int64) (string, int64, error)
	// Get opens the bytes for id and reports their size.
	Get(ctx context.Context, id string) (io.ReadCloser, int64, error)
	// Delete removes id. Deleting a missing id is not an error.
	Delete(ctx context.Context, id string) error
	Exists(ctx context.Context, id string) (bool, error)
}

// Entry describes a stored blob during a walk.
type Entry struct {
	ID      string
	ModTime time.Time
}

// Walker is implemented by stores that can enumerate their contents.
type Walker interface {
	Walk(ctx context.Context, fn func(Entry) error) error
}

func checkID(op, id string) error {
	if !idgen.Valid(id) {
		return xerrors.E(xerrors.KindInvalid, op, id)
	}
	return nil
}

// storageErr keeps NotFound distinct and classifies everything else as a
// storage failure.
func storageErr(op, id string, err error) error {
	if err == nil {
		return nil
	}
	if xerrors.KindOf(err) == xerrors.KindNotFound {
		return xerrors.Wrap(xerrors.KindNotFound, op, id, err)
	}
	return xerrors.Wrap(xerrors.KindStorage, op, id, err)
}

type readCloser struct {
	io.Reader
	io.Closer
}
