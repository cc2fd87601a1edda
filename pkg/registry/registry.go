// Package registry holds file descriptors: the authority for whether an id
// exists and whether it is protected. It applies no access policy itself.
package registry

import (
	"context"
	"errors"
	"iter"
	"time"

	"github.com/xrypthon/pubdrive/pkg/xerrors"
)

// Descriptor is the metadata record for one stored blob. Descriptors are
// immutable once inserted.
type Descriptor struct {
	ID           string
	OriginalName string
	StoragePath  string
	SizeBytes    int64
	MediaType    string
	UploadedAt   time.Time
	Protected    bool
	// PasswordHash is set iff Protected. It never leaves the access path.
	PasswordHash string
}

// Validate enforces the descriptor invariants every registry checks on insert.
func (d Descriptor) Validate() error {
	switch {
	case d.ID == "":
		return errors.New("descriptor without id")
	case d.StoragePath == "":
		return errors.New("descriptor without storage path")
	case d.SizeBytes < 0:
		return errors.New("negative size")
	case d.Protected && d.PasswordHash == "":
		return errors.New("protected descriptor without password hash")
	case !d.Protected && d.PasswordHash != "":
		return errors.New("password hash on unprotected descriptor")
	}
	return nil
}

// View is the public projection of a Descriptor. JSON names follow the
// listing format clients already consume.
type View struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Path       string    `json:"path"`
	Size       int64     `json:"size"`
	Type       string    `json:"type"`
	UploadedAt time.Time `json:"uploadDate"`
	Protected  bool      `json:"isProtected"`
}

// DownloadPath is the public locator for id.
func DownloadPath(id string) string {
	return "/download/" + id
}

// View strips everything callers must not see.
func (d Descriptor) View() View {
	return View{
		ID:         d.ID,
		Name:       d.OriginalName,
		Path:       DownloadPath(d.ID),
		Size:       d.SizeBytes,
		Type:       d.MediaType,
		UploadedAt: d.UploadedAt,
		Protected:  d.Protected,
	}
}

// Registry maps ids to descriptors.
type Registry interface {
	// Insert publishes d atomically. Inserting an existing id fails.
	Insert(ctx context.Context, d Descriptor) error
	Get(ctx context.Context, id string) (Descriptor, error)
	// List yields descriptors in insertion order. Each range takes a fresh
	// snapshot, so the sequence can be iterated again.
	List(ctx context.Context) iter.Seq[Descriptor]
	// Delete removes id. Used for administrative removal only.
	Delete(ctx context.Context, id string) error
	Len(ctx context.Context) (int, error)
}

func validate(op string, d Descriptor) error {
	if err := d.Validate(); err != nil {
		return xerrors.Wrap(xerrors.KindInvalid, op, d.ID, err)
	}
	return nil
}
