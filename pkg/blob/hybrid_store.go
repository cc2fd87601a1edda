package blob

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/xrypthon/pubdrive/pkg/xerrors"
)

// HybridOptions control hybrid store behaviour.
type HybridOptions struct {
	MirrorSecondary bool // writes are mirrored to secondary
	CacheOnRead     bool // secondary reads are copied into primary
}

// HybridStore layers a primary (usually local) store over a secondary backend.
type HybridStore struct {
	primary   Store
	secondary Store
	opts      HybridOptions
}

// NewHybridStore composes primary and secondary blob stores.
func NewHybridStore(primary Store, secondary Store, opts HybridOptions) (*HybridStore, error) {
	if primary == nil {
		return nil, fmt.Errorf("hybrid: primary store required")
	}
	if secondary == nil {
		return nil, fmt.Errorf("hybrid: secondary store required")
	}
	return &HybridStore{primary: primary, secondary: secondary, opts: opts}, nil
}

// Put writes to primary and, when mirroring, to secondary. A failed mirror
// removes the primary copy so the id is never half written.
func (h *HybridStore) Put(ctx context.Context, id string, r io.Reader, size int64) (string, int64, error) {
	if !h.opts.MirrorSecondary {
		return h.primary.Put(ctx, id, r, size)
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return "", 0, storageErr("HybridStore.Put", id, err)
	}
	locator, written, err := h.primary.Put(ctx, id, bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", 0, err
	}
	if _, _, err := h.secondary.Put(ctx, id, bytes.NewReader(data), int64(len(data))); err != nil {
		if delErr := h.primary.Delete(context.WithoutCancel(ctx), id); delErr != nil {
			err = errors.Join(err, delErr)
		}
		return "", 0, err
	}
	return locator, written, nil
}

func (h *HybridStore) Get(ctx context.Context, id string) (io.ReadCloser, int64, error) {
	rc, size, err := h.primary.Get(ctx, id)
	if err == nil {
		return rc, size, nil
	}
	if !xerrors.Is(err, xerrors.KindNotFound) {
		return nil, 0, err
	}
	rc, size, err = h.secondary.Get(ctx, id)
	if err != nil || !h.opts.CacheOnRead {
		return rc, size, err
	}
	data, err := io.ReadAll(rc)
	rc.Close()
	if err != nil {
		return nil, 0, storageErr("HybridStore.Get", id, err)
	}
	_, _, _ = h.primary.Put(ctx, id, bytes.NewReader(data), int64(len(data)))
	return io.NopCloser(bytes.NewReader(data)), int64(len(data)), nil
}

func (h *HybridStore) Delete(ctx context.Context, id string) error {
	return errors.Join(h.primary.Delete(ctx, id), h.secondary.Delete(ctx, id))
}

func (h *HybridStore) Exists(ctx context.Context, id string) (bool, error) {
	ok, err := h.primary.Exists(ctx, id)
	if err != nil || ok {
		return ok, err
	}
	return h.secondary.Exists(ctx, id)
}

// Walk enumerates the primary store when it supports walking.
func (h *HybridStore) Walk(ctx context.Context, fn func(Entry) error) error {
	w, ok := h.primary.(Walker)
	if !ok {
		return xerrors.E(xerrors.KindInvalid, "HybridStore.Walk", "")
	}
	return w.Walk(ctx, fn)
}
