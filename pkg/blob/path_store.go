package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	iofs "io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/xrypthon/pubdrive/pkg/encryption"
	"github.com/xrypthon/pubdrive/pkg/idgen"
	"github.com/xrypthon/pubdrive/pkg/xerrors"
)

const tempPrefix = ".upload-"

// PathStore persists blobs on the local filesystem under root/ab/cd/<id>.
type PathStore struct {
	root string
	enc  encryption.Options
}

// NewPathStore returns a Store rooted at path. enc may be the zero value.
func NewPathStore(root string, enc encryption.Options) (*PathStore, error) {
	if root == "" {
		return nil, xerrors.E(xerrors.KindInvalid, "PathStore", "root")
	}
	if err := enc.Validate(); err != nil {
		return nil, xerrors.Wrap(xerrors.KindInvalid, "PathStore", "", err)
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, xerrors.Wrap(xerrors.KindStorage, "PathStore.mkdir", root, err)
	}
	return &PathStore{root: root, enc: enc}, nil
}

func (p *PathStore) Put(ctx context.Context, id string, r io.Reader, size int64) (string, int64, error) {
	const op = "PathStore.Put"
	if err := checkID(op, id); err != nil {
		return "", 0, err
	}
	finalPath := p.pathForID(id)
	if _, err := os.Stat(finalPath); err == nil {
		return "", 0, xerrors.E(xerrors.KindAlreadyExists, op, id)
	} else if !os.IsNotExist(err) {
		return "", 0, storageErr(op, id, err)
	}
	file, err := os.CreateTemp(p.root, tempPrefix+"*")
	if err != nil {
		return "", 0, storageErr(op, id, err)
	}
	tmpName := file.Name()
	fail := func(err error) (string, int64, error) {
		file.Close()
		os.Remove(tmpName)
		return "", 0, storageErr(op, id, err)
	}
	writer, _, err := p.enc.WrapWriter(file)
	if err != nil {
		return fail(err)
	}
	n, err := io.Copy(writer, contextReader{ctx: ctx, r: r})
	if err != nil {
		return fail(err)
	}
	if size >= 0 && n != size {
		return fail(fmt.Errorf("short write: got %d of %d bytes", n, size))
	}
	if err := file.Sync(); err != nil {
		return fail(err)
	}
	if err := file.Close(); err != nil {
		os.Remove(tmpName)
		return "", 0, storageErr(op, id, err)
	}
	if err := os.MkdirAll(filepath.Dir(finalPath), 0o755); err != nil {
		os.Remove(tmpName)
		return "", 0, storageErr(op, id, err)
	}
	if err := os.Rename(tmpName, finalPath); err != nil {
		os.Remove(tmpName)
		return "", 0, storageErr(op, id, err)
	}
	return "file://" + filepath.ToSlash(finalPath), n, nil
}

func (p *PathStore) Get(ctx context.Context, id string) (io.ReadCloser, int64, error) {
	const op = "PathStore.Get"
	if err := checkID(op, id); err != nil {
		return nil, 0, err
	}
	f, err := os.Open(p.pathForID(id))
	if err != nil {
		return nil, 0, storageErr(op, id, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, storageErr(op, id, err)
	}
	plain, err := p.enc.WrapReader(f)
	if err != nil {
		f.Close()
		return nil, 0, storageErr(op, id, err)
	}
	return readCloser{Reader: plain, Closer: f}, info.Size() - p.enc.Overhead(), nil
}

func (p *PathStore) Delete(ctx context.Context, id string) error {
	const op = "PathStore.Delete"
	if err := checkID(op, id); err != nil {
		return err
	}
	err := os.Remove(p.pathForID(id))
	if err != nil && !os.IsNotExist(err) {
		return storageErr(op, id, err)
	}
	return nil
}

func (p *PathStore) Exists(ctx context.Context, id string) (bool, error) {
	if err := checkID("PathStore.Exists", id); err != nil {
		return false, err
	}
	_, err := os.Stat(p.pathForID(id))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, storageErr("PathStore.Exists", id, err)
}

// Walk reports every complete blob under root. In-flight temp files and
// anything not stored at its id's shard path are skipped.
func (p *PathStore) Walk(ctx context.Context, fn func(Entry) error) error {
	return filepath.WalkDir(p.root, func(path string, d iofs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, iofs.ErrNotExist) {
				return nil
			}
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), tempPrefix) {
			return nil
		}
		if !idgen.Valid(d.Name()) || filepath.Clean(path) != p.pathForID(d.Name()) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			if errors.Is(err, iofs.ErrNotExist) {
				return nil
			}
			return err
		}
		return fn(Entry{ID: d.Name(), ModTime: info.ModTime()})
	})
}

func (p *PathStore) pathForID(id string) string {
	if len(id) < 4 {
		return filepath.Join(p.root, id)
	}
	return filepath.Join(p.root, id[:2], id[2:4], id)
}

// contextReader stops a copy once ctx is canceled.
type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (c contextReader) Read(b []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(b)
}
