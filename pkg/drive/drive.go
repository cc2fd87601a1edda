// Package drive is the upload and retrieval entry point. It sequences the
// identifier generator, blob store, access controller and registry so that a
// descriptor only becomes visible after its bytes are complete, and a failed
// upload leaves no bytes behind.
package drive

import (
	"bufio"
	"context"
	"errors"
	"io"
	"iter"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/xrypthon/pubdrive/pkg/access"
	"github.com/xrypthon/pubdrive/pkg/blob"
	"github.com/xrypthon/pubdrive/pkg/cache"
	"github.com/xrypthon/pubdrive/pkg/idgen"
	"github.com/xrypthon/pubdrive/pkg/logging"
	"github.com/xrypthon/pubdrive/pkg/registry"
	"github.com/xrypthon/pubdrive/pkg/xerrors"
)

// Options tunes the service.
type Options struct {
	// DescriptorCacheSize enables an LRU of looked-up descriptors. Zero
	// disables it; registries backed by disk benefit the most.
	DescriptorCacheSize int
	DescriptorCacheTTL  time.Duration
	// GrantTTL is the lifetime of tokens returned by Unlock.
	GrantTTL time.Duration
	// Now overrides the upload clock.
	Now func() time.Time
}

// Service wires the upload registry and password-gated retrieval together.
type Service struct {
	ids      idgen.Generator
	blobs    blob.Store
	registry registry.Registry
	access   *access.Controller
	grants   *access.Grants
	log      logging.Logger
	opts     Options

	descCache *cache.Cache[registry.Descriptor]
}

var errNoGrants = errors.New("grants not configured")

// Deps are the collaborators a Service needs. Grants and Log are optional.
type Deps struct {
	IDs      idgen.Generator
	Blobs    blob.Store
	Registry registry.Registry
	Access   *access.Controller
	Grants   *access.Grants
	Log      logging.Logger
}

// New constructs a Service. It panics when a required collaborator is nil.
func New(deps Deps, opts Options) *Service {
	if deps.IDs == nil || deps.Blobs == nil || deps.Registry == nil || deps.Access == nil {
		panic("drive: ids, blobs, registry and access are required")
	}
	if deps.Log == nil {
		deps.Log = logging.Nop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	s := &Service{
		ids:      deps.IDs,
		blobs:    deps.Blobs,
		registry: deps.Registry,
		access:   deps.Access,
		grants:   deps.Grants,
		log:      deps.Log,
		opts:     opts,
	}
	if opts.DescriptorCacheSize > 0 {
		ttl := opts.DescriptorCacheTTL
		if ttl <= 0 {
			ttl = time.Minute
		}
		s.descCache = cache.New[registry.Descriptor](opts.DescriptorCacheSize, ttl)
	}
	return s
}

// UploadRequest is one incoming file.
type UploadRequest struct {
	Body io.Reader
	// Name is the client-supplied filename. It is only ever displayed.
	Name string
	// MediaType is the declared type; empty means sniff the content.
	MediaType string
	// Size is the declared length, or -1 when unknown.
	Size     int64
	Protect  bool
	Password string
}

// Upload stores req and registers it. On any failure after the blob write
// the bytes are deleted before the error returns.
func (s *Service) Upload(ctx context.Context, req UploadRequest) (registry.View, error) {
	const op = "drive.Upload"
	if req.Body == nil || strings.TrimSpace(req.Name) == "" {
		return registry.View{}, xerrors.E(xerrors.KindNoFile, op, "")
	}
	if err := s.access.CheckProtection(req.Protect, req.Password); err != nil {
		return registry.View{}, err
	}
	id, err := s.ids.Generate()
	if err != nil {
		return registry.View{}, xerrors.Wrap(xerrors.KindEntropy, op, "", err)
	}

	body := bufio.NewReaderSize(req.Body, 512)
	mediaType := strings.TrimSpace(req.MediaType)
	if mediaType == "" || mediaType == "application/octet-stream" {
		head, _ := body.Peek(512)
		mediaType = http.DetectContentType(head)
	}
	size := req.Size
	if size == 0 {
		size = -1
	}

	locator, written, err := s.blobs.Put(ctx, id, body, size)
	if err != nil {
		s.log.Warn(ctx, "upload write failed", "id", id, "err", err)
		return registry.View{}, err
	}
	committed := false
	defer func() {
		if committed {
			return
		}
		if derr := s.blobs.Delete(context.WithoutCancel(ctx), id); derr != nil {
			s.log.Error(ctx, "upload rollback failed", "id", id, "err", derr)
		}
	}()

	d := registry.Descriptor{
		ID:           id,
		OriginalName: req.Name,
		StoragePath:  locator,
		SizeBytes:    written,
		MediaType:    mediaType,
		UploadedAt:   s.opts.Now().UTC(),
		Protected:    req.Protect,
	}
	if req.Protect {
		d.PasswordHash, err = s.access.Seal(req.Password)
		if err != nil {
			return registry.View{}, err
		}
	}
	if err := s.registry.Insert(ctx, d); err != nil {
		return registry.View{}, err
	}
	committed = true
	s.log.Info(ctx, "upload stored", "id", id, "size", written, "protected", d.Protected)
	return d.View(), nil
}

// Download is an authorised stream of file bytes. Callers must Close it.
type Download struct {
	io.ReadCloser
	ID        string
	Name      string
	MediaType string
	Size      int64
}

// Open returns the bytes of id when password satisfies its protection.
// Public files ignore password.
func (s *Service) Open(ctx context.Context, id, password string) (*Download, error) {
	d, err := s.describe(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.access.Authorize(ctx, d, password); err != nil {
		s.log.Info(ctx, "download refused", "id", id)
		return nil, err
	}
	return s.read(ctx, d)
}

// OpenWithGrant is Open for a caller holding a grant from Unlock instead of
// the password.
func (s *Service) OpenWithGrant(ctx context.Context, id, token string) (*Download, error) {
	d, err := s.describe(ctx, id)
	if err != nil {
		return nil, err
	}
	if d.Protected {
		if s.grants == nil {
			return nil, xerrors.E(xerrors.KindUnauthorized, "drive.OpenWithGrant", id)
		}
		if err := s.grants.Check(token, id); err != nil {
			s.log.Info(ctx, "grant refused", "id", id)
			return nil, err
		}
	}
	return s.read(ctx, d)
}

// Unlock verifies password for a protected file and returns a grant that
// OpenWithGrant accepts until expires. Unknown and public ids are NotFound.
func (s *Service) Unlock(ctx context.Context, id, password string) (token string, expires time.Time, err error) {
	const op = "drive.Unlock"
	if s.grants == nil {
		return "", time.Time{}, xerrors.Wrap(xerrors.KindInternal, op, id, errNoGrants)
	}
	d, err := s.describe(ctx, id)
	if err != nil {
		return "", time.Time{}, err
	}
	if !d.Protected {
		return "", time.Time{}, xerrors.E(xerrors.KindNotFound, op, id)
	}
	if err := s.access.Authorize(ctx, d, password); err != nil {
		return "", time.Time{}, err
	}
	return s.grants.Issue(id, s.opts.GrantTTL)
}

// Describe returns the public view of id.
func (s *Service) Describe(ctx context.Context, id string) (registry.View, error) {
	d, err := s.describe(ctx, id)
	if err != nil {
		return registry.View{}, err
	}
	return d.View(), nil
}

// List yields the public view of every file in upload order.
func (s *Service) List(ctx context.Context) iter.Seq[registry.View] {
	return func(yield func(registry.View) bool) {
		for d := range s.registry.List(ctx) {
			if !yield(d.View()) {
				return
			}
		}
	}
}

// Remove deletes the descriptor of id and then its bytes.
func (s *Service) Remove(ctx context.Context, id string) error {
	if _, err := s.registry.Get(ctx, id); err != nil {
		return err
	}
	if err := s.registry.Delete(ctx, id); err != nil {
		return err
	}
	s.cacheDelete(id)
	if err := s.blobs.Delete(ctx, id); err != nil {
		return err
	}
	s.log.Info(ctx, "file removed", "id", id)
	return nil
}

func (s *Service) describe(ctx context.Context, id string) (registry.Descriptor, error) {
	if d, ok := s.cacheGet(id); ok {
		return d, nil
	}
	d, err := s.registry.Get(ctx, id)
	if err != nil {
		return registry.Descriptor{}, err
	}
	s.cachePut(d)
	return d, nil
}

func (s *Service) read(ctx context.Context, d registry.Descriptor) (*Download, error) {
	rc, size, err := s.blobs.Get(ctx, d.ID)
	if err != nil {
		s.log.Error(ctx, "descriptor without readable bytes", "id", d.ID, "err", err)
		return nil, err
	}
	return &Download{
		ReadCloser: rc,
		ID:         d.ID,
		Name:       DisplayName(d.OriginalName),
		MediaType:  d.MediaType,
		Size:       size,
	}, nil
}

// DisplayName reduces an untrusted client filename to a safe base name.
func DisplayName(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	base := path.Base(name)
	base = strings.Map(func(r rune) rune {
		if r < 0x20 || r == 0x7f || r == '"' {
			return -1
		}
		return r
	}, base)
	if base == "." || base == "/" || base == "" {
		return "download"
	}
	return base
}

func (s *Service) cacheGet(id string) (registry.Descriptor, bool) {
	if s.descCache == nil {
		return registry.Descriptor{}, false
	}
	return s.descCache.Get(id)
}

func (s *Service) cachePut(d registry.Descriptor) {
	if s.descCache != nil {
		s.descCache.Set(d.ID, d)
	}
}

func (s *Service) cacheDelete(id string) {
	if s.descCache != nil {
		s.descCache.Delete(id)
	}
}
