package blob

import (
	"bytes"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"github.com/xrypthon/pubdrive/pkg/cache"
)

// RemoteConfig carries the settings shared by object-storage providers.
type RemoteConfig struct {
	Endpoint     string
	Bucket       string
	Region       string
	AccessKey    string
	SecretKey    string
	SessionToken string
	// CacheEntries bounds the read cache; negative disables it.
	CacheEntries int
	CacheTTL     time.Duration
	// CacheMaxBytes is the largest object kept in the read cache.
	CacheMaxBytes int64
}

func (c RemoteConfig) validate(provider string) error {
	if c.Endpoint == "" || c.Bucket == "" || c.AccessKey == "" || c.SecretKey == "" {
		return fmt.Errorf("%s config requires endpoint, bucket, access key, and secret key", provider)
	}
	return nil
}

// normaliseEndpoint accepts "host:port" or a URL and reports whether TLS is used.
func normaliseEndpoint(raw string) (host string, secure bool, err error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", false, fmt.Errorf("empty endpoint")
	}
	if !strings.Contains(raw, "://") {
		return raw, false, nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", false, err
	}
	if u.Host == "" {
		return "", false, fmt.Errorf("invalid endpoint %q", raw)
	}
	if u.Path != "" && u.Path != "/" {
		return "", false, fmt.Errorf("endpoint must not contain a path")
	}
	return u.Host, u.Scheme == "https", nil
}

// readCache keeps small remote objects in memory.
type readCache struct {
	c        *cache.Cache[[]byte]
	maxBytes int64
}

func newReadCache(cfg RemoteConfig) *readCache {
	if cfg.CacheEntries < 0 {
		return nil
	}
	entries := cfg.CacheEntries
	if entries == 0 {
		entries = 256
	}
	maxBytes := cfg.CacheMaxBytes
	if maxBytes <= 0 {
		maxBytes = 1 << 20
	}
	return &readCache{c: cache.New[[]byte](entries, cfg.CacheTTL), maxBytes: maxBytes}
}

func (r *readCache) get(id string) (io.ReadCloser, int64, bool) {
	if r == nil {
		return nil, 0, false
	}
	data, ok := r.c.Get(id)
	if !ok {
		return nil, 0, false
	}
	return io.NopCloser(bytes.NewReader(data)), int64(len(data)), true
}

// fill returns a reader over body, caching it when small enough.
func (r *readCache) fill(id string, body io.ReadCloser, size int64) (io.ReadCloser, error) {
	if r == nil || size < 0 || size > r.maxBytes {
		return body, nil
	}
	defer body.Close()
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, err
	}
	r.c.Set(id, data)
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (r *readCache) drop(id string) {
	if r != nil {
		r.c.Delete(id)
	}
}
