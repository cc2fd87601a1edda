package blob

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/xrypthon/pubdrive/pkg/xerrors"
)

// MinioConfig configures a MinIO (or any S3-compatible) bucket.
type MinioConfig struct {
	RemoteConfig
	// CreateBucket makes the bucket when it does not exist yet.
	CreateBucket bool
	Transport    http.RoundTripper
}

// MinioStore persists blobs as objects named by id.
type MinioStore struct {
	client *minio.Client
	bucket string
	cache  *readCache
}

// NewMinioStore connects and checks that the bucket is usable.
func NewMinioStore(ctx context.Context, cfg MinioConfig) (*MinioStore, error) {
	if err := cfg.validate("minio"); err != nil {
		return nil, xerrors.Wrap(xerrors.KindInvalid, "NewMinioStore", "", err)
	}
	host, secure, err := normaliseEndpoint(cfg.Endpoint)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.KindInvalid, "NewMinioStore", "", err)
	}
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}
	client, err := minio.New(host, &minio.Options{
		Creds:        credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, cfg.SessionToken),
		Secure:       secure,
		Region:       region,
		BucketLookup: minio.BucketLookupPath,
		Transport:    cfg.Transport,
	})
	if err != nil {
		return nil, xerrors.Wrap(xerrors.KindInvalid, "NewMinioStore", "", err)
	}
	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.KindStorage, "NewMinioStore", cfg.Bucket, err)
	}
	if !exists {
		if !cfg.CreateBucket {
			return nil, xerrors.Wrap(xerrors.KindStorage, "NewMinioStore", cfg.Bucket, fmt.Errorf("bucket does not exist"))
		}
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{Region: region}); err != nil {
			return nil, xerrors.Wrap(xerrors.KindStorage, "NewMinioStore.MakeBucket", cfg.Bucket, err)
		}
	}
	return &MinioStore{client: client, bucket: cfg.Bucket, cache: newReadCache(cfg.RemoteConfig)}, nil
}

func (m *MinioStore) Put(ctx context.Context, id string, r io.Reader, size int64) (string, int64, error) {
	const op = "MinioStore.Put"
	if err := checkID(op, id); err != nil {
		return "", 0, err
	}
	exists, err := m.Exists(ctx, id)
	if err != nil {
		return "", 0, err
	}
	if exists {
		return "", 0, xerrors.E(xerrors.KindAlreadyExists, op, id)
	}
	info, err := m.client.PutObject(ctx, m.bucket, id, r, size, minio.PutObjectOptions{
		ContentType: "application/octet-stream",
	})
	if err != nil {
		// The object may exist if the response was lost after the upload landed.
		_ = m.client.RemoveObject(context.WithoutCancel(ctx), m.bucket, id, minio.RemoveObjectOptions{})
		return "", 0, storageErr(op, id, err)
	}
	return fmt.Sprintf("s3://%s/%s", m.bucket, id), info.Size, nil
}

func (m *MinioStore) Get(ctx context.Context, id string) (io.ReadCloser, int64, error) {
	const op = "MinioStore.Get"
	if err := checkID(op, id); err != nil {
		return nil, 0, err
	}
	if rc, size, ok := m.cache.get(id); ok {
		return rc, size, nil
	}
	obj, err := m.client.GetObject(ctx, m.bucket, id, minio.GetObjectOptions{})
	if err != nil {
		return nil, 0, m.classify(op, id, err)
	}
	stat, err := obj.Stat()
	if err != nil {
		obj.Close()
		return nil, 0, m.classify(op, id, err)
	}
	rc, err := m.cache.fill(id, obj, stat.Size)
	if err != nil {
		return nil, 0, storageErr(op, id, err)
	}
	return rc, stat.Size, nil
}

func (m *MinioStore) Delete(ctx context.Context, id string) error {
	const op = "MinioStore.Delete"
	if err := checkID(op, id); err != nil {
		return err
	}
	m.cache.drop(id)
	if err := m.client.RemoveObject(ctx, m.bucket, id, minio.RemoveObjectOptions{}); err != nil {
		if isMinioNotFound(err) {
			return nil
		}
		return storageErr(op, id, err)
	}
	return nil
}

func (m *MinioStore) Exists(ctx context.Context, id string) (bool, error) {
	const op = "MinioStore.Exists"
	if err := checkID(op, id); err != nil {
		return false, err
	}
	_, err := m.client.StatObject(ctx, m.bucket, id, minio.StatObjectOptions{})
	if err == nil {
		return true, nil
	}
	if isMinioNotFound(err) {
		return false, nil
	}
	return false, storageErr(op, id, err)
}

func (m *MinioStore) classify(op, id string, err error) error {
	if isMinioNotFound(err) {
		return xerrors.Wrap(xerrors.KindNotFound, op, id, err)
	}
	return storageErr(op, id, err)
}

func isMinioNotFound(err error) bool {
	resp := minio.ToErrorResponse(err)
	return resp.Code == "NoSuchKey" || resp.StatusCode == http.StatusNotFound
}
