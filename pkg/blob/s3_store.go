package blob

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/xrypthon/pubdrive/pkg/xerrors"
)

// S3Config configures an AWS S3 bucket. Endpoint may be empty for AWS itself.
type S3Config struct {
	RemoteConfig
	PathStyle  bool
	HTTPClient *http.Client
}

// S3Store persists blobs through the AWS SDK.
type S3Store struct {
	client *s3.Client
	bucket string
	cache  *readCache
}

// NewS3Store builds a client from static credentials. It does not contact S3.
func NewS3Store(ctx context.Context, cfg S3Config) (*S3Store, error) {
	if cfg.Bucket == "" || cfg.Region == "" || cfg.AccessKey == "" || cfg.SecretKey == "" {
		return nil, xerrors.Wrap(xerrors.KindInvalid, "NewS3Store", "",
			errors.New("s3 config requires bucket, region, access key, and secret key"))
	}
	opts := []func(*config.LoadOptions) error{
		config.WithRegion(cfg.Region),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, cfg.SessionToken)),
	}
	if cfg.HTTPClient != nil {
		opts = append(opts, config.WithHTTPClient(cfg.HTTPClient))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.KindInvalid, "NewS3Store", "", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			endpoint := cfg.Endpoint
			if !strings.Contains(endpoint, "://") {
				endpoint = "https://" + endpoint
			}
			o.BaseEndpoint = aws.String(endpoint)
		}
		o.UsePathStyle = cfg.PathStyle
		o.RequestChecksumCalculation = aws.RequestChecksumCalculationWhenRequired
		o.ResponseChecksumValidation = aws.ResponseChecksumValidationWhenRequired
	})
	return &S3Store{client: client, bucket: cfg.Bucket, cache: newReadCache(cfg.RemoteConfig)}, nil
}

func (s *S3Store) Put(ctx context.Context, id string, r io.Reader, size int64) (string, int64, error) {
	const op = "S3Store.Put"
	if err := checkID(op, id); err != nil {
		return "", 0, err
	}
	exists, err := s.Exists(ctx, id)
	if err != nil {
		return "", 0, err
	}
	if exists {
		return "", 0, xerrors.E(xerrors.KindAlreadyExists, op, id)
	}
	// The SDK signs the payload, which needs a seekable body over plain HTTP.
	body, ok := r.(io.ReadSeeker)
	if !ok {
		data, err := io.ReadAll(r)
		if err != nil {
			return "", 0, storageErr(op, id, err)
		}
		body = bytes.NewReader(data)
		size = int64(len(data))
	}
	if size < 0 {
		end, err := body.Seek(0, io.SeekEnd)
		if err != nil {
			return "", 0, storageErr(op, id, err)
		}
		if _, err := body.Seek(0, io.SeekStart); err != nil {
			return "", 0, storageErr(op, id, err)
		}
		size = end
	}
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(id),
		Body:          body,
		ContentLength: aws.Int64(size),
		ContentType:   aws.String("application/octet-stream"),
	})
	if err != nil {
		return "", 0, storageErr(op, id, err)
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, id), size, nil
}

func (s *S3Store) Get(ctx context.Context, id string) (io.ReadCloser, int64, error) {
	const op = "S3Store.Get"
	if err := checkID(op, id); err != nil {
		return nil, 0, err
	}
	if rc, size, ok := s.cache.get(id); ok {
		return rc, size, nil
	}
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(id),
	})
	if err != nil {
		if isS3NotFound(err) {
			return nil, 0, xerrors.Wrap(xerrors.KindNotFound, op, id, err)
		}
		return nil, 0, storageErr(op, id, err)
	}
	size := aws.ToInt64(out.ContentLength)
	rc, err := s.cache.fill(id, out.Body, size)
	if err != nil {
		return nil, 0, storageErr(op, id, err)
	}
	return rc, size, nil
}

func (s *S3Store) Delete(ctx context.Context, id string) error {
	const op = "S3Store.Delete"
	if err := checkID(op, id); err != nil {
		return err
	}
	s.cache.drop(id)
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(id),
	})
	if err != nil && !isS3NotFound(err) {
		return storageErr(op, id, err)
	}
	return nil
}

func (s *S3Store) Exists(ctx context.Context, id string) (bool, error) {
	const op = "S3Store.Exists"
	if err := checkID(op, id); err != nil {
		return false, err
	}
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(id),
	})
	if err == nil {
		return true, nil
	}
	if isS3NotFound(err) {
		return false, nil
	}
	return false, storageErr(op, id, err)
}

func isS3NotFound(err error) bool {
	var nsk *types.NoSuchKey
	var nf *types.NotFound
	if errors.As(err, &nsk) || errors.As(err, &nf) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return true
		}
	}
	return false
}
