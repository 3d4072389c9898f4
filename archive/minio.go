package archive

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// maxPresignExpiry is the S3 signature v4 cap. Longer requested
// lifetimes are clamped; the issue-time token in the URL is unaffected.
const maxPresignExpiry = 7 * 24 * time.Hour

// MinioStore is an ObjectStore backed by an S3-compatible endpoint.
type MinioStore struct {
	mc     *minio.Client
	bucket string
}

// NewMinioStore connects to an S3-compatible endpoint and ensures the
// bucket exists.
func NewMinioStore(ctx context.Context, endpoint, access, secret string, useTLS bool, bucket string) (*MinioStore, error) {
	mc, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(access, secret, ""),
		Secure: useTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("archive: minio client: %w", err)
	}

	s := &MinioStore{mc: mc, bucket: bucket}
	exists, err := mc.BucketExists(ctx, bucket)
	if err != nil {
		return nil, fmt.Errorf("archive: bucket check %s: %w", bucket, err)
	}
	if !exists {
		if err := mc.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("archive: make bucket %s: %w", bucket, err)
		}
	}
	return s, nil
}

func (s *MinioStore) Put(ctx context.Context, key string, data []byte, contentType string) error {
	_, err := s.mc.PutObject(ctx, s.bucket, key,
		bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: contentType},
	)
	return err
}

func (s *MinioStore) SignedURL(ctx context.Context, key string, expiry time.Duration) (string, error) {
	if expiry > maxPresignExpiry {
		expiry = maxPresignExpiry
	}
	u, err := s.mc.PresignedGetObject(ctx, s.bucket, key, expiry, nil)
	if err != nil {
		return "", err
	}
	return u.String(), nil
}

func (s *MinioStore) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.mc.StatObject(ctx, s.bucket, key, minio.StatObjectOptions{})
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return false, nil
		}
		return false, err
	}
	return true, nil
}
