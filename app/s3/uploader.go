package s3

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"strconv"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/ami-platform/ami-jobs/app/config"
)

// DefaultLinkExpiry is the longest lifetime S3 allows for a presigned URL
const DefaultLinkExpiry = 7 * 24 * time.Hour

// ObjectStore is the subset of the minio client used by Uploader
type ObjectStore interface {
	BucketExists(ctx context.Context, bucketName string) (bool, error)
	MakeBucket(ctx context.Context, bucketName string, opts minio.MakeBucketOptions) error
	PutObject(ctx context.Context, bucketName, objectName string, reader io.Reader, objectSize int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
	PresignedGetObject(ctx context.Context, bucketName, objectName string, expires time.Duration, reqParams url.Values) (*url.URL, error)
}

var _ ObjectStore = (*minio.Client)(nil)

// Uploader writes export files to a bucket and hands out presigned links
type Uploader struct {
	store  ObjectStore
	bucket string
	expiry time.Duration
}

// NewClient builds a minio client from the AMI_S3_* settings
func NewClient() (*minio.Client, error) {
	secure, err := strconv.ParseBool(config.AMI_S3_SECURE)
	if err != nil {
		return nil, fmt.Errorf("invalid AMI_S3_SECURE %q: %w", config.AMI_S3_SECURE, err)
	}
	client, err := minio.New(config.AMI_S3_ENDPOINT, &minio.Options{
		Creds:  credentials.NewStaticV4(config.AMI_S3_ACCESS_KEY, config.AMI_S3_SECRET_KEY, ""),
		Secure: secure,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create S3 client: %w", err)
	}
	return client, nil
}

func NewUploader(store ObjectStore, bucket string) *Uploader {
	return &Uploader{store: store, bucket: bucket, expiry: DefaultLinkExpiry}
}

// EnsureBucket creates the bucket when it does not exist yet
func (u *Uploader) EnsureBucket(ctx context.Context) error {
	exists, err := u.store.BucketExists(ctx, u.bucket)
	if err != nil {
		return fmt.Errorf("failed to check bucket %s: %w", u.bucket, err)
	}
	if exists {
		return nil
	}
	if err := u.store.MakeBucket(ctx, u.bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("failed to create bucket %s: %w", u.bucket, err)
	}
	return nil
}

// Upload stores the object under key and returns a presigned download URL
func (u *Uploader) Upload(ctx context.Context, key string, r io.Reader, size int64, contentType string) (string, error) {
	if _, err := u.store.PutObject(ctx, u.bucket, key, r, size, minio.PutObjectOptions{ContentType: contentType}); err != nil {
		return "", fmt.Errorf("failed to upload %s: %w", key, err)
	}
	link, err := u.store.PresignedGetObject(ctx, u.bucket, key, u.expiry, nil)
	if err != nil {
		return "", fmt.Errorf("failed to sign download link for %s: %w", key, err)
	}
	return link.String(), nil
}
