package export

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"path"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"
)

const presignTTL = 15 * time.Minute

// Archive keeps rendered exports in an S3-compatible bucket.
type Archive struct {
	client *minio.Client
	bucket string
	logger *zap.Logger
	now    func() time.Time
}

type Archived struct {
	Key       string    `json:"key"`
	URL       string    `json:"url"`
	Size      int64     `json:"size"`
	ExpiresAt time.Time `json:"expiresAt"`
}

func NewArchive(endpoint, accessKey, secretKey, bucket string, useSSL bool, logger *zap.Logger) (*Archive, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("minio client: %w", err)
	}
	return &Archive{client: client, bucket: bucket, logger: logger.Named("archive"), now: time.Now}, nil
}

func (a *Archive) EnsureBucket(ctx context.Context) error {
	exists, err := a.client.BucketExists(ctx, a.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", a.bucket, err)
	}
	if exists {
		return nil
	}
	if err := a.client.MakeBucket(ctx, a.bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("create bucket %s: %w", a.bucket, err)
	}
	a.logger.Info("bucket created", zap.String("bucket", a.bucket))
	return nil
}

// Store uploads the export and returns a short-lived download link.
func (a *Archive) Store(ctx context.Context, documentID string, res *Result) (Archived, error) {
	if a == nil {
		return Archived{}, ErrArchiveDisabled
	}
	now := a.now().UTC()
	key := ObjectKey(documentID, res.Filename, now)

	info, err := a.client.PutObject(ctx, a.bucket, key, bytes.NewReader(res.Data), int64(len(res.Data)), minio.PutObjectOptions{
		ContentType: res.MimeType,
	})
	if err != nil {
		return Archived{}, fmt.Errorf("upload export: %w", err)
	}

	params := url.Values{}
	params.Set("response-content-disposition", fmt.Sprintf("attachment; filename=%q", res.Filename))
	signed, err := a.client.PresignedGetObject(ctx, a.bucket, key, presignTTL, params)
	if err != nil {
		return Archived{}, fmt.Errorf("presign export: %w", err)
	}

	a.logger.Info("export archived", zap.String("key", key), zap.Int64("size", info.Size))
	return Archived{Key: key, URL: signed.String(), Size: info.Size, ExpiresAt: now.Add(presignTTL)}, nil
}

// ObjectKey is documentID/yyyymmddThhmmss-filename.
func ObjectKey(documentID, filename string, at time.Time) string {
	return path.Join(documentID, at.Format("20060102T150405")+"-"+filename)
}
