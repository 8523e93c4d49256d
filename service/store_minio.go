package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/3mmanu3lmois3s/aws-contract-analyzer/config"
	"github.com/3mmanu3lmois3s/aws-contract-analyzer/model"
)

// User metadata keys stored next to the pending object.
const (
	metaFilename     = "filename"
	metaLastModified = "last-modified-ms"
	metaStoredAt     = "stored-at-ms"
)

var errObjectMissing = errors.New("object does not exist")

// objectBucket is the slice of object storage the MinIO store needs.
type objectBucket interface {
	ensure(ctx context.Context) error
	put(ctx context.Context, name string, data []byte, contentType string, meta map[string]string) error
	get(ctx context.Context, name string) (data []byte, contentType string, meta map[string]string, err error)
	stat(ctx context.Context, name string) (size int64, contentType string, meta map[string]string, err error)
	remove(ctx context.Context, name string) error
}

// MinioStore keeps the pending submission as a single object in a MinIO bucket.
// An S3 PUT replaces the object atomically, which gives the overwrite contract.
type MinioStore struct {
	bucket objectBucket
	object string
	mu     sync.Mutex
}

func NewMinioStore(cfg *config.MinioConfig) (*MinioStore, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: create minio client: %w", model.ErrStoreUnavailable, err)
	}

	return newMinioStore(&minioBucket{client: client, name: cfg.Bucket, region: cfg.Region}, cfg.Prefix), nil
}

func newMinioStore(bucket objectBucket, prefix string) *MinioStore {
	return &MinioStore{bucket: bucket, object: path.Join(prefix, model.PendingID)}
}

// EnsureBucket creates the bucket if it doesn't exist
func (s *MinioStore) EnsureBucket(ctx context.Context) error {
	if err := s.bucket.ensure(ctx); err != nil {
		return fmt.Errorf("%w: %w", model.ErrStoreUnavailable, err)
	}
	return nil
}

func (s *MinioStore) Put(ctx context.Context, sub *model.PendingSubmission) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	meta := map[string]string{
		metaFilename:     url.QueryEscape(sub.Filename),
		metaLastModified: strconv.FormatInt(sub.LastModified.UnixMilli(), 10),
		metaStoredAt:     strconv.FormatInt(sub.StoredAt.UnixMilli(), 10),
	}
	if err := s.bucket.put(ctx, s.object, sub.Payload, sub.MimeType, meta); err != nil {
		return fmt.Errorf("%w: upload pending submission: %w", model.ErrStoreUnavailable, err)
	}
	return nil
}

func (s *MinioStore) Get(ctx context.Context) (*model.PendingSubmission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, contentType, meta, err := s.bucket.get(ctx, s.object)
	if errors.Is(err, errObjectMissing) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: download pending submission: %w", model.ErrStoreUnavailable, err)
	}

	info, err := objectMetadata(int64(len(data)), contentType, meta)
	if err != nil {
		return nil, err
	}
	return &model.PendingSubmission{
		ID:           info.ID,
		Payload:      data,
		Filename:     info.Filename,
		MimeType:     info.MimeType,
		LastModified: info.LastModified,
		StoredAt:     info.StoredAt,
	}, nil
}

// Stat reads the object's headers only.
func (s *MinioStore) Stat(ctx context.Context) (*model.PendingMetadata, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	size, contentType, meta, err := s.bucket.stat(ctx, s.object)
	if errors.Is(err, errObjectMissing) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: stat pending submission: %w", model.ErrStoreUnavailable, err)
	}
	return objectMetadata(size, contentType, meta)
}

func objectMetadata(size int64, contentType string, meta map[string]string) (*model.PendingMetadata, error) {
	filename, err := url.QueryUnescape(metaValue(meta, metaFilename))
	if err != nil {
		return nil, fmt.Errorf("%w: bad filename metadata: %w", model.ErrStoreUnavailable, err)
	}
	return &model.PendingMetadata{
		ID:           model.PendingID,
		Filename:     filename,
		MimeType:     contentType,
		LastModified: unixMilliMeta(meta, metaLastModified),
		StoredAt:     unixMilliMeta(meta, metaStoredAt),
		Size:         size,
	}, nil
}

func (s *MinioStore) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.bucket.remove(ctx, s.object); err != nil && !errors.Is(err, errObjectMissing) {
		return fmt.Errorf("%w: delete pending submission: %w", model.ErrStoreUnavailable, err)
	}
	return nil
}

func (s *MinioStore) Close() error {
	return nil
}

// metaValue looks a key up case-insensitively; S3 canonicalizes header names.
func metaValue(meta map[string]string, key string) string {
	for k, v := range meta {
		if strings.EqualFold(strings.TrimPrefix(strings.ToLower(k), "x-amz-meta-"), key) {
			return v
		}
	}
	return ""
}

func unixMilliMeta(meta map[string]string, key string) time.Time {
	ms, err := strconv.ParseInt(metaValue(meta, key), 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

type minioBucket struct {
	client *minio.Client
	name   string
	region string
}

func (b *minioBucket) ensure(ctx context.Context) error {
	exists, err := b.client.BucketExists(ctx, b.name)
	if err != nil {
		return fmt.Errorf("failed to check bucket: %w", err)
	}
	if !exists {
		if err := b.client.MakeBucket(ctx, b.name, minio.MakeBucketOptions{Region: b.region}); err != nil {
			return fmt.Errorf("failed to create bucket: %w", err)
		}
	}
	return nil
}

func (b *minioBucket) put(ctx context.Context, name string, data []byte, contentType string, meta map[string]string) error {
	_, err := b.client.PutObject(ctx, b.name, name, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType:  contentType,
		UserMetadata: meta,
	})
	return err
}

func (b *minioBucket) get(ctx context.Context, name string) ([]byte, string, map[string]string, error) {
	obj, err := b.client.GetObject(ctx, b.name, name, minio.GetObjectOptions{})
	if err != nil {
		return nil, "", nil, translateMinioErr(err)
	}
	defer obj.Close()

	info, err := obj.Stat()
	if err != nil {
		return nil, "", nil, translateMinioErr(err)
	}
	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, "", nil, translateMinioErr(err)
	}
	return data, info.ContentType, info.UserMetadata, nil
}

func (b *minioBucket) stat(ctx context.Context, name string) (int64, string, map[string]string, error) {
	info, err := b.client.StatObject(ctx, b.name, name, minio.StatObjectOptions{})
	if err != nil {
		return 0, "", nil, translateMinioErr(err)
	}
	return info.Size, info.ContentType, info.UserMetadata, nil
}

func (b *minioBucket) remove(ctx context.Context, name string) error {
	return translateMinioErr(b.client.RemoveObject(ctx, b.name, name, minio.RemoveObjectOptions{}))
}

func translateMinioErr(err error) error {
	if err == nil {
		return nil
	}
	if minio.ToErrorResponse(err).Code == "NoSuchKey" {
		return errObjectMissing
	}
	return err
}
