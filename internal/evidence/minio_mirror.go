package evidence

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// MinioOptions carries the connection settings shared by the MinIO mirror
// and blob store.
type MinioOptions struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

func newMinioClient(opts MinioOptions) (*minio.Client, error) {
	client, err := minio.New(opts.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(opts.AccessKey, opts.SecretKey, ""),
		Secure: opts.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	exists, err := client.BucketExists(ctx, opts.Bucket)
	if err != nil {
		return nil, fmt.Errorf("%w: check bucket %s: %v", ErrUnavailable, opts.Bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, opts.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("%w: create bucket %s: %v", ErrUnavailable, opts.Bucket, err)
		}
	}
	return client, nil
}

// MinioMirror reaches the collaboration filesystem as an object bucket.
// Object keys are case-scoped: <caseID>/<fileName>.
type MinioMirror struct {
	client *minio.Client
	bucket string
}

func NewMinioMirror(opts MinioOptions) (*MinioMirror, error) {
	client, err := newMinioClient(opts)
	if err != nil {
		return nil, err
	}
	return &MinioMirror{client: client, bucket: opts.Bucket}, nil
}

func (m *MinioMirror) List(ctx context.Context, caseID string) ([]MirrorEntry, error) {
	out := make([]MirrorEntry, 0)
	objects := m.client.ListObjects(ctx, m.bucket, minio.ListObjectsOptions{
		Prefix:    caseID + "/",
		Recursive: true,
	})
	for obj := range objects {
		if obj.Err != nil {
			return nil, fmt.Errorf("%w: list mirror: %v", ErrUnavailable, obj.Err)
		}
		out = append(out, MirrorEntry{
			Path:       obj.Key,
			ETag:       strings.Trim(obj.ETag, `"`),
			ModifiedAt: obj.LastModified,
			Size:       obj.Size,
		})
	}
	return out, nil
}

func (m *MinioMirror) Upload(ctx context.Context, caseID, filePath string, content []byte) (string, error) {
	key := mirrorObjectPath(caseID, filePath)
	_, err := m.client.PutObject(ctx, m.bucket, key, bytes.NewReader(content), int64(len(content)),
		minio.PutObjectOptions{ContentType: "application/octet-stream"})
	if err != nil {
		return "", fmt.Errorf("%w: upload %s: %v", ErrUnavailable, key, err)
	}
	return key, nil
}

func (m *MinioMirror) Download(ctx context.Context, remotePath string) ([]byte, error) {
	object, err := m.client.GetObject(ctx, m.bucket, remotePath, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("%w: get %s: %v", ErrUnavailable, remotePath, err)
	}
	defer object.Close()
	content, err := io.ReadAll(object)
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil, fmt.Errorf("%w: mirror object %s", ErrNotFound, remotePath)
		}
		return nil, fmt.Errorf("%w: read %s: %v", ErrUnavailable, remotePath, err)
	}
	return content, nil
}

func (m *MinioMirror) Delete(ctx context.Context, remotePath string) error {
	// RemoveObject on a missing key succeeds, which matches the adapter's
	// idempotency contract.
	if err := m.client.RemoveObject(ctx, m.bucket, remotePath, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("%w: delete %s: %v", ErrUnavailable, remotePath, err)
	}
	return nil
}

func (m *MinioMirror) Move(ctx context.Context, oldPath, newPath string) error {
	src := minio.CopySrcOptions{Bucket: m.bucket, Object: oldPath}
	dst := minio.CopyDestOptions{Bucket: m.bucket, Object: newPath}
	if _, err := m.client.CopyObject(ctx, dst, src); err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return fmt.Errorf("%w: mirror object %s", ErrNotFound, oldPath)
		}
		return fmt.Errorf("%w: copy %s: %v", ErrUnavailable, oldPath, err)
	}
	return m.Delete(ctx, oldPath)
}

// MinioBlobStore holds evidence content and conflict artifacts in a
// dedicated bucket, separate from the mirror's.
type MinioBlobStore struct {
	client *minio.Client
	bucket string
}

func NewMinioBlobStore(opts MinioOptions) (*MinioBlobStore, error) {
	client, err := newMinioClient(opts)
	if err != nil {
		return nil, err
	}
	return &MinioBlobStore{client: client, bucket: opts.Bucket}, nil
}

func (s *MinioBlobStore) Put(ctx context.Context, key string, content []byte) error {
	_, err := s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(content), int64(len(content)),
		minio.PutObjectOptions{ContentType: "application/octet-stream"})
	if err != nil {
		return fmt.Errorf("%w: put blob %s: %v", ErrUnavailable, key, err)
	}
	return nil
}

func (s *MinioBlobStore) Get(ctx context.Context, key string) ([]byte, error) {
	object, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("%w: get blob %s: %v", ErrUnavailable, key, err)
	}
	defer object.Close()
	content, err := io.ReadAll(object)
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil, fmt.Errorf("%w: blob %s", ErrNotFound, key)
		}
		return nil, fmt.Errorf("%w: read blob %s: %v", ErrUnavailable, key, err)
	}
	return content, nil
}

func (s *MinioBlobStore) Delete(ctx context.Context, key string) error {
	if err := s.client.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("%w: delete blob %s: %v", ErrUnavailable, key, err)
	}
	return nil
}
