// internal/storage/minio.go
package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"jstudyroom-back/internal/config"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

type ObjectInfo struct {
	Name string
	Size int64
}

type MinIOClient struct {
	client *minio.Client
	bucket string
}

func NewMinIOClient(cfg *config.Config) (*MinIOClient, error) {
	client, err := minio.New(cfg.MinioEndpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.MinioAccessKey, cfg.MinioSecretKey, ""),
		Secure: cfg.MinioUseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create MinIO client: %w", err)
	}

	// Create bucket if it doesn't exist
	ctx := context.Background()
	exists, err := client.BucketExists(ctx, cfg.MinioBucket)
	if err != nil {
		return nil, fmt.Errorf("failed to check bucket: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.MinioBucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("failed to create bucket: %w", err)
		}
	}

	return &MinIOClient{
		client: client,
		bucket: cfg.MinioBucket,
	}, nil
}

// Upload stores raw bytes at objectName and returns the storage-relative
// path. Signing into an absolute URL happens at serve time.
func (m *MinIOClient) Upload(ctx context.Context, objectName string, data []byte, contentType string) (string, error) {
	_, err := m.client.PutObject(ctx, m.bucket, objectName, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload to MinIO: %w", err)
	}
	return objectName, nil
}

// UploadFromReader streams an object of a known size, used for the source
// PDF at upload time.
func (m *MinIOClient) UploadFromReader(ctx context.Context, objectName string, reader io.Reader, size int64, contentType string) (string, error) {
	_, err := m.client.PutObject(ctx, m.bucket, objectName, reader, size, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload to MinIO: %w", err)
	}
	return objectName, nil
}

// DownloadToFile fetches an object into destPath on the local disk.
func (m *MinIOClient) DownloadToFile(ctx context.Context, objectName string, destPath string) error {
	if err := m.client.FGetObject(ctx, m.bucket, objectName, destPath, minio.GetObjectOptions{}); err != nil {
		return fmt.Errorf("failed to download from MinIO: %w", err)
	}
	return nil
}

// List walks every object under prefix. Listing is eventually consistent;
// callers must not treat a missing entry as proof of absence.
func (m *MinIOClient) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	var infos []ObjectInfo
	for obj := range m.client.ListObjects(ctx, m.bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true}) {
		if obj.Err != nil {
			return nil, fmt.Errorf("failed to list objects: %w", obj.Err)
		}
		infos = append(infos, ObjectInfo{Name: obj.Key, Size: obj.Size})
	}
	return infos, nil
}

func (m *MinIOClient) Remove(ctx context.Context, objectName string) error {
	if err := m.client.RemoveObject(ctx, m.bucket, objectName, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("failed to delete from MinIO: %w", err)
	}
	return nil
}

// RemovePrefix deletes every object under prefix, used by the document
// deletion cascade.
func (m *MinIOClient) RemovePrefix(ctx context.Context, prefix string) error {
	infos, err := m.List(ctx, prefix)
	if err != nil {
		return err
	}
	for _, info := range infos {
		if err := m.Remove(ctx, info.Name); err != nil {
			return err
		}
	}
	return nil
}

// SignedURL generates a presigned GET URL valid for ttl.
func (m *MinIOClient) SignedURL(ctx context.Context, objectName string, ttl time.Duration) (string, error) {
	url, err := m.client.PresignedGetObject(ctx, m.bucket, objectName, ttl, nil)
	if err != nil {
		return "", fmt.Errorf("failed to generate presigned URL: %w", err)
	}
	return url.String(), nil
}

// SourceObjectName is the deterministic path of a document's source PDF.
func SourceObjectName(userID, documentID uint) string {
	return fmt.Sprintf("%d/%d/source.pdf", userID, documentID)
}

// PageObjectName is the deterministic path of a rendered page image.
func PageObjectName(userID, documentID uint, pageNumber int, ext string) string {
	return fmt.Sprintf("%d/%d/page-%d.%s", userID, documentID, pageNumber, ext)
}

// DocumentPrefix covers every object belonging to a document.
func DocumentPrefix(userID, documentID uint) string {
	return fmt.Sprintf("%d/%d/", userID, documentID)
}
