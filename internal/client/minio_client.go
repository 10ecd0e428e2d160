package client

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/manimcat/api/internal/config"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// MinioClient implements StorageClient for a MinIO (or any S3 compatible) server
type MinioClient struct {
	client     *minio.Client
	bucketName string
	publicURL  string
	useSSL     bool
	endpoint   string
}

// NewMinioClient connects to MinIO and makes sure the bucket exists
func NewMinioClient(ctx context.Context, cfg *config.MinioConfig) (*MinioClient, error) {
	if cfg.Endpoint == "" || cfg.BucketName == "" {
		return nil, fmt.Errorf("MinIO configuration incomplete")
	}

	mc, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create minio client: %w", err)
	}

	exists, err := mc.BucketExists(ctx, cfg.BucketName)
	if err != nil {
		return nil, fmt.Errorf("failed to check minio bucket: %w", err)
	}
	if !exists {
		if err := mc.MakeBucket(ctx, cfg.BucketName, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("failed to create minio bucket: %w", err)
		}
	}

	return &MinioClient{
		client:     mc,
		bucketName: cfg.BucketName,
		publicURL:  strings.TrimRight(cfg.PublicURL, "/"),
		useSSL:     cfg.UseSSL,
		endpoint:   cfg.Endpoint,
	}, nil
}

func (c *MinioClient) Name() string { return "minio" }

// Upload uploads an object and returns its public URL
func (c *MinioClient) Upload(ctx context.Context, key string, body io.Reader, size int64, contentType string) (string, error) {
	_, err := c.client.PutObject(ctx, c.bucketName, key, body, size, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return "", fmt.Errorf("upload to minio failed: %w", err)
	}
	return c.GetPublicURL(key), nil
}

// UploadFile uploads a local artifact
func (c *MinioClient) UploadFile(ctx context.Context, localPath, key string) (string, error) {
	return uploadFile(ctx, c, localPath, key)
}

func (c *MinioClient) Delete(ctx context.Context, key string) error {
	if err := c.client.RemoveObject(ctx, c.bucketName, key, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("delete from minio failed: %w", err)
	}
	return nil
}

func (c *MinioClient) GetPublicURL(key string) string {
	if c.publicURL != "" {
		return fmt.Sprintf("%s/%s", c.publicURL, key)
	}
	scheme := "http"
	if c.useSSL {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s/%s/%s", scheme, c.endpoint, c.bucketName, key)
}
