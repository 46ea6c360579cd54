package objectstore

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"strings"

	mclient "github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

type MinioConfig struct {
	Endpoint      string
	AccessKey     string
	SecretKey     string
	Bucket        string
	PublicBaseURL string
}

// Minio stores objects in an S3-compatible bucket.
type Minio struct {
	client  *mclient.Client
	bucket  string
	baseURL string
}

// NewMinio connects and checks that the bucket exists. The endpoint may carry a
// scheme; https turns TLS on.
func NewMinio(ctx context.Context, cfg MinioConfig) (*Minio, error) {
	endpoint := cfg.Endpoint
	secure := strings.HasPrefix(endpoint, "https://")

	if u, err := url.Parse(endpoint); err == nil && u.Scheme != "" {
		endpoint = u.Host
		secure = u.Scheme == "https"
	}

	client, err := mclient.New(endpoint, &mclient.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: secure,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket: %w", err)
	}
	if !exists {
		return nil, fmt.Errorf("bucket %q does not exist", cfg.Bucket)
	}

	baseURL := strings.TrimRight(cfg.PublicBaseURL, "/")
	if baseURL == "" {
		scheme := "http"
		if secure {
			scheme = "https"
		}
		baseURL = scheme + "://" + endpoint + "/" + cfg.Bucket
	}

	return &Minio{client: client, bucket: cfg.Bucket, baseURL: baseURL}, nil
}

func (m *Minio) Write(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	clean, err := cleanKey(key)
	if err != nil {
		return "", err
	}

	_, err = m.client.PutObject(ctx, m.bucket, clean, bytes.NewReader(data), int64(len(data)), mclient.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return "", fmt.Errorf("put object %s: %w", clean, err)
	}

	return m.baseURL + "/" + clean, nil
}
