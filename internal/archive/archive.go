// Package archive stores the site-data snapshot that went into each build,
// for operator follow-up when a deployment misbehaves.
package archive

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/nestassociates/agent-platform/internal/config"
)

// Archiver persists one snapshot per build.
type Archiver interface {
	Store(ctx context.Context, key string, body []byte) (string, error)
}

// New picks an archiver from config: S3 when a bucket is set, otherwise a
// local directory.
func New(ctx context.Context, cfg config.Config) (Archiver, error) {
	if cfg.SnapshotS3Bucket != "" {
		client, err := newS3Client(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return &s3Archiver{client: client, bucket: cfg.SnapshotS3Bucket}, nil
	}
	return &localArchiver{baseDir: cfg.SnapshotDir}, nil
}

func newS3Client(ctx context.Context, cfg config.Config) (*s3.Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.SnapshotS3Region),
	}
	if cfg.SnapshotS3Endpoint != "" {
		resolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, _ ...interface{}) (aws.Endpoint, error) {
			if service == s3.ServiceID {
				return aws.Endpoint{
					URL:               cfg.SnapshotS3Endpoint,
					HostnameImmutable: cfg.SnapshotS3PathStyle,
					SigningRegion:     cfg.SnapshotS3Region,
					Source:            aws.EndpointSourceCustom,
				}, nil
			}
			return aws.Endpoint{}, &aws.EndpointNotFoundError{}
		})
		opts = append(opts, awsconfig.WithEndpointResolverWithOptions(resolver))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.SnapshotS3PathStyle
	}), nil
}

type localArchiver struct {
	baseDir string
}

func (l *localArchiver) Store(_ context.Context, key string, body []byte) (string, error) {
	path := filepath.Join(l.baseDir, sanitizeKey(key))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create dirs: %w", err)
	}
	if err := os.WriteFile(path, body, 0o644); err != nil {
		return "", fmt.Errorf("write snapshot: %w", err)
	}
	return path, nil
}

type s3Archiver struct {
	client *s3.Client
	bucket string
}

func (s *s3Archiver) Store(ctx context.Context, key string, body []byte) (string, error) {
	key = sanitizeKey(key)
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return "", fmt.Errorf("put object: %w", err)
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, key), nil
}

// sanitizeKey keeps snapshot keys relative so a crafted build id cannot
// escape the archive root.
func sanitizeKey(key string) string {
	key = filepath.Clean(key)
	key = strings.TrimPrefix(key, string(filepath.Separator))
	for strings.HasPrefix(key, "../") {
		key = strings.TrimPrefix(key, "../")
	}
	return key
}
