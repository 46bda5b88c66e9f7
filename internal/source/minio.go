package source

import (
	"context"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/rs/zerolog/log"

	"sandbox-sessions/internal/config"
	"sandbox-sessions/internal/sandbox"
)

// MinioProvider reads targets from objects under <prefix>/<targetID>/ in a
// bucket.
type MinioProvider struct {
	client *minio.Client
	bucket string
	prefix string
	limits sandbox.TreeLimits
}

func NewMinioProvider(ctx context.Context, cfg config.MinioConfig, limits sandbox.TreeLimits) (*MinioProvider, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}
	ok, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket %s: %w", cfg.Bucket, err)
	}
	if !ok {
		return nil, fmt.Errorf("bucket %s does not exist", cfg.Bucket)
	}
	log.Info().Str("endpoint", cfg.Endpoint).Str("bucket", cfg.Bucket).Msg("minio target provider ready")
	return &MinioProvider{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix, limits: limits}, nil
}

// objectPrefix is the key prefix holding a target's files.
func objectPrefix(prefix, targetID string) string {
	return strings.TrimPrefix(path.Join(prefix, targetID), "/") + "/"
}

func (m *MinioProvider) Target(ctx context.Context, targetID string) (*Target, error) {
	if err := ValidateTargetID(targetID); err != nil {
		return nil, err
	}
	prefix := objectPrefix(m.prefix, targetID)

	tree := sandbox.FileTree{}
	var total int64
	for obj := range m.client.ListObjects(ctx, m.bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true}) {
		if obj.Err != nil {
			return nil, fmt.Errorf("list %s: %w", prefix, obj.Err)
		}
		rel := strings.TrimPrefix(obj.Key, prefix)
		if rel == "" || strings.HasSuffix(rel, "/") {
			continue
		}
		total += obj.Size
		if m.limits.MaxBytes > 0 && total > m.limits.MaxBytes {
			return nil, fmt.Errorf("%w: target %s exceeds %d bytes", sandbox.ErrMountFailure, targetID, m.limits.MaxBytes)
		}
		if m.limits.MaxFiles > 0 && len(tree) >= m.limits.MaxFiles {
			return nil, fmt.Errorf("%w: target %s exceeds %d files", sandbox.ErrMountFailure, targetID, m.limits.MaxFiles)
		}
		data, err := m.read(ctx, obj.Key)
		if err != nil {
			return nil, err
		}
		tree[rel] = data
	}
	if len(tree) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrTargetNotFound, targetID)
	}
	return &Target{ID: targetID, Files: tree}, nil
}

func (m *MinioProvider) read(ctx context.Context, key string) ([]byte, error) {
	obj, err := m.client.GetObject(ctx, m.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	defer obj.Close()
	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	return data, nil
}
