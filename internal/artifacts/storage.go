// Package artifacts archives finished generation results to MinIO/S3 and
// hands out presigned download links.
package artifacts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/dharsanguruparan/scribeflow/internal/config"
	"github.com/dharsanguruparan/scribeflow/internal/model"
)

// Artifact is the archived document for one completed job.
type Artifact struct {
	JobID       string                  `json:"job_id"`
	TenantID    string                  `json:"tenant_id"`
	CompletedAt *time.Time              `json:"completed_at,omitempty"`
	Request     model.GenerationRequest `json:"request"`
	Result      *model.GenerationResult `json:"result"`
}

// Storage wraps MinIO/S3 interactions for generation artifacts.
type Storage struct {
	client *minio.Client
	bucket string
	region string
	ttl    time.Duration
}

// New creates a MinIO client from the storage section.
func New(cfg config.StorageConfig) (*Storage, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("init minio: %w", err)
	}
	ttl := cfg.URLTTL
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &Storage{client: client, bucket: cfg.Bucket, region: cfg.Region, ttl: ttl}, nil
}

// EnsureBucket makes sure the artifact bucket exists before use.
func (s *Storage) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", s.bucket, err)
	}
	if exists {
		return nil
	}
	if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{Region: s.region}); err != nil {
		return fmt.Errorf("make bucket %s: %w", s.bucket, err)
	}
	return nil
}

// ObjectKey is where a job's artifact lives inside the bucket.
func ObjectKey(tenantID, jobID string) string {
	return fmt.Sprintf("%s/%s.json", url.PathEscape(tenantID), jobID)
}

// Archive uploads the completed job and returns its object key.
func (s *Storage) Archive(ctx context.Context, job *model.Job) (string, error) {
	if job.Result == nil {
		return "", fmt.Errorf("archive job %s: no result", job.ID)
	}
	data, err := json.MarshalIndent(Artifact{
		JobID:       job.ID,
		TenantID:    job.TenantID,
		CompletedAt: job.CompletedAt,
		Request:     job.Request,
		Result:      job.Result,
	}, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode artifact: %w", err)
	}
	key := ObjectKey(job.TenantID, job.ID)
	opts := minio.PutObjectOptions{ContentType: "application/json"}
	if _, err := s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(data), int64(len(data)), opts); err != nil {
		return "", fmt.Errorf("upload artifact: %w", err)
	}
	return key, nil
}

// Fetch downloads and decodes an archived artifact.
func (s *Storage) Fetch(ctx context.Context, key string) (*Artifact, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("get artifact: %w", err)
	}
	defer obj.Close()
	buf, err := io.ReadAll(obj)
	if err != nil {
		return nil, fmt.Errorf("read artifact: %w", err)
	}
	var a Artifact
	if err := json.Unmarshal(buf, &a); err != nil {
		return nil, fmt.Errorf("decode artifact: %w", err)
	}
	return &a, nil
}

// PresignURL returns a signed GET URL for key valid for the configured TTL.
func (s *Storage) PresignURL(ctx context.Context, key string) (string, time.Time, error) {
	u, err := s.client.PresignedGetObject(ctx, s.bucket, key, s.ttl, url.Values{})
	if err != nil {
		return "", time.Time{}, fmt.Errorf("presign artifact: %w", err)
	}
	return u.String(), time.Now().Add(s.ttl), nil
}
