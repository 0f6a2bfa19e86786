// Package archive stores finished batch summaries as JSON documents on the
// local filesystem or in S3.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"batch-dispatcher/internal/models"
)

// Uploader writes one object and returns where it landed.
type Uploader interface {
	Upload(ctx context.Context, key string, body []byte, contentType string) (string, error)
}

// S3Settings selects and configures the S3 uploader. An empty Bucket means
// summaries go to the local directory instead.
type S3Settings struct {
	Bucket    string
	Region    string
	Endpoint  string
	PathStyle bool
}

// Archiver writes batch summaries under batches/<id>.json.
type Archiver struct {
	uploader Uploader
	prefix   string
}

// New wraps an uploader.
func New(u Uploader) *Archiver {
	return &Archiver{uploader: u, prefix: "batches"}
}

// FromSettings builds an S3 archiver when a bucket is configured and a local
// one rooted at dir otherwise.
func FromSettings(ctx context.Context, dir string, s S3Settings) (*Archiver, error) {
	if s.Bucket == "" {
		if dir == "" {
			dir = "./output"
		}
		return New(&LocalUploader{BaseDir: dir}), nil
	}
	client, err := newS3Client(ctx, s)
	if err != nil {
		return nil, err
	}
	return New(&S3Uploader{client: client, bucket: s.Bucket}), nil
}

// ArchiveSummary marshals summary and uploads it, returning the object location.
func (a *Archiver) ArchiveSummary(ctx context.Context, batchID string, summary models.BatchSummary) (string, error) {
	key := sanitizeKey(batchID)
	if key == "" || key == "." {
		return "", fmt.Errorf("archive: empty batch id")
	}
	body, err := json.MarshalIndent(models.BatchRecord{ID: batchID, Summary: summary}, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal summary: %w", err)
	}
	return a.uploader.Upload(ctx, path.Join(a.prefix, key+".json"), body, "application/json")
}

func sanitizeKey(key string) string {
	key = filepath.Base(filepath.Clean(strings.TrimSpace(key)))
	return strings.TrimPrefix(key, string(filepath.Separator))
}

// LocalUploader writes objects below BaseDir.
type LocalUploader struct {
	BaseDir string
}

func (l *LocalUploader) Upload(_ context.Context, key string, body []byte, _ string) (string, error) {
	p := filepath.Join(l.BaseDir, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return "", fmt.Errorf("create dirs: %w", err)
	}
	if err := os.WriteFile(p, body, 0o644); err != nil {
		return "", fmt.Errorf("write file: %w", err)
	}
	return p, nil
}

// S3Uploader puts objects into a single bucket.
type S3Uploader struct {
	client *s3.Client
	bucket string
}

func newS3Client(ctx context.Context, s S3Settings) (*s3.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(s.Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if s.Endpoint != "" {
			o.BaseEndpoint = aws.String(s.Endpoint)
		}
		o.UsePathStyle = s.PathStyle
	}), nil
}

func (s *S3Uploader) Upload(ctx context.Context, key string, body []byte, contentType string) (string, error) {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("put object: %w", err)
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, key), nil
}
