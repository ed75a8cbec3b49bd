// Package backup archives ledger snapshots to S3-compatible object storage.
package backup

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"key_gateway/internal/ledger"
)

// PutObjectAPI is the part of the S3 client the archiver needs.
type PutObjectAPI interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Config locates the archive.
type Config struct {
	Bucket  string
	Region  string
	Prefix  string
	PodName string

	// Endpoint overrides the S3 endpoint, e.g. for MinIO. Path-style
	// addressing is used when set.
	Endpoint string

	// DisableSSE omits the SSE-S3 request header, for stores without a KMS.
	DisableSSE bool
}

// S3Archiver writes each snapshot as one JSON object. Objects are never
// overwritten; retention is left to bucket lifecycle rules.
type S3Archiver struct {
	client  PutObjectAPI
	bucket  string
	prefix  string
	podName string
	sse     types.ServerSideEncryption
	logger  *zap.Logger
	now     func() time.Time
}

// NewS3Archiver builds an S3 client from the default AWS credential chain.
func NewS3Archiver(ctx context.Context, cfg Config, logger *zap.Logger) (*S3Archiver, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, errors.Wrap(err, "backup: load AWS config")
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return NewS3ArchiverWithClient(client, cfg, logger), nil
}

// NewS3ArchiverWithClient uses an existing client.
func NewS3ArchiverWithClient(client PutObjectAPI, cfg Config, logger *zap.Logger) *S3Archiver {
	if logger == nil {
		logger = zap.NewNop()
	}
	podName := cfg.PodName
	if podName == "" {
		podName = "gateway"
	}
	sse := types.ServerSideEncryptionAes256
	if cfg.DisableSSE {
		sse = ""
	}
	return &S3Archiver{
		client:  client,
		sse:     sse,
		bucket:  cfg.Bucket,
		prefix:  cfg.Prefix,
		podName: podName,
		logger:  logger,
		now:     time.Now,
	}
}

// ObjectKey returns the key a snapshot taken at t is written under:
// <prefix>YYYY/MM/DD/<pod>-YYYYMMDD-HHMMSS-<id>.json
func (a *S3Archiver) ObjectKey(t time.Time, id string) string {
	t = t.UTC()
	return fmt.Sprintf("%s%04d/%02d/%02d/%s-%s-%s.json",
		a.prefix,
		t.Year(),
		t.Month(),
		t.Day(),
		a.podName,
		t.Format("20060102-150405"),
		id,
	)
}

// WriteSnapshot uploads records and returns the object URI.
func (a *S3Archiver) WriteSnapshot(ctx context.Context, records map[string]ledger.Record) (string, error) {
	body, err := json.Marshal(records)
	if err != nil {
		return "", errors.Wrap(err, "backup: encode snapshot")
	}

	key := a.ObjectKey(a.now(), uuid.NewString())
	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:               aws.String(a.bucket),
		Key:                  aws.String(key),
		Body:                 bytes.NewReader(body),
		ContentType:          aws.String("application/json"),
		ServerSideEncryption: a.sse,
	})
	if err != nil {
		return "", errors.Wrapf(err, "backup: put s3://%s/%s", a.bucket, key)
	}

	a.logger.Debug("backup: snapshot uploaded",
		zap.String("bucket", a.bucket),
		zap.String("object", key),
		zap.Int("bytes", len(body)),
	)
	return "s3://" + a.bucket + "/" + key, nil
}
