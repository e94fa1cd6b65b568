package audit

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// ObjectPutter is the subset of the S3 client used by the archiver,
// extracted as an interface to enable testing with mocks.
type ObjectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Archiver uploads audit export blobs to S3-compatible object storage
// (Cloudflare R2 in production) for long-term retention.
type Archiver struct {
	client  ObjectPutter
	bucket  string
	prefix  string
	timeNow func() time.Time // For testability
}

// ArchiverConfig holds configuration for the audit archiver.
type ArchiverConfig struct {
	BucketName      string
	AccessKeyID     string
	SecretAccessKey string
	Endpoint        string
	KeyPrefix       string // Default: "audit"
}

// NewArchiver creates an archiver backed by an R2-compatible S3 client.
func NewArchiver(cfg ArchiverConfig) (*Archiver, error) {
	if cfg.BucketName == "" {
		return nil, errors.New("bucket name is required")
	}
	if cfg.AccessKeyID == "" {
		return nil, errors.New("access key ID is required")
	}
	if cfg.SecretAccessKey == "" {
		return nil, errors.New("secret access key is required")
	}
	if cfg.Endpoint == "" {
		return nil, errors.New("endpoint is required")
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "audit"
	}

	client := s3.New(s3.Options{
		Region: "auto", // R2 uses auto region
		Credentials: aws.NewCredentialsCache(credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID,
			cfg.SecretAccessKey,
			"", // No session token for R2
		)),
		BaseEndpoint: aws.String(cfg.Endpoint),
		UsePathStyle: true, // R2 requires path-style addressing
	})

	return &Archiver{
		client:  client,
		bucket:  cfg.BucketName,
		prefix:  cfg.KeyPrefix,
		timeNow: time.Now,
	}, nil
}

// NewArchiverWithClient creates an archiver with a caller-provided client.
// Used in tests.
func NewArchiverWithClient(client ObjectPutter, bucket, prefix string) *Archiver {
	if prefix == "" {
		prefix = "audit"
	}
	return &Archiver{client: client, bucket: bucket, prefix: prefix, timeNow: time.Now}
}

// contentTypes maps export formats to upload content types.
var contentTypes = map[ExportFormat]string{
	ExportFormatCSV:  "text/csv",
	ExportFormatJSON: "application/json",
	ExportFormatCBOR: "application/cbor",
}

// Archive exports records for the given options and uploads the blob.
// Returns the object key of the uploaded archive.
func (a *Archiver) Archive(ctx context.Context, repo Repository, opts ExportOptions) (string, error) {
	data, err := ExportRecords(repo, opts)
	if err != nil {
		return "", err
	}

	contentType, ok := contentTypes[opts.Format]
	if !ok {
		return "", fmt.Errorf("unsupported archive format: %s", opts.Format)
	}

	key := fmt.Sprintf("%s/%s/%s.%s",
		a.prefix,
		a.timeNow().UTC().Format("2006/01/02"),
		a.timeNow().UTC().Format("150405.000000000"),
		opts.Format)

	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload audit archive: %w", err)
	}
	return key, nil
}
