package storage

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// ObjectStoreConfig bundles S3 connection settings for the durable sink.
type ObjectStoreConfig struct {
	Bucket          string
	Region          string
	BaseEndpoint    string
	AccessKeyID     string
	SecretAccessKey string
}

// ObjectStoreSink uploads artifacts to S3-compatible object storage.
type ObjectStoreSink struct {
	client *s3.Client
	bucket string
	region string
	base   string
}

// NewObjectStoreSink constructs the S3 sink.
func NewObjectStoreSink(ctx context.Context, cfg ObjectStoreConfig) (*ObjectStoreSink, error) {
	if strings.TrimSpace(cfg.Bucket) == "" {
		return nil, fmt.Errorf("storage: object store bucket required")
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		),
	)
	if err != nil {
		return nil, err
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.BaseEndpoint != "" {
			o.BaseEndpoint = aws.String(cfg.BaseEndpoint)
			o.UsePathStyle = true
		}
	})

	return &ObjectStoreSink{
		client: client,
		bucket: cfg.Bucket,
		region: cfg.Region,
		base:   strings.TrimRight(cfg.BaseEndpoint, "/"),
	}, nil
}

// Kind identifies the sink.
func (s *ObjectStoreSink) Kind() SinkKind {
	return SinkObjectStore
}

// Put uploads the payload under the provided key and returns a retrieval URL.
// The key is minted by the coordinator exactly once per artifact, so a retry
// overwrites its own partial upload rather than creating a sibling object.
func (s *ObjectStoreSink) Put(ctx context.Context, key string, payload []byte, contentType string) (string, error) {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(payload),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}

	if s.base != "" {
		return fmt.Sprintf("%s/%s/%s", s.base, s.bucket, key), nil
	}
	return fmt.Sprintf("https://%s.s3.%s.amazonaws.com/%s", s.bucket, s.region, key), nil
}
