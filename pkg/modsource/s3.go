package modsource

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3Config configures the S3 source. Empty fields fall back to
// WASCC_S3_REGION/AWS_REGION and WASCC_S3_ENDPOINT.
type S3Config struct {
	Region   string
	Endpoint string // MinIO, LocalStack
}

// S3Source reads s3://bucket/key references.
type S3Source struct {
	client *s3.Client
}

func NewS3Source(ctx context.Context, cfg S3Config) (*S3Source, error) {
	if cfg.Region == "" {
		cfg.Region = os.Getenv("WASCC_S3_REGION")
	}
	if cfg.Region == "" {
		cfg.Region = os.Getenv("AWS_REGION")
	}
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = os.Getenv("WASCC_S3_ENDPOINT")
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return &S3Source{client: client}, nil
}

func (s *S3Source) Fetch(ctx context.Context, ref string) ([]byte, error) {
	bucket, key, err := splitBucketRef(ref, "s3://")
	if err != nil {
		return nil, err
	}
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("s3 get failed for %s: %w", ref, err)
	}
	defer func() { _ = out.Body.Close() }()
	return io.ReadAll(io.LimitReader(out.Body, maxModuleSize))
}
