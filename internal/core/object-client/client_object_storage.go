package objectclient

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.uber.org/zap"

	cfg "github.com/markdave123-py/Sprout/internal/config"
	"github.com/markdave123-py/Sprout/internal/core"
)

// S3Client stores lesson uploads and fetches them back for extraction.
type S3Client struct {
	client *s3.Client
	http   *http.Client
	region string
	bucket string
	log    *zap.Logger
}

func NewS3Client(ctx context.Context, cfg *cfg.Config, log *zap.Logger) (*S3Client, error) {
	if cfg.AwsRegion == "" {
		return nil, fmt.Errorf("AWS_REGION not set")
	}
	if cfg.BucketName == "" {
		return nil, fmt.Errorf("S3 bucket name not set")
	}

	opts := []func(*config.LoadOptions) error{config.WithRegion(cfg.AwsRegion)}
	// Without static keys the default chain (env, shared config, instance role) applies.
	if cfg.AwsAccessKey != "" && cfg.AwsSecretKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AwsAccessKey, cfg.AwsSecretKey, ""),
		))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	log = log.Named("s3")
	log.Info("s3 client configured", zap.String("bucket", cfg.BucketName), zap.String("region", cfg.AwsRegion))

	return &S3Client{
		client: s3.NewFromConfig(awsCfg),
		http:   &http.Client{Timeout: 2 * time.Minute},
		region: cfg.AwsRegion,
		bucket: cfg.BucketName,
		log:    log,
	}, nil
}

func (c *S3Client) Bucket() string { return c.bucket }

// UploadFile uploads a file to S3 and returns its object URL.
func (c *S3Client) UploadFile(ctx context.Context, bucket, key string, data io.Reader, contentType string) (string, error) {
	uploader := manager.NewUploader(c.client)

	ctxUpload, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	_, err := uploader.Upload(ctxUpload, &s3.PutObjectInput{
		Bucket:      aws.String(bucket),
		Key:         aws.String(key),
		Body:        data,
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("s3 upload failed: %w", err)
	}

	return objectURL(bucket, c.region, key), nil
}

func (c *S3Client) DeleteFile(ctx context.Context, bucket, key string) error {
	ctxDel, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	_, err := c.client.DeleteObject(ctxDel, &s3.DeleteObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("s3 delete failed: %w", err)
	}
	return nil
}

func (c *S3Client) GetFile(ctx context.Context, bucket, key string) ([]byte, error) {
	data, _, err := c.getObject(ctx, bucket, key)
	return data, err
}

func (c *S3Client) getObject(ctx context.Context, bucket, key string) ([]byte, string, error) {
	ctxGet, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	resp, err := c.client.GetObject(ctxGet, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, "", fmt.Errorf("s3 get failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := readLimited(resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("read body: %w", err)
	}
	return body, aws.ToString(resp.ContentType), nil
}

// Fetch downloads an uploaded lesson file. S3 object URLs are read through the
// SDK so private buckets work; anything else is fetched over HTTP.
func (c *S3Client) Fetch(ctx context.Context, rawURL string) ([]byte, string, error) {
	if bucket, key, ok := parseS3URL(rawURL); ok {
		c.log.Debug("fetching lesson file from s3", zap.String("bucket", bucket), zap.String("key", key))
		return c.getObject(ctx, bucket, key)
	}
	return httpFetch(ctx, c.http, rawURL)
}

var (
	_ core.ObjectClient = (*S3Client)(nil)
	_ core.FileFetcher  = (*S3Client)(nil)
)
