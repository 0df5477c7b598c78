package storage

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("github.com/platinummonkey/fleetwise/pkg/storage")

// S3Config configures the S3 backend. Endpoint and PathStyle point it at
// S3-compatible stores such as MinIO.
type S3Config struct {
	Endpoint  string
	Region    string
	Bucket    string
	AccessKey string
	SecretKey string
	PathStyle bool
}

// s3API is the subset of *s3.Client the backend calls.
type s3API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, opts ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	HeadBucket(ctx context.Context, in *s3.HeadBucketInput, opts ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
	CreateBucket(ctx context.Context, in *s3.CreateBucketInput, opts ...func(*s3.Options)) (*s3.CreateBucketOutput, error)
}

// S3 stores blobs as objects in one bucket.
type S3 struct {
	client s3API
	bucket string
}

// NewS3 builds a client from cfg and makes sure the bucket exists.
// Without static keys the default AWS credential chain is used.
func NewS3(ctx context.Context, cfg S3Config) (*S3, error) {
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.PathStyle
	})
	return newS3(ctx, client, cfg.Bucket)
}

func newS3(ctx context.Context, client s3API, bucket string) (*S3, error) {
	s := &S3{client: client, bucket: bucket}
	if err := s.ensureBucket(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *S3) ensureBucket(ctx context.Context) error {
	if _, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.bucket)}); err == nil {
		return nil
	}
	_, err := s.client.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: aws.String(s.bucket)})
	var exists *types.BucketAlreadyExists
	var owned *types.BucketAlreadyOwnedByYou
	if err != nil && !errors.As(err, &exists) && !errors.As(err, &owned) {
		return fmt.Errorf("failed to create bucket %s: %w", s.bucket, err)
	}
	return nil
}

func (s *S3) span(ctx context.Context, op, key string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "s3."+op, trace.WithAttributes(
		attribute.String("s3.bucket", s.bucket),
		attribute.String("s3.key", key),
	))
}

func fail(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// Put uploads content. size must be the exact content length.
func (s *S3) Put(ctx context.Context, key string, content io.Reader, size int64, contentType string) error {
	ctx, span := s.span(ctx, "put", key)
	defer span.End()

	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          content,
		ContentLength: aws.Int64(size),
		ContentType:   aws.String(contentType),
	})
	if err != nil {
		fail(span, err)
		return fmt.Errorf("failed to upload to s3: %w", err)
	}
	return nil
}

// Get streams the object body.
func (s *S3) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	ctx, span := s.span(ctx, "get", key)
	defer span.End()

	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, ErrNotFound
		}
		fail(span, err)
		return nil, fmt.Errorf("failed to get object from s3: %w", err)
	}
	return out.Body, nil
}

// Delete removes the object. S3 treats a missing key as success.
func (s *S3) Delete(ctx context.Context, key string) error {
	ctx, span := s.span(ctx, "delete", key)
	defer span.End()

	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		fail(span, err)
		return fmt.Errorf("failed to delete object: %w", err)
	}
	return nil
}

// HealthCheck verifies the bucket is reachable.
func (s *S3) HealthCheck(ctx context.Context) error {
	if _, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.bucket)}); err != nil {
		return fmt.Errorf("s3 health check failed: %w", err)
	}
	return nil
}

func isNotFound(err error) bool {
	var noKey *types.NoSuchKey
	var notFound *types.NotFound
	return errors.As(err, &noKey) || errors.As(err, &notFound)
}
