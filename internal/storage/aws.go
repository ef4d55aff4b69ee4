package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

// S3API is the subset of the AWS S3 client used by AWSBackend.
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// AWSBackend stores blobs in an upstream S3 bucket under
// {prefix}blobs/{id}. Credentials come from the default AWS chain unless
// static keys are supplied.
type AWSBackend struct {
	Bucket string
	Prefix string
	client S3API
}

// AWSOptions configures NewAWSBackend.
type AWSOptions struct {
	Bucket          string
	Region          string
	Prefix          string
	Endpoint        string
	UsePathStyle    bool
	AccessKeyID     string
	SecretAccessKey string
}

// NewAWSBackend builds an S3 client and verifies the bucket is reachable.
func NewAWSBackend(ctx context.Context, opts AWSOptions) (*AWSBackend, error) {
	loadOpts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(opts.Region)}
	if opts.AccessKeyID != "" && opts.SecretAccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKeyID, opts.SecretAccessKey, ""),
		))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
		}
		o.UsePathStyle = opts.UsePathStyle || opts.Endpoint != ""
	})

	if _, err := client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(opts.Bucket)}); err != nil {
		return nil, fmt.Errorf("cannot access upstream S3 bucket %q: %w", opts.Bucket, err)
	}

	slog.Info("AWS blob backend initialized", "bucket", opts.Bucket, "region", opts.Region, "prefix", opts.Prefix)
	return NewAWSBackendWithClient(opts.Bucket, opts.Prefix, client), nil
}

// NewAWSBackendWithClient wires a pre-built client, typically a test mock.
func NewAWSBackendWithClient(bucket, prefix string, client S3API) *AWSBackend {
	return &AWSBackend{Bucket: bucket, Prefix: prefix, client: client}
}

func (b *AWSBackend) key(id string) string {
	return b.Prefix + "blobs/" + id
}

// Put uploads the blob.
func (b *AWSBackend) Put(ctx context.Context, id string, r io.Reader, size int64) error {
	in := &s3.PutObjectInput{
		Bucket: aws.String(b.Bucket),
		Key:    aws.String(b.key(id)),
		Body:   r,
	}
	if size >= 0 {
		in.ContentLength = aws.Int64(size)
	}
	if _, err := b.client.PutObject(ctx, in); err != nil {
		return fmt.Errorf("uploading blob %s to S3: %w", id, err)
	}
	return nil
}

// Get streams the blob.
func (b *AWSBackend) Get(ctx context.Context, id string) (io.ReadCloser, int64, error) {
	resp, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.Bucket),
		Key:    aws.String(b.key(id)),
	})
	if err != nil {
		if isAWSNotFound(err) {
			return nil, 0, ErrBlobNotFound
		}
		return nil, 0, fmt.Errorf("getting blob %s from S3: %w", id, err)
	}
	return resp.Body, aws.ToInt64(resp.ContentLength), nil
}

// GetRange issues a ranged GET.
func (b *AWSBackend) GetRange(ctx context.Context, id string, offset, length int64) (io.ReadCloser, error) {
	resp, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.Bucket),
		Key:    aws.String(b.key(id)),
		Range:  aws.String(fmt.Sprintf("bytes=%d-%d", offset, offset+length-1)),
	})
	if err != nil {
		if isAWSNotFound(err) {
			return nil, ErrBlobNotFound
		}
		return nil, fmt.Errorf("getting blob %s range from S3: %w", id, err)
	}
	return resp.Body, nil
}

// Delete removes the blob. S3 deletes are idempotent.
func (b *AWSBackend) Delete(ctx context.Context, id string) error {
	_, err := b.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(b.Bucket),
		Key:    aws.String(b.key(id)),
	})
	if err != nil && !isAWSNotFound(err) {
		return fmt.Errorf("deleting blob %s from S3: %w", id, err)
	}
	return nil
}

// Exists issues a HEAD request.
func (b *AWSBackend) Exists(ctx context.Context, id string) (bool, error) {
	_, err := b.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(b.Bucket),
		Key:    aws.String(b.key(id)),
	})
	if err != nil {
		if isAWSNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("checking blob %s in S3: %w", id, err)
	}
	return true, nil
}

// List pages through every key under the blob prefix.
func (b *AWSBackend) List(ctx context.Context) ([]string, error) {
	prefix := b.key("")
	p := s3.NewListObjectsV2Paginator(b.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(b.Bucket),
		Prefix: aws.String(prefix),
	})
	var ids []string
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("listing blobs in S3: %w", err)
		}
		for _, obj := range page.Contents {
			ids = append(ids, strings.TrimPrefix(aws.ToString(obj.Key), prefix))
		}
	}
	return ids, nil
}

// HealthCheck issues HeadBucket against the upstream bucket.
func (b *AWSBackend) HealthCheck(ctx context.Context) error {
	_, err := b.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(b.Bucket)})
	return err
}

// isAWSNotFound checks if an AWS error is a 404/NoSuchKey/NotFound error.
func isAWSNotFound(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound", "404":
			return true
		}
	}
	var noSuchKey *types.NoSuchKey
	if errors.As(err, &noSuchKey) {
		return true
	}
	var respErr interface{ HTTPStatusCode() int }
	return errors.As(err, &respErr) && respErr.HTTPStatusCode() == 404
}

var _ Backend = (*AWSBackend)(nil)
