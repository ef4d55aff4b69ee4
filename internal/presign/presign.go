// Package presign produces SigV4 query-signed URLs for the server's own
// endpoint, using the AWS SDK presigner with the configured credentials.
package presign

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	s3err "github.com/cairnstore/cairn/internal/errors"
)

// Expiry bounds accepted by Presign.
const (
	MinExpiry     = time.Second
	MaxExpiry     = 7 * 24 * time.Hour
	DefaultExpiry = 15 * time.Minute
)

// Options configures a Presigner.
type Options struct {
	// Endpoint is the public base URL of the server.
	Endpoint  string
	Region    string
	AccessKey string
	SecretKey string
}

// Presigner signs GET and PUT object URLs.
type Presigner struct {
	client *s3.PresignClient
}

// New builds a presigner that signs path-style URLs under opts.Endpoint.
func New(opts Options) (*Presigner, error) {
	if opts.Endpoint == "" {
		return nil, fmt.Errorf("presign: endpoint is required")
	}
	if opts.AccessKey == "" || opts.SecretKey == "" {
		return nil, fmt.Errorf("presign: credentials are required")
	}
	client := s3.New(s3.Options{
		Region:       opts.Region,
		BaseEndpoint: aws.String(strings.TrimRight(opts.Endpoint, "/")),
		UsePathStyle: true,
		Credentials:  credentials.NewStaticCredentialsProvider(opts.AccessKey, opts.SecretKey, ""),
	})
	return &Presigner{client: s3.NewPresignClient(client)}, nil
}

// Request is a presigned request.
type Request struct {
	Method       string
	URL          string
	SignedHeader http.Header
	Expires      time.Time
}

// Presign signs method (GET or PUT) on bucket/key, valid for expires.
// Zero expires selects DefaultExpiry.
func (p *Presigner) Presign(ctx context.Context, method, bucket, key string, expires time.Duration) (Request, error) {
	if expires == 0 {
		expires = DefaultExpiry
	}
	if expires < MinExpiry || expires > MaxExpiry {
		return Request{}, s3err.ErrInvalidArgument.WithMessage("Expires must be between %s and %s", MinExpiry, MaxExpiry)
	}
	if bucket == "" || key == "" {
		return Request{}, s3err.ErrInvalidArgument.WithMessage("Bucket and key are required")
	}

	withExpiry := s3.WithPresignExpires(expires)
	var (
		signed *v4.PresignedHTTPRequest
		err    error
	)
	switch strings.ToUpper(method) {
	case http.MethodGet:
		signed, err = p.client.PresignGetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(bucket), Key: aws.String(key)}, withExpiry)
	case http.MethodPut:
		signed, err = p.client.PresignPutObject(ctx, &s3.PutObjectInput{Bucket: aws.String(bucket), Key: aws.String(key)}, withExpiry)
	default:
		return Request{}, s3err.ErrInvalidArgument.WithMessage("Unsupported presign method %q", method)
	}
	if err != nil {
		return Request{}, fmt.Errorf("presigning %s %s/%s: %w", method, bucket, key, err)
	}
	return Request{
		Method:       signed.Method,
		URL:          signed.URL,
		SignedHeader: signed.SignedHeader,
		Expires:      time.Now().UTC().Add(expires),
	}, nil
}
