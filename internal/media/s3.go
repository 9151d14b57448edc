// Package media is the blob store gateway. It issues short-lived signed URLs
// for uploading and downloading opaque blobs; the vault never handles the bytes.
package media

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// PresignedURL is a signed request target plus the headers the caller must send with it.
type PresignedURL struct {
	URL       string
	Headers   http.Header
	ExpiresAt time.Time
}

// Gateway issues signed URLs for blob storage keys.
type Gateway interface {
	PresignUpload(ctx context.Context, key, contentType string) (PresignedURL, error)
	PresignDownload(ctx context.Context, key string, ttl time.Duration) (PresignedURL, error)
}

// S3Client implements Gateway over S3 or an S3-compatible service such as MinIO or R2.
type S3Client struct {
	presign *s3.PresignClient
	bucket  string
	ttl     time.Duration // Lifetime of upload URLs
}

// NewS3Client creates an S3 gateway with static credentials and path-style addressing.
func NewS3Client(ctx context.Context, endpoint, region, bucket, accessKey, secretKey string, ttl time.Duration) (*S3Client, error) {
	opts := []func(*config.LoadOptions) error{
		config.WithRegion(region),
	}
	if accessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(accessKey, secretKey, "")))
	}
	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
		o.UsePathStyle = true // Required for MinIO and other S3-compatible services
	})

	return &S3Client{
		presign: s3.NewPresignClient(client),
		bucket:  bucket,
		ttl:     ttl,
	}, nil
}

// PresignUpload returns a signed PUT for key. The content type is part of the
// signature, so the returned headers must be replayed verbatim.
func (s *S3Client) PresignUpload(ctx context.Context, key, contentType string) (PresignedURL, error) {
	req, err := s.presign.PresignPutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		ContentType: aws.String(contentType),
	}, s3.WithPresignExpires(s.ttl))
	if err != nil {
		return PresignedURL{}, fmt.Errorf("failed to presign upload: %w", err)
	}

	headers := http.Header{}
	for k, v := range req.SignedHeader {
		// Host is set by the HTTP client
		if strings.EqualFold(k, "host") {
			continue
		}
		headers[k] = v
	}
	return PresignedURL{URL: req.URL, Headers: headers, ExpiresAt: time.Now().Add(s.ttl).UTC()}, nil
}

// PresignDownload returns a signed GET for key valid for ttl.
func (s *S3Client) PresignDownload(ctx context.Context, key string, ttl time.Duration) (PresignedURL, error) {
	req, err := s.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(ttl))
	if err != nil {
		return PresignedURL{}, fmt.Errorf("failed to presign download: %w", err)
	}
	return PresignedURL{URL: req.URL, ExpiresAt: time.Now().Add(ttl).UTC()}, nil
}

// Local is a development Gateway that hands out unsigned URLs under a base URL.
type Local struct {
	base string
	ttl  time.Duration
	now  func() time.Time
}

// NewLocal returns a Local gateway that serves keys directly under baseURL.
func NewLocal(baseURL string, ttl time.Duration) *Local {
	return &Local{base: strings.TrimRight(baseURL, "/"), ttl: ttl, now: time.Now}
}

func (l *Local) url(key string, expires time.Time) string {
	q := url.Values{}
	q.Set("expires", strconv.FormatInt(expires.Unix(), 10))
	return l.base + "/" + key + "?" + q.Encode()
}

func (l *Local) PresignUpload(ctx context.Context, key, contentType string) (PresignedURL, error) {
	expires := l.now().Add(l.ttl).UTC()
	return PresignedURL{
		URL:       l.url(key, expires),
		Headers:   http.Header{"Content-Type": []string{contentType}},
		ExpiresAt: expires,
	}, nil
}

func (l *Local) PresignDownload(ctx context.Context, key string, ttl time.Duration) (PresignedURL, error) {
	expires := l.now().Add(ttl).UTC()
	return PresignedURL{URL: l.url(key, expires), ExpiresAt: expires}, nil
}
