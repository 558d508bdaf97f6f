package blob

import (
	"bytes"
	"context"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	"github.com/pkg/errors"
)

// S3Client is the part of the S3 API the store uses. *s3.Client satisfies it.
type S3Client interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Presigner signs GET URLs. *s3.PresignClient satisfies it.
type Presigner interface {
	PresignGetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error)
}

// S3 uploads audio to a bucket and hands out presigned GET URLs, so the
// bucket itself can stay private.
type S3 struct {
	client    S3Client
	presigner Presigner
	bucket    string
	ttl       time.Duration
}

func NewS3(client S3Client, presigner Presigner, bucket string, ttl time.Duration) *S3 {
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &S3{client: client, presigner: presigner, bucket: bucket, ttl: ttl}
}

// S3Options configures an S3 or S3 compatible endpoint.
type S3Options struct {
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
}

// NewS3Client builds a client and a presigner from static credentials. A
// custom endpoint (MinIO, R2) switches to path style addressing.
func NewS3Client(o S3Options) (*s3.Client, *s3.PresignClient) {
	opts := s3.Options{
		Region: o.Region,
	}
	if o.AccessKeyID != "" {
		opts.Credentials = credentials.NewStaticCredentialsProvider(o.AccessKeyID, o.SecretAccessKey, "")
	}
	if o.Endpoint != "" {
		opts.BaseEndpoint = aws.String(o.Endpoint)
		opts.UsePathStyle = true
	}
	client := s3.New(opts)
	return client, s3.NewPresignClient(client)
}

func (s *S3) Put(ctx context.Context, key, contentType string, data []byte) (string, error) {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", errors.Wrapf(err, "s3 put %s: %s", key, apiCode(err))
	}
	req, err := s.presigner.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(s.ttl))
	if err != nil {
		return "", errors.Wrapf(err, "s3 presign %s", key)
	}
	return req.URL, nil
}

func apiCode(err error) string {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode()
	}
	return "unknown"
}
