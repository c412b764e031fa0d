package media

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Store resolves opaque media refs into URLs platform adapters can hand to
// the remote API.
type Store interface {
	ResolveURL(ctx context.Context, ref string) (string, error)
}

// S3Store serves media refs as presigned GET URLs from one bucket.
type S3Store struct {
	presigner *s3.PresignClient
	bucket    string
	ttl       time.Duration
}

// NewS3Store loads AWS config from the environment and builds a presigner.
func NewS3Store(ctx context.Context, bucket string, ttl time.Duration) (*S3Store, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(cfg)
	return &S3Store{
		presigner: s3.NewPresignClient(client),
		bucket:    bucket,
		ttl:       ttl,
	}, nil
}

// ResolveURL presigns a GET for the object the ref names. The TTL must
// comfortably exceed the publish timeout so platforms can fetch the media
// during the attempt.
func (s *S3Store) ResolveURL(ctx context.Context, ref string) (string, error) {
	req, err := s.presigner.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(ref),
	}, s3.WithPresignExpires(s.ttl))
	if err != nil {
		return "", fmt.Errorf("presign media %s: %w", ref, err)
	}
	return req.URL, nil
}
