package snapshot

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/veritaslabs/keel/pkg/canonical"
)

// s3API is the subset of the S3 client used here, extracted for testing.
type s3API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, opts ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
}

// S3Store keeps snapshots in an S3 bucket under <prefix>/<fanout>/<digest>.
// Objects are never overwritten with different content since the key is the
// digest itself.
type S3Store struct {
	client s3API
	bucket string
	prefix string
	hasher *canonical.Hasher
}

// NewS3Store builds a store from the ambient AWS configuration.
func NewS3Store(ctx context.Context, bucket, prefix string, h *canonical.Hasher) (*S3Store, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return &S3Store{
		client: s3.NewFromConfig(cfg),
		bucket: bucket,
		prefix: strings.Trim(prefix, "/"),
		hasher: h,
	}, nil
}

// NewS3StoreWithClient wraps an existing client. Used by tests.
func NewS3StoreWithClient(client s3API, bucket, prefix string, h *canonical.Hasher) *S3Store {
	return &S3Store{client: client, bucket: bucket, prefix: strings.Trim(prefix, "/"), hasher: h}
}

func (s *S3Store) Put(ctx context.Context, content []byte) (string, error) {
	digest := s.hasher.HashBytes(content)
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(s.key(digest)),
		Body:        bytes.NewReader(content),
		ContentType: aws.String("application/octet-stream"),
	})
	if err != nil {
		return "", fmt.Errorf("put snapshot to s3: %w", err)
	}
	return string(s.hasher.Algorithm()) + ":" + digest, nil
}

func (s *S3Store) Get(ctx context.Context, ref string) ([]byte, error) {
	digest, err := s.digestOf(ref)
	if err != nil {
		return nil, err
	}
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(digest)),
	})
	if err != nil {
		if isS3NotFound(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, ref)
		}
		return nil, fmt.Errorf("get snapshot from s3: %w", err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("read snapshot body: %w", err)
	}
	if s.hasher.HashBytes(data) != digest {
		return nil, fmt.Errorf("snapshot %s: content does not match reference", ref)
	}
	return data, nil
}

func (s *S3Store) Exists(ctx context.Context, ref string) (bool, error) {
	digest, err := s.digestOf(ref)
	if err != nil {
		return false, err
	}
	_, err = s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(digest)),
	})
	if err != nil {
		if isS3NotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("head snapshot: %w", err)
	}
	return true, nil
}

func (s *S3Store) key(digest string) string {
	if s.prefix == "" {
		return digest[:2] + "/" + digest
	}
	return s.prefix + "/" + digest[:2] + "/" + digest
}

func (s *S3Store) digestOf(ref string) (string, error) {
	prefix := string(s.hasher.Algorithm()) + ":"
	if !strings.HasPrefix(ref, prefix) {
		return "", fmt.Errorf("malformed snapshot reference %q", ref)
	}
	return strings.TrimPrefix(ref, prefix), nil
}

func isS3NotFound(err error) bool {
	var apiErr interface{ ErrorCode() string }
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		return code == "NoSuchKey" || code == "NotFound"
	}
	return false
}
