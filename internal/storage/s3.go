package storage

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/rs/zerolog/log"
)

// maxDeleteBatch is the S3 DeleteObjects limit per call.
const maxDeleteBatch = 1000

// S3API is the subset of the S3 client used by S3Store.
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObjects(ctx context.Context, params *s3.DeleteObjectsInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error)
}

// S3Store implements ObjectStore on an S3 bucket. It also works against
// S3-compatible services (e.g. Supabase Storage) when the client is built
// with a custom endpoint and publicBaseURL points at the public object route.
type S3Store struct {
	client        S3API
	bucket        string
	region        string
	publicBaseURL string
}

// Compile-time interface check.
var _ ObjectStore = (*S3Store)(nil)

// NewS3Store creates an S3Store. publicBaseURL may be empty, in which case
// virtual-hosted S3 URLs are returned.
func NewS3Store(client S3API, bucket, region, publicBaseURL string) *S3Store {
	return &S3Store{
		client:        client,
		bucket:        bucket,
		region:        region,
		publicBaseURL: strings.TrimRight(publicBaseURL, "/"),
	}
}

// Put uploads body to the bucket under path.
func (s *S3Store) Put(ctx context.Context, path string, body io.Reader, contentType string) error {
	log.Debug().Str("bucket", s.bucket).Str("key", path).Str("contentType", contentType).Msg("Uploading object to S3")
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      &s.bucket,
		Key:         &path,
		Body:        body,
		ContentType: &contentType,
	})
	if err != nil {
		return fmt.Errorf("S3 PutObject %s: %w", path, err)
	}
	return nil
}

// PublicURL returns the public URL for path.
func (s *S3Store) PublicURL(path string) string {
	escaped := escapeKey(path)
	if s.publicBaseURL != "" {
		return s.publicBaseURL + "/" + escaped
	}
	return fmt.Sprintf("https://%s.s3.%s.amazonaws.com/%s", s.bucket, s.region, escaped)
}

// Delete removes paths in batches of maxDeleteBatch. Per-key failures
// reported by S3 are collected into the returned error.
func (s *S3Store) Delete(ctx context.Context, paths []string) error {
	var failed []string
	for i := 0; i < len(paths); i += maxDeleteBatch {
		end := min(i+maxDeleteBatch, len(paths))

		objects := make([]types.ObjectIdentifier, 0, end-i)
		for _, p := range paths[i:end] {
			objects = append(objects, types.ObjectIdentifier{Key: aws.String(p)})
		}

		out, err := s.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: &s.bucket,
			Delete: &types.Delete{Objects: objects, Quiet: aws.Bool(true)},
		})
		if err != nil {
			return fmt.Errorf("S3 DeleteObjects: %w", err)
		}
		for _, e := range out.Errors {
			failed = append(failed, fmt.Sprintf("%s (%s)", aws.ToString(e.Key), aws.ToString(e.Code)))
		}
	}
	if len(failed) > 0 {
		return fmt.Errorf("S3 DeleteObjects failed for %d keys: %s", len(failed), strings.Join(failed, ", "))
	}
	return nil
}

// escapeKey percent-encodes each path segment, keeping the separators.
func escapeKey(key string) string {
	segments := strings.Split(key, "/")
	for i, seg := range segments {
		segments[i] = url.PathEscape(seg)
	}
	return strings.Join(segments, "/")
}
