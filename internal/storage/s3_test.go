package storage

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

type fakeS3 struct {
	puts       map[string]string
	putTypes   map[string]string
	deleteReqs [][]string
	putErr     error
	deleteErrs []types.Error
}

func newFakeS3() *fakeS3 {
	return &fakeS3{puts: map[string]string{}, putTypes: map[string]string{}}
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.putErr != nil {
		return nil, f.putErr
	}
	body, _ := io.ReadAll(in.Body)
	f.puts[aws.ToString(in.Key)] = string(body)
	f.putTypes[aws.ToString(in.Key)] = aws.ToString(in.ContentType)
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) DeleteObjects(_ context.Context, in *s3.DeleteObjectsInput, _ ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error) {
	var keys []string
	for _, o := range in.Delete.Objects {
		keys = append(keys, aws.ToString(o.Key))
	}
	f.deleteReqs = append(f.deleteReqs, keys)
	return &s3.DeleteObjectsOutput{Errors: f.deleteErrs}, nil
}

func TestS3Store_Put(t *testing.T) {
	fake := newFakeS3()
	store := NewS3Store(fake, "media", "us-east-1", "")

	err := store.Put(context.Background(), "BrandA/1700000000_a.jpg", strings.NewReader("data"), "image/jpeg")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if fake.puts["BrandA/1700000000_a.jpg"] != "data" {
		t.Errorf("object body not stored")
	}
	if fake.putTypes["BrandA/1700000000_a.jpg"] != "image/jpeg" {
		t.Errorf("unexpected content type: %s", fake.putTypes["BrandA/1700000000_a.jpg"])
	}
}

func TestS3Store_PutError(t *testing.T) {
	fake := newFakeS3()
	fake.putErr = errors.New("denied")
	store := NewS3Store(fake, "media", "us-east-1", "")

	err := store.Put(context.Background(), "k", strings.NewReader(""), "x")
	if err == nil || !strings.Contains(err.Error(), "denied") {
		t.Errorf("expected wrapped error, got %v", err)
	}
}

func TestS3Store_PublicURL(t *testing.T) {
	tests := []struct {
		name string
		base string
		path string
		want string
	}{
		{
			name: "virtual hosted",
			path: "BrandA/1_photo.jpg",
			want: "https://media.s3.eu-west-1.amazonaws.com/BrandA/1_photo.jpg",
		},
		{
			name: "custom base with trailing slash",
			base: "https://proj.supabase.co/storage/v1/object/public/media/",
			path: "BrandA/1_photo.jpg",
			want: "https://proj.supabase.co/storage/v1/object/public/media/BrandA/1_photo.jpg",
		},
		{
			name: "segments are escaped",
			base: "https://cdn.example.com",
			path: "Brand A/1_my photo.jpg",
			want: "https://cdn.example.com/Brand%20A/1_my%20photo.jpg",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := NewS3Store(newFakeS3(), "media", "eu-west-1", tt.base)
			if got := store.PublicURL(tt.path); got != tt.want {
				t.Errorf("PublicURL = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestS3Store_DeleteBatches(t *testing.T) {
	fake := newFakeS3()
	store := NewS3Store(fake, "media", "us-east-1", "")

	paths := make([]string, 1500)
	for i := range paths {
		paths[i] = "k"
	}
	if err := store.Delete(context.Background(), paths); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(fake.deleteReqs) != 2 {
		t.Fatalf("expected 2 batches, got %d", len(fake.deleteReqs))
	}
	if len(fake.deleteReqs[0]) != 1000 || len(fake.deleteReqs[1]) != 500 {
		t.Errorf("unexpected batch sizes: %d, %d", len(fake.deleteReqs[0]), len(fake.deleteReqs[1]))
	}
}

func TestS3Store_DeleteReportsKeyErrors(t *testing.T) {
	fake := newFakeS3()
	fake.deleteErrs = []types.Error{{Key: aws.String("a"), Code: aws.String("AccessDenied")}}
	store := NewS3Store(fake, "media", "us-east-1", "")

	err := store.Delete(context.Background(), []string{"a", "b"})
	if err == nil || !strings.Contains(err.Error(), "AccessDenied") {
		t.Errorf("expected key error, got %v", err)
	}
}
