// Package media uploads downloaded channel media to object storage.
//
// Each upload is retried under a retry.Policy. A failed upload is reported
// as an empty UploadResult rather than an error: the caller decides whether
// the item or the whole album is lost, and rolls back sibling uploads through
// Rollback when an album cannot be completed.
package media

import (
	"context"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/fpang/channel-relay/internal/retry"
	"github.com/fpang/channel-relay/internal/storage"
)

// DefaultContentType is used when the extension is unknown.
const DefaultContentType = "application/octet-stream"

// Default upload retry settings.
const (
	DefaultAttempts = 3
	DefaultBackoff  = 2 * time.Second
)

// imageTypes and videoTypes cover the formats channels commonly post.
var imageTypes = map[string]string{
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
	".gif":  "image/gif",
	".webp": "image/webp",
	".heic": "image/heic",
	".heif": "image/heif",
}

var videoTypes = map[string]string{
	".mp4":  "video/mp4",
	".mov":  "video/quicktime",
	".avi":  "video/x-msvideo",
	".webm": "video/webm",
	".mkv":  "video/x-matroska",
}

// UploadResult is the outcome of one upload. Both fields are empty when
// every attempt failed; StoragePath is what Rollback needs.
type UploadResult struct {
	PublicURL   string
	StoragePath string
}

// OK reports whether the upload succeeded.
func (r UploadResult) OK() bool {
	return r.PublicURL != "" && r.StoragePath != ""
}

// Uploader uploads local files into category-prefixed storage paths.
type Uploader struct {
	store  storage.ObjectStore
	policy retry.Policy
	now    func() time.Time
}

// NewUploader creates an Uploader backed by store.
func NewUploader(store storage.ObjectStore, policy retry.Policy) *Uploader {
	return &Uploader{store: store, policy: policy, now: time.Now}
}

// RemotePath builds "{category}/{unix}_{filename}".
func RemotePath(category, localPath string, now time.Time) string {
	return fmt.Sprintf("%s/%d_%s", category, now.Unix(), filepath.Base(localPath))
}

// ContentType infers a MIME type from the file extension.
func ContentType(path string) string {
	ext := strings.ToLower(filepath.Ext(path))
	if ct, ok := imageTypes[ext]; ok {
		return ct
	}
	if ct, ok := videoTypes[ext]; ok {
		return ct
	}
	if ct := mime.TypeByExtension(ext); ct != "" {
		return ct
	}
	return DefaultContentType
}

// Upload stores localPath under category. The remote path is fixed before the
// first attempt so retries overwrite rather than duplicate.
func (u *Uploader) Upload(ctx context.Context, localPath, category string) UploadResult {
	remotePath := RemotePath(category, localPath, u.now())
	contentType := ContentType(localPath)
	start := time.Now()

	err := u.policy.Do(ctx, func(ctx context.Context, attempt int) error {
		f, err := os.Open(localPath)
		if err != nil {
			return fmt.Errorf("open %s: %w", localPath, err)
		}
		defer f.Close()

		if err := u.store.Put(ctx, remotePath, f, contentType); err != nil {
			log.Warn().
				Err(err).
				Int("attempt", attempt).
				Str("path", remotePath).
				Msg("Media upload attempt failed")
			return err
		}
		return nil
	})
	if err != nil {
		log.Error().
			Err(err).
			Str("path", remotePath).
			Str("category", category).
			Msg("Media upload failed after retries")
		return UploadResult{}
	}

	log.Info().
		Str("path", remotePath).
		Str("contentType", contentType).
		Dur("elapsed", time.Since(start)).
		Msg("Media uploaded")
	return UploadResult{PublicURL: u.store.PublicURL(remotePath), StoragePath: remotePath}
}

// Rollback deletes already-uploaded paths. Failures are logged, never returned.
func (u *Uploader) Rollback(ctx context.Context, paths []string) {
	if len(paths) == 0 {
		return
	}
	if err := u.store.Delete(ctx, paths); err != nil {
		log.Error().Err(err).Strs("paths", paths).Msg("Rollback of uploaded media failed")
		return
	}
	log.Warn().Strs("paths", paths).Msg("Rolled back uploaded media")
}
