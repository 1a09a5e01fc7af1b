// Package storage wraps the object store that holds uploaded channel media.
//
// Objects are written once under a category-prefixed key and served from a
// public URL. The store also supports batch deletion so a partially uploaded
// album can be rolled back.
package storage

import (
	"context"
	"io"
)

// ObjectStore is the capability the media uploader depends on.
type ObjectStore interface {
	// Put writes body under path with the given content type.
	Put(ctx context.Context, path string, body io.Reader, contentType string) error

	// PublicURL returns the URL downstream consumers use to fetch path.
	PublicURL(path string) string

	// Delete removes every path. Missing objects are not an error.
	Delete(ctx context.Context, paths []string) error
}
