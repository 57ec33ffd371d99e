// Package target abstracts a replication destination: either a local
// filesystem directory (the common case spec.md §6 models as
// directories.targets[name].path) or a Google Cloud Storage bucket,
// addressed with a gs:// path. A "destination" in the processing queue's
// sense is still just a path string the Copy Engine writes to; this
// package resolves a configured target into the concrete working
// directory (or staged local mirror) the copier and verifier operate on.
//
// Grounded on the teacher's agent/copy.go NewCopyHandler/copyEntireFile,
// which wraps a *storage.Client behind the same
// Metadata/ChunkSize/Writer surface this package exercises; simplified
// from the teacher's resumable-chunk protocol (which matters for
// multi-GB uploads resuming across process restarts) down to a single
// streaming upload, since replicated whole-slide images are staged
// locally by the Copy Engine before this package ever touches them.
package target

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"cloud.google.com/go/storage"
)

// Kind distinguishes the backends this package supports.
type Kind string

const (
	KindLocal Kind = "local"
	KindGCS   Kind = "gcs"
)

// Resolve inspects a configured target path and reports its Kind plus, for
// GCS, the bucket and object-prefix it decomposes into.
func Resolve(path string) (kind Kind, bucket, prefix string) {
	if strings.HasPrefix(path, "gs://") {
		rest := strings.TrimPrefix(path, "gs://")
		parts := strings.SplitN(rest, "/", 2)
		bucket = parts[0]
		if len(parts) == 2 {
			prefix = parts[1]
		}
		return KindGCS, bucket, prefix
	}
	return KindLocal, "", ""
}

// Backend uploads a locally-staged file to a destination once the Copy
// Engine and Verifier have finished with it locally. Local-filesystem
// targets need no Backend at all: the Copy Engine already wrote the final
// path directly. GCS targets stage through a local temp mirror (handled
// upstream by the Copy Engine writing into a cache directory) and then
// call Upload to push the bytes out.
type Backend interface {
	// Upload streams localPath's contents to the backend's object named by
	// objectName, setting the mtime attribute the way the teacher's
	// MTIME_ATTR_NAME convention does, so downstream consumers can recover
	// original timestamps that GCS objects don't carry natively.
	Upload(ctx context.Context, localPath, objectName string, mtimeUnixNano int64) error
	Close() error
}

// GCSBackend uploads through a real *storage.Client.
type GCSBackend struct {
	client *storage.Client
	bucket string
	prefix string
}

// NewGCSBackend builds a Backend bound to bucket/prefix, using client. The
// caller owns client's lifecycle beyond Close, which only releases
// GCSBackend's reference.
func NewGCSBackend(client *storage.Client, bucket, prefix string) *GCSBackend {
	return &GCSBackend{client: client, bucket: bucket, prefix: prefix}
}

const mtimeAttrName = "forker-source-mtime"

// Upload streams localPath into bucket/prefix+objectName, grounded on the
// teacher's copyEntireFile: a storage.Writer with Metadata set before the
// first Write, closed to finalize the object.
func (b *GCSBackend) Upload(ctx context.Context, localPath, objectName string, mtimeUnixNano int64) error {
	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("target: open %s for upload: %w", localPath, err)
	}
	defer f.Close()

	name := objectName
	if b.prefix != "" {
		name = strings.TrimSuffix(b.prefix, "/") + "/" + objectName
	}

	w := b.client.Bucket(b.bucket).Object(name).NewWriter(ctx)
	w.Metadata = map[string]string{
		mtimeAttrName: fmt.Sprintf("%d", mtimeUnixNano),
	}

	if _, err := io.Copy(w, f); err != nil {
		w.Close()
		return fmt.Errorf("target: upload %s to gs://%s/%s: %w", localPath, b.bucket, name, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("target: finalize gs://%s/%s: %w", b.bucket, name, err)
	}
	return nil
}

// Close is a no-op: GCSBackend does not own the *storage.Client it was
// constructed with.
func (b *GCSBackend) Close() error { return nil }
