package port

import (
	"context"
	"io"
)

// ArtifactStorage uploads worker-produced binary artifacts (thumbnails) to
// the object store.
type ArtifactStorage interface {
	UploadThumbnail(ctx context.Context, objectKey string, reader io.Reader, size int64, contentType string) error
}

// MediaFetcher retrieves protected media bytes to a local file, minting a
// fresh access token per fetch.
type MediaFetcher interface {
	FetchToFile(ctx context.Context, mediaPath string, destPath string) error
}
