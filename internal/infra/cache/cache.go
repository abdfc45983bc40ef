package cache

import (
	"context"
	"time"
)

// Entry is one cached origin response body with the metadata needed to
// serve it, including range requests, without touching the origin again.
type Entry struct {
	Body        []byte
	ContentType string
	FetchedAt   time.Time
}

// Size reports the entry's byte cost against a cache budget.
func (e *Entry) Size() int64 {
	return int64(len(e.Body))
}

// Cache stores full origin responses keyed by normalized request identity.
// A lookup failure of any kind is a miss; implementations log their own
// backend trouble rather than surfacing it into the request path.
type Cache interface {
	Get(ctx context.Context, key string) (*Entry, bool)
	Set(ctx context.Context, key string, entry *Entry, ttl time.Duration)
}
