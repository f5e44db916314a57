package news

import (
	"context"
	"io"
	"time"
)

// Fetcher retrieves one listing page over some transport.
type Fetcher interface {
	Fetch(ctx context.Context, request FetchRequest) (FetchResponse, error)
}

// Extractor turns decoded HTML into records.
type Extractor interface {
	Extract(body []byte) ([]Record, error)
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Publisher pushes refresh events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// Sleeper waits between attempts and pages; tests substitute a recording fake.
type Sleeper interface {
	Sleep(ctx context.Context, d time.Duration) error
}

// Hasher derives a stable content address for raw bytes.
type Hasher interface {
	Digest(data []byte) string
}

// IDGenerator mints unique identifiers.
type IDGenerator interface {
	NewID() (string, error)
}
