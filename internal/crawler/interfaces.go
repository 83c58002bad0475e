package crawler

import (
	"context"
	"io"
	"time"
)

// LinkCollector discovers candidate pages for a keyword. It may return fewer
// targets than requested.
type LinkCollector interface {
	Collect(ctx context.Context, keyword string, pageBound int) ([]FetchTarget, error)
}

// Fetcher fetches a URL and returns the body plus metadata. Timeouts are
// reported as ErrFetchTimeout, everything else as ErrFetch.
type Fetcher interface {
	Fetch(ctx context.Context, request FetchRequest) (FetchResponse, error)
}

// Extractor derives the owning entity and field values from raw page content.
// Implementations must not perform I/O.
type Extractor interface {
	Extract(raw []byte, target FetchTarget) (Extraction, error)
}

// TierLimits resolves the limits that apply to a tier name.
type TierLimits interface {
	Limits(tier string) Limits
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Publisher pushes notifications to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Hasher digests identifiers before they are persisted.
type Hasher interface {
	Hash(identifier string) string
}

// Clock returns the current time and sleeps (useful for testing).
type Clock interface {
	Now() time.Time
	Sleep(ctx context.Context, d time.Duration) error
}

// IDGenerator produces run IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}

// RunRecorder keeps a durable history of orchestration runs.
type RunRecorder interface {
	StartRun(ctx context.Context, run RunInfo) error
	FinishRun(ctx context.Context, summary RunSummary) error
}
