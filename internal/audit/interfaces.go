package audit

import (
	"context"
	"io"
	"time"
)

// Crawler produces the page set for a site. A timeout or network failure is
// an error; a partial crawl is never returned as complete.
type Crawler interface {
	Crawl(ctx context.Context, url string, opts Options) (PageSet, error)
}

// PerformanceMeasurer runs the performance stage for a URL.
type PerformanceMeasurer interface {
	MeasurePerformance(ctx context.Context, url string, opts Options) (PerformanceReport, error)
}

// JobStore persists audit jobs. Only the job manager writes to it.
type JobStore interface {
	CreateJob(ctx context.Context, job Job) error
	SaveJob(ctx context.Context, job Job) error
	GetJob(ctx context.Context, jobID string) (Job, error)
	// DeleteJobsBefore removes terminal jobs created before cutoff.
	DeleteJobsBefore(ctx context.Context, cutoff time.Time) (int, error)
}

// BlobStore writes report artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Publisher pushes completion events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Hasher computes digests for report artifacts.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces job IDs.
type IDGenerator interface {
	NewID() (string, error)
}
