package lookup

import (
	"context"
	"time"

	"github.com/PuerkitoBio/goquery"
)

// Fetcher performs one blocking request and classifies the outcome. It never
// returns an error: failures are encoded in FetchResult.Outcome.
type Fetcher interface {
	Fetch(ctx context.Context, request FetchRequest) FetchResult
}

// Extraction is what an Extractor produced from one document: the record
// assembled from every field that succeeded, plus one FieldError per field
// that did not.
type Extraction struct {
	Record      Record
	FieldErrors []*FieldError
}

// Extractor turns a parsed page into a record. Implementations must be pure:
// no network, no hidden state. A non-nil error (ErrMalformedPage or
// ErrMissingStructuredPayload) means no record should be emitted.
type Extractor interface {
	Extract(doc *goquery.Document) (Extraction, error)
}

// Sink collects records emitted by workers. Put must be safe for concurrent
// use and must not block beyond a short bounded enqueue.
type Sink interface {
	Put(record Record) error
}

// CoverCache remembers the cover URL discovered for a stable identifier.
type CoverCache interface {
	Put(identifier string, coverURL string)
	Get(identifier string) (string, bool)
}

// Searcher discovers additional candidate URLs from free text.
type Searcher interface {
	Discover(ctx context.Context, query Query, timeout time.Duration) ([]string, error)
}

// HeadlessDetector decides whether a probe response needs a rendered fetch.
type HeadlessDetector interface {
	ShouldPromote(probe FetchResult) bool
}

// Hasher computes content digests.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces lookup IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
