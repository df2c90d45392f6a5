package lookup

import (
	"net/http"
	"strings"
	"time"
)

// IdentifierISBN is the identifier scheme used for direct lookups.
const IdentifierISBN = "isbn"

// CandidateSource records how a candidate was found.
type CandidateSource string

// Candidate sources, in decreasing order of trust.
const (
	SourceDirect     CandidateSource = "direct"
	SourceDiscovered CandidateSource = "discovered"
)

// Candidate is one page to attempt metadata extraction from.
type Candidate struct {
	URL    string          `json:"url"`
	Source CandidateSource `json:"source"`
	Rank   int             `json:"rank"`
}

// Query carries what the caller knows about the book.
type Query struct {
	Identifiers map[string]string `json:"identifiers,omitempty"`
	Title       string            `json:"title,omitempty"`
	Authors     []string          `json:"authors,omitempty"`
}

// Identifier returns the trimmed identifier value for scheme, or "".
func (q Query) Identifier(scheme string) string {
	if q.Identifiers == nil {
		return ""
	}
	return strings.TrimSpace(q.Identifiers[scheme])
}

// ISBN is shorthand for Identifier(IdentifierISBN).
func (q Query) ISBN() string {
	return q.Identifier(IdentifierISBN)
}

// HasText reports whether the query can drive a free-text search.
func (q Query) HasText() bool {
	if strings.TrimSpace(q.Title) != "" {
		return true
	}
	for _, a := range q.Authors {
		if strings.TrimSpace(a) != "" {
			return true
		}
	}
	return false
}

// Outcome classifies a fetch attempt.
type Outcome int

// Fetch outcomes. The zero value is a transport error so an unset result is
// never mistaken for a success.
const (
	OutcomeTransportError Outcome = iota
	OutcomeSuccess
	OutcomeNotFound
	OutcomeTimeout
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeNotFound:
		return "not_found"
	case OutcomeTimeout:
		return "timeout"
	default:
		return "transport_error"
	}
}

// FetchRequest captures everything needed to fetch a URL.
type FetchRequest struct {
	URL     string
	Timeout time.Duration
	Headers http.Header
}

// FetchResult is the tagged result returned by a Fetcher. Body and
// ContentType are only meaningful when Outcome is OutcomeSuccess; Detail
// explains transport errors.
type FetchResult struct {
	Outcome      Outcome
	URL          string
	StatusCode   int
	ContentType  string
	Body         []byte
	Duration     time.Duration
	Detail       string
	UsedHeadless bool
	// RobotsStatus is "indeterminate" when robots.txt could not be probed
	// and the fetch proceeded under an allow-all fallback.
	RobotsStatus string
}

// Success builds a successful FetchResult.
func Success(url string, body []byte, contentType string) FetchResult {
	return FetchResult{
		Outcome:     OutcomeSuccess,
		URL:         url,
		StatusCode:  http.StatusOK,
		ContentType: contentType,
		Body:        body,
	}
}

// NotFound builds a not-found FetchResult.
func NotFound(url string) FetchResult {
	return FetchResult{Outcome: OutcomeNotFound, URL: url, StatusCode: http.StatusNotFound}
}

// Timeout builds a timed-out FetchResult.
func Timeout(url string) FetchResult {
	return FetchResult{Outcome: OutcomeTimeout, URL: url}
}

// TransportError builds a FetchResult for any other failure.
func TransportError(url, detail string) FetchResult {
	return FetchResult{Outcome: OutcomeTransportError, URL: url, Detail: detail}
}

// OK reports whether the fetch produced content.
func (r FetchResult) OK() bool {
	return r.Outcome == OutcomeSuccess
}

// Record is the structured, possibly partial, metadata for one book. Every
// field is optional; absence is the zero value.
type Record struct {
	Title         string            `json:"title,omitempty"`
	Authors       []string          `json:"authors,omitempty"`
	Rating        float64           `json:"rating"`
	ISBN          string            `json:"isbn,omitempty"`
	Publisher     string            `json:"publisher,omitempty"`
	Language      string            `json:"language,omitempty"`
	PublishedAt   *time.Time        `json:"published_at,omitempty"`
	CoverURL      string            `json:"cover_url,omitempty"`
	Description   string            `json:"description,omitempty"`
	RelevanceRank int               `json:"relevance_rank"`
	SourceURL     string            `json:"source_url,omitempty"`
	Identifiers   map[string]string `json:"identifiers,omitempty"`
	ContentHash   string            `json:"content_hash,omitempty"`
}

// HasCover reports whether the record carries a usable http(s) cover URL.
func (r Record) HasCover() bool {
	u := strings.ToLower(strings.TrimSpace(r.CoverURL))
	return strings.HasPrefix(u, "http://") || strings.HasPrefix(u, "https://")
}

// Clone returns a deep copy so emitted records never share backing arrays.
func (r Record) Clone() Record {
	cp := r
	if r.Authors != nil {
		cp.Authors = append([]string(nil), r.Authors...)
	}
	if r.PublishedAt != nil {
		t := *r.PublishedAt
		cp.PublishedAt = &t
	}
	if r.Identifiers != nil {
		cp.Identifiers = make(map[string]string, len(r.Identifiers))
		for k, v := range r.Identifiers {
			cp.Identifiers[k] = v
		}
	}
	return cp
}
