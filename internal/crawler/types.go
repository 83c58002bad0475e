package crawler

import (
	"net/http"
	"slices"
	"time"
)

// FetchTarget identifies a single page awaiting processing. It is immutable once enqueued.
type FetchTarget string

// String returns the raw identifier.
func (t FetchTarget) String() string {
	return string(t)
}

// Field names emitted by extractors.
const (
	FieldEmails   = "emails"
	FieldPhones   = "phones"
	FieldHashtags = "hashtags"
	FieldMentions = "mentions"
	FieldCaption  = "caption"
)

// Fields maps a field name to its extracted values.
type Fields map[string][]string

// Clone returns a deep copy of f.
func (f Fields) Clone() Fields {
	if f == nil {
		return nil
	}
	out := make(Fields, len(f))
	for k, v := range f {
		out[k] = slices.Clone(v)
	}
	return out
}

// First returns the first value recorded for name, or "".
func (f Fields) First(name string) string {
	if vals := f[name]; len(vals) > 0 {
		return vals[0]
	}
	return ""
}

// Extraction is what an Extractor derives from one page.
type Extraction struct {
	Owner     string
	Fields    Fields
	Inspected int
}

// ExtractedItem is the result of successfully processing one FetchTarget.
// Ownership moves from the worker that created it to the batch writer.
type ExtractedItem struct {
	URL       string    `json:"url"`
	Owner     string    `json:"username"`
	Fields    Fields    `json:"fields"`
	Inspected int       `json:"comments_found"`
	CreatedAt time.Time `json:"timestamp"`
	BatchID   string    `json:"batch_id"`
}

// FetchRequest captures everything needed to fetch a URL.
type FetchRequest struct {
	URL     string
	Headers http.Header
}

// FetchResponse is the result returned by a Fetcher implementation.
type FetchResponse struct {
	URL          string
	StatusCode   int
	Headers      http.Header
	Body         []byte
	Duration     time.Duration
	UsedHeadless bool
}

// Limits bounds a single orchestration run for a subscription tier.
type Limits struct {
	MaxEntities  int `json:"max_accounts" mapstructure:"max_accounts"`
	MaxItems     int `json:"max_posts" mapstructure:"max_posts"`
	MaxPageBound int `json:"max_google_pages" mapstructure:"max_google_pages"`

	// MaxProfileItems caps the posts a single-profile run may process.
	MaxProfileItems int `json:"max_user_posts,omitempty" mapstructure:"max_user_posts"`
}

// RunInfo describes an orchestration run as it starts.
type RunInfo struct {
	ID        string    `json:"run_id"`
	Keyword   string    `json:"keyword"`
	Tier      string    `json:"tier"`
	StartedAt time.Time `json:"started_at"`
}

// RunSummary describes a finished orchestration run.
type RunSummary struct {
	RunInfo
	FinishedAt     time.Time `json:"finished_at"`
	Candidates     int       `json:"candidates"`
	Accepted       int       `json:"accepted"`
	UniqueEntities int       `json:"unique_accounts"`
	Status         string    `json:"status"`
}
