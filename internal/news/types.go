package news

import (
	"net/http"
	"time"
)

// Record is one news item extracted from a listing page.
type Record struct {
	Title string `json:"title"`
	Link  string `json:"link"`
	Image string `json:"image"`
}

// Valid reports whether the record carries the fields every surfaced record must have.
func (r Record) Valid() bool {
	return r.Title != "" && r.Link != ""
}

// PageStatus describes how a page fetch ended.
type PageStatus string

// Page status values. Only PageStatusOK carries records.
const (
	PageStatusOK        PageStatus = "ok"
	PageStatusEmpty     PageStatus = "empty"
	PageStatusExhausted PageStatus = "exhausted"
	PageStatusDisabled  PageStatus = "disabled"
	PageStatusCanceled  PageStatus = "canceled"
)

// StopReasonBudget marks an aggregate whose every page yielded records.
const StopReasonBudget PageStatus = "budget"

// AttemptOutcome classifies a single fetch attempt.
type AttemptOutcome string

// Attempt outcomes.
const (
	OutcomeOK             AttemptOutcome = "ok"
	OutcomeTransportError AttemptOutcome = "transport_error"
	OutcomeExtractionMiss AttemptOutcome = "extraction_miss"
)

// Attempt is the transient record of one try at fetching a page.
type Attempt struct {
	Page    int
	Index   int
	Outcome AttemptOutcome
}

// PageResult is the ordered record list produced by one page fetch.
// An empty Records slice is a valid value; Status says why it is empty.
type PageResult struct {
	Page     int
	Records  []Record
	Status   PageStatus
	Attempts int
	Err      error
}

// Summary strips the records off a page result.
func (p PageResult) Summary() PageSummary {
	s := PageSummary{
		Page:     p.Page,
		Status:   p.Status,
		Records:  len(p.Records),
		Attempts: p.Attempts,
	}
	if p.Err != nil {
		s.Error = p.Err.Error()
	}
	return s
}

// PageSummary is the per-page bookkeeping kept alongside an aggregate.
type PageSummary struct {
	Page     int        `json:"page"`
	Status   PageStatus `json:"status"`
	Records  int        `json:"records"`
	Attempts int        `json:"attempts"`
	Error    string     `json:"error,omitempty"`
}

// Aggregate concatenates page results in page order.
type Aggregate struct {
	Records    []Record      `json:"records"`
	Pages      []PageSummary `json:"pages"`
	StopReason PageStatus    `json:"stop_reason"`
}

// Snapshot is the single cache entry: the latest aggregate and when it was produced.
type Snapshot struct {
	Data       Aggregate `json:"data"`
	ProducedAt time.Time `json:"produced_at"`
}

// Age returns how old the snapshot is relative to now.
func (s Snapshot) Age(now time.Time) time.Duration {
	return now.Sub(s.ProducedAt)
}

// FetchRequest captures everything a transport needs to fetch one listing page.
type FetchRequest struct {
	Page    int
	URL     string
	Headers http.Header
}

// FetchResponse is returned by transports. Body is already decoded text.
type FetchResponse struct {
	URL        string
	StatusCode int
	Headers    http.Header
	Body       []byte
	Duration   time.Duration
	Rendered   bool
}

// RefreshEvent is published after every cache refresh.
type RefreshEvent struct {
	ID           string        `json:"id"`
	ProducedAt   time.Time     `json:"produced_at"`
	Records      int           `json:"records"`
	PagesFetched int           `json:"pages_fetched"`
	StopReason   PageStatus    `json:"stop_reason"`
	DurationMs   int64         `json:"duration_ms"`
	Pages        []PageSummary `json:"pages,omitempty"`
}
