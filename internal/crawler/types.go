package crawler

import (
	"maps"
	"net/http"
	"slices"
	"time"
)

// RequestState represents where a request sits in its lifecycle.
type RequestState string

// Request states persisted by every storage backend.
const (
	RequestPending    RequestState = "pending"
	RequestInProgress RequestState = "in_progress"
	RequestHandled    RequestState = "handled"
	RequestFailed     RequestState = "failed"
)

// Terminal reports whether the state can no longer change.
func (s RequestState) Terminal() bool {
	return s == RequestHandled || s == RequestFailed
}

// Request is a unit of crawl work owned by the request queue.
type Request struct {
	ID            string         `json:"id"`
	UniqueKey     string         `json:"unique_key"`
	URL           string         `json:"url"`
	Method        string         `json:"method"`
	Payload       []byte         `json:"payload,omitempty"`
	Headers       http.Header    `json:"headers,omitempty"`
	Label         string         `json:"label,omitempty"`
	UserData      map[string]any `json:"user_data,omitempty"`
	RetryCount    int            `json:"retry_count"`
	State         RequestState   `json:"state"`
	HandledAt     *time.Time     `json:"handled_at,omitempty"`
	NoRetry       bool           `json:"no_retry,omitempty"`
	ErrorMessages []string       `json:"error_messages,omitempty"`
}

// Clone returns a deep copy so backends never share mutable state with callers.
func (r *Request) Clone() *Request {
	if r == nil {
		return nil
	}
	cp := *r
	cp.Payload = slices.Clone(r.Payload)
	cp.Headers = r.Headers.Clone()
	cp.UserData = maps.Clone(r.UserData)
	cp.ErrorMessages = slices.Clone(r.ErrorMessages)
	if r.HandledAt != nil {
		at := *r.HandledAt
		cp.HandledAt = &at
	}
	return &cp
}

// PushErrorMessage records a failure reason on the request history.
func (r *Request) PushErrorMessage(msg string) {
	const maxMessages = 10
	r.ErrorMessages = append(r.ErrorMessages, msg)
	if len(r.ErrorMessages) > maxMessages {
		r.ErrorMessages = r.ErrorMessages[len(r.ErrorMessages)-maxMessages:]
	}
}

// FetchRequest captures everything needed to fetch a request with a session identity.
type FetchRequest struct {
	URL       string
	Method    string
	Payload   []byte
	Headers   http.Header
	ProxyURL  string
	SessionID string
	CookieJar http.CookieJar
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
