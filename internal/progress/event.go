package progress

import (
	"errors"
	"fmt"
	"net/url"
	"time"
)

// Stage names the milestone an Event records.
type Stage string

// Progress stages.
const (
	StageRunStart       Stage = "RUN_START"
	StageRunDone        Stage = "RUN_DONE"
	StageRequestStart   Stage = "REQUEST_START"
	StageRequestDone    Stage = "REQUEST_DONE"
	StageRequestRetry   Stage = "REQUEST_RETRY"
	StageRequestFailed  Stage = "REQUEST_FAILED"
	StageScale          Stage = "SCALE"
	StageSessionRetired Stage = "SESSION_RETIRED"
)

// StatusClass is a coarse HTTP response grouping.
type StatusClass string

// HTTP status classes.
const (
	Status2xx   StatusClass = "2xx"
	Status3xx   StatusClass = "3xx"
	Status4xx   StatusClass = "4xx"
	Status5xx   StatusClass = "5xx"
	StatusOther StatusClass = "other"
)

// Event is one progress record.
type Event struct {
	RunID       string        `json:"run_id"`
	TS          time.Time     `json:"ts"`
	Stage       Stage         `json:"stage"`
	RequestID   string        `json:"request_id,omitempty"`
	URL         string        `json:"url,omitempty"`
	Site        string        `json:"site,omitempty"`
	Label       string        `json:"label,omitempty"`
	Path        string        `json:"path,omitempty"`
	SessionID   string        `json:"session_id,omitempty"`
	StatusCode  int           `json:"status_code,omitempty"`
	StatusClass StatusClass   `json:"status_class,omitempty"`
	Bytes       int64         `json:"bytes,omitempty"`
	Retry       int           `json:"retry,omitempty"`
	Concurrency int           `json:"concurrency,omitempty"`
	Dur         time.Duration `json:"dur,omitempty"`
	// Note carries low-volume context such as an error message.
	Note string `json:"note,omitempty"`
}

// Validate rejects events missing the fields their stage needs.
func (e Event) Validate() error {
	if e.RunID == "" {
		return errors.New("run id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageRunStart, StageRunDone:
	case StageRequestStart, StageRequestRetry, StageRequestFailed:
		if e.RequestID == "" {
			return fmt.Errorf("%s requires request id", e.Stage)
		}
	case StageRequestDone:
		if e.RequestID == "" {
			return fmt.Errorf("%s requires request id", e.Stage)
		}
		if e.StatusClass == "" {
			return fmt.Errorf("%s requires status class", e.Stage)
		}
	case StageScale:
		if e.Concurrency < 1 {
			return errors.New("scale requires concurrency >= 1")
		}
	case StageSessionRetired:
		if e.SessionID == "" {
			return errors.New("session retired requires session id")
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// ClassifyStatus groups HTTP status codes.
func ClassifyStatus(code int) StatusClass {
	switch {
	case code >= 200 && code < 300:
		return Status2xx
	case code >= 300 && code < 400:
		return Status3xx
	case code >= 400 && code < 500:
		return Status4xx
	case code >= 500 && code < 600:
		return Status5xx
	default:
		return StatusOther
	}
}

// SiteOf returns the host of rawURL, or "unknown".
func SiteOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return u.Hostname()
}
