// Package storage defines the storage-client contract shared by the memory,
// filesystem, and Postgres backends: datasets (append-only item logs),
// key/value stores, and request queues, plus their open/purge/drop lifecycle.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/JakeFAU/crawl-orchestrator/internal/crawler"
)

// Kind names a storage type. The value doubles as the on-disk subtree name.
type Kind string

// Supported storage kinds.
const (
	KindDataset       Kind = "datasets"
	KindKeyValueStore Kind = "key_value_stores"
	KindRequestQueue  Kind = "request_queues"
)

// DefaultAlias is used when neither a name nor an alias is provided.
const DefaultAlias = "default"

// Errors returned by storage clients.
var (
	ErrValidation     = crawler.ErrValidation
	ErrNotFound       = errors.New("storage: not found")
	ErrStorageDropped = errors.New("storage: dropped")
	ErrLockLost       = errors.New("storage: lock lost")
)

var validName = regexp.MustCompile(`^[a-zA-Z0-9]([a-zA-Z0-9-]*[a-zA-Z0-9])?$`)

// ValidateName enforces alphanumerics with interior hyphens.
func ValidateName(name string) error {
	if !validName.MatchString(name) {
		return fmt.Errorf("%w: invalid storage name %q", ErrValidation, name)
	}
	return nil
}

// OpenOptions selects a store. Name and Alias are mutually exclusive.
type OpenOptions struct {
	Name  string
	Alias string
}

// Resolve validates the options and applies the default alias.
func (o OpenOptions) Resolve() (OpenOptions, error) {
	switch {
	case o.Name != "" && o.Alias != "":
		return OpenOptions{}, fmt.Errorf("%w: name and alias are mutually exclusive", ErrValidation)
	case o.Name != "":
		if err := ValidateName(o.Name); err != nil {
			return OpenOptions{}, err
		}
		return o, nil
	case o.Alias != "":
		if err := ValidateName(o.Alias); err != nil {
			return OpenOptions{}, err
		}
		return o, nil
	default:
		return OpenOptions{Alias: DefaultAlias}, nil
	}
}

// Named reports whether the store persists across runs.
func (o OpenOptions) Named() bool { return o.Name != "" }

// Key is a stable identifier for caches.
func (o OpenOptions) Key() string {
	if o.Name != "" {
		return "name:" + o.Name
	}
	return "alias:" + o.Alias
}

// Metadata describes a storage instance.
type Metadata struct {
	ID              string    `json:"id"`
	Name            string    `json:"name,omitempty"`
	Alias           string    `json:"alias,omitempty"`
	Kind            Kind      `json:"kind"`
	CreatedAt       time.Time `json:"created_at"`
	ModifiedAt      time.Time `json:"modified_at"`
	AccessedAt      time.Time `json:"accessed_at"`
	ItemCount       int       `json:"item_count"`
	PendingCount    int       `json:"pending_request_count,omitempty"`
	InProgressCount int       `json:"in_progress_request_count,omitempty"`
	HandledCount    int       `json:"handled_request_count,omitempty"`
	FailedCount     int       `json:"failed_request_count,omitempty"`
	TotalCount      int       `json:"total_request_count,omitempty"`
}

// Options returns the OpenOptions the store was opened with.
func (m Metadata) Options() OpenOptions {
	return OpenOptions{Name: m.Name, Alias: m.Alias}
}

// ItemPage is one page of dataset items.
type ItemPage struct {
	Items  []json.RawMessage
	Offset int
	Limit  int
	Total  int
}

// Record is a key/value entry.
type Record struct {
	Key         string
	Value       []byte
	ContentType string
}

// AddResult reports the dedup outcome of a queue insert.
type AddResult struct {
	RequestID         string
	UniqueKey         string
	WasAlreadyPresent bool
	WasAlreadyHandled bool
}

// Client opens storages on a backend.
type Client interface {
	OpenDataset(ctx context.Context, opts OpenOptions) (DatasetClient, error)
	OpenKeyValueStore(ctx context.Context, opts OpenOptions) (KeyValueClient, error)
	OpenRequestQueue(ctx context.Context, opts OpenOptions) (RequestQueueClient, error)
	Close() error
}

// Lifecycle is shared by every storage kind.
type Lifecycle interface {
	Metadata(ctx context.Context) (Metadata, error)
	// Purge clears contents but keeps identity. Key/value stores drop all records.
	Purge(ctx context.Context) error
	// Drop deletes the store and its data. Dropping twice returns nil.
	Drop(ctx context.Context) error
}

// DatasetClient is an append-only item log.
type DatasetClient interface {
	Lifecycle
	PushItems(ctx context.Context, items ...json.RawMessage) error
	ListItems(ctx context.Context, offset, limit int) (ItemPage, error)
}

// KeyValueClient stores opaque values by key.
type KeyValueClient interface {
	Lifecycle
	GetValue(ctx context.Context, key string) (Record, bool, error)
	SetValue(ctx context.Context, key string, value []byte, contentType string) error
	DeleteValue(ctx context.Context, key string) error
	ListKeys(ctx context.Context) ([]string, error)
}

// RequestQueueClient is the work-queue storage kind.
//
// Entries are ordered forefront first, then by insertion sequence. FetchAndLock
// atomically moves up to limit pending entries (or in-progress entries whose
// lock expired) to in_progress under clientKey.
type RequestQueueClient interface {
	Lifecycle
	AddRequest(ctx context.Context, req *crawler.Request, forefront bool) (AddResult, error)
	GetRequest(ctx context.Context, id string) (*crawler.Request, error)
	// UpdateRequest persists state changes. A pending request is unlocked and
	// re-sequenced at the back of its group (front group when forefront).
	// A non-empty clientKey requires the request to still be locked by that
	// client; otherwise ErrLockLost is returned and nothing changes.
	UpdateRequest(ctx context.Context, clientKey string, req *crawler.Request, forefront bool) error
	FetchAndLock(ctx context.Context, clientKey string, limit int, lockTTL time.Duration) ([]*crawler.Request, error)
	Unlock(ctx context.Context, clientKey string, ids []string) error
}

// ValidateKey rejects keys that cannot be stored on every backend.
func ValidateKey(key string) error {
	if key == "" || len(key) > 256 {
		return fmt.Errorf("%w: invalid record key %q", ErrValidation, key)
	}
	for _, r := range key {
		ok := r == '-' || r == '_' || r == '.' || r == '!' || r == '(' || r == ')' || r == '\'' || r == '*' ||
			(r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')
		if !ok {
			return fmt.Errorf("%w: invalid record key %q", ErrValidation, key)
		}
	}
	if key == "." || key == ".." || strings.Contains(key, "__meta") {
		return fmt.Errorf("%w: invalid record key %q", ErrValidation, key)
	}
	return nil
}
