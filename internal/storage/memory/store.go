// Package memory implements the storage contract in process memory. Its store
// types also back the filesystem backend, which attaches a Journal to mirror
// every mutation to disk.
package memory

import (
	"fmt"
	"sync"

	"github.com/JakeFAU/crawl-orchestrator/internal/clock/system"
	"github.com/JakeFAU/crawl-orchestrator/internal/crawler"
	"github.com/JakeFAU/crawl-orchestrator/internal/storage"
)

// Journal receives write-through mutations so a durable backend can mirror state.
type Journal interface {
	WriteMetadata(meta storage.Metadata) error
	WriteEntry(name string, data []byte) error
	DeleteEntry(name string) error
	// Clear removes every entry but keeps metadata.
	Clear() error
	// Remove deletes the store entirely.
	Remove() error
}

type nopJournal struct{}

func (nopJournal) WriteMetadata(storage.Metadata) error { return nil }
func (nopJournal) WriteEntry(string, []byte) error      { return nil }
func (nopJournal) DeleteEntry(string) error             { return nil }
func (nopJournal) Clear() error                         { return nil }
func (nopJournal) Remove() error                        { return nil }

// StoreConfig wires optional collaborators into a store.
type StoreConfig struct {
	Clock   crawler.Clock
	Journal Journal
	// OnDrop runs once after the store is dropped.
	OnDrop func()
}

func (c StoreConfig) withDefaults() StoreConfig {
	if c.Clock == nil {
		c.Clock = system.New()
	}
	if c.Journal == nil {
		c.Journal = nopJournal{}
	}
	if c.OnDrop == nil {
		c.OnDrop = func() {}
	}
	return c
}

// Entry naming shared with the filesystem loader.
const (
	recordMetaSuffix = ".__meta__.json"
	entrySuffix      = ".json"
)

// ItemEntryName names the n-th (1-based) dataset item.
func ItemEntryName(n int) string { return fmt.Sprintf("%09d%s", n, entrySuffix) }

// RecordMetaEntryName names the sidecar holding a record's content type.
func RecordMetaEntryName(key string) string { return key + recordMetaSuffix }

// RequestEntryName names a queue entry file.
func RequestEntryName(id string) string { return id + entrySuffix }

// base holds lifecycle state shared by every store kind.
type base struct {
	mu      sync.Mutex
	meta    storage.Metadata
	dropped bool
	cfg     StoreConfig
}

func newBase(meta storage.Metadata, cfg StoreConfig) base {
	return base{meta: meta, cfg: cfg.withDefaults()}
}

// checkLocked must be called with mu held.
func (b *base) checkLocked() error {
	if b.dropped {
		return fmt.Errorf("%s %s: %w", b.meta.Kind, b.meta.ID, storage.ErrStorageDropped)
	}
	return nil
}

func (b *base) touchLocked(modified bool) {
	now := b.cfg.Clock.Now()
	b.meta.AccessedAt = now
	if modified {
		b.meta.ModifiedAt = now
	}
}

func (b *base) persistMetaLocked() error {
	if err := b.cfg.Journal.WriteMetadata(b.meta); err != nil {
		return fmt.Errorf("write metadata: %w", err)
	}
	return nil
}

func (b *base) dropLocked() error {
	if b.dropped {
		return nil
	}
	if err := b.cfg.Journal.Remove(); err != nil {
		return fmt.Errorf("remove %s %s: %w", b.meta.Kind, b.meta.ID, err)
	}
	b.dropped = true
	b.cfg.OnDrop()
	return nil
}
