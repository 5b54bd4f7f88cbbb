package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"slices"

	"github.com/JakeFAU/crawl-orchestrator/internal/storage"
)

// RecordMeta is the sidecar persisted next to each record value.
type RecordMeta struct {
	ContentType string `json:"content_type"`
	Size        int    `json:"size"`
}

// KeyValueStore maps keys to opaque values.
type KeyValueStore struct {
	base
	records map[string]storage.Record
}

var _ storage.KeyValueClient = (*KeyValueStore)(nil)

// NewKeyValueStore restores a store from meta and records.
func NewKeyValueStore(meta storage.Metadata, records []storage.Record, cfg StoreConfig) *KeyValueStore {
	meta.Kind = storage.KindKeyValueStore
	byKey := make(map[string]storage.Record, len(records))
	for _, r := range records {
		byKey[r.Key] = r
	}
	meta.ItemCount = len(byKey)
	return &KeyValueStore{base: newBase(meta, cfg), records: byKey}
}

// Metadata returns a copy of the store metadata.
func (s *KeyValueStore) Metadata(_ context.Context) (storage.Metadata, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkLocked(); err != nil {
		return storage.Metadata{}, err
	}
	return s.meta, nil
}

// GetValue returns the record for key.
func (s *KeyValueStore) GetValue(_ context.Context, key string) (storage.Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkLocked(); err != nil {
		return storage.Record{}, false, err
	}
	rec, ok := s.records[key]
	s.touchLocked(false)
	if !ok {
		return storage.Record{}, false, nil
	}
	rec.Value = slices.Clone(rec.Value)
	return rec, true, nil
}

// SetValue stores value under key.
func (s *KeyValueStore) SetValue(_ context.Context, key string, value []byte, contentType string) error {
	if err := storage.ValidateKey(key); err != nil {
		return err
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	side, err := json.Marshal(RecordMeta{ContentType: contentType, Size: len(value)})
	if err != nil {
		return fmt.Errorf("marshal record meta: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkLocked(); err != nil {
		return err
	}
	cp := slices.Clone(value)
	if err := s.cfg.Journal.WriteEntry(key, cp); err != nil {
		return fmt.Errorf("write record %q: %w", key, err)
	}
	if err := s.cfg.Journal.WriteEntry(RecordMetaEntryName(key), side); err != nil {
		return fmt.Errorf("write record meta %q: %w", key, err)
	}
	s.records[key] = storage.Record{Key: key, Value: cp, ContentType: contentType}
	s.meta.ItemCount = len(s.records)
	s.touchLocked(true)
	return s.persistMetaLocked()
}

// DeleteValue removes key. Missing keys are ignored.
func (s *KeyValueStore) DeleteValue(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkLocked(); err != nil {
		return err
	}
	if _, ok := s.records[key]; !ok {
		return nil
	}
	if err := s.cfg.Journal.DeleteEntry(key); err != nil {
		return fmt.Errorf("delete record %q: %w", key, err)
	}
	if err := s.cfg.Journal.DeleteEntry(RecordMetaEntryName(key)); err != nil {
		return fmt.Errorf("delete record meta %q: %w", key, err)
	}
	delete(s.records, key)
	s.meta.ItemCount = len(s.records)
	s.touchLocked(true)
	return s.persistMetaLocked()
}

// ListKeys returns keys in lexical order.
func (s *KeyValueStore) ListKeys(_ context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkLocked(); err != nil {
		return nil, err
	}
	return slices.Sorted(maps.Keys(s.records)), nil
}

// Purge removes every record.
func (s *KeyValueStore) Purge(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkLocked(); err != nil {
		return err
	}
	if err := s.cfg.Journal.Clear(); err != nil {
		return fmt.Errorf("clear key-value store: %w", err)
	}
	clear(s.records)
	s.meta.ItemCount = 0
	s.touchLocked(true)
	return s.persistMetaLocked()
}

// Drop deletes the store. Dropping twice is a no-op.
func (s *KeyValueStore) Drop(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropLocked()
}
