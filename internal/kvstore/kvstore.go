// Package kvstore stores JSON-encoded state by key on top of a
// storage.KeyValueClient. Components use it to persist and resume state.
package kvstore

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/JakeFAU/crawl-orchestrator/internal/storage"
)

// ContentTypeJSON is recorded for values written by Set.
const ContentTypeJSON = "application/json; charset=utf-8"

// Store reads and writes records.
type Store struct {
	client storage.KeyValueClient
}

// New wraps client.
func New(client storage.KeyValueClient) *Store {
	return &Store{client: client}
}

// Open opens a key/value store through the manager.
func Open(ctx context.Context, m *storage.Manager, opts storage.OpenOptions) (*Store, error) {
	client, err := m.OpenKeyValueStore(ctx, opts)
	if err != nil {
		return nil, err
	}
	return New(client), nil
}

// Get decodes the value at key into dst. It reports false when the key is absent.
func (s *Store) Get(ctx context.Context, key string, dst any) (bool, error) {
	rec, ok, err := s.GetRaw(ctx, key)
	if err != nil || !ok {
		return false, err
	}
	if err := json.Unmarshal(rec.Value, dst); err != nil {
		return false, fmt.Errorf("decode %s: %w", key, err)
	}
	return true, nil
}

// Set stores value as JSON. A nil value deletes the key.
func (s *Store) Set(ctx context.Context, key string, value any) error {
	if isNil(value) {
		return s.client.DeleteValue(ctx, key)
	}
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return s.SetRaw(ctx, key, data, ContentTypeJSON)
}

// GetRaw returns the stored record.
func (s *Store) GetRaw(ctx context.Context, key string) (storage.Record, bool, error) {
	rec, ok, err := s.client.GetValue(ctx, key)
	if err != nil {
		return storage.Record{}, false, fmt.Errorf("get %s: %w", key, err)
	}
	return rec, ok, nil
}

// SetRaw stores bytes with an explicit content type. A nil value deletes the key.
func (s *Store) SetRaw(ctx context.Context, key string, value []byte, contentType string) error {
	if value == nil {
		return s.client.DeleteValue(ctx, key)
	}
	if err := s.client.SetValue(ctx, key, value, contentType); err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

// Keys lists stored keys in lexical order.
func (s *Store) Keys(ctx context.Context) ([]string, error) {
	return s.client.ListKeys(ctx)
}

// Delete drops the whole store.
func (s *Store) Delete(ctx context.Context) error {
	return s.client.Drop(ctx)
}

// Purge removes every record but keeps the store.
func (s *Store) Purge(ctx context.Context) error {
	return s.client.Purge(ctx)
}

// Metadata returns backend metadata.
func (s *Store) Metadata(ctx context.Context) (storage.Metadata, error) {
	return s.client.Metadata(ctx)
}

func isNil(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Slice, reflect.Interface:
		return rv.IsNil()
	default:
		return false
	}
}
