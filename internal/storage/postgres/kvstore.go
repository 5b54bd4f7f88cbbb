package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/crawl-orchestrator/internal/storage"
)

// KeyValueStore keeps records in crawl_kv_records.
type KeyValueStore struct {
	*base
}

var _ storage.KeyValueClient = (*KeyValueStore)(nil)

// Metadata returns the store metadata with its record count.
func (s *KeyValueStore) Metadata(ctx context.Context) (storage.Metadata, error) {
	meta, err := s.metadata(ctx)
	if err != nil {
		return storage.Metadata{}, err
	}
	if meta.ItemCount, err = s.count(ctx, tableKVRecords); err != nil {
		return storage.Metadata{}, err
	}
	return meta, nil
}

// GetValue reads a record; ok is false when the key is absent.
func (s *KeyValueStore) GetValue(ctx context.Context, key string) (storage.Record, bool, error) {
	if err := s.check(); err != nil {
		return storage.Record{}, false, err
	}
	if err := storage.ValidateKey(key); err != nil {
		return storage.Record{}, false, err
	}
	rec := storage.Record{Key: key}
	err := s.c.pool.QueryRow(ctx,
		`SELECT value, content_type FROM crawl_kv_records WHERE storage_id = $1 AND key = $2`,
		s.id, key,
	).Scan(&rec.Value, &rec.ContentType)
	if errors.Is(err, pgx.ErrNoRows) {
		return storage.Record{}, false, nil
	}
	if err != nil {
		return storage.Record{}, false, fmt.Errorf("get record %s: %w", key, err)
	}
	return rec, true, nil
}

// SetValue upserts a record.
func (s *KeyValueStore) SetValue(ctx context.Context, key string, value []byte, contentType string) error {
	if err := s.check(); err != nil {
		return err
	}
	if err := storage.ValidateKey(key); err != nil {
		return err
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	if value == nil {
		value = []byte{}
	}
	if _, err := s.c.pool.Exec(ctx, `
INSERT INTO crawl_kv_records (storage_id, key, value, content_type)
VALUES ($1, $2, $3, $4)
ON CONFLICT (storage_id, key) DO UPDATE SET value = EXCLUDED.value, content_type = EXCLUDED.content_type`,
		s.id, key, value, contentType,
	); err != nil {
		return fmt.Errorf("set record %s: %w", key, err)
	}
	return s.touch(ctx)
}

// DeleteValue removes a record; missing keys are ignored.
func (s *KeyValueStore) DeleteValue(ctx context.Context, key string) error {
	if err := s.check(); err != nil {
		return err
	}
	if err := storage.ValidateKey(key); err != nil {
		return err
	}
	tag, err := s.c.pool.Exec(ctx,
		`DELETE FROM crawl_kv_records WHERE storage_id = $1 AND key = $2`, s.id, key)
	if err != nil {
		return fmt.Errorf("delete record %s: %w", key, err)
	}
	if tag.RowsAffected() == 0 {
		return nil
	}
	return s.touch(ctx)
}

// ListKeys returns keys in lexical order.
func (s *KeyValueStore) ListKeys(ctx context.Context) ([]string, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	rows, err := s.c.pool.Query(ctx,
		`SELECT key FROM crawl_kv_records WHERE storage_id = $1 ORDER BY key`, s.id)
	if err != nil {
		return nil, fmt.Errorf("list keys: %w", err)
	}
	keys, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("list keys: %w", err)
	}
	return keys, nil
}

// Purge deletes every record.
func (s *KeyValueStore) Purge(ctx context.Context) error {
	return s.purge(ctx, tableKVRecords)
}

// Drop deletes the store row; records cascade.
func (s *KeyValueStore) Drop(ctx context.Context) error {
	return s.drop(ctx)
}
