package postgres

// Table names.
const (
	tableDatasetItems  = "crawl_dataset_items"
	tableKVRecords     = "crawl_kv_records"
	tableQueueRequests = "crawl_queue_requests"
)

var schema = []string{
	`CREATE SEQUENCE IF NOT EXISTS crawl_queue_seq`,
	`CREATE TABLE IF NOT EXISTS crawl_storages (
	id TEXT PRIMARY KEY,
	kind TEXT NOT NULL,
	lookup_key TEXT NOT NULL,
	name TEXT NOT NULL DEFAULT '',
	alias TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL,
	modified_at TIMESTAMPTZ NOT NULL,
	accessed_at TIMESTAMPTZ NOT NULL,
	UNIQUE (kind, lookup_key)
)`,
	`CREATE TABLE IF NOT EXISTS crawl_dataset_items (
	item_id BIGSERIAL PRIMARY KEY,
	storage_id TEXT NOT NULL REFERENCES crawl_storages (id) ON DELETE CASCADE,
	data JSONB NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS crawl_dataset_items_storage_idx ON crawl_dataset_items (storage_id, item_id)`,
	`CREATE TABLE IF NOT EXISTS crawl_kv_records (
	storage_id TEXT NOT NULL REFERENCES crawl_storages (id) ON DELETE CASCADE,
	key TEXT NOT NULL,
	value BYTEA NOT NULL,
	content_type TEXT NOT NULL,
	PRIMARY KEY (storage_id, key)
)`,
	`CREATE TABLE IF NOT EXISTS crawl_queue_requests (
	storage_id TEXT NOT NULL REFERENCES crawl_storages (id) ON DELETE CASCADE,
	id TEXT NOT NULL,
	unique_key TEXT NOT NULL,
	state TEXT NOT NULL,
	forefront BOOLEAN NOT NULL DEFAULT FALSE,
	seq BIGINT NOT NULL,
	locked_by TEXT,
	lock_expires_at TIMESTAMPTZ,
	request JSONB NOT NULL,
	PRIMARY KEY (storage_id, id),
	UNIQUE (storage_id, unique_key)
)`,
	`CREATE INDEX IF NOT EXISTS crawl_queue_requests_order_idx
	ON crawl_queue_requests (storage_id, state, forefront DESC, seq)`,
}
