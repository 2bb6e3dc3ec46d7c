// Package storage is the sqlite-backed persisted-state layer: a
// record_table and subkey_table holding everything that must survive a
// restart (record metadata, subkey data, route spec cache; watch state is
// not persisted), on
// modernc.org/sqlite so the build stays pure Go with no cgo.
package storage

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// DB wraps a sqlite connection pool with the schema this core needs.
type DB struct {
	conn *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS record_table (
	record_key   BLOB PRIMARY KEY,
	schema_kind  INTEGER NOT NULL,
	subkey_count INTEGER NOT NULL,
	is_local     INTEGER NOT NULL,
	created_at   INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS subkey_table (
	record_key BLOB NOT NULL,
	subkey     INTEGER NOT NULL,
	seq        INTEGER NOT NULL,
	data       BLOB NOT NULL,
	signature  BLOB,
	written_at INTEGER NOT NULL,
	PRIMARY KEY (record_key, subkey)
);
CREATE TABLE IF NOT EXISTS route_cache (
	cache_key  BLOB PRIMARY KEY,
	route_id   BLOB NOT NULL,
	built_at   INTEGER NOT NULL,
	payload    BLOB NOT NULL
);
`

// Open opens (creating if absent) a sqlite database at path and applies the
// schema. path may be ":memory:" for ephemeral/test use.
func Open(path string) (*DB, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("storage: open: %w", err)
	}
	conn.SetMaxOpenConns(1) // modernc.org/sqlite: single-writer discipline
	if _, err := conn.Exec(schema); err != nil {
		conn.Close()
		return nil, fmt.Errorf("storage: migrate: %w", err)
	}
	return &DB{conn: conn}, nil
}

func (d *DB) Close() error { return d.conn.Close() }

// RecordRow is one record_table row.
type RecordRow struct {
	RecordKey   []byte
	SchemaKind  int
	SubkeyCount int
	IsLocal     bool
	CreatedAt   int64
}

// SubkeyRow is one subkey_table row.
type SubkeyRow struct {
	RecordKey []byte
	Subkey    int
	Seq       uint32
	Data      []byte
	Signature []byte
	WrittenAt int64
}

// UpsertRecord inserts or updates a record_table row.
func (d *DB) UpsertRecord(ctx context.Context, r RecordRow) error {
	_, err := d.conn.ExecContext(ctx, `
		INSERT INTO record_table (record_key, schema_kind, subkey_count, is_local, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(record_key) DO UPDATE SET schema_kind=excluded.schema_kind, subkey_count=excluded.subkey_count, is_local=excluded.is_local
	`, r.RecordKey, r.SchemaKind, r.SubkeyCount, boolToInt(r.IsLocal), r.CreatedAt)
	return err
}

// PutSubkeysBatch writes many subkey rows inside a single transaction,
// so a batch commits atomically and is never torn mid-record.
func (d *DB) PutSubkeysBatch(ctx context.Context, rows []SubkeyRow) error {
	if len(rows) == 0 {
		return nil
	}
	tx, err := d.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("storage: begin tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO subkey_table (record_key, subkey, seq, data, signature, written_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(record_key, subkey) DO UPDATE SET seq=excluded.seq, data=excluded.data, signature=excluded.signature, written_at=excluded.written_at
		WHERE excluded.seq > subkey_table.seq
	`)
	if err != nil {
		return fmt.Errorf("storage: prepare: %w", err)
	}
	defer stmt.Close()

	for _, row := range rows {
		if _, err := stmt.ExecContext(ctx, row.RecordKey, row.Subkey, row.Seq, row.Data, row.Signature, row.WrittenAt); err != nil {
			return fmt.Errorf("storage: put subkey: %w", err)
		}
	}
	return tx.Commit()
}

// LoadRecords returns every persisted record_table row, used to rehydrate
// recordstore.Store on startup.
func (d *DB) LoadRecords(ctx context.Context) ([]RecordRow, error) {
	rows, err := d.conn.QueryContext(ctx, `SELECT record_key, schema_kind, subkey_count, is_local, created_at FROM record_table`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RecordRow
	for rows.Next() {
		var r RecordRow
		var isLocal int
		if err := rows.Scan(&r.RecordKey, &r.SchemaKind, &r.SubkeyCount, &isLocal, &r.CreatedAt); err != nil {
			return nil, err
		}
		r.IsLocal = isLocal != 0
		out = append(out, r)
	}
	return out, rows.Err()
}

// LoadSubkeys returns every persisted subkey row for recordKey.
func (d *DB) LoadSubkeys(ctx context.Context, recordKey []byte) ([]SubkeyRow, error) {
	rows, err := d.conn.QueryContext(ctx, `SELECT record_key, subkey, seq, data, signature, written_at FROM subkey_table WHERE record_key = ?`, recordKey)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SubkeyRow
	for rows.Next() {
		var s SubkeyRow
		if err := rows.Scan(&s.RecordKey, &s.Subkey, &s.Seq, &s.Data, &s.Signature, &s.WrittenAt); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// DeleteRecord removes a record and its subkeys, used by ReclaimSpace's
// persisted counterpart.
func (d *DB) DeleteRecord(ctx context.Context, recordKey []byte) error {
	tx, err := d.conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `DELETE FROM subkey_table WHERE record_key = ?`, recordKey); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM record_table WHERE record_key = ?`, recordKey); err != nil {
		return err
	}
	return tx.Commit()
}

// routeContentKey is the fixed route_cache key under which the route
// spec store persists its owned-route set as a single JSON content
// record.
var routeContentKey = []byte("content")

// SaveRouteContent upserts the route spec store's serialized owned-route
// set.
func (d *DB) SaveRouteContent(ctx context.Context, payload []byte, builtAt int64) error {
	_, err := d.conn.ExecContext(ctx, `
		INSERT INTO route_cache (cache_key, route_id, built_at, payload)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(cache_key) DO UPDATE SET route_id=excluded.route_id, built_at=excluded.built_at, payload=excluded.payload
	`, routeContentKey, routeContentKey, builtAt, payload)
	return err
}

// LoadRouteContent returns the persisted owned-route set, or (nil, nil) if
// none was ever saved.
func (d *DB) LoadRouteContent(ctx context.Context) ([]byte, error) {
	var payload []byte
	err := d.conn.QueryRowContext(ctx, `SELECT payload FROM route_cache WHERE cache_key = ?`, routeContentKey).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return payload, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
