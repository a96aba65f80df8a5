package storage

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// SQLiteStore is the reference/dev-path backing store: a single generic
// records table plus a secondary-index table, driven by the pure-Go
// modernc.org/sqlite driver so the default path needs no external service.
// Grounded on the teacher's receipt_store_sqlite.go (migrate-on-construct,
// one table per concern, context-scoped queries).
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore wraps an already-open *sql.DB (opened with driver "sqlite")
// and runs the schema migration.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	_, err := s.db.ExecContext(context.Background(), `
		CREATE TABLE IF NOT EXISTS records (
			namespace TEXT NOT NULL,
			pk        TEXT NOT NULL,
			payload   TEXT NOT NULL,
			version   INTEGER NOT NULL DEFAULT 1,
			PRIMARY KEY (namespace, pk)
		);
		CREATE TABLE IF NOT EXISTS record_index (
			namespace TEXT NOT NULL,
			attribute TEXT NOT NULL,
			value     TEXT NOT NULL,
			pk        TEXT NOT NULL,
			PRIMARY KEY (namespace, attribute, value, pk)
		);
		CREATE INDEX IF NOT EXISTS record_index_lookup ON record_index(namespace, attribute, value);
	`)
	if err != nil {
		return fmt.Errorf("storage: sqlite migrate: %w", err)
	}
	return nil
}

func (s *SQLiteStore) writeIndex(ctx context.Context, tx *sql.Tx, namespace, pk string, indexed map[string]string) error {
	for attr, value := range indexed {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO record_index (namespace, attribute, value, pk) VALUES (?, ?, ?, ?)`,
			namespace, attr, value, pk,
		); err != nil {
			return fmt.Errorf("storage: sqlite write index: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) clearIndex(ctx context.Context, tx *sql.Tx, namespace, pk string) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM record_index WHERE namespace = ? AND pk = ?`, namespace, pk)
	if err != nil {
		return fmt.Errorf("storage: sqlite clear index: %w", err)
	}
	return nil
}

// ConditionalPut implements ConditionalPutter.
func (s *SQLiteStore) ConditionalPut(ctx context.Context, namespace, pk string, payload []byte, indexed map[string]string) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("storage: sqlite begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO records (namespace, pk, payload, version) VALUES (?, ?, ?, 1)`,
		namespace, pk, string(payload),
	)
	if err != nil {
		return false, fmt.Errorf("storage: sqlite conditional put: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("storage: sqlite rows affected: %w", err)
	}
	if affected == 0 {
		return false, nil
	}
	if err := s.writeIndex(ctx, tx, namespace, pk, indexed); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("storage: sqlite commit: %w", err)
	}
	return true, nil
}

// Get implements Getter.
func (s *SQLiteStore) Get(ctx context.Context, namespace, pk string) ([]byte, bool, error) {
	var payload string
	err := s.db.QueryRowContext(ctx,
		`SELECT payload FROM records WHERE namespace = ? AND pk = ?`, namespace, pk,
	).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("storage: sqlite get: %w", err)
	}
	return []byte(payload), true, nil
}

// Put implements Upserter: insert-or-overwrite with no version check.
func (s *SQLiteStore) Put(ctx context.Context, namespace, pk string, payload []byte, indexed map[string]string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("storage: sqlite begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO records (namespace, pk, payload, version) VALUES (?, ?, ?, 1)
		ON CONFLICT (namespace, pk) DO UPDATE SET payload = excluded.payload, version = records.version + 1`,
		namespace, pk, string(payload),
	)
	if err != nil {
		return fmt.Errorf("storage: sqlite put: %w", err)
	}
	if err := s.clearIndex(ctx, tx, namespace, pk); err != nil {
		return err
	}
	if err := s.writeIndex(ctx, tx, namespace, pk, indexed); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("storage: sqlite commit: %w", err)
	}
	return nil
}

// QueryByIndex implements IndexQuerier.
func (s *SQLiteStore) QueryByIndex(ctx context.Context, namespace, attribute, value string, limit int) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT r.pk, r.payload FROM record_index i
		JOIN records r ON r.namespace = i.namespace AND r.pk = i.pk
		WHERE i.namespace = ? AND i.attribute = ? AND i.value = ?
		LIMIT ?`, namespace, attribute, value, limit)
	if err != nil {
		return nil, fmt.Errorf("storage: sqlite query by index: %w", err)
	}
	return scanRecords(rows)
}

// QueryByIndexRange implements IndexQuerier. Range comparison is lexical,
// which is exactly correct for ISO-8601 timestamp strings — the only kind of
// range query the spec requires (candidate generator's time-window query).
func (s *SQLiteStore) QueryByIndexRange(ctx context.Context, namespace, attribute, from, to string, limit int) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT r.pk, r.payload FROM record_index i
		JOIN records r ON r.namespace = i.namespace AND r.pk = i.pk
		WHERE i.namespace = ? AND i.attribute = ? AND i.value >= ? AND i.value < ?
		ORDER BY i.value ASC
		LIMIT ?`, namespace, attribute, from, to, limit)
	if err != nil {
		return nil, fmt.Errorf("storage: sqlite query by index range: %w", err)
	}
	return scanRecords(rows)
}

func scanRecords(rows *sql.Rows) ([]Record, error) {
	defer func() { _ = rows.Close() }()
	var out []Record
	for rows.Next() {
		var r Record
		var payload string
		if err := rows.Scan(&r.PK, &payload); err != nil {
			return nil, fmt.Errorf("storage: scan record: %w", err)
		}
		r.Payload = []byte(payload)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: scan records: %w", err)
	}
	return out, nil
}

// CreateVersioned implements VersionedUpdater.
func (s *SQLiteStore) CreateVersioned(ctx context.Context, namespace, pk string, payload []byte, indexed map[string]string) (bool, error) {
	return s.ConditionalPut(ctx, namespace, pk, payload, indexed)
}

// GetVersioned implements VersionedUpdater.
func (s *SQLiteStore) GetVersioned(ctx context.Context, namespace, pk string) ([]byte, int, bool, error) {
	var payload string
	var version int
	err := s.db.QueryRowContext(ctx,
		`SELECT payload, version FROM records WHERE namespace = ? AND pk = ?`, namespace, pk,
	).Scan(&payload, &version)
	if err == sql.ErrNoRows {
		return nil, 0, false, nil
	}
	if err != nil {
		return nil, 0, false, fmt.Errorf("storage: sqlite get versioned: %w", err)
	}
	return []byte(payload), version, true, nil
}

// VersionedUpdate implements VersionedUpdater. Fails with ErrVersionConflict
// if the stored version has moved on — callers must retry, never overwrite.
func (s *SQLiteStore) VersionedUpdate(ctx context.Context, namespace, pk string, expectedVersion int, payload []byte, indexed map[string]string) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("storage: sqlite begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	newVersion := expectedVersion + 1
	res, err := tx.ExecContext(ctx,
		`UPDATE records SET payload = ?, version = ? WHERE namespace = ? AND pk = ? AND version = ?`,
		string(payload), newVersion, namespace, pk, expectedVersion,
	)
	if err != nil {
		return 0, fmt.Errorf("storage: sqlite versioned update: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("storage: sqlite rows affected: %w", err)
	}
	if affected == 0 {
		return 0, ErrVersionConflict
	}
	if err := s.clearIndex(ctx, tx, namespace, pk); err != nil {
		return 0, err
	}
	if err := s.writeIndex(ctx, tx, namespace, pk, indexed); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("storage: sqlite commit: %w", err)
	}
	return newVersion, nil
}
