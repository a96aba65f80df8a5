package storage

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"
)

// PostgresStore is the production backing store, same schema shape as
// SQLiteStore but speaking Postgres placeholder syntax and
// ON CONFLICT ... DO NOTHING, grounded on outbox_store.go's idempotent
// schedule-insert pattern.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore wraps an already-open *sql.DB (opened with driver
// "postgres") and runs the schema migration.
func NewPostgresStore(db *sql.DB) (*PostgresStore, error) {
	s := &PostgresStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) migrate() error {
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
		return fmt.Errorf("storage: postgres migrate: %w", err)
	}
	return nil
}

func (s *PostgresStore) writeIndex(ctx context.Context, tx *sql.Tx, namespace, pk string, indexed map[string]string) error {
	for attr, value := range indexed {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO record_index (namespace, attribute, value, pk) VALUES ($1, $2, $3, $4) ON CONFLICT DO NOTHING`,
			namespace, attr, value, pk,
		); err != nil {
			return fmt.Errorf("storage: postgres write index: %w", err)
		}
	}
	return nil
}

func (s *PostgresStore) clearIndex(ctx context.Context, tx *sql.Tx, namespace, pk string) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM record_index WHERE namespace = $1 AND pk = $2`, namespace, pk)
	if err != nil {
		return fmt.Errorf("storage: postgres clear index: %w", err)
	}
	return nil
}

// ConditionalPut implements ConditionalPutter.
func (s *PostgresStore) ConditionalPut(ctx context.Context, namespace, pk string, payload []byte, indexed map[string]string) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("storage: postgres begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO records (namespace, pk, payload, version) VALUES ($1, $2, $3, 1) ON CONFLICT DO NOTHING`,
		namespace, pk, string(payload),
	)
	if err != nil {
		return false, fmt.Errorf("storage: postgres conditional put: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("storage: postgres rows affected: %w", err)
	}
	if affected == 0 {
		return false, nil
	}
	if err := s.writeIndex(ctx, tx, namespace, pk, indexed); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("storage: postgres commit: %w", err)
	}
	return true, nil
}

// Get implements Getter.
func (s *PostgresStore) Get(ctx context.Context, namespace, pk string) ([]byte, bool, error) {
	var payload string
	err := s.db.QueryRowContext(ctx,
		`SELECT payload FROM records WHERE namespace = $1 AND pk = $2`, namespace, pk,
	).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("storage: postgres get: %w", err)
	}
	return []byte(payload), true, nil
}

// Put implements Upserter: insert-or-overwrite with no version check.
func (s *PostgresStore) Put(ctx context.Context, namespace, pk string, payload []byte, indexed map[string]string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("storage: postgres begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO records (namespace, pk, payload, version) VALUES ($1, $2, $3, 1)
		ON CONFLICT (namespace, pk) DO UPDATE SET payload = excluded.payload, version = records.version + 1`,
		namespace, pk, string(payload),
	)
	if err != nil {
		return fmt.Errorf("storage: postgres put: %w", err)
	}
	if err := s.clearIndex(ctx, tx, namespace, pk); err != nil {
		return err
	}
	if err := s.writeIndex(ctx, tx, namespace, pk, indexed); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("storage: postgres commit: %w", err)
	}
	return nil
}

// QueryByIndex implements IndexQuerier.
func (s *PostgresStore) QueryByIndex(ctx context.Context, namespace, attribute, value string, limit int) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT r.pk, r.payload FROM record_index i
		JOIN records r ON r.namespace = i.namespace AND r.pk = i.pk
		WHERE i.namespace = $1 AND i.attribute = $2 AND i.value = $3
		LIMIT $4`, namespace, attribute, value, limit)
	if err != nil {
		return nil, fmt.Errorf("storage: postgres query by index: %w", err)
	}
	return scanRecords(rows)
}

// QueryByIndexRange implements IndexQuerier.
func (s *PostgresStore) QueryByIndexRange(ctx context.Context, namespace, attribute, from, to string, limit int) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT r.pk, r.payload FROM record_index i
		JOIN records r ON r.namespace = i.namespace AND r.pk = i.pk
		WHERE i.namespace = $1 AND i.attribute = $2 AND i.value >= $3 AND i.value < $4
		ORDER BY i.value ASC
		LIMIT $5`, namespace, attribute, from, to, limit)
	if err != nil {
		return nil, fmt.Errorf("storage: postgres query by index range: %w", err)
	}
	return scanRecords(rows)
}

// CreateVersioned implements VersionedUpdater.
func (s *PostgresStore) CreateVersioned(ctx context.Context, namespace, pk string, payload []byte, indexed map[string]string) (bool, error) {
	return s.ConditionalPut(ctx, namespace, pk, payload, indexed)
}

// GetVersioned implements VersionedUpdater.
func (s *PostgresStore) GetVersioned(ctx context.Context, namespace, pk string) ([]byte, int, bool, error) {
	var payload string
	var version int
	err := s.db.QueryRowContext(ctx,
		`SELECT payload, version FROM records WHERE namespace = $1 AND pk = $2`, namespace, pk,
	).Scan(&payload, &version)
	if err == sql.ErrNoRows {
		return nil, 0, false, nil
	}
	if err != nil {
		return nil, 0, false, fmt.Errorf("storage: postgres get versioned: %w", err)
	}
	return []byte(payload), version, true, nil
}

// VersionedUpdate implements VersionedUpdater.
func (s *PostgresStore) VersionedUpdate(ctx context.Context, namespace, pk string, expectedVersion int, payload []byte, indexed map[string]string) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("storage: postgres begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	newVersion := expectedVersion + 1
	res, err := tx.ExecContext(ctx,
		`UPDATE records SET payload = $1, version = $2 WHERE namespace = $3 AND pk = $4 AND version = $5`,
		string(payload), newVersion, namespace, pk, expectedVersion,
	)
	if err != nil {
		return 0, fmt.Errorf("storage: postgres versioned update: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("storage: postgres rows affected: %w", err)
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
		return 0, fmt.Errorf("storage: postgres commit: %w", err)
	}
	return newVersion, nil
}
