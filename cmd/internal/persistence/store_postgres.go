package persistence

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore keeps histories in <schema>.document_updates.
//
// Ownership model:
//   - PostgresStore does NOT own the pgx pool. The caller must close the pool.
//   - Close() is therefore a no-op.
//
// Writes for one document are serialized with a transactional advisory lock so that a
// compaction never interleaves with an append on another node.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresOption configures PostgresStore behavior.
type PostgresOption func(*PostgresStore) error

// WithSchema sets the DB schema used by this store (default: "meerkat").
// The schema name is validated and safely quoted in queries.
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("persistence: empty schema")
		}
		if !isValidPGIdent(schema) {
			return errors.New("persistence: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresStore constructs a Postgres-backed Store.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{
		pool:   pool,
		schema: "meerkat",
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, errors.New("persistence: nil pool")
	}
	return st, nil
}

// Close is a no-op because the pool is owned by the caller.
func (s *PostgresStore) Close() error { return nil }

// Ping checks that a connection can be acquired.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// EnsureSchema creates the schema and table if missing.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	updates := pgIdent(s.schema, "document_updates")
	if _, err := s.pool.Exec(ctx, `CREATE SCHEMA IF NOT EXISTS `+pgx.Identifier{s.schema}.Sanitize()); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	if _, err := s.pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS `+updates+` (
  doc_name   TEXT        NOT NULL,
  seq        BIGSERIAL   NOT NULL,
  payload    BYTEA       NOT NULL,
  created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
  PRIMARY KEY (doc_name, seq)
)`); err != nil {
		return fmt.Errorf("create table: %w", err)
	}
	return nil
}

// LoadUpdates returns the updates of name ordered by seq ASC.
func (s *PostgresStore) LoadUpdates(ctx context.Context, name string) ([][]byte, error) {
	if err := validName(name); err != nil {
		return nil, err
	}

	rows, err := s.pool.Query(ctx,
		`SELECT payload
		   FROM `+pgIdent(s.schema, "document_updates")+`
		  WHERE doc_name = $1
		  ORDER BY seq ASC`,
		name,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out [][]byte
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		out = append(out, payload)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// AppendUpdate inserts one update row.
func (s *PostgresStore) AppendUpdate(ctx context.Context, name string, update []byte) error {
	if err := validName(name); err != nil {
		return err
	}
	return s.inDocTx(ctx, name, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx,
			`INSERT INTO `+pgIdent(s.schema, "document_updates")+` (doc_name, payload) VALUES ($1, $2)`,
			name, update,
		)
		if err != nil {
			return fmt.Errorf("insert update: %w", err)
		}
		return nil
	})
}

// Compact deletes the rows of name and inserts state in one transaction.
func (s *PostgresStore) Compact(ctx context.Context, name string, state []byte) error {
	if err := validName(name); err != nil {
		return err
	}
	updates := pgIdent(s.schema, "document_updates")
	return s.inDocTx(ctx, name, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM `+updates+` WHERE doc_name = $1`, name); err != nil {
			return fmt.Errorf("delete updates: %w", err)
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO `+updates+` (doc_name, payload) VALUES ($1, $2)`,
			name, state,
		); err != nil {
			return fmt.Errorf("insert state: %w", err)
		}
		return nil
	})
}

// ListDocuments returns the distinct persisted document names.
func (s *PostgresStore) ListDocuments(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT DISTINCT doc_name FROM `+pgIdent(s.schema, "document_updates")+` ORDER BY doc_name`)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

func (s *PostgresStore) inDocTx(ctx context.Context, name string, fn func(pgx.Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.ReadCommitted,
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, name); err != nil {
		return fmt.Errorf("advisory lock: %w", err)
	}
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func isValidPGIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}

func pgIdent(schema, table string) string {
	return pgx.Identifier{schema, table}.Sanitize()
}
