// Package sqlstore keeps the reference registry in PostgreSQL so several
// guard replicas share single-use enforcement. Consume is one
// conditional UPDATE; the database serializes concurrent attempts.
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	fly402 "github.com/fly402/fly402-go"
)

// DriverName is the database/sql driver registered by pgx.
const DriverName = "pgx"

const uniqueViolation = "23505"

const schema = `
CREATE TABLE IF NOT EXISTS fly402_references (
	reference             TEXT PRIMARY KEY,
	request               JSONB NOT NULL,
	status                TEXT NOT NULL DEFAULT 'pending',
	transaction_signature TEXT UNIQUE,
	issued_at             TIMESTAMPTZ NOT NULL,
	consumed_at           TIMESTAMPTZ,
	expires_at            TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS fly402_references_expires_at_idx ON fly402_references (expires_at);
`

// Store is a [fly402.ReferenceStore] backed by database/sql.
type Store struct {
	db         *sql.DB
	clock      func() time.Time
	purgeGrace time.Duration
}

var _ fly402.ReferenceStore = (*Store)(nil)

// Option customizes a [Store].
type Option func(*Store)

// WithClock provides deterministic time in tests.
func WithClock(fn func() time.Time) Option {
	return func(s *Store) {
		s.clock = fn
	}
}

// WithPurgeGrace sets how long rows outlive their expiry before they
// read as not found. Defaults to [fly402.DefaultPurgeGrace].
func WithPurgeGrace(d time.Duration) Option {
	return func(s *Store) {
		s.purgeGrace = d
	}
}

// Open connects to dsn through the pgx driver and verifies the
// connection.
func Open(ctx context.Context, dsn string, opts ...Option) (*Store, error) {
	db, err := sql.Open(DriverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: open: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlstore: ping: %w", err)
	}
	return New(db, opts...), nil
}

// New wraps an existing handle.
func New(db *sql.DB, opts ...Option) *Store {
	s := &Store{
		db:         db,
		clock:      time.Now,
		purgeGrace: fly402.DefaultPurgeGrace,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(s)
	}
	return s
}

// Migrate creates the table if it does not exist.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("sqlstore: migrate: %w", err)
	}
	return nil
}

// Close closes the underlying handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Issue implements [fly402.ReferenceStore].
func (s *Store) Issue(ctx context.Context, req fly402.PaymentRequest) error {
	raw, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("sqlstore: encode request: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO fly402_references (reference, request, status, issued_at, expires_at)
		 VALUES ($1, $2, 'pending', $3, $4)
		 ON CONFLICT (reference) DO NOTHING`,
		req.Reference, raw, s.clock().UTC(), req.ExpiresAt.UTC())
	if err != nil {
		return fmt.Errorf("sqlstore: issue: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlstore: issue: %w", err)
	}
	if n == 0 {
		return fly402.ErrReferenceExists
	}
	return nil
}

// Lookup implements [fly402.ReferenceStore].
func (s *Store) Lookup(ctx context.Context, reference string) (*fly402.ReferenceRecord, error) {
	var (
		raw        []byte
		status     string
		signature  sql.NullString
		issuedAt   time.Time
		consumedAt sql.NullTime
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT request, status, transaction_signature, issued_at, consumed_at
		 FROM fly402_references WHERE reference = $1 AND expires_at > $2`,
		reference, s.cutoff()).Scan(&raw, &status, &signature, &issuedAt, &consumedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fly402.ErrReferenceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlstore: lookup: %w", err)
	}
	rec := &fly402.ReferenceRecord{
		Status:               fly402.ReferenceStatus(status),
		TransactionSignature: signature.String,
		IssuedAt:             issuedAt,
		ConsumedAt:           consumedAt.Time,
	}
	if err := json.Unmarshal(raw, &rec.Request); err != nil {
		return nil, fmt.Errorf("sqlstore: decode request: %w", err)
	}
	return rec, nil
}

// Consume implements [fly402.ReferenceStore]. A transaction signature
// can settle at most one reference.
func (s *Store) Consume(ctx context.Context, reference, transactionSignature string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE fly402_references
		 SET status = 'consumed', transaction_signature = $2, consumed_at = $3
		 WHERE reference = $1 AND status = 'pending' AND expires_at > $4`,
		reference, transactionSignature, s.clock().UTC(), s.cutoff())
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return fmt.Errorf("%w: transaction already settled another reference", fly402.ErrReferenceConsumed)
		}
		return fmt.Errorf("sqlstore: consume: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlstore: consume: %w", err)
	}
	if n == 1 {
		return nil
	}
	status, err := s.Status(ctx, reference)
	if err != nil {
		return err
	}
	if status == fly402.ReferenceConsumed {
		return fly402.ErrReferenceConsumed
	}
	return fmt.Errorf("sqlstore: consume %s: unexpected status %q", reference, status)
}

// Status implements [fly402.ReferenceStore].
func (s *Store) Status(ctx context.Context, reference string) (fly402.ReferenceStatus, error) {
	var status string
	err := s.db.QueryRowContext(ctx,
		`SELECT status FROM fly402_references WHERE reference = $1 AND expires_at > $2`,
		reference, s.cutoff()).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fly402.ErrReferenceNotFound
	}
	if err != nil {
		return "", fmt.Errorf("sqlstore: status: %w", err)
	}
	return fly402.ReferenceStatus(status), nil
}

// Purge deletes rows past expiry plus the purge grace and reports how
// many were removed.
func (s *Store) Purge(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM fly402_references WHERE expires_at <= $1`, s.cutoff())
	if err != nil {
		return 0, fmt.Errorf("sqlstore: purge: %w", err)
	}
	return res.RowsAffected()
}

// cutoff is the earliest expiry still considered live.
func (s *Store) cutoff() time.Time {
	return s.clock().Add(-s.purgeGrace).UTC()
}
