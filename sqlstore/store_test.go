package sqlstore

import (
	"context"
	"encoding/json"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"

	fly402 "github.com/fly402/fly402-go"
)

var now = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

func setupMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()

	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create mock database: %v", err)
	}
	t.Cleanup(func() {
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("unmet expectations: %v", err)
		}
		_ = db.Close()
	})
	return New(db, WithClock(func() time.Time { return now })), mock
}

func request() fly402.PaymentRequest {
	return fly402.PaymentRequest{
		Amount:           decimal.RequireFromString("0.01"),
		RecipientAddress: "merchant",
		AssetID:          "USD-stable",
		Network:          "devnet",
		Reference:        "ref-1",
		ExpiresAt:        now.Add(5 * time.Minute),
	}
}

var cutoff = now.Add(-fly402.DefaultPurgeGrace)

func TestIssue(t *testing.T) {
	t.Parallel()

	store, mock := setupMockStore(t)
	req := request()
	insert := regexp.QuoteMeta("INSERT INTO fly402_references")

	mock.ExpectExec(insert).
		WithArgs("ref-1", sqlmock.AnyArg(), now, req.ExpiresAt).
		WillReturnResult(sqlmock.NewResult(0, 1))
	if err := store.Issue(context.Background(), req); err != nil {
		t.Fatalf("issue: %v", err)
	}

	mock.ExpectExec(insert).
		WithArgs("ref-1", sqlmock.AnyArg(), now, req.ExpiresAt).
		WillReturnResult(sqlmock.NewResult(0, 0))
	if err := store.Issue(context.Background(), req); !errors.Is(err, fly402.ErrReferenceExists) {
		t.Fatalf("expected ErrReferenceExists got %v", err)
	}
}

func TestLookup(t *testing.T) {
	t.Parallel()

	store, mock := setupMockStore(t)
	raw, err := json.Marshal(request())
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	query := regexp.QuoteMeta("SELECT request, status, transaction_signature, issued_at, consumed_at")

	mock.ExpectQuery(query).
		WithArgs("ref-1", cutoff).
		WillReturnRows(sqlmock.NewRows([]string{"request", "status", "transaction_signature", "issued_at", "consumed_at"}).
			AddRow(raw, "consumed", "sig-1", now, now.Add(time.Second)))
	rec, err := store.Lookup(context.Background(), "ref-1")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if rec.Status != fly402.ReferenceConsumed || rec.TransactionSignature != "sig-1" {
		t.Fatalf("unexpected record %+v", rec)
	}
	if rec.Request.Reference != "ref-1" || rec.Request.Amount.String() != "0.01" {
		t.Fatalf("unexpected request %+v", rec.Request)
	}

	mock.ExpectQuery(query).
		WithArgs("ref-2", cutoff).
		WillReturnRows(sqlmock.NewRows([]string{"request", "status", "transaction_signature", "issued_at", "consumed_at"}))
	if _, err := store.Lookup(context.Background(), "ref-2"); !errors.Is(err, fly402.ErrReferenceNotFound) {
		t.Fatalf("expected ErrReferenceNotFound got %v", err)
	}
}

func TestConsume(t *testing.T) {
	t.Parallel()

	update := regexp.QuoteMeta("UPDATE fly402_references")
	status := regexp.QuoteMeta("SELECT status FROM fly402_references")

	tests := map[string]struct {
		expect  func(mock sqlmock.Sqlmock)
		wantErr error
	}{
		"pending reference": {
			expect: func(mock sqlmock.Sqlmock) {
				mock.ExpectExec(update).
					WithArgs("ref-1", "sig-1", now, cutoff).
					WillReturnResult(sqlmock.NewResult(0, 1))
			},
		},
		"already consumed": {
			expect: func(mock sqlmock.Sqlmock) {
				mock.ExpectExec(update).
					WithArgs("ref-1", "sig-1", now, cutoff).
					WillReturnResult(sqlmock.NewResult(0, 0))
				mock.ExpectQuery(status).
					WithArgs("ref-1", cutoff).
					WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("consumed"))
			},
			wantErr: fly402.ErrReferenceConsumed,
		},
		"unknown reference": {
			expect: func(mock sqlmock.Sqlmock) {
				mock.ExpectExec(update).
					WithArgs("ref-1", "sig-1", now, cutoff).
					WillReturnResult(sqlmock.NewResult(0, 0))
				mock.ExpectQuery(status).
					WithArgs("ref-1", cutoff).
					WillReturnRows(sqlmock.NewRows([]string{"status"}))
			},
			wantErr: fly402.ErrReferenceNotFound,
		},
		"signature settled another reference": {
			expect: func(mock sqlmock.Sqlmock) {
				mock.ExpectExec(update).
					WithArgs("ref-1", "sig-1", now, cutoff).
					WillReturnError(&pgconn.PgError{Code: uniqueViolation})
			},
			wantErr: fly402.ErrReferenceConsumed,
		},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			store, mock := setupMockStore(t)
			tt.expect(mock)
			err := store.Consume(context.Background(), "ref-1", "sig-1")
			if tt.wantErr == nil {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("expected %v got %v", tt.wantErr, err)
			}
		})
	}
}

func TestMigrateAndPurge(t *testing.T) {
	t.Parallel()

	store, mock := setupMockStore(t)
	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS fly402_references")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	if err := store.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM fly402_references WHERE expires_at <= $1")).
		WithArgs(cutoff).
		WillReturnResult(sqlmock.NewResult(0, 3))
	n, err := store.Purge(context.Background())
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if n != 3 {
		t.Fatalf("expected 3 purged rows got %d", n)
	}
}
