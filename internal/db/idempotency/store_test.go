package idemdb

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"

	"ferryman/internal/idempotency"
)

func newMockDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock, func()) {
	t.Helper()

	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}

	cleanup := func() {
		if err := db.Close(); err != nil {
			t.Fatalf("close db: %v", err)
		}
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Fatalf("unmet expectations: %v", err)
		}
	}

	return db, mock, cleanup
}

func TestStore_InitSchema(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	t.Cleanup(cleanup)

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS idempotency_keys").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectClose()

	store, err := NewStoreWithSchema(context.Background(), db)
	if err != nil {
		t.Fatalf("WithSchema: %v", err)
	}
	if store == nil {
		t.Fatalf("expected store")
	}
}

func TestStore_TryClaim_Acquired(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	t.Cleanup(cleanup)

	mock.ExpectExec("INSERT INTO idempotency_keys").
		WithArgs("step-lock-1", "w1", 120.0).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectClose()

	store := NewStore(db)
	res, err := store.TryClaim(context.Background(), "step-lock-1", "w1", 2*time.Minute)
	if err != nil {
		t.Fatalf("TryClaim: %v", err)
	}
	if res != idempotency.ClaimAcquired {
		t.Fatalf("result = %s, want Acquired", res)
	}
}

func TestStore_TryClaim_AlreadyConsumed(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	t.Cleanup(cleanup)

	mock.ExpectExec("INSERT INTO idempotency_keys").
		WithArgs("step-lock-1", "w1", 120.0).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT is_consumed FROM idempotency_keys").
		WithArgs("step-lock-1").
		WillReturnRows(sqlmock.NewRows([]string{"is_consumed"}).AddRow(true))
	mock.ExpectClose()

	store := NewStore(db)
	res, err := store.TryClaim(context.Background(), "step-lock-1", "w1", 2*time.Minute)
	if err != nil {
		t.Fatalf("TryClaim: %v", err)
	}
	if res != idempotency.ClaimAlreadyConsumed {
		t.Fatalf("result = %s, want AlreadyConsumed", res)
	}
}

func TestStore_TryClaim_LockedByOther(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	t.Cleanup(cleanup)

	mock.ExpectExec("INSERT INTO idempotency_keys").
		WithArgs("step-lock-1", "w2", 120.0).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT is_consumed FROM idempotency_keys").
		WithArgs("step-lock-1").
		WillReturnRows(sqlmock.NewRows([]string{"is_consumed"}).AddRow(false))
	mock.ExpectClose()

	store := NewStore(db)
	res, err := store.TryClaim(context.Background(), "step-lock-1", "w2", 2*time.Minute)
	if err != nil {
		t.Fatalf("TryClaim: %v", err)
	}
	if res != idempotency.ClaimLockedByOther {
		t.Fatalf("result = %s, want LockedByOther", res)
	}
}

func TestStore_Complete_Success(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	t.Cleanup(cleanup)

	mock.ExpectExec("UPDATE idempotency_keys").
		WithArgs("step-lock-1", "w1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectClose()

	store := NewStore(db)
	if err := store.Complete(context.Background(), "step-lock-1", "w1"); err != nil {
		t.Fatalf("Complete: %v", err)
	}
}

func TestStore_Complete_IdempotentOnSealedKey(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	t.Cleanup(cleanup)

	mock.ExpectExec("UPDATE idempotency_keys").
		WithArgs("step-lock-1", "w1").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT is_consumed FROM idempotency_keys").
		WithArgs("step-lock-1").
		WillReturnRows(sqlmock.NewRows([]string{"is_consumed"}).AddRow(true))
	mock.ExpectClose()

	store := NewStore(db)
	if err := store.Complete(context.Background(), "step-lock-1", "w1"); err != nil {
		t.Fatalf("Complete: %v", err)
	}
}

func TestStore_Complete_LostLease(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	t.Cleanup(cleanup)

	mock.ExpectExec("UPDATE idempotency_keys").
		WithArgs("step-lock-1", "w1").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT is_consumed FROM idempotency_keys").
		WithArgs("step-lock-1").
		WillReturnRows(sqlmock.NewRows([]string{"is_consumed"}).AddRow(false))
	mock.ExpectClose()

	store := NewStore(db)
	err := store.Complete(context.Background(), "step-lock-1", "w1")
	if !errors.Is(err, idempotency.ErrLostLease) {
		t.Fatalf("err = %v, want ErrLostLease", err)
	}
}

func TestStore_IsConsumed_MissingKey(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	t.Cleanup(cleanup)

	mock.ExpectQuery("SELECT is_consumed FROM idempotency_keys").
		WithArgs("nope").
		WillReturnRows(sqlmock.NewRows([]string{"is_consumed"}))
	mock.ExpectClose()

	store := NewStore(db)
	consumed, err := store.IsConsumed(context.Background(), "nope")
	if err != nil {
		t.Fatalf("IsConsumed: %v", err)
	}
	if consumed {
		t.Fatalf("missing key reported consumed")
	}
}
