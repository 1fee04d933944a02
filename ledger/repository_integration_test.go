package ledger

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// TestLedgerFlows_Integration connects to a real PostgreSQL via DATABASE_URL
// and verifies reserve/release/refund conserve value end to end.
func TestLedgerFlows_Integration(t *testing.T) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL is empty; set it to a live PostgreSQL to run integration test")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("connect pool: %v", err)
	}
	defer pool.Close()

	if !tableExists(ctx, t, pool, "accounts") || !tableExists(ctx, t, pool, "escrow_buckets") {
		t.Skip("database schema missing; apply migrations first")
	}

	clientID := seedAccount(t, ctx, pool, "client")
	freelancerID := seedAccount(t, ctx, pool, "freelancer")
	projectID := uuid.NewString()

	t.Cleanup(func() {
		ctx2, cancel2 := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel2()
		pool.Exec(ctx2, `DELETE FROM escrow_buckets WHERE project_id = $1`, projectID)
		pool.Exec(ctx2, `DELETE FROM accounts WHERE id IN ($1, $2)`, clientID, freelancerID)
	})

	repo := NewRepository()

	inTx := func(t *testing.T, fn func(tx pgx.Tx) error) error {
		t.Helper()
		tx, err := pool.Begin(ctx)
		if err != nil {
			t.Fatalf("begin: %v", err)
		}
		defer tx.Rollback(ctx)
		if err := fn(tx); err != nil {
			return err
		}
		return tx.Commit(ctx)
	}

	if err := inTx(t, func(tx pgx.Tx) error {
		return repo.Deposit(ctx, tx, clientID, 5000)
	}); err != nil {
		t.Fatalf("deposit: %v", err)
	}

	if err := inTx(t, func(tx pgx.Tx) error {
		return repo.Reserve(ctx, tx, projectID, clientID, 3000)
	}); err != nil {
		t.Fatalf("reserve: %v", err)
	}

	// Reserving beyond available must fail without mutating state.
	err = inTx(t, func(tx pgx.Tx) error {
		return repo.Reserve(ctx, tx, uuid.NewString(), clientID, 99999)
	})
	if !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}

	if err := inTx(t, func(tx pgx.Tx) error {
		remaining, err := repo.Release(ctx, tx, projectID, freelancerID, 1000)
		if err != nil {
			return err
		}
		if remaining != 2000 {
			return fmt.Errorf("expected remaining 2000, got %d", remaining)
		}
		return nil
	}); err != nil {
		t.Fatalf("release: %v", err)
	}

	// Over-release is an integrity failure.
	err = inTx(t, func(tx pgx.Tx) error {
		_, err := repo.Release(ctx, tx, projectID, freelancerID, 5000)
		return err
	})
	if !errors.Is(err, ErrOverRelease) {
		t.Fatalf("expected ErrOverRelease, got %v", err)
	}

	if err := inTx(t, func(tx pgx.Tx) error {
		remaining, err := repo.Refund(ctx, tx, projectID, 2000)
		if err != nil {
			return err
		}
		if remaining != 0 {
			return fmt.Errorf("expected drained bucket, got %d", remaining)
		}
		return nil
	}); err != nil {
		t.Fatalf("refund: %v", err)
	}

	// Conservation: client deposited 5000, paid out 1000 to the freelancer.
	var clientAvail, freelancerAvail int64
	if err := pool.QueryRow(ctx, `SELECT available_balance FROM accounts WHERE id = $1`, clientID).Scan(&clientAvail); err != nil {
		t.Fatalf("read client balance: %v", err)
	}
	if err := pool.QueryRow(ctx, `SELECT available_balance FROM accounts WHERE id = $1`, freelancerID).Scan(&freelancerAvail); err != nil {
		t.Fatalf("read freelancer balance: %v", err)
	}
	if clientAvail != 4000 {
		t.Errorf("expected client balance 4000, got %d", clientAvail)
	}
	if freelancerAvail != 1000 {
		t.Errorf("expected freelancer balance 1000, got %d", freelancerAvail)
	}

	// Unknown bucket surfaces as a state error.
	err = inTx(t, func(tx pgx.Tx) error {
		_, err := repo.Release(ctx, tx, uuid.NewString(), freelancerID, 1)
		return err
	})
	if !errors.Is(err, ErrUnknownEscrow) {
		t.Fatalf("expected ErrUnknownEscrow, got %v", err)
	}
}

func seedAccount(t *testing.T, ctx context.Context, pool *pgxpool.Pool, role string) string {
	t.Helper()
	var id string
	err := pool.QueryRow(ctx, `
		INSERT INTO accounts (email, full_name, password_hash, role)
		VALUES ($1, $2, 'x', $3)
		RETURNING id
	`, fmt.Sprintf("%s+%d@example.com", role, time.Now().UnixNano()), "Ledger Test", role).Scan(&id)
	if err != nil {
		t.Fatalf("seed account: %v", err)
	}
	return id
}

func tableExists(ctx context.Context, t *testing.T, pool *pgxpool.Pool, table string) bool {
	t.Helper()
	var exists bool
	if err := pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_name = $1)`, table).Scan(&exists); err != nil {
		t.Fatalf("check table %s: %v", table, err)
	}
	return exists
}
