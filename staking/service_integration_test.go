package staking

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"skillfi/ledger"
)

// TestStakeLifecycle_Integration exercises stake, voting power, the lock
// window, and claim against a live PostgreSQL.
func TestStakeLifecycle_Integration(t *testing.T) {
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

	var haveSchema bool
	if err := pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_name = 'stake_positions')`).Scan(&haveSchema); err != nil || !haveSchema {
		t.Skip("database schema missing; apply migrations first")
	}

	var accountID string
	if err := pool.QueryRow(ctx, `
		INSERT INTO accounts (email, full_name, password_hash, available_balance)
		VALUES ($1, 'Stake Test', 'x', 10000)
		RETURNING id
	`, fmt.Sprintf("staker+%d@example.com", time.Now().UnixNano())).Scan(&accountID); err != nil {
		t.Fatalf("seed account: %v", err)
	}
	t.Cleanup(func() {
		ctx2, cancel2 := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel2()
		pool.Exec(ctx2, `DELETE FROM stake_positions WHERE account_id = $1`, accountID)
		pool.Exec(ctx2, `DELETE FROM accounts WHERE id = $1`, accountID)
	})

	clock := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	svc, err := NewService(pool, ledger.NewRepository(), DefaultConfig())
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	svc.WithClock(func() time.Time { return clock })

	pos, err := svc.Stake(ctx, accountID, 1000, LockMedium)
	if err != nil {
		t.Fatalf("stake: %v", err)
	}
	if pos.UnlocksAt == nil || !pos.UnlocksAt.Equal(clock.Add(90*24*time.Hour)) {
		t.Fatalf("unexpected unlocks_at: %v", pos.UnlocksAt)
	}

	// Voting power reflects the lock immediately: 1000 * 1.25.
	power, err := svc.VotingPower(ctx, accountID)
	if err != nil {
		t.Fatalf("voting power: %v", err)
	}
	if power != 1250 {
		t.Fatalf("expected voting power 1250, got %d", power)
	}

	// Unstake before the window ends must fail and move nothing.
	if err := svc.Unstake(ctx, accountID, pos.ID, 1000); !errors.Is(err, ErrStillLocked) {
		t.Fatalf("expected ErrStillLocked, got %v", err)
	}

	var avail, locked int64
	if err := pool.QueryRow(ctx, `SELECT available_balance, locked_stake FROM accounts WHERE id = $1`, accountID).Scan(&avail, &locked); err != nil {
		t.Fatalf("read balances: %v", err)
	}
	if avail != 9000 || locked != 1000 {
		t.Fatalf("expected 9000/1000 after failed unstake, got %d/%d", avail, locked)
	}

	// Advance past the lock; claim then unstake in full.
	clock = clock.Add(91 * 24 * time.Hour)

	claimed, err := svc.ClaimReward(ctx, accountID)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	want := accrue(1000, 125, DefaultConfig().AnnualRateBP, pos.StakedAt, clock)
	if claimed != want {
		t.Fatalf("expected claim %d, got %d", want, claimed)
	}

	if err := svc.Unstake(ctx, accountID, pos.ID, 1000); err != nil {
		t.Fatalf("unstake: %v", err)
	}

	if err := pool.QueryRow(ctx, `SELECT available_balance, locked_stake FROM accounts WHERE id = $1`, accountID).Scan(&avail, &locked); err != nil {
		t.Fatalf("read balances: %v", err)
	}
	if locked != 0 {
		t.Fatalf("expected no locked stake, got %d", locked)
	}
	if avail != 10000+claimed {
		t.Fatalf("expected available %d, got %d", 10000+claimed, avail)
	}

	power, err = svc.VotingPower(ctx, accountID)
	if err != nil {
		t.Fatalf("voting power: %v", err)
	}
	if power != 0 {
		t.Fatalf("expected zero voting power after full unstake, got %d", power)
	}
}
