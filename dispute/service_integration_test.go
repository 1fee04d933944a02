package dispute_test

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"skillfi/dispute"
	"skillfi/escrow"
	"skillfi/ledger"
	"skillfi/staking"
	"skillfi/throttle"
)

// TestDisputeFlow_Integration wires ledger, staking, escrow and dispute
// together against a live PostgreSQL: a disputed project is voted on by two
// stakers and the resolution refunds the client.
func TestDisputeFlow_Integration(t *testing.T) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL is empty; set it to a live PostgreSQL to run integration test")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("connect pool: %v", err)
	}
	defer pool.Close()

	current := time.Now().UTC()
	clock := func() time.Time { return current }

	ledgerRepo := ledger.NewRepository()

	stakingSvc, err := staking.NewService(pool, ledgerRepo, staking.DefaultConfig())
	if err != nil {
		t.Fatalf("staking service: %v", err)
	}
	stakingSvc.WithClock(clock)

	cfg := dispute.Config{VotingWindow: 72 * time.Hour, MinVotingPower: 50}
	disputeSvc := dispute.NewService(pool, stakingSvc, cfg).WithClock(clock)
	escrowSvc := escrow.NewService(pool, ledgerRepo, throttle.DefaultConfig()).
		WithClock(clock).
		WithDisputeOpener(disputeSvc)
	disputeSvc.WithSettler(escrowSvc)

	clientID := seedAccount(t, ctx, pool, "client", 10_000)
	freelancerID := seedAccount(t, ctx, pool, "freelancer", 0)
	voterBigID := seedAccount(t, ctx, pool, "client", 100)
	voterSmallID := seedAccount(t, ctx, pool, "client", 50)

	t.Cleanup(func() { cleanup(pool, clientID, freelancerID, voterBigID, voterSmallID) })

	// Voting power comes from live stake: 100 and 50 at the 1.0x period.
	if _, err := stakingSvc.Stake(ctx, voterBigID, 100, staking.LockNone); err != nil {
		t.Fatalf("stake voter: %v", err)
	}
	if _, err := stakingSvc.Stake(ctx, voterSmallID, 50, staking.LockNone); err != nil {
		t.Fatalf("stake voter: %v", err)
	}

	project, err := escrowSvc.Create(ctx, escrow.CreateParams{
		ClientID:    clientID,
		Title:       "contested delivery",
		TotalAmount: 4000,
		Deadline:    current.Add(30 * 24 * time.Hour),
	})
	if err != nil {
		t.Fatalf("create project: %v", err)
	}
	if _, err := escrowSvc.AcceptFreelancer(ctx, project.ID, freelancerID); err != nil {
		t.Fatalf("accept: %v", err)
	}

	rec, err := escrowSvc.RaiseDispute(ctx, project.ID, clientID, "deliverable unusable")
	if err != nil {
		t.Fatalf("raise dispute: %v", err)
	}
	if rec.VotingDeadline.Sub(rec.OpenedAt) != cfg.VotingWindow {
		t.Errorf("expected deadline %s after opening, got %s", cfg.VotingWindow, rec.VotingDeadline.Sub(rec.OpenedAt))
	}

	// A second dispute on the same project is rejected by the state machine.
	if _, err := escrowSvc.RaiseDispute(ctx, project.ID, clientID, "again"); !errors.Is(err, escrow.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}

	if err := disputeSvc.Vote(ctx, rec.ID, voterBigID, true); err != nil {
		t.Fatalf("vote big: %v", err)
	}
	if err := disputeSvc.Vote(ctx, rec.ID, voterSmallID, true); err != nil {
		t.Fatalf("vote small: %v", err)
	}
	if err := disputeSvc.Vote(ctx, rec.ID, voterBigID, false); !errors.Is(err, dispute.ErrAlreadyVoted) {
		t.Fatalf("expected ErrAlreadyVoted, got %v", err)
	}
	if err := disputeSvc.Vote(ctx, rec.ID, freelancerID, false); !errors.Is(err, dispute.ErrInsufficientVotingPower) {
		t.Fatalf("expected ErrInsufficientVotingPower, got %v", err)
	}

	mid, err := disputeSvc.Get(ctx, rec.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if mid.VotesForClient != 150 || mid.VotesForFreelancer != 0 {
		t.Errorf("expected tallies 150/0, got %d/%d", mid.VotesForClient, mid.VotesForFreelancer)
	}

	if _, err := disputeSvc.Resolve(ctx, rec.ID); !errors.Is(err, dispute.ErrVotingStillOpen) {
		t.Fatalf("expected ErrVotingStillOpen, got %v", err)
	}

	current = current.Add(cfg.VotingWindow + time.Minute)

	if err := disputeSvc.Vote(ctx, rec.ID, voterSmallID, false); !errors.Is(err, dispute.ErrVotingClosed) {
		t.Fatalf("expected ErrVotingClosed, got %v", err)
	}

	resolved, err := disputeSvc.Resolve(ctx, rec.ID)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if resolved.Winner == nil || *resolved.Winner != dispute.WinnerClient {
		t.Fatalf("expected client winner, got %v", resolved.Winner)
	}

	if bal := balance(t, ctx, pool, clientID); bal != 10_000 {
		t.Errorf("expected full refund to 10000, got %d", bal)
	}
	if bal := balance(t, ctx, pool, freelancerID); bal != 0 {
		t.Errorf("expected freelancer unpaid, got %d", bal)
	}

	settled, err := escrowSvc.Get(ctx, project.ID)
	if err != nil {
		t.Fatalf("get project: %v", err)
	}
	if settled.Status != escrow.StatusCompleted {
		t.Errorf("expected completed after settlement, got %s", settled.Status)
	}

	// Resolving again is a no-op returning the same winner.
	again, err := disputeSvc.Resolve(ctx, rec.ID)
	if err != nil {
		t.Fatalf("second resolve: %v", err)
	}
	if again.Winner == nil || *again.Winner != dispute.WinnerClient {
		t.Fatalf("expected stable winner, got %v", again.Winner)
	}
	if bal := balance(t, ctx, pool, clientID); bal != 10_000 {
		t.Errorf("second resolve must not move money again, got %d", bal)
	}
}

// TestDisputeSplitSettlement_Integration covers the tie outcomes: equal
// tallies split the remaining escrow with the odd unit going back to the
// client, and a dispute nobody votes on resolves the same way.
func TestDisputeSplitSettlement_Integration(t *testing.T) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL is empty; set it to a live PostgreSQL to run integration test")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("connect pool: %v", err)
	}
	defer pool.Close()

	current := time.Now().UTC()
	clock := func() time.Time { return current }

	ledgerRepo := ledger.NewRepository()

	stakingSvc, err := staking.NewService(pool, ledgerRepo, staking.DefaultConfig())
	if err != nil {
		t.Fatalf("staking service: %v", err)
	}
	stakingSvc.WithClock(clock)

	cfg := dispute.Config{VotingWindow: 72 * time.Hour, MinVotingPower: 50}
	disputeSvc := dispute.NewService(pool, stakingSvc, cfg).WithClock(clock)
	escrowSvc := escrow.NewService(pool, ledgerRepo, throttle.DefaultConfig()).
		WithClock(clock).
		WithDisputeOpener(disputeSvc)
	disputeSvc.WithSettler(escrowSvc)

	clientID := seedAccount(t, ctx, pool, "client", 10_000)
	freelancerID := seedAccount(t, ctx, pool, "freelancer", 0)
	voterClientSideID := seedAccount(t, ctx, pool, "client", 100)
	voterFreelancerSideID := seedAccount(t, ctx, pool, "client", 100)

	t.Cleanup(func() { cleanup(pool, clientID, freelancerID, voterClientSideID, voterFreelancerSideID) })

	// Equal stake on both sides at the 1.0x period.
	if _, err := stakingSvc.Stake(ctx, voterClientSideID, 100, staking.LockNone); err != nil {
		t.Fatalf("stake voter: %v", err)
	}
	if _, err := stakingSvc.Stake(ctx, voterFreelancerSideID, 100, staking.LockNone); err != nil {
		t.Fatalf("stake voter: %v", err)
	}

	raise := func(t *testing.T, title string, total int64) dispute.Record {
		t.Helper()
		project, err := escrowSvc.Create(ctx, escrow.CreateParams{
			ClientID:    clientID,
			Title:       title,
			TotalAmount: total,
			Deadline:    current.Add(30 * 24 * time.Hour),
		})
		if err != nil {
			t.Fatalf("create project: %v", err)
		}
		if _, err := escrowSvc.AcceptFreelancer(ctx, project.ID, freelancerID); err != nil {
			t.Fatalf("accept: %v", err)
		}
		rec, err := escrowSvc.RaiseDispute(ctx, project.ID, clientID, "quality disagreement")
		if err != nil {
			t.Fatalf("raise dispute: %v", err)
		}
		return rec
	}

	// 100 vs 100 over an odd bucket: 4001 splits 2000/2001, extra unit to
	// the client who funded it.
	rec := raise(t, "odd split", 4001)
	if err := disputeSvc.Vote(ctx, rec.ID, voterClientSideID, true); err != nil {
		t.Fatalf("vote client side: %v", err)
	}
	if err := disputeSvc.Vote(ctx, rec.ID, voterFreelancerSideID, false); err != nil {
		t.Fatalf("vote freelancer side: %v", err)
	}

	// A voter with no live stake is rejected even when the configured floor
	// is zero; a ballot always needs positive power.
	zeroFloor := dispute.NewService(pool, stakingSvc, dispute.Config{
		VotingWindow:   cfg.VotingWindow,
		MinVotingPower: 0,
	}).WithClock(clock)
	if err := zeroFloor.Vote(ctx, rec.ID, freelancerID, false); !errors.Is(err, dispute.ErrInsufficientVotingPower) {
		t.Fatalf("expected ErrInsufficientVotingPower at zero floor, got %v", err)
	}

	current = current.Add(cfg.VotingWindow + time.Minute)

	resolved, err := disputeSvc.Resolve(ctx, rec.ID)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if resolved.Winner == nil || *resolved.Winner != dispute.WinnerSplit {
		t.Fatalf("expected split winner, got %v", resolved.Winner)
	}
	if bal := balance(t, ctx, pool, clientID); bal != 8000 {
		t.Errorf("expected client at 8000 (10000 - 4001 + 2001), got %d", bal)
	}
	if bal := balance(t, ctx, pool, freelancerID); bal != 2000 {
		t.Errorf("expected freelancer at 2000, got %d", bal)
	}
	if locked := bucketRemainder(t, ctx, pool, rec.ProjectID); locked != 0 {
		t.Errorf("expected drained bucket, got %d", locked)
	}

	// No ballots cast at all is a 0-0 tie and splits evenly.
	rec = raise(t, "silent split", 3000)
	current = current.Add(cfg.VotingWindow + time.Minute)

	resolved, err = disputeSvc.Resolve(ctx, rec.ID)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if resolved.Winner == nil || *resolved.Winner != dispute.WinnerSplit {
		t.Fatalf("expected split winner with no votes, got %v", resolved.Winner)
	}
	if bal := balance(t, ctx, pool, clientID); bal != 6500 {
		t.Errorf("expected client at 6500 (8000 - 3000 + 1500), got %d", bal)
	}
	if bal := balance(t, ctx, pool, freelancerID); bal != 3500 {
		t.Errorf("expected freelancer at 3500, got %d", bal)
	}

	settled, err := escrowSvc.Get(ctx, rec.ProjectID)
	if err != nil {
		t.Fatalf("get project: %v", err)
	}
	if settled.Status != escrow.StatusCompleted {
		t.Errorf("expected completed after settlement, got %s", settled.Status)
	}
}

func seedAccount(t *testing.T, ctx context.Context, pool *pgxpool.Pool, role string, balance int64) string {
	t.Helper()
	var id string
	err := pool.QueryRow(ctx, `
		INSERT INTO accounts (email, full_name, password_hash, role, available_balance, locked_stake)
		VALUES ($1, $2, 'x', $3, $4, 500)
		RETURNING id
	`, role+"+"+time.Now().Format("150405.000000000")+"@example.com", "Dispute Test", role, balance).Scan(&id)
	if err != nil {
		t.Fatalf("seed account: %v", err)
	}
	return id
}

func balance(t *testing.T, ctx context.Context, pool *pgxpool.Pool, accountID string) int64 {
	t.Helper()
	var bal int64
	if err := pool.QueryRow(ctx, `SELECT available_balance FROM accounts WHERE id = $1`, accountID).Scan(&bal); err != nil {
		t.Fatalf("read balance: %v", err)
	}
	return bal
}

func bucketRemainder(t *testing.T, ctx context.Context, pool *pgxpool.Pool, projectID string) int64 {
	t.Helper()
	var locked int64
	if err := pool.QueryRow(ctx, `SELECT locked_amount FROM escrow_buckets WHERE project_id = $1`, projectID).Scan(&locked); err != nil {
		t.Fatalf("read bucket: %v", err)
	}
	return locked
}

func cleanup(pool *pgxpool.Pool, accountIDs ...string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, id := range accountIDs {
		pool.Exec(ctx, `DELETE FROM dispute_votes WHERE voter_id = $1 OR dispute_id IN (SELECT id FROM disputes WHERE initiator_id = $1)`, id)
		pool.Exec(ctx, `DELETE FROM disputes WHERE initiator_id = $1`, id)
		pool.Exec(ctx, `DELETE FROM timeline_events WHERE project_id IN (SELECT id FROM projects WHERE client_id = $1)`, id)
		pool.Exec(ctx, `DELETE FROM escrow_buckets WHERE depositor_id = $1`, id)
		pool.Exec(ctx, `DELETE FROM projects WHERE client_id = $1`, id)
		pool.Exec(ctx, `DELETE FROM stake_positions WHERE account_id = $1`, id)
		pool.Exec(ctx, `DELETE FROM accounts WHERE id = $1`, id)
	}
}
