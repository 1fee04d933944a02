package actors

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"skillfi/dispute"
	"skillfi/escrow"
	"skillfi/ledger"
	"skillfi/staking"
	"skillfi/throttle"
)

// expected reports whether the error is a business rejection the actor is
// allowed to hit under contention. Anything else aborts the run.
func expected(err error, allowed ...error) bool {
	for _, a := range allowed {
		if errors.Is(err, a) {
			return true
		}
	}
	return false
}

// Depositor credits random amounts so the other actors have funds to move.
func Depositor(ctx context.Context, svc *ledger.Service, accountID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		amount := int64(100 + rand.Intn(900))
		if err := svc.Deposit(ctx, accountID, amount); err != nil {
			if !expected(err, ledger.ErrAccountFrozen) {
				return fmt.Errorf("depositor: %w", err)
			}
		}
		time.Sleep(time.Duration(20+rand.Intn(40)) * time.Millisecond)
	}
}

// Staker opens, claims on, and tears down stake positions on one account.
func Staker(ctx context.Context, svc *staking.Service, accountID string, stop <-chan struct{}) error {
	periods := []staking.LockPeriod{staking.LockNone, staking.LockShort, staking.LockMedium}
	var positions []string
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		switch rand.Intn(4) {
		case 0, 1:
			pos, err := svc.Stake(ctx, accountID, int64(10+rand.Intn(90)), periods[rand.Intn(len(periods))])
			if err != nil {
				if !expected(err, ledger.ErrInsufficientFunds, ledger.ErrAccountFrozen) {
					return fmt.Errorf("staker stake: %w", err)
				}
			} else {
				positions = append(positions, pos.ID)
			}
		case 2:
			if _, err := svc.ClaimReward(ctx, accountID); err != nil {
				if !expected(err, ledger.ErrAccountFrozen) {
					return fmt.Errorf("staker claim: %w", err)
				}
			}
		case 3:
			if len(positions) == 0 {
				break
			}
			i := rand.Intn(len(positions))
			err := svc.Unstake(ctx, accountID, positions[i], int64(1+rand.Intn(50)))
			switch {
			case err == nil:
			case expected(err, staking.ErrStillLocked, staking.ErrInsufficientStake, ledger.ErrAccountFrozen):
			case expected(err, staking.ErrPositionNotFound):
				positions = append(positions[:i], positions[i+1:]...)
			default:
				return fmt.Errorf("staker unstake: %w", err)
			}
		}
		time.Sleep(time.Duration(20+rand.Intn(60)) * time.Millisecond)
	}
}

// ProjectRunner drives full project lifecycles: create, accept, then either
// complete in one piece, pay per milestone, or cancel before acceptance.
func ProjectRunner(ctx context.Context, svc *escrow.Service, clientID, freelancerID string, stop <-chan struct{}) error {
	throttled := []error{
		throttle.ErrInsufficientStake,
		throttle.ErrCooldownActive,
		throttle.ErrTooManyActiveProjects,
		throttle.ErrValueLimitExceeded,
		ledger.ErrInsufficientFunds,
		ledger.ErrAccountFrozen,
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		params := escrow.CreateParams{
			ClientID:    clientID,
			Title:       fmt.Sprintf("stress-%d", rand.Int63()),
			TotalAmount: int64(200 + rand.Intn(800)),
			Deadline:    time.Now().Add(24 * time.Hour),
		}
		withMilestones := rand.Intn(3) == 0
		if withMilestones {
			half := params.TotalAmount / 2
			params.Milestones = []int64{half, params.TotalAmount - half}
		}

		project, err := svc.Create(ctx, params)
		if err != nil {
			if !expected(err, throttled...) {
				return fmt.Errorf("runner create: %w", err)
			}
			time.Sleep(time.Duration(50+rand.Intn(100)) * time.Millisecond)
			continue
		}

		if rand.Intn(5) == 0 {
			if err := svc.Cancel(ctx, project.ID, clientID); err != nil && !expected(err, escrow.ErrInvalidTransition) {
				return fmt.Errorf("runner cancel: %w", err)
			}
			continue
		}

		if _, err := svc.AcceptFreelancer(ctx, project.ID, freelancerID); err != nil {
			if !expected(err, escrow.ErrInvalidTransition) {
				return fmt.Errorf("runner accept: %w", err)
			}
			continue
		}

		if withMilestones {
			for i := 0; i < 2; i++ {
				if err := svc.CompleteMilestone(ctx, project.ID, clientID, i); err != nil &&
					!expected(err, escrow.ErrMilestoneCompleted, escrow.ErrInvalidTransition, ledger.ErrBucketFrozen) {
					return fmt.Errorf("runner milestone: %w", err)
				}
			}
		} else {
			if rand.Intn(2) == 0 {
				if err := svc.SubmitWork(ctx, project.ID, freelancerID); err != nil && !expected(err, escrow.ErrInvalidTransition) {
					return fmt.Errorf("runner submit: %w", err)
				}
			}
			if err := svc.Complete(ctx, project.ID, clientID); err != nil &&
				!expected(err, escrow.ErrInvalidTransition, ledger.ErrBucketFrozen) {
				return fmt.Errorf("runner complete: %w", err)
			}
		}
		time.Sleep(time.Duration(30+rand.Intn(60)) * time.Millisecond)
	}
}

// DisputeRunner pushes projects into dispute, has the voters weigh in, and
// resolves after the voting window lapses.
func DisputeRunner(ctx context.Context, esc *escrow.Service, disp *dispute.Service, window time.Duration, clientID, freelancerID string, voterIDs []string, stop <-chan struct{}) error {
	throttled := []error{
		throttle.ErrInsufficientStake,
		throttle.ErrCooldownActive,
		throttle.ErrTooManyActiveProjects,
		throttle.ErrValueLimitExceeded,
		ledger.ErrInsufficientFunds,
		ledger.ErrAccountFrozen,
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		project, err := esc.Create(ctx, escrow.CreateParams{
			ClientID:    clientID,
			Title:       fmt.Sprintf("contested-%d", rand.Int63()),
			TotalAmount: int64(100 + rand.Intn(400)),
			Deadline:    time.Now().Add(24 * time.Hour),
		})
		if err != nil {
			if !expected(err, throttled...) {
				return fmt.Errorf("disputer create: %w", err)
			}
			time.Sleep(time.Duration(100+rand.Intn(200)) * time.Millisecond)
			continue
		}
		if _, err := esc.AcceptFreelancer(ctx, project.ID, freelancerID); err != nil {
			if !expected(err, escrow.ErrInvalidTransition) {
				return fmt.Errorf("disputer accept: %w", err)
			}
			continue
		}

		rec, err := esc.RaiseDispute(ctx, project.ID, clientID, "stress dispute")
		if err != nil {
			if !expected(err, escrow.ErrInvalidTransition, dispute.ErrAlreadyOpen) {
				return fmt.Errorf("disputer raise: %w", err)
			}
			continue
		}

		for _, voterID := range voterIDs {
			if err := disp.Vote(ctx, rec.ID, voterID, rand.Intn(2) == 0); err != nil &&
				!expected(err, dispute.ErrAlreadyVoted, dispute.ErrVotingClosed, dispute.ErrInsufficientVotingPower, dispute.ErrAlreadyResolved) {
				return fmt.Errorf("disputer vote: %w", err)
			}
		}

		// Wait out the voting window, then resolve; retry on the boundary.
		deadline := time.Now().Add(window + 200*time.Millisecond)
		for time.Now().Before(deadline) {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-stop:
				return nil
			case <-time.After(100 * time.Millisecond):
			}
		}
		if _, err := disp.Resolve(ctx, rec.ID); err != nil &&
			!expected(err, dispute.ErrVotingStillOpen, ledger.ErrBucketFrozen) {
			return fmt.Errorf("disputer resolve: %w", err)
		}
		// Resolution is idempotent; a duplicate call must be harmless.
		if _, err := disp.Resolve(ctx, rec.ID); err != nil && !expected(err, dispute.ErrVotingStillOpen) {
			return fmt.Errorf("disputer re-resolve: %w", err)
		}
	}
}

// OutboxWorker consumes pending outbox messages with SKIP LOCKED and marks
// them processed, with a simulated failure rate to exercise retries.
func OutboxWorker(ctx context.Context, pool *pgxpool.Pool, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		tx, err := pool.Begin(ctx)
		if err != nil {
			return err
		}
		rows, err := tx.Query(ctx, `SELECT id FROM outbox WHERE status='pending' ORDER BY created_at FOR UPDATE SKIP LOCKED LIMIT 10`)
		if err != nil {
			_ = tx.Rollback(ctx)
			time.Sleep(50 * time.Millisecond)
			continue
		}
		ids := make([]string, 0, 10)
		for rows.Next() {
			var id string
			_ = rows.Scan(&id)
			ids = append(ids, id)
		}
		rows.Close()
		for _, id := range ids {
			if rand.Intn(10) == 0 {
				_, _ = tx.Exec(ctx, `UPDATE outbox SET attempts=attempts+1, last_attempt=NOW() WHERE id=$1`, id)
				continue
			}
			_, _ = tx.Exec(ctx, `UPDATE outbox SET status='processed', last_attempt=NOW() WHERE id=$1`, id)
		}
		_ = tx.Commit(ctx)
		time.Sleep(100 * time.Millisecond)
	}
}
