package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

var (
	// ErrInvalidAmount signals a zero or negative amount.
	ErrInvalidAmount = errors.New("ledger: amount must be positive")
	// ErrAccountNotFound is returned when no account row exists for the id.
	ErrAccountNotFound = errors.New("ledger: account not found")
	// ErrInsufficientFunds signals the available balance cannot cover the move.
	ErrInsufficientFunds = errors.New("ledger: insufficient funds")
	// ErrUnknownEscrow is returned when no bucket exists for the project.
	ErrUnknownEscrow = errors.New("ledger: unknown escrow bucket")
	// ErrOverRelease signals an attempt to release more than the bucket holds.
	// This is an integrity failure: buckets are sized at reservation time and
	// every payout is checked against the remainder.
	ErrOverRelease = errors.New("ledger: release exceeds locked amount")
	// ErrAccountFrozen signals the account was quarantined after an integrity
	// violation and refuses further mutation.
	ErrAccountFrozen = errors.New("ledger: account frozen")
	// ErrBucketFrozen signals the escrow bucket was quarantined.
	ErrBucketFrozen = errors.New("ledger: escrow bucket frozen")
	// ErrIntegrity is returned when a balance invariant trips at the database
	// level (negative balance, double reserve). Never downgrade it.
	ErrIntegrity = errors.New("ledger: integrity violation")
)

// Repository executes balance movements inside the caller's transaction so
// multi-entity operations (reserve-then-create, complete-then-release) commit
// or roll back as one unit.
type Repository struct{}

func NewRepository() *Repository {
	return &Repository{}
}

// GetAccountForUpdate row-locks the account for the remainder of the
// transaction. All mutating ledger calls go through it.
func (r *Repository) GetAccountForUpdate(ctx context.Context, tx pgx.Tx, accountID string) (Account, error) {
	const query = `
		SELECT id, available_balance, locked_stake, active_project_count,
		       last_project_created_at, is_verified, frozen, updated_at
		FROM accounts
		WHERE id = $1
		FOR UPDATE
	`

	var acct Account
	err := tx.QueryRow(ctx, query, accountID).Scan(
		&acct.ID,
		&acct.AvailableBalance,
		&acct.LockedStake,
		&acct.ActiveProjectCount,
		&acct.LastProjectCreatedAt,
		&acct.IsVerified,
		&acct.Frozen,
		&acct.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Account{}, ErrAccountNotFound
		}
		return Account{}, fmt.Errorf("ledger: get account for update: %w", err)
	}
	if acct.Frozen {
		return Account{}, ErrAccountFrozen
	}
	return acct, nil
}

// Deposit credits the available balance. The only failure beyond a bad amount
// is a missing or frozen account.
func (r *Repository) Deposit(ctx context.Context, tx pgx.Tx, accountID string, amount int64) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	if _, err := r.GetAccountForUpdate(ctx, tx, accountID); err != nil {
		return err
	}

	if _, err := tx.Exec(ctx, `
		UPDATE accounts SET available_balance = available_balance + $2, updated_at = now()
		WHERE id = $1
	`, accountID, amount); err != nil {
		return mapIntegrity("deposit", err)
	}
	return nil
}

// Reserve moves amount from the depositor's available balance into a fresh
// escrow bucket keyed by project id.
func (r *Repository) Reserve(ctx context.Context, tx pgx.Tx, projectID, accountID string, amount int64) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}

	acct, err := r.GetAccountForUpdate(ctx, tx, accountID)
	if err != nil {
		return err
	}
	if acct.AvailableBalance < amount {
		return ErrInsufficientFunds
	}

	if _, err := tx.Exec(ctx, `
		UPDATE accounts SET available_balance = available_balance - $2, updated_at = now()
		WHERE id = $1
	`, accountID, amount); err != nil {
		return mapIntegrity("reserve debit", err)
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO escrow_buckets (project_id, depositor_id, locked_amount)
		VALUES ($1, $2, $3)
	`, projectID, accountID, amount); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			// A second bucket for the same project means a double reserve.
			return fmt.Errorf("%w: duplicate bucket for project %s", ErrIntegrity, projectID)
		}
		return mapIntegrity("reserve bucket", err)
	}
	return nil
}

// Release moves amount out of the project's bucket into the recipient's
// available balance and returns the bucket remainder.
func (r *Repository) Release(ctx context.Context, tx pgx.Tx, projectID, recipientID string, amount int64) (int64, error) {
	if amount <= 0 {
		return 0, ErrInvalidAmount
	}

	bucket, err := r.BucketForUpdate(ctx, tx, projectID)
	if err != nil {
		return 0, err
	}
	if bucket.LockedAmount < amount {
		return 0, fmt.Errorf("%w: project %s holds %d, asked %d", ErrOverRelease, projectID, bucket.LockedAmount, amount)
	}

	if _, err := r.GetAccountForUpdate(ctx, tx, recipientID); err != nil {
		return 0, err
	}

	if _, err := tx.Exec(ctx, `
		UPDATE escrow_buckets SET locked_amount = locked_amount - $2, updated_at = now()
		WHERE project_id = $1
	`, projectID, amount); err != nil {
		return 0, mapIntegrity("release bucket", err)
	}

	if _, err := tx.Exec(ctx, `
		UPDATE accounts SET available_balance = available_balance + $2, updated_at = now()
		WHERE id = $1
	`, recipientID, amount); err != nil {
		return 0, mapIntegrity("release credit", err)
	}

	return bucket.LockedAmount - amount, nil
}

// Refund is a release back to the original depositor.
func (r *Repository) Refund(ctx context.Context, tx pgx.Tx, projectID string, amount int64) (int64, error) {
	bucket, err := r.BucketForUpdate(ctx, tx, projectID)
	if err != nil {
		return 0, err
	}
	return r.Release(ctx, tx, projectID, bucket.DepositorID, amount)
}

// BucketForUpdate row-locks the escrow bucket for the project.
func (r *Repository) BucketForUpdate(ctx context.Context, tx pgx.Tx, projectID string) (Bucket, error) {
	const query = `
		SELECT project_id, depositor_id, locked_amount, frozen, updated_at
		FROM escrow_buckets
		WHERE project_id = $1
		FOR UPDATE
	`

	var b Bucket
	err := tx.QueryRow(ctx, query, projectID).Scan(&b.ProjectID, &b.DepositorID, &b.LockedAmount, &b.Frozen, &b.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Bucket{}, ErrUnknownEscrow
		}
		return Bucket{}, fmt.Errorf("ledger: get bucket for update: %w", err)
	}
	if b.Frozen {
		return Bucket{}, ErrBucketFrozen
	}
	return b, nil
}

// LockStake moves amount from available balance into the staking-locked
// balance. Only the staking service calls it; the ledger stays the sole
// balance mutator.
func (r *Repository) LockStake(ctx context.Context, tx pgx.Tx, accountID string, amount int64) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}

	acct, err := r.GetAccountForUpdate(ctx, tx, accountID)
	if err != nil {
		return err
	}
	if acct.AvailableBalance < amount {
		return ErrInsufficientFunds
	}

	if _, err := tx.Exec(ctx, `
		UPDATE accounts
		SET available_balance = available_balance - $2,
		    locked_stake = locked_stake + $2,
		    updated_at = now()
		WHERE id = $1
	`, accountID, amount); err != nil {
		return mapIntegrity("lock stake", err)
	}
	return nil
}

// UnlockStake moves amount back to the available balance. Stake positions are
// the source of truth for how much may be unlocked, so a shortfall here means
// the books and the positions disagree.
func (r *Repository) UnlockStake(ctx context.Context, tx pgx.Tx, accountID string, amount int64) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}

	acct, err := r.GetAccountForUpdate(ctx, tx, accountID)
	if err != nil {
		return err
	}
	if acct.LockedStake < amount {
		return fmt.Errorf("%w: locked stake %d below unlock %d for account %s", ErrIntegrity, acct.LockedStake, amount, accountID)
	}

	if _, err := tx.Exec(ctx, `
		UPDATE accounts
		SET available_balance = available_balance + $2,
		    locked_stake = locked_stake - $2,
		    updated_at = now()
		WHERE id = $1
	`, accountID, amount); err != nil {
		return mapIntegrity("unlock stake", err)
	}
	return nil
}

// CreditReward mints the claimed staking reward into the available balance.
func (r *Repository) CreditReward(ctx context.Context, tx pgx.Tx, accountID string, amount int64) error {
	if amount < 0 {
		return ErrInvalidAmount
	}
	if amount == 0 {
		return nil
	}
	if _, err := r.GetAccountForUpdate(ctx, tx, accountID); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `
		UPDATE accounts SET available_balance = available_balance + $2, updated_at = now()
		WHERE id = $1
	`, accountID, amount); err != nil {
		return mapIntegrity("credit reward", err)
	}
	return nil
}

// FreezeAccount quarantines an account after an integrity violation. It runs
// in its own transaction because the violating one has rolled back.
func (r *Repository) FreezeAccount(ctx context.Context, tx pgx.Tx, accountID string) error {
	if _, err := tx.Exec(ctx, `UPDATE accounts SET frozen = TRUE, updated_at = now() WHERE id = $1`, accountID); err != nil {
		return fmt.Errorf("ledger: freeze account: %w", err)
	}
	return nil
}

// FreezeBucket quarantines an escrow bucket after an integrity violation.
func (r *Repository) FreezeBucket(ctx context.Context, tx pgx.Tx, projectID string) error {
	if _, err := tx.Exec(ctx, `UPDATE escrow_buckets SET frozen = TRUE, updated_at = now() WHERE project_id = $1`, projectID); err != nil {
		return fmt.Errorf("ledger: freeze bucket: %w", err)
	}
	return nil
}

// mapIntegrity translates CHECK violations (negative balance, over-drained
// bucket) into ErrIntegrity so callers cannot mistake them for soft failures.
func mapIntegrity(op string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23514" {
		return fmt.Errorf("%w: %s: %s", ErrIntegrity, op, pgErr.ConstraintName)
	}
	return fmt.Errorf("ledger: %s: %w", op, err)
}
