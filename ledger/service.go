package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// Pool abstracts pgxpool.Pool for testability.
type Pool interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store is the transactional surface the service drives. Other settlement
// services (staking, escrow, dispute) use the same repository inside their
// own transactions.
type Store interface {
	Deposit(ctx context.Context, tx pgx.Tx, accountID string, amount int64) error
	FreezeAccount(ctx context.Context, tx pgx.Tx, accountID string) error
	FreezeBucket(ctx context.Context, tx pgx.Tx, projectID string) error
}

// Service exposes the standalone ledger operations (deposit, balance reads)
// and the quarantine hooks used when an integrity violation is detected.
type Service struct {
	pool Pool
	repo Store
}

func NewService(pool Pool, repo Store) *Service {
	if repo == nil {
		repo = NewRepository()
	}
	return &Service{pool: pool, repo: repo}
}

// Deposit credits amount to the account in its own transaction.
func (s *Service) Deposit(ctx context.Context, accountID string, amount int64) error {
	if accountID == "" {
		return fmt.Errorf("ledger: missing account id")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("ledger: begin deposit: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := s.repo.Deposit(ctx, tx, accountID, amount); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("ledger: commit deposit: %w", err)
	}
	return nil
}

// BalanceOf returns the account's available balance, staking-locked balance,
// and the total still held in escrow buckets it funded.
func (s *Service) BalanceOf(ctx context.Context, accountID string) (Balance, error) {
	const query = `
		SELECT a.id, a.available_balance, a.locked_stake,
		       COALESCE((SELECT SUM(locked_amount) FROM escrow_buckets WHERE depositor_id = a.id), 0)
		FROM accounts a
		WHERE a.id = $1
	`

	var bal Balance
	err := s.pool.QueryRow(ctx, query, accountID).Scan(&bal.AccountID, &bal.AvailableBalance, &bal.LockedStake, &bal.EscrowLocked)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Balance{}, ErrAccountNotFound
		}
		return Balance{}, fmt.Errorf("ledger: balance of: %w", err)
	}
	return bal, nil
}

// QuarantineAccount freezes the account in a fresh transaction. Called after
// the violating transaction rolled back; best effort, but the error is still
// reported so an operator sees a failed freeze.
func (s *Service) QuarantineAccount(ctx context.Context, accountID string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("ledger: begin quarantine: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := s.repo.FreezeAccount(ctx, tx, accountID); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("ledger: commit quarantine: %w", err)
	}
	return nil
}

// QuarantineBucket freezes the project's escrow bucket in a fresh transaction.
func (s *Service) QuarantineBucket(ctx context.Context, projectID string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("ledger: begin quarantine: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := s.repo.FreezeBucket(ctx, tx, projectID); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("ledger: commit quarantine: %w", err)
	}
	return nil
}
