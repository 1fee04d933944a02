package staking

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrPositionNotFound is returned when no stake position matches the id.
var ErrPositionNotFound = errors.New("staking: position not found")

// PGRepository implements position storage backed by PostgreSQL.
type PGRepository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

const positionColumns = `id, account_id, amount, lock_period, multiplier_bp, staked_at, unlocks_at, banked_reward, last_accrual_at`

func scanPosition(row pgx.Row) (Position, error) {
	var p Position
	err := row.Scan(
		&p.ID,
		&p.AccountID,
		&p.Amount,
		&p.LockPeriod,
		&p.MultiplierBP,
		&p.StakedAt,
		&p.UnlocksAt,
		&p.BankedReward,
		&p.LastAccrualAt,
	)
	return p, err
}

// Insert writes a fresh position inside the caller's transaction.
func (r *PGRepository) Insert(ctx context.Context, tx pgx.Tx, p Position) (Position, error) {
	const query = `
		INSERT INTO stake_positions (id, account_id, amount, lock_period, multiplier_bp, staked_at, unlocks_at, banked_reward, last_accrual_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 0, $6)
		RETURNING ` + positionColumns

	p, err := scanPosition(tx.QueryRow(ctx, query, p.ID, p.AccountID, p.Amount, p.LockPeriod, p.MultiplierBP, p.StakedAt, p.UnlocksAt))
	if err != nil {
		return Position{}, fmt.Errorf("staking: insert position: %w", err)
	}
	return p, nil
}

// GetForUpdate row-locks a single position.
func (r *PGRepository) GetForUpdate(ctx context.Context, tx pgx.Tx, positionID string) (Position, error) {
	const query = `SELECT ` + positionColumns + ` FROM stake_positions WHERE id = $1 FOR UPDATE`

	p, err := scanPosition(tx.QueryRow(ctx, query, positionID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Position{}, ErrPositionNotFound
		}
		return Position{}, fmt.Errorf("staking: get position for update: %w", err)
	}
	return p, nil
}

// ListForUpdate row-locks every position held by the account, oldest first.
func (r *PGRepository) ListForUpdate(ctx context.Context, tx pgx.Tx, accountID string) ([]Position, error) {
	const query = `SELECT ` + positionColumns + ` FROM stake_positions WHERE account_id = $1 ORDER BY staked_at FOR UPDATE`

	rows, err := tx.Query(ctx, query, accountID)
	if err != nil {
		return nil, fmt.Errorf("staking: list positions for update: %w", err)
	}
	defer rows.Close()

	out := make([]Position, 0, 4)
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("staking: scan position: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("staking: iterate positions: %w", err)
	}
	return out, nil
}

// List returns the account's positions without locking.
func (r *PGRepository) List(ctx context.Context, accountID string) ([]Position, error) {
	const query = `SELECT ` + positionColumns + ` FROM stake_positions WHERE account_id = $1 ORDER BY staked_at`

	rows, err := r.pool.Query(ctx, query, accountID)
	if err != nil {
		return nil, fmt.Errorf("staking: list positions: %w", err)
	}
	defer rows.Close()

	out := make([]Position, 0, 4)
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("staking: scan position: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("staking: iterate positions: %w", err)
	}
	return out, nil
}

// Reduce shrinks a locked position, banking the accrual computed by the
// service and restarting the accrual clock.
func (r *PGRepository) Reduce(ctx context.Context, tx pgx.Tx, positionID string, newAmount, bankedReward int64, accruedThrough time.Time) error {
	tag, err := tx.Exec(ctx, `
		UPDATE stake_positions
		SET amount = $2, banked_reward = $3, last_accrual_at = $4
		WHERE id = $1
	`, positionID, newAmount, bankedReward, accruedThrough)
	if err != nil {
		return fmt.Errorf("staking: reduce position: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrPositionNotFound
	}
	return nil
}

// ResetAccrual zeroes the banked reward and restarts the accrual clock after
// a claim.
func (r *PGRepository) ResetAccrual(ctx context.Context, tx pgx.Tx, positionID string, claimedAt time.Time) error {
	tag, err := tx.Exec(ctx, `
		UPDATE stake_positions SET banked_reward = 0, last_accrual_at = $2 WHERE id = $1
	`, positionID, claimedAt)
	if err != nil {
		return fmt.Errorf("staking: reset accrual: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrPositionNotFound
	}
	return nil
}

// Delete destroys a fully unstaked position.
func (r *PGRepository) Delete(ctx context.Context, tx pgx.Tx, positionID string) error {
	tag, err := tx.Exec(ctx, `DELETE FROM stake_positions WHERE id = $1`, positionID)
	if err != nil {
		return fmt.Errorf("staking: delete position: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrPositionNotFound
	}
	return nil
}

// VotingPower sums amount*multiplier over the account's live positions at the
// moment of the call; nothing is cached.
func (r *PGRepository) VotingPower(ctx context.Context, accountID string) (int64, error) {
	const query = `
		SELECT COALESCE(SUM(amount * multiplier_bp / 100), 0)
		FROM stake_positions
		WHERE account_id = $1
	`

	var power int64
	if err := r.pool.QueryRow(ctx, query, accountID).Scan(&power); err != nil {
		return 0, fmt.Errorf("staking: voting power: %w", err)
	}
	return power, nil
}
