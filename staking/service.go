package staking

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrStillLocked signals an unstake before the commitment window ends.
	ErrStillLocked = errors.New("staking: position still locked")
	// ErrInsufficientStake signals an unstake larger than the position.
	ErrInsufficientStake = errors.New("staking: unstake exceeds position amount")
	// ErrInvalidAmount signals a zero or negative stake amount.
	ErrInvalidAmount = errors.New("staking: amount must be positive")
)

// Ledger is the slice of the ledger repository the staking engine drives.
// Balances move only through these calls; staking never touches balance
// columns directly.
type Ledger interface {
	LockStake(ctx context.Context, tx pgx.Tx, accountID string, amount int64) error
	UnlockStake(ctx context.Context, tx pgx.Tx, accountID string, amount int64) error
	CreditReward(ctx context.Context, tx pgx.Tx, accountID string, amount int64) error
}

// Service manages timed lock commitments and reward accrual.
type Service struct {
	pool   *pgxpool.Pool
	repo   *PGRepository
	ledger Ledger
	cfg    Config
	now    func() time.Time
	newID  func() string
}

func NewService(pool *pgxpool.Pool, ledger Ledger, cfg Config) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Service{
		pool:   pool,
		repo:   NewRepository(pool),
		ledger: ledger,
		cfg:    cfg,
		now:    time.Now,
		newID:  uuid.NewString,
	}, nil
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Stake reserves amount from the account's available balance into locked
// stake and opens a position under the chosen lock period.
func (s *Service) Stake(ctx context.Context, accountID string, amount int64, period LockPeriod) (Position, error) {
	if amount <= 0 {
		return Position{}, ErrInvalidAmount
	}
	terms, err := s.cfg.TermsFor(period)
	if err != nil {
		return Position{}, err
	}

	now := s.now().UTC()
	pos := Position{
		ID:           s.newID(),
		AccountID:    accountID,
		Amount:       amount,
		LockPeriod:   period,
		MultiplierBP: terms.MultiplierBP,
		StakedAt:     now,
	}
	if terms.Duration > 0 {
		unlocks := now.Add(terms.Duration)
		pos.UnlocksAt = &unlocks
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Position{}, fmt.Errorf("staking: begin stake: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := s.ledger.LockStake(ctx, tx, accountID, amount); err != nil {
		return Position{}, err
	}

	pos, err = s.repo.Insert(ctx, tx, pos)
	if err != nil {
		return Position{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Position{}, fmt.Errorf("staking: commit stake: %w", err)
	}
	return pos, nil
}

// Unstake returns amount from the position to the available balance. A full
// unstake destroys the position and pays out its accrued reward with it.
func (s *Service) Unstake(ctx context.Context, accountID, positionID string, amount int64) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("staking: begin unstake: %w", err)
	}
	defer tx.Rollback(ctx)

	pos, err := s.repo.GetForUpdate(ctx, tx, positionID)
	if err != nil {
		return err
	}
	if pos.AccountID != accountID {
		return ErrPositionNotFound
	}

	now := s.now().UTC()
	if pos.UnlocksAt != nil && now.Before(*pos.UnlocksAt) {
		return fmt.Errorf("%w until %s", ErrStillLocked, pos.UnlocksAt.Format(time.RFC3339))
	}
	if amount > pos.Amount {
		return ErrInsufficientStake
	}

	// Bank the reward earned so far before the amount changes, so time
	// already served is paid at the rate it was earned.
	banked := pos.Accrued(s.cfg, now)

	reward := int64(0)
	if amount == pos.Amount {
		reward = banked
		if err := s.repo.Delete(ctx, tx, positionID); err != nil {
			return err
		}
	} else {
		if err := s.repo.Reduce(ctx, tx, positionID, pos.Amount-amount, banked, now); err != nil {
			return err
		}
	}

	// Ledger moves come last so a crash before this point leaves no funds
	// moved.
	if err := s.ledger.UnlockStake(ctx, tx, accountID, amount); err != nil {
		return err
	}
	if reward > 0 {
		if err := s.ledger.CreditReward(ctx, tx, accountID, reward); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("staking: commit unstake: %w", err)
	}
	return nil
}

// AccruedReward reports the total claimable reward across the account's
// positions at this instant. Pure read; nothing is reset.
func (s *Service) AccruedReward(ctx context.Context, accountID string) (int64, error) {
	positions, err := s.repo.List(ctx, accountID)
	if err != nil {
		return 0, err
	}

	now := s.now().UTC()
	var total int64
	for _, p := range positions {
		total += p.Accrued(s.cfg, now)
	}
	return total, nil
}

// ClaimReward credits the accrued reward to the available balance and
// restarts accrual on every position.
func (s *Service) ClaimReward(ctx context.Context, accountID string) (int64, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("staking: begin claim: %w", err)
	}
	defer tx.Rollback(ctx)

	positions, err := s.repo.ListForUpdate(ctx, tx, accountID)
	if err != nil {
		return 0, err
	}

	now := s.now().UTC()
	var total int64
	for _, p := range positions {
		total += p.Accrued(s.cfg, now)
		if err := s.repo.ResetAccrual(ctx, tx, p.ID, now); err != nil {
			return 0, err
		}
	}

	if total > 0 {
		if err := s.ledger.CreditReward(ctx, tx, accountID, total); err != nil {
			return 0, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("staking: commit claim: %w", err)
	}
	return total, nil
}

// VotingPower evaluates sum(amount * multiplier) over live positions at the
// moment of the call, so it always reflects currently locked stake.
func (s *Service) VotingPower(ctx context.Context, accountID string) (int64, error) {
	return s.repo.VotingPower(ctx, accountID)
}

// Positions lists the account's open stake positions.
func (s *Service) Positions(ctx context.Context, accountID string) ([]Position, error) {
	return s.repo.List(ctx, accountID)
}
