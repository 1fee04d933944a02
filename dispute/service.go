package dispute

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
	// ErrAlreadyResolved is returned for ballots on a settled dispute.
	ErrAlreadyResolved = errors.New("dispute: already resolved")
	// ErrVotingClosed is returned for ballots cast after the deadline.
	ErrVotingClosed = errors.New("dispute: voting window closed")
	// ErrVotingStillOpen is returned when resolution is attempted before the
	// deadline.
	ErrVotingStillOpen = errors.New("dispute: voting window still open")
	// ErrInsufficientVotingPower is returned when the voter's staked power is
	// below the configured floor.
	ErrInsufficientVotingPower = errors.New("dispute: insufficient voting power")
)

// StakeReader supplies stake-weighted voting power, evaluated at the moment
// of the call.
type StakeReader interface {
	VotingPower(ctx context.Context, accountID string) (int64, error)
}

// Settler applies a resolved dispute's outcome inside the resolution
// transaction. Implemented by the escrow service.
type Settler interface {
	ApplySettlement(ctx context.Context, tx pgx.Tx, projectID string, winner Winner) error
}

// Service runs the stake-weighted voting process.
type Service struct {
	pool    *pgxpool.Pool
	repo    *Repository
	stakes  StakeReader
	settler Settler
	cfg     Config
	now     func() time.Time
	newID   func() string
}

func NewService(pool *pgxpool.Pool, stakes StakeReader, cfg Config) *Service {
	return &Service{
		pool:   pool,
		repo:   NewRepository(pool),
		stakes: stakes,
		cfg:    cfg,
		now:    time.Now,
		newID:  uuid.NewString,
	}
}

// WithSettler wires the escrow side after both services exist.
func (s *Service) WithSettler(settler Settler) *Service {
	s.settler = settler
	return s
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// OpenInTx creates the dispute inside the caller's transaction so the escrow
// transition and the dispute record commit together.
func (s *Service) OpenInTx(ctx context.Context, tx pgx.Tx, projectID, initiatorID, reason string) (Record, error) {
	now := s.now().UTC()
	return s.repo.Create(ctx, tx, Record{
		ID:             s.newID(),
		ProjectID:      projectID,
		InitiatorID:    initiatorID,
		Reason:         reason,
		OpenedAt:       now,
		VotingDeadline: now.Add(s.cfg.VotingWindow),
	})
}

// Vote casts one ballot. Power is read from the staking engine at cast time
// and written into the tally; later unstaking does not revisit it.
func (s *Service) Vote(ctx context.Context, disputeID, voterID string, supportsClient bool) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("dispute: begin vote: %w", err)
	}
	defer tx.Rollback(ctx)

	rec, err := s.repo.GetForUpdate(ctx, tx, disputeID)
	if err != nil {
		return err
	}
	now := s.now().UTC()
	if rec.Resolved {
		return ErrAlreadyResolved
	}
	if now.After(rec.VotingDeadline) {
		return ErrVotingClosed
	}
	voted, err := s.repo.HasVoted(ctx, tx, disputeID, voterID)
	if err != nil {
		return err
	}
	if voted {
		return ErrAlreadyVoted
	}

	power, err := s.stakes.VotingPower(ctx, voterID)
	if err != nil {
		return err
	}
	// The votes table only admits positive power, so the effective floor
	// never drops below one even when configured at zero.
	floor := s.cfg.MinVotingPower
	if floor < 1 {
		floor = 1
	}
	if power < floor {
		return fmt.Errorf("%w: have %d, need %d", ErrInsufficientVotingPower, power, floor)
	}

	if err := s.repo.InsertVote(ctx, tx, Vote{
		DisputeID:      disputeID,
		VoterID:        voterID,
		SupportsClient: supportsClient,
		Power:          power,
		CastAt:         now,
	}); err != nil {
		return err
	}
	if err := s.repo.AddToTally(ctx, tx, disputeID, supportsClient, power); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("dispute: commit vote: %w", err)
	}
	return nil
}

// Resolve closes the dispute after the voting deadline: a strictly greater
// tally wins, equal tallies split. The settlement runs in the same
// transaction, so a retry after a crash sees either nothing or the full
// outcome. Resolving an already resolved dispute is a no-op returning the
// recorded winner.
func (s *Service) Resolve(ctx context.Context, disputeID string) (Record, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Record{}, fmt.Errorf("dispute: begin resolve: %w", err)
	}
	defer tx.Rollback(ctx)

	rec, err := s.repo.GetForUpdate(ctx, tx, disputeID)
	if err != nil {
		return Record{}, err
	}
	if rec.Resolved {
		return rec, nil
	}
	if !s.now().UTC().After(rec.VotingDeadline) {
		return Record{}, ErrVotingStillOpen
	}
	if s.settler == nil {
		return Record{}, fmt.Errorf("dispute: settler not configured")
	}

	winner := WinnerSplit
	switch {
	case rec.VotesForClient > rec.VotesForFreelancer:
		winner = WinnerClient
	case rec.VotesForFreelancer > rec.VotesForClient:
		winner = WinnerFreelancer
	}

	if err := s.repo.MarkResolved(ctx, tx, disputeID, winner); err != nil {
		return Record{}, err
	}
	if err := s.settler.ApplySettlement(ctx, tx, rec.ProjectID, winner); err != nil {
		return Record{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Record{}, fmt.Errorf("dispute: commit resolve: %w", err)
	}

	rec.Resolved = true
	rec.Winner = &winner
	return rec, nil
}

// Get returns the dispute record.
func (s *Service) Get(ctx context.Context, disputeID string) (Record, error) {
	return s.repo.Get(ctx, disputeID)
}

// Votes lists the cast ballots.
func (s *Service) Votes(ctx context.Context, disputeID string) ([]Vote, error) {
	return s.repo.Votes(ctx, disputeID)
}
