package dispute

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrNotFound is returned when no dispute row exists for the id.
	ErrNotFound = errors.New("dispute: not found")
	// ErrAlreadyVoted is returned on a second ballot from the same voter.
	ErrAlreadyVoted = errors.New("dispute: account already voted")
	// ErrAlreadyOpen is returned when the project already has an unresolved
	// dispute.
	ErrAlreadyOpen = errors.New("dispute: project already has an open dispute")
)

// Repository implements dispute storage backed by PostgreSQL. All writes run
// inside a caller-supplied transaction so they commit together with the
// escrow transition that triggered them.
type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const disputeColumns = `id, project_id, initiator_id, reason, opened_at, voting_deadline, votes_for_client, votes_for_freelancer, resolved, winner, created_at, updated_at`

func scanRecord(row pgx.Row) (Record, error) {
	var rec Record
	err := row.Scan(
		&rec.ID,
		&rec.ProjectID,
		&rec.InitiatorID,
		&rec.Reason,
		&rec.OpenedAt,
		&rec.VotingDeadline,
		&rec.VotesForClient,
		&rec.VotesForFreelancer,
		&rec.Resolved,
		&rec.Winner,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	)
	return rec, err
}

// Create inserts the dispute row. The partial unique index on unresolved
// disputes backs the one-open-dispute-per-project rule.
func (r *Repository) Create(ctx context.Context, tx pgx.Tx, rec Record) (Record, error) {
	const query = `
		INSERT INTO disputes (id, project_id, initiator_id, reason, opened_at, voting_deadline)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING ` + disputeColumns

	created, err := scanRecord(tx.QueryRow(ctx, query,
		rec.ID, rec.ProjectID, rec.InitiatorID, rec.Reason, rec.OpenedAt, rec.VotingDeadline))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Record{}, ErrAlreadyOpen
		}
		return Record{}, fmt.Errorf("dispute: create: %w", err)
	}
	return created, nil
}

// GetForUpdate row-locks the dispute for the duration of a vote or
// resolution.
func (r *Repository) GetForUpdate(ctx context.Context, tx pgx.Tx, disputeID string) (Record, error) {
	const query = `SELECT ` + disputeColumns + ` FROM disputes WHERE id = $1 FOR UPDATE`

	rec, err := scanRecord(tx.QueryRow(ctx, query, disputeID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("dispute: get for update: %w", err)
	}
	return rec, nil
}

func (r *Repository) Get(ctx context.Context, disputeID string) (Record, error) {
	const query = `SELECT ` + disputeColumns + ` FROM disputes WHERE id = $1`

	rec, err := scanRecord(r.pool.QueryRow(ctx, query, disputeID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("dispute: get: %w", err)
	}
	return rec, nil
}

// InsertVote records the ballot. The composite primary key backs the
// one-vote-per-account rule.
func (r *Repository) InsertVote(ctx context.Context, tx pgx.Tx, v Vote) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO dispute_votes (dispute_id, voter_id, supports_client, power, cast_at)
		VALUES ($1, $2, $3, $4, $5)
	`, v.DisputeID, v.VoterID, v.SupportsClient, v.Power, v.CastAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrAlreadyVoted
		}
		return fmt.Errorf("dispute: insert vote: %w", err)
	}
	return nil
}

// AddToTally accumulates the ballot's power on the matching side.
func (r *Repository) AddToTally(ctx context.Context, tx pgx.Tx, disputeID string, supportsClient bool, power int64) error {
	column := "votes_for_freelancer"
	if supportsClient {
		column = "votes_for_client"
	}
	query := fmt.Sprintf(`UPDATE disputes SET %s = %s + $2, updated_at = now() WHERE id = $1`, column, column)
	if _, err := tx.Exec(ctx, query, disputeID, power); err != nil {
		return fmt.Errorf("dispute: add to tally: %w", err)
	}
	return nil
}

// MarkResolved freezes the record with its outcome.
func (r *Repository) MarkResolved(ctx context.Context, tx pgx.Tx, disputeID string, winner Winner) error {
	if _, err := tx.Exec(ctx, `
		UPDATE disputes SET resolved = TRUE, winner = $2, updated_at = now() WHERE id = $1
	`, disputeID, winner); err != nil {
		return fmt.Errorf("dispute: mark resolved: %w", err)
	}
	return nil
}

// HasVoted reports whether the account already cast a ballot.
func (r *Repository) HasVoted(ctx context.Context, tx pgx.Tx, disputeID, voterID string) (bool, error) {
	var voted bool
	err := tx.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM dispute_votes WHERE dispute_id = $1 AND voter_id = $2)
	`, disputeID, voterID).Scan(&voted)
	if err != nil {
		return false, fmt.Errorf("dispute: has voted: %w", err)
	}
	return voted, nil
}

// Votes lists the cast ballots, oldest first.
func (r *Repository) Votes(ctx context.Context, disputeID string) ([]Vote, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT dispute_id, voter_id, supports_client, power, cast_at
		FROM dispute_votes WHERE dispute_id = $1 ORDER BY cast_at
	`, disputeID)
	if err != nil {
		return nil, fmt.Errorf("dispute: list votes: %w", err)
	}
	defer rows.Close()

	out := make([]Vote, 0, 8)
	for rows.Next() {
		var v Vote
		if err := rows.Scan(&v.DisputeID, &v.VoterID, &v.SupportsClient, &v.Power, &v.CastAt); err != nil {
			return nil, fmt.Errorf("dispute: scan vote: %w", err)
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("dispute: iterate votes: %w", err)
	}
	return out, nil
}
