package escrow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrProjectNotFound is returned when no project row exists for the id.
	ErrProjectNotFound = errors.New("escrow: project not found")
	// ErrMilestoneNotFound is returned for an index outside the milestone list.
	ErrMilestoneNotFound = errors.New("escrow: milestone not found")
)

// PGRepository implements project storage backed by PostgreSQL.
type PGRepository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

const projectColumns = `id, client_id, freelancer_id, title, total_amount, paid_amount, deadline, status, dispute_id, created_at, updated_at`

func scanProject(row pgx.Row) (Project, error) {
	var p Project
	err := row.Scan(
		&p.ID,
		&p.ClientID,
		&p.FreelancerID,
		&p.Title,
		&p.TotalAmount,
		&p.PaidAmount,
		&p.Deadline,
		&p.Status,
		&p.DisputeID,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	return p, err
}

// Insert writes the project row and its milestones inside the caller's
// transaction.
func (r *PGRepository) Insert(ctx context.Context, tx pgx.Tx, p Project) (Project, error) {
	const query = `
		INSERT INTO projects (id, client_id, title, total_amount, deadline, status)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING ` + projectColumns

	inserted, err := scanProject(tx.QueryRow(ctx, query, p.ID, p.ClientID, p.Title, p.TotalAmount, p.Deadline, p.Status))
	if err != nil {
		return Project{}, fmt.Errorf("escrow: insert project: %w", err)
	}

	for _, m := range p.Milestones {
		if _, err := tx.Exec(ctx, `
			INSERT INTO milestones (project_id, idx, amount) VALUES ($1, $2, $3)
		`, inserted.ID, m.Index, m.Amount); err != nil {
			return Project{}, fmt.Errorf("escrow: insert milestone %d: %w", m.Index, err)
		}
	}
	inserted.Milestones = p.Milestones
	return inserted, nil
}

// GetForUpdate row-locks the project and loads its milestones.
func (r *PGRepository) GetForUpdate(ctx context.Context, tx pgx.Tx, projectID string) (Project, error) {
	const query = `SELECT ` + projectColumns + ` FROM projects WHERE id = $1 FOR UPDATE`

	p, err := scanProject(tx.QueryRow(ctx, query, projectID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Project{}, ErrProjectNotFound
		}
		return Project{}, fmt.Errorf("escrow: get project for update: %w", err)
	}

	p.Milestones, err = loadMilestones(ctx, tx, projectID)
	if err != nil {
		return Project{}, err
	}
	return p, nil
}

// Get loads the project and milestones without locking.
func (r *PGRepository) Get(ctx context.Context, projectID string) (Project, error) {
	const query = `SELECT ` + projectColumns + ` FROM projects WHERE id = $1`

	p, err := scanProject(r.pool.QueryRow(ctx, query, projectID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Project{}, ErrProjectNotFound
		}
		return Project{}, fmt.Errorf("escrow: get project: %w", err)
	}

	p.Milestones, err = loadMilestones(ctx, r.pool, projectID)
	if err != nil {
		return Project{}, err
	}
	return p, nil
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func loadMilestones(ctx context.Context, q querier, projectID string) ([]Milestone, error) {
	rows, err := q.Query(ctx, `SELECT idx, amount, completed FROM milestones WHERE project_id = $1 ORDER BY idx`, projectID)
	if err != nil {
		return nil, fmt.Errorf("escrow: load milestones: %w", err)
	}
	defer rows.Close()

	var out []Milestone
	for rows.Next() {
		var m Milestone
		if err := rows.Scan(&m.Index, &m.Amount, &m.Completed); err != nil {
			return nil, fmt.Errorf("escrow: scan milestone: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("escrow: iterate milestones: %w", err)
	}
	return out, nil
}

// SetStatus moves the project along a lifecycle edge. Undefined edges are
// rejected before the write, so the transition table is the single authority
// on legality.
func (r *PGRepository) SetStatus(ctx context.Context, tx pgx.Tx, projectID string, from, to Status) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	if _, err := tx.Exec(ctx, `UPDATE projects SET status = $2, updated_at = now() WHERE id = $1`, projectID, to); err != nil {
		return fmt.Errorf("escrow: set status: %w", err)
	}
	return nil
}

// SetFreelancer records the accepted freelancer alongside the transition.
func (r *PGRepository) SetFreelancer(ctx context.Context, tx pgx.Tx, projectID, freelancerID string) error {
	if _, err := tx.Exec(ctx, `
		UPDATE projects SET freelancer_id = $2, status = $3, updated_at = now() WHERE id = $1
	`, projectID, freelancerID, StatusInProgress); err != nil {
		return fmt.Errorf("escrow: set freelancer: %w", err)
	}
	return nil
}

// SetDispute links the dispute and parks the project in Disputed.
func (r *PGRepository) SetDispute(ctx context.Context, tx pgx.Tx, projectID, disputeID string) error {
	if _, err := tx.Exec(ctx, `
		UPDATE projects SET dispute_id = $2, status = $3, updated_at = now() WHERE id = $1
	`, projectID, disputeID, StatusDisputed); err != nil {
		return fmt.Errorf("escrow: set dispute: %w", err)
	}
	return nil
}

// MarkMilestone flags the milestone as paid.
func (r *PGRepository) MarkMilestone(ctx context.Context, tx pgx.Tx, projectID string, index int) error {
	tag, err := tx.Exec(ctx, `
		UPDATE milestones SET completed = TRUE WHERE project_id = $1 AND idx = $2
	`, projectID, index)
	if err != nil {
		return fmt.Errorf("escrow: mark milestone: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrMilestoneNotFound
	}
	return nil
}

// AddPaid accumulates the project's paid-out total. The paid_amount CHECK is
// the database backstop for the payout cap.
func (r *PGRepository) AddPaid(ctx context.Context, tx pgx.Tx, projectID string, amount int64) error {
	if _, err := tx.Exec(ctx, `
		UPDATE projects SET paid_amount = paid_amount + $2, updated_at = now() WHERE id = $1
	`, projectID, amount); err != nil {
		return fmt.Errorf("escrow: add paid: %w", err)
	}
	return nil
}

// TouchCreationMarkers stamps the throttle bookkeeping on the client row:
// creation time and active project count.
func (r *PGRepository) TouchCreationMarkers(ctx context.Context, tx pgx.Tx, clientID string, createdAt time.Time) error {
	if _, err := tx.Exec(ctx, `
		UPDATE accounts
		SET active_project_count = active_project_count + 1,
		    last_project_created_at = $2,
		    updated_at = now()
		WHERE id = $1
	`, clientID, createdAt); err != nil {
		return fmt.Errorf("escrow: touch creation markers: %w", err)
	}
	return nil
}

// IncrementActive bumps the freelancer's active project count on acceptance.
func (r *PGRepository) IncrementActive(ctx context.Context, tx pgx.Tx, accountID string) error {
	if _, err := tx.Exec(ctx, `
		UPDATE accounts SET active_project_count = active_project_count + 1, updated_at = now() WHERE id = $1
	`, accountID); err != nil {
		return fmt.Errorf("escrow: increment active: %w", err)
	}
	return nil
}

// DecrementActive releases the active slot for each party when a project
// reaches a terminal state.
func (r *PGRepository) DecrementActive(ctx context.Context, tx pgx.Tx, accountIDs ...string) error {
	for _, id := range accountIDs {
		if _, err := tx.Exec(ctx, `
			UPDATE accounts
			SET active_project_count = GREATEST(active_project_count - 1, 0), updated_at = now()
			WHERE id = $1
		`, id); err != nil {
			return fmt.Errorf("escrow: decrement active: %w", err)
		}
	}
	return nil
}

func appendTimeline(ctx context.Context, tx pgx.Tx, projectID, eventType string, actorID *string, payload map[string]any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("escrow: marshal timeline payload: %w", err)
	}
	var actor any
	if actorID != nil && *actorID != "" {
		actor = *actorID
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO timeline_events (project_id, type, payload, actor_id)
		VALUES ($1, $2, $3::jsonb, $4)
	`, projectID, eventType, body, actor); err != nil {
		return fmt.Errorf("escrow: insert timeline event: %w", err)
	}
	return nil
}

func enqueueOutbox(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("escrow: marshal outbox payload: %w", err)
	}
	if _, err := tx.Exec(ctx, `INSERT INTO outbox (topic, payload) VALUES ($1, $2::jsonb)`, topic, body); err != nil {
		return fmt.Errorf("escrow: enqueue outbox: %w", err)
	}
	return nil
}
