package escrow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"skillfi/dispute"
	"skillfi/ledger"
	"skillfi/throttle"
)

var (
	// ErrNotParticipant signals a caller who is neither client nor assigned
	// freelancer on the project.
	ErrNotParticipant = errors.New("escrow: caller is not a project participant")
	// ErrMilestoneCompleted signals a milestone that already paid out.
	ErrMilestoneCompleted = errors.New("escrow: milestone already completed")
	// ErrMilestoneMismatch signals milestone amounts that do not sum to the
	// project total.
	ErrMilestoneMismatch = errors.New("escrow: milestone amounts must sum to total")
)

// Ledger is the slice of the ledger repository escrow drives inside its own
// transactions. The ledger stays the only mutator of balances.
type Ledger interface {
	GetAccountForUpdate(ctx context.Context, tx pgx.Tx, accountID string) (ledger.Account, error)
	Reserve(ctx context.Context, tx pgx.Tx, projectID, accountID string, amount int64) error
	Release(ctx context.Context, tx pgx.Tx, projectID, recipientID string, amount int64) (int64, error)
	Refund(ctx context.Context, tx pgx.Tx, projectID string, amount int64) (int64, error)
	BucketForUpdate(ctx context.Context, tx pgx.Tx, projectID string) (ledger.Bucket, error)
}

// DisputeOpener creates the dispute record inside the caller's transaction so
// the project transition and the dispute open commit together.
type DisputeOpener interface {
	OpenInTx(ctx context.Context, tx pgx.Tx, projectID, initiatorID, reason string) (dispute.Record, error)
}

// Quarantiner freezes entities after an integrity violation. Runs outside the
// rolled-back transaction; failures are reported, not swallowed.
type Quarantiner interface {
	QuarantineAccount(ctx context.Context, accountID string) error
	QuarantineBucket(ctx context.Context, projectID string) error
}

// Service owns the project lifecycle.
type Service struct {
	pool       *pgxpool.Pool
	repo       *PGRepository
	ledger     Ledger
	disputes   DisputeOpener
	quarantine Quarantiner
	throttle   throttle.Config
	now        func() time.Time
	newID      func() string
}

func NewService(pool *pgxpool.Pool, led Ledger, throttleCfg throttle.Config) *Service {
	return &Service{
		pool:     pool,
		repo:     NewRepository(pool),
		ledger:   led,
		throttle: throttleCfg,
		now:      time.Now,
		newID:    uuid.NewString,
	}
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

func (s *Service) WithDisputeOpener(opener DisputeOpener) *Service {
	s.disputes = opener
	return s
}

func (s *Service) WithQuarantiner(q Quarantiner) *Service {
	s.quarantine = q
	return s
}

// Create opens a project: throttle gates first, then the project row and
// throttle markers, and the ledger reservation as the final write before
// commit so no money moves unless everything else held.
func (s *Service) Create(ctx context.Context, params CreateParams) (Project, error) {
	if params.ClientID == "" {
		return Project{}, fmt.Errorf("escrow: missing client id")
	}
	if params.Title == "" {
		return Project{}, fmt.Errorf("escrow: title required")
	}
	if params.TotalAmount <= 0 {
		return Project{}, ledger.ErrInvalidAmount
	}

	now := s.now().UTC()
	if !params.Deadline.After(now) {
		return Project{}, fmt.Errorf("escrow: deadline must be in the future")
	}

	milestones := make([]Milestone, 0, len(params.Milestones))
	var sum int64
	for i, amount := range params.Milestones {
		if amount <= 0 {
			return Project{}, ledger.ErrInvalidAmount
		}
		sum += amount
		milestones = append(milestones, Milestone{Index: i, Amount: amount})
	}
	if len(milestones) > 0 && sum != params.TotalAmount {
		return Project{}, fmt.Errorf("%w: milestones %d, total %d", ErrMilestoneMismatch, sum, params.TotalAmount)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Project{}, fmt.Errorf("escrow: begin create: %w", err)
	}
	defer tx.Rollback(ctx)

	acct, err := s.ledger.GetAccountForUpdate(ctx, tx, params.ClientID)
	if err != nil {
		return Project{}, err
	}
	if err := throttle.Check(s.throttle, acct, params.TotalAmount, now); err != nil {
		return Project{}, err
	}

	project := Project{
		ID:          s.newID(),
		ClientID:    params.ClientID,
		Title:       params.Title,
		TotalAmount: params.TotalAmount,
		Deadline:    params.Deadline,
		Status:      StatusOpen,
		Milestones:  milestones,
	}
	project, err = s.repo.Insert(ctx, tx, project)
	if err != nil {
		return Project{}, err
	}

	if err := s.repo.TouchCreationMarkers(ctx, tx, params.ClientID, now); err != nil {
		return Project{}, err
	}
	if err := appendTimeline(ctx, tx, project.ID, "PROJECT_CREATED", &params.ClientID, map[string]any{
		"total_amount": params.TotalAmount,
		"milestones":   len(milestones),
	}); err != nil {
		return Project{}, err
	}
	if err := enqueueOutbox(ctx, tx, TopicProjectCreated, map[string]any{
		"project_id": project.ID,
		"client_id":  params.ClientID,
	}); err != nil {
		return Project{}, err
	}

	if err := s.ledger.Reserve(ctx, tx, project.ID, params.ClientID, params.TotalAmount); err != nil {
		return Project{}, s.reportIntegrity(ctx, err, params.ClientID, "")
	}

	if err := tx.Commit(ctx); err != nil {
		return Project{}, fmt.Errorf("escrow: commit create: %w", err)
	}
	return project, nil
}

// AcceptFreelancer assigns the freelancer and moves Open -> InProgress.
func (s *Service) AcceptFreelancer(ctx context.Context, projectID, freelancerID string) (Project, error) {
	if freelancerID == "" {
		return Project{}, fmt.Errorf("escrow: missing freelancer id")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Project{}, fmt.Errorf("escrow: begin accept: %w", err)
	}
	defer tx.Rollback(ctx)

	project, err := s.repo.GetForUpdate(ctx, tx, projectID)
	if err != nil {
		return Project{}, err
	}
	if !CanTransition(project.Status, StatusInProgress) {
		return Project{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, project.Status, StatusInProgress)
	}
	if freelancerID == project.ClientID {
		return Project{}, fmt.Errorf("escrow: client cannot take own project")
	}

	if err := s.repo.SetFreelancer(ctx, tx, projectID, freelancerID); err != nil {
		return Project{}, err
	}
	if err := s.repo.IncrementActive(ctx, tx, freelancerID); err != nil {
		return Project{}, err
	}
	if err := appendTimeline(ctx, tx, projectID, "FREELANCER_ACCEPTED", &freelancerID, nil); err != nil {
		return Project{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Project{}, fmt.Errorf("escrow: commit accept: %w", err)
	}

	project.FreelancerID = &freelancerID
	project.Status = StatusInProgress
	return project, nil
}

// SubmitWork moves InProgress -> Submitted for single-payout projects.
// Milestone projects pay per milestone and never pass through Submitted.
func (s *Service) SubmitWork(ctx context.Context, projectID, freelancerID string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("escrow: begin submit: %w", err)
	}
	defer tx.Rollback(ctx)

	project, err := s.repo.GetForUpdate(ctx, tx, projectID)
	if err != nil {
		return err
	}
	if !CanTransition(project.Status, StatusSubmitted) || len(project.Milestones) > 0 {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, project.Status, StatusSubmitted)
	}
	if project.FreelancerID == nil || *project.FreelancerID != freelancerID {
		return ErrNotParticipant
	}

	if err := s.repo.SetStatus(ctx, tx, projectID, project.Status, StatusSubmitted); err != nil {
		return err
	}
	if err := appendTimeline(ctx, tx, projectID, "WORK_SUBMITTED", &freelancerID, nil); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("escrow: commit submit: %w", err)
	}
	return nil
}

// Complete pays the freelancer the full amount and closes the project. Only
// for projects without milestones.
func (s *Service) Complete(ctx context.Context, projectID, clientID string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("escrow: begin complete: %w", err)
	}
	defer tx.Rollback(ctx)

	project, err := s.repo.GetForUpdate(ctx, tx, projectID)
	if err != nil {
		return err
	}
	// Disputed projects reach Completed through settlement, never directly.
	if project.Status == StatusDisputed || !CanTransition(project.Status, StatusCompleted) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, project.Status, StatusCompleted)
	}
	if project.ClientID != clientID {
		return ErrNotParticipant
	}
	if len(project.Milestones) > 0 {
		return fmt.Errorf("escrow: project pays per milestone")
	}
	if project.FreelancerID == nil {
		return fmt.Errorf("%w: no freelancer assigned", ErrInvalidTransition)
	}
	freelancerID := *project.FreelancerID

	if err := s.repo.SetStatus(ctx, tx, projectID, project.Status, StatusCompleted); err != nil {
		return err
	}
	if err := s.repo.AddPaid(ctx, tx, projectID, project.TotalAmount); err != nil {
		return err
	}
	if err := s.repo.DecrementActive(ctx, tx, project.ClientID, freelancerID); err != nil {
		return err
	}
	if err := appendTimeline(ctx, tx, projectID, "PROJECT_COMPLETED", &clientID, map[string]any{
		"released": project.TotalAmount,
	}); err != nil {
		return err
	}
	if err := enqueueOutbox(ctx, tx, TopicProjectCompleted, map[string]any{
		"project_id":        projectID,
		"client_id":         project.ClientID,
		"freelancer_id":     freelancerID,
		"freelancer_amount": project.TotalAmount,
		"client_amount":     int64(0),
	}); err != nil {
		return err
	}

	if _, err := s.ledger.Release(ctx, tx, projectID, freelancerID, project.TotalAmount); err != nil {
		return s.reportIntegrity(ctx, err, freelancerID, projectID)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("escrow: commit complete: %w", err)
	}
	return nil
}

// CompleteMilestone pays exactly one milestone; the last one closes the
// project.
func (s *Service) CompleteMilestone(ctx context.Context, projectID, clientID string, index int) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("escrow: begin milestone: %w", err)
	}
	defer tx.Rollback(ctx)

	project, err := s.repo.GetForUpdate(ctx, tx, projectID)
	if err != nil {
		return err
	}
	if project.Status != StatusInProgress {
		return fmt.Errorf("%w: milestone payout from %s", ErrInvalidTransition, project.Status)
	}
	if project.ClientID != clientID {
		return ErrNotParticipant
	}
	if index < 0 || index >= len(project.Milestones) {
		return ErrMilestoneNotFound
	}
	milestone := project.Milestones[index]
	if milestone.Completed {
		return ErrMilestoneCompleted
	}
	if project.FreelancerID == nil {
		return fmt.Errorf("%w: no freelancer assigned", ErrInvalidTransition)
	}
	freelancerID := *project.FreelancerID

	if err := s.repo.MarkMilestone(ctx, tx, projectID, index); err != nil {
		return err
	}
	if err := s.repo.AddPaid(ctx, tx, projectID, milestone.Amount); err != nil {
		return err
	}

	last := true
	for _, m := range project.Milestones {
		if m.Index != index && !m.Completed {
			last = false
			break
		}
	}

	payload := map[string]any{"milestone": index, "released": milestone.Amount}
	if err := appendTimeline(ctx, tx, projectID, "MILESTONE_COMPLETED", &clientID, payload); err != nil {
		return err
	}

	if last {
		if err := s.repo.SetStatus(ctx, tx, projectID, project.Status, StatusCompleted); err != nil {
			return err
		}
		if err := s.repo.DecrementActive(ctx, tx, project.ClientID, freelancerID); err != nil {
			return err
		}
		if err := enqueueOutbox(ctx, tx, TopicProjectCompleted, map[string]any{
			"project_id":        projectID,
			"client_id":         project.ClientID,
			"freelancer_id":     freelancerID,
			"freelancer_amount": project.TotalAmount,
			"client_amount":     int64(0),
		}); err != nil {
			return err
		}
	}

	if _, err := s.ledger.Release(ctx, tx, projectID, freelancerID, milestone.Amount); err != nil {
		return s.reportIntegrity(ctx, err, freelancerID, projectID)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("escrow: commit milestone: %w", err)
	}
	return nil
}

// RaiseDispute suspends the project and opens the dispute in one transaction.
func (s *Service) RaiseDispute(ctx context.Context, projectID, initiatorID, reason string) (dispute.Record, error) {
	if reason == "" {
		return dispute.Record{}, fmt.Errorf("escrow: dispute reason required")
	}
	if s.disputes == nil {
		return dispute.Record{}, fmt.Errorf("escrow: dispute opener not configured")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return dispute.Record{}, fmt.Errorf("escrow: begin dispute: %w", err)
	}
	defer tx.Rollback(ctx)

	project, err := s.repo.GetForUpdate(ctx, tx, projectID)
	if err != nil {
		return dispute.Record{}, err
	}
	if !CanTransition(project.Status, StatusDisputed) {
		return dispute.Record{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, project.Status, StatusDisputed)
	}
	if initiatorID != project.ClientID && (project.FreelancerID == nil || *project.FreelancerID != initiatorID) {
		return dispute.Record{}, ErrNotParticipant
	}

	rec, err := s.disputes.OpenInTx(ctx, tx, projectID, initiatorID, reason)
	if err != nil {
		return dispute.Record{}, err
	}

	if err := s.repo.SetDispute(ctx, tx, projectID, rec.ID); err != nil {
		return dispute.Record{}, err
	}
	if err := appendTimeline(ctx, tx, projectID, "DISPUTE_OPENED", &initiatorID, map[string]any{
		"dispute_id": rec.ID,
		"reason":     reason,
	}); err != nil {
		return dispute.Record{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return dispute.Record{}, fmt.Errorf("escrow: commit dispute: %w", err)
	}
	return rec, nil
}

// ApplySettlement executes a resolved dispute's outcome inside the dispute
// resolution transaction: remaining escrow goes to the winner, or is split
// evenly on a tie (the odd unit falls to the client, who funded the bucket).
func (s *Service) ApplySettlement(ctx context.Context, tx pgx.Tx, projectID string, winner dispute.Winner) error {
	project, err := s.repo.GetForUpdate(ctx, tx, projectID)
	if err != nil {
		return err
	}
	if project.Status != StatusDisputed {
		return fmt.Errorf("%w: settle from %s", ErrInvalidTransition, project.Status)
	}
	if project.FreelancerID == nil {
		return fmt.Errorf("escrow: disputed project without freelancer")
	}
	freelancerID := *project.FreelancerID

	bucket, err := s.ledger.BucketForUpdate(ctx, tx, projectID)
	if err != nil {
		return err
	}
	remaining := bucket.LockedAmount

	var clientShare, freelancerShare int64
	switch winner {
	case dispute.WinnerClient:
		clientShare = remaining
	case dispute.WinnerFreelancer:
		freelancerShare = remaining
	case dispute.WinnerSplit:
		freelancerShare = remaining / 2
		clientShare = remaining - freelancerShare
	default:
		return fmt.Errorf("escrow: unknown dispute winner %q", winner)
	}

	if err := s.repo.SetStatus(ctx, tx, projectID, project.Status, StatusCompleted); err != nil {
		return err
	}
	if remaining > 0 {
		if err := s.repo.AddPaid(ctx, tx, projectID, remaining); err != nil {
			return err
		}
	}
	if err := s.repo.DecrementActive(ctx, tx, project.ClientID, freelancerID); err != nil {
		return err
	}
	if err := appendTimeline(ctx, tx, projectID, "DISPUTE_SETTLED", nil, map[string]any{
		"winner":            string(winner),
		"client_amount":     clientShare,
		"freelancer_amount": freelancerShare,
	}); err != nil {
		return err
	}
	if err := enqueueOutbox(ctx, tx, TopicProjectCompleted, map[string]any{
		"project_id":        projectID,
		"client_id":         project.ClientID,
		"freelancer_id":     freelancerID,
		"freelancer_amount": freelancerShare,
		"client_amount":     clientShare,
	}); err != nil {
		return err
	}

	if freelancerShare > 0 {
		if _, err := s.ledger.Release(ctx, tx, projectID, freelancerID, freelancerShare); err != nil {
			return s.reportIntegrity(ctx, err, freelancerID, projectID)
		}
	}
	if clientShare > 0 {
		if _, err := s.ledger.Refund(ctx, tx, projectID, clientShare); err != nil {
			return s.reportIntegrity(ctx, err, project.ClientID, projectID)
		}
	}
	return nil
}

// Cancel refunds an Open project in full. Once a freelancer is accepted the
// only exits are completion or dispute.
func (s *Service) Cancel(ctx context.Context, projectID, clientID string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("escrow: begin cancel: %w", err)
	}
	defer tx.Rollback(ctx)

	project, err := s.repo.GetForUpdate(ctx, tx, projectID)
	if err != nil {
		return err
	}
	if project.Status != StatusOpen {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, project.Status, StatusCancelled)
	}
	if project.ClientID != clientID {
		return ErrNotParticipant
	}

	if err := s.repo.SetStatus(ctx, tx, projectID, project.Status, StatusCancelled); err != nil {
		return err
	}
	if err := s.repo.DecrementActive(ctx, tx, project.ClientID); err != nil {
		return err
	}
	if err := appendTimeline(ctx, tx, projectID, "PROJECT_CANCELLED", &clientID, map[string]any{
		"refunded": project.TotalAmount,
	}); err != nil {
		return err
	}

	if _, err := s.ledger.Refund(ctx, tx, projectID, project.TotalAmount); err != nil {
		return s.reportIntegrity(ctx, err, project.ClientID, projectID)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("escrow: commit cancel: %w", err)
	}
	return nil
}

// Get returns the project with milestones.
func (s *Service) Get(ctx context.Context, projectID string) (Project, error) {
	return s.repo.Get(ctx, projectID)
}

// GetSnapshot returns the read-only view consumed by the insurance subsystem.
func (s *Service) GetSnapshot(ctx context.Context, projectID string) (Snapshot, error) {
	p, err := s.repo.Get(ctx, projectID)
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{
		ProjectID:   p.ID,
		TotalAmount: p.TotalAmount,
		Deadline:    p.Deadline,
		Status:      p.Status,
	}, nil
}

// reportIntegrity quarantines the affected entities when the ledger reports
// an invariant violation. The original error is always returned.
func (s *Service) reportIntegrity(ctx context.Context, err error, accountID, projectID string) error {
	if !errors.Is(err, ledger.ErrIntegrity) && !errors.Is(err, ledger.ErrOverRelease) {
		return err
	}
	if s.quarantine == nil {
		return err
	}
	if projectID != "" {
		if qErr := s.quarantine.QuarantineBucket(ctx, projectID); qErr != nil {
			return fmt.Errorf("%w (quarantine bucket failed: %v)", err, qErr)
		}
	}
	if accountID != "" {
		if qErr := s.quarantine.QuarantineAccount(ctx, accountID); qErr != nil {
			return fmt.Errorf("%w (quarantine account failed: %v)", err, qErr)
		}
	}
	return err
}
