package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"skillfi/auth"
	"skillfi/dispute"
	"skillfi/escrow"
	"skillfi/ledger"
	"skillfi/staking"
	"skillfi/throttle"
)

type ctxKey string

const (
	ctxKeyUserID ctxKey = "userID"
	ctxKeyRole   ctxKey = "role"
)

// AuthService is the slice of the auth service the HTTP layer uses.
type AuthService interface {
	Register(ctx context.Context, req auth.RegisterRequest) (*auth.Account, error)
	Login(ctx context.Context, req auth.LoginRequest) (auth.LoginResult, error)
	VerifyToken(token string) (string, auth.Role, error)
}

type LedgerService interface {
	Deposit(ctx context.Context, accountID string, amount int64) error
	BalanceOf(ctx context.Context, accountID string) (ledger.Balance, error)
}

type StakingService interface {
	Stake(ctx context.Context, accountID string, amount int64, period staking.LockPeriod) (staking.Position, error)
	Unstake(ctx context.Context, accountID, positionID string, amount int64) error
	ClaimReward(ctx context.Context, accountID string) (int64, error)
	AccruedReward(ctx context.Context, accountID string) (int64, error)
	VotingPower(ctx context.Context, accountID string) (int64, error)
	Positions(ctx context.Context, accountID string) ([]staking.Position, error)
}

type EscrowService interface {
	Create(ctx context.Context, params escrow.CreateParams) (escrow.Project, error)
	AcceptFreelancer(ctx context.Context, projectID, freelancerID string) (escrow.Project, error)
	SubmitWork(ctx context.Context, projectID, freelancerID string) error
	Complete(ctx context.Context, projectID, clientID string) error
	CompleteMilestone(ctx context.Context, projectID, clientID string, index int) error
	RaiseDispute(ctx context.Context, projectID, initiatorID, reason string) (dispute.Record, error)
	Cancel(ctx context.Context, projectID, clientID string) error
	Get(ctx context.Context, projectID string) (escrow.Project, error)
	GetSnapshot(ctx context.Context, projectID string) (escrow.Snapshot, error)
}

type DisputeService interface {
	Vote(ctx context.Context, disputeID, voterID string, supportsClient bool) error
	Resolve(ctx context.Context, disputeID string) (dispute.Record, error)
	Get(ctx context.Context, disputeID string) (dispute.Record, error)
}

// Server wires the settlement services to the HTTP surface.
type Server struct {
	authService    AuthService
	ledgerService  LedgerService
	stakingService StakingService
	escrowService  EscrowService
	disputeService DisputeService
}

func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/auth/register", s.handleRegister)
	mux.HandleFunc("/api/auth/login", s.handleLogin)
	mux.HandleFunc("/api/ledger/deposit", s.requireAuth(s.handleDeposit))
	mux.HandleFunc("/api/ledger/balance", s.requireAuth(s.handleBalance))
	mux.HandleFunc("/api/staking", s.requireAuth(s.handleStakingSummary))
	mux.HandleFunc("/api/staking/stake", s.requireAuth(s.handleStake))
	mux.HandleFunc("/api/staking/unstake", s.requireAuth(s.handleUnstake))
	mux.HandleFunc("/api/staking/claim", s.requireAuth(s.handleClaim))
	mux.HandleFunc("/api/projects", s.requireAuth(s.handleProjects))
	mux.HandleFunc("/api/projects/", s.requireAuth(s.handleProjectDetail))
	mux.HandleFunc("/api/disputes/", s.requireAuth(s.handleDisputeDetail))
	return mux
}

// requireAuth extracts and verifies the bearer token, stashing the caller
// identity in the request context.
func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		userID, role, err := s.authService.VerifyToken(strings.TrimPrefix(header, "Bearer "))
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		ctx := context.WithValue(r.Context(), ctxKeyUserID, userID)
		ctx = context.WithValue(ctx, ctxKeyRole, role)
		next(w, r.WithContext(ctx))
	}
}

func callerID(r *http.Request) string {
	id, _ := r.Context().Value(ctxKeyUserID).(string)
	return id
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req auth.RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	acct, err := s.authService.Register(r.Context(), req)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, accountResponse{
		ID:       acct.ID,
		Email:    acct.Email,
		FullName: acct.FullName,
		Role:     string(acct.Role),
	})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req auth.LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	result, err := s.authService.Login(r.Context(), req)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, loginResponse{
		Token: result.Token,
		Account: accountResponse{
			ID:       result.Account.ID,
			Email:    result.Account.Email,
			FullName: result.Account.FullName,
			Role:     string(result.Account.Role),
		},
	})
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req struct {
		Amount int64 `json:"amount"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := s.ledgerService.Deposit(r.Context(), callerID(r), req.Amount); err != nil {
		writeDomainError(w, err)
		return
	}
	s.handleBalanceRead(w, r)
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	s.handleBalanceRead(w, r)
}

func (s *Server) handleBalanceRead(w http.ResponseWriter, r *http.Request) {
	balance, err := s.ledgerService.BalanceOf(r.Context(), callerID(r))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, balanceResponse{
		Available:    balance.AvailableBalance,
		LockedStake:  balance.LockedStake,
		LockedEscrow: balance.EscrowLocked,
	})
}

func (s *Server) handleStakingSummary(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	accountID := callerID(r)
	positions, err := s.stakingService.Positions(r.Context(), accountID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	power, err := s.stakingService.VotingPower(r.Context(), accountID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	accrued, err := s.stakingService.AccruedReward(r.Context(), accountID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	items := make([]positionResponse, 0, len(positions))
	for _, p := range positions {
		items = append(items, toPositionResponse(p))
	}
	writeJSON(w, http.StatusOK, stakingSummaryResponse{
		Positions:     items,
		VotingPower:   power,
		AccruedReward: accrued,
	})
}

func (s *Server) handleStake(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req struct {
		Amount     int64  `json:"amount"`
		LockPeriod string `json:"lockPeriod"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	position, err := s.stakingService.Stake(r.Context(), callerID(r), req.Amount, staking.LockPeriod(req.LockPeriod))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toPositionResponse(position))
}

func (s *Server) handleUnstake(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req struct {
		PositionID string `json:"positionId"`
		Amount     int64  `json:"amount"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := s.stakingService.Unstake(r.Context(), callerID(r), req.PositionID, req.Amount); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleClaim(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	claimed, err := s.stakingService.ClaimReward(r.Context(), callerID(r))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"claimed": claimed})
}

func (s *Server) handleProjects(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req struct {
		Title       string  `json:"title"`
		TotalAmount int64   `json:"totalAmount"`
		Deadline    string  `json:"deadline"`
		Milestones  []int64 `json:"milestones"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	deadline, err := time.Parse(time.RFC3339, req.Deadline)
	if err != nil {
		writeError(w, http.StatusBadRequest, "deadline must be RFC3339")
		return
	}
	project, err := s.escrowService.Create(r.Context(), escrow.CreateParams{
		ClientID:    callerID(r),
		Title:       req.Title,
		TotalAmount: req.TotalAmount,
		Deadline:    deadline,
		Milestones:  req.Milestones,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toProjectResponse(project))
}

// handleProjectDetail dispatches /api/projects/{id}[/action].
func (s *Server) handleProjectDetail(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/projects/")
	parts := strings.Split(strings.Trim(rest, "/"), "/")
	if len(parts) == 0 || parts[0] == "" {
		writeError(w, http.StatusBadRequest, "missing project id")
		return
	}
	projectID := parts[0]

	if len(parts) == 1 {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		project, err := s.escrowService.Get(r.Context(), projectID)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toProjectResponse(project))
		return
	}

	if len(parts) == 2 && parts[1] == "snapshot" {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		snap, err := s.escrowService.GetSnapshot(r.Context(), projectID)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, snapshotResponse{
			ProjectID:   snap.ProjectID,
			TotalAmount: snap.TotalAmount,
			Deadline:    snap.Deadline.Format(time.RFC3339),
			Status:      string(snap.Status),
		})
		return
	}

	if len(parts) == 3 && parts[1] == "milestones" {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		index, err := strconv.Atoi(parts[2])
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid milestone index")
			return
		}
		if err := s.escrowService.CompleteMilestone(r.Context(), projectID, callerID(r), index); err != nil {
			writeDomainError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
		return
	}

	if len(parts) != 2 || r.Method != http.MethodPost {
		writeError(w, http.StatusBadRequest, "unknown project action")
		return
	}

	switch parts[1] {
	case "accept":
		project, err := s.escrowService.AcceptFreelancer(r.Context(), projectID, callerID(r))
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toProjectResponse(project))
	case "submit":
		if err := s.escrowService.SubmitWork(r.Context(), projectID, callerID(r)); err != nil {
			writeDomainError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	case "complete":
		if err := s.escrowService.Complete(r.Context(), projectID, callerID(r)); err != nil {
			writeDomainError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	case "dispute":
		var req struct {
			Reason string `json:"reason"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		rec, err := s.escrowService.RaiseDispute(r.Context(), projectID, callerID(r), req.Reason)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, toDisputeResponse(rec))
	case "cancel":
		if err := s.escrowService.Cancel(r.Context(), projectID, callerID(r)); err != nil {
			writeDomainError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		writeError(w, http.StatusBadRequest, "unknown project action")
	}
}

// handleDisputeDetail dispatches /api/disputes/{id}[/action].
func (s *Server) handleDisputeDetail(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/disputes/")
	parts := strings.Split(strings.Trim(rest, "/"), "/")
	if len(parts) == 0 || parts[0] == "" {
		writeError(w, http.StatusBadRequest, "missing dispute id")
		return
	}
	disputeID := parts[0]

	if len(parts) == 1 {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		rec, err := s.disputeService.Get(r.Context(), disputeID)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toDisputeResponse(rec))
		return
	}

	if len(parts) != 2 || r.Method != http.MethodPost {
		writeError(w, http.StatusBadRequest, "unknown dispute action")
		return
	}

	switch parts[1] {
	case "votes":
		var req struct {
			SupportsClient bool `json:"supportsClient"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		if err := s.disputeService.Vote(r.Context(), disputeID, callerID(r), req.SupportsClient); err != nil {
			writeDomainError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	case "resolve":
		rec, err := s.disputeService.Resolve(r.Context(), disputeID)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toDisputeResponse(rec))
	default:
		writeError(w, http.StatusBadRequest, "unknown dispute action")
	}
}

type accountResponse struct {
	ID       string `json:"id"`
	Email    string `json:"email"`
	FullName string `json:"fullName"`
	Role     string `json:"role"`
}

type loginResponse struct {
	Token   string          `json:"token"`
	Account accountResponse `json:"account"`
}

type balanceResponse struct {
	Available    int64 `json:"available"`
	LockedStake  int64 `json:"lockedStake"`
	LockedEscrow int64 `json:"lockedEscrow"`
}

type positionResponse struct {
	ID           string `json:"id"`
	Amount       int64  `json:"amount"`
	LockPeriod   string `json:"lockPeriod"`
	MultiplierBP int    `json:"multiplierBp"`
	StakedAt     string `json:"stakedAt"`
	UnlocksAt    string `json:"unlocksAt,omitempty"`
}

type stakingSummaryResponse struct {
	Positions     []positionResponse `json:"positions"`
	VotingPower   int64              `json:"votingPower"`
	AccruedReward int64              `json:"accruedReward"`
}

type milestoneResponse struct {
	Index     int   `json:"index"`
	Amount    int64 `json:"amount"`
	Completed bool  `json:"completed"`
}

type projectResponse struct {
	ID           string              `json:"id"`
	ClientID     string              `json:"clientId"`
	FreelancerID string              `json:"freelancerId,omitempty"`
	Title        string              `json:"title"`
	TotalAmount  int64               `json:"totalAmount"`
	PaidAmount   int64               `json:"paidAmount"`
	Deadline     string              `json:"deadline"`
	Status       string              `json:"status"`
	DisputeID    string              `json:"disputeId,omitempty"`
	Milestones   []milestoneResponse `json:"milestones,omitempty"`
}

type snapshotResponse struct {
	ProjectID   string `json:"projectId"`
	TotalAmount int64  `json:"totalAmount"`
	Deadline    string `json:"deadline"`
	Status      string `json:"status"`
}

type disputeResponse struct {
	ID                 string `json:"id"`
	ProjectID          string `json:"projectId"`
	InitiatorID        string `json:"initiatorId"`
	Reason             string `json:"reason"`
	OpenedAt           string `json:"openedAt"`
	VotingDeadline     string `json:"votingDeadline"`
	VotesForClient     int64  `json:"votesForClient"`
	VotesForFreelancer int64  `json:"votesForFreelancer"`
	Resolved           bool   `json:"resolved"`
	Winner             string `json:"winner,omitempty"`
}

func toPositionResponse(p staking.Position) positionResponse {
	resp := positionResponse{
		ID:           p.ID,
		Amount:       p.Amount,
		LockPeriod:   string(p.LockPeriod),
		MultiplierBP: p.MultiplierBP,
		StakedAt:     p.StakedAt.Format(time.RFC3339),
	}
	if p.UnlocksAt != nil {
		resp.UnlocksAt = p.UnlocksAt.Format(time.RFC3339)
	}
	return resp
}

func toProjectResponse(p escrow.Project) projectResponse {
	resp := projectResponse{
		ID:          p.ID,
		ClientID:    p.ClientID,
		Title:       p.Title,
		TotalAmount: p.TotalAmount,
		PaidAmount:  p.PaidAmount,
		Deadline:    p.Deadline.Format(time.RFC3339),
		Status:      string(p.Status),
	}
	if p.FreelancerID != nil {
		resp.FreelancerID = *p.FreelancerID
	}
	if p.DisputeID != nil {
		resp.DisputeID = *p.DisputeID
	}
	for _, m := range p.Milestones {
		resp.Milestones = append(resp.Milestones, milestoneResponse{Index: m.Index, Amount: m.Amount, Completed: m.Completed})
	}
	return resp
}

func toDisputeResponse(rec dispute.Record) disputeResponse {
	resp := disputeResponse{
		ID:                 rec.ID,
		ProjectID:          rec.ProjectID,
		InitiatorID:        rec.InitiatorID,
		Reason:             rec.Reason,
		OpenedAt:           rec.OpenedAt.Format(time.RFC3339),
		VotingDeadline:     rec.VotingDeadline.Format(time.RFC3339),
		VotesForClient:     rec.VotesForClient,
		VotesForFreelancer: rec.VotesForFreelancer,
		Resolved:           rec.Resolved,
	}
	if rec.Winner != nil {
		resp.Winner = string(*rec.Winner)
	}
	return resp
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// writeDomainError maps sentinel errors from the settlement packages to HTTP
// statuses. Integrity failures are the only 5xx; everything else is a caller
// problem with a stable code.
func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ledger.ErrIntegrity), errors.Is(err, ledger.ErrOverRelease):
		writeError(w, http.StatusInternalServerError, "ledger integrity violation")
	case errors.Is(err, ledger.ErrAccountNotFound),
		errors.Is(err, auth.ErrAccountNotFound),
		errors.Is(err, escrow.ErrProjectNotFound),
		errors.Is(err, escrow.ErrMilestoneNotFound),
		errors.Is(err, staking.ErrPositionNotFound),
		errors.Is(err, dispute.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, auth.ErrInvalidCredentials):
		writeError(w, http.StatusUnauthorized, err.Error())
	case errors.Is(err, escrow.ErrNotParticipant):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, throttle.ErrCooldownActive),
		errors.Is(err, throttle.ErrTooManyActiveProjects):
		writeError(w, http.StatusTooManyRequests, err.Error())
	case errors.Is(err, auth.ErrDuplicateEmail),
		errors.Is(err, escrow.ErrInvalidTransition),
		errors.Is(err, escrow.ErrMilestoneCompleted),
		errors.Is(err, ledger.ErrInsufficientFunds),
		errors.Is(err, ledger.ErrUnknownEscrow),
		errors.Is(err, ledger.ErrAccountFrozen),
		errors.Is(err, ledger.ErrBucketFrozen),
		errors.Is(err, staking.ErrStillLocked),
		errors.Is(err, staking.ErrInsufficientStake),
		errors.Is(err, throttle.ErrInsufficientStake),
		errors.Is(err, throttle.ErrValueLimitExceeded),
		errors.Is(err, dispute.ErrAlreadyOpen),
		errors.Is(err, dispute.ErrAlreadyVoted),
		errors.Is(err, dispute.ErrAlreadyResolved),
		errors.Is(err, dispute.ErrVotingClosed),
		errors.Is(err, dispute.ErrVotingStillOpen),
		errors.Is(err, dispute.ErrInsufficientVotingPower):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, ledger.ErrInvalidAmount),
		errors.Is(err, staking.ErrInvalidAmount),
		errors.Is(err, staking.ErrUnknownLockPeriod),
		errors.Is(err, escrow.ErrMilestoneMismatch),
		errors.Is(err, auth.ErrWeakPassword):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
