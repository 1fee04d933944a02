package ledger

import "time"

// Account mirrors the accounts table columns the ledger is allowed to touch.
// Identity columns (email, password hash, role) are owned by the auth package;
// balances are mutated only through ledger operations.
type Account struct {
	ID                   string
	AvailableBalance     int64
	LockedStake          int64
	ActiveProjectCount   int
	LastProjectCreatedAt *time.Time
	IsVerified           bool
	Frozen               bool
	UpdatedAt            time.Time
}

// Bucket is the escrow-locked portion of a client's funds earmarked for one
// project. It is created by Reserve and drained by Release/Refund; a bucket
// tied to a non-terminal project is the recovery anchor after a crash.
type Bucket struct {
	ProjectID    string
	DepositorID  string
	LockedAmount int64
	Frozen       bool
	UpdatedAt    time.Time
}

// Balance is the read-only view exposed to the API layer.
type Balance struct {
	AccountID        string
	AvailableBalance int64
	LockedStake      int64
	EscrowLocked     int64
}
