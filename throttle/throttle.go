// Package throttle gates project creation. It is a pure precondition over a
// row-locked account snapshot: it never mutates state, and the first violated
// check is the failure the caller sees.
package throttle

import (
	"errors"
	"time"

	"skillfi/ledger"
)

var (
	// ErrInsufficientStake signals the account holds less than the minimum
	// stake floor (available balance plus locked stake).
	ErrInsufficientStake = errors.New("throttle: insufficient stake")
	// ErrCooldownActive signals the account created a project too recently.
	ErrCooldownActive = errors.New("throttle: creation cooldown active")
	// ErrTooManyActiveProjects signals the concurrent project cap is reached.
	ErrTooManyActiveProjects = errors.New("throttle: too many active projects")
	// ErrValueLimitExceeded signals an unverified account exceeding the
	// per-project value cap.
	ErrValueLimitExceeded = errors.New("throttle: project value above unverified limit")
)

type Config struct {
	MinStake            int64
	Cooldown            time.Duration
	MaxActiveProjects   int
	MaxUnverifiedAmount int64
}

func DefaultConfig() Config {
	return Config{
		MinStake:            100,
		Cooldown:            10 * time.Minute,
		MaxActiveProjects:   5,
		MaxUnverifiedAmount: 50_000,
	}
}

// Check evaluates the four creation gates in order.
func Check(cfg Config, acct ledger.Account, totalAmount int64, now time.Time) error {
	if acct.AvailableBalance+acct.LockedStake < cfg.MinStake {
		return ErrInsufficientStake
	}
	if acct.LastProjectCreatedAt != nil && now.Sub(*acct.LastProjectCreatedAt) < cfg.Cooldown {
		return ErrCooldownActive
	}
	if acct.ActiveProjectCount >= cfg.MaxActiveProjects {
		return ErrTooManyActiveProjects
	}
	if !acct.IsVerified && totalAmount > cfg.MaxUnverifiedAmount {
		return ErrValueLimitExceeded
	}
	return nil
}
