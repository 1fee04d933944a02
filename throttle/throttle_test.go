package throttle

import (
	"errors"
	"testing"
	"time"

	"skillfi/ledger"
)

var now = time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)

func healthyAccount() ledger.Account {
	return ledger.Account{
		ID:                 "acct-1",
		AvailableBalance:   1000,
		LockedStake:        500,
		ActiveProjectCount: 1,
		IsVerified:         false,
	}
}

func TestCheck_Passes(t *testing.T) {
	if err := Check(DefaultConfig(), healthyAccount(), 5000, now); err != nil {
		t.Fatalf("expected pass, got %v", err)
	}
}

func TestCheck_MinStakeCountsLockedStake(t *testing.T) {
	acct := healthyAccount()
	acct.AvailableBalance = 0
	acct.LockedStake = 100
	if err := Check(DefaultConfig(), acct, 5000, now); err != nil {
		t.Fatalf("locked stake should satisfy the floor, got %v", err)
	}

	acct.LockedStake = 99
	if err := Check(DefaultConfig(), acct, 5000, now); !errors.Is(err, ErrInsufficientStake) {
		t.Fatalf("expected ErrInsufficientStake, got %v", err)
	}
}

func TestCheck_Cooldown(t *testing.T) {
	acct := healthyAccount()
	recent := now.Add(-5 * time.Minute)
	acct.LastProjectCreatedAt = &recent
	if err := Check(DefaultConfig(), acct, 5000, now); !errors.Is(err, ErrCooldownActive) {
		t.Fatalf("expected ErrCooldownActive, got %v", err)
	}

	old := now.Add(-11 * time.Minute)
	acct.LastProjectCreatedAt = &old
	if err := Check(DefaultConfig(), acct, 5000, now); err != nil {
		t.Fatalf("expected pass after cooldown, got %v", err)
	}
}

func TestCheck_ConcurrencyCap(t *testing.T) {
	acct := healthyAccount()
	acct.ActiveProjectCount = DefaultConfig().MaxActiveProjects
	if err := Check(DefaultConfig(), acct, 5000, now); !errors.Is(err, ErrTooManyActiveProjects) {
		t.Fatalf("expected ErrTooManyActiveProjects, got %v", err)
	}
}

func TestCheck_UnverifiedValueCap(t *testing.T) {
	acct := healthyAccount()
	if err := Check(DefaultConfig(), acct, 50_001, now); !errors.Is(err, ErrValueLimitExceeded) {
		t.Fatalf("expected ErrValueLimitExceeded, got %v", err)
	}

	acct.IsVerified = true
	if err := Check(DefaultConfig(), acct, 50_001, now); err != nil {
		t.Fatalf("verified accounts are exempt, got %v", err)
	}
}

func TestCheck_FirstViolationWins(t *testing.T) {
	acct := healthyAccount()
	acct.AvailableBalance = 0
	acct.LockedStake = 0
	recent := now.Add(-time.Minute)
	acct.LastProjectCreatedAt = &recent
	acct.ActiveProjectCount = 99

	if err := Check(DefaultConfig(), acct, 1_000_000, now); !errors.Is(err, ErrInsufficientStake) {
		t.Fatalf("expected the stake check to be reported first, got %v", err)
	}
}
