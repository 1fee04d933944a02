package staking

import (
	"errors"
	"fmt"
	"time"
)

// LockPeriod is the commitment window a staker opts into when depositing.
type LockPeriod string

const (
	LockNone   LockPeriod = "none"
	LockShort  LockPeriod = "short"
	LockMedium LockPeriod = "medium"
	LockLong   LockPeriod = "long"
	LockMax    LockPeriod = "max"
)

// ErrUnknownLockPeriod signals a period outside the configured table. There is
// deliberately no fallback multiplier.
var ErrUnknownLockPeriod = errors.New("staking: unknown lock period")

// Terms pairs a lock duration with its reward/voting multiplier in basis
// points (100 = 1.0x).
type Terms struct {
	Duration     time.Duration
	MultiplierBP int
}

// Config carries the multiplier table and the base reward rate. The engine
// only ever multiplies by whatever the table returns.
type Config struct {
	// AnnualRateBP is the base reward rate per year in basis points of the
	// staked amount (800 = 8% per year before multipliers).
	AnnualRateBP int
	Terms        map[LockPeriod]Terms
}

func DefaultConfig() Config {
	return Config{
		AnnualRateBP: 800,
		Terms: map[LockPeriod]Terms{
			LockNone:   {Duration: 0, MultiplierBP: 100},
			LockShort:  {Duration: 30 * 24 * time.Hour, MultiplierBP: 110},
			LockMedium: {Duration: 90 * 24 * time.Hour, MultiplierBP: 125},
			LockLong:   {Duration: 180 * 24 * time.Hour, MultiplierBP: 150},
			LockMax:    {Duration: 365 * 24 * time.Hour, MultiplierBP: 200},
		},
	}
}

// TermsFor resolves the table entry for a period.
func (c Config) TermsFor(period LockPeriod) (Terms, error) {
	t, ok := c.Terms[period]
	if !ok {
		return Terms{}, fmt.Errorf("%w: %q", ErrUnknownLockPeriod, period)
	}
	return t, nil
}

// Validate ensures the table is exhaustive over the enumerated periods.
func (c Config) Validate() error {
	if c.AnnualRateBP < 0 {
		return fmt.Errorf("staking: negative annual rate")
	}
	for _, p := range []LockPeriod{LockNone, LockShort, LockMedium, LockLong, LockMax} {
		t, ok := c.Terms[p]
		if !ok {
			return fmt.Errorf("staking: period %q missing from multiplier table", p)
		}
		if t.MultiplierBP < 100 {
			return fmt.Errorf("staking: period %q multiplier below 1.0x", p)
		}
	}
	return nil
}

// Position mirrors the stake_positions table.
type Position struct {
	ID            string
	AccountID     string
	Amount        int64
	LockPeriod    LockPeriod
	MultiplierBP  int
	StakedAt      time.Time
	UnlocksAt     *time.Time
	BankedReward  int64
	LastAccrualAt time.Time
}

const secondsPerYear = 365 * 24 * 3600

// accrue returns the whole-unit reward earned by amount between from and now.
// Floor of a non-decreasing function, so repeated reads never go backwards,
// and resetting from to now after banking prevents double-counting.
func accrue(amount int64, multiplierBP, annualRateBP int, from, now time.Time) int64 {
	elapsed := now.Sub(from).Seconds()
	if elapsed <= 0 {
		return 0
	}
	reward := float64(amount) *
		(float64(annualRateBP) / 10000) *
		(float64(multiplierBP) / 100) *
		(elapsed / secondsPerYear)
	return int64(reward)
}

// Accrued is the claimable reward on this position at the given instant:
// everything banked by earlier mutations plus the live accrual since.
func (p Position) Accrued(cfg Config, now time.Time) int64 {
	return p.BankedReward + accrue(p.Amount, p.MultiplierBP, cfg.AnnualRateBP, p.LastAccrualAt, now)
}

// VotingPower is amount scaled by the lock multiplier.
func (p Position) VotingPower() int64 {
	return p.Amount * int64(p.MultiplierBP) / 100
}
