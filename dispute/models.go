package dispute

import "time"

// Winner is a settled dispute's outcome.
type Winner string

const (
	WinnerClient     Winner = "client"
	WinnerFreelancer Winner = "freelancer"
	// WinnerSplit marks a tie; the remaining escrow is divided evenly.
	WinnerSplit Winner = "split"
)

// Record mirrors the disputes table. Once Resolved is set the record is
// immutable.
type Record struct {
	ID                 string
	ProjectID          string
	InitiatorID        string
	Reason             string
	OpenedAt           time.Time
	VotingDeadline     time.Time
	VotesForClient     int64
	VotesForFreelancer int64
	Resolved           bool
	Winner             *Winner
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// Vote is one cast ballot. Power is captured at cast time and is never
// recomputed, so unstaking after voting does not change the tally.
type Vote struct {
	DisputeID      string
	VoterID        string
	SupportsClient bool
	Power          int64
	CastAt         time.Time
}

// Config holds the voting policy knobs.
type Config struct {
	// VotingWindow is the fixed interval after opening during which votes
	// may be cast.
	VotingWindow time.Duration
	// MinVotingPower is the stake-weighted floor a voter must hold to cast
	// a ballot.
	MinVotingPower int64
}

func DefaultConfig() Config {
	return Config{
		VotingWindow:   72 * time.Hour,
		MinVotingPower: 100,
	}
}
