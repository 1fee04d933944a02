package escrow

import "time"

// Project mirrors the projects table plus its milestones.
type Project struct {
	ID           string
	ClientID     string
	FreelancerID *string
	Title        string
	TotalAmount  int64
	PaidAmount   int64
	Deadline     time.Time
	Status       Status
	DisputeID    *string
	Milestones   []Milestone
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Milestone is one payable slice of a project. Milestone amounts sum to the
// project total and each pays out exactly once.
type Milestone struct {
	Index     int
	Amount    int64
	Completed bool
}

// CreateParams carries everything needed to open a project.
type CreateParams struct {
	ClientID    string
	Title       string
	TotalAmount int64
	Deadline    time.Time
	// Milestones lists per-milestone amounts in order; empty means the
	// project pays out in one piece on completion.
	Milestones []int64
}

// Snapshot is the read-only view handed to the insurance subsystem.
type Snapshot struct {
	ProjectID   string
	TotalAmount int64
	Deadline    time.Time
	Status      Status
}

// Outbox topics emitted by the escrow lifecycle. project.completed fires
// exactly once per project reaching Completed and carries the final paid
// amounts for the reputation subsystem.
const (
	TopicProjectCreated   = "project.created"
	TopicProjectCompleted = "project.completed"
)
