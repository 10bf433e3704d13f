package attempt

import (
	"errors"
	"time"

	"github.com/stemsi/exstem-proctor/internal/detector"
	"github.com/stemsi/exstem-proctor/internal/gateway"
)

// Status is the lifecycle state of an attempt session.
type Status string

const (
	StatusInProgress      Status = "in_progress"
	StatusForceSubmitting Status = "force_submitting"
	StatusSubmitted       Status = "submitted"
)

func (s Status) rank() int {
	switch s {
	case StatusInProgress:
		return 0
	case StatusForceSubmitting:
		return 1
	case StatusSubmitted:
		return 2
	}
	return -1
}

// ForceReason explains why a forced submission was triggered.
type ForceReason string

const (
	ForceTimeExhausted   ForceReason = "time_exhausted"
	ForceViolationBudget ForceReason = "violation_budget"
)

// DefaultMaxViolations applies when the platform does not send a budget.
const DefaultMaxViolations = 3

var (
	ErrNoItems         = errors.New("attempt has no items")
	ErrNotInProgress   = errors.New("attempt is not in progress")
	ErrNotForced       = errors.New("attempt is not awaiting forced submission")
	ErrFinalizing      = errors.New("attempt submission already in flight")
	ErrIndexOutOfRange = errors.New("item index out of range")
	ErrUnknownItem     = errors.New("unknown item")
	ErrNotAnswerable   = errors.New("item does not accept answers")
)

// Violation is one entry of the append-only violation log.
type Violation struct {
	Type      detector.ViolationType `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
}

// Warning is the dismissible notice shown below the violation budget.
type Warning struct {
	Violation Violation `json:"violation"`
	Count     int       `json:"count"`
	Remaining int       `json:"remaining"`
	// Final is set when one more violation will force submission.
	Final bool `json:"final"`
}

// ForceNotice is the blocking notice shown once forced submission is due.
// It can only be cleared by acknowledging the submission.
type ForceNotice struct {
	Reason    ForceReason `json:"reason"`
	Violation *Violation  `json:"violation,omitempty"`
	Count     int         `json:"count"`
}

// FinalizeError reports a failed finalize call. The session stays in its
// pre-finalize state so the same intent can be reissued.
type FinalizeError struct {
	Err       error  `json:"-"`
	Message   string `json:"message"`
	Transient bool   `json:"transient"`
	Status    Status `json:"status"`
}

// Outcome is what a transition asks the caller to present or perform.
type Outcome struct {
	Recorded      *Violation
	Warning       *Warning
	Force         *ForceNotice
	Finalize      bool
	FinalizeError *FinalizeError
	Result        *gateway.TestResult
}

func (o Outcome) empty() bool {
	return o.Recorded == nil && o.Warning == nil && o.Force == nil &&
		!o.Finalize && o.FinalizeError == nil && o.Result == nil
}

// State is a read-only snapshot of a session for collaborators.
type State struct {
	TestSlug         string              `json:"test_slug"`
	AttemptID        string              `json:"attempt_id"`
	Status           Status              `json:"status"`
	Finalizing       bool                `json:"finalizing"`
	TimeLeftSeconds  int                 `json:"time_left_seconds"`
	TimeLeft         string              `json:"time_left"`
	CurrentItemIndex int                 `json:"current_item_index"`
	ItemCount        int                 `json:"item_count"`
	AnsweredCount    int                 `json:"answered_count"`
	ProgressPercent  float64             `json:"progress_percent"`
	ViolationCount   int                 `json:"violation_count"`
	MaxViolations    int                 `json:"max_violations"`
	ForceReason      ForceReason         `json:"force_reason,omitempty"`
	Result           *gateway.TestResult `json:"result,omitempty"`
}
