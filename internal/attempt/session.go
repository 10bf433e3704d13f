package attempt

import (
	"fmt"
	"time"

	"github.com/stemsi/exstem-proctor/internal/answer"
	"github.com/stemsi/exstem-proctor/internal/detector"
	"github.com/stemsi/exstem-proctor/internal/gateway"
	"github.com/stemsi/exstem-proctor/internal/timer"
)

// Config seeds a Session. Answers and Violations restore a resumed attempt.
type Config struct {
	TestSlug        string
	AttemptID       string
	Items           []answer.Item
	StartedAt       time.Time
	DurationMinutes int
	MaxViolations   int
	Clock           timer.Clock

	Answers    map[string]answer.Answer
	Violations []Violation
}

// Session is the attempt state machine. It is not safe for concurrent use;
// the Engine serializes every event through one goroutine.
type Session struct {
	testSlug  string
	attemptID string

	items     []answer.Item
	itemIndex map[string]int
	answers   *answer.Store

	violations    []Violation
	maxViolations int

	countdown *timer.Countdown
	timeLeft  int

	current     int
	status      Status
	finalizing  bool
	forceReason ForceReason
	result      *gateway.TestResult
}

// NewSession builds a session in InProgress. Call Evaluate once before
// processing events so a resumed attempt past its budget or deadline moves
// straight to forced submission.
func NewSession(cfg Config) (*Session, error) {
	if len(cfg.Items) == 0 {
		return nil, ErrNoItems
	}
	if cfg.Clock == nil {
		cfg.Clock = timer.SystemClock{}
	}
	if cfg.MaxViolations <= 0 {
		cfg.MaxViolations = DefaultMaxViolations
	}

	items := make([]answer.Item, len(cfg.Items))
	copy(items, cfg.Items)
	index := make(map[string]int, len(items))
	for i, it := range items {
		if _, dup := index[it.ID]; dup {
			return nil, fmt.Errorf("duplicate item id %q", it.ID)
		}
		index[it.ID] = i
	}

	s := &Session{
		testSlug:      cfg.TestSlug,
		attemptID:     cfg.AttemptID,
		items:         items,
		itemIndex:     index,
		answers:       answer.NewStore(),
		maxViolations: cfg.MaxViolations,
		countdown:     timer.NewCountdown(cfg.StartedAt, cfg.DurationMinutes, cfg.Clock),
		status:        StatusInProgress,
	}
	s.timeLeft = s.countdown.RemainingNow()

	for id, a := range cfg.Answers {
		if i, ok := index[id]; ok && items[i].Answerable() && a.Fits(items[i].Kind) {
			s.answers.Set(id, a)
		}
	}
	s.violations = append(s.violations, cfg.Violations...)

	return s, nil
}

// Evaluate applies the clock and the violation budget without a new event.
func (s *Session) Evaluate(now time.Time) Outcome {
	if s.status != StatusInProgress || s.finalizing {
		return Outcome{}
	}
	if o := s.advanceClock(now); o.Force != nil {
		return o
	}
	if len(s.violations) >= s.maxViolations {
		return s.force(ForceViolationBudget, nil)
	}
	return Outcome{}
}

// Tick advances the countdown. Reaching zero forces submission without
// logging a violation.
func (s *Session) Tick(now time.Time) (Outcome, error) {
	if err := s.mutable(); err != nil {
		return Outcome{}, err
	}
	return s.advanceClock(now), nil
}

// RecordViolation appends a violation. The clock is checked first, so a
// time-out in the same cycle wins and the violation is refused.
func (s *Session) RecordViolation(t detector.ViolationType, now time.Time) (Outcome, error) {
	if err := s.mutable(); err != nil {
		return Outcome{}, err
	}
	if o := s.advanceClock(now); o.Force != nil {
		return o, ErrNotInProgress
	}

	v := Violation{Type: t, Timestamp: now}
	s.violations = append(s.violations, v)
	count := len(s.violations)

	if count >= s.maxViolations {
		o := s.force(ForceViolationBudget, &v)
		o.Recorded = &v
		return o, nil
	}

	remaining := s.maxViolations - count
	return Outcome{
		Recorded: &v,
		Warning: &Warning{
			Violation: v,
			Count:     count,
			Remaining: remaining,
			Final:     remaining == 1,
		},
	}, nil
}

// SetAnswer overwrites the answer of an item. The store notifies listeners.
func (s *Session) SetAnswer(itemID string, a answer.Answer, now time.Time) (Outcome, error) {
	if err := s.mutable(); err != nil {
		return Outcome{}, err
	}
	if o := s.advanceClock(now); o.Force != nil {
		return o, ErrNotInProgress
	}

	i, ok := s.itemIndex[itemID]
	if !ok {
		return Outcome{}, ErrUnknownItem
	}
	item := s.items[i]
	if !item.Answerable() {
		return Outcome{}, ErrNotAnswerable
	}
	if !a.Fits(item.Kind) {
		return Outcome{}, answer.ErrKindMismatch
	}

	if _, err := a.Encode(); err != nil {
		return Outcome{}, err
	}
	// Store listeners dispatch the autosave.
	s.answers.Set(itemID, a)
	return Outcome{}, nil
}

// Navigate moves to another item.
func (s *Session) Navigate(index int, now time.Time) (Outcome, error) {
	if err := s.mutable(); err != nil {
		return Outcome{}, err
	}
	if o := s.advanceClock(now); o.Force != nil {
		return o, ErrNotInProgress
	}
	if index < 0 || index >= len(s.items) {
		return Outcome{}, ErrIndexOutOfRange
	}
	s.current = index
	return Outcome{}, nil
}

// SubmitVoluntary asks to finalize a running attempt, whatever the answered count.
// The status only moves to Submitted once CompleteFinalize confirms it.
func (s *Session) SubmitVoluntary(now time.Time) (Outcome, error) {
	if err := s.mutable(); err != nil {
		return Outcome{}, err
	}
	if o := s.advanceClock(now); o.Force != nil {
		return o, ErrNotInProgress
	}
	s.finalizing = true
	return Outcome{Finalize: true}, nil
}

// AcknowledgeForceSubmit confirms a pending forced submission.
func (s *Session) AcknowledgeForceSubmit() (Outcome, error) {
	if s.status != StatusForceSubmitting {
		return Outcome{}, ErrNotForced
	}
	if s.finalizing {
		return Outcome{}, ErrFinalizing
	}
	s.finalizing = true
	return Outcome{Finalize: true}, nil
}

// CompleteFinalize records a confirmed submission.
func (s *Session) CompleteFinalize(resp gateway.SubmitResponse) Outcome {
	if !s.finalizing || s.status == StatusSubmitted {
		return Outcome{}
	}
	res := gateway.TransformToTestResult(resp)
	s.finalizing = false
	s.result = &res
	s.transition(StatusSubmitted)
	s.answers.Freeze()
	return Outcome{Result: &res}
}

// FailFinalize returns the session to its pre-finalize state.
func (s *Session) FailFinalize(err error) Outcome {
	if !s.finalizing {
		return Outcome{}
	}
	s.finalizing = false
	return Outcome{FinalizeError: &FinalizeError{
		Err:       err,
		Message:   err.Error(),
		Transient: gateway.IsTransient(err),
		Status:    s.status,
	}}
}

func (s *Session) mutable() error {
	if s.status != StatusInProgress {
		return ErrNotInProgress
	}
	if s.finalizing {
		return ErrFinalizing
	}
	return nil
}

// advanceClock recomputes time left from the deadline. It never increases.
func (s *Session) advanceClock(now time.Time) Outcome {
	left := s.countdown.Remaining(now)
	if left < s.timeLeft {
		s.timeLeft = left
	}
	if s.timeLeft == 0 {
		return s.force(ForceTimeExhausted, nil)
	}
	return Outcome{}
}

func (s *Session) force(reason ForceReason, v *Violation) Outcome {
	if !s.transition(StatusForceSubmitting) {
		return Outcome{}
	}
	s.forceReason = reason
	return Outcome{Force: &ForceNotice{Reason: reason, Violation: v, Count: len(s.violations)}}
}

func (s *Session) transition(to Status) bool {
	if to.rank() <= s.status.rank() {
		return false
	}
	s.status = to
	return true
}

// Status returns the current lifecycle state.
func (s *Session) Status() Status { return s.status }

// Finalizing reports whether a finalize call is in flight.
func (s *Session) Finalizing() bool { return s.finalizing }

// TestSlug returns the test identifier.
func (s *Session) TestSlug() string { return s.testSlug }

// AttemptID returns the platform attempt identifier.
func (s *Session) AttemptID() string { return s.attemptID }

// TimeLeft returns the last computed remaining seconds.
func (s *Session) TimeLeft() int { return s.timeLeft }

// Deadline returns the absolute end of the attempt.
func (s *Session) Deadline() time.Time { return s.countdown.Deadline() }

// CurrentIndex returns the index of the displayed item.
func (s *Session) CurrentIndex() int { return s.current }

// Items returns a copy of the item list.
func (s *Session) Items() []answer.Item {
	out := make([]answer.Item, len(s.items))
	copy(out, s.items)
	return out
}

// Answers exposes the answer store for read access and change subscriptions.
func (s *Session) Answers() *answer.Store { return s.answers }

// Violations returns a copy of the violation log.
func (s *Session) Violations() []Violation {
	out := make([]Violation, len(s.violations))
	copy(out, s.violations)
	return out
}

// ViolationCount returns the length of the violation log.
func (s *Session) ViolationCount() int { return len(s.violations) }

// MaxViolations returns the violation budget.
func (s *Session) MaxViolations() int { return s.maxViolations }

// ForceReason returns why forced submission was triggered, if it was.
func (s *Session) ForceReason() ForceReason { return s.forceReason }

// Result returns the final result once submitted.
func (s *Session) Result() *gateway.TestResult { return s.result }

// AnsweredCount counts items that have an answer.
func (s *Session) AnsweredCount() int {
	n := 0
	for _, it := range s.items {
		if s.answers.Has(it.ID) {
			n++
		}
	}
	return n
}

// ProgressPercent is (current+1)/len(items)*100.
func (s *Session) ProgressPercent() float64 {
	return float64(s.current+1) / float64(len(s.items)) * 100
}

// Snapshot returns the read-only view of the session.
func (s *Session) Snapshot() State {
	return State{
		TestSlug:         s.testSlug,
		AttemptID:        s.attemptID,
		Status:           s.status,
		Finalizing:       s.finalizing,
		TimeLeftSeconds:  s.timeLeft,
		TimeLeft:         timer.FormatTime(s.timeLeft),
		CurrentItemIndex: s.current,
		ItemCount:        len(s.items),
		AnsweredCount:    s.AnsweredCount(),
		ProgressPercent:  s.ProgressPercent(),
		ViolationCount:   len(s.violations),
		MaxViolations:    s.maxViolations,
		ForceReason:      s.forceReason,
		Result:           s.result,
	}
}
