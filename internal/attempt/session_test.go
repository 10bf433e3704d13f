package attempt

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stemsi/exstem-proctor/internal/answer"
	"github.com/stemsi/exstem-proctor/internal/detector"
	"github.com/stemsi/exstem-proctor/internal/gateway"
)

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func newManualClock(t time.Time) *manualClock { return &manualClock{now: t} }

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	return c.now
}

var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func testItems() []answer.Item {
	return []answer.Item{
		{ID: "q1", Kind: answer.KindQuiz, Points: 10, Quiz: &answer.QuizPayload{}},
		{ID: "c1", Kind: answer.KindCoding, Points: 20, Coding: &answer.CodingPayload{}},
		{ID: "e1", Kind: answer.KindEssay, Points: 10, Essay: &answer.EssayPayload{}},
		{ID: "x1", Kind: answer.KindUnknown},
	}
}

func newTestSession(t *testing.T, clock *manualClock, max int) *Session {
	t.Helper()
	s, err := NewSession(Config{
		TestSlug:        "algebra-1",
		AttemptID:       "a-1",
		Items:           testItems(),
		StartedAt:       clock.Now(),
		DurationMinutes: 10,
		MaxViolations:   max,
		Clock:           clock,
	})
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	return s
}

func TestNewSessionValidation(t *testing.T) {
	if _, err := NewSession(Config{}); !errors.Is(err, ErrNoItems) {
		t.Fatalf("expected ErrNoItems, got %v", err)
	}

	dup := []answer.Item{{ID: "q1", Kind: answer.KindQuiz}, {ID: "q1", Kind: answer.KindEssay}}
	if _, err := NewSession(Config{Items: dup, DurationMinutes: 5}); err == nil {
		t.Fatal("expected duplicate id error")
	}

	s, err := NewSession(Config{Items: testItems(), DurationMinutes: 5, MaxViolations: 0})
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	if s.MaxViolations() != DefaultMaxViolations {
		t.Fatalf("expected default budget %d, got %d", DefaultMaxViolations, s.MaxViolations())
	}
}

func TestResumeRestoresTimeAndProgress(t *testing.T) {
	clock := newManualClock(t0)
	s, err := NewSession(Config{
		Items:           testItems(),
		StartedAt:       t0.Add(-3 * time.Minute),
		DurationMinutes: 10,
		Clock:           clock,
		Answers: map[string]answer.Answer{
			"q1":     answer.TextAnswer("B"),
			"c1":     answer.TextAnswer("wrong shape"),
			"x1":     answer.TextAnswer("unknown item"),
			"absent": answer.TextAnswer("?"),
		},
		Violations: []Violation{{Type: detector.TabSwitch, Timestamp: t0.Add(-time.Minute)}},
	})
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}

	if s.TimeLeft() != 420 {
		t.Fatalf("expected 420s left, got %d", s.TimeLeft())
	}
	if s.AnsweredCount() != 1 {
		t.Fatalf("expected only the fitting answer restored, got %d", s.AnsweredCount())
	}
	if s.ViolationCount() != 1 {
		t.Fatalf("expected restored violation, got %d", s.ViolationCount())
	}
	if o := s.Evaluate(clock.Now()); !o.empty() {
		t.Fatalf("expected no transition, got %+v", o)
	}
}

func TestResumePastBudgetForces(t *testing.T) {
	clock := newManualClock(t0)
	s, _ := NewSession(Config{
		Items:           testItems(),
		StartedAt:       t0,
		DurationMinutes: 10,
		MaxViolations:   2,
		Clock:           clock,
		Violations: []Violation{
			{Type: detector.TabSwitch, Timestamp: t0},
			{Type: detector.CopyPaste, Timestamp: t0},
		},
	})

	o := s.Evaluate(clock.Now())
	if o.Force == nil || o.Force.Reason != ForceViolationBudget {
		t.Fatalf("expected violation budget force, got %+v", o)
	}
	if s.Status() != StatusForceSubmitting {
		t.Fatalf("expected force_submitting, got %s", s.Status())
	}
}

func TestViolationWarningsThenForce(t *testing.T) {
	clock := newManualClock(t0)
	s := newTestSession(t, clock, 3)

	o, err := s.RecordViolation(detector.TabSwitch, clock.Advance(time.Second))
	if err != nil {
		t.Fatalf("first violation: %v", err)
	}
	if o.Warning == nil || o.Warning.Count != 1 || o.Warning.Remaining != 2 || o.Warning.Final {
		t.Fatalf("unexpected first warning: %+v", o.Warning)
	}

	o, _ = s.RecordViolation(detector.CopyPaste, clock.Advance(time.Second))
	if o.Warning == nil || o.Warning.Remaining != 1 || !o.Warning.Final {
		t.Fatalf("expected final warning, got %+v", o.Warning)
	}

	o, _ = s.RecordViolation(detector.AppBackground, clock.Advance(time.Second))
	if o.Warning != nil {
		t.Fatal("budget-reaching violation must not warn")
	}
	if o.Force == nil || o.Force.Reason != ForceViolationBudget || o.Force.Count != 3 {
		t.Fatalf("unexpected force notice: %+v", o.Force)
	}
	if o.Recorded == nil || o.Recorded.Type != detector.AppBackground {
		t.Fatalf("expected recorded violation, got %+v", o.Recorded)
	}

	if _, err := s.RecordViolation(detector.TabSwitch, clock.Advance(time.Second)); !errors.Is(err, ErrNotInProgress) {
		t.Fatalf("expected ErrNotInProgress after force, got %v", err)
	}
	if s.ViolationCount() != 3 {
		t.Fatalf("violation log must stop growing, got %d", s.ViolationCount())
	}
}

func TestViolationBudgetOfOne(t *testing.T) {
	clock := newManualClock(t0)
	s := newTestSession(t, clock, 1)

	o, err := s.RecordViolation(detector.Screenshot, clock.Now())
	if err != nil {
		t.Fatalf("RecordViolation: %v", err)
	}
	if o.Warning != nil || o.Force == nil {
		t.Fatalf("expected immediate force, got %+v", o)
	}
}

func TestTimeOutWinsOverViolation(t *testing.T) {
	clock := newManualClock(t0)
	s := newTestSession(t, clock, 3)

	o, err := s.RecordViolation(detector.TabSwitch, clock.Advance(10*time.Minute))
	if !errors.Is(err, ErrNotInProgress) {
		t.Fatalf("expected violation refused, got %v", err)
	}
	if o.Force == nil || o.Force.Reason != ForceTimeExhausted {
		t.Fatalf("expected time out, got %+v", o.Force)
	}
	if s.ViolationCount() != 0 {
		t.Fatalf("violation after time out must not be logged, got %d", s.ViolationCount())
	}
}

func TestTickCountsDownAndForcesAtZero(t *testing.T) {
	clock := newManualClock(t0)
	s := newTestSession(t, clock, 3)

	if o, _ := s.Tick(clock.Advance(time.Second)); !o.empty() || s.TimeLeft() != 599 {
		t.Fatalf("expected 599 left, got %d (%+v)", s.TimeLeft(), o)
	}

	// Suspended process wakes up: remaining is recomputed from the deadline.
	if _, err := s.Tick(clock.Advance(7 * time.Minute)); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if s.TimeLeft() != 179 {
		t.Fatalf("expected 179 after jump, got %d", s.TimeLeft())
	}

	// A clock step back never raises the remaining time.
	s.Tick(clock.Advance(-time.Minute))
	if s.TimeLeft() != 179 {
		t.Fatalf("time left increased to %d", s.TimeLeft())
	}

	o, _ := s.Tick(clock.Advance(10 * time.Minute))
	if o.Force == nil || o.Force.Reason != ForceTimeExhausted || o.Force.Violation != nil {
		t.Fatalf("expected time exhausted force, got %+v", o.Force)
	}
	if s.ViolationCount() != 0 {
		t.Fatal("time out must not log a violation")
	}
	if _, err := s.Tick(clock.Advance(time.Second)); !errors.Is(err, ErrNotInProgress) {
		t.Fatalf("expected ticks refused after force, got %v", err)
	}
}

func TestSetAnswerRules(t *testing.T) {
	clock := newManualClock(t0)
	s := newTestSession(t, clock, 3)

	tests := []struct {
		name   string
		itemID string
		a      answer.Answer
		err    error
	}{
		{"quiz text", "q1", answer.TextAnswer("A"), nil},
		{"coding code", "c1", answer.CodingAnswer("print(1)", 71), nil},
		{"essay text", "e1", answer.TextAnswer("essay"), nil},
		{"unknown item id", "zz", answer.TextAnswer("A"), ErrUnknownItem},
		{"unknown kind", "x1", answer.TextAnswer("A"), ErrNotAnswerable},
		{"code on quiz", "q1", answer.CodingAnswer("x", 1), answer.ErrKindMismatch},
		{"text on coding", "c1", answer.TextAnswer("x"), answer.ErrKindMismatch},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			o, err := s.SetAnswer(tc.itemID, tc.a, clock.Now())
			if !errors.Is(err, tc.err) {
				t.Fatalf("expected %v, got %v", tc.err, err)
			}
			if !o.empty() {
				t.Fatalf("answers produce no outcome, got %+v", o)
			}
			if tc.err == nil && !s.Answers().Has(tc.itemID) {
				t.Fatalf("expected %s stored", tc.itemID)
			}
		})
	}

	var changed []string
	unsubscribe := s.Answers().Subscribe(func(itemID string, a answer.Answer) {
		changed = append(changed, itemID)
	})
	defer unsubscribe()
	s.SetAnswer("c1", answer.CodingAnswer("print(2)", 71), clock.Now())
	s.SetAnswer("q1", answer.CodingAnswer("x", 1), clock.Now())
	if len(changed) != 1 || changed[0] != "c1" {
		t.Fatalf("expected one change for c1, got %v", changed)
	}
	got, _ := s.Answers().Get("c1")
	if enc, _ := got.Encode(); enc != `{"code":"print(2)","language_id":71}` {
		t.Fatalf("unexpected coding encoding %q", enc)
	}
	if s.AnsweredCount() != 3 {
		t.Fatalf("expected 3 answered, got %d", s.AnsweredCount())
	}
}

func TestNavigateAndProgress(t *testing.T) {
	clock := newManualClock(t0)
	s := newTestSession(t, clock, 3)

	if s.ProgressPercent() != 25 {
		t.Fatalf("expected 25%%, got %v", s.ProgressPercent())
	}
	if _, err := s.Navigate(3, clock.Now()); err != nil {
		t.Fatalf("Navigate: %v", err)
	}
	if s.ProgressPercent() != 100 {
		t.Fatalf("expected 100%%, got %v", s.ProgressPercent())
	}
	for _, idx := range []int{-1, 4} {
		if _, err := s.Navigate(idx, clock.Now()); !errors.Is(err, ErrIndexOutOfRange) {
			t.Fatalf("index %d: expected ErrIndexOutOfRange, got %v", idx, err)
		}
	}
	if s.CurrentIndex() != 3 {
		t.Fatalf("failed navigation moved cursor to %d", s.CurrentIndex())
	}
}

func TestVoluntarySubmitLifecycle(t *testing.T) {
	clock := newManualClock(t0)
	s := newTestSession(t, clock, 3)
	s.SetAnswer("q1", answer.TextAnswer("A"), clock.Now())

	o, err := s.SubmitVoluntary(clock.Now())
	if err != nil || !o.Finalize {
		t.Fatalf("expected finalize request, got %+v %v", o, err)
	}
	if _, err := s.SubmitVoluntary(clock.Now()); !errors.Is(err, ErrFinalizing) {
		t.Fatalf("expected ErrFinalizing on double submit, got %v", err)
	}
	if _, err := s.SetAnswer("q1", answer.TextAnswer("B"), clock.Now()); !errors.Is(err, ErrFinalizing) {
		t.Fatalf("expected answers refused while finalizing, got %v", err)
	}

	o = s.FailFinalize(gateway.ErrTransient)
	if o.FinalizeError == nil || !o.FinalizeError.Transient || o.FinalizeError.Status != StatusInProgress {
		t.Fatalf("unexpected finalize error: %+v", o.FinalizeError)
	}
	if s.Finalizing() || s.Status() != StatusInProgress {
		t.Fatal("failed finalize must restore the pre-finalize state")
	}

	s.SubmitVoluntary(clock.Now())
	o = s.CompleteFinalize(gateway.SubmitResponse{TotalScore: 40, MaxPossibleScore: 80})
	if o.Result == nil || o.Result.Percentage != 50 || !o.Result.Passed {
		t.Fatalf("unexpected result: %+v", o.Result)
	}
	if s.Status() != StatusSubmitted {
		t.Fatalf("expected submitted, got %s", s.Status())
	}
	if !s.Answers().Frozen() {
		t.Fatal("answers must be frozen after submit")
	}
	if o := s.CompleteFinalize(gateway.SubmitResponse{}); !o.empty() {
		t.Fatal("second completion must be ignored")
	}
	if _, err := s.SetAnswer("q1", answer.TextAnswer("C"), clock.Now()); !errors.Is(err, ErrNotInProgress) {
		t.Fatalf("expected ErrNotInProgress after submit, got %v", err)
	}
}

func TestSubmittedSessionIgnoresEvents(t *testing.T) {
	paths := []struct {
		name   string
		max    int
		submit func(s *Session, clock *manualClock)
	}{
		{"voluntary", 3, func(s *Session, clock *manualClock) {
			s.SubmitVoluntary(clock.Now())
		}},
		{"violation budget", 1, func(s *Session, clock *manualClock) {
			s.RecordViolation(detector.Screenshot, clock.Now())
			s.AcknowledgeForceSubmit()
		}},
		{"time exhausted", 3, func(s *Session, clock *manualClock) {
			s.Tick(clock.Advance(11 * time.Minute))
			s.AcknowledgeForceSubmit()
		}},
	}
	events := []struct {
		name  string
		apply func(s *Session, clock *manualClock) (Outcome, error)
	}{
		{"tick", func(s *Session, clock *manualClock) (Outcome, error) {
			return s.Tick(clock.Advance(time.Second))
		}},
		{"violation", func(s *Session, clock *manualClock) (Outcome, error) {
			return s.RecordViolation(detector.CopyPaste, clock.Now())
		}},
		{"answer", func(s *Session, clock *manualClock) (Outcome, error) {
			return s.SetAnswer("q1", answer.TextAnswer("late"), clock.Now())
		}},
		{"navigate", func(s *Session, clock *manualClock) (Outcome, error) {
			return s.Navigate(2, clock.Now())
		}},
	}

	for _, p := range paths {
		for _, ev := range events {
			t.Run(p.name+"/"+ev.name, func(t *testing.T) {
				clock := newManualClock(t0)
				s := newTestSession(t, clock, p.max)
				s.Navigate(1, clock.Now())
				clock.Advance(30 * time.Second)
				p.submit(s, clock)
				s.CompleteFinalize(gateway.SubmitResponse{TotalScore: 1, MaxPossibleScore: 2})
				if s.Status() != StatusSubmitted {
					t.Fatalf("expected submitted, got %s", s.Status())
				}

				violations, index, left := s.ViolationCount(), s.CurrentIndex(), s.TimeLeft()
				answered := s.AnsweredCount()

				o, err := ev.apply(s, clock)
				if !errors.Is(err, ErrNotInProgress) {
					t.Fatalf("expected ErrNotInProgress, got %v", err)
				}
				if !o.empty() {
					t.Fatalf("expected empty outcome, got %+v", o)
				}
				if s.ViolationCount() != violations || s.CurrentIndex() != index || s.TimeLeft() != left {
					t.Fatalf("submitted session mutated: violations %d->%d index %d->%d left %d->%d",
						violations, s.ViolationCount(), index, s.CurrentIndex(), left, s.TimeLeft())
				}
				if s.AnsweredCount() != answered || s.Status() != StatusSubmitted {
					t.Fatal("submitted session mutated")
				}
			})
		}
	}
}

func TestAcknowledgeForceSubmit(t *testing.T) {
	clock := newManualClock(t0)
	s := newTestSession(t, clock, 1)

	if _, err := s.AcknowledgeForceSubmit(); !errors.Is(err, ErrNotForced) {
		t.Fatalf("expected ErrNotForced, got %v", err)
	}

	s.RecordViolation(detector.TabSwitch, clock.Now())
	if _, err := s.SubmitVoluntary(clock.Now()); !errors.Is(err, ErrNotInProgress) {
		t.Fatalf("voluntary submit during force must be refused, got %v", err)
	}

	o, err := s.AcknowledgeForceSubmit()
	if err != nil || !o.Finalize {
		t.Fatalf("expected finalize request, got %+v %v", o, err)
	}
	if _, err := s.AcknowledgeForceSubmit(); !errors.Is(err, ErrFinalizing) {
		t.Fatalf("expected ErrFinalizing on double ack, got %v", err)
	}

	o = s.FailFinalize(errors.New("boom"))
	if o.FinalizeError.Status != StatusForceSubmitting {
		t.Fatalf("expected force_submitting kept, got %s", o.FinalizeError.Status)
	}
	if _, err := s.AcknowledgeForceSubmit(); err != nil {
		t.Fatalf("ack retry after failure: %v", err)
	}
	s.CompleteFinalize(gateway.SubmitResponse{TotalScore: 0, MaxPossibleScore: 0})
	if s.Status() != StatusSubmitted || s.ForceReason() != ForceViolationBudget {
		t.Fatalf("unexpected final state %s %s", s.Status(), s.ForceReason())
	}
}

func TestSnapshot(t *testing.T) {
	clock := newManualClock(t0)
	s := newTestSession(t, clock, 3)
	s.SetAnswer("e1", answer.TextAnswer("x"), clock.Now())
	s.Navigate(1, clock.Now())
	s.Tick(clock.Advance(65 * time.Second))

	st := s.Snapshot()
	if st.TimeLeftSeconds != 535 || st.TimeLeft != "8:55" {
		t.Fatalf("unexpected time left %d %q", st.TimeLeftSeconds, st.TimeLeft)
	}
	if st.AnsweredCount != 1 || st.ItemCount != 4 || st.CurrentItemIndex != 1 || st.ProgressPercent != 50 {
		t.Fatalf("unexpected snapshot %+v", st)
	}
}
