package attempt

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/answer"
	"github.com/stemsi/exstem-proctor/internal/detector"
	"github.com/stemsi/exstem-proctor/internal/gateway"
	"github.com/stemsi/exstem-proctor/internal/monitoring"
	"github.com/stemsi/exstem-proctor/internal/timer"
)

// ErrEngineStopped is returned by commands sent after the run loop exited.
var ErrEngineStopped = errors.New("attempt engine stopped")

const (
	journalTimeout  = 5 * time.Second
	autosaveTimeout = 15 * time.Second
)

// NotificationKind tags what a Notification carries.
type NotificationKind string

const (
	NotifyState         NotificationKind = "state"
	NotifyTick          NotificationKind = "tick"
	NotifyWarning       NotificationKind = "warning"
	NotifyForceSubmit   NotificationKind = "force_submit"
	NotifyFinalizeError NotificationKind = "finalize_error"
	NotifySubmitted     NotificationKind = "submitted"
)

// Notification is pushed to the presenter after a transition. State is the
// snapshot taken right after the transition was applied.
type Notification struct {
	Kind    NotificationKind
	State   State
	Warning *Warning
	Force   *ForceNotice
	Error   *FinalizeError
	Result  *gateway.TestResult
}

// Notifier receives notifications on the engine goroutine and must not block.
type Notifier interface {
	Notify(n Notification)
}

// NotifierFunc adapts a func to Notifier.
type NotifierFunc func(n Notification)

// Notify implements Notifier.
func (f NotifierFunc) Notify(n Notification) { f(n) }

// Ref identifies a hosted attempt.
type Ref struct {
	LearnerID int    `json:"learner_id"`
	TestSlug  string `json:"test_slug"`
	AttemptID string `json:"attempt_id"`
}

// Journal persists session progress for reconnects and monitoring.
// Calls are best-effort; failures are logged, never surfaced.
type Journal interface {
	SaveAnswer(ctx context.Context, ref Ref, itemID, encoded string) error
	AppendViolation(ctx context.Context, ref Ref, v Violation) error
	SetStatus(ctx context.Context, ref Ref, status Status) error
}

// RetryPolicy bounds how a transient finalize failure is retried before it
// is surfaced to the learner.
type RetryPolicy struct {
	MaxAttempts int
	Backoff     time.Duration
}

// DefaultRetryPolicy is 3 attempts starting at 500ms, doubling.
var DefaultRetryPolicy = RetryPolicy{MaxAttempts: 3, Backoff: 500 * time.Millisecond}

// EngineOptions wires an Engine to its collaborators.
type EngineOptions struct {
	Ref      Ref
	Gateway  gateway.Gateway
	Detector *detector.Detector
	Notifier Notifier
	Journal  Journal
	Retry    RetryPolicy
	Clock    timer.Clock
	// Ticks overrides the 1 Hz countdown ticker.
	Ticks <-chan time.Time
	Log   zerolog.Logger
}

type command struct {
	apply func(now time.Time) (Outcome, error)
	reply chan error
}

type finalizeResult struct {
	resp *gateway.SubmitResponse
	err  error
}

// Engine drives one Session. Ticks, detector events and learner commands are
// applied one at a time on the Run goroutine in arrival order.
type Engine struct {
	s    *Session
	opts EngineOptions
	log  zerolog.Logger

	cmds      chan command
	finalized chan finalizeResult
	journalQ  *taskQueue
	autosaves *taskQueue
	done      chan struct{}

	background sync.WaitGroup
	// writers holds the journal open for Run and an in-flight finalize.
	writers sync.WaitGroup
}

// NewEngine creates an engine for s.
func NewEngine(s *Session, opts EngineOptions) *Engine {
	if opts.Clock == nil {
		opts.Clock = timer.SystemClock{}
	}
	if opts.Notifier == nil {
		opts.Notifier = NotifierFunc(func(Notification) {})
	}
	if opts.Retry.MaxAttempts <= 0 {
		opts.Retry.MaxAttempts = DefaultRetryPolicy.MaxAttempts
	}
	if opts.Retry.Backoff <= 0 {
		opts.Retry.Backoff = DefaultRetryPolicy.Backoff
	}
	return &Engine{
		s:    s,
		opts: opts,
		log: opts.Log.With().
			Str("component", "attempt_engine").
			Str("test_slug", s.TestSlug()).
			Str("attempt_id", s.AttemptID()).
			Logger(),
		cmds:      make(chan command),
		finalized: make(chan finalizeResult, 1),
		journalQ:  newTaskQueue(journalTimeout),
		autosaves: newTaskQueue(autosaveTimeout),
		done:      make(chan struct{}),
	}
}

// Run processes events until the attempt is submitted (nil) or ctx ends.
func (e *Engine) Run(ctx context.Context) error {
	defer close(e.done)

	monitoring.ActiveSessions.Inc()
	defer monitoring.ActiveSessions.Dec()

	e.background.Add(2)
	go e.runQueue(e.journalQ)
	go e.runQueue(e.autosaves)
	defer e.autosaves.Close()

	e.writers.Add(1)
	go func() {
		e.writers.Wait()
		e.journalQ.Close()
	}()
	defer e.writers.Done()

	unsubscribe := e.s.answers.Subscribe(e.answerChanged)
	defer unsubscribe()

	var violations <-chan detector.Event
	if d := e.opts.Detector; d != nil {
		d.Start(ctx)
		defer d.Close()
		violations = d.Events()
	}

	ticks := e.opts.Ticks
	if ticks == nil {
		ticks = e.s.countdown.Ticker(ctx)
	}

	e.log.Info().
		Int("items", len(e.s.items)).
		Int("time_left", e.s.TimeLeft()).
		Int("max_violations", e.s.MaxViolations()).
		Msg("Attempt session started")

	e.notify(Notification{Kind: NotifyState})
	e.handle(ctx, e.s.Evaluate(e.opts.Clock.Now()))

	for {
		select {
		case <-ctx.Done():
			e.log.Info().Str("status", string(e.s.Status())).Msg("Attempt session abandoned")
			return ctx.Err()

		case now, ok := <-ticks:
			if !ok {
				ticks = nil
				continue
			}
			o, err := e.s.Tick(now)
			if err == nil {
				e.notify(Notification{Kind: NotifyTick})
			}
			e.handle(ctx, o)

		case ev := <-violations:
			o, err := e.s.RecordViolation(ev.Type, ev.At)
			if err != nil {
				e.log.Debug().Err(err).Str("type", string(ev.Type)).Msg("Violation ignored")
			}
			e.handle(ctx, o)

		case cmd := <-e.cmds:
			o, err := cmd.apply(e.opts.Clock.Now())
			e.handle(ctx, o)
			cmd.reply <- err

		case res := <-e.finalized:
			var o Outcome
			if res.err != nil {
				o = e.s.FailFinalize(res.err)
			} else {
				o = e.s.CompleteFinalize(*res.resp)
			}
			e.handle(ctx, o)
			if e.s.Status() == StatusSubmitted {
				e.log.Info().
					Float64("percentage", e.s.Result().Percentage).
					Int("violations", e.s.ViolationCount()).
					Msg("Attempt submitted")
				return nil
			}
		}
	}
}

// Wait blocks until autosaves, journal writes and an in-flight finalize have
// finished. Call it after Run returned.
func (e *Engine) Wait() {
	e.background.Wait()
}

// Done is closed when Run returns.
func (e *Engine) Done() <-chan struct{} {
	return e.done
}

// SetAnswer stores an answer and dispatches a best-effort autosave.
func (e *Engine) SetAnswer(ctx context.Context, itemID string, a answer.Answer) error {
	return e.exec(ctx, func(now time.Time) (Outcome, error) {
		return e.s.SetAnswer(itemID, a, now)
	})
}

// Navigate moves to the item at index.
func (e *Engine) Navigate(ctx context.Context, index int) error {
	return e.exec(ctx, func(now time.Time) (Outcome, error) {
		return e.s.Navigate(index, now)
	})
}

// Submit requests a voluntary submission. The result arrives as a notification.
func (e *Engine) Submit(ctx context.Context) error {
	return e.exec(ctx, func(now time.Time) (Outcome, error) {
		return e.s.SubmitVoluntary(now)
	})
}

// Acknowledge confirms a pending forced submission.
func (e *Engine) Acknowledge(ctx context.Context) error {
	return e.exec(ctx, func(time.Time) (Outcome, error) {
		return e.s.AcknowledgeForceSubmit()
	})
}

// State returns a snapshot taken on the engine goroutine.
func (e *Engine) State(ctx context.Context) (State, error) {
	var st State
	err := e.exec(ctx, func(time.Time) (Outcome, error) {
		st = e.s.Snapshot()
		return Outcome{}, nil
	})
	return st, err
}

func (e *Engine) exec(ctx context.Context, apply func(now time.Time) (Outcome, error)) error {
	cmd := command{apply: apply, reply: make(chan error, 1)}
	select {
	case e.cmds <- cmd:
	case <-e.done:
		return ErrEngineStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-cmd.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) handle(ctx context.Context, o Outcome) {
	if o.empty() {
		return
	}
	ref := e.opts.Ref

	if v := o.Recorded; v != nil {
		monitoring.ViolationsTotal.WithLabelValues(string(v.Type)).Inc()
		e.log.Warn().
			Str("type", string(v.Type)).
			Int("count", e.s.ViolationCount()).
			Msg("Violation recorded")
		vv := *v
		e.journal(func(jctx context.Context, j Journal) error {
			return j.AppendViolation(jctx, ref, vv)
		})
	}

	if o.Warning != nil {
		e.notify(Notification{Kind: NotifyWarning, Warning: o.Warning})
	}

	if o.Force != nil {
		monitoring.ForceSubmitsTotal.WithLabelValues(string(o.Force.Reason)).Inc()
		e.log.Warn().Str("reason", string(o.Force.Reason)).Msg("Forced submission pending acknowledgment")
		e.journal(func(jctx context.Context, j Journal) error {
			return j.SetStatus(jctx, ref, StatusForceSubmitting)
		})
		e.notify(Notification{Kind: NotifyForceSubmit, Force: o.Force})
	}

	if o.Finalize {
		e.startFinalize(ctx)
	}

	if fe := o.FinalizeError; fe != nil {
		monitoring.FinalizeTotal.WithLabelValues("failed").Inc()
		e.log.Error().Err(fe.Err).Bool("transient", fe.Transient).Msg("Finalize failed")
		e.notify(Notification{Kind: NotifyFinalizeError, Error: fe})
	}

	if o.Result != nil {
		monitoring.FinalizeTotal.WithLabelValues("ok").Inc()
		e.notify(Notification{Kind: NotifySubmitted, Result: o.Result})
	}
}

func (e *Engine) notify(n Notification) {
	n.State = e.s.Snapshot()
	e.opts.Notifier.Notify(n)
}

// answerChanged runs on the engine goroutine after the store accepted a new
// answer. The journal and the platform each get only the latest pending
// value per item, applied in order.
func (e *Engine) answerChanged(itemID string, a answer.Answer) {
	encoded, err := a.Encode()
	if err != nil {
		e.log.Warn().Err(err).Str("item_id", itemID).Msg("Answer not encodable, autosave skipped")
		return
	}
	ref := e.opts.Ref
	if j := e.opts.Journal; j != nil {
		e.journalQ.PushLatest(itemID, func(ctx context.Context) {
			if err := j.SaveAnswer(ctx, ref, itemID, encoded); err != nil {
				e.log.Warn().Err(err).Str("item_id", itemID).Msg("Journal write failed")
			}
		})
	}

	gw := e.opts.Gateway
	if gw == nil {
		return
	}
	slug, attemptID := e.s.TestSlug(), e.s.AttemptID()
	e.autosaves.PushLatest(itemID, func(ctx context.Context) {
		// A failed call is superseded by the next autosave of the item or by the final submit.
		if err := gw.SubmitAnswer(ctx, slug, attemptID, itemID, encoded); err != nil {
			monitoring.AutosaveTotal.WithLabelValues("failed").Inc()
			e.log.Warn().Err(err).Str("item_id", itemID).Msg("Autosave failed")
			return
		}
		monitoring.AutosaveTotal.WithLabelValues("ok").Inc()
	})
}

func (e *Engine) startFinalize(ctx context.Context) {
	slug, attemptID := e.s.TestSlug(), e.s.AttemptID()
	e.log.Info().Msg("Finalizing attempt")
	ref := e.opts.Ref
	e.background.Add(1)
	e.writers.Add(1)
	go func() {
		defer e.background.Done()
		defer e.writers.Done()
		// Pending autosaves land first so the platform grades the latest answers.
		flushCtx, cancel := context.WithTimeout(ctx, autosaveTimeout)
		if err := e.autosaves.Flush(flushCtx); err != nil {
			e.log.Warn().Err(err).Msg("Autosaves still pending at finalize")
		}
		cancel()
		resp, err := e.submitWithRetry(ctx, slug, attemptID)
		if err == nil {
			// Journaled here so a result landing after a takeover still blocks a reopen.
			e.journal(func(jctx context.Context, j Journal) error {
				return j.SetStatus(jctx, ref, StatusSubmitted)
			})
		}
		e.finalized <- finalizeResult{resp: resp, err: err}
	}()
}

// submitWithRetry retries transient failures with exponential backoff.
// An issued call is not cancelled with ctx; only further retries are.
func (e *Engine) submitWithRetry(ctx context.Context, slug, attemptID string) (*gateway.SubmitResponse, error) {
	if e.opts.Gateway == nil {
		return nil, errors.New("no gateway configured")
	}
	callCtx := context.WithoutCancel(ctx)
	backoff := e.opts.Retry.Backoff

	for try := 1; ; try++ {
		resp, err := e.opts.Gateway.SubmitAttempt(callCtx, slug, attemptID)
		if err == nil {
			return resp, nil
		}
		if !gateway.IsTransient(err) || try >= e.opts.Retry.MaxAttempts {
			return nil, err
		}
		e.log.Warn().Err(err).Int("try", try).Dur("backoff", backoff).Msg("Finalize failed, retrying")

		t := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, err
		case <-t.C:
		}
		backoff *= 2
	}
}

// journal queues an ordered write. Violation and status writes are never dropped.
func (e *Engine) journal(fn func(ctx context.Context, j Journal) error) {
	j := e.opts.Journal
	if j == nil {
		return
	}
	e.journalQ.Push(func(ctx context.Context) {
		if err := fn(ctx, j); err != nil {
			e.log.Warn().Err(err).Msg("Journal write failed")
		}
	})
}

func (e *Engine) runQueue(q *taskQueue) {
	defer e.background.Done()
	q.Run()
}
