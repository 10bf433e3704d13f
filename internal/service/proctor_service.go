package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/answer"
	"github.com/stemsi/exstem-proctor/internal/attempt"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/detector"
	"github.com/stemsi/exstem-proctor/internal/gateway"
	"github.com/stemsi/exstem-proctor/internal/repository"
	"github.com/stemsi/exstem-proctor/internal/timer"
)

var (
	ErrAttemptNotStarted = errors.New("attempt was not started by this learner")
	ErrAttemptSubmitted  = errors.New("attempt already submitted")
)

// takeoverWait bounds how long a new connection waits for the previous one to stop.
const takeoverWait = 5 * time.Second

// AttemptStore is the journal as seen by the service.
type AttemptStore interface {
	attempt.Journal
	SaveMeta(ctx context.Context, meta repository.AttemptMeta) error
	LoadMeta(ctx context.Context, learnerID int, attemptID string) (*repository.AttemptMeta, error)
	LoadProgress(ctx context.Context, learnerID int, attemptID string) (*repository.Progress, error)
}

// ViolationArchive reads the durable violation log.
type ViolationArchive interface {
	ListByAttempt(ctx context.Context, learnerID int, attemptID string) ([]repository.ArchivedViolation, error)
}

// GatewayFactory returns a Gateway authenticated with the learner's token.
type GatewayFactory func(token string) gateway.Gateway

// Learner is the authenticated caller.
type Learner struct {
	ID    int
	Token string
}

// StartResult is returned to the client when an attempt starts or resumes.
type StartResult struct {
	AttemptID       string        `json:"attempt_id"`
	TestSlug        string        `json:"test_slug"`
	Items           []answer.Item `json:"items"`
	StartedAt       time.Time     `json:"started_at"`
	DurationMinutes int           `json:"duration_minutes"`
	TimeLeftSeconds int           `json:"time_left_seconds"`
	TimeLeft        string        `json:"time_left"`
	MaxViolations   int           `json:"max_violations"`
}

// Review is the read-only view of a finished attempt.
type Review struct {
	Detail     *gateway.AttemptDetail         `json:"detail"`
	Result     gateway.TestResult             `json:"result"`
	Violations []repository.ArchivedViolation `json:"violations"`
}

// ProctorService starts attempts and hosts one engine per connected attempt.
type ProctorService struct {
	cfg      *config.Config
	store    AttemptStore
	archive  ViolationArchive
	gateways GatewayFactory
	clock    timer.Clock
	base     zerolog.Logger
	log      zerolog.Logger

	mu   sync.Mutex
	live map[string]*Host
}

// NewProctorService creates a new ProctorService.
func NewProctorService(cfg *config.Config, store AttemptStore, archive ViolationArchive, gateways GatewayFactory, log zerolog.Logger) *ProctorService {
	return &ProctorService{
		cfg:      cfg,
		store:    store,
		archive:  archive,
		gateways: gateways,
		clock:    timer.SystemClock{},
		base:     log,
		log:      log.With().Str("component", "proctor_service").Logger(),
		live:     make(map[string]*Host),
	}
}

// Start asks the platform to start (or resume) an attempt and journals its
// start payload for the stream connection.
func (s *ProctorService) Start(ctx context.Context, learner Learner, testSlug string) (*StartResult, error) {
	resp, err := s.gateways(learner.Token).StartAttempt(ctx, testSlug)
	if err != nil {
		return nil, err
	}
	if len(resp.Items) == 0 {
		return nil, attempt.ErrNoItems
	}

	meta := metaFromStart(learner.ID, testSlug, resp)
	if err := s.store.SaveMeta(ctx, meta); err != nil {
		s.log.Warn().Err(err).Str("attempt_id", meta.AttemptID).Msg("Failed to journal attempt meta")
	}

	left := resp.TimeLeftSeconds(s.clock.Now())
	s.log.Info().
		Int("learner_id", learner.ID).
		Str("test_slug", testSlug).
		Str("attempt_id", meta.AttemptID).
		Int("time_left", left).
		Msg("Attempt started")

	return &StartResult{
		AttemptID:       meta.AttemptID,
		TestSlug:        testSlug,
		Items:           meta.Items,
		StartedAt:       meta.StartedAt,
		DurationMinutes: meta.DurationMinutes,
		TimeLeftSeconds: left,
		TimeLeft:        timer.FormatTime(left),
		MaxViolations:   meta.MaxViolations,
	}, nil
}

// Open rebuilds the session of a started attempt from the journal and wires
// an engine for it. A previous connection to the same attempt is stopped first.
func (s *ProctorService) Open(ctx context.Context, learner Learner, testSlug, attemptID string, notifier attempt.Notifier) (*Host, error) {
	key := hostKey(learner.ID, attemptID)
	s.evict(key)

	gw := s.gateways(learner.Token)
	meta, err := s.loadMeta(ctx, gw, learner.ID, testSlug, attemptID)
	if err != nil {
		return nil, err
	}

	progress, err := s.store.LoadProgress(ctx, learner.ID, attemptID)
	if err != nil {
		s.log.Warn().Err(err).Str("attempt_id", attemptID).Msg("Journal unavailable, resuming without progress")
		progress = &repository.Progress{Status: attempt.StatusInProgress}
	}
	if progress.Status == attempt.StatusSubmitted {
		return nil, ErrAttemptSubmitted
	}

	session, err := attempt.NewSession(attempt.Config{
		TestSlug:        meta.TestSlug,
		AttemptID:       meta.AttemptID,
		Items:           meta.Items,
		StartedAt:       meta.StartedAt,
		DurationMinutes: meta.DurationMinutes,
		MaxViolations:   meta.MaxViolations,
		Clock:           s.clock,
		Answers:         decodeAnswers(meta.Items, progress.Answers),
		Violations:      progress.Violations,
	})
	if err != nil {
		return nil, err
	}

	signals := detector.NewPushSource()
	det := detector.New(s.base, detector.Options{Debounce: s.cfg.ViolationDebounce}, signals)
	ref := attempt.Ref{LearnerID: learner.ID, TestSlug: meta.TestSlug, AttemptID: meta.AttemptID}
	engine := attempt.NewEngine(session, attempt.EngineOptions{
		Ref:      ref,
		Gateway:  gw,
		Detector: det,
		Notifier: notifier,
		Journal:  s.store,
		Retry:    attempt.RetryPolicy{MaxAttempts: s.cfg.FinalizeMaxAttempts, Backoff: s.cfg.FinalizeBackoff},
		Clock:    s.clock,
		Log:      s.base,
	})

	runCtx, cancel := context.WithCancel(context.Background())
	h := &Host{
		Ref:     ref,
		Engine:  engine,
		Signals: signals,
		Items:   session.Items(),
		Answers: session.Answers().Snapshot(),
		key:     key,
		svc:     s,
		runCtx:  runCtx,
		cancel:  cancel,
	}

	s.mu.Lock()
	prev := s.live[key]
	s.live[key] = h
	s.mu.Unlock()
	if prev != nil {
		prev.cancel()
	}
	return h, nil
}

// Review combines the platform snapshot of an attempt with its violation log.
func (s *ProctorService) Review(ctx context.Context, learner Learner, testSlug, attemptID string) (*Review, error) {
	detail, err := s.gateways(learner.Token).GetAttemptDetail(ctx, testSlug, attemptID)
	if err != nil {
		return nil, err
	}

	violations, err := s.archive.ListByAttempt(ctx, learner.ID, attemptID)
	if err != nil {
		s.log.Warn().Err(err).Str("attempt_id", attemptID).Msg("Archive unavailable, using journal")
		violations = s.journalViolations(ctx, learner.ID, testSlug, attemptID)
	}

	return &Review{
		Detail: detail,
		Result: gateway.TransformToTestResult(gateway.SubmitResponse{
			TotalScore:       detail.TotalScore,
			MaxPossibleScore: detail.MaxPossibleScore,
		}),
		Violations: violations,
	}, nil
}

// Live returns the number of hosted attempts.
func (s *ProctorService) Live() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.live)
}

// Shutdown stops every hosted attempt and waits for their journals to drain.
func (s *ProctorService) Shutdown(ctx context.Context) {
	s.mu.Lock()
	hosts := make([]*Host, 0, len(s.live))
	for _, h := range s.live {
		hosts = append(hosts, h)
	}
	s.mu.Unlock()

	for _, h := range hosts {
		h.cancel()
	}
	for _, h := range hosts {
		select {
		case <-h.stopped():
		case <-ctx.Done():
			s.log.Warn().Int("pending", len(hosts)).Msg("Shutdown deadline hit before all attempts stopped")
			return
		}
	}
}

// LiveByTest lists the attempts of a test hosted by this instance.
func (s *ProctorService) LiveByTest(testSlug string) []attempt.Ref {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]attempt.Ref, 0)
	for _, h := range s.live {
		if h.Ref.TestSlug == testSlug {
			out = append(out, h.Ref)
		}
	}
	return out
}

func (s *ProctorService) loadMeta(ctx context.Context, gw gateway.Gateway, learnerID int, testSlug, attemptID string) (*repository.AttemptMeta, error) {
	meta, err := s.store.LoadMeta(ctx, learnerID, attemptID)
	if err == nil {
		if meta.TestSlug != testSlug {
			return nil, ErrAttemptNotStarted
		}
		return meta, nil
	}
	if !errors.Is(err, repository.ErrAttemptNotFound) {
		s.log.Warn().Err(err).Str("attempt_id", attemptID).Msg("Journal unavailable, asking the platform")
	}

	// The platform resumes an open attempt, so start is safe to repeat.
	resp, err := gw.StartAttempt(ctx, testSlug)
	if err != nil {
		return nil, err
	}
	if resp.AttemptID != attemptID {
		return nil, ErrAttemptNotStarted
	}
	fresh := metaFromStart(learnerID, testSlug, resp)
	if err := s.store.SaveMeta(ctx, fresh); err != nil {
		s.log.Warn().Err(err).Str("attempt_id", attemptID).Msg("Failed to journal attempt meta")
	}
	return &fresh, nil
}

func (s *ProctorService) journalViolations(ctx context.Context, learnerID int, testSlug, attemptID string) []repository.ArchivedViolation {
	out := make([]repository.ArchivedViolation, 0)
	progress, err := s.store.LoadProgress(ctx, learnerID, attemptID)
	if err != nil {
		return out
	}
	for _, v := range progress.Violations {
		out = append(out, repository.ArchivedViolation{
			LearnerID:  learnerID,
			TestSlug:   testSlug,
			AttemptID:  attemptID,
			Type:       string(v.Type),
			OccurredAt: v.Timestamp,
		})
	}
	return out
}

// evict stops a running host for key and waits for its journal to drain.
func (s *ProctorService) evict(key string) {
	s.mu.Lock()
	old := s.live[key]
	s.mu.Unlock()
	if old == nil {
		return
	}

	s.log.Info().Str("attempt", key).Msg("Taking over attempt from previous connection")
	old.cancel()
	select {
	case <-old.stopped():
	case <-time.After(takeoverWait):
		s.log.Warn().Str("attempt", key).Msg("Previous connection did not stop in time")
	}
}

// stopped is closed once the engine has returned and its autosaves, journal
// writes and any in-flight finalize have finished.
func (h *Host) stopped() <-chan struct{} {
	ch := make(chan struct{})
	go func() {
		<-h.Engine.Done()
		h.Engine.Wait()
		close(ch)
	}()
	return ch
}

func (s *ProctorService) release(h *Host) {
	s.mu.Lock()
	if s.live[h.key] == h {
		delete(s.live, h.key)
	}
	s.mu.Unlock()
}

func metaFromStart(learnerID int, testSlug string, resp *gateway.StartResponse) repository.AttemptMeta {
	budget := resp.MaxViolations
	if budget <= 0 {
		budget = attempt.DefaultMaxViolations
	}
	return repository.AttemptMeta{
		LearnerID:       learnerID,
		TestSlug:        testSlug,
		AttemptID:       resp.AttemptID,
		Items:           resp.Items,
		StartedAt:       resp.StartedAt,
		DurationMinutes: resp.DurationMinutes,
		MaxViolations:   budget,
	}
}

func decodeAnswers(items []answer.Item, encoded map[string]string) map[string]answer.Answer {
	if len(encoded) == 0 {
		return nil
	}
	kinds := make(map[string]answer.ItemKind, len(items))
	for _, it := range items {
		kinds[it.ID] = it.Kind
	}
	out := make(map[string]answer.Answer, len(encoded))
	for id, raw := range encoded {
		kind, ok := kinds[id]
		if !ok {
			continue
		}
		a, err := answer.FromEncoded(kind, raw)
		if err != nil {
			continue
		}
		out[id] = a
	}
	return out
}

func hostKey(learnerID int, attemptID string) string {
	return fmt.Sprintf("%d:%s", learnerID, attemptID)
}

// Host is one hosted attempt: the engine plus the signal source its
// connection feeds.
type Host struct {
	Ref     attempt.Ref
	Engine  *attempt.Engine
	Signals *detector.PushSource
	Items   []answer.Item
	Answers map[string]answer.Answer

	key    string
	svc    *ProctorService
	runCtx context.Context
	cancel context.CancelFunc
}

// Run drives the engine until the attempt is submitted, ctx ends or another
// connection takes the attempt over.
func (h *Host) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, h.cancel)
	defer stop()
	defer h.svc.release(h)
	defer h.cancel()
	return h.Engine.Run(h.runCtx)
}

// Close releases a host whose Run was never called.
func (h *Host) Close() {
	h.cancel()
	h.svc.release(h)
}
