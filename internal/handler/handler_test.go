package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/answer"
	"github.com/stemsi/exstem-proctor/internal/attempt"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/gateway"
	"github.com/stemsi/exstem-proctor/internal/middleware"
	"github.com/stemsi/exstem-proctor/internal/repository"
	"github.com/stemsi/exstem-proctor/internal/response"
	"github.com/stemsi/exstem-proctor/internal/service"
	"github.com/stemsi/exstem-proctor/internal/validator"
)

func init() {
	gin.SetMode(gin.TestMode)
	validator.Setup()
}

const testSecret = "handler-test-secret"

// ─── Fakes ──────────────────────────────────────────────────────────

type memStore struct {
	mu         sync.Mutex
	meta       map[string]repository.AttemptMeta
	answers    map[string]string
	violations []attempt.Violation
	status     attempt.Status
}

func newMemStore() *memStore {
	return &memStore{meta: map[string]repository.AttemptMeta{}, answers: map[string]string{}}
}

func (m *memStore) SaveMeta(_ context.Context, meta repository.AttemptMeta) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.meta[meta.AttemptID] = meta
	return nil
}

func (m *memStore) LoadMeta(_ context.Context, _ int, attemptID string) (*repository.AttemptMeta, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	meta, ok := m.meta[attemptID]
	if !ok {
		return nil, repository.ErrAttemptNotFound
	}
	return &meta, nil
}

func (m *memStore) LoadProgress(context.Context, int, string) (*repository.Progress, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	answers := make(map[string]string, len(m.answers))
	for k, v := range m.answers {
		answers[k] = v
	}
	status := m.status
	if status == "" {
		status = attempt.StatusInProgress
	}
	return &repository.Progress{
		Answers:    answers,
		Violations: append([]attempt.Violation(nil), m.violations...),
		Status:     status,
	}, nil
}

func (m *memStore) SaveAnswer(_ context.Context, _ attempt.Ref, itemID, encoded string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.answers[itemID] = encoded
	return nil
}

func (m *memStore) AppendViolation(_ context.Context, _ attempt.Ref, v attempt.Violation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.violations = append(m.violations, v)
	return nil
}

func (m *memStore) SetStatus(_ context.Context, _ attempt.Ref, status attempt.Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.status = status
	return nil
}

func (m *memStore) currentStatus() attempt.Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

type emptyArchive struct{}

func (emptyArchive) ListByAttempt(context.Context, int, string) ([]repository.ArchivedViolation, error) {
	return nil, errors.New("archive offline")
}

type fakePlatform struct {
	mu       sync.Mutex
	startErr error
	answers  map[string]string
	submits  int
}

func (p *fakePlatform) StartAttempt(_ context.Context, slug string) (*gateway.StartResponse, error) {
	if p.startErr != nil {
		return nil, p.startErr
	}
	var items []answer.Item
	raw := `[
		{"id": "q1", "points": 5, "order": 1, "content_type": "courses.QuizQuestion",
		 "content": {"question": "2+2?", "options": [{"id": "a", "text": "3"}, {"id": "b", "text": "4"}]}},
		{"id": "e1", "points": 5, "order": 2, "content_type": "courses.EssayQuestion",
		 "content": {"prompt": "Explain goroutines"}}
	]`
	if err := json.Unmarshal([]byte(raw), &items); err != nil {
		return nil, err
	}
	return &gateway.StartResponse{
		AttemptID:       "att-1",
		Items:           items,
		StartedAt:       time.Now().Add(-time.Minute),
		DurationMinutes: 30,
	}, nil
}

func (p *fakePlatform) SubmitAnswer(_ context.Context, _, _, itemID, encoded string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.answers == nil {
		p.answers = map[string]string{}
	}
	p.answers[itemID] = encoded
	return nil
}

func (p *fakePlatform) SubmitAttempt(context.Context, string, string) (*gateway.SubmitResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.submits++
	return &gateway.SubmitResponse{TotalScore: 8, MaxPossibleScore: 10, GradedItems: 2, TotalItems: 2}, nil
}

func (p *fakePlatform) GetAttemptDetail(_ context.Context, _, attemptID string) (*gateway.AttemptDetail, error) {
	return &gateway.AttemptDetail{AttemptID: attemptID, Status: "submitted", TotalScore: 8, MaxPossibleScore: 10}, nil
}

func (p *fakePlatform) submitCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.submits
}

// ─── Harness ────────────────────────────────────────────────────────

type harness struct {
	store    *memStore
	platform *fakePlatform
	token    string
	engine   *gin.Engine
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	cfg := &config.Config{
		JWTSecret:           testSecret,
		FinalizeMaxAttempts: 3,
		FinalizeBackoff:     time.Millisecond,
	}
	store := newMemStore()
	platform := &fakePlatform{}
	svc := service.NewProctorService(cfg, store, emptyArchive{},
		func(string) gateway.Gateway { return platform }, zerolog.Nop())

	auth := service.NewAuthService(cfg)
	token, err := auth.GenerateToken(7, service.TokenTypeLearner, nil, time.Hour)
	if err != nil {
		t.Fatalf("token: %v", err)
	}

	attempts := NewAttemptHandler(svc, zerolog.Nop())
	wsh := NewWSHandler(svc, zerolog.Nop(), nil)

	r := gin.New()
	r.POST("/api/v1/attempts/:slug/start", middleware.RequireLearnerJWT(auth), attempts.StartAttempt)
	r.GET("/api/v1/attempts/:slug/:attempt_id/review", middleware.RequireLearnerJWT(auth), attempts.ReviewAttempt)
	r.GET("/ws/v1/attempts/:slug/:attempt_id/stream", middleware.RequireLearnerJWT(auth), wsh.AttemptStream)

	return &harness{store: store, platform: platform, token: token, engine: r}
}

func (h *harness) do(method, path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(method, path, nil)
	req.Header.Set("Authorization", "Bearer "+h.token)
	h.engine.ServeHTTP(w, req)
	return w
}

func (h *harness) dial(t *testing.T, srv *httptest.Server, slug, attemptID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") +
		fmt.Sprintf("/ws/v1/attempts/%s/%s/stream?token=%s", slug, attemptID, h.token)
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

type event struct {
	Event  string          `json:"event"`
	Code   string          `json:"code"`
	State  json.RawMessage `json:"state"`
	Items  json.RawMessage `json:"items"`
	Result json.RawMessage `json:"result"`
}

// readUntil skips ticks and other events until want arrives. Skipped event
// names are returned in order.
func readUntil(t *testing.T, conn *websocket.Conn, want string) (event, []string) {
	t.Helper()
	var skipped []string
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		var ev event
		if err := conn.ReadJSON(&ev); err != nil {
			t.Fatalf("waiting for %q (skipped %v): %v", want, skipped, err)
		}
		if ev.Event == want {
			return ev, skipped
		}
		if ev.Event != "tick" {
			skipped = append(skipped, ev.Event)
		}
	}
}

func send(t *testing.T, conn *websocket.Conn, v interface{}) {
	t.Helper()
	if err := conn.WriteJSON(v); err != nil {
		t.Fatalf("write: %v", err)
	}
}

// ─── REST ───────────────────────────────────────────────────────────

func TestStartAttempt(t *testing.T) {
	h := newHarness(t)

	w := h.do(http.MethodPost, "/api/v1/attempts/intro-go/start")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var body struct {
		Data service.StartResult `json:"data"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Data.AttemptID != "att-1" || len(body.Data.Items) != 2 {
		t.Fatalf("unexpected start result %+v", body.Data)
	}
	if body.Data.MaxViolations != attempt.DefaultMaxViolations {
		t.Fatalf("expected default budget, got %d", body.Data.MaxViolations)
	}
	if _, err := h.store.LoadMeta(context.Background(), 7, "att-1"); err != nil {
		t.Fatalf("meta not journaled: %v", err)
	}
}

func TestStartAttemptErrors(t *testing.T) {
	tests := []struct {
		name     string
		path     string
		startErr error
		status   int
		code     response.ErrCode
	}{
		{"invalid slug", "/api/v1/attempts/bad%20slug/start", nil, http.StatusBadRequest, response.ErrInvalidID},
		{"platform down", "/api/v1/attempts/intro-go/start", fmt.Errorf("%w: status 503", gateway.ErrTransient), http.StatusBadGateway, response.ErrGatewayUnavailable},
		{"platform refuses", "/api/v1/attempts/intro-go/start", fmt.Errorf("%w: closed", gateway.ErrRejected), http.StatusUnprocessableEntity, response.ErrAttemptRejected},
		{"platform body withheld", "/api/v1/attempts/intro-go/start", gateway.NewAPIError(http.StatusConflict, "internal trace: db row 42 locked"), http.StatusUnprocessableEntity, response.ErrAttemptRejected},
		{"platform 5xx body withheld", "/api/v1/attempts/intro-go/start", gateway.NewAPIError(http.StatusBadGateway, "upstream stack trace"), http.StatusBadGateway, response.ErrGatewayUnavailable},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			h.platform.startErr = tc.startErr

			w := h.do(http.MethodPost, tc.path)
			if w.Code != tc.status {
				t.Fatalf("expected %d, got %d: %s", tc.status, w.Code, w.Body.String())
			}
			var body response.Response
			if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if body.Error == nil || body.Error.Code != tc.code {
				t.Fatalf("expected code %s, got %+v", tc.code, body.Error)
			}
			if strings.Contains(w.Body.String(), "trace") {
				t.Fatalf("platform body leaked to learner: %s", w.Body.String())
			}
		})
	}
}

func TestReviewAttemptFallsBackToJournal(t *testing.T) {
	h := newHarness(t)
	h.store.violations = []attempt.Violation{{Type: "tab_switch", Timestamp: time.Now()}}

	w := h.do(http.MethodGet, "/api/v1/attempts/intro-go/att-1/review")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var body struct {
		Data service.Review `json:"data"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Data.Result.Percentage != 80 || !body.Data.Result.Passed {
		t.Fatalf("unexpected result %+v", body.Data.Result)
	}
	if len(body.Data.Violations) != 1 || body.Data.Violations[0].Type != "tab_switch" {
		t.Fatalf("unexpected violations %+v", body.Data.Violations)
	}
}

// ─── Stream ─────────────────────────────────────────────────────────

func TestAttemptStreamForcedSubmission(t *testing.T) {
	h := newHarness(t)
	if w := h.do(http.MethodPost, "/api/v1/attempts/intro-go/start"); w.Code != http.StatusOK {
		t.Fatalf("start failed: %d", w.Code)
	}
	srv := httptest.NewServer(h.engine)
	defer srv.Close()

	conn := h.dial(t, srv, "intro-go", "att-1")

	first, _ := readUntil(t, conn, "state")
	var items []json.RawMessage
	if err := json.Unmarshal(first.Items, &items); err != nil || len(items) != 2 {
		t.Fatalf("expected items on connect, got %s", first.Items)
	}

	send(t, conn, map[string]interface{}{"action": "answer", "item_id": "q1", "text": "b"})
	send(t, conn, map[string]interface{}{"action": "ping"})
	readUntil(t, conn, "pong")

	for i := 0; i < 3; i++ {
		send(t, conn, map[string]interface{}{"action": "signal", "signal": "blur"})
	}
	_, skipped := readUntil(t, conn, "force_submit")
	warnings := 0
	for _, name := range skipped {
		if name == "warning" {
			warnings++
		}
	}
	if warnings != 2 {
		t.Fatalf("expected 2 warnings before force_submit, saw %v", skipped)
	}

	// Learner commands are refused while the forced notice is up.
	send(t, conn, map[string]interface{}{"action": "answer", "item_id": "e1", "text": "late"})
	if ev, _ := readUntil(t, conn, "error"); ev.Code != string(response.ErrAttemptNotActive) {
		t.Fatalf("expected ATTEMPT_NOT_ACTIVE, got %s", ev.Code)
	}

	send(t, conn, map[string]interface{}{"action": "acknowledge"})
	done, _ := readUntil(t, conn, "submitted")
	var result gateway.TestResult
	if err := json.Unmarshal(done.Result, &result); err != nil || result.Percentage != 80 {
		t.Fatalf("unexpected result %s", done.Result)
	}

	if h.platform.submitCount() != 1 {
		t.Fatalf("expected one finalize call, got %d", h.platform.submitCount())
	}

	deadline := time.Now().Add(2 * time.Second)
	for h.store.currentStatus() != attempt.StatusSubmitted {
		if time.Now().After(deadline) {
			t.Fatalf("journal status = %q, want submitted", h.store.currentStatus())
		}
		time.Sleep(10 * time.Millisecond)
	}
	if got := h.store.answers["q1"]; got != "b" {
		t.Fatalf("answer not journaled, got %q", got)
	}
}

func TestAttemptStreamRejectsBadActions(t *testing.T) {
	h := newHarness(t)
	if w := h.do(http.MethodPost, "/api/v1/attempts/intro-go/start"); w.Code != http.StatusOK {
		t.Fatalf("start failed: %d", w.Code)
	}
	srv := httptest.NewServer(h.engine)
	defer srv.Close()

	conn := h.dial(t, srv, "intro-go", "att-1")
	readUntil(t, conn, "state")

	tests := []struct {
		msg  interface{}
		code response.ErrCode
	}{
		{map[string]interface{}{"action": "dance"}, response.ErrUnknownAction},
		{map[string]interface{}{"action": "navigate", "index": -1}, response.ErrValidation},
		{map[string]interface{}{"action": "navigate", "index": 9}, response.ErrIndexOutOfRange},
		{map[string]interface{}{"action": "answer", "item_id": "zz", "text": "x"}, response.ErrUnknownItem},
		{map[string]interface{}{"action": "answer", "item_id": "q1", "code": map[string]interface{}{"code": "x", "language_id": 71}}, response.ErrAnswerKindMismatch},
		{map[string]interface{}{"action": "acknowledge"}, response.ErrAttemptNotForced},
	}
	for _, tc := range tests {
		send(t, conn, tc.msg)
		ev, _ := readUntil(t, conn, "error")
		if ev.Code != string(tc.code) {
			t.Errorf("%v: expected %s, got %s", tc.msg, tc.code, ev.Code)
		}
	}
}

func TestAttemptStreamResumesAnswers(t *testing.T) {
	h := newHarness(t)
	if w := h.do(http.MethodPost, "/api/v1/attempts/intro-go/start"); w.Code != http.StatusOK {
		t.Fatalf("start failed: %d", w.Code)
	}
	h.store.answers["e1"] = "they are cheap threads"

	srv := httptest.NewServer(h.engine)
	defer srv.Close()

	conn := h.dial(t, srv, "intro-go", "att-1")
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var first struct {
		Event   string                   `json:"event"`
		State   attempt.State            `json:"state"`
		Answers map[string]answer.Answer `json:"answers"`
	}
	if err := conn.ReadJSON(&first); err != nil {
		t.Fatalf("read: %v", err)
	}
	if first.Event != "state" || first.Answers["e1"].Text != "they are cheap threads" {
		t.Fatalf("expected resumed essay answer, got %+v", first)
	}
	if first.State.AnsweredCount != 1 {
		t.Fatalf("expected 1 answered, got %d", first.State.AnsweredCount)
	}
}

func TestAttemptStreamNotStarted(t *testing.T) {
	h := newHarness(t)
	srv := httptest.NewServer(h.engine)
	defer srv.Close()

	// No journaled meta and the platform hands out a different attempt.
	conn := h.dial(t, srv, "intro-go", "att-404")
	ev, _ := readUntil(t, conn, "error")
	if ev.Code != string(response.ErrAttemptNotStarted) {
		t.Fatalf("expected ATTEMPT_NOT_STARTED, got %s", ev.Code)
	}
}

// ─── Error mapping ──────────────────────────────────────────────────

func TestClassify(t *testing.T) {
	tests := []struct {
		err    error
		status int
		code   response.ErrCode
	}{
		{attempt.ErrNotInProgress, http.StatusConflict, response.ErrAttemptNotActive},
		{attempt.ErrEngineStopped, http.StatusConflict, response.ErrAttemptNotActive},
		{service.ErrAttemptSubmitted, http.StatusConflict, response.ErrAttemptNotActive},
		{attempt.ErrFinalizing, http.StatusConflict, response.ErrAttemptFinalizing},
		{attempt.ErrNotForced, http.StatusConflict, response.ErrAttemptNotForced},
		{fmt.Errorf("set answer: %w", attempt.ErrUnknownItem), http.StatusNotFound, response.ErrUnknownItem},
		{attempt.ErrNotAnswerable, http.StatusUnprocessableEntity, response.ErrItemNotAnswerable},
		{answer.ErrKindMismatch, http.StatusUnprocessableEntity, response.ErrAnswerKindMismatch},
		{attempt.ErrIndexOutOfRange, http.StatusUnprocessableEntity, response.ErrIndexOutOfRange},
		{attempt.ErrNoItems, http.StatusUnprocessableEntity, response.ErrNoItems},
		{service.ErrAttemptNotStarted, http.StatusNotFound, response.ErrAttemptNotStarted},
		{fmt.Errorf("submit: %w", gateway.ErrTransient), http.StatusBadGateway, response.ErrGatewayUnavailable},
		{fmt.Errorf("submit: %w", gateway.ErrRejected), http.StatusUnprocessableEntity, response.ErrAttemptRejected},
		{errors.New("boom"), http.StatusInternalServerError, response.ErrInternal},
	}
	for _, tc := range tests {
		status, code := classify(tc.err)
		if status != tc.status || code != tc.code {
			t.Errorf("classify(%v) = %d %s, want %d %s", tc.err, status, code, tc.status, tc.code)
		}
	}
}
