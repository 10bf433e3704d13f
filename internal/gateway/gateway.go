package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/stemsi/exstem-proctor/internal/answer"
	"github.com/stemsi/exstem-proctor/internal/timer"
)

// Gateway is the learning platform's attempt API as seen by the engine.
type Gateway interface {
	StartAttempt(ctx context.Context, testSlug string) (*StartResponse, error)
	SubmitAnswer(ctx context.Context, testSlug, attemptID, itemID, encodedAnswer string) error
	SubmitAttempt(ctx context.Context, testSlug, attemptID string) (*SubmitResponse, error)
	GetAttemptDetail(ctx context.Context, testSlug, attemptID string) (*AttemptDetail, error)
}

var (
	// ErrTransient marks failures worth retrying: network errors, 5xx and 429.
	ErrTransient = errors.New("gateway: transient failure")
	// ErrRejected marks requests the platform refused (4xx other than 429).
	ErrRejected = errors.New("gateway: request rejected")
)

// APIError carries the HTTP status and body of a failed call.
type APIError struct {
	Status int
	Body   string
	kind   error
}

// NewAPIError classifies a non-2xx platform reply. 5xx and 429 are transient.
func NewAPIError(status int, body string) *APIError {
	kind := ErrRejected
	if status >= 500 || status == http.StatusTooManyRequests {
		kind = ErrTransient
	}
	return &APIError{Status: status, Body: body, kind: kind}
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%v (status %d): %s", e.kind, e.Status, e.Body)
}

// Unwrap lets errors.Is match ErrTransient or ErrRejected.
func (e *APIError) Unwrap() error { return e.kind }

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}

// StartResponse establishes a session.
type StartResponse struct {
	AttemptID       string        `json:"attempt_id"`
	Items           []answer.Item `json:"items"`
	StartedAt       time.Time     `json:"started_at"`
	DurationMinutes int           `json:"duration_minutes"`
	MaxViolations   int           `json:"max_violations"`
}

// TimeLeftSeconds is the resume-correct remaining time at now.
func (r *StartResponse) TimeLeftSeconds(now time.Time) int {
	return timer.TimeLeftSeconds(r.StartedAt, r.DurationMinutes, now)
}

// UnmarshalJSON accepts numeric attempt ids.
func (r *StartResponse) UnmarshalJSON(data []byte) error {
	type alias StartResponse
	var w struct {
		alias
		AttemptID json.RawMessage `json:"attempt_id"`
	}
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*r = StartResponse(w.alias)
	id, err := rawID(w.AttemptID)
	if err != nil {
		return fmt.Errorf("decode attempt_id: %w", err)
	}
	r.AttemptID = id
	return nil
}

// SubmitResponse is the platform's grading summary of a finalized attempt.
type SubmitResponse struct {
	TotalScore         float64 `json:"total_score"`
	MaxPossibleScore   float64 `json:"max_possible_score"`
	NeedsManualGrading bool    `json:"needs_manual_grading"`
	GradedItems        int     `json:"graded_items"`
	TotalItems         int     `json:"total_items"`
}

// AnswerDetail is one item of a past attempt snapshot.
type AnswerDetail struct {
	ItemID   string   `json:"item_id"`
	Answer   string   `json:"answer"`
	Score    *float64 `json:"score,omitempty"`
	Feedback string   `json:"feedback,omitempty"`
}

// AttemptDetail is the read-only snapshot of a completed attempt.
type AttemptDetail struct {
	AttemptID        string         `json:"attempt_id"`
	Status           string         `json:"status"`
	StartedAt        time.Time      `json:"started_at"`
	SubmittedAt      *time.Time     `json:"submitted_at,omitempty"`
	TotalScore       float64        `json:"total_score"`
	MaxPossibleScore float64        `json:"max_possible_score"`
	Answers          []AnswerDetail `json:"answers"`
}

func rawID(raw json.RawMessage) (string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return "", nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, nil
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return "", err
	}
	return n.String(), nil
}
