package websocket

import (
	"github.com/stemsi/exstem-proctor/internal/answer"
	"github.com/stemsi/exstem-proctor/internal/attempt"
	"github.com/stemsi/exstem-proctor/internal/gateway"
)

// ─── Actions (Client → Server) ──────────────────────────────────────

type Action string

const (
	ActionSignal      Action = "signal"
	ActionAnswer      Action = "answer"
	ActionNavigate    Action = "navigate"
	ActionSubmit      Action = "submit"
	ActionAcknowledge Action = "acknowledge"
	ActionPing        Action = "ping"
	ActionState       Action = "state"
)

// RequestEnvelope is used to peek at the action before full parsing.
type RequestEnvelope struct {
	Action Action `json:"action"`
}

// SignalRequest forwards a raw environment signal (blur, copy, background...).
type SignalRequest struct {
	Action Action `json:"action"`
	Signal string `json:"signal" binding:"required,max=64"`
}

// AnswerRequest sets the answer of one item. Quiz and essay items use Text,
// coding items use Code.
type AnswerRequest struct {
	Action Action             `json:"action"`
	ItemID string             `json:"item_id" binding:"required,item_id"`
	Text   string             `json:"text"`
	Code   *answer.CodeAnswer `json:"code"`
}

// Answer converts the request into the domain value.
func (r AnswerRequest) Answer() answer.Answer {
	if r.Code != nil {
		return answer.CodingAnswer(r.Code.Code, r.Code.LanguageID)
	}
	return answer.TextAnswer(r.Text)
}

// NavigateRequest moves the cursor to another item.
type NavigateRequest struct {
	Action Action `json:"action"`
	Index  *int   `json:"index" binding:"required,min=0"`
}

// ─── Events (Server → Client) ───────────────────────────────────────

type Event string

const (
	EventState         Event = "state"
	EventTick          Event = "tick"
	EventWarning       Event = "warning"
	EventForceSubmit   Event = "force_submit"
	EventFinalizeError Event = "finalize_error"
	EventSubmitted     Event = "submitted"
	EventError         Event = "error"
	EventPong          Event = "pong"
)

// StateResponse is sent on connect and on request. Items and Answers are
// only filled on connect so a reconnecting client can rebuild its view.
type StateResponse struct {
	Event   Event                    `json:"event"`
	State   attempt.State            `json:"state"`
	Items   []answer.Item            `json:"items,omitempty"`
	Answers map[string]answer.Answer `json:"answers,omitempty"`
}

type TickResponse struct {
	Event           Event  `json:"event"`
	TimeLeftSeconds int    `json:"time_left_seconds"`
	TimeLeft        string `json:"time_left"`
}

type WarningResponse struct {
	Event   Event           `json:"event"`
	Warning attempt.Warning `json:"warning"`
}

// ForceSubmitResponse is blocking on the client: only acknowledge clears it.
type ForceSubmitResponse struct {
	Event  Event               `json:"event"`
	Notice attempt.ForceNotice `json:"notice"`
}

type FinalizeErrorResponse struct {
	Event Event                 `json:"event"`
	Error attempt.FinalizeError `json:"error"`
}

type SubmittedResponse struct {
	Event  Event              `json:"event"`
	Result gateway.TestResult `json:"result"`
}

type ErrorResponse struct {
	Event  Event             `json:"event"`
	Code   string            `json:"code,omitempty"`
	Error  string            `json:"error"`
	Fields map[string]string `json:"fields,omitempty"`
}

type PongResponse struct {
	Event Event `json:"event"`
}
