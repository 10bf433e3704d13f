package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/attempt"
	"github.com/stemsi/exstem-proctor/internal/detector"
	"github.com/stemsi/exstem-proctor/internal/middleware"
	"github.com/stemsi/exstem-proctor/internal/response"
	"github.com/stemsi/exstem-proctor/internal/service"
	"github.com/stemsi/exstem-proctor/internal/validator"
	ws "github.com/stemsi/exstem-proctor/internal/websocket"
)

const (
	outboxSize = 64
	closeWait  = time.Second
)

// buildUpgrader creates a WebSocket upgrader with origin validation.
// allowedOrigins comes from config.Config.AllowedOrigins.
// An empty slice permits all origins (development mode).
func buildUpgrader(allowedOrigins []string) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			if len(allowedOrigins) == 0 {
				return true
			}
			origin := r.Header.Get("Origin")
			for _, allowed := range allowedOrigins {
				if strings.EqualFold(allowed, origin) {
					return true
				}
			}
			return false
		},
	}
}

// WSHandler hosts the attempt stream: one connection drives one engine.
type WSHandler struct {
	proctorService *service.ProctorService
	log            zerolog.Logger
	upgrader       websocket.Upgrader
}

// NewWSHandler creates a new WSHandler.
func NewWSHandler(proctorService *service.ProctorService, log zerolog.Logger, allowedOrigins []string) *WSHandler {
	return &WSHandler{
		proctorService: proctorService,
		log:            log.With().Str("component", "ws_handler").Logger(),
		upgrader:       buildUpgrader(allowedOrigins),
	}
}

// AttemptStream godoc
// WS /ws/v1/attempts/:slug/:attempt_id/stream
// Upgrades to WebSocket and hosts the attempt until it is submitted or the
// learner disconnects. Reconnecting resumes from the journal.
func (h *WSHandler) AttemptStream(c *gin.Context) {
	learner, ok := middleware.GetLearner(c)
	if !ok {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}

	slug, attemptID := c.Param("slug"), c.Param("attempt_id")
	if !validator.ValidID(slug) || !validator.ValidID(attemptID) {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Error().Err(err).Msg("WebSocket upgrade failed")
		return
	}
	defer conn.Close()

	wsLog := h.log.With().
		Int("learner_id", learner.ID).
		Str("test_slug", slug).
		Str("attempt_id", attemptID).
		Logger()

	out := ws.NewOutbox(conn, outboxSize, wsLog)
	p := &presenter{out: out}

	host, err := h.proctorService.Open(c.Request.Context(), learner, slug, attemptID, p)
	if err != nil {
		_, code := classify(err)
		if code == response.ErrInternal {
			wsLog.Error().Err(err).Msg("Failed to open attempt")
		}
		ws.WriteError(conn, string(code), response.GetMessage(code))
		closeConn(conn, websocket.ClosePolicyViolation)
		return
	}
	p.host = host

	wsLog.Info().Msg("Learner connected")

	outDone := make(chan struct{})
	go func() {
		out.Run()
		close(outDone)
	}()

	ctx, cancel := context.WithCancel(context.Background())
	engineDone := make(chan struct{})

	// A client too slow to drain its outbox is dropped; it resumes on reconnect.
	go func() {
		select {
		case <-out.Done():
			cancel()
		case <-engineDone:
		}
	}()

	go func() {
		defer close(engineDone)
		err := host.Run(ctx)
		switch {
		case err == nil:
			wsLog.Info().Msg("Attempt submitted, closing stream")
		case errors.Is(err, context.Canceled) && ctx.Err() == nil:
			wsLog.Info().Msg("Attempt taken over by another connection")
			out.Send(errorEvent(response.ErrAttemptTakenOver, nil))
		}
		out.Close()
		<-outDone
		out.Flush()
		closeConn(conn, websocket.CloseNormalClosure)
	}()

	h.readLoop(ctx, conn, host, out, wsLog)
	cancel()
	<-engineDone
	wsLog.Info().Msg("Learner disconnected")
}

func (h *WSHandler) readLoop(ctx context.Context, conn *websocket.Conn, host *service.Host, out *ws.Outbox, wsLog zerolog.Logger) {
	for {
		data, err := ws.ReadMessage(conn)
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				wsLog.Warn().Err(err).Msg("Unexpected close")
			} else {
				wsLog.Debug().Err(err).Msg("Connection closed")
			}
			return
		}

		var env ws.RequestEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			out.Send(errorEvent(response.ErrInvalidPayload, nil))
			continue
		}

		switch env.Action {
		case ws.ActionSignal:
			var req ws.SignalRequest
			if decodeAction(data, &req, out) {
				host.Signals.Push(detector.Signal(req.Signal))
			}
		case ws.ActionAnswer:
			var req ws.AnswerRequest
			if decodeAction(data, &req, out) {
				h.reply(out, host.Engine.SetAnswer(ctx, req.ItemID, req.Answer()))
			}
		case ws.ActionNavigate:
			var req ws.NavigateRequest
			if decodeAction(data, &req, out) {
				h.reply(out, host.Engine.Navigate(ctx, *req.Index))
			}
		case ws.ActionSubmit:
			h.reply(out, host.Engine.Submit(ctx))
		case ws.ActionAcknowledge:
			h.reply(out, host.Engine.Acknowledge(ctx))
		case ws.ActionState:
			st, err := host.Engine.State(ctx)
			if err != nil {
				h.reply(out, err)
				continue
			}
			out.Send(ws.StateResponse{Event: ws.EventState, State: st})
		case ws.ActionPing:
			out.Send(ws.PongResponse{Event: ws.EventPong})
		default:
			wsLog.Warn().Str("action", string(env.Action)).Msg("Unknown action")
			out.Send(errorEvent(response.ErrUnknownAction, nil))
		}
	}
}

// reply reports a rejected command. Accepted commands answer through the
// engine's notifications instead.
func (h *WSHandler) reply(out *ws.Outbox, err error) {
	if err == nil {
		return
	}
	_, code := classify(err)
	if code == response.ErrInternal {
		h.log.Error().Err(err).Msg("Attempt command failed")
	}
	out.Send(errorEvent(code, nil))
}

// decodeAction parses and validates an action, reporting failures to the client.
func decodeAction(data []byte, dst interface{}, out *ws.Outbox) bool {
	if err := json.Unmarshal(data, dst); err != nil {
		out.Send(errorEvent(response.ErrInvalidPayload, validator.TranslateErrors(err)))
		return false
	}
	if fields := validator.Struct(dst); fields != nil {
		out.Send(errorEvent(response.ErrValidation, fields))
		return false
	}
	return true
}

func errorEvent(code response.ErrCode, fields map[string]string) ws.ErrorResponse {
	return ws.ErrorResponse{
		Event:  ws.EventError,
		Code:   string(code),
		Error:  response.GetMessage(code),
		Fields: fields,
	}
}

func closeConn(conn *websocket.Conn, code int) {
	msg := websocket.FormatCloseMessage(code, "")
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeWait))
	conn.Close()
}

// presenter turns engine notifications into stream events. It runs on the
// engine goroutine, so it only ever queues.
type presenter struct {
	out       *ws.Outbox
	host      *service.Host
	connected bool
}

func (p *presenter) Notify(n attempt.Notification) {
	switch n.Kind {
	case attempt.NotifyState:
		resp := ws.StateResponse{Event: ws.EventState, State: n.State}
		if !p.connected && p.host != nil {
			resp.Items = p.host.Items
			resp.Answers = p.host.Answers
			p.connected = true
		}
		p.out.Send(resp)
	case attempt.NotifyTick:
		p.out.Send(ws.TickResponse{
			Event:           ws.EventTick,
			TimeLeftSeconds: n.State.TimeLeftSeconds,
			TimeLeft:        n.State.TimeLeft,
		})
	case attempt.NotifyWarning:
		if n.Warning != nil {
			p.out.Send(ws.WarningResponse{Event: ws.EventWarning, Warning: *n.Warning})
		}
	case attempt.NotifyForceSubmit:
		if n.Force != nil {
			p.out.Send(ws.ForceSubmitResponse{Event: ws.EventForceSubmit, Notice: *n.Force})
		}
	case attempt.NotifyFinalizeError:
		if n.Error != nil {
			p.out.Send(ws.FinalizeErrorResponse{Event: ws.EventFinalizeError, Error: *n.Error})
		}
	case attempt.NotifySubmitted:
		if n.Result != nil {
			p.out.Send(ws.SubmittedResponse{Event: ws.EventSubmitted, Result: *n.Result})
		}
	}
}
