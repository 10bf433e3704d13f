package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/repository"
	"github.com/stemsi/exstem-proctor/internal/response"
	"github.com/stemsi/exstem-proctor/internal/service"
	"github.com/stemsi/exstem-proctor/internal/validator"
)

const (
	refreshInterval   = 15 * time.Second
	keepAliveInterval = 30 * time.Second
	refreshTimeout    = 5 * time.Second // prevent slow queries from blocking the SSE loop
)

// MonitorHandler streams live attempt activity of a test to proctors.
type MonitorHandler struct {
	journal        *repository.AttemptJournal
	violations     *repository.ViolationRepository
	proctorService *service.ProctorService
	log            zerolog.Logger
}

func NewMonitorHandler(
	journal *repository.AttemptJournal,
	violations *repository.ViolationRepository,
	proctorService *service.ProctorService,
	log zerolog.Logger,
) *MonitorHandler {
	return &MonitorHandler{
		journal:        journal,
		violations:     violations,
		proctorService: proctorService,
		log:            log.With().Str("component", "monitor_handler").Logger(),
	}
}

// MonitorTestSSE godoc
// GET /api/v1/monitor/tests/:slug/stream
// Sends a snapshot of archived violation counts, then forwards every journal
// event of the test as it happens.
func (h *MonitorHandler) MonitorTestSSE(c *gin.Context) {
	slug := c.Param("slug")
	if !validator.ValidID(slug) {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return
	}

	reqCtx := c.Request.Context()

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")

	h.sendSnapshot(c, reqCtx, slug)

	pubsub := h.journal.Subscribe(reqCtx, slug)
	defer pubsub.Close()
	ch := pubsub.Channel()

	keepAliveTicker := time.NewTicker(keepAliveInterval)
	defer keepAliveTicker.Stop()

	refreshTicker := time.NewTicker(refreshInterval)
	defer refreshTicker.Stop()

	// Skip refreshes until something happened on the channel.
	dirty := false

	h.log.Info().Str("test_slug", slug).Msg("Proctor attached to live monitor SSE")

	pingPayload, _ := json.Marshal(map[string]string{"type": "ping"})

	for {
		select {
		case <-reqCtx.Done():
			h.log.Info().Str("test_slug", slug).Msg("Proctor disconnected from live monitor SSE")
			return

		case msg, ok := <-ch:
			if !ok {
				return
			}
			// Journal events are already JSON.
			writeSSEData(c, []byte(msg.Payload))
			dirty = true

		case <-refreshTicker.C:
			if !dirty {
				continue
			}
			dirty = false
			h.sendCounts(c, reqCtx, slug, "refresh")

		case <-keepAliveTicker.C:
			writeSSEData(c, pingPayload)
		}
	}
}

func (h *MonitorHandler) sendSnapshot(c *gin.Context, ctx context.Context, slug string) {
	counts := h.fetchCounts(ctx, slug)
	c.SSEvent("message", map[string]interface{}{
		"type": "snapshot",
		"data": map[string]interface{}{
			"test_slug":        slug,
			"live":             h.proctorService.LiveByTest(slug),
			"violations":       counts,
			"total_violations": totalCount(counts),
		},
	})
	c.Writer.Flush()
}

func (h *MonitorHandler) sendCounts(c *gin.Context, ctx context.Context, slug, kind string) {
	counts := h.fetchCounts(ctx, slug)
	c.SSEvent("message", map[string]interface{}{
		"type":             kind,
		"violations":       counts,
		"total_violations": totalCount(counts),
	})
	c.Writer.Flush()
}

func (h *MonitorHandler) fetchCounts(parentCtx context.Context, slug string) []repository.ViolationCount {
	ctx, cancel := context.WithTimeout(parentCtx, refreshTimeout)
	defer cancel()

	counts, err := h.violations.CountByTest(ctx, slug)
	if err != nil {
		h.log.Warn().Err(err).Str("test_slug", slug).Msg("Failed to count violations")
		return []repository.ViolationCount{}
	}
	if counts == nil {
		counts = []repository.ViolationCount{}
	}
	return counts
}

func totalCount(counts []repository.ViolationCount) int64 {
	var total int64
	for _, c := range counts {
		total += c.Count
	}
	return total
}

func writeSSEData(c *gin.Context, payload []byte) {
	c.Writer.Write([]byte("data: "))
	c.Writer.Write(payload)
	c.Writer.Write([]byte("\n\n"))
	c.Writer.Flush()
}
