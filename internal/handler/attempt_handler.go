package handler

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/gateway"
	"github.com/stemsi/exstem-proctor/internal/middleware"
	"github.com/stemsi/exstem-proctor/internal/response"
	"github.com/stemsi/exstem-proctor/internal/service"
	"github.com/stemsi/exstem-proctor/internal/validator"
)

// AttemptHandler handles the REST side of an attempt: starting it and
// reviewing it once it is done. Everything in between runs over the stream.
type AttemptHandler struct {
	proctorService *service.ProctorService
	log            zerolog.Logger
}

// NewAttemptHandler creates a new AttemptHandler.
func NewAttemptHandler(proctorService *service.ProctorService, log zerolog.Logger) *AttemptHandler {
	return &AttemptHandler{
		proctorService: proctorService,
		log:            log.With().Str("component", "attempt_handler").Logger(),
	}
}

// StartAttempt godoc
// POST /api/v1/attempts/:slug/start
// Starts or resumes the learner's attempt and returns its items and time left.
func (h *AttemptHandler) StartAttempt(c *gin.Context) {
	learner, ok := middleware.GetLearner(c)
	if !ok {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}

	slug := c.Param("slug")
	if !validator.ValidID(slug) {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return
	}

	result, err := h.proctorService.Start(c.Request.Context(), learner, slug)
	if err != nil {
		h.fail(c, err)
		return
	}

	response.Success(c, http.StatusOK, result)
}

// ReviewAttempt godoc
// GET /api/v1/attempts/:slug/:attempt_id/review
// Returns the graded snapshot of a past attempt together with its violation log.
func (h *AttemptHandler) ReviewAttempt(c *gin.Context) {
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

	review, err := h.proctorService.Review(c.Request.Context(), learner, slug, attemptID)
	if err != nil {
		h.fail(c, err)
		return
	}

	response.Success(c, http.StatusOK, review)
}

func (h *AttemptHandler) fail(c *gin.Context, err error) {
	status, code := classify(err)
	if status >= http.StatusInternalServerError {
		h.log.Error().Err(err).Str("path", c.FullPath()).Msg("Attempt request failed")
	}
	var apiErr *gateway.APIError
	if errors.As(err, &apiErr) {
		// The platform body stays in the log; the learner only sees its status.
		h.log.Warn().Int("platform_status", apiErr.Status).Str("body", apiErr.Body).Msg("Platform refused request")
		response.FailWithDetail(c, status, code, fmt.Sprintf("platform status %d", apiErr.Status))
		return
	}
	response.Fail(c, status, code)
}
