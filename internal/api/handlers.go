package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/toolrunner/internal/queue"
	"github.com/JakeFAU/toolrunner/internal/runner"
)

const (
	statusTimeout  = 3 * time.Second
	maxRequestBody = 1 << 20
)

// Messages returned in the envelope when a status lookup fails.
const (
	MessageAveragesUnavailable = "The average processing times could not be obtained."
	MessageEstimateUnavailable = "The estimated processing time could not be obtained."
	MessageMissingURL          = "Missing `url` GET parameter."
	MessageQueueFailed         = "The request could not be queued."
	MessageQueueUnavailable    = "The queue status could not be obtained."
)

// envelope is the body shape shared by the tools and status endpoints.
type envelope struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

type queueStatusDTO struct {
	UnassignedRequests int `json:"unassignedRequests"`
	PendingRequests    int `json:"pendingRequests"`
}

type projectStatusDTO struct {
	Pending      bool   `json:"pending"`
	RequestCount int    `json:"requestCount"`
	TimeEstimate *int64 `json:"timeEstimate"`
}

func respond(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: data})
}

func respondError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, envelope{Success: false, Message: message})
}

// requestTool handles POST /tools/request. The body is either JSON
// ({"url": ..., "tool": ..., "priority": n}) or a form with repeated url and
// tool fields. It returns 400 for invalid submissions and pokes the processor
// manager once anything was queued.
func (s *Server) requestTool(w http.ResponseWriter, r *http.Request) {
	sub, err := decodeSubmission(w, r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	res, err := s.queue.Add(r.Context(), sub)
	if res.Inserted+res.Merged > 0 && s.manager != nil {
		s.manager.Poke()
	}
	if err != nil {
		if errors.Is(err, runner.ErrInvalidRequest) || errors.Is(err, runner.ErrUnknownTool) {
			respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.logger.Error("queue submission failed",
			zap.String("request_id", RequestID(r.Context())),
			zap.Error(err),
		)
		respondError(w, http.StatusInternalServerError, MessageQueueFailed)
		return
	}
	respond(w, res)
}

func decodeSubmission(w http.ResponseWriter, r *http.Request) (queue.Submission, error) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	var sub queue.Submission
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "application/x-www-form-urlencoded" || mediaType == "multipart/form-data" {
		if err := r.ParseForm(); err != nil {
			return sub, fmt.Errorf("%w: malformed form body", runner.ErrInvalidRequest)
		}
		sub.URL = queue.Values(r.PostForm["url"])
		sub.Tool = queue.Values(r.PostForm["tool"])
		if raw := strings.TrimSpace(r.PostForm.Get("priority")); raw != "" {
			priority, err := strconv.Atoi(raw)
			if err != nil {
				return sub, fmt.Errorf("%w: priority must be an integer", runner.ErrInvalidRequest)
			}
			sub.Priority = priority
		}
		return sub, nil
	}
	if err := json.NewDecoder(r.Body).Decode(&sub); err != nil {
		if errors.Is(err, runner.ErrInvalidRequest) {
			return sub, err
		}
		return sub, fmt.Errorf("%w: invalid JSON body", runner.ErrInvalidRequest)
	}
	return sub, nil
}

// up handles GET /status/up.
func (s *Server) up(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "uptime": s.uptime()})
}

// queueStatus handles GET /status/queue with the unclaimed and in-flight counts.
func (s *Server) queueStatus(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), s.timeout)
	defer cancel()

	unassigned, err := s.queue.UnassignedCount(ctx)
	if err == nil {
		var pending int
		pending, err = s.queue.PendingCount(ctx)
		if err == nil {
			respond(w, queueStatusDTO{UnassignedRequests: unassigned, PendingRequests: pending})
			return
		}
	}
	s.logger.Error("queue status failed", zap.Error(err))
	respondError(w, http.StatusInternalServerError, MessageQueueUnavailable)
}

// timeEstimates handles GET /status/time-estimates with per-tool averages in
// low-priority, high-priority and overall tiers.
func (s *Server) timeEstimates(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), s.timeout)
	defer cancel()

	times, err := s.queue.AverageProcessingTimes(ctx)
	if err != nil {
		s.logger.Error("average processing times failed", zap.Error(err))
		respondError(w, http.StatusInternalServerError, MessageAveragesUnavailable)
		return
	}
	respond(w, times)
}

// projectStatus handles GET /status/project?url=. The estimate is in
// milliseconds and null when some pending tool has no completion history.
func (s *Server) projectStatus(w http.ResponseWriter, r *http.Request) {
	prefix := strings.TrimSpace(r.URL.Query().Get("url"))
	if prefix == "" {
		respondError(w, http.StatusBadRequest, MessageMissingURL)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), s.timeout)
	defer cancel()

	status, err := s.queue.ProjectStatus(ctx, prefix)
	if err != nil && status.RequestCount == 0 {
		s.logger.Error("project status failed", zap.String("url", prefix), zap.Error(err))
		respondError(w, http.StatusInternalServerError, MessageQueueUnavailable)
		return
	}
	dto := projectStatusDTO{Pending: status.Pending, RequestCount: status.RequestCount}
	if status.TimeEstimate != nil {
		ms := status.TimeEstimate.Milliseconds()
		dto.TimeEstimate = &ms
	}
	body := envelope{Success: true, Data: dto}
	if err != nil {
		s.logger.Warn("project estimate failed", zap.String("url", prefix), zap.Error(err))
		body.Message = MessageEstimateUnavailable
	}
	writeJSON(w, http.StatusOK, body)
}
