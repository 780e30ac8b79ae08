package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/mathagent/internal/metrics"
	"github.com/Kocoro-lab/mathagent/internal/models"
	"github.com/Kocoro-lab/mathagent/internal/pipeline"
	"github.com/Kocoro-lab/mathagent/internal/retrieval"
	"github.com/Kocoro-lab/mathagent/internal/session"
	"github.com/Kocoro-lab/mathagent/internal/tracing"
)

const maxQueryLen = 4000

// Solver runs pipeline turns.
type Solver interface {
	Run(ctx context.Context, req pipeline.Request) (*models.SessionState, error)
	Resume(ctx context.Context, threadID string) (*models.SessionState, error)
	RecordFeedback(ctx context.Context, threadID, feedback string) (session.Turn, error)
}

// Threads reads stored threads.
type Threads interface {
	Get(ctx context.Context, threadID string) (*session.Thread, error)
}

// SolveRequest is the body of POST /v1/solve.
type SolveRequest struct {
	Query    string         `json:"query"`
	ThreadID string         `json:"thread_id,omitempty"`
	Filters  models.Filters `json:"filters"`
	TopK     int            `json:"top_k,omitempty"`
	// Async returns 202 immediately; progress is on the event stream.
	Async bool `json:"async,omitempty"`
}

// SolveResponse is the API view of a finished turn.
type SolveResponse struct {
	ThreadID        string                     `json:"thread_id"`
	TurnID          string                     `json:"turn_id,omitempty"`
	State           string                     `json:"state"`
	FinalAnswer     string                     `json:"final_answer,omitempty"`
	RejectReason    string                     `json:"reject_reason,omitempty"`
	Verification    *models.VerificationResult `json:"verification,omitempty"`
	RetryCount      int                        `json:"retry_count"`
	UnverifiedAtCap bool                       `json:"unverified_at_cap"`
	Sources         []models.RankedCandidate   `json:"sources,omitempty"`
	Trail           []string                   `json:"trail,omitempty"`
}

func responseFor(st *models.SessionState) SolveResponse {
	return SolveResponse{
		ThreadID:        st.ThreadID,
		TurnID:          st.TurnID,
		State:           st.State,
		FinalAnswer:     st.FinalAnswer,
		RejectReason:    st.RejectReason,
		Verification:    st.Verification,
		RetryCount:      st.RetryCount,
		UnverifiedAtCap: st.UnverifiedAtCap,
		Sources:         st.RankedCandidates,
		Trail:           st.Trail,
	}
}

// Handler serves the solve, thread and feedback endpoints.
type Handler struct {
	solver  Solver
	threads Threads
	logger  *zap.Logger
	// background bounds async runs detached from the request
	background time.Duration
}

func NewHandler(solver Solver, threads Threads, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{solver: solver, threads: threads, logger: logger, background: 10 * time.Minute}
}

// RegisterRoutes registers API routes on the mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/solve", instrument("solve", requireScope(ScopeSolve, h.handleSolve)))
	mux.HandleFunc("POST /v1/threads/{id}/resume", instrument("resume", requireScope(ScopeSolve, h.handleResume)))
	mux.HandleFunc("GET /v1/threads/{id}", instrument("thread", requireScope(ScopeThreads, h.handleThread)))
	mux.HandleFunc("POST /v1/threads/{id}/feedback", instrument("feedback", requireScope(ScopeFeedback, h.handleFeedback)))
}

func (h *Handler) handleSolve(w http.ResponseWriter, r *http.Request) {
	var req SolveRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	// An empty query is left to the filter, which answers it with a rejection.
	req.Query = strings.TrimSpace(req.Query)
	if len(req.Query) > maxQueryLen {
		writeError(w, http.StatusBadRequest, "query too long")
		return
	}
	if req.TopK != 0 {
		req.TopK = retrieval.ClampTopK(req.TopK)
	}

	run := pipeline.Request{ThreadID: req.ThreadID, Query: req.Query, Filters: req.Filters, TopK: req.TopK}
	if req.Async {
		if run.ThreadID == "" {
			run.ThreadID = uuid.New().String()
		}
		go func() {
			ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), h.background)
			defer cancel()
			if _, err := h.solver.Run(ctx, run); err != nil {
				h.logger.Warn("Async solve ended early", zap.String("thread_id", run.ThreadID), zap.Error(err))
			}
		}()
		writeJSON(w, http.StatusAccepted, map[string]string{
			"thread_id": run.ThreadID,
			"stream":    "/v1/stream/sse?thread_id=" + run.ThreadID,
		})
		return
	}

	st, err := h.solver.Run(r.Context(), run)
	if err != nil {
		h.logger.Info("Solve interrupted", zap.String("thread_id", st.ThreadID), zap.Error(err))
		writeError(w, http.StatusRequestTimeout, "request ended before the answer was ready; resume thread "+st.ThreadID)
		return
	}
	writeJSON(w, http.StatusOK, responseFor(st))
}

func (h *Handler) handleResume(w http.ResponseWriter, r *http.Request) {
	st, err := h.solver.Resume(r.Context(), r.PathValue("id"))
	switch {
	case errors.Is(err, pipeline.ErrNothingToResume):
		writeError(w, http.StatusConflict, "thread has no interrupted turn")
		return
	case err != nil && st == nil:
		writeSessionError(w, err)
		return
	case err != nil:
		writeError(w, http.StatusRequestTimeout, "request ended before the answer was ready")
		return
	}
	writeJSON(w, http.StatusOK, responseFor(st))
}

func (h *Handler) handleThread(w http.ResponseWriter, r *http.Request) {
	th, err := h.threads.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeSessionError(w, err)
		return
	}
	if n, err := strconv.Atoi(r.URL.Query().Get("turns")); err == nil && n > 0 {
		th.Turns = th.RecentTurns(n)
	}
	writeJSON(w, http.StatusOK, th)
}

func (h *Handler) handleFeedback(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Feedback string `json:"feedback"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if strings.TrimSpace(body.Feedback) == "" {
		writeError(w, http.StatusBadRequest, "feedback is required")
		return
	}
	turn, err := h.solver.RecordFeedback(r.Context(), r.PathValue("id"), body.Feedback)
	if err != nil {
		writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, turn)
}

func writeSessionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, session.ErrThreadNotFound), errors.Is(err, session.ErrThreadExpired):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, session.ErrInvalidThread):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, session.ErrNoTurns):
		writeError(w, http.StatusConflict, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// statusRecorder captures the response code for metrics.
type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.code = code
	s.ResponseWriter.WriteHeader(code)
}

func instrument(route string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracing.StartServerSpan(r, route)
		defer span.End()
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		next(rec, r.WithContext(ctx))
		metrics.HTTPRequests.WithLabelValues(route, strconv.Itoa(rec.code)).Inc()
		metrics.HTTPLatency.WithLabelValues(route).Observe(time.Since(start).Seconds())
	}
}

// writeJSON writes a JSON response with status and content-type.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": sanitizeErr(msg)})
}

// sanitizeErr trims error messages for safe client output (UTF-8 safe).
func sanitizeErr(s string) string {
	runes := []rune(s)
	if len(runes) > 200 {
		return string(runes[:200])
	}
	return s
}
