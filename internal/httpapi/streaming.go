package httpapi

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/mathagent/internal/metrics"
	"github.com/Kocoro-lab/mathagent/internal/streaming"
)

// StreamingHandler serves thread events over SSE and WebSocket.
type StreamingHandler struct {
	mgr       *streaming.Manager
	logger    *zap.Logger
	heartbeat time.Duration
}

func NewStreamingHandler(mgr *streaming.Manager, logger *zap.Logger) *StreamingHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StreamingHandler{mgr: mgr, logger: logger, heartbeat: 15 * time.Second}
}

// RegisterRoutes registers stream routes on the provided mux.
func (h *StreamingHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /v1/stream/sse", requireScope(ScopeThreads, h.handleSSE))
	mux.HandleFunc("GET /v1/stream/ws", requireScope(ScopeThreads, h.handleWS))
}

// streamParams are the query parameters shared by both transports.
type streamParams struct {
	threadID string
	types    map[string]struct{}
	lastID   uint64
}

func parseStreamParams(r *http.Request) (streamParams, bool) {
	p := streamParams{threadID: r.URL.Query().Get("thread_id"), types: map[string]struct{}{}}
	if p.threadID == "" {
		return p, false
	}
	if s := r.URL.Query().Get("types"); s != "" {
		for _, t := range strings.Split(s, ",") {
			if t = strings.TrimSpace(t); t != "" {
				p.types[t] = struct{}{}
			}
		}
	}
	// Last-Event-ID header wins over the query param
	if lei := r.Header.Get("Last-Event-ID"); lei != "" {
		if n, err := strconv.ParseUint(lei, 10, 64); err == nil {
			p.lastID = n
		}
	}
	if q := r.URL.Query().Get("last_event_id"); q != "" && p.lastID == 0 {
		if n, err := strconv.ParseUint(q, 10, 64); err == nil {
			p.lastID = n
		}
	}
	return p, true
}

func (p streamParams) wants(evt streaming.Event) bool {
	if len(p.types) == 0 {
		return true
	}
	_, ok := p.types[evt.Type]
	return ok
}

// handleSSE streams events for a thread via Server-Sent Events.
// GET /v1/stream/sse?thread_id=<id>
func (h *StreamingHandler) handleSSE(w http.ResponseWriter, r *http.Request) {
	p, ok := parseStreamParams(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "thread_id required")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	ch := h.mgr.Subscribe(p.threadID, 256)
	defer h.mgr.Unsubscribe(p.threadID, ch)
	metrics.StreamSubscribers.WithLabelValues("sse").Inc()
	defer metrics.StreamSubscribers.WithLabelValues("sse").Dec()

	fmt.Fprintf(w, ": connected to thread %s\n\n", p.threadID)
	flusher.Flush()

	if p.lastID > 0 {
		backlog := h.mgr.ReplaySince(p.threadID, p.lastID)
		for _, ev := range backlog {
			if p.wants(ev) {
				writeSSE(w, ev)
			}
		}
		flusher.Flush()
		// The turn already finished.
		if n := len(backlog); n > 0 && backlog[n-1].Terminal() {
			return
		}
	}

	hb := time.NewTicker(h.heartbeat)
	defer hb.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			h.logger.Debug("SSE client disconnected", zap.String("thread_id", p.threadID))
			return
		case evt, open := <-ch:
			if !open {
				return
			}
			if !p.wants(evt) {
				continue
			}
			writeSSE(w, evt)
			flusher.Flush()
			if evt.Terminal() {
				return
			}
		case <-hb.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, evt streaming.Event) {
	if evt.Seq > 0 {
		fmt.Fprintf(w, "id: %d\n", evt.Seq)
	}
	if evt.Type != "" {
		fmt.Fprintf(w, "event: %s\n", evt.Type)
	}
	fmt.Fprintf(w, "data: %s\n\n", evt.Marshal())
}
