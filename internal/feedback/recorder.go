package feedback

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/mathagent/internal/metrics"
	"github.com/Kocoro-lab/mathagent/internal/models"
)

// Recorder evaluates finished sessions and hands them to a sink. Sink
// failures are logged and counted, never returned.
type Recorder struct {
	sink    Sink
	timeout time.Duration
	logger  *zap.Logger
}

func NewRecorder(sink Sink, logger *zap.Logger) *Recorder {
	if sink == nil {
		sink = NopSink{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Recorder{sink: sink, timeout: 5 * time.Second, logger: logger}
}

// BuildRecord assembles the entry for a finished session.
func BuildRecord(st *models.SessionState) Record {
	answer := strings.TrimSpace(st.FinalAnswer)
	fb := strings.TrimSpace(st.HumanFeedback)
	rc := RetrievalContext(st.RankedCandidates)
	return Record{
		ID:               newRecordID(),
		ThreadID:         st.ThreadID,
		TurnID:           st.TurnID,
		Query:            strings.TrimSpace(st.Query),
		FinalAnswer:      answer,
		Feedback:         fb,
		RetrievalContext: rc,
		QualityScores:    Evaluate(answer, rc, fb),
		Timestamp:        time.Now().UTC(),
	}
}

// Record persists st. Sessions without a final answer are skipped.
func (r *Recorder) Record(ctx context.Context, st *models.SessionState) {
	if st == nil || strings.TrimSpace(st.FinalAnswer) == "" {
		r.logger.Debug("Skipping feedback record without final answer")
		return
	}
	rec := BuildRecord(st)

	// Detached from the caller so a cancelled request still gets logged.
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
	defer cancel()
	if err := r.sink.Write(wctx, rec); err != nil {
		metrics.FeedbackWrites.WithLabelValues(r.sink.Name(), "error").Inc()
		r.logger.Error("Failed to write feedback record",
			zap.String("thread_id", rec.ThreadID),
			zap.String("sink", r.sink.Name()),
			zap.Error(err),
		)
		return
	}
	metrics.FeedbackWrites.WithLabelValues(r.sink.Name(), "success").Inc()
	r.logger.Debug("Feedback record written",
		zap.String("thread_id", rec.ThreadID),
		zap.Float64("coherence", rec.QualityScores.Coherence),
	)
}

func (r *Recorder) Close() error { return r.sink.Close() }
