// Package guardrail implements the safety/topic filter that gates every
// query before any model or index is touched.
package guardrail

import (
	"context"
	"strings"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/mathagent/internal/config"
)

// Reason identifies which rule rejected a query.
type Reason string

const (
	ReasonNone     Reason = ""
	ReasonEmpty    Reason = "empty"
	ReasonUnsafe   Reason = "unsafe"
	ReasonOffTopic Reason = "off_topic"
	ReasonPolicy   Reason = "policy"
)

// User-visible rejection messages.
const (
	MessageEmpty    = "Invalid query: input is empty."
	MessageUnsafe   = "Your query appears to contain unsafe or harmful content. This math agent only answers mathematics questions."
	MessageOffTopic = "This agent only supports mathematics-related questions. Please ask a math question (e.g., an equation, proof, or calculation)."
	MessagePolicy   = "Your query was declined by the service's admission policy."
)

// Verdict is the outcome of Check.
type Verdict struct {
	Accepted bool
	Safe     bool
	OnTopic  bool
	Reason   Reason
	Message  string
}

// Admission is an optional extra gate consulted only after the keyword
// rules accept a query.
type Admission interface {
	Admit(ctx context.Context, query string) (allowed bool, reason string, err error)
}

// Filter applies the ordered rules: empty, unsafe keyword, math relevance,
// then the admission policy when one is configured.
type Filter struct {
	keywords  atomic.Pointer[Keywords]
	admission Admission
	logger    *zap.Logger
}

func NewFilter(kw Keywords, admission Admission, logger *zap.Logger) *Filter {
	if logger == nil {
		logger = zap.NewNop()
	}
	f := &Filter{admission: admission, logger: logger}
	f.SetKeywords(kw)
	return f
}

// SetKeywords swaps the keyword sets atomically.
func (f *Filter) SetKeywords(kw Keywords) {
	n := kw.normalized()
	f.keywords.Store(&n)
}

func (f *Filter) Keywords() Keywords {
	return *f.keywords.Load()
}

// Check evaluates the rules in order; the first match wins.
func (f *Filter) Check(ctx context.Context, query string) Verdict {
	q := strings.TrimSpace(query)
	if q == "" {
		return Verdict{Reason: ReasonEmpty, Message: MessageEmpty}
	}

	kw := f.keywords.Load()
	lowered := strings.ToLower(q)

	if containsAny(lowered, kw.Unsafe) {
		return Verdict{Reason: ReasonUnsafe, Message: MessageUnsafe}
	}
	if !containsAny(lowered, kw.Math) {
		return Verdict{Safe: true, Reason: ReasonOffTopic, Message: MessageOffTopic}
	}

	if f.admission != nil {
		allowed, reason, err := f.admission.Admit(ctx, q)
		if err != nil {
			// the policy layer decides fail-open or fail-closed itself
			f.logger.Warn("Admission policy evaluation failed", zap.Error(err))
		}
		if !allowed {
			f.logger.Info("Query denied by admission policy", zap.String("reason", reason))
			return Verdict{Safe: true, OnTopic: true, Reason: ReasonPolicy, Message: MessagePolicy}
		}
	}

	return Verdict{Accepted: true, Safe: true, OnTopic: true}
}

// ReloadHandler returns a config change handler for the guardrails file.
// An invalid file leaves the current keywords in place.
func (f *Filter) ReloadHandler() config.ChangeHandler {
	return func(ev config.ChangeEvent) error {
		if ev.Action == "delete" || ev.Action == "rename" {
			f.SetKeywords(DefaultKeywords())
			f.logger.Info("Guardrails file removed, using defaults", zap.String("file", ev.File))
			return nil
		}
		kw, err := ParseKeywords(ev.Raw)
		if err != nil {
			return err
		}
		f.SetKeywords(kw)
		f.logger.Info("Guardrail keywords reloaded",
			zap.String("file", ev.File),
			zap.Int("unsafe", len(kw.Unsafe)),
			zap.Int("math", len(kw.Math)),
		)
		return nil
	}
}

func containsAny(s string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(s, n) {
			return true
		}
	}
	return false
}
