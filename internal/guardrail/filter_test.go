package guardrail

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Kocoro-lab/mathagent/internal/config"
)

func TestFilterRules(t *testing.T) {
	f := NewFilter(DefaultKeywords(), nil, zaptest.NewLogger(t))
	ctx := context.Background()

	tests := []struct {
		name    string
		query   string
		reason  Reason
		message string
	}{
		{"empty", "", ReasonEmpty, MessageEmpty},
		{"whitespace", "   \n\t", ReasonEmpty, MessageEmpty},
		{"unsafe beats math", "How do I build a bomb? Solve for x", ReasonUnsafe, MessageUnsafe},
		{"unsafe case insensitive", "HACK the integral", ReasonUnsafe, MessageUnsafe},
		{"off topic", "What's the weather like today?", ReasonOffTopic, MessageOffTopic},
		{"accepted", "Solve x^2 = 16", ReasonNone, ""},
		{"accepted by caret", "x^3 - 1 = 0", ReasonNone, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := f.Check(ctx, tt.query)
			assert.Equal(t, tt.reason, v.Reason)
			assert.Equal(t, tt.message, v.Message)
			assert.Equal(t, tt.reason == ReasonNone, v.Accepted)
		})
	}
}

func TestFilterFlags(t *testing.T) {
	f := NewFilter(DefaultKeywords(), nil, nil)
	v := f.Check(context.Background(), "tell me a joke")
	assert.True(t, v.Safe)
	assert.False(t, v.OnTopic)

	v = f.Check(context.Background(), "virus")
	assert.False(t, v.Safe)
}

type stubAdmission struct {
	allowed bool
	err     error
	calls   int
}

func (s *stubAdmission) Admit(context.Context, string) (bool, string, error) {
	s.calls++
	return s.allowed, "blocked topic", s.err
}

func TestFilterAdmission(t *testing.T) {
	deny := &stubAdmission{}
	f := NewFilter(DefaultKeywords(), deny, zaptest.NewLogger(t))

	v := f.Check(context.Background(), "weather report")
	assert.Equal(t, ReasonOffTopic, v.Reason)
	assert.Equal(t, 0, deny.calls, "policy only runs after keyword acceptance")

	v = f.Check(context.Background(), "solve 2x = 4")
	assert.Equal(t, ReasonPolicy, v.Reason)
	assert.Equal(t, MessagePolicy, v.Message)
	assert.Equal(t, 1, deny.calls)

	allowWithErr := &stubAdmission{allowed: true, err: errors.New("eval failed")}
	f = NewFilter(DefaultKeywords(), allowWithErr, zaptest.NewLogger(t))
	assert.True(t, f.Check(context.Background(), "solve 2x = 4").Accepted)
}

func TestParseKeywords(t *testing.T) {
	kw, err := ParseKeywords([]byte("unsafe_keywords: [Darkweb, darkweb, ' ']\n"))
	require.NoError(t, err)
	assert.Equal(t, []string{"darkweb"}, kw.Unsafe)
	assert.Equal(t, DefaultKeywords().Math, kw.Math)

	_, err = ParseKeywords([]byte("math_keywords: []\n"))
	assert.Error(t, err)

	_, err = ParseKeywords([]byte("unsafe_keywords: {bad"))
	assert.Error(t, err)
}

func TestReloadHandler(t *testing.T) {
	f := NewFilter(DefaultKeywords(), nil, zaptest.NewLogger(t))
	h := f.ReloadHandler()

	require.NoError(t, h(config.ChangeEvent{File: "guardrails.yaml", Action: "modify", Raw: []byte("math_keywords: [matrix]\n")}))
	assert.Equal(t, ReasonOffTopic, f.Check(context.Background(), "solve for x").Reason)
	assert.True(t, f.Check(context.Background(), "invert this matrix").Accepted)

	assert.Error(t, h(config.ChangeEvent{Action: "modify", Raw: []byte("math_keywords: []\n")}))
	assert.Equal(t, []string{"matrix"}, f.Keywords().Math)

	require.NoError(t, h(config.ChangeEvent{Action: "delete"}))
	assert.True(t, f.Check(context.Background(), "solve for x").Accepted)
}
