package policy

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const admissionPolicy = `package mathagent.admission

default decision := {
    "allow": true,
    "reason": "default allow"
}

decision := {
    "allow": false,
    "reason": "query too long"
} {
    input.length > 200
} else := {
    "allow": false,
    "reason": "homework service blocked"
} {
    contains(lower(input.query), "take my exam")
}
`

func writePolicy(t *testing.T, dir, name, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644))
}

func TestEngineEvaluate(t *testing.T) {
	dir := t.TempDir()
	writePolicy(t, dir, "admission.rego", admissionPolicy)

	e, err := NewEngine(Config{Enabled: true, Path: dir}, zaptest.NewLogger(t))
	require.NoError(t, err)
	require.True(t, e.Loaded())

	ctx := context.Background()
	ok, _, err := e.Admit(ctx, "solve x + 1 = 2")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, reason, err := e.Admit(ctx, "please take my exam and solve it")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, "homework service blocked", reason)
}

func TestEngineBooleanDecision(t *testing.T) {
	dir := t.TempDir()
	writePolicy(t, dir, "bool.rego", "package mathagent.admission\n\ndecision := false\n")

	e, err := NewEngine(Config{Enabled: true, Path: dir}, zaptest.NewLogger(t))
	require.NoError(t, err)
	d, err := e.Evaluate(context.Background(), Input{Query: "sum"})
	require.NoError(t, err)
	assert.False(t, d.Allow)
	assert.Equal(t, "denied by policy", d.Reason)
}

func TestEngineDisabledAllowsEverything(t *testing.T) {
	e, err := NewEngine(Config{}, nil)
	require.NoError(t, err)
	ok, _, err := e.Admit(context.Background(), "anything")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestEngineCompileErrorFailOpen(t *testing.T) {
	dir := t.TempDir()
	writePolicy(t, dir, "broken.rego", "package mathagent.admission\n\ndecision := {\n")

	_, err := NewEngine(Config{Enabled: true, Path: dir}, zaptest.NewLogger(t))
	assert.Error(t, err)

	e, err := NewEngine(Config{Enabled: true, Path: dir, FailOpen: true}, zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.False(t, e.Loaded())
	ok, _, _ := e.Admit(context.Background(), "solve")
	assert.True(t, ok)
}

func TestEngineReload(t *testing.T) {
	dir := t.TempDir()
	writePolicy(t, dir, "admission.rego", "package mathagent.admission\n\ndecision := true\n")
	e, err := NewEngine(Config{Enabled: true, Path: dir}, zaptest.NewLogger(t))
	require.NoError(t, err)

	writePolicy(t, dir, "admission.rego", "package mathagent.admission\n\ndecision := false\n")
	require.NoError(t, e.Reload())
	ok, _, _ := e.Admit(context.Background(), "solve")
	assert.False(t, ok)
}
