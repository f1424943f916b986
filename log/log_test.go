package log

import (
	"bytes"
	"errors"
	"testing"

	"github.com/kataras/golog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func captured(level string) (Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	g := golog.New()
	g.SetOutput(&buf)
	g.SetLevel(level)
	return NewWith(g), &buf
}

func TestLogger_FieldsRendered(t *testing.T) {
	l, buf := captured("debug")

	l.Info("job claimed", Job("job_abc"), Queue("ingest"), Attempt(2))

	out := buf.String()
	assert.Contains(t, out, "job claimed")
	assert.Contains(t, out, "job=job_abc")
	assert.Contains(t, out, "queue=ingest")
	assert.Contains(t, out, "attempt=2")
}

func TestLogger_WithBindsFields(t *testing.T) {
	l, buf := captured("debug")

	ql := l.With(Queue("ingest"))
	ql.Warn("claim failed", Err(errors.New("connection reset")))
	ql.Info("retrying")

	out := buf.String()
	// Both lines carry the bound queue field.
	assert.Equal(t, 2, bytes.Count(buf.Bytes(), []byte("queue=ingest")))
	assert.Contains(t, out, `error="connection reset"`)
}

func TestLogger_WithDoesNotMutateParent(t *testing.T) {
	l, buf := captured("debug")

	child := l.With(Task("task_1"))
	_ = child
	l.Info("plain line")

	assert.NotContains(t, buf.String(), "task=task_1")
}

func TestLogger_LevelFiltering(t *testing.T) {
	l, buf := captured("warn")

	l.Debug("hidden")
	l.Info("also hidden")
	l.Warn("visible")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "visible")
}

func TestLogger_ValuesWithSpacesQuoted(t *testing.T) {
	l, buf := captured("debug")

	l.Info("progress", F("message", "loading model weights"))

	assert.Contains(t, buf.String(), `message="loading model weights"`)
}

func TestNopLogger(t *testing.T) {
	var l Logger = NopLogger{}
	l = l.With(Task("t"))
	l.Debug("x")
	l.Info("x")
	l.Warn("x")
	l.Error("x", Err(errors.New("ignored")))
}

func TestDefault_SetAndRestore(t *testing.T) {
	orig := Default()
	defer SetDefault(orig)

	l, buf := captured("debug")
	SetDefault(l)
	require.Same(t, l, Default())

	Default().Info("through default", Thread("th-9"))
	assert.Contains(t, buf.String(), "thread=th-9")
}
