package logger

import (
	"bytes"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"igcrawler/pkg/config"
)

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]interface{} {
	t.Helper()
	var out []map[string]interface{}
	for _, line := range bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n")) {
		if len(line) == 0 {
			continue
		}
		var m map[string]interface{}
		require.NoError(t, json.Unmarshal(line, &m))
		out = append(out, m)
	}
	return out
}

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		cfg     *config.LoggingConfig
		wantErr bool
	}{
		{name: "info level", cfg: &config.LoggingConfig{Level: "info"}},
		{name: "debug level", cfg: &config.LoggingConfig{Level: "debug"}},
		{name: "invalid level", cfg: &config.LoggingConfig{Level: "loud"}, wantErr: true},
		{name: "file output", cfg: &config.LoggingConfig{Level: "info", File: filepath.Join(t.TempDir(), "logs", "crawl.log")}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l, err := New(tt.cfg)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.NotNil(t, l)
		})
	}
	zerolog.SetGlobalLevel(zerolog.DebugLevel)
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		level    string
		expected zerolog.Level
		wantErr  bool
	}{
		{"debug", zerolog.DebugLevel, false},
		{"INFO", zerolog.InfoLevel, false},
		{"warning", zerolog.WarnLevel, false},
		{"error", zerolog.ErrorLevel, false},
		{"disabled", zerolog.Disabled, false},
		{"", zerolog.InfoLevel, true},
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			level, err := parseLogLevel(tt.level)
			assert.Equal(t, tt.wantErr, err != nil)
			assert.Equal(t, tt.expected, level)
		})
	}
}

func TestFieldsAreEmitted(t *testing.T) {
	zerolog.SetGlobalLevel(zerolog.DebugLevel)
	var buf bytes.Buffer
	l := NewWithWriter(&buf, zerolog.DebugLevel)

	l.WithField("account", "alice").
		WithFields(map[string]interface{}{"requests": 12, "cooldown": 5 * time.Minute}).
		InfoWithFields("Account selected", map[string]interface{}{"target": "natgeo"})

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "Account selected", lines[0]["message"])
	assert.Equal(t, "alice", lines[0]["account"])
	assert.Equal(t, float64(12), lines[0]["requests"])
	assert.Equal(t, "natgeo", lines[0]["target"])
	assert.Equal(t, "igcrawler", lines[0]["app"])
}

func TestWithFieldDoesNotMutateParent(t *testing.T) {
	zerolog.SetGlobalLevel(zerolog.DebugLevel)
	var buf bytes.Buffer
	parent := NewWithWriter(&buf, zerolog.DebugLevel)

	_ = parent.WithField("account", "alice")
	parent.Info("plain")

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	assert.NotContains(t, lines[0], "account")
}

func TestWithError(t *testing.T) {
	zerolog.SetGlobalLevel(zerolog.DebugLevel)
	var buf bytes.Buffer
	l := NewWithWriter(&buf, zerolog.DebugLevel)

	assert.Same(t, l, l.WithError(nil))

	l.WithError(errors.New("rate limited")).Error("page failed")
	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "rate limited", lines[0]["error"])
	assert.Equal(t, "error", lines[0]["level"])
}

func TestLevelFiltering(t *testing.T) {
	zerolog.SetGlobalLevel(zerolog.DebugLevel)
	var buf bytes.Buffer
	l := NewWithWriter(&buf, zerolog.WarnLevel)

	l.Debug("hidden")
	l.Info("hidden")
	l.Warn("shown")

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "shown", lines[0]["message"])
}

func TestGlobalLogger(t *testing.T) {
	zerolog.SetGlobalLevel(zerolog.DebugLevel)
	var buf bytes.Buffer
	SetLogger(NewWithWriter(&buf, zerolog.DebugLevel))

	Info("hello")
	WithField("k", "v").Warn("with field")
	LogComponentStart("scheduler", map[string]interface{}{"spec": "@every 1m"})
	LogComponentStop("scheduler", "shutdown")

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 4)
	assert.Equal(t, "scheduler", lines[2]["component"])
	assert.Equal(t, "@every 1m", lines[2]["spec"])
	assert.Equal(t, "shutdown", lines[3]["reason"])
}

func TestHelpers(t *testing.T) {
	tl := NewTestLogger()

	LogRequest(tl, "GET", "https://i.instagram.com/api/v1/x", "alice", 200, 150*time.Millisecond)
	LogRequest(tl, "GET", "https://i.instagram.com/api/v1/x", "alice", 429, time.Second)
	LogRequest(tl, "GET", "https://i.instagram.com/api/v1/x", "alice", 503, time.Second)
	LogRotation(tl, "natgeo", "bob", 30)
	LogCooldown(tl, "bob", "errors", time.Now())
	LogCrawlProgress(tl, "natgeo", 50, 200)

	msgs := tl.GetMessages()
	require.Len(t, msgs, 6)
	assert.Equal(t, "DEBUG", msgs[0].Level)
	assert.Equal(t, "WARN", msgs[1].Level)
	assert.Equal(t, "ERROR", msgs[2].Level)
	assert.Equal(t, int64(150), msgs[0].Field("duration_ms"))
	assert.Equal(t, "bob", msgs[3].Field("account"))
	assert.Equal(t, "errors", msgs[4].Field("reason"))
	assert.Equal(t, "25.0%", msgs[5].Field("percentage"))
}

func TestTestLoggerSharesSink(t *testing.T) {
	tl := NewTestLogger()
	child := tl.WithField("account", "alice").WithError(errors.New("boom"))
	child.Error("failed")
	tl.Info("parent")

	msgs := tl.GetMessages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "alice", msgs[0].Field("account"))
	assert.Equal(t, "boom", msgs[0].Error)
	assert.True(t, tl.HasError())
	assert.True(t, tl.HasMessage("parent"))

	tl.Clear()
	assert.Empty(t, tl.GetMessages())
}

func TestNopLogger(t *testing.T) {
	l := NewNopLogger()
	l.WithField("a", 1).WithError(errors.New("x")).Error("ignored")
	assert.NotNil(t, l.GetZerolog())
}
