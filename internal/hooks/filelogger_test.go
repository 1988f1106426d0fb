package hooks

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func TestFileLoggerWritesPerSessionFile(t *testing.T) {
	dir := t.TempDir()
	settings := NewSettings(SettingsView{APILogging: true, LogRetentionDays: 7})
	fl := NewFileLogger(dir, settings, NoOverrides{})

	req := &RequestContext{
		RequestID:  "req-12345678-rest",
		SessionID:  "abcdef0123456789deadbeef",
		Method:     "POST",
		Path:       "/v1/messages",
		Model:      "claude-sonnet-4",
		Body:       []byte(`{"model":"claude-sonnet-4"}`),
		ReceivedAt: time.Now(),
	}
	resp := &ResponseContext{
		StatusCode:   200,
		Text:         "Hello",
		InputTokens:  10,
		OutputTokens: 2,
		StopReason:   "end_turn",
		Duration:     120 * time.Millisecond,
	}
	fl.AfterRequest(context.Background(), req, resp)

	sessionDir := filepath.Join(dir, "abcdef0123456789")
	entries, err := os.ReadDir(sessionDir)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	raw, err := os.ReadFile(filepath.Join(sessionDir, entries[0].Name()))
	require.NoError(t, err)
	body := gjson.ParseBytes(raw)
	assert.Equal(t, "Hello", body.Get("response_text").String())
	assert.Equal(t, "end_turn", body.Get("stop_reason").String())
	assert.Equal(t, int64(200), body.Get("status_code").Int())
}

func TestFileLoggerDisabledWritesNothing(t *testing.T) {
	dir := t.TempDir()
	settings := NewSettings(SettingsView{APILogging: false})
	fl := NewFileLogger(dir, settings, NoOverrides{})

	fl.AfterRequest(context.Background(),
		&RequestContext{RequestID: "r", SessionID: "s", ReceivedAt: time.Now()},
		&ResponseContext{StatusCode: 200})

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestFileLoggerSessionOverrideEnables(t *testing.T) {
	dir := t.TempDir()
	settings := NewSettings(SettingsView{APILogging: false})
	on := true
	fl := NewFileLogger(dir, settings, staticOverrides{Override{APILogging: &on}})

	fl.AfterRequest(context.Background(),
		&RequestContext{RequestID: "r", SessionID: "override-session", ReceivedAt: time.Now()},
		&ResponseContext{StatusCode: 200})

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestFileLoggerCleanupRemovesExpiredDirs(t *testing.T) {
	dir := t.TempDir()
	settings := NewSettings(SettingsView{APILogging: true, LogRetentionDays: 7})
	fl := NewFileLogger(dir, settings, NoOverrides{})

	old := filepath.Join(dir, "old-session")
	require.NoError(t, os.MkdirAll(old, 0o755))
	past := time.Now().AddDate(0, 0, -14)
	require.NoError(t, os.Chtimes(old, past, past))

	fresh := filepath.Join(dir, "fresh-session")
	require.NoError(t, os.MkdirAll(fresh, 0o755))

	fl.Cleanup()

	_, err := os.Stat(old)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(fresh)
	assert.NoError(t, err)
}
