package store

import (
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestFirstAccountBecomesActive(t *testing.T) {
	s := newTestStore(t)

	first, err := s.CreateAccount("main", "https://api.anthropic.com", "sk-ant-xxx")
	require.NoError(t, err)
	assert.True(t, first.IsActive)

	second, err := s.CreateAccount("alt", "https://proxy.example.com", "key2")
	require.NoError(t, err)
	assert.False(t, second.IsActive)

	active, err := s.GetActiveAccount()
	require.NoError(t, err)
	assert.Equal(t, first.ID, active.ID)
}

func TestSwitchAccount(t *testing.T) {
	s := newTestStore(t)
	a, _ := s.CreateAccount("a", "https://api.anthropic.com", "")
	b, _ := s.CreateAccount("b", "https://alt.example.com", "key")

	require.NoError(t, s.SwitchAccount(b.ID))

	active, err := s.GetActiveAccount()
	require.NoError(t, err)
	assert.Equal(t, b.ID, active.ID)

	got, err := s.GetAccount(a.ID)
	require.NoError(t, err)
	assert.False(t, got.IsActive)
}

func TestSwitchAccountUnknownID(t *testing.T) {
	s := newTestStore(t)
	a, _ := s.CreateAccount("a", "https://api.anthropic.com", "")

	assert.ErrorIs(t, s.SwitchAccount("no-such-id"), ErrNotFound)

	// The failed switch must not have deactivated the existing account.
	active, err := s.GetActiveAccount()
	require.NoError(t, err)
	assert.Equal(t, a.ID, active.ID)
}

// Concurrent switches interleaved with readers: a reader must always see
// exactly one active account, never zero or two.
func TestSwitchAccountAtomicUnderConcurrency(t *testing.T) {
	s := newTestStore(t)
	a, _ := s.CreateAccount("a", "https://api.anthropic.com", "")
	b, _ := s.CreateAccount("b", "https://alt.example.com", "")
	ids := []string{a.ID, b.ID}

	var wg sync.WaitGroup
	stop := make(chan struct{})

	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 50; i++ {
			require.NoError(t, s.SwitchAccount(ids[i%2]))
		}
		close(stop)
	}()

	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				accounts, err := s.ListAccounts()
				require.NoError(t, err)
				var active int
				for _, acc := range accounts {
					if acc.IsActive {
						active++
					}
				}
				assert.Equal(t, 1, active)
			}
		}()
	}
	wg.Wait()
}

func TestGetOrCreateSessionConvergesConcurrently(t *testing.T) {
	s := newTestStore(t)

	const workers = 16
	var wg sync.WaitGroup
	results := make([]*Session, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sess, err := s.GetOrCreateSession("sess-1")
			require.NoError(t, err)
			results[i] = sess
		}(i)
	}
	wg.Wait()

	for _, sess := range results {
		assert.Equal(t, results[0].CreatedAt, sess.CreatedAt)
	}

	sessions, err := s.ListSessions(0)
	require.NoError(t, err)
	assert.Len(t, sessions, 1)
}

func TestSessionOverridesLastWriteWins(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetOrCreateSession("sess-2")
	require.NoError(t, err)

	require.NoError(t, s.SetSessionAccount("sess-2", "acct-1"))
	require.NoError(t, s.SetSessionAccount("sess-2", "acct-2"))
	require.NoError(t, s.SetSessionModel("sess-2", "claude-haiku-3"))

	sess, err := s.GetSession("sess-2")
	require.NoError(t, err)
	assert.Equal(t, "acct-2", sess.AccountID)
	assert.Equal(t, "claude-haiku-3", sess.ModelOverride)

	// Empty value clears the override.
	require.NoError(t, s.SetSessionModel("sess-2", ""))
	sess, err = s.GetSession("sess-2")
	require.NoError(t, err)
	assert.Empty(t, sess.ModelOverride)
}

func TestHookOverrideRoundTrip(t *testing.T) {
	s := newTestStore(t)

	off := false
	instructions := "focus on file paths"
	require.NoError(t, s.UpsertHookOverride(HookOverride{
		SessionID:                 "sess-3",
		CompactionInjection:       &off,
		SummarizationInstructions: &instructions,
	}))

	o, err := s.GetHookOverride("sess-3")
	require.NoError(t, err)
	require.NotNil(t, o.CompactionInjection)
	assert.False(t, *o.CompactionInjection)
	require.NotNil(t, o.SummarizationInstructions)
	assert.Equal(t, instructions, *o.SummarizationInstructions)
	assert.Nil(t, o.APILogging)

	require.NoError(t, s.DeleteHookOverride("sess-3"))
	_, err = s.GetHookOverride("sess-3")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRecordUsageAccumulatesSessionCounters(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetOrCreateSession("sess-4")
	require.NoError(t, err)

	require.NoError(t, s.RecordUsage(UsageRecord{
		SessionID: "sess-4", Model: "claude-sonnet-4",
		InputTokens: 100, OutputTokens: 10, StatusCode: 200,
	}))
	require.NoError(t, s.RecordUsage(UsageRecord{
		SessionID: "sess-4", Model: "claude-sonnet-4",
		InputTokens: 50, OutputTokens: 5, StatusCode: 200,
	}))

	sess, err := s.GetSession("sess-4")
	require.NoError(t, err)
	assert.EqualValues(t, 150, sess.InputTokens)
	assert.EqualValues(t, 15, sess.OutputTokens)

	totals, err := s.UsageSince(time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.EqualValues(t, 2, totals.Requests)
	assert.EqualValues(t, 150, totals.InputTokens)
}

func TestPruneSessionsRemovesStaleRows(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetOrCreateSession("stale")
	require.NoError(t, err)
	require.NoError(t, s.UpsertHookOverride(HookOverride{SessionID: "stale"}))
	require.NoError(t, s.PutTaskMapping("stale", "todo-9"))

	// Backdate the session beyond the ttl.
	_, err = s.db.Exec(`UPDATE sessions SET last_activity_at = ? WHERE session_id = 'stale'`,
		time.Now().Add(-48*time.Hour).Unix())
	require.NoError(t, err)

	_, err = s.GetOrCreateSession("fresh")
	require.NoError(t, err)

	n, err := s.PruneSessions(24 * time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = s.GetSession("stale")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.GetHookOverride("stale")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.GetTaskMapping("stale")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.GetSession("fresh")
	assert.NoError(t, err)
}

func TestTaskMappingReplace(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.PutTaskMapping("sess-5", "todo-1"))
	require.NoError(t, s.PutTaskMapping("sess-5", "todo-2"))

	todoID, err := s.GetTaskMapping("sess-5")
	require.NoError(t, err)
	assert.Equal(t, "todo-2", todoID)
}

func TestConfigKeyValue(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.SetConfig("webhook_token", "abc"))
	require.NoError(t, s.SetConfig("webhook_token", "def"))

	v, err := s.GetConfig("webhook_token")
	require.NoError(t, err)
	assert.Equal(t, "def", v)

	_, err = s.GetConfig("missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestOpenStampsSchemaVersion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "versioned.db")

	s, err := Open(path)
	require.NoError(t, err)
	v, err := s.GetConfig("schema_version")
	require.NoError(t, err)
	assert.Equal(t, SchemaVersion, v)
	require.NoError(t, s.Close())

	// A matching stamp reopens cleanly.
	s, err = Open(path)
	require.NoError(t, err)
	require.NoError(t, s.SetConfig("schema_version", "99"))
	require.NoError(t, s.Close())

	// A foreign stamp is refused.
	_, err = Open(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "schema version")
}
