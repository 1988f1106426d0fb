package webhook

import (
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

type staticMappings struct{ m map[string]string }

func (s staticMappings) TodoID(sessionID string) (string, bool) {
	id, ok := s.m[sessionID]
	return id, ok
}

func TestClientSendsPayloadWithTodoID(t *testing.T) {
	var mu sync.Mutex
	var bodies []string
	done := make(chan struct{}, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, webhookPath, r.URL.Path)
		raw, _ := io.ReadAll(r.Body)
		mu.Lock()
		bodies = append(bodies, string(raw))
		mu.Unlock()
		done <- struct{}{}
	}))
	defer srv.Close()

	c := NewClient(srv.URL, true, staticMappings{m: map[string]string{"sess-1": "todo-7"}})
	c.Send(EventSessionComplete, "sess-1", map[string]any{"stop_reason": "end_turn"})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("webhook never delivered")
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, bodies, 1)
	body := gjson.Parse(bodies[0])
	assert.Equal(t, EventSessionComplete, body.Get("event").String())
	assert.Equal(t, "sess-1", body.Get("session_id").String())
	assert.Equal(t, "todo-7", body.Get("todo_id").String())
	assert.Equal(t, "end_turn", body.Get("data.stop_reason").String())
}

func TestClientDisabledSendsNothing(t *testing.T) {
	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
	}))
	defer srv.Close()

	c := NewClient(srv.URL, false, nil)
	c.Send(EventUsage, "sess", nil)
	time.Sleep(100 * time.Millisecond)
	assert.Zero(t, hits)

	// Empty base url also disables, regardless of the flag.
	c2 := NewClient("", true, nil)
	assert.False(t, c2.Enabled())
}

func TestClientConfigureAtRuntime(t *testing.T) {
	c := NewClient("", false, nil)
	assert.False(t, c.Enabled())
	c.Configure("http://localhost:9000", true)
	assert.True(t, c.Enabled())
}

func TestQuestionDetectorFindsTrailingQuestion(t *testing.T) {
	d := QuestionDetector{}

	q := d.Detect("I refactored the parser.\n\nShould I also update the tests to match?")
	require.NotNil(t, q)
	assert.Contains(t, q.Text, "Should I also update the tests")

	q = d.Detect("Two options exist.\n\nWhich approach do you prefer?")
	assert.NotNil(t, q)

	q = d.Detect("Done. Please confirm the deployment window.")
	assert.NotNil(t, q)
}

func TestQuestionDetectorIgnoresStatements(t *testing.T) {
	d := QuestionDetector{}
	assert.Nil(t, d.Detect("All tests pass. The change is complete."))
	assert.Nil(t, d.Detect(""))
	// Rhetorical question answered mid-response, statement at the end.
	assert.Nil(t, d.Detect("Should we cache this? Yes, and I did.\n\nThe cache is now in place."))
}

func TestStepTrackerEmitsOnTransition(t *testing.T) {
	tr := NewStepTracker()

	up := tr.Observe("s1", "Read")
	require.NotNil(t, up)
	assert.Equal(t, StepReading, up.Step)
	assert.Equal(t, 1, up.StepCount)

	// Same step type again: no update.
	assert.Nil(t, tr.Observe("s1", "read_file"))

	up = tr.Observe("s1", "Edit")
	require.NotNil(t, up)
	assert.Equal(t, StepEditing, up.Step)
	assert.Equal(t, 3, up.StepCount)

	// Unknown tools map to a generic step.
	up = tr.Observe("s1", "mystery_tool")
	require.NotNil(t, up)
	assert.Equal(t, StepOther, up.Step)
}

func TestStepTrackerSessionsIndependent(t *testing.T) {
	tr := NewStepTracker()
	require.NotNil(t, tr.Observe("a", "Read"))
	require.NotNil(t, tr.Observe("b", "Read"))

	tr.Forget("a")
	// After forgetting, the same step emits again.
	assert.NotNil(t, tr.Observe("a", "Read"))
	assert.Nil(t, tr.Observe("b", "read_file"))
}

func TestStepTrackerIgnoresEmptySession(t *testing.T) {
	tr := NewStepTracker()
	assert.Nil(t, tr.Observe("", "Read"))
}
