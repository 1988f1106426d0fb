package webhook

import (
	"sync"
	"time"
)

// Step types inferred from tool activity.
const (
	StepReading   = "reading"
	StepEditing   = "editing"
	StepRunning   = "running"
	StepSearching = "searching"
	StepPlanning  = "planning"
	StepOther     = "working"
)

// toolSteps maps tool names the assistant commonly uses to a coarse step
// type for progress display.
var toolSteps = map[string]string{
	"Read":         StepReading,
	"read_file":    StepReading,
	"NotebookRead": StepReading,
	"Edit":         StepEditing,
	"Write":        StepEditing,
	"MultiEdit":    StepEditing,
	"NotebookEdit": StepEditing,
	"Bash":         StepRunning,
	"bash":         StepRunning,
	"Grep":         StepSearching,
	"Glob":         StepSearching,
	"WebSearch":    StepSearching,
	"TodoWrite":    StepPlanning,
	"Task":         StepPlanning,
}

// StepUpdate describes a session's current activity.
type StepUpdate struct {
	Step      string `json:"step"`
	Tool      string `json:"tool"`
	StepCount int    `json:"step_count"`
}

// StepTracker derives progress updates from tool invocations, per session.
type StepTracker struct {
	mu       sync.Mutex
	sessions map[string]*sessionSteps
}

type sessionSteps struct {
	current   string
	count     int
	updatedAt time.Time
}

// NewStepTracker returns an empty tracker.
func NewStepTracker() *StepTracker {
	return &StepTracker{sessions: make(map[string]*sessionSteps)}
}

// Observe records a tool invocation. It returns a StepUpdate when the
// session's step type changed, nil when the assistant is continuing the
// same kind of work.
func (t *StepTracker) Observe(sessionID, toolName string) *StepUpdate {
	if sessionID == "" {
		return nil
	}
	step, ok := toolSteps[toolName]
	if !ok {
		step = StepOther
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.sessions[sessionID]
	if !ok {
		s = &sessionSteps{}
		t.sessions[sessionID] = s
	}
	s.count++
	s.updatedAt = time.Now()
	if s.current == step {
		return nil
	}
	s.current = step
	return &StepUpdate{Step: step, Tool: toolName, StepCount: s.count}
}

// Forget drops a session's step state, e.g. after session completion.
func (t *StepTracker) Forget(sessionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.sessions, sessionID)
}
