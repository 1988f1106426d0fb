package hooks

import "sync"

// SettingsView is an immutable snapshot of the process-wide hook settings.
type SettingsView struct {
	APILogging                bool   `json:"api_logging"`
	LogRetentionDays          int    `json:"log_retention_days"`
	CompactionInjection       bool   `json:"compaction_injection"`
	SummarizationInstructions string `json:"summarization_instructions"`
	ContextInjection          string `json:"context_injection"`
	CustomTasks               bool   `json:"custom_tasks"`
}

// Settings holds the process-wide hook configuration. It is mutable at
// runtime through the admin API; reads take a snapshot so a request sees a
// consistent view even while settings change.
type Settings struct {
	mu   sync.RWMutex
	view SettingsView
}

// NewSettings seeds the settings with startup values.
func NewSettings(initial SettingsView) *Settings {
	return &Settings{view: initial}
}

// Snapshot returns the current settings.
func (s *Settings) Snapshot() SettingsView {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.view
}

// Update replaces the settings atomically.
func (s *Settings) Update(v SettingsView) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.view = v
}

// Resolved merges a session override onto the process-wide settings:
// any field the override sets wins, the rest fall through.
func (s *Settings) Resolved(o Override, hasOverride bool) SettingsView {
	view := s.Snapshot()
	if !hasOverride {
		return view
	}
	if o.APILogging != nil {
		view.APILogging = *o.APILogging
	}
	if o.CompactionInjection != nil {
		view.CompactionInjection = *o.CompactionInjection
	}
	if o.CustomTasks != nil {
		view.CustomTasks = *o.CustomTasks
	}
	if o.SummarizationInstructions != nil {
		view.SummarizationInstructions = *o.SummarizationInstructions
	}
	if o.ContextInjection != nil {
		view.ContextInjection = *o.ContextInjection
	}
	return view
}
