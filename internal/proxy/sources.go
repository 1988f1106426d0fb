package proxy

import (
	"github.com/swiftcast/session-proxy/internal/hooks"
	"github.com/swiftcast/session-proxy/internal/store"
)

// storeOverrides adapts the store to hooks.OverrideSource.
type storeOverrides struct {
	st *store.Store
}

// NewOverrideSource exposes stored per-session hook overrides to the hook
// chain.
func NewOverrideSource(st *store.Store) hooks.OverrideSource {
	return storeOverrides{st: st}
}

func (s storeOverrides) Override(sessionID string) (hooks.Override, bool) {
	if sessionID == "" {
		return hooks.Override{}, false
	}
	o, err := s.st.GetHookOverride(sessionID)
	if err != nil {
		return hooks.Override{}, false
	}
	return hooks.Override{
		APILogging:                o.APILogging,
		CompactionInjection:       o.CompactionInjection,
		CustomTasks:               o.CustomTasks,
		SummarizationInstructions: o.SummarizationInstructions,
		ContextInjection:          o.ContextInjection,
	}, true
}

// storeMappings adapts the store to webhook.MappingSource.
type storeMappings struct {
	st *store.Store
}

// NewMappingSource exposes session to todo links to the webhook client.
func NewMappingSource(st *store.Store) storeMappings {
	return storeMappings{st: st}
}

func (s storeMappings) TodoID(sessionID string) (string, bool) {
	if sessionID == "" {
		return "", false
	}
	id, err := s.st.GetTaskMapping(sessionID)
	if err != nil {
		return "", false
	}
	return id, true
}
