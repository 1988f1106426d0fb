package proxy

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/swiftcast/session-proxy/internal/hooks"
	"github.com/swiftcast/session-proxy/internal/store"
	"github.com/swiftcast/session-proxy/internal/utils"
)

// adminRoutes exposes local control endpoints on the same listener as the
// proxied traffic. The listener binds loopback; there is no auth layer.
func (s *Server) adminRoutes(r chi.Router) {
	r.Get("/health", s.handleHealth)

	r.Get("/hooks", s.handleGetHooks)
	r.Put("/hooks", s.handlePutHooks)

	r.Post("/session-hooks", s.handlePostSessionHooks)
	r.Get("/session-hooks/{sessionID}", s.handleGetSessionHooks)
	r.Delete("/session-hooks/{sessionID}", s.handleDeleteSessionHooks)

	r.Post("/session-mapping", s.handlePostSessionMapping)

	r.Get("/sessions", s.handleListSessions)
	r.Get("/sessions/{sessionID}", s.handleGetSession)
	r.Post("/sessions/{sessionID}/route", s.handleRouteSession)

	r.Get("/accounts", s.handleListAccounts)
	r.Post("/accounts", s.handleCreateAccount)
	r.Post("/accounts/{accountID}/activate", s.handleActivateAccount)
	r.Delete("/accounts/{accountID}", s.handleDeleteAccount)

	if s.feed != nil {
		r.Get("/events", s.feed.ServeHTTP)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := utils.MarshalNoEscape(v)
	if err != nil {
		http.Error(w, `{"error":"encode failed"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(data)
}

func writeAdminError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	out := map[string]any{
		"status":         "ok",
		"uptime_seconds": int(time.Since(s.startedAt).Seconds()),
		"port":           s.port,
	}
	if acct, err := s.store.GetActiveAccount(); err == nil {
		out["active_account"] = map[string]string{
			"id":   acct.ID,
			"name": acct.Name,
		}
	}
	if s.recorder != nil {
		out["usage_events_dropped"] = s.recorder.Dropped()
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetHooks(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.settings.Snapshot())
}

func (s *Server) handlePutHooks(w http.ResponseWriter, r *http.Request) {
	var view hooks.SettingsView
	if err := json.NewDecoder(r.Body).Decode(&view); err != nil {
		writeAdminError(w, http.StatusBadRequest, "invalid settings payload")
		return
	}
	s.settings.Update(view)
	log.Info().Bool("api_logging", view.APILogging).
		Bool("compaction_injection", view.CompactionInjection).
		Bool("custom_tasks", view.CustomTasks).Msg("hook settings updated")
	writeJSON(w, http.StatusOK, s.settings.Snapshot())
}

// sessionHooksRequest is the admin payload for per-session overrides. The
// shorter field spellings are accepted as aliases; the _enabled spelling
// wins when both are present.
type sessionHooksRequest struct {
	SessionID                  string  `json:"session_id"`
	APILoggingEnabled          *bool   `json:"api_logging_enabled"`
	CompactionInjectionEnabled *bool   `json:"compaction_injection_enabled"`
	CustomTasksEnabled         *bool   `json:"custom_tasks_enabled"`
	APILogging                 *bool   `json:"api_logging"`
	CompactionInjection        *bool   `json:"compaction_injection"`
	CustomTasks                *bool   `json:"custom_tasks"`
	SummarizationInstructions  *string `json:"summarization_instructions"`
	ContextInjection           *string `json:"context_injection"`
}

func (r *sessionHooksRequest) normalize() {
	if r.APILoggingEnabled == nil {
		r.APILoggingEnabled = r.APILogging
	}
	if r.CompactionInjectionEnabled == nil {
		r.CompactionInjectionEnabled = r.CompactionInjection
	}
	if r.CustomTasksEnabled == nil {
		r.CustomTasksEnabled = r.CustomTasks
	}
}

// sessionHooksView is the effective hook configuration for a session: the
// stored override merged onto the process-wide settings.
type sessionHooksView struct {
	SessionID                  string `json:"session_id"`
	Overridden                 bool   `json:"overridden"`
	APILoggingEnabled          bool   `json:"api_logging_enabled"`
	CompactionInjectionEnabled bool   `json:"compaction_injection_enabled"`
	CustomTasksEnabled         bool   `json:"custom_tasks_enabled"`
	SummarizationInstructions  string `json:"summarization_instructions"`
	ContextInjection           string `json:"context_injection"`
}

func (s *Server) resolvedSessionHooks(sessionID string) (sessionHooksView, error) {
	var ov hooks.Override
	hasOverride := false
	o, err := s.store.GetHookOverride(sessionID)
	switch {
	case err == nil:
		ov = hooks.Override{
			APILogging:                o.APILogging,
			CompactionInjection:       o.CompactionInjection,
			CustomTasks:               o.CustomTasks,
			SummarizationInstructions: o.SummarizationInstructions,
			ContextInjection:          o.ContextInjection,
		}
		hasOverride = true
	case errors.Is(err, store.ErrNotFound):
	default:
		return sessionHooksView{}, err
	}
	view := s.settings.Resolved(ov, hasOverride)
	return sessionHooksView{
		SessionID:                  sessionID,
		Overridden:                 hasOverride,
		APILoggingEnabled:          view.APILogging,
		CompactionInjectionEnabled: view.CompactionInjection,
		CustomTasksEnabled:         view.CustomTasks,
		SummarizationInstructions:  view.SummarizationInstructions,
		ContextInjection:           view.ContextInjection,
	}, nil
}

func (s *Server) handlePostSessionHooks(w http.ResponseWriter, r *http.Request) {
	var req sessionHooksRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAdminError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	if req.SessionID == "" {
		writeAdminError(w, http.StatusBadRequest, "session_id required")
		return
	}
	req.normalize()
	// Overrides may arrive before the session's first request.
	if _, err := s.store.GetOrCreateSession(req.SessionID); err != nil {
		writeAdminError(w, http.StatusInternalServerError, "session create failed")
		return
	}
	err := s.store.UpsertHookOverride(store.HookOverride{
		SessionID:                 req.SessionID,
		APILogging:                req.APILoggingEnabled,
		CompactionInjection:       req.CompactionInjectionEnabled,
		CustomTasks:               req.CustomTasksEnabled,
		SummarizationInstructions: req.SummarizationInstructions,
		ContextInjection:          req.ContextInjection,
	})
	if err != nil {
		writeAdminError(w, http.StatusInternalServerError, "override store failed")
		return
	}
	view, err := s.resolvedSessionHooks(req.SessionID)
	if err != nil {
		writeAdminError(w, http.StatusInternalServerError, "override readback failed")
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// handleGetSessionHooks reports the session's effective hook settings: the
// override when one is stored, the process-wide defaults otherwise.
func (s *Server) handleGetSessionHooks(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	view, err := s.resolvedSessionHooks(sessionID)
	if err != nil {
		writeAdminError(w, http.StatusInternalServerError, "override lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleDeleteSessionHooks(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	if err := s.store.DeleteHookOverride(sessionID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeAdminError(w, http.StatusNotFound, "no override for session")
			return
		}
		writeAdminError(w, http.StatusInternalServerError, "override delete failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// sessionMappingRequest links a session to an external todo. The todo id
// may come directly or embedded in a command argument string.
type sessionMappingRequest struct {
	SessionID string `json:"session_id"`
	TodoID    string `json:"todo_id"`
	Args      string `json:"args"`
}

// parseTodoArg extracts --todo-id=VALUE from an argument string.
func parseTodoArg(args string) string {
	for _, field := range strings.Fields(args) {
		if v, ok := strings.CutPrefix(field, "--todo-id="); ok {
			return v
		}
	}
	return ""
}

func (s *Server) handlePostSessionMapping(w http.ResponseWriter, r *http.Request) {
	var req sessionMappingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAdminError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	if req.SessionID == "" {
		writeAdminError(w, http.StatusBadRequest, "session_id required")
		return
	}
	todoID := req.TodoID
	if todoID == "" {
		todoID = parseTodoArg(req.Args)
	}
	if todoID == "" {
		writeAdminError(w, http.StatusBadRequest, "todo_id required (directly or as --todo-id=... in args)")
		return
	}
	if err := s.store.PutTaskMapping(req.SessionID, todoID); err != nil {
		writeAdminError(w, http.StatusInternalServerError, "mapping store failed")
		return
	}
	log.Info().Str("session_id", req.SessionID).Str("todo_id", todoID).Msg("session mapped to todo")
	writeJSON(w, http.StatusOK, map[string]string{
		"session_id": req.SessionID,
		"todo_id":    todoID,
	})
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.store.ListSessions(0)
	if err != nil {
		writeAdminError(w, http.StatusInternalServerError, "session list failed")
		return
	}
	if sessions == nil {
		sessions = []store.Session{}
	}
	writeJSON(w, http.StatusOK, sessions)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	sess, err := s.store.GetSession(sessionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeAdminError(w, http.StatusNotFound, "unknown session")
			return
		}
		writeAdminError(w, http.StatusInternalServerError, "session lookup failed")
		return
	}
	out := map[string]any{"session": sess}
	if o, err := s.store.GetHookOverride(sessionID); err == nil {
		out["hook_override"] = o
	}
	if todoID, err := s.store.GetTaskMapping(sessionID); err == nil {
		out["todo_id"] = todoID
	}
	writeJSON(w, http.StatusOK, out)
}

// routeSessionRequest pins a session to an account and/or model. Empty
// strings clear the corresponding override.
type routeSessionRequest struct {
	AccountID *string `json:"account_id"`
	Model     *string `json:"model"`
}

func (s *Server) handleRouteSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	var req routeSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAdminError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	if _, err := s.store.GetOrCreateSession(sessionID); err != nil {
		writeAdminError(w, http.StatusInternalServerError, "session create failed")
		return
	}
	if req.AccountID != nil {
		if *req.AccountID != "" {
			if _, err := s.store.GetAccount(*req.AccountID); err != nil {
				writeAdminError(w, http.StatusBadRequest, "unknown account_id")
				return
			}
		}
		if err := s.store.SetSessionAccount(sessionID, *req.AccountID); err != nil {
			writeAdminError(w, http.StatusInternalServerError, "route update failed")
			return
		}
	}
	if req.Model != nil {
		if err := s.store.SetSessionModel(sessionID, *req.Model); err != nil {
			writeAdminError(w, http.StatusInternalServerError, "route update failed")
			return
		}
	}
	sess, err := s.store.GetSession(sessionID)
	if err != nil {
		writeAdminError(w, http.StatusInternalServerError, "session readback failed")
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

// accountView is the admin representation of an account; the credential is
// masked, never returned raw.
type accountView struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	BaseURL    string `json:"base_url"`
	Credential string `json:"credential"`
	CreatedAt  int64  `json:"created_at"`
	IsActive   bool   `json:"is_active"`
}

func toAccountView(a store.Account) accountView {
	return accountView{
		ID:         a.ID,
		Name:       a.Name,
		BaseURL:    a.BaseURL,
		Credential: utils.MaskKey(a.Credential),
		CreatedAt:  a.CreatedAt,
		IsActive:   a.IsActive,
	}
}

func (s *Server) handleListAccounts(w http.ResponseWriter, r *http.Request) {
	accounts, err := s.store.ListAccounts()
	if err != nil {
		writeAdminError(w, http.StatusInternalServerError, "account list failed")
		return
	}
	views := make([]accountView, 0, len(accounts))
	for _, a := range accounts {
		views = append(views, toAccountView(a))
	}
	writeJSON(w, http.StatusOK, views)
}

type createAccountRequest struct {
	Name       string `json:"name"`
	BaseURL    string `json:"base_url"`
	Credential string `json:"credential"`
}

func (s *Server) handleCreateAccount(w http.ResponseWriter, r *http.Request) {
	var req createAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAdminError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	if req.Name == "" || req.BaseURL == "" {
		writeAdminError(w, http.StatusBadRequest, "name and base_url required")
		return
	}
	acct, err := s.store.CreateAccount(req.Name, req.BaseURL, req.Credential)
	if err != nil {
		writeAdminError(w, http.StatusInternalServerError, "account create failed")
		return
	}
	log.Info().Str("account", acct.Name).Str("base_url", acct.BaseURL).
		Str("credential", utils.MaskKey(req.Credential)).Msg("account created")
	writeJSON(w, http.StatusCreated, toAccountView(*acct))
}

func (s *Server) handleActivateAccount(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "accountID")
	if err := s.store.SwitchAccount(accountID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeAdminError(w, http.StatusNotFound, "unknown account")
			return
		}
		writeAdminError(w, http.StatusInternalServerError, "switch failed")
		return
	}
	log.Info().Str("account_id", accountID).Msg("active account switched")
	acct, err := s.store.GetAccount(accountID)
	if err != nil {
		writeAdminError(w, http.StatusInternalServerError, "account readback failed")
		return
	}
	writeJSON(w, http.StatusOK, toAccountView(*acct))
}

func (s *Server) handleDeleteAccount(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "accountID")
	if err := s.store.DeleteAccount(accountID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeAdminError(w, http.StatusNotFound, "unknown account")
			return
		}
		writeAdminError(w, http.StatusInternalServerError, "account delete failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
