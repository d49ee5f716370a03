package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"alfred/internal/agent"
	"alfred/internal/bus"
	"alfred/internal/domain"
)

const maxBodyBytes = 1 << 20

type agentView struct {
	domain.Agent
	PluginCount int `json:"plugin_count"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleGateway(w http.ResponseWriter, r *http.Request) {
	payload, ok := s.decodePayload(w, r)
	if !ok {
		return
	}
	res, err := s.cfg.Loop.HandleGateway(r.Context(), payload, teamID(r), r.Header.Get("Authorization"))
	if err != nil {
		s.writeRunError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handleRun accepts either {"event": {...}, "sessionId": "..."} or the raw
// event itself.
func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	body, ok := s.decodePayload(w, r)
	if !ok {
		return
	}
	payload := body
	if ev, isObject := body["event"].(map[string]any); isObject {
		payload = ev
	}
	sessionID, _ := body["sessionId"].(string)

	res, err := s.cfg.Loop.RunLoop(r.Context(), agent.RunRequest{
		Payload:   payload,
		SessionID: sessionID,
		TeamID:    teamID(r),
		AuthToken: r.Header.Get("Authorization"),
	})
	if err != nil {
		s.writeRunError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleAgents(w http.ResponseWriter, r *http.Request) {
	plugins, err := s.cfg.Plugins.ListPlugins(r.Context(), teamID(r))
	if err != nil {
		s.writeRunError(w, err)
		return
	}
	agents := s.cfg.Loop.Agents()
	views := make([]agentView, 0, len(agents))
	for _, a := range agents {
		views = append(views, agentView{Agent: a, PluginCount: len(plugins)})
	}
	writeJSON(w, http.StatusOK, map[string]any{"agents": views})
}

func (s *Server) handleListPlugins(w http.ResponseWriter, r *http.Request) {
	plugins, err := s.cfg.Plugins.ListPlugins(r.Context(), teamID(r))
	if err != nil {
		s.writeRunError(w, err)
		return
	}
	if plugins == nil {
		plugins = []domain.Plugin{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"plugins": plugins})
}

func (s *Server) handleCreatePlugin(w http.ResponseWriter, r *http.Request) {
	var in agent.PluginInput
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	team := teamID(r)
	plugin, err := s.cfg.Plugins.CreatePlugin(r.Context(), team, in)
	if err != nil {
		var se *domain.StoreError
		if errors.As(err, &se) {
			s.writeRunError(w, err)
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.cfg.Events.Emit(bus.Event{
		Type:    bus.EventPluginCreated,
		Source:  "http",
		Payload: map[string]any{"team": team, "plugin": plugin.ID},
	})
	writeJSON(w, http.StatusOK, map[string]any{"plugin": plugin})
}

func (s *Server) handleCron(w http.ResponseWriter, r *http.Request) {
	trigger := chi.URLParam(r, "trigger")
	res, err := s.cfg.Triggers.HandleCron(r.Context(), trigger, teamID(r), r.Header.Get("Authorization"))
	if err != nil {
		s.writeRunError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.cfg.Sessions.Get(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, domain.ErrNotFound) {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	if err != nil {
		s.writeRunError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"session": sess})
}

func (s *Server) handleSessionEvents(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && v > 0 {
		limit = v
	}
	traces, err := s.cfg.Traces.ListTraces(r.Context(), chi.URLParam(r, "id"), limit)
	if err != nil {
		s.writeRunError(w, err)
		return
	}
	if traces == nil {
		traces = []domain.TraceRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": traces})
}

// decodePayload reads a JSON object body. An empty body is an empty payload.
func (s *Server) decodePayload(w http.ResponseWriter, r *http.Request) (domain.RawPayload, bool) {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "cannot read body")
		return nil, false
	}
	payload := domain.RawPayload{}
	if len(data) == 0 {
		return payload, true
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		writeError(w, http.StatusBadRequest, "body must be a JSON object")
		return nil, false
	}
	if payload == nil {
		payload = domain.RawPayload{}
	}
	return payload, true
}

func (s *Server) writeRunError(w http.ResponseWriter, err error) {
	s.logger.Error("request failed", "err", err)
	var se *domain.StoreError
	if errors.As(err, &se) {
		writeError(w, http.StatusServiceUnavailable, se.Error())
		return
	}
	writeError(w, http.StatusInternalServerError, err.Error())
}

func teamID(r *http.Request) string {
	return r.Header.Get(TeamHeader)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
