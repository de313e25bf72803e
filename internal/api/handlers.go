// internal/api/handlers.go
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/FairForge/replimon/internal/store"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	atomic.AddInt64(&s.errorCount, 1)
	s.writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "healthy",
		"version": "0.1.0",
		"uptime":  time.Since(s.startTime).Seconds(),
	})
}

// handleReady reports readiness, which for this service means the
// database is reachable.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		s.writeError(w, http.StatusServiceUnavailable, "database unreachable")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"ready": true})
}

// handlePollNow runs a collection cycle outside the schedule and waits
// for it. If a cycle is already running the request is rejected rather
// than queued.
func (s *Server) handlePollNow(w http.ResponseWriter, r *http.Request) {
	if !s.poller.PollNow(r.Context()) {
		s.writeError(w, http.StatusConflict, "poll cycle already in progress")
		return
	}
	s.writeJSON(w, http.StatusOK, s.poller.Status())
}

func (s *Server) handlePollStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.poller.Status())
}

func (s *Server) handleDiscoveryRun(w http.ResponseWriter, r *http.Request) {
	result, err := s.discovery.RunFullDiscovery(r.Context())
	if err != nil {
		s.logger.Error("discovery failed", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

// handleDiscoverEndpoints refreshes the endpoint inventory from the
// topology service without touching per-array state.
func (s *Server) handleDiscoverEndpoints(w http.ResponseWriter, r *http.Request) {
	n, err := s.discovery.DiscoverEndpoints(r.Context())
	if err != nil {
		s.logger.Error("endpoint discovery failed", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"endpoints": n})
}

func (s *Server) handleDiscoverGroups(w http.ResponseWriter, r *http.Request) {
	endpointID := mux.Vars(r)["endpoint"]

	n, err := s.discovery.DiscoverConsistencyGroups(r.Context(), endpointID)
	if err != nil {
		s.logger.Error("group discovery failed",
			zap.String("endpoint", endpointID), zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"endpoint": endpointID,
		"groups":   n,
	})
}

func (s *Server) handleListEndpoints(w http.ResponseWriter, r *http.Request) {
	monitoredOnly := r.URL.Query().Get("monitored") == "true"

	endpoints, err := s.store.ListEndpoints(r.Context(), r.URL.Query().Get("type"), monitoredOnly)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"endpoints": endpoints,
		"count":     len(endpoints),
	})
}

// handleRegisterEndpoint creates or updates an endpoint by hand. This
// is the bootstrap path for deployments without a topology service:
// register the array, then submit its credentials.
func (s *Server) handleRegisterEndpoint(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ID        string `json:"id"`
		Name      string `json:"name"`
		BaseURL   string `json:"baseUrl"`
		Type      string `json:"type"`
		Monitored *bool  `json:"monitored"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.ID == "" || body.BaseURL == "" {
		s.writeError(w, http.StatusBadRequest, "id and baseUrl required")
		return
	}
	if body.Name == "" {
		body.Name = body.ID
	}
	if body.Type == "" {
		body.Type = "array"
	}
	monitored := true
	if body.Monitored != nil {
		monitored = *body.Monitored
	}

	endpoint := &store.Endpoint{
		ID:         body.ID,
		Name:       body.Name,
		BaseURL:    body.BaseURL,
		Type:       body.Type,
		AuthStatus: "unknown",
		Monitored:  monitored,
	}
	if err := s.store.UpsertEndpoint(r.Context(), endpoint); err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]interface{}{
		"endpoint":  body.ID,
		"monitored": monitored,
	})
}

// handleSaveCredentials validates the submitted credentials against
// the array itself, then persists them with the outcome. Only
// validated credentials are ever handed to the session manager, so
// the probe must use the request body, not the manager's own
// credential lookup.
func (s *Server) handleSaveCredentials(w http.ResponseWriter, r *http.Request) {
	endpointID := mux.Vars(r)["id"]

	var body struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Username == "" {
		s.writeError(w, http.StatusBadRequest, "username and password required")
		return
	}

	endpoint, err := s.store.GetEndpoint(r.Context(), endpointID)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "unknown endpoint "+endpointID)
		return
	}
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	authStatus := "validated"
	if err := s.sessions.Validate(r.Context(), endpoint.BaseURL, body.Username, body.Password); err != nil {
		authStatus = "failed"
		s.logger.Warn("credential validation failed",
			zap.String("endpoint", endpointID), zap.Error(err))
	}

	if err := s.store.SaveCredentials(r.Context(), endpointID, body.Username, body.Password, authStatus == "validated"); err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if err := s.store.SetEndpointAuthStatus(r.Context(), endpointID, authStatus); err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	// Any cached session under the old credentials is stale now.
	s.sessions.DestroySession(r.Context(), endpointID)

	s.writeJSON(w, http.StatusOK, map[string]string{
		"endpoint":   endpointID,
		"authStatus": authStatus,
	})
}

// handleDropSession tears down the cached session for one endpoint. The
// next operation against that endpoint opens a fresh one.
func (s *Server) handleDropSession(w http.ResponseWriter, r *http.Request) {
	endpointID := mux.Vars(r)["id"]
	s.sessions.DestroySession(r.Context(), endpointID)
	s.writeJSON(w, http.StatusOK, map[string]string{"endpoint": endpointID, "session": "destroyed"})
}

// handleListGroups lists consistency groups, optionally filtered to one
// source endpoint via ?endpoint=.
func (s *Server) handleListGroups(w http.ResponseWriter, r *http.Request) {
	groups, err := s.store.ListConsistencyGroups(r.Context(), r.URL.Query().Get("endpoint"))
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"groups": groups,
		"count":  len(groups),
	})
}

func (s *Server) handleSetGroupMonitored(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	groupID, err := strconv.Atoi(vars["group"])
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid group id")
		return
	}

	var body struct {
		Monitored bool `json:"monitored"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := s.store.SetGroupMonitored(r.Context(), groupID, vars["endpoint"], body.Monitored); err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"group":     groupID,
		"endpoint":  vars["endpoint"],
		"monitored": body.Monitored,
	})
}

func (s *Server) handleGroupPairs(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	groupID, err := strconv.Atoi(vars["group"])
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid group id")
		return
	}

	pairs, err := s.store.ListPairs(r.Context(), groupID, vars["endpoint"])
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"pairs": pairs,
		"count": len(pairs),
	})
}

func (s *Server) handleGroupSamples(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	groupID, err := strconv.Atoi(vars["group"])
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid group id")
		return
	}

	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 1000 {
			limit = n
		}
	}

	samples, err := s.store.RecentSamples(r.Context(), groupID, vars["endpoint"], limit)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"samples": samples,
		"count":   len(samples),
	})
}

func (s *Server) handleListAlerts(w http.ResponseWriter, r *http.Request) {
	unackedOnly := r.URL.Query().Get("unacknowledged") == "true"

	alerts, err := s.store.ListAlerts(r.Context(), unackedOnly)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"alerts": alerts,
		"count":  len(alerts),
	})
}

func (s *Server) handleAckAlert(w http.ResponseWriter, r *http.Request) {
	alertID := mux.Vars(r)["id"]

	if err := s.store.AcknowledgeAlert(r.Context(), alertID); err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"id": alertID, "status": "acknowledged"})
}
