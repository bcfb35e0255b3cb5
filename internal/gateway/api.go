// ABOUTME: HTTP API handlers for health checks, the agent snapshot, stat history and the audit log
// ABOUTME: The /api routes sit behind console JWT auth; health endpoints are open

package gateway

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/mskumargvd/arushi-cloud/internal/store"
)

// StatSampleResponse is one entry of GET /api/stats/history/{agentId}.
type StatSampleResponse struct {
	CPU       float64   `json:"cpu"`
	RAM       float64   `json:"ram"`
	Disk      float64   `json:"disk"`
	Uptime    float64   `json:"uptime"`
	Timestamp time.Time `json:"timestamp"`
}

// StatsHistoryResponse is the JSON response for GET /api/stats/history/{agentId}.
type StatsHistoryResponse struct {
	AgentID string               `json:"agentId"`
	Samples []StatSampleResponse `json:"samples"`
}

// AuditEntryResponse is one entry of GET /api/logs.
type AuditEntryResponse struct {
	ID        string         `json:"id"`
	AgentID   string         `json:"agentId"`
	Action    string         `json:"action"`
	Severity  int            `json:"severity"`
	Message   string         `json:"message"`
	Actor     string         `json:"actor,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Detail    map[string]any `json:"detail,omitempty"`
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK if at least one agent is online or in grace.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	online := g.registry.Online()
	if online == 0 {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("no agents online"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d agents)", online)
}

func (g *Gateway) handleListAgents(w http.ResponseWriter, r *http.Request) {
	g.writeJSON(w, http.StatusOK, g.registry.Snapshot())
}

func (g *Gateway) handleStatsHistory(w http.ResponseWriter, r *http.Request) {
	agentID := r.PathValue("agentId")
	limit, err := parseLimit(r)
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if _, ok := g.registry.Get(agentID); !ok {
		g.sendJSONError(w, http.StatusNotFound, "agent not found")
		return
	}

	samples, err := g.store.QueryHistory(r.Context(), agentID, limit)
	if err != nil {
		g.logger.Error("failed to query stat history", "agent_id", agentID, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "failed to query history")
		return
	}

	resp := StatsHistoryResponse{
		AgentID: agentID,
		Samples: make([]StatSampleResponse, 0, len(samples)),
	}
	for _, s := range samples {
		resp.Samples = append(resp.Samples, StatSampleResponse{
			CPU:       s.CPU,
			RAM:       s.RAM,
			Disk:      s.Disk,
			Uptime:    s.Uptime,
			Timestamp: s.RecordedAt,
		})
	}
	g.writeJSON(w, http.StatusOK, resp)
}

// handleLogs lists audit entries newest first. Optional filters: agentId, action.
func (g *Gateway) handleLogs(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r)
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	filter := store.AuditFilter{Limit: limit}
	q := r.URL.Query()
	if agentID := q.Get("agentId"); agentID != "" {
		filter.AgentID = &agentID
	}
	if action := q.Get("action"); action != "" {
		a := store.AuditAction(action)
		if !validAuditAction(a) {
			g.sendJSONError(w, http.StatusBadRequest, "unknown action")
			return
		}
		filter.Action = &a
	}

	entries, err := g.store.ListAuditLog(r.Context(), filter)
	if err != nil {
		g.logger.Error("failed to list audit log", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "failed to list logs")
		return
	}

	resp := make([]AuditEntryResponse, 0, len(entries))
	for _, e := range entries {
		resp = append(resp, AuditEntryResponse{
			ID:        e.ID,
			AgentID:   e.AgentID,
			Action:    string(e.Action),
			Severity:  e.Severity,
			Message:   e.Message,
			Actor:     e.Actor,
			Timestamp: e.Timestamp,
			Detail:    e.Detail,
		})
	}
	g.writeJSON(w, http.StatusOK, resp)
}

// parseLimit reads ?limit=N. Zero means the store default.
func parseLimit(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid limit %q", raw)
	}
	return n, nil
}

func validAuditAction(a store.AuditAction) bool {
	for _, v := range store.ValidAuditActions {
		if v == a {
			return true
		}
	}
	return false
}

func (g *Gateway) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		g.logger.Warn("failed to encode response", "error", err)
	}
}

// sendJSONError writes a JSON error response with the given status code and message.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
