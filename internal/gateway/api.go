// ABOUTME: HTTP API handlers exposing agent sessions, mirrored resource trees and operator calls
// ABOUTME: Also mounts the Core command set on the HTTP transport path

package gateway

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/2389/gami/internal/agent"
	"github.com/2389/gami/internal/auth"
	"github.com/2389/gami/internal/metrics"
	"github.com/2389/gami/internal/resource"
	"github.com/2389/gami/internal/rpc"
)

const maxCallBody = 1 << 20

// AgentInfoResponse is the JSON response for GET /api/agents.
type AgentInfoResponse struct {
	ID             string    `json:"id"`
	Address        string    `json:"address"`
	State          string    `json:"state"`
	Implementation string    `json:"implementation,omitempty"`
	Version        string    `json:"version,omitempty"`
	Generation     int       `json:"generation"`
	Restarts       int       `json:"restarts"`
	LastSeen       time.Time `json:"last_seen"`
	Resources      int       `json:"resources"`
	MirrorStale    bool      `json:"mirror_stale,omitempty"`
	MirrorSynced   string    `json:"mirror_synced,omitempty"`
}

// ResourcesResponse is the JSON response for GET /api/agents/{id}/resources.
type ResourcesResponse struct {
	AgentID   string              `json:"agent_id"`
	Synced    string              `json:"synced"`
	Stale     bool                `json:"stale"`
	Resources []resource.Resource `json:"resources"`
}

// CallRequest is the JSON request body for POST /api/agents/{id}/call.
type CallRequest struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// CallErrorResponse carries an agent's structured error back to the operator.
type CallErrorResponse struct {
	Error string `json:"error"`
	Code  int    `json:"code,omitempty"`
	Data  any    `json:"data,omitempty"`
}

// registerHTTPAPIRoutes registers API routes on the mux with or without auth middleware.
func (g *Gateway) registerHTTPAPIRoutes(mux *http.ServeMux) {
	authn := auth.NoAuthMiddleware()
	if g.verifier != nil {
		authn = auth.HTTPAuthMiddleware(g.verifier, g.logger)
		g.logger.Info("HTTP auth middleware enabled")
	} else {
		g.logger.Warn("HTTP auth disabled - no jwt_secret configured")
	}
	read := auth.RequireRole(auth.RoleOperator, auth.RoleCore)
	write := auth.RequireRole(auth.RoleOperator)
	agents := auth.RequireRole(auth.RoleAgent, auth.RoleOperator)

	route := func(pattern string, guard func(http.Handler) http.Handler, h http.HandlerFunc) {
		mux.Handle(pattern, metrics.Middleware(pattern, authn(guard(h))))
	}

	route("GET /api/agents", read, g.handleListAgents)
	route("GET /api/agents/{id}", read, g.handleGetAgent)
	route("DELETE /api/agents/{id}", write, g.handleForgetAgent)
	route("GET /api/agents/{id}/resources", read, g.handleAgentResources)
	route("POST /api/agents/{id}/resync", write, g.handleResync)
	route("POST /api/agents/{id}/call", write, g.handleCall)
	route("POST "+rpc.HTTPPath, agents, g.rpcServer.ServeHTTP)
}

func (g *Gateway) agentInfo(sess agent.Session) AgentInfoResponse {
	info := AgentInfoResponse{
		ID:             sess.AgentID,
		Address:        sess.Address(),
		State:          string(sess.State),
		Implementation: sess.Implementation,
		Version:        sess.Version,
		Generation:     sess.Generation,
		Restarts:       sess.Restarts,
		LastSeen:       sess.LastSeen,
	}
	if mir, ok := g.mirrors.Get(sess.AgentID); ok {
		info.Resources = mir.Store.Len()
		info.MirrorStale = mir.Stale
		info.MirrorSynced = mir.Synced.UTC().Format(time.RFC3339)
	}
	return info
}

// handleListAgents handles GET /api/agents requests.
// Supports optional ?state=X query parameter to filter by session state.
func (g *Gateway) handleListAgents(w http.ResponseWriter, r *http.Request) {
	stateFilter := r.URL.Query().Get("state")

	sessions := g.sessions.List()
	response := make([]AgentInfoResponse, 0, len(sessions))
	for _, sess := range sessions {
		if stateFilter != "" && string(sess.State) != stateFilter {
			continue
		}
		response = append(response, g.agentInfo(sess))
	}
	g.writeJSON(w, http.StatusOK, response)
}

// handleGetAgent handles GET /api/agents/{id}.
func (g *Gateway) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	sess, ok := g.sessions.Get(r.PathValue("id"))
	if !ok {
		g.sendJSONError(w, http.StatusNotFound, "agent not found")
		return
	}
	g.writeJSON(w, http.StatusOK, g.agentInfo(sess))
}

// handleForgetAgent handles DELETE /api/agents/{id}.
func (g *Gateway) handleForgetAgent(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := g.sessions.Forget(r.Context(), id); err != nil {
		if errors.Is(err, agent.ErrNotRegistered) {
			g.sendJSONError(w, http.StatusNotFound, "agent not found")
			return
		}
		g.logger.Error("failed to forget agent", "agent_id", id, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	g.bridge.Drop(id)
	g.mirrors.Drop(id)
	g.dedupe.ForgetPrefix(id + "|")
	w.WriteHeader(http.StatusNoContent)
}

// handleAgentResources handles GET /api/agents/{id}/resources.
// Supports optional ?component=X to filter by component type.
func (g *Gateway) handleAgentResources(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	mir, ok := g.mirrors.Get(id)
	if !ok {
		if _, known := g.sessions.Get(id); !known {
			g.sendJSONError(w, http.StatusNotFound, "agent not found")
			return
		}
		g.sendJSONError(w, http.StatusNotFound, "agent not mirrored yet")
		return
	}

	var filter resource.Component
	if c := r.URL.Query().Get("component"); c != "" {
		parsed, ok := resource.ParseComponent(c)
		if !ok {
			g.sendJSONError(w, http.StatusBadRequest, "unknown component "+c)
			return
		}
		filter = parsed
	}

	snapshot := mir.Store.Snapshot()
	out := make([]resource.Resource, 0, len(snapshot))
	for _, res := range snapshot {
		if filter == "" || res.Component == filter {
			out = append(out, res)
		}
	}
	g.writeJSON(w, http.StatusOK, ResourcesResponse{
		AgentID:   id,
		Synced:    mir.Synced.UTC().Format(time.RFC3339),
		Stale:     mir.Stale,
		Resources: out,
	})
}

// handleResync handles POST /api/agents/{id}/resync.
func (g *Gateway) handleResync(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, ok := g.sessions.Get(id); !ok {
		g.sendJSONError(w, http.StatusNotFound, "agent not found")
		return
	}
	g.mirrors.Request(id)
	w.WriteHeader(http.StatusAccepted)
}

// handleCall handles POST /api/agents/{id}/call, forwarding one procedure call to the agent.
func (g *Gateway) handleCall(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var req CallRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxCallBody)).Decode(&req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Method == "" {
		g.sendJSONError(w, http.StatusBadRequest, "method is required")
		return
	}

	var params any
	if len(req.Params) > 0 {
		params = req.Params
	}
	var result json.RawMessage
	err := g.router.Call(r.Context(), id, req.Method, params, &result)

	var aerr *rpc.AgentError
	var cerr *rpc.ConnectorError
	switch {
	case err == nil:
		if len(result) == 0 {
			result = json.RawMessage("null")
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(result)
	case errors.Is(err, ErrUnknownAgent):
		g.sendJSONError(w, http.StatusNotFound, "agent not found")
	case errors.Is(err, ErrAgentOffline):
		g.sendJSONError(w, http.StatusConflict, "agent is offline")
	case errors.As(err, &aerr):
		g.writeJSON(w, http.StatusUnprocessableEntity, CallErrorResponse{Error: aerr.Message, Code: aerr.Code, Data: aerr.Data})
	case errors.As(err, &cerr):
		g.sendJSONError(w, http.StatusGatewayTimeout, "agent unreachable")
	case errors.Is(err, rpc.ErrCommunication):
		g.sendJSONError(w, http.StatusBadGateway, rpc.ErrCommunication.Error())
	default:
		g.logger.Error("agent call failed", "agent_id", id, "method", req.Method, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
	}
}

func (g *Gateway) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		g.logger.Debug("failed to write response", "error", err)
	}
}

// sendJSONError writes a JSON error response.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	g.writeJSON(w, status, map[string]string{"error": message})
}
