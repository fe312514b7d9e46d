// ABOUTME: Tests for the HTTP API: agent listing, mirrored resources, operator calls and auth
// ABOUTME: Drives Gateway.Handler through httptest against a registered stub agent

package gateway

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/gami/internal/agent"
	"github.com/2389/gami/internal/auth"
	"github.com/2389/gami/internal/resource"
	"github.com/2389/gami/internal/rpc"
)

func doRequest(t *testing.T, h http.Handler, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestAPI_ListAndGetAgents(t *testing.T) {
	rig := newTestRig(t, "")
	id := rig.register(t, 7001)
	rig.waitMirrored(t, id)
	h := rig.gw.Handler()

	rec := doRequest(t, h, http.MethodGet, "/api/agents", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list []AgentInfoResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list, 1)
	assert.Equal(t, id, list[0].ID)
	assert.Equal(t, "127.0.0.1:7001", list[0].Address)
	assert.Equal(t, string(agent.StateRegistered), list[0].State)
	assert.Equal(t, rig.agent.mirrorable(), list[0].Resources)

	rec = doRequest(t, h, http.MethodGet, "/api/agents?state=alive", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, "[]", rec.Body.String())

	rec = doRequest(t, h, http.MethodGet, "/api/agents/"+id, "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var info AgentInfoResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &info))
	assert.Equal(t, 1, info.Generation)

	rec = doRequest(t, h, http.MethodGet, "/api/agents/nobody", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAPI_AgentResources(t *testing.T) {
	rig := newTestRig(t, "")
	id := rig.register(t, 7001)
	rig.waitMirrored(t, id)
	h := rig.gw.Handler()

	rec := doRequest(t, h, http.MethodGet, "/api/agents/"+id+"/resources?component=Drive", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp ResourcesResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, id, resp.AgentID)
	assert.False(t, resp.Stale)
	assert.Len(t, resp.Resources, len(rig.agent.resources.List(resource.ComponentDrive)))
	for _, r := range resp.Resources {
		assert.Equal(t, resource.ComponentDrive, r.Component)
	}

	rec = doRequest(t, h, http.MethodGet, "/api/agents/"+id+"/resources?component=Toaster", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(t, h, http.MethodGet, "/api/agents/nobody/resources", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAPI_ResyncAndForget(t *testing.T) {
	rig := newTestRig(t, "")
	id := rig.register(t, 7001)
	rig.waitMirrored(t, id)
	h := rig.gw.Handler()

	rec := doRequest(t, h, http.MethodPost, "/api/agents/"+id+"/resync", "", nil)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	rig.gw.mirrors.Wait()

	rec = doRequest(t, h, http.MethodPost, "/api/agents/nobody/resync", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doRequest(t, h, http.MethodDelete, "/api/agents/"+id, "", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	_, ok := rig.gw.sessions.Get(id)
	assert.False(t, ok)
	_, ok = rig.gw.mirrors.Get(id)
	assert.False(t, ok)

	rec = doRequest(t, h, http.MethodDelete, "/api/agents/"+id, "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAPI_Call(t *testing.T) {
	rig := newTestRig(t, "")
	id := rig.register(t, 7001)
	rig.waitMirrored(t, id)
	h := rig.gw.Handler()
	managers := rig.agent.resources.List(resource.ComponentManager)
	require.Len(t, managers, 1)

	t.Run("success returns the raw result", func(t *testing.T) {
		rec := doRequest(t, h, http.MethodPost, "/api/agents/"+id+"/call", "", CallRequest{
			Method: "getComponentInfo",
			Params: json.RawMessage(`{"component":"` + managers[0] + `"}`),
		})
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		var r resource.Resource
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &r))
		assert.Equal(t, resource.ComponentManager, r.Component)
	})

	t.Run("agent error keeps its code", func(t *testing.T) {
		rec := doRequest(t, h, http.MethodPost, "/api/agents/"+id+"/call", "", CallRequest{
			Method: "getComponentInfo",
			Params: json.RawMessage(`{"component":"missing"}`),
		})
		require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
		var resp CallErrorResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, -32001, resp.Code)
	})

	t.Run("bad request shape", func(t *testing.T) {
		rec := doRequest(t, h, http.MethodPost, "/api/agents/"+id+"/call", "", CallRequest{})
		assert.Equal(t, http.StatusBadRequest, rec.Code)

		req := httptest.NewRequest(http.MethodPost, "/api/agents/"+id+"/call", strings.NewReader("{"))
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})

	t.Run("unknown agent", func(t *testing.T) {
		rec := doRequest(t, h, http.MethodPost, "/api/agents/nobody/call", "", CallRequest{Method: "getManagersCollection"})
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("unreachable agent", func(t *testing.T) {
		rig.agent.down.Store(true)
		defer rig.agent.down.Store(false)
		rec := doRequest(t, h, http.MethodPost, "/api/agents/"+id+"/call", "", CallRequest{Method: "getManagersCollection"})
		assert.Equal(t, http.StatusGatewayTimeout, rec.Code)
	})

	t.Run("offline agent", func(t *testing.T) {
		rig.heartbeat(t, id, 50)
		require.True(t, rig.heartbeat(t, id, 1).Reregister)
		rec := doRequest(t, h, http.MethodPost, "/api/agents/"+id+"/call", "", CallRequest{Method: "getManagersCollection"})
		assert.Equal(t, http.StatusConflict, rec.Code)
	})
}

func TestAPI_Auth(t *testing.T) {
	const secret = "test-secret-that-is-long-enough-for-hs256"
	rig := newTestRig(t, secret)
	h := rig.gw.Handler()
	issuer := auth.NewJWTVerifier([]byte(secret))

	token := func(role string) string {
		tok, err := issuer.Generate("principal-"+role, role, time.Hour)
		require.NoError(t, err)
		return tok
	}

	assert.Equal(t, http.StatusUnauthorized, doRequest(t, h, http.MethodGet, "/api/agents", "", nil).Code)
	assert.Equal(t, http.StatusUnauthorized, doRequest(t, h, http.MethodGet, "/api/agents", "garbage", nil).Code)
	assert.Equal(t, http.StatusForbidden, doRequest(t, h, http.MethodGet, "/api/agents", token(auth.RoleAgent), nil).Code)
	assert.Equal(t, http.StatusOK, doRequest(t, h, http.MethodGet, "/api/agents", token(auth.RoleCore), nil).Code)
	assert.Equal(t, http.StatusOK, doRequest(t, h, http.MethodGet, "/api/agents", token(auth.RoleOperator), nil).Code)
	assert.Equal(t, http.StatusForbidden, doRequest(t, h, http.MethodPost, "/api/agents/x/resync", token(auth.RoleCore), nil).Code)

	// Health stays open.
	assert.Equal(t, http.StatusOK, doRequest(t, h, http.MethodGet, "/health", "", nil).Code)

	register := map[string]any{
		"jsonrpc": "2.0",
		"id":      "1",
		"method":  agent.MethodRegister,
		"params":  agent.RegisterRequest{ListenerIP: "127.0.0.1", ListenerPort: 7001},
	}
	assert.Equal(t, http.StatusUnauthorized, doRequest(t, h, http.MethodPost, rpc.HTTPPath, "", register).Code)

	rec := doRequest(t, h, http.MethodPost, rpc.HTTPPath, token(auth.RoleAgent), register)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Result agent.RegisterResponse `json:"result"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, rig.gw.sessions.AgentIDFor("127.0.0.1", 7001), resp.Result.AgentID)
}
