// ABOUTME: Tests for the Stubs and Core command sets dispatched end to end.
// ABOUTME: Uses a real resource store, stabilizer and agent manager.

package builtins

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/gami/internal/agent"
	"github.com/2389/gami/internal/command"
	"github.com/2389/gami/internal/jsonrpc"
	"github.com/2389/gami/internal/resource"
	"github.com/2389/gami/internal/stability"
)

var testNamespace = uuid.MustParse("6ba7b811-9dad-11d1-80b4-00c04fd430c8")

type stubRig struct {
	store      *resource.Store
	dispatcher *command.Dispatcher
	managerID  string
	switchID   string
}

func newStubRig(t *testing.T) *stubRig {
	t.Helper()
	rs := resource.New(nil)
	stab := stability.New(rs, stability.Config{Namespace: testNamespace}, nil)

	mgr := resource.Resource{
		ID:        "mgr-eph",
		Component: resource.ComponentManager,
		Identity:  resource.Identity{SerialNumber: "MGR-1"},
	}
	require.NoError(t, rs.Add(mgr))
	sw := resource.Resource{
		ID:        "sw-eph",
		Component: resource.ComponentEthernetSwitch,
		Parent:    resource.Ref{ID: "mgr-eph", Component: resource.ComponentManager},
		Identity:  resource.Identity{SerialNumber: "SW-1"},
	}
	require.NoError(t, rs.Add(sw))
	stab.StabilizeAll(context.Background())

	reg := command.NewRegistry(nil)
	set := Stubs(rs, stab)
	require.Equal(t, len(set.Commands), set.RegisterAll(reg))
	reg.Freeze()

	return &stubRig{
		store:      rs,
		dispatcher: command.NewDispatcher(reg, ImplementationStubs, nil),
		managerID:  stability.StableID(testNamespace, "_Manager_MGR-1"),
		switchID:   stability.StableID(testNamespace, "_EthernetSwitch_SW-1"),
	}
}

func (r *stubRig) call(t *testing.T, method string, params any, out any) error {
	t.Helper()
	raw, err := json.Marshal(params)
	require.NoError(t, err)
	res, err := r.dispatcher.Dispatch(context.Background(), method, raw)
	if err != nil {
		return err
	}
	if out != nil {
		require.NoError(t, json.Unmarshal(res, out))
	}
	return nil
}

func codeOf(t *testing.T, err error) int {
	t.Helper()
	var rpcErr *jsonrpc.Error
	require.ErrorAs(t, err, &rpcErr)
	return rpcErr.Code
}

func TestStubs_Names(t *testing.T) {
	set := Stubs(resource.New(nil), nil)
	assert.Equal(t, []string{
		"getManagersCollection",
		"getCollection",
		"getComponentInfo",
		"setComponentAttributes",
		"addPort",
		"deleteEthernetSwitchPort",
	}, set.Names())
}

func TestStubs_Collections(t *testing.T) {
	rig := newStubRig(t)

	var managers []ManagerEntry
	require.NoError(t, rig.call(t, "getManagersCollection", map[string]any{}, &managers))
	assert.Equal(t, []ManagerEntry{{Manager: rig.managerID}}, managers)

	var members []SubcomponentEntry
	require.NoError(t, rig.call(t, "getCollection", map[string]any{"component": rig.managerID, "name": "EthernetSwitch"}, &members))
	assert.Equal(t, []SubcomponentEntry{{Subcomponent: rig.switchID, Type: resource.ComponentEthernetSwitch}}, members)

	require.NoError(t, rig.call(t, "getCollection", map[string]any{"component": rig.managerID, "name": "Drive"}, &members))
	assert.Empty(t, members)

	err := rig.call(t, "getCollection", map[string]any{"component": rig.managerID, "name": "Toasters"}, nil)
	assert.Equal(t, jsonrpc.CodeInvalidValue, codeOf(t, err))

	err = rig.call(t, "getCollection", map[string]any{"component": "nope"}, nil)
	assert.Equal(t, jsonrpc.CodeNotFound, codeOf(t, err))
}

func TestStubs_GetComponentInfo(t *testing.T) {
	rig := newStubRig(t)

	var info resource.Resource
	require.NoError(t, rig.call(t, "getComponentInfo", map[string]any{"component": rig.switchID}, &info))
	assert.Equal(t, rig.switchID, info.StableID)
	assert.Equal(t, "sw-eph", info.ID)
	assert.Equal(t, "_EthernetSwitch_SW-1", info.UniqueKey)
	assert.Equal(t, rig.managerID, info.Parent.ID)

	// The ephemeral id is gone once stabilized.
	err := rig.call(t, "getComponentInfo", map[string]any{"component": "sw-eph"}, nil)
	assert.Equal(t, jsonrpc.CodeNotFound, codeOf(t, err))
}

func TestStubs_SetComponentAttributes(t *testing.T) {
	rig := newStubRig(t)

	var info resource.Resource
	require.NoError(t, rig.call(t, "setComponentAttributes", map[string]any{
		"component":  rig.switchID,
		"attributes": map[string]any{"name": "ToR", "health": "Warning", "assetTag": "A-17"},
	}, &info))
	assert.Equal(t, "ToR", info.Name)
	assert.Equal(t, resource.HealthWarning, info.Status.Health)
	assert.Equal(t, "A-17", info.Attributes["assetTag"])

	err := rig.call(t, "setComponentAttributes", map[string]any{
		"component":  rig.switchID,
		"attributes": map[string]any{"health": "Melting"},
	}, nil)
	assert.Equal(t, jsonrpc.CodeInvalidValue, codeOf(t, err))

	err = rig.call(t, "setComponentAttributes", map[string]any{
		"component":  rig.switchID,
		"attributes": map[string]any{"speed": 100},
	}, nil)
	assert.Equal(t, jsonrpc.CodeInvalidValue, codeOf(t, err))

	err = rig.call(t, "setComponentAttributes", map[string]any{"component": rig.switchID}, nil)
	assert.Equal(t, jsonrpc.CodeInvalidParams, codeOf(t, err))
}

func TestStubs_AddAndDeletePort(t *testing.T) {
	rig := newStubRig(t)

	var added AddPortResult
	require.NoError(t, rig.call(t, "addPort", map[string]any{
		"switch":          rig.switchID,
		"port_identifier": "7",
		"name":            nil,
	}, &added))
	assert.Equal(t, stability.OutcomeStabilized, added.Outcome)
	assert.Equal(t, stability.StableID(testNamespace, "_EthernetSwitchPort_"+rig.switchID+"_7"), added.Port)
	assert.Equal(t, []string{added.Port}, rig.store.GetChildren(rig.switchID, resource.ComponentEthernetSwitchPort))

	err := rig.call(t, "addPort", map[string]any{"switch": rig.switchID, "port_identifier": "7"}, nil)
	assert.Equal(t, jsonrpc.CodeDuplicateID, codeOf(t, err))

	err = rig.call(t, "addPort", map[string]any{"switch": rig.managerID, "port_identifier": "8"}, nil)
	assert.Equal(t, jsonrpc.CodeInvalidValue, codeOf(t, err))

	err = rig.call(t, "deleteEthernetSwitchPort", map[string]any{"port": rig.switchID}, nil)
	assert.Equal(t, jsonrpc.CodeInvalidValue, codeOf(t, err))

	require.NoError(t, rig.call(t, "deleteEthernetSwitchPort", map[string]any{"port": added.Port}, nil))
	assert.False(t, rig.store.Exists(added.Port))

	err = rig.call(t, "deleteEthernetSwitchPort", map[string]any{"port": added.Port}, nil)
	assert.Equal(t, jsonrpc.CodeNotFound, codeOf(t, err))
}

func TestStubs_ConcurrentAddPortClaimsIdentifierOnce(t *testing.T) {
	rig := newStubRig(t)

	const callers = 32
	var wg sync.WaitGroup
	errs := make([]error, callers)
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = rig.call(t, "addPort", map[string]any{"switch": rig.switchID, "port_identifier": "9"}, nil)
		}()
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		assert.Equal(t, jsonrpc.CodeDuplicateID, codeOf(t, err))
	}
	assert.Equal(t, 1, succeeded)

	ports := rig.store.GetChildren(rig.switchID, resource.ComponentEthernetSwitchPort)
	require.Len(t, ports, 1)
	assert.Equal(t, stability.StableID(testNamespace, "_EthernetSwitchPort_"+rig.switchID+"_9"), ports[0])
}

func TestStubs_AddPortRejectsMissingIdentifierBeforeHandler(t *testing.T) {
	rig := newStubRig(t)
	before := rig.store.Len()

	err := rig.call(t, "addPort", map[string]any{"switch": rig.switchID}, nil)
	assert.Equal(t, jsonrpc.CodeInvalidParams, codeOf(t, err))
	assert.Equal(t, before, rig.store.Len())
}

type sinkRecorder struct {
	mu  sync.Mutex
	got []agent.ComponentNotification
	err error
}

func (s *sinkRecorder) HandleNotification(ctx context.Context, n agent.ComponentNotification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.got = append(s.got, n)
	return s.err
}

func newCoreDispatcher(t *testing.T, sink NotificationSink) (*command.Dispatcher, *agent.Manager) {
	t.Helper()
	m := agent.NewManager(agent.ManagerConfig{
		MinDelay:   7 * time.Second,
		EventsIP:   "10.0.0.1",
		EventsPort: 5050,
		Namespace:  testNamespace,
	})
	reg := command.NewRegistry(nil)
	Core(m, sink).RegisterAll(reg)
	reg.Freeze()
	return command.NewDispatcher(reg, ImplementationCore, nil), m
}

func TestCore_RegisterAndHeartbeat(t *testing.T) {
	d, m := newCoreDispatcher(t, nil)
	ctx := context.Background()

	raw, err := d.Dispatch(ctx, agent.MethodRegister, json.RawMessage(`{"listener_ip":"10.0.0.9","listener_port":7100}`))
	require.NoError(t, err)
	var reg agent.RegisterResponse
	require.NoError(t, json.Unmarshal(raw, &reg))
	assert.Equal(t, 7, reg.MinDelaySeconds)
	assert.Equal(t, m.AgentIDFor("10.0.0.9", 7100), reg.AgentID)

	raw, err = d.Dispatch(ctx, agent.MethodHeartbeat, json.RawMessage(`{"agent_id":"`+reg.AgentID+`","uptime_seconds":100}`))
	require.NoError(t, err)
	var hb agent.HeartbeatResponse
	require.NoError(t, json.Unmarshal(raw, &hb))
	assert.Equal(t, 7, hb.MinDelaySeconds)
	assert.False(t, hb.Reregister)

	raw, err = d.Dispatch(ctx, agent.MethodHeartbeat, json.RawMessage(`{"agent_id":"`+reg.AgentID+`","uptime_seconds":5}`))
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(raw, &hb))
	assert.True(t, hb.Reregister)
}

func TestCore_ErrorCodes(t *testing.T) {
	d, _ := newCoreDispatcher(t, nil)
	ctx := context.Background()

	_, err := d.Dispatch(ctx, agent.MethodHeartbeat, json.RawMessage(`{"agent_id":"ghost","uptime_seconds":1}`))
	assert.Equal(t, jsonrpc.CodeNotRegistered, codeOf(t, err))

	_, err = d.Dispatch(ctx, agent.MethodRegister, json.RawMessage(`{"listener_ip":"10.0.0.9","listener_port":0}`))
	assert.Equal(t, jsonrpc.CodeInvalidValue, codeOf(t, err))

	_, err = d.Dispatch(ctx, agent.MethodRegister, json.RawMessage(`{"listener_ip":"10.0.0.9","listener_port":"7100"}`))
	assert.Equal(t, jsonrpc.CodeInvalidParams, codeOf(t, err))

	_, err = d.Dispatch(ctx, "addPort", json.RawMessage(`{}`))
	assert.Equal(t, jsonrpc.CodeMethodNotFound, codeOf(t, err))
}

func TestCore_ComponentNotification(t *testing.T) {
	sink := &sinkRecorder{}
	d, _ := newCoreDispatcher(t, sink)
	ctx := context.Background()

	params := json.RawMessage(`{"agent_id":"a1","seq":3,"kind":"rekeyed","component":"Drive","id":"new","previous_id":"old"}`)
	require.NoError(t, d.Notify(ctx, agent.MethodComponentNotification, params))
	require.Len(t, sink.got, 1)
	assert.Equal(t, agent.ComponentNotification{
		AgentID: "a1", Seq: 3, Kind: "rekeyed", Component: "Drive", ID: "new", PreviousID: "old",
	}, sink.got[0])

	err := d.Notify(ctx, agent.MethodComponentNotification, json.RawMessage(`{"agent_id":"a1","seq":4,"kind":"exploded","component":"Drive","id":"x"}`))
	assert.Equal(t, jsonrpc.CodeInvalidParams, codeOf(t, err))
	assert.Len(t, sink.got, 1)

	sink.err = agent.ErrNotRegistered
	err = d.Notify(ctx, agent.MethodComponentNotification, json.RawMessage(`{"agent_id":"a9","seq":1,"kind":"added","component":"Drive","id":"x"}`))
	assert.Equal(t, jsonrpc.CodeNotRegistered, codeOf(t, err))

	sink.err = errors.New("disk full")
	err = d.Notify(ctx, agent.MethodComponentNotification, json.RawMessage(`{"agent_id":"a1","seq":5,"kind":"added","component":"Drive","id":"y"}`))
	assert.Equal(t, jsonrpc.CodeInternalError, codeOf(t, err))
}
