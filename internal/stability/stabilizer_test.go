// ABOUTME: Tests for the identity stabilizer and the top-down tree pass.
// ABOUTME: Covers determinism, relation integrity, rollback on failure and idempotent re-runs.

package stability

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/gami/internal/resource"
	"github.com/2389/gami/internal/store"
)

var testNamespace = uuid.NameSpaceOID

func newStabilizer(s *resource.Store, sites ...RelationSite) *Stabilizer {
	cfg := Config{Namespace: testNamespace}
	if len(sites) > 0 {
		cfg.Sites = sites
	}
	return New(s, cfg, nil)
}

func child(id string, c resource.Component, parent string, pc resource.Component) resource.Resource {
	return resource.Resource{ID: id, Component: c, Parent: resource.Ref{ID: parent, Component: pc}}
}

// rackTree builds manager -> chassis -> {drive, drive, fan}, plus an endpoint that references a drive.
func rackTree(t *testing.T) *resource.Store {
	t.Helper()
	s := resource.New(nil)

	mgr := resource.Resource{ID: "e-mgr", Component: resource.ComponentManager, Identity: resource.Identity{SerialNumber: "MGR-1"}}
	require.NoError(t, s.Add(mgr))
	require.NoError(t, s.Add(child("e-chassis", resource.ComponentChassis, "e-mgr", resource.ComponentManager)))

	d1 := child("e-drive-1", resource.ComponentDrive, "e-chassis", resource.ComponentChassis)
	d1.Identity.SerialNumber = "SN-1"
	require.NoError(t, s.Add(d1))

	d2 := child("e-drive-2", resource.ComponentDrive, "e-chassis", resource.ComponentChassis)
	require.NoError(t, s.Add(d2))

	fan := child("e-fan", resource.ComponentFan, "e-chassis", resource.ComponentChassis)
	fan.Identity.SlotID = "2"
	fan.Links = map[string][]string{resource.LinkOEM: {"e-drive-1"}}
	require.NoError(t, s.Add(fan))

	ep := child("e-ep", resource.ComponentEndpoint, "e-mgr", resource.ComponentManager)
	ep.Identity.DeclaredID = "nqn.target"
	ep.ConnectedEntities = []resource.ConnectedEntity{{Entity: "e-drive-1", Role: "Target"}}
	require.NoError(t, s.Add(ep))

	require.NoError(t, s.Update("e-chassis", func(r *resource.Resource) {
		r.Links = map[string][]string{"drives": {"e-drive-1", "e-drive-2"}}
	}))
	require.NoError(t, s.Relate(resource.RelationChassisDrives, resource.Association{Parent: "e-chassis", Child: "e-drive-1"}))
	require.NoError(t, s.Relate(resource.RelationZoneEndpoints, resource.Association{Parent: "e-drive-1", Child: "e-ep"}))
	return s
}

func occurrences(s *resource.Store, id string) int {
	n := 0
	for _, r := range s.Snapshot() {
		for _, refs := range r.Links {
			for _, ref := range refs {
				if ref == id {
					n++
				}
			}
		}
		for _, ce := range r.ConnectedEntities {
			if ce.Entity == id {
				n++
			}
		}
		if r.Parent.ID == id {
			n++
		}
	}
	for _, name := range s.RelationNames() {
		for _, a := range s.Associations(name) {
			if a.Parent == id {
				n++
			}
			if a.Child == id {
				n++
			}
		}
	}
	return n
}

func TestStableID_Deterministic(t *testing.T) {
	assert.Equal(t, StableID(testNamespace, "_Drive_SN-1"), StableID(testNamespace, "_Drive_SN-1"))
	assert.NotEqual(t, StableID(testNamespace, "_Drive_SN-1"), StableID(uuid.NameSpaceDNS, "_Drive_SN-1"))

	seen := make(map[string]string)
	for i := range 5000 {
		key := fmt.Sprintf("_Drive_SN-%d", i)
		id := StableID(testNamespace, key)
		if prev, dup := seen[id]; dup {
			t.Fatalf("collision between %q and %q", prev, key)
		}
		seen[id] = key
	}
}

func TestStabilize_MACLessDriveIsNoop(t *testing.T) {
	s := rackTree(t)
	st := newStabilizer(s)
	ctx := context.Background()

	for range 3 {
		res, err := st.Stabilize(ctx, "e-drive-2")
		require.NoError(t, err)
		assert.Equal(t, OutcomeSkipped, res.Outcome)
		assert.Equal(t, "e-drive-2", res.ID)
	}

	r, err := s.Get("e-drive-2")
	require.NoError(t, err)
	assert.Empty(t, r.StableID)
	assert.Empty(t, r.UniqueKey)
}

func TestStabilize_RewritesEveryRelationSite(t *testing.T) {
	s := rackTree(t)
	st := newStabilizer(s)

	before := occurrences(s, "e-drive-1")
	require.Equal(t, 5, before)

	res, err := st.Stabilize(context.Background(), "e-drive-1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeStabilized, res.Outcome)
	assert.Equal(t, StableID(testNamespace, "_Drive_SN-1"), res.ID)
	assert.Equal(t, before, res.Rewrites)

	assert.Zero(t, occurrences(s, "e-drive-1"))
	assert.Equal(t, before, occurrences(s, res.ID))

	r, err := s.Get(res.ID)
	require.NoError(t, err)
	assert.Equal(t, "e-drive-1", r.ID)
	assert.Equal(t, "_Drive_SN-1", r.UniqueKey)
	assert.Equal(t, []string{res.ID, "e-drive-2"}, s.GetChildren("e-chassis", resource.ComponentDrive))
}

type failingSite struct{ component resource.Component }

func (f failingSite) Name() string                        { return "failing" }
func (f failingSite) Applies(c resource.Component) bool   { return c == f.component }
func (f failingSite) Rewrite(*resource.Tx, string, string) (int, error) {
	return 0, errors.New("index unavailable")
}

func TestStabilize_FailingSiteKeepsEphemeralID(t *testing.T) {
	s := rackTree(t)
	sites := append(DefaultSites(), failingSite{component: resource.ComponentDrive})
	st := newStabilizer(s, sites...)

	res, err := st.Stabilize(context.Background(), "e-drive-1")
	require.ErrorIs(t, err, ErrStabilizationFailed)
	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.Equal(t, "e-drive-1", res.ID)
	assert.Zero(t, res.Rewrites)

	r, err := s.Get("e-drive-1")
	require.NoError(t, err)
	assert.Empty(t, r.StableID)
	assert.Empty(t, r.UniqueKey)
	assert.Equal(t, 5, occurrences(s, "e-drive-1"))
	assert.False(t, s.Exists(StableID(testNamespace, "_Drive_SN-1")))
}

func TestStabilizeTree_FailureDoesNotBlockSiblings(t *testing.T) {
	s := rackTree(t)
	sites := append(DefaultSites(), failingSite{component: resource.ComponentDrive})
	st := New(s, Config{Namespace: testNamespace, ConfiguredParentID: "rack-7", Sites: sites}, nil)

	results := st.StabilizeAll(context.Background())
	sum := Summarize(results)

	assert.Equal(t, 1, sum[OutcomeFailed])
	assert.Equal(t, 1, sum[OutcomeSkipped])
	assert.Equal(t, 4, sum[OutcomeStabilized])

	assert.True(t, s.Exists("e-drive-1"))
	fans := s.List(resource.ComponentFan)
	require.Len(t, fans, 1)
	fan, err := s.Get(fans[0])
	require.NoError(t, err)
	assert.True(t, fan.IsStable())
	assert.Equal(t, []string{"e-drive-1"}, fan.Links[resource.LinkOEM])
}

func TestStabilizeTree_ParentBeforeChild(t *testing.T) {
	s := resource.New(nil)
	require.NoError(t, s.Add(resource.Resource{ID: "m", Component: resource.ComponentManager, Identity: resource.Identity{SerialNumber: "MGR-9"}}))
	require.NoError(t, s.Add(child("c", resource.ComponentChassis, "m", resource.ComponentManager)))
	require.NoError(t, s.Add(child("f", resource.ComponentFabric, "c", resource.ComponentChassis)))
	port := child("p", resource.ComponentPort, "f", resource.ComponentFabric)
	port.Identity.SlotID = "7"
	require.NoError(t, s.Add(port))

	st := newStabilizer(s)
	results := st.StabilizeTree(context.Background(), "m")
	require.Len(t, results, 4)
	for _, r := range results {
		assert.Equal(t, OutcomeStabilized, r.Outcome, r.PreviousID)
	}

	mgrID := StableID(testNamespace, "_Manager_MGR-9")
	chassisID := s.GetChildren(mgrID, "")[0]
	chassis, err := s.Get(chassisID)
	require.NoError(t, err)
	assert.Equal(t, "_Chassis_"+mgrID, chassis.UniqueKey)

	fabricID := s.GetChildren(chassisID, "")[0]
	fabric, err := s.Get(fabricID)
	require.NoError(t, err)
	assert.Equal(t, "_Fabric_"+chassis.StableID, fabric.UniqueKey)
	assert.Equal(t, chassisID, fabric.Parent.ID)

	portID := s.GetChildren(fabricID, "")[0]
	p, err := s.Get(portID)
	require.NoError(t, err)
	assert.Equal(t, "_Port_"+fabric.StableID+"_7", p.UniqueKey)
}

func TestStabilize_ChildFirstCannotDeriveKey(t *testing.T) {
	s := resource.New(nil)
	require.NoError(t, s.Add(resource.Resource{ID: "m", Component: resource.ComponentManager, Identity: resource.Identity{SerialNumber: "MGR-9"}}))
	require.NoError(t, s.Add(child("c", resource.ComponentChassis, "m", resource.ComponentManager)))
	require.NoError(t, s.Add(child("f", resource.ComponentFabric, "c", resource.ComponentChassis)))

	res, err := newStabilizer(s).Stabilize(context.Background(), "f")
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkipped, res.Outcome)
}

func TestStabilize_IdempotentAcrossRediscovery(t *testing.T) {
	ctx := context.Background()
	first := rackTree(t)
	newStabilizer(first).StabilizeAll(ctx)
	firstIDs := slices.Clone(first.List(resource.ComponentDrive))

	// Same hardware rediscovered after a restart gets fresh ephemeral ids.
	second := rackTree(t)
	st := newStabilizer(second)
	st.StabilizeAll(ctx)
	assert.Equal(t, firstIDs, second.List(resource.ComponentDrive))

	results := st.StabilizeAll(ctx)
	sum := Summarize(results)
	assert.Zero(t, sum[OutcomeStabilized])
	assert.Zero(t, sum[OutcomeFailed])
	assert.Equal(t, firstIDs, second.List(resource.ComponentDrive))
}

func TestStabilize_DuplicateKeyFails(t *testing.T) {
	s := rackTree(t)
	require.NoError(t, s.Update("e-drive-2", func(r *resource.Resource) {
		r.Identity.SerialNumber = "SN-1"
	}))
	st := newStabilizer(s)
	ctx := context.Background()

	_, err := st.Stabilize(ctx, "e-drive-1")
	require.NoError(t, err)

	res, err := st.Stabilize(ctx, "e-drive-2")
	require.ErrorIs(t, err, ErrStabilizationFailed)
	require.ErrorIs(t, err, resource.ErrDuplicateID)
	assert.Equal(t, "e-drive-2", res.ID)
	assert.True(t, s.Exists("e-drive-2"))
}

func TestStabilizeAll_MetricDefinitionsFirst(t *testing.T) {
	s := rackTree(t)
	def := resource.Resource{
		ID:        "e-def",
		Component: resource.ComponentMetricDefinition,
		Metric:    resource.MetricInfo{Component: resource.ComponentDrive, JSONPointer: "/Temperature"},
	}
	require.NoError(t, s.Add(def))
	m := child("e-metric", resource.ComponentMetric, "e-drive-1", resource.ComponentDrive)
	m.Metric = resource.MetricInfo{DefinitionID: "e-def", Name: "temp"}
	require.NoError(t, s.Add(m))

	results := newStabilizer(s).StabilizeAll(context.Background())
	defVisits := 0
	for _, r := range results {
		if r.Component == resource.ComponentMetricDefinition {
			defVisits++
		}
	}
	assert.Equal(t, 1, defVisits)

	defID := StableID(testNamespace, "Drive/Temperature")
	require.True(t, s.Exists(defID))
	metrics := s.List(resource.ComponentMetric)
	require.Len(t, metrics, 1)
	got, err := s.Get(metrics[0])
	require.NoError(t, err)
	assert.Equal(t, defID, got.Metric.DefinitionID)
	assert.Equal(t, "_Drive_SN-1Drive"+defID+"temp", got.UniqueKey)
}

func TestStabilize_RecordsLedger(t *testing.T) {
	s := rackTree(t)
	ledger := store.NewMockStore()
	st := New(s, Config{Namespace: testNamespace, AgentID: "agent-7", Ledger: ledger}, nil)

	res, err := st.Stabilize(context.Background(), "e-drive-1")
	require.NoError(t, err)

	row, err := ledger.GetIdentity(context.Background(), res.ID)
	require.NoError(t, err)
	assert.Equal(t, "_Drive_SN-1", row.UniqueKey)
	assert.Equal(t, "Drive", row.Component)
	assert.Equal(t, "agent-7", row.AgentID)
}
