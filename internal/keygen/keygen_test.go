// ABOUTME: Tests for unique key derivation policies.
// ABOUTME: The full key table is pinned in a golden file; keys must be byte-identical across runs.

package keygen

import (
	"fmt"
	"strings"
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"

	"github.com/2389/gami/internal/resource"
)

var (
	stableManager = &resource.Resource{
		ID:        "m",
		StableID:  "22222222-2222-5222-8222-222222222222",
		UniqueKey: "_Manager_MGR-001",
		Component: resource.ComponentManager,
	}
	stableChassis = &resource.Resource{
		ID:        "c",
		StableID:  "11111111-1111-5111-8111-111111111111",
		UniqueKey: "_Chassis_rack-7",
		Component: resource.ComponentChassis,
	}
	unstableChassis = &resource.Resource{ID: "u", Component: resource.ComponentChassis}
	keyedDrive      = &resource.Resource{
		ID:        "d",
		StableID:  "33333333-3333-5333-8333-333333333333",
		UniqueKey: "_Drive_S3R14L",
		Component: resource.ComponentDrive,
	}
)

type keyCase struct {
	name string
	r    resource.Resource
	c    Context
}

func keyCases() []keyCase {
	targets := []resource.ConnectedEntity{{Entity: "e1", Role: "Target"}, {Entity: "e2", Role: "Initiator"}}
	return []keyCase{
		{"manager_serial", resource.Resource{Component: resource.ComponentManager, Identity: resource.Identity{SerialNumber: "MGR-001"}}, Context{}},
		{"manager_no_serial", resource.Resource{Component: resource.ComponentManager}, Context{}},
		{"drive_serial", resource.Resource{Component: resource.ComponentDrive, Identity: resource.Identity{SerialNumber: "S3R14L"}}, Context{Parent: stableChassis}},
		{"drive_macless", resource.Resource{Component: resource.ComponentDrive}, Context{Parent: stableChassis}},
		{"nic_mac", resource.Resource{Component: resource.ComponentNetworkInterface, Identity: resource.Identity{MACAddress: "00:1b:21:aa:bb:cc"}}, Context{}},
		{"nic_no_mac", resource.Resource{Component: resource.ComponentNetworkInterface, Identity: resource.Identity{SerialNumber: "ignored"}}, Context{}},
		{"chassis_configured_parent", resource.Resource{Component: resource.ComponentChassis}, Context{Parent: stableManager, ConfiguredParentID: "rack-7"}},
		{"chassis_under_manager_no_config", resource.Resource{Component: resource.ComponentChassis}, Context{Parent: stableManager}},
		{"fabric_under_unstable_parent", resource.Resource{Component: resource.ComponentFabric}, Context{Parent: unstableChassis, ConfiguredParentID: "rack-7"}},
		{"system_under_chassis", resource.Resource{Component: resource.ComponentSystem}, Context{Parent: stableChassis, ConfiguredParentID: "rack-7"}},
		{"port_slot", resource.Resource{Component: resource.ComponentPort, Identity: resource.Identity{SlotID: "3"}}, Context{Parent: stableChassis}},
		{"port_no_slot", resource.Resource{Component: resource.ComponentPort}, Context{Parent: stableChassis}},
		{"endpoint_roles", resource.Resource{Component: resource.ComponentEndpoint, Identity: resource.Identity{DeclaredID: "ep-1"}, ConnectedEntities: targets}, Context{}},
		{"endpoint_roles_reordered", resource.Resource{Component: resource.ComponentEndpoint, Identity: resource.Identity{DeclaredID: "ep-1"}, ConnectedEntities: []resource.ConnectedEntity{targets[1], targets[0]}}, Context{}},
		{"endpoint_no_entities", resource.Resource{Component: resource.ComponentEndpoint, Identity: resource.Identity{DeclaredID: "ep-1"}}, Context{}},
		{"metric", resource.Resource{Component: resource.ComponentMetric, Metric: resource.MetricInfo{DefinitionID: "def-9", Name: "temp"}}, Context{Parent: keyedDrive}},
		{"metric_parent_unkeyed", resource.Resource{Component: resource.ComponentMetric, Metric: resource.MetricInfo{DefinitionID: "def-9", Name: "temp"}}, Context{Parent: unstableChassis}},
		{"metric_definition_named", resource.Resource{Component: resource.ComponentMetricDefinition, Metric: resource.MetricInfo{Component: resource.ComponentDrive, JSONPointer: "/Temperature", Name: "temp"}}, Context{}},
		{"metric_definition_unnamed", resource.Resource{Component: resource.ComponentMetricDefinition, Metric: resource.MetricInfo{Component: resource.ComponentDrive, JSONPointer: "/Temperature"}}, Context{}},
		{"volume", resource.Resource{Component: resource.ComponentVolume, Identity: resource.Identity{DeclaredID: "vol-a"}}, Context{}},
	}
}

func TestUniqueKey_Golden(t *testing.T) {
	var b strings.Builder
	for _, tc := range keyCases() {
		key, ok := UniqueKey(tc.r, tc.c)
		if !ok {
			key = "-"
		}
		fmt.Fprintf(&b, "%s\t%s\n", tc.name, key)
	}

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, "unique_keys", []byte(b.String()))
}

func TestUniqueKey_Deterministic(t *testing.T) {
	for _, tc := range keyCases() {
		first, ok1 := UniqueKey(tc.r, tc.c)
		second, ok2 := UniqueKey(tc.r, tc.c)
		assert.Equal(t, ok1, ok2, tc.name)
		assert.Equal(t, first, second, tc.name)
	}
}

func TestUniqueKey_EndpointRoleChangeChangesKey(t *testing.T) {
	r := resource.Resource{
		Component:         resource.ComponentEndpoint,
		Identity:          resource.Identity{DeclaredID: "ep-1"},
		ConnectedEntities: []resource.ConnectedEntity{{Entity: "e1", Role: "Target"}},
	}
	before, ok := UniqueKey(r, Context{})
	assert.True(t, ok)

	r.ConnectedEntities[0].Role = "Initiator"
	after, ok := UniqueKey(r, Context{})
	assert.True(t, ok)
	assert.NotEqual(t, before, after)
}

func TestUniqueKey_MetricNamesDoNotCollide(t *testing.T) {
	a := resource.Resource{Component: resource.ComponentMetric, Metric: resource.MetricInfo{DefinitionID: "def", Name: "a"}}
	b := resource.Resource{Component: resource.ComponentMetric, Metric: resource.MetricInfo{DefinitionID: "def", Name: "b"}}

	ka, _ := UniqueKey(a, Context{Parent: keyedDrive})
	kb, _ := UniqueKey(b, Context{Parent: keyedDrive})
	assert.NotEqual(t, ka, kb)
}

func TestUniqueKey_UnknownComponent(t *testing.T) {
	_, ok := UniqueKey(resource.Resource{Component: "Toaster"}, Context{})
	assert.False(t, ok)
	assert.False(t, Supported("Toaster"))
	assert.True(t, Supported(resource.ComponentDrive))
}
