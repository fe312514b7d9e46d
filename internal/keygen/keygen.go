// ABOUTME: Unique key derivation, one pure policy per component type.
// ABOUTME: A key is the hardware fact a stable id is computed from; no key means "cannot stabilize".

package keygen

import (
	"slices"
	"strings"

	"github.com/2389/gami/internal/resource"
)

// Context carries the ancestor facts a key may depend on.
type Context struct {
	// Parent is the parent resource as currently stored, nil for roots.
	Parent *resource.Resource
	// ConfiguredParentID is the out-of-band location id of the manager this agent runs under.
	ConfiguredParentID string
}

type policy func(r *resource.Resource, c Context) (string, bool)

var policies = map[resource.Component]policy{
	resource.ComponentManager:            serial,
	resource.ComponentDrive:              serial,
	resource.ComponentProcessor:          serial,
	resource.ComponentPcieDevice:         serial,
	resource.ComponentPcieSwitch:         serial,
	resource.ComponentEthernetSwitch:     serial,
	resource.ComponentChassis:            inherited,
	resource.ComponentFabric:             inherited,
	resource.ComponentSystem:             inherited,
	resource.ComponentStorageSubsystem:   inherited,
	resource.ComponentPort:               slotted,
	resource.ComponentZone:               slotted,
	resource.ComponentEthernetSwitchPort: slotted,
	resource.ComponentMemory:             slotted,
	resource.ComponentFan:                slotted,
	resource.ComponentPsu:                slotted,
	resource.ComponentPowerZone:          slotted,
	resource.ComponentThermalZone:        slotted,
	resource.ComponentPcieFunction:       slotted,
	resource.ComponentVolume:             declared,
	resource.ComponentNetworkInterface:   macAddress,
	resource.ComponentEndpoint:           endpoint,
	resource.ComponentMetric:             metric,
	resource.ComponentMetricDefinition:   metricDefinition,
}

// UniqueKey derives the unique key for r. The second return is false when the
// facts the policy needs are missing, or when the component has no policy.
func UniqueKey(r resource.Resource, c Context) (string, bool) {
	p, ok := policies[r.Component]
	if !ok {
		return "", false
	}
	return p(&r, c)
}

// Supported reports whether the component has a key policy at all.
func Supported(component resource.Component) bool {
	_, ok := policies[component]
	return ok
}

func base(component resource.Component) string {
	return "_" + string(component) + "_"
}

func serial(r *resource.Resource, _ Context) (string, bool) {
	if r.Identity.SerialNumber == "" {
		return "", false
	}
	return base(r.Component) + r.Identity.SerialNumber, true
}

// inherited covers resources with no hardware identity of their own. Directly
// under a manager they take the configured location id; otherwise the parent's stable id.
func inherited(r *resource.Resource, c Context) (string, bool) {
	underManager := c.Parent == nil || c.Parent.Component == resource.ComponentManager
	if underManager && c.ConfiguredParentID != "" {
		return base(r.Component) + c.ConfiguredParentID, true
	}
	if c.Parent == nil || !c.Parent.IsStable() {
		return "", false
	}
	return base(r.Component) + c.Parent.StableID, true
}

func slotted(r *resource.Resource, c Context) (string, bool) {
	if r.Identity.SlotID == "" || c.Parent == nil || !c.Parent.IsStable() {
		return "", false
	}
	return base(r.Component) + c.Parent.StableID + "_" + r.Identity.SlotID, true
}

func declared(r *resource.Resource, _ Context) (string, bool) {
	if r.Identity.DeclaredID == "" {
		return "", false
	}
	return base(r.Component) + r.Identity.DeclaredID, true
}

func macAddress(r *resource.Resource, _ Context) (string, bool) {
	if r.Identity.MACAddress == "" {
		return "", false
	}
	return r.Identity.MACAddress, true
}

// endpoint keys on the declared id plus the sorted roles of its connected entities,
// so reordering connections keeps the key while a role change does not.
func endpoint(r *resource.Resource, _ Context) (string, bool) {
	if r.Identity.DeclaredID == "" {
		return "", false
	}
	var roles []string
	for _, ce := range r.ConnectedEntities {
		if ce.Role != "" {
			roles = append(roles, ce.Role)
		}
	}
	if len(roles) == 0 {
		return "", false
	}
	slices.Sort(roles)
	return r.Identity.DeclaredID + strings.Join(roles, ""), true
}

func metric(r *resource.Resource, c Context) (string, bool) {
	if c.Parent == nil || c.Parent.UniqueKey == "" || r.Metric.DefinitionID == "" {
		return "", false
	}
	return c.Parent.UniqueKey + string(c.Parent.Component) + r.Metric.DefinitionID + r.Metric.Name, true
}

func metricDefinition(r *resource.Resource, _ Context) (string, bool) {
	if r.Metric.Component == "" || r.Metric.JSONPointer == "" {
		return "", false
	}
	return string(r.Metric.Component) + r.Metric.JSONPointer + r.Metric.Name, true
}
