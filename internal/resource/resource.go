// ABOUTME: Resource model shared by every agent: component tags, references, status and hardware facts.
// ABOUTME: Resources are plain values owned by the Store and refer to each other by id only.

package resource

import (
	"maps"
	"slices"
)

// Component tags the type of a discovered resource.
type Component string

const (
	ComponentManager            Component = "Manager"
	ComponentChassis            Component = "Chassis"
	ComponentSystem             Component = "System"
	ComponentFabric             Component = "Fabric"
	ComponentStorageSubsystem   Component = "StorageSubsystem"
	ComponentDrive              Component = "Drive"
	ComponentProcessor          Component = "Processor"
	ComponentMemory             Component = "Memory"
	ComponentNetworkInterface   Component = "NetworkInterface"
	ComponentEthernetSwitch     Component = "EthernetSwitch"
	ComponentEthernetSwitchPort Component = "EthernetSwitchPort"
	ComponentPcieSwitch         Component = "PcieSwitch"
	ComponentPcieDevice         Component = "PcieDevice"
	ComponentPcieFunction       Component = "PcieFunction"
	ComponentPort               Component = "Port"
	ComponentZone               Component = "Zone"
	ComponentEndpoint           Component = "Endpoint"
	ComponentVolume             Component = "Volume"
	ComponentPowerZone          Component = "PowerZone"
	ComponentThermalZone        Component = "ThermalZone"
	ComponentPsu                Component = "Psu"
	ComponentFan                Component = "Fan"
	ComponentMetric             Component = "Metric"
	ComponentMetricDefinition   Component = "MetricDefinition"
)

var components = []Component{
	ComponentManager, ComponentChassis, ComponentSystem, ComponentFabric,
	ComponentStorageSubsystem, ComponentDrive, ComponentProcessor, ComponentMemory,
	ComponentNetworkInterface, ComponentEthernetSwitch, ComponentEthernetSwitchPort,
	ComponentPcieSwitch, ComponentPcieDevice, ComponentPcieFunction, ComponentPort,
	ComponentZone, ComponentEndpoint, ComponentVolume, ComponentPowerZone,
	ComponentThermalZone, ComponentPsu, ComponentFan, ComponentMetric,
	ComponentMetricDefinition,
}

// Components returns every known component tag.
func Components() []Component {
	return slices.Clone(components)
}

// ParseComponent converts a wire string into a Component.
func ParseComponent(s string) (Component, bool) {
	for _, c := range components {
		if string(c) == s {
			return c, true
		}
	}
	return "", false
}

// Ref points at a resource by its current id.
// The zero Ref means "no parent" and is only valid for roots.
type Ref struct {
	ID        string    `json:"id" yaml:"id"`
	Component Component `json:"component" yaml:"component"`
}

// IsZero reports whether the ref points at nothing.
func (r Ref) IsZero() bool {
	return r.ID == ""
}

// Status is the mutable health of a resource, updated independently of identity.
type Status struct {
	State  string `json:"state" yaml:"state"`
	Health string `json:"health" yaml:"health"`
}

// Status values used by the stub agents.
const (
	StateEnabled  = "Enabled"
	StateDisabled = "Disabled"
	StateAbsent   = "Absent"

	HealthOK       = "OK"
	HealthWarning  = "Warning"
	HealthCritical = "Critical"
)

// Identity carries the hardware-intrinsic facts a unique key can be derived from.
type Identity struct {
	MACAddress   string `json:"mac_address,omitempty" yaml:"mac_address"`
	SerialNumber string `json:"serial_number,omitempty" yaml:"serial_number"`
	SlotID       string `json:"slot_id,omitempty" yaml:"slot_id"`
	DeclaredID   string `json:"declared_id,omitempty" yaml:"declared_id"`
}

// ConnectedEntity links an endpoint to the resource it exposes and the role it plays.
type ConnectedEntity struct {
	Entity string `json:"entity" yaml:"entity"`
	Role   string `json:"role" yaml:"role"`
}

// MetricInfo is set on Metric and MetricDefinition resources.
type MetricInfo struct {
	// Component is the type of resource the metric describes.
	Component    Component `json:"component,omitempty" yaml:"component"`
	DefinitionID string    `json:"metric_definition_id,omitempty" yaml:"metric_definition_id"`
	Name         string    `json:"name,omitempty" yaml:"name"`
	JSONPointer  string    `json:"json_pointer,omitempty" yaml:"json_pointer"`
}

// Link names for the cross-reference fields resources carry.
const (
	LinkChassis          = "chassis"
	LinkDSPPorts         = "dsp_ports"
	LinkFunctionalDevice = "functional_device"
	LinkOEM              = "oem"
)

// Resource is a discovered hardware or firmware component.
type Resource struct {
	// ID is the ephemeral id generated at discovery time.
	ID string `json:"id"`
	// StableID is set once stabilization has run; it then becomes the current id.
	StableID string `json:"stable_id,omitempty"`
	// UniqueKey is the derived fact StableID was computed from.
	UniqueKey string `json:"unique_key,omitempty"`

	Component Component `json:"component"`
	Parent    Ref       `json:"parent"`
	Name      string    `json:"name,omitempty"`
	Status    Status    `json:"status"`
	Identity  Identity  `json:"identity"`

	ConnectedEntities []ConnectedEntity   `json:"connected_entities,omitempty"`
	Links             map[string][]string `json:"links,omitempty"`
	Metric            MetricInfo          `json:"metric,omitzero"`
	Attributes        map[string]string   `json:"attributes,omitempty"`
}

// CurrentID returns the externally visible id: the stable id once assigned, the ephemeral id before.
func (r Resource) CurrentID() string {
	if r.StableID != "" {
		return r.StableID
	}
	return r.ID
}

// IsStable reports whether a stable id has been assigned.
func (r Resource) IsStable() bool {
	return r.StableID != ""
}

// Ref returns a reference to the resource's current id.
func (r Resource) Ref() Ref {
	return Ref{ID: r.CurrentID(), Component: r.Component}
}

// Clone returns a deep copy so callers never share slices or maps with the Store.
func (r Resource) Clone() Resource {
	out := r
	out.ConnectedEntities = slices.Clone(r.ConnectedEntities)
	out.Attributes = maps.Clone(r.Attributes)
	if r.Links != nil {
		out.Links = make(map[string][]string, len(r.Links))
		for k, v := range r.Links {
			out.Links[k] = slices.Clone(v)
		}
	}
	return out
}
