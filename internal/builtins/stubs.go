// ABOUTME: Stubs command set served by the stub agent over its resource store.
// ABOUTME: Mutating commands go through the store so changes are published as notifications.

package builtins

import (
	"context"
	"fmt"
	"slices"

	"github.com/google/uuid"

	"github.com/2389/gami/internal/command"
	"github.com/2389/gami/internal/resource"
	"github.com/2389/gami/internal/stability"
)

var (
	states   = []string{resource.StateEnabled, resource.StateDisabled, resource.StateAbsent}
	healths  = []string{resource.HealthOK, resource.HealthWarning, resource.HealthCritical}
	reserved = []string{"name", "state", "health"}
)

// Stubs creates the Stubs command set.
func Stubs(rs *resource.Store, stab *stability.Stabilizer) *Set {
	h := &stubHandlers{store: rs, stabilizer: stab}
	return &Set{
		Implementation: ImplementationStubs,
		Commands: []Command{
			{
				Group:   "common",
				Name:    "getManagersCollection",
				Handler: command.New(command.Schema{}, h.GetManagersCollection),
			},
			{
				Group: "common",
				Name:  "getCollection",
				Handler: command.New(command.Schema{
					command.Required("component", command.KindString),
					command.Optional("name", command.KindString),
				}, h.GetCollection),
			},
			{
				Group: "common",
				Name:  "getComponentInfo",
				Handler: command.New(command.Schema{
					command.Required("component", command.KindString),
				}, h.GetComponentInfo),
			},
			{
				Group: "common",
				Name:  "setComponentAttributes",
				Handler: command.New(command.Schema{
					command.Required("component", command.KindString),
					command.Required("attributes", command.KindObject),
				}, h.SetComponentAttributes),
			},
			{
				Group: "network",
				Name:  "addPort",
				Handler: command.New(command.Schema{
					command.Required("switch", command.KindString),
					command.Required("port_identifier", command.KindString),
					command.Optional("mac_address", command.KindString),
					{Name: "name", Kind: command.KindString, Nullable: true},
				}, h.AddEthernetSwitchPort),
			},
			{
				Group: "network",
				Name:  "deleteEthernetSwitchPort",
				Handler: command.New(command.Schema{
					command.Required("port", command.KindString),
				}, h.DeleteEthernetSwitchPort),
			},
		},
	}
}

type stubHandlers struct {
	store      *resource.Store
	stabilizer *stability.Stabilizer
}

// ManagerEntry is one member of getManagersCollection.
type ManagerEntry struct {
	Manager string `json:"manager"`
}

func (h *stubHandlers) GetManagersCollection(ctx context.Context, _ command.Empty) ([]ManagerEntry, error) {
	out := []ManagerEntry{}
	for _, id := range h.store.Roots() {
		r, err := h.store.Get(id)
		if err != nil || r.Component != resource.ComponentManager {
			continue
		}
		out = append(out, ManagerEntry{Manager: id})
	}
	return out, nil
}

type getCollectionInput struct {
	Component string `json:"component"`
	Name      string `json:"name"`
}

// SubcomponentEntry is one member of getCollection.
type SubcomponentEntry struct {
	Subcomponent string             `json:"subcomponent"`
	Type         resource.Component `json:"type"`
}

func (h *stubHandlers) GetCollection(ctx context.Context, in getCollectionInput) ([]SubcomponentEntry, error) {
	if !h.store.Exists(in.Component) {
		return nil, fmt.Errorf("%w: component %s", resource.ErrNotFound, in.Component)
	}

	var filter resource.Component
	if in.Name != "" {
		c, ok := resource.ParseComponent(in.Name)
		if !ok {
			return nil, fmt.Errorf("%w: unknown collection %q", command.ErrInvalidValue, in.Name)
		}
		filter = c
	}

	out := []SubcomponentEntry{}
	for _, id := range h.store.GetChildren(in.Component, filter) {
		r, err := h.store.Get(id)
		if err != nil {
			continue
		}
		out = append(out, SubcomponentEntry{Subcomponent: id, Type: r.Component})
	}
	return out, nil
}

type componentInput struct {
	Component string `json:"component"`
}

func (h *stubHandlers) GetComponentInfo(ctx context.Context, in componentInput) (resource.Resource, error) {
	return h.store.Get(in.Component)
}

type setAttributesInput struct {
	Component  string         `json:"component"`
	Attributes map[string]any `json:"attributes"`
}

func (h *stubHandlers) SetComponentAttributes(ctx context.Context, in setAttributesInput) (resource.Resource, error) {
	values := make(map[string]string, len(in.Attributes))
	for k, v := range in.Attributes {
		s, ok := v.(string)
		if !ok {
			return resource.Resource{}, fmt.Errorf("%w: attribute %q must be a string", command.ErrInvalidValue, k)
		}
		values[k] = s
	}
	if s, ok := values["state"]; ok && !slices.Contains(states, s) {
		return resource.Resource{}, fmt.Errorf("%w: state %q", command.ErrInvalidValue, s)
	}
	if s, ok := values["health"]; ok && !slices.Contains(healths, s) {
		return resource.Resource{}, fmt.Errorf("%w: health %q", command.ErrInvalidValue, s)
	}

	err := h.store.Update(in.Component, func(r *resource.Resource) {
		for k, v := range values {
			switch k {
			case "name":
				r.Name = v
			case "state":
				r.Status.State = v
			case "health":
				r.Status.Health = v
			default:
				if r.Attributes == nil {
					r.Attributes = make(map[string]string)
				}
				r.Attributes[k] = v
			}
		}
	})
	if err != nil {
		return resource.Resource{}, err
	}
	return h.store.Get(in.Component)
}

type addPortInput struct {
	Switch         string  `json:"switch"`
	PortIdentifier string  `json:"port_identifier"`
	MACAddress     string  `json:"mac_address"`
	Name           *string `json:"name"`
}

// AddPortResult names the created port by its current id.
type AddPortResult struct {
	Port    string            `json:"port"`
	Outcome stability.Outcome `json:"outcome"`
}

func (h *stubHandlers) AddEthernetSwitchPort(ctx context.Context, in addPortInput) (AddPortResult, error) {
	if in.PortIdentifier == "" {
		return AddPortResult{}, fmt.Errorf("%w: port_identifier must not be empty", command.ErrInvalidValue)
	}

	port := resource.Resource{
		ID:        uuid.New().String(),
		Component: resource.ComponentEthernetSwitchPort,
		Name:      "Port " + in.PortIdentifier,
		Status:    resource.Status{State: resource.StateEnabled, Health: resource.HealthOK},
		Identity: resource.Identity{
			SlotID:     in.PortIdentifier,
			MACAddress: in.MACAddress,
		},
	}
	if in.Name != nil {
		port.Name = *in.Name
	}

	// The identifier check and the insert share one transaction so concurrent
	// addPort calls cannot both claim the same identifier.
	err := h.store.Atomic(func(tx *resource.Tx) error {
		sw, ok := tx.Get(in.Switch)
		if !ok {
			return fmt.Errorf("%w: %s", resource.ErrNotFound, in.Switch)
		}
		if sw.Component != resource.ComponentEthernetSwitch {
			return fmt.Errorf("%w: %s is a %s, not an EthernetSwitch", command.ErrInvalidValue, in.Switch, sw.Component)
		}
		for _, id := range tx.Children(in.Switch, resource.ComponentEthernetSwitchPort) {
			if existing, ok := tx.Get(id); ok && existing.Identity.SlotID == in.PortIdentifier {
				return fmt.Errorf("%w: port %s already exists on %s", resource.ErrDuplicateID, in.PortIdentifier, in.Switch)
			}
		}
		port.Parent = sw.Ref()
		return tx.Add(port)
	})
	if err != nil {
		return AddPortResult{}, err
	}

	res, _ := h.stabilizer.Stabilize(ctx, port.ID)
	return AddPortResult{Port: res.ID, Outcome: res.Outcome}, nil
}

type deletePortInput struct {
	Port string `json:"port"`
}

func (h *stubHandlers) DeleteEthernetSwitchPort(ctx context.Context, in deletePortInput) (command.Empty, error) {
	port, err := h.store.Get(in.Port)
	if err != nil {
		return command.Empty{}, err
	}
	if port.Component != resource.ComponentEthernetSwitchPort {
		return command.Empty{}, fmt.Errorf("%w: %s is a %s, not an EthernetSwitchPort", command.ErrInvalidValue, in.Port, port.Component)
	}
	return command.Empty{}, h.store.Remove(in.Port)
}
