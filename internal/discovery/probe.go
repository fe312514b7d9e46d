// ABOUTME: Probe contract and the YAML fixture probe used by the stub agent.
// ABOUTME: Fixture nodes name each other by local refs that become ephemeral ids.

package discovery

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/2389/gami/internal/resource"
)

// ErrInvalidFixture is returned for fixtures that cannot be turned into an inventory.
var ErrInvalidFixture = errors.New("invalid fixture")

// Inventory is one probe result. Resources are ordered parent before child.
type Inventory struct {
	Resources []resource.Resource
	Relations []Relation
}

// Relation is one association table entry reported by a probe.
type Relation struct {
	Table string
	resource.Association
}

// Probe reads hardware facts. Every call returns fresh ephemeral ids.
type Probe interface {
	Probe(ctx context.Context) (*Inventory, error)
}

// ProbeFunc adapts a function to Probe.
type ProbeFunc func(ctx context.Context) (*Inventory, error)

// Probe calls f.
func (f ProbeFunc) Probe(ctx context.Context) (*Inventory, error) {
	return f(ctx)
}

// Fixture is the YAML layout read by FixtureProbe.
type Fixture struct {
	Resources []Node         `yaml:"resources"`
	Relations []FixtureEntry `yaml:"relations"`
}

// Node is one fixture resource and its children.
type Node struct {
	// Ref names the node inside the fixture; links and relations use it.
	Ref       string              `yaml:"ref"`
	Component string              `yaml:"component"`
	Name      string              `yaml:"name"`
	Status    resource.Status     `yaml:"status"`
	Identity  resource.Identity   `yaml:"identity"`
	Metric    FixtureMetric       `yaml:"metric"`
	Links     map[string][]string `yaml:"links"`
	Connected []FixtureEntity     `yaml:"connected_entities"`
	Attrs     map[string]string   `yaml:"attributes"`
	Children  []Node              `yaml:"children"`
}

// FixtureMetric describes a Metric or MetricDefinition node. Definition is a ref.
type FixtureMetric struct {
	Component   string `yaml:"component"`
	Definition  string `yaml:"definition"`
	Name        string `yaml:"name"`
	JSONPointer string `yaml:"json_pointer"`
}

// FixtureEntity is an endpoint's connected entity, by ref.
type FixtureEntity struct {
	Entity string `yaml:"entity"`
	Role   string `yaml:"role"`
}

// FixtureEntry is an association between two refs.
type FixtureEntry struct {
	Table  string `yaml:"table"`
	Parent string `yaml:"parent"`
	Child  string `yaml:"child"`
}

// FixtureProbe serves an inventory parsed from YAML.
type FixtureProbe struct {
	fixture Fixture
	agentID string
	newID   func() string
}

// LoadFixture reads a fixture file.
func LoadFixture(path, agentID string) (*FixtureProbe, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading fixture: %w", err)
	}
	return ParseFixture(data, agentID)
}

// ParseFixture parses fixture YAML. The result is validated by a dry run.
func ParseFixture(data []byte, agentID string) (*FixtureProbe, error) {
	var f Fixture
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidFixture, err)
	}
	p := &FixtureProbe{fixture: f, agentID: agentID, newID: func() string { return uuid.New().String() }}
	if _, err := p.Probe(context.Background()); err != nil {
		return nil, err
	}
	return p, nil
}

// Probe builds a fresh inventory from the fixture.
func (p *FixtureProbe) Probe(ctx context.Context) (*Inventory, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	ids := make(map[string]string)
	var assign func(nodes []Node) error
	assign = func(nodes []Node) error {
		for _, n := range nodes {
			id := p.newID()
			if n.Ref != "" {
				if _, dup := ids[n.Ref]; dup {
					return fmt.Errorf("%w: duplicate ref %q", ErrInvalidFixture, n.Ref)
				}
				ids[n.Ref] = id
			}
			if err := assign(n.Children); err != nil {
				return err
			}
		}
		return nil
	}
	if err := assign(p.fixture.Resources); err != nil {
		return nil, err
	}

	resolve := func(ref string) (string, error) {
		id, ok := ids[ref]
		if !ok {
			return "", fmt.Errorf("%w: unknown ref %q", ErrInvalidFixture, ref)
		}
		return id, nil
	}

	inv := &Inventory{}
	var build func(nodes []Node, parent resource.Ref) error
	build = func(nodes []Node, parent resource.Ref) error {
		for _, n := range nodes {
			r, err := p.toResource(n, parent, ids, resolve)
			if err != nil {
				return err
			}
			inv.Resources = append(inv.Resources, r)
			if err := build(n.Children, r.Ref()); err != nil {
				return err
			}
		}
		return nil
	}
	if err := build(p.fixture.Resources, resource.Ref{}); err != nil {
		return nil, err
	}

	for _, e := range p.fixture.Relations {
		parent, err := resolve(e.Parent)
		if err != nil {
			return nil, err
		}
		child, err := resolve(e.Child)
		if err != nil {
			return nil, err
		}
		inv.Relations = append(inv.Relations, Relation{
			Table:       e.Table,
			Association: resource.Association{Parent: parent, Child: child, AgentID: p.agentID},
		})
	}
	return inv, nil
}

func (p *FixtureProbe) toResource(n Node, parent resource.Ref, ids map[string]string, resolve func(string) (string, error)) (resource.Resource, error) {
	component, ok := resource.ParseComponent(n.Component)
	if !ok {
		return resource.Resource{}, fmt.Errorf("%w: unknown component %q", ErrInvalidFixture, n.Component)
	}

	id := ids[n.Ref]
	if n.Ref == "" {
		id = p.newID()
	}
	r := resource.Resource{
		ID:         id,
		Component:  component,
		Parent:     parent,
		Name:       n.Name,
		Status:     n.Status,
		Identity:   n.Identity,
		Attributes: n.Attrs,
	}
	if r.Status == (resource.Status{}) {
		r.Status = resource.Status{State: resource.StateEnabled, Health: resource.HealthOK}
	}

	if len(n.Links) > 0 {
		r.Links = make(map[string][]string, len(n.Links))
		for field, refs := range n.Links {
			for _, ref := range refs {
				target, err := resolve(ref)
				if err != nil {
					return resource.Resource{}, err
				}
				r.Links[field] = append(r.Links[field], target)
			}
		}
	}
	for _, ce := range n.Connected {
		target, err := resolve(ce.Entity)
		if err != nil {
			return resource.Resource{}, err
		}
		r.ConnectedEntities = append(r.ConnectedEntities, resource.ConnectedEntity{Entity: target, Role: ce.Role})
	}

	if n.Metric != (FixtureMetric{}) {
		r.Metric = resource.MetricInfo{
			Name:        n.Metric.Name,
			JSONPointer: n.Metric.JSONPointer,
		}
		if n.Metric.Component != "" {
			mc, ok := resource.ParseComponent(n.Metric.Component)
			if !ok {
				return resource.Resource{}, fmt.Errorf("%w: unknown metric component %q", ErrInvalidFixture, n.Metric.Component)
			}
			r.Metric.Component = mc
		}
		if n.Metric.Definition != "" {
			def, err := resolve(n.Metric.Definition)
			if err != nil {
				return resource.Resource{}, err
			}
			r.Metric.DefinitionID = def
		}
	}
	return r, nil
}
