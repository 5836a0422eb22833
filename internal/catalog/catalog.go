// Package catalog loads the service/component/variable catalog from YAML,
// validates component parameters against generated JSON schemas and keeps
// the store in sync.
package catalog

import (
	_ "embed"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"github.com/p-blackswan/area/internal/store"
)

//go:embed default.yaml
var defaultCatalog []byte

// File is the on-disk catalog layout.
type File struct {
	Services []ServiceSpec `yaml:"services"`
}

// ServiceSpec declares one service and its components.
type ServiceSpec struct {
	ID          string          `yaml:"id"`
	Name        string          `yaml:"name"`
	Description string          `yaml:"description"`
	Auth        string          `yaml:"auth"`
	Actions     []ComponentSpec `yaml:"actions"`
	Reactions   []ComponentSpec `yaml:"reactions"`
}

// ComponentSpec declares an action or reaction.
type ComponentSpec struct {
	Name        string         `yaml:"name"`
	Description string         `yaml:"description"`
	Params      []VariableSpec `yaml:"params"`
	Outputs     []VariableSpec `yaml:"outputs"`
}

// VariableSpec declares a parameter or an output key.
type VariableSpec struct {
	Name        string   `yaml:"name" json:"name"`
	Type        string   `yaml:"type" json:"type"`
	Required    bool     `yaml:"required" json:"required"`
	Description string   `yaml:"description" json:"description,omitempty"`
	Enum        []string `yaml:"enum" json:"enum,omitempty"`
	Pattern     string   `yaml:"pattern" json:"pattern,omitempty"`
	Minimum     *float64 `yaml:"minimum" json:"minimum,omitempty"`
}

// Component is a resolved catalog entry with its compiled parameter schema.
type Component struct {
	ID        string
	ServiceID string
	Kind      string
	Spec      ComponentSpec

	schemaJSON string
	schema     *jsonschema.Schema
}

// Catalog is a validated, immutable catalog snapshot.
type Catalog struct {
	file       File
	components map[string]*Component
}

var identPattern = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// envRefPattern matches ${VAR} references expanded at load time.
var envRefPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Default returns the embedded catalog.
func Default() (*Catalog, error) {
	return LoadBytes(defaultCatalog)
}

// Load reads and validates a catalog file.
func Load(path string) (*Catalog, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("catalog: read %s: %w", path, err)
	}
	c, err := LoadBytes(raw)
	if err != nil {
		return nil, fmt.Errorf("catalog: %s: %w", path, err)
	}
	return c, nil
}

// LoadBytes parses and validates a catalog from YAML bytes.
func LoadBytes(data []byte) (*Catalog, error) {
	expanded := envRefPattern.ReplaceAllStringFunc(string(data), func(match string) string {
		return os.Getenv(match[2 : len(match)-1])
	})

	var f File
	if err := yaml.Unmarshal([]byte(expanded), &f); err != nil {
		return nil, fmt.Errorf("parse: %w", err)
	}
	return build(f)
}

func build(f File) (*Catalog, error) {
	c := &Catalog{file: f, components: map[string]*Component{}}
	seenSvc := map[string]bool{}

	for _, svc := range f.Services {
		if !identPattern.MatchString(svc.ID) {
			return nil, fmt.Errorf("invalid service id %q", svc.ID)
		}
		if seenSvc[svc.ID] {
			return nil, fmt.Errorf("duplicate service %q", svc.ID)
		}
		seenSvc[svc.ID] = true

		for kind, specs := range map[string][]ComponentSpec{store.KindAction: svc.Actions, store.KindReaction: svc.Reactions} {
			for _, spec := range specs {
				if !identPattern.MatchString(spec.Name) {
					return nil, fmt.Errorf("service %s: invalid component name %q", svc.ID, spec.Name)
				}
				id := svc.ID + "." + spec.Name
				if _, dup := c.components[id]; dup {
					return nil, fmt.Errorf("duplicate component %q", id)
				}
				comp := &Component{ID: id, ServiceID: svc.ID, Kind: kind, Spec: spec}
				if err := comp.compile(); err != nil {
					return nil, fmt.Errorf("component %s: %w", id, err)
				}
				c.components[id] = comp
			}
		}
	}
	return c, nil
}

// Component returns the entry for id, or nil.
func (c *Catalog) Component(id string) *Component {
	return c.components[id]
}

// ComponentIDs returns every component id in sorted order.
func (c *Catalog) ComponentIDs() []string {
	ids := make([]string, 0, len(c.components))
	for id := range c.components {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Services returns the declared services.
func (c *Catalog) Services() []ServiceSpec {
	return c.file.Services
}

// ValidateParams checks params against the component's parameter schema.
func (c *Catalog) ValidateParams(componentID string, params map[string]string) error {
	comp := c.components[componentID]
	if comp == nil {
		return fmt.Errorf("unknown component %q", componentID)
	}
	return comp.Validate(params)
}

// ToStore flattens the catalog into store rows.
func (c *Catalog) ToStore() store.Catalog {
	var out store.Catalog
	for _, svc := range c.file.Services {
		auth := svc.Auth
		if auth == "" {
			auth = "none"
		}
		out.Services = append(out.Services, store.Service{
			ID: svc.ID, Name: svc.Name, Description: svc.Description, AuthKind: auth,
		})
	}
	for _, id := range c.ComponentIDs() {
		comp := c.components[id]
		out.Components = append(out.Components, store.Component{
			ID:          comp.ID,
			ServiceID:   comp.ServiceID,
			Kind:        comp.Kind,
			Name:        comp.Spec.Name,
			Description: comp.Spec.Description,
			Schema:      comp.schemaJSON,
		})
		for _, v := range comp.Spec.Params {
			out.Variables = append(out.Variables, toVariable(comp.ID, store.VariableParameter, v))
		}
		for _, v := range comp.Spec.Outputs {
			out.Variables = append(out.Variables, toVariable(comp.ID, store.VariableOutput, v))
		}
	}
	return out
}

// VariableID is the id of a parameter variable: "<component>.<name>".
func VariableID(componentID, name string) string {
	return componentID + "." + name
}

func toVariable(componentID, kind string, v VariableSpec) store.Variable {
	typ := v.Type
	if typ == "" {
		typ = "string"
	}
	id := VariableID(componentID, v.Name)
	if kind == store.VariableOutput {
		id = componentID + ".out." + v.Name
	}
	return store.Variable{
		ID:          id,
		ComponentID: componentID,
		Name:        v.Name,
		Kind:        kind,
		Type:        typ,
		Required:    v.Required,
		Description: strings.TrimSpace(v.Description),
	}
}
