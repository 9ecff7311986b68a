// Package validation enforces record schemas and derives storage keys.
package validation

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/JakeFAU/realtime-cpi-pipeline/internal/pipeline"
)

// Type is a declared field type.
type Type string

// Supported field types.
const (
	TypeString Type = "string"
	TypeInt    Type = "int"
	TypeFloat  Type = "float"
	TypeBool   Type = "bool"
	TypeTime   Type = "time"
	TypeObject Type = "object"
	TypeArray  Type = "array"
	TypeAny    Type = "any"
)

func (t Type) valid() bool {
	switch t {
	case TypeString, TypeInt, TypeFloat, TypeBool, TypeTime, TypeObject, TypeArray, TypeAny:
		return true
	default:
		return false
	}
}

// Field declares one schema field. A nil Default means no fallback is declared.
type Field struct {
	Type     Type `yaml:"type"`
	Required bool `yaml:"required"`
	Default  any  `yaml:"default"`
}

// Schema maps field names to constraints. Key lists the natural-key fields;
// when empty, records are keyed by a content hash.
type Schema struct {
	Name   string           `yaml:"name"`
	Key    []string         `yaml:"key"`
	Fields map[string]Field `yaml:"fields"`
}

// Check verifies the schema is internally consistent.
func (s Schema) Check() error {
	if s.Name == "" {
		return fmt.Errorf("schema name is required")
	}
	if len(s.Fields) == 0 {
		return fmt.Errorf("schema %q declares no fields", s.Name)
	}
	for name, f := range s.Fields {
		if !f.Type.valid() {
			return fmt.Errorf("schema %q field %q: unknown type %q", s.Name, name, f.Type)
		}
		if f.Default != nil {
			if _, ok := coerce(f.Default, f.Type); !ok {
				return fmt.Errorf("schema %q field %q: default %v is not a %s", s.Name, name, f.Default, f.Type)
			}
		}
	}
	for _, k := range s.Key {
		f, ok := s.Fields[k]
		if !ok {
			return fmt.Errorf("schema %q key field %q is not declared", s.Name, k)
		}
		if !f.Required && f.Default == nil {
			return fmt.Errorf("schema %q key field %q must be required or defaulted", s.Name, k)
		}
	}
	return nil
}

// fieldNames returns declared field names in a stable order.
func (s Schema) fieldNames() []string {
	names := make([]string, 0, len(s.Fields))
	for name := range s.Fields {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Registry resolves the schema for a job.
type Registry struct {
	schemas  map[string]Schema
	defaults map[pipeline.JobType]string
}

type registryFile struct {
	Schemas  []Schema          `yaml:"schemas"`
	Defaults map[string]string `yaml:"defaults"`
}

// NewRegistry builds a Registry from schemas and per-job-type default schema names.
func NewRegistry(schemas []Schema, defaults map[pipeline.JobType]string) (*Registry, error) {
	r := &Registry{
		schemas:  make(map[string]Schema, len(schemas)),
		defaults: make(map[pipeline.JobType]string, len(defaults)),
	}
	for _, s := range schemas {
		if err := s.Check(); err != nil {
			return nil, err
		}
		if _, dup := r.schemas[s.Name]; dup {
			return nil, fmt.Errorf("duplicate schema %q", s.Name)
		}
		r.schemas[s.Name] = s
	}
	for jobType, name := range defaults {
		if !jobType.Valid() {
			return nil, fmt.Errorf("default schema for unknown job type %q", jobType)
		}
		if _, ok := r.schemas[name]; !ok {
			return nil, fmt.Errorf("default schema %q for %s is not defined", name, jobType)
		}
		r.defaults[jobType] = name
	}
	return r, nil
}

// LoadRegistry reads a YAML schema file.
func LoadRegistry(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read schema file: %w", err)
	}
	return ParseRegistry(data)
}

// ParseRegistry decodes YAML schema definitions.
func ParseRegistry(data []byte) (*Registry, error) {
	var file registryFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("decode schema file: %w", err)
	}
	defaults := make(map[pipeline.JobType]string, len(file.Defaults))
	for k, v := range file.Defaults {
		defaults[pipeline.JobType(k)] = v
	}
	return NewRegistry(file.Schemas, defaults)
}

// For returns the schema named by the job's "schema" parameter, falling back
// to the default for its job type.
func (r *Registry) For(job pipeline.Job) (Schema, error) {
	name := job.PayloadString("schema")
	if name == "" {
		name = r.defaults[job.Type]
	}
	if name == "" {
		return Schema{}, pipeline.Errorf(pipeline.KindPermanentFetch, "resolve schema",
			"no schema selected for %s job", job.Type)
	}
	s, ok := r.schemas[name]
	if !ok {
		return Schema{}, pipeline.Errorf(pipeline.KindPermanentFetch, "resolve schema", "unknown schema %q", name)
	}
	return s, nil
}
