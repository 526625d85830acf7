// ABOUTME: Type registry answering which resource types exist and what they search on
// ABOUTME: Static registry loaded from YAML plus a singleflight-backed caching registry

package schema

import (
	_ "embed"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// Parameter value types
const (
	TypeString    = "string"
	TypeToken     = "token"
	TypeDate      = "date"
	TypeNumber    = "number"
	TypeReference = "reference"
)

// Param is a searchable field of a resource type
type Param struct {
	Code string `yaml:"code"`
	Path string `yaml:"path"` // dotted path into the document
	Type string `yaml:"type"`
}

// TypeSchema describes one resource type
type TypeSchema struct {
	Name   string  `yaml:"name"`
	Params []Param `yaml:"params"`
}

// Registry is the capability the store consumes
type Registry interface {
	HasType(resourceType string) bool
	SearchParam(resourceType, code string) (Param, bool)
}

// Built-in parameters available on every type
var builtinParams = map[string]Param{
	"_id":          {Code: "_id", Path: "id", Type: TypeToken},
	"_lastUpdated": {Code: "_lastUpdated", Path: "meta.lastUpdated", Type: TypeDate},
}

// BuiltinParam returns a parameter shared by all types
func BuiltinParam(code string) (Param, bool) {
	p, ok := builtinParams[code]
	return p, ok
}

// StaticRegistry is an in-memory registry. Safe for concurrent use.
type StaticRegistry struct {
	mu    sync.RWMutex
	types map[string]map[string]Param
}

// NewStaticRegistry creates a registry with the given types
func NewStaticRegistry(schemas ...TypeSchema) *StaticRegistry {
	r := &StaticRegistry{types: make(map[string]map[string]Param)}
	for _, s := range schemas {
		r.Register(s)
	}
	return r
}

// Register adds or replaces a type
func (r *StaticRegistry) Register(s TypeSchema) {
	params := make(map[string]Param, len(s.Params))
	for _, p := range s.Params {
		if p.Type == "" {
			p.Type = TypeString
		}
		params[p.Code] = p
	}

	r.mu.Lock()
	r.types[s.Name] = params
	r.mu.Unlock()
}

// HasType reports whether the type is registered
func (r *StaticRegistry) HasType(resourceType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.types[resourceType]
	return ok
}

// SearchParam looks up a parameter of a registered type
func (r *StaticRegistry) SearchParam(resourceType, code string) (Param, bool) {
	r.mu.RLock()
	params, ok := r.types[resourceType]
	r.mu.RUnlock()
	if !ok {
		return Param{}, false
	}
	if p, ok := builtinParams[code]; ok {
		return p, true
	}
	p, ok := params[code]
	return p, ok
}

// Types lists registered type names in sorted order
func (r *StaticRegistry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.types))
	for name := range r.types {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

type registryFile struct {
	Types []TypeSchema `yaml:"types"`
}

// LoadYAML reads type schemas from a YAML document
func LoadYAML(reader io.Reader) ([]TypeSchema, error) {
	var file registryFile
	dec := yaml.NewDecoder(reader)
	dec.KnownFields(true)
	if err := dec.Decode(&file); err != nil {
		return nil, fmt.Errorf("decode schema file: %w", err)
	}

	for _, s := range file.Types {
		if s.Name == "" {
			return nil, fmt.Errorf("schema entry without name")
		}
		for _, p := range s.Params {
			if p.Code == "" || p.Path == "" {
				return nil, fmt.Errorf("type %s: parameter needs code and path", s.Name)
			}
		}
	}
	return file.Types, nil
}

// LoadFile reads type schemas from a YAML file
func LoadFile(path string) ([]TypeSchema, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open schema file: %w", err)
	}
	defer f.Close()
	return LoadYAML(f)
}

//go:embed default.yaml
var defaultSchemas string

// DefaultRegistry returns a registry with the built-in resource types
func DefaultRegistry() *StaticRegistry {
	schemas, err := LoadYAML(strings.NewReader(defaultSchemas))
	if err != nil {
		panic(fmt.Sprintf("embedded schema file is invalid: %v", err))
	}
	return NewStaticRegistry(schemas...)
}

// Lookup returns a registered type as a schema. It has the Loader shape so
// a static registry can back a caching one.
func (r *StaticRegistry) Lookup(resourceType string) (*TypeSchema, error) {
	r.mu.RLock()
	params, ok := r.types[resourceType]
	r.mu.RUnlock()
	if !ok {
		return nil, nil
	}

	s := &TypeSchema{Name: resourceType}
	for _, p := range params {
		s.Params = append(s.Params, p)
	}
	sort.Slice(s.Params, func(i, j int) bool { return s.Params[i].Code < s.Params[j].Code })
	return s, nil
}
