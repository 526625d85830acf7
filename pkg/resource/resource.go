// ABOUTME: Resource document model for the versioned store
// ABOUTME: Open JSON objects with identity fields, meta and deep cloning

package resource

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Resource is an open-ended structured document. The store only interprets
// resourceType, id and meta; everything else is carried as-is.
type Resource map[string]any

// Reference identifies a logical resource across all of its versions
type Reference struct {
	Type string
	ID   string
}

// String renders the reference as "Type/id"
func (r Reference) String() string {
	return r.Type + "/" + r.ID
}

// ParseReference parses "Type/id"
func ParseReference(s string) (Reference, error) {
	parts := strings.Split(strings.Trim(s, "/"), "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return Reference{}, fmt.Errorf("invalid reference: %q", s)
	}
	return Reference{Type: parts[0], ID: parts[1]}, nil
}

// Parse decodes a JSON object into a Resource
func Parse(data []byte) (Resource, error) {
	var r Resource
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("decode resource: %w", err)
	}
	if r == nil {
		return nil, fmt.Errorf("decode resource: not a JSON object")
	}
	return r, nil
}

// FromValue converts any JSON-compatible value (structs included) into a
// Resource by round-tripping through encoding/json.
func FromValue(v any) (Resource, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// ResourceType returns the resourceType field
func (r Resource) ResourceType() string {
	s, _ := r["resourceType"].(string)
	return s
}

// ID returns the id field
func (r Resource) ID() string {
	s, _ := r["id"].(string)
	return s
}

// SetID sets the id field
func (r Resource) SetID(id string) {
	r["id"] = id
}

// Reference returns the Type/id reference of the resource
func (r Resource) Reference() Reference {
	return Reference{Type: r.ResourceType(), ID: r.ID()}
}

// VersionID returns meta.versionId
func (r Resource) VersionID() string {
	meta, _ := r["meta"].(map[string]any)
	s, _ := meta["versionId"].(string)
	return s
}

// LastUpdated returns meta.lastUpdated as written by the store
func (r Resource) LastUpdated() string {
	meta, _ := r["meta"].(map[string]any)
	s, _ := meta["lastUpdated"].(string)
	return s
}

// SetMeta stamps versionId and lastUpdated, preserving other meta fields
func (r Resource) SetMeta(versionID string, lastUpdated time.Time) {
	meta, ok := r["meta"].(map[string]any)
	if !ok {
		meta = make(map[string]any)
	}
	meta["versionId"] = versionID
	meta["lastUpdated"] = FormatTime(lastUpdated)
	r["meta"] = meta
}

// Clone returns a deep copy. Mutating the copy never affects the original.
func (r Resource) Clone() Resource {
	if r == nil {
		return nil
	}
	return cloneMap(r)
}

// JSON encodes the resource
func (r Resource) JSON() ([]byte, error) {
	return json.Marshal(r)
}

// CloneValue deep-copies an arbitrary decoded JSON value
func CloneValue(v any) any {
	switch t := v.(type) {
	case Resource:
		return cloneMap(t)
	case map[string]any:
		return map[string]any(cloneMap(t))
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = CloneValue(item)
		}
		return out
	case []map[string]any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = map[string]any(cloneMap(item))
		}
		return out
	default:
		return v
	}
}

func cloneMap(m map[string]any) Resource {
	out := make(Resource, len(m))
	for k, v := range m {
		out[k] = CloneValue(v)
	}
	return out
}

// FormatTime renders timestamps the way they are stored in meta.lastUpdated
func FormatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
