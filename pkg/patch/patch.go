// ABOUTME: JSON patch engine for resource documents
// ABOUTME: Applies add/replace/remove/test/move/copy operations to a private copy

package patch

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strconv"
	"strings"

	"github.com/go-openapi/jsonpointer"

	"github.com/nainya/resourcestore/pkg/resource"
)

// Operation names
const (
	OpAdd     = "add"
	OpReplace = "replace"
	OpRemove  = "remove"
	OpTest    = "test"
	OpMove    = "move"
	OpCopy    = "copy"
)

// Operation is one structural edit addressed by a JSON pointer
type Operation struct {
	Op    string `json:"op"`
	Path  string `json:"path"`
	Value any    `json:"value,omitempty"`
	From  string `json:"from,omitempty"`
}

func (o Operation) String() string {
	if o.From != "" {
		return fmt.Sprintf("%s %s -> %s", o.Op, o.From, o.Path)
	}
	return fmt.Sprintf("%s %s", o.Op, o.Path)
}

// Parse decodes a JSON patch document (an array of operations)
func Parse(data []byte) ([]Operation, error) {
	var ops []Operation
	if err := json.Unmarshal(data, &ops); err != nil {
		return nil, resource.Patchf("malformed patch document: %v", err)
	}
	return ops, nil
}

// Apply runs ops in order against a copy of doc. Either every operation
// succeeds and the new document is returned, or doc is left as it was and
// the first failure is reported.
func Apply(doc resource.Resource, ops []Operation) (resource.Resource, error) {
	normalized, err := resource.FromValue(doc)
	if err != nil {
		return nil, resource.Patchf("document is not valid JSON: %v", err)
	}

	var root any = map[string]any(normalized)
	for i, op := range ops {
		root, err = applyOne(root, op)
		if err != nil {
			return nil, resource.Patchf("operation %d (%s): %v", i, op, err)
		}
	}

	out, ok := root.(map[string]any)
	if !ok {
		return nil, resource.Patchf("patched document is not an object")
	}
	return resource.Resource(out), nil
}

func applyOne(root any, op Operation) (any, error) {
	path, err := tokens(op.Path)
	if err != nil {
		return nil, err
	}

	switch op.Op {
	case OpAdd:
		value, err := normalize(op.Value)
		if err != nil {
			return nil, err
		}
		if len(path) == 0 {
			return value, nil
		}
		return modify(root, path, addLeaf(value))

	case OpReplace:
		value, err := normalize(op.Value)
		if err != nil {
			return nil, err
		}
		if len(path) == 0 {
			return value, nil
		}
		return modify(root, path, replaceLeaf(value))

	case OpRemove:
		if len(path) == 0 {
			return nil, fmt.Errorf("cannot remove the document root")
		}
		return modify(root, path, removeLeaf)

	case OpTest:
		expected, err := normalize(op.Value)
		if err != nil {
			return nil, err
		}
		actual, err := get(root, path)
		if err != nil {
			return nil, err
		}
		if !reflect.DeepEqual(actual, expected) {
			return nil, fmt.Errorf("test failed: value at %q does not match", op.Path)
		}
		return root, nil

	case OpMove:
		from, err := tokens(op.From)
		if err != nil {
			return nil, err
		}
		if len(from) == 0 {
			return nil, fmt.Errorf("cannot move the document root")
		}
		if strings.HasPrefix(op.Path, op.From+"/") {
			return nil, fmt.Errorf("cannot move %q into its own child", op.From)
		}
		if len(path) == 0 {
			return nil, fmt.Errorf("cannot move onto the document root")
		}
		value, err := get(root, from)
		if err != nil {
			return nil, err
		}
		root, err = modify(root, from, removeLeaf)
		if err != nil {
			return nil, err
		}
		return modify(root, path, addLeaf(value))

	case OpCopy:
		from, err := tokens(op.From)
		if err != nil {
			return nil, err
		}
		value, err := get(root, from)
		if err != nil {
			return nil, err
		}
		if len(path) == 0 {
			return resource.CloneValue(value), nil
		}
		return modify(root, path, addLeaf(resource.CloneValue(value)))

	case "":
		return nil, fmt.Errorf("missing op")
	}
	return nil, fmt.Errorf("unsupported op %q", op.Op)
}

func tokens(pointer string) ([]string, error) {
	p, err := jsonpointer.New(pointer)
	if err != nil {
		return nil, fmt.Errorf("invalid path %q: %w", pointer, err)
	}
	return p.DecodedTokens(), nil
}

// normalize maps a value onto the decoded-JSON type set so comparisons and
// later lookups behave the same as for stored content
func normalize(v any) (any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("value is not valid JSON: %w", err)
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// leafFunc edits the container holding the final path token and returns the
// container to store back into its parent
type leafFunc func(container any, key string) (any, error)

// modify walks to the parent of the final token and applies leaf there.
// Arrays are rebuilt on the way back up since appends may reallocate them.
func modify(node any, path []string, leaf leafFunc) (any, error) {
	if len(path) == 0 {
		return nil, fmt.Errorf("empty path")
	}
	if len(path) == 1 {
		return leaf(node, path[0])
	}

	key := path[0]
	switch n := node.(type) {
	case map[string]any:
		child, ok := n[key]
		if !ok {
			return nil, fmt.Errorf("path segment %q not found", key)
		}
		updated, err := modify(child, path[1:], leaf)
		if err != nil {
			return nil, err
		}
		n[key] = updated
		return n, nil

	case []any:
		idx, err := arrayIndex(key, len(n), false)
		if err != nil {
			return nil, err
		}
		updated, err := modify(n[idx], path[1:], leaf)
		if err != nil {
			return nil, err
		}
		n[idx] = updated
		return n, nil
	}
	return nil, fmt.Errorf("path segment %q does not address a container", key)
}

func addLeaf(value any) leafFunc {
	return func(container any, key string) (any, error) {
		switch n := container.(type) {
		case map[string]any:
			n[key] = value
			return n, nil
		case []any:
			if key == "-" {
				return append(n, value), nil
			}
			idx, err := arrayIndex(key, len(n), true)
			if err != nil {
				return nil, err
			}
			n = append(n, nil)
			copy(n[idx+1:], n[idx:])
			n[idx] = value
			return n, nil
		}
		return nil, fmt.Errorf("cannot add %q to a scalar", key)
	}
}

func replaceLeaf(value any) leafFunc {
	return func(container any, key string) (any, error) {
		switch n := container.(type) {
		case map[string]any:
			if _, ok := n[key]; !ok {
				return nil, fmt.Errorf("path %q not found", key)
			}
			n[key] = value
			return n, nil
		case []any:
			idx, err := arrayIndex(key, len(n), false)
			if err != nil {
				return nil, err
			}
			n[idx] = value
			return n, nil
		}
		return nil, fmt.Errorf("cannot replace %q in a scalar", key)
	}
}

func removeLeaf(container any, key string) (any, error) {
	switch n := container.(type) {
	case map[string]any:
		if _, ok := n[key]; !ok {
			return nil, fmt.Errorf("path %q not found", key)
		}
		delete(n, key)
		return n, nil
	case []any:
		idx, err := arrayIndex(key, len(n), false)
		if err != nil {
			return nil, err
		}
		return append(n[:idx], n[idx+1:]...), nil
	}
	return nil, fmt.Errorf("cannot remove %q from a scalar", key)
}

func get(node any, path []string) (any, error) {
	for _, key := range path {
		switch n := node.(type) {
		case map[string]any:
			child, ok := n[key]
			if !ok {
				return nil, fmt.Errorf("path segment %q not found", key)
			}
			node = child
		case []any:
			idx, err := arrayIndex(key, len(n), false)
			if err != nil {
				return nil, err
			}
			node = n[idx]
		default:
			return nil, fmt.Errorf("path segment %q does not address a container", key)
		}
	}
	return node, nil
}

// arrayIndex parses an RFC 6901 array index. allowEnd permits len(arr),
// which is a valid insertion point for add.
func arrayIndex(key string, length int, allowEnd bool) (int, error) {
	if key == "-" {
		return 0, fmt.Errorf("index \"-\" is only valid for add")
	}
	if len(key) > 1 && key[0] == '0' {
		return 0, fmt.Errorf("array index %q has leading zeros", key)
	}
	idx, err := strconv.Atoi(key)
	if err != nil || idx < 0 {
		return 0, fmt.Errorf("invalid array index %q", key)
	}
	limit := length
	if allowEnd {
		limit++
	}
	if idx >= limit {
		return 0, fmt.Errorf("array index %d out of bounds (length %d)", idx, length)
	}
	return idx, nil
}
