// ABOUTME: Filter evaluator over current resource snapshots
// ABOUTME: Matches filters against field leaves, sorts stably and pages with exact totals

package search

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/nainya/resourcestore/pkg/resource"
	"github.com/nainya/resourcestore/pkg/schema"
)

// Page size limits
const (
	DefaultCount = 20
	MaxCount     = 1000
)

// Evaluator runs search requests against candidate documents
type Evaluator struct {
	registry     schema.Registry
	defaultCount int
	maxCount     int
}

// NewEvaluator creates an evaluator. Non-positive limits fall back to the
// package defaults.
func NewEvaluator(registry schema.Registry, defaultCount, maxCount int) *Evaluator {
	if maxCount <= 0 {
		maxCount = MaxCount
	}
	if defaultCount <= 0 {
		defaultCount = DefaultCount
	}
	if defaultCount > maxCount {
		defaultCount = maxCount
	}
	return &Evaluator{registry: registry, defaultCount: defaultCount, maxCount: maxCount}
}

type compiledFilter struct {
	Filter
	param schema.Param
}

// Validate checks that the type and every referenced parameter are known
func (e *Evaluator) Validate(req Request) error {
	_, _, err := e.compile(req)
	return err
}

func (e *Evaluator) compile(req Request) ([]compiledFilter, []schema.Param, error) {
	if req.ResourceType == "" {
		return nil, nil, resource.Validationf("search requires a resource type")
	}
	if !e.registry.HasType(req.ResourceType) {
		return nil, nil, resource.Validationf("unknown resource type %q", req.ResourceType)
	}
	if req.Offset < 0 || req.Count < 0 {
		return nil, nil, resource.Validationf("offset and count must be non-negative")
	}

	filters := make([]compiledFilter, 0, len(req.Filters))
	for _, f := range req.Filters {
		op := f.Operator
		if op == "" {
			op = OpEq
		}
		if !op.Valid() {
			return nil, nil, resource.InvalidField(f.Code, "unsupported operator %q", f.Operator)
		}
		p, ok := e.registry.SearchParam(req.ResourceType, f.Code)
		if !ok {
			return nil, nil, resource.InvalidField(f.Code, "unknown search parameter %q for %s", f.Code, req.ResourceType)
		}
		f.Operator = op
		filters = append(filters, compiledFilter{Filter: f, param: p})
	}

	sorts := make([]schema.Param, 0, len(req.Sort))
	for _, s := range req.Sort {
		p, ok := e.registry.SearchParam(req.ResourceType, s.Code)
		if !ok {
			return nil, nil, resource.InvalidField(s.Code, "unknown sort parameter %q for %s", s.Code, req.ResourceType)
		}
		sorts = append(sorts, p)
	}
	return filters, sorts, nil
}

// PageSize resolves the effective count for a request
func (e *Evaluator) PageSize(req Request) int {
	switch {
	case req.Count <= 0:
		return e.defaultCount
	case req.Count > e.maxCount:
		return e.maxCount
	}
	return req.Count
}

// Evaluate filters candidates, which must be in creation order, and returns
// one page. Returned entries are copies.
func (e *Evaluator) Evaluate(req Request, candidates []resource.Resource) (*Result, error) {
	filters, sorts, err := e.compile(req)
	if err != nil {
		return nil, err
	}

	matched := make([]resource.Resource, 0)
	for _, doc := range candidates {
		if matchesAll(doc, filters) {
			matched = append(matched, doc)
		}
	}

	if len(sorts) > 0 {
		sortMatches(matched, req.Sort, sorts)
	}

	req.Count = e.PageSize(req)
	page := applyPagination(matched, req.Count, req.Offset)

	entries := make([]resource.Resource, len(page))
	for i, doc := range page {
		entries[i] = doc.Clone()
	}

	return &Result{Request: req, Entries: entries, Total: len(matched)}, nil
}

// Matches reports whether a single document satisfies every filter
func (e *Evaluator) Matches(req Request, doc resource.Resource) (bool, error) {
	filters, _, err := e.compile(req)
	if err != nil {
		return false, err
	}
	return matchesAll(doc, filters), nil
}

func matchesAll(doc resource.Resource, filters []compiledFilter) bool {
	for _, f := range filters {
		if !matchFilter(f, Leaves(doc, f.param.Path)) {
			return false
		}
	}
	return true
}

func matchFilter(f compiledFilter, leaves []string) bool {
	if f.Operator == OpMissing {
		wantMissing := f.Value != "false"
		return (len(leaves) == 0) == wantMissing
	}

	// An empty value asks only whether the field is present.
	if f.Value == "" {
		return len(leaves) > 0
	}

	if f.Operator == OpNe {
		for _, leaf := range leaves {
			if equals(f.param, leaf, f.Value) {
				return false
			}
		}
		return true
	}

	for _, leaf := range leaves {
		if matchLeaf(f, leaf) {
			return true
		}
	}
	return false
}

func matchLeaf(f compiledFilter, leaf string) bool {
	switch f.Operator {
	case OpEq:
		return equals(f.param, leaf, f.Value)
	case OpExact:
		return leaf == f.Value
	case OpContains:
		return strings.Contains(strings.ToLower(leaf), strings.ToLower(f.Value))
	case OpStartsWith:
		return strings.HasPrefix(strings.ToLower(leaf), strings.ToLower(f.Value))
	case OpGt:
		return compareValues(leaf, f.Value) > 0
	case OpLt:
		return compareValues(leaf, f.Value) < 0
	case OpGe:
		return compareValues(leaf, f.Value) >= 0
	case OpLe:
		return compareValues(leaf, f.Value) <= 0
	}
	return false
}

func equals(p schema.Param, leaf, value string) bool {
	switch p.Type {
	case schema.TypeNumber:
		a, errA := strconv.ParseFloat(leaf, 64)
		b, errB := strconv.ParseFloat(value, 64)
		if errA == nil && errB == nil {
			return a == b
		}
	case schema.TypeDate:
		// a partial date matches every instant inside it
		return strings.HasPrefix(leaf, value)
	case schema.TypeReference:
		return leaf == value || strings.HasSuffix(leaf, "/"+value)
	}
	return strings.EqualFold(leaf, value)
}

// compareValues orders numerically when both sides are numbers and
// lexically otherwise, which is correct for ISO-8601 dates
func compareValues(a, b string) int {
	fa, errA := strconv.ParseFloat(a, 64)
	fb, errB := strconv.ParseFloat(b, 64)
	if errA == nil && errB == nil {
		switch {
		case fa < fb:
			return -1
		case fa > fb:
			return 1
		}
		return 0
	}
	return strings.Compare(a, b)
}

func sortMatches(docs []resource.Resource, rules []SortRule, params []schema.Param) {
	type keyed struct {
		doc  resource.Resource
		keys []string
		has  []bool
	}
	items := make([]keyed, len(docs))
	for i, doc := range docs {
		item := keyed{doc: doc, keys: make([]string, len(params)), has: make([]bool, len(params))}
		for j, p := range params {
			leaves := Leaves(doc, p.Path)
			if len(leaves) > 0 {
				item.keys[j] = leaves[0]
				item.has[j] = true
			}
		}
		items[i] = item
	}

	sort.SliceStable(items, func(a, b int) bool {
		for j := range params {
			ha, hb := items[a].has[j], items[b].has[j]
			if ha != hb {
				// entities without a value sort last either way
				return ha
			}
			if !ha {
				continue
			}
			c := compareValues(items[a].keys[j], items[b].keys[j])
			if c == 0 {
				continue
			}
			if rules[j].Descending {
				return c > 0
			}
			return c < 0
		}
		return false
	})

	for i := range items {
		docs[i] = items[i].doc
	}
}

func applyPagination[T any](items []T, limit, offset int) []T {
	if offset >= len(items) {
		return []T{}
	}

	start := offset
	end := offset + limit
	if end > len(items) {
		end = len(items)
	}

	return items[start:end]
}

// Leaves collects the scalar values found under a dotted path. Arrays are
// traversed at every level and objects at the end of the path contribute
// all of their nested scalars. Nulls are skipped.
func Leaves(doc resource.Resource, path string) []string {
	var out []string
	collect(map[string]any(doc), strings.Split(path, "."), &out)
	return out
}

func collect(node any, path []string, out *[]string) {
	switch n := node.(type) {
	case nil:
		return
	case []any:
		for _, item := range n {
			collect(item, path, out)
		}
		return
	case []map[string]any:
		for _, item := range n {
			collect(item, path, out)
		}
		return
	case []string:
		for _, item := range n {
			collect(item, path, out)
		}
		return
	}

	if len(path) == 0 {
		switch n := node.(type) {
		case map[string]any:
			keys := make([]string, 0, len(n))
			for k := range n {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				collect(n[k], nil, out)
			}
		case resource.Resource:
			collect(map[string]any(n), nil, out)
		default:
			*out = append(*out, scalarString(n))
		}
		return
	}

	switch n := node.(type) {
	case map[string]any:
		collect(n[path[0]], path[1:], out)
	case resource.Resource:
		collect(n[path[0]], path[1:], out)
	}
}

func scalarString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(t), 'f', -1, 32)
	case json.Number:
		return t.String()
	}
	return fmt.Sprint(v)
}
