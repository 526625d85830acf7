// ABOUTME: Search request model and fluent query builder
// ABOUTME: Filters, operators, sort rules and paged results

package search

import (
	"net/url"
	"strconv"
	"strings"

	"github.com/nainya/resourcestore/pkg/resource"
)

// Operator defines how a filter value is compared against field values
type Operator string

const (
	OpEq         Operator = "eq"
	OpNe         Operator = "ne"
	OpExact      Operator = "exact"
	OpContains   Operator = "contains"
	OpStartsWith Operator = "sw"
	OpGt         Operator = "gt"
	OpLt         Operator = "lt"
	OpGe         Operator = "ge"
	OpLe         Operator = "le"
	OpMissing    Operator = "missing"
)

// Valid reports whether the operator is supported
func (o Operator) Valid() bool {
	switch o {
	case OpEq, OpNe, OpExact, OpContains, OpStartsWith, OpGt, OpLt, OpGe, OpLe, OpMissing:
		return true
	}
	return false
}

// Filter is one condition. An empty Value matches any entity that has a
// value for the field, zero values included.
type Filter struct {
	Code     string
	Operator Operator
	Value    string
}

// SortRule orders results by a search parameter
type SortRule struct {
	Code       string
	Descending bool
}

// Request is a search over one resource type
type Request struct {
	ResourceType string
	Filters      []Filter
	Sort         []SortRule
	Offset       int
	Count        int // 0 selects the evaluator default
}

// Result is one page of matches
type Result struct {
	Request Request
	Entries []resource.Resource
	Total   int // exact number of matches across all pages
}

// HasMore reports whether a further page exists
func (r *Result) HasMore() bool {
	return r.Request.Offset+len(r.Entries) < r.Total
}

// QueryString renders the request in the form ParseQuery accepts
func (r Request) QueryString() string {
	parts := make([]string, 0, len(r.Filters)+3)
	for _, f := range r.Filters {
		key, value := f.Code, f.Value
		switch f.Operator {
		case OpNe:
			key += ":not"
		case OpExact:
			key += ":exact"
		case OpContains:
			key += ":contains"
		case OpStartsWith:
			key += ":sw"
		case OpMissing:
			key += ":missing"
		case OpGt, OpLt, OpGe, OpLe:
			value = string(f.Operator) + value
		}
		parts = append(parts, url.QueryEscape(key)+"="+url.QueryEscape(value))
	}

	if len(r.Sort) > 0 {
		codes := make([]string, len(r.Sort))
		for i, s := range r.Sort {
			codes[i] = s.Code
			if s.Descending {
				codes[i] = "-" + s.Code
			}
		}
		parts = append(parts, "_sort="+url.QueryEscape(strings.Join(codes, ",")))
	}
	if r.Count > 0 {
		parts = append(parts, "_count="+strconv.Itoa(r.Count))
	}
	if r.Offset > 0 {
		parts = append(parts, "_offset="+strconv.Itoa(r.Offset))
	}
	return strings.Join(parts, "&")
}

// QueryBuilder provides a fluent interface for building requests
type QueryBuilder struct {
	req Request
}

// NewQueryBuilder starts a request for a resource type
func NewQueryBuilder(resourceType string) *QueryBuilder {
	return &QueryBuilder{req: Request{ResourceType: resourceType}}
}

// Where adds an equality filter
func (qb *QueryBuilder) Where(code, value string) *QueryBuilder {
	return qb.WhereOp(code, OpEq, value)
}

// WhereOp adds a filter with an explicit operator
func (qb *QueryBuilder) WhereOp(code string, op Operator, value string) *QueryBuilder {
	qb.req.Filters = append(qb.req.Filters, Filter{Code: code, Operator: op, Value: value})
	return qb
}

// Count sets the page size
func (qb *QueryBuilder) Count(count int) *QueryBuilder {
	qb.req.Count = count
	return qb
}

// Offset sets the number of matches to skip
func (qb *QueryBuilder) Offset(offset int) *QueryBuilder {
	qb.req.Offset = offset
	return qb
}

// SortBy appends a sort rule
func (qb *QueryBuilder) SortBy(code string, descending bool) *QueryBuilder {
	qb.req.Sort = append(qb.req.Sort, SortRule{Code: code, Descending: descending})
	return qb
}

// Build returns the constructed request
func (qb *QueryBuilder) Build() Request {
	req := qb.req
	req.Filters = append([]Filter(nil), qb.req.Filters...)
	req.Sort = append([]SortRule(nil), qb.req.Sort...)
	return req
}
