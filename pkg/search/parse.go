// ABOUTME: Query-string parser for search requests
// ABOUTME: Handles modifiers, value prefixes and the _count/_offset/_sort controls

package search

import (
	"net/url"
	"strconv"
	"strings"

	"github.com/nainya/resourcestore/pkg/resource"
)

var modifiers = map[string]Operator{
	"not":      OpNe,
	"exact":    OpExact,
	"contains": OpContains,
	"sw":       OpStartsWith,
	"missing":  OpMissing,
}

var prefixes = map[string]Operator{
	"eq": OpEq,
	"ne": OpNe,
	"gt": OpGt,
	"lt": OpLt,
	"ge": OpGe,
	"le": OpLe,
}

// ParseQuery parses "name=Simpson&_count=10&_sort=-birthdate". Filters keep
// the order in which they appear.
func ParseQuery(resourceType, rawQuery string) (Request, error) {
	req := Request{ResourceType: resourceType}
	rawQuery = strings.TrimPrefix(rawQuery, "?")

	for _, pair := range strings.Split(rawQuery, "&") {
		if pair == "" {
			continue
		}
		rawKey, rawValue, _ := strings.Cut(pair, "=")
		key, err := url.QueryUnescape(rawKey)
		if err != nil {
			return Request{}, resource.Validationf("malformed query parameter %q", rawKey)
		}
		value, err := url.QueryUnescape(rawValue)
		if err != nil {
			return Request{}, resource.InvalidField(key, "malformed value for %s", key)
		}

		switch key {
		case "_count":
			n, err := parseNonNegative(key, value)
			if err != nil {
				return Request{}, err
			}
			req.Count = n
		case "_offset":
			n, err := parseNonNegative(key, value)
			if err != nil {
				return Request{}, err
			}
			req.Offset = n
		case "_sort":
			for _, code := range strings.Split(value, ",") {
				code = strings.TrimSpace(code)
				if code == "" {
					continue
				}
				rule := SortRule{Code: code}
				if strings.HasPrefix(code, "-") {
					rule = SortRule{Code: code[1:], Descending: true}
				}
				req.Sort = append(req.Sort, rule)
			}
		case "_total", "_format":
			// accepted and ignored; totals are always exact
		default:
			f, err := parseFilter(key, value)
			if err != nil {
				return Request{}, err
			}
			req.Filters = append(req.Filters, f)
		}
	}
	return req, nil
}

func parseFilter(key, value string) (Filter, error) {
	code, modifier, hasModifier := strings.Cut(key, ":")
	if code == "" {
		return Filter{}, resource.Validationf("empty search parameter name")
	}

	if hasModifier {
		op, ok := modifiers[modifier]
		if !ok {
			return Filter{}, resource.InvalidField(code, "unsupported modifier %q", modifier)
		}
		return Filter{Code: code, Operator: op, Value: value}, nil
	}

	if op, rest, ok := splitPrefix(value); ok {
		return Filter{Code: code, Operator: op, Value: rest}, nil
	}
	return Filter{Code: code, Operator: OpEq, Value: value}, nil
}

// splitPrefix recognizes comparison prefixes on numeric or date values,
// e.g. "gt5" or "le2024-01-01"
func splitPrefix(value string) (Operator, string, bool) {
	if len(value) < 3 {
		return "", "", false
	}
	op, ok := prefixes[value[:2]]
	if !ok {
		return "", "", false
	}
	c := value[2]
	if (c < '0' || c > '9') && c != '-' && c != '.' {
		return "", "", false
	}
	return op, value[2:], true
}

func parseNonNegative(key, value string) (int, error) {
	n, err := strconv.Atoi(value)
	if err != nil || n < 0 {
		return 0, resource.InvalidField(key, "%s must be a non-negative integer, got %q", key, value)
	}
	return n, nil
}
