// ABOUTME: Renders search results as searchset bundles
// ABOUTME: Adds exact totals and self/next/previous navigation links

package search

import (
	"strings"

	"github.com/nainya/resourcestore/pkg/resource"
)

// Bundle renders the result as a searchset bundle. baseURL prefixes entry
// fullUrls and links; it may be empty.
func (r *Result) Bundle(baseURL string) *resource.Bundle {
	b := resource.NewBundle(resource.BundleSearchset)
	b.SetTotal(r.Total)

	base := strings.TrimSuffix(baseURL, "/")
	link := func(req Request) string {
		target := req.ResourceType
		if base != "" {
			target = base + "/" + target
		}
		if q := req.QueryString(); q != "" {
			target += "?" + q
		}
		return target
	}

	b.Link = append(b.Link, resource.BundleLink{Relation: "self", URL: link(r.Request)})
	if r.HasMore() {
		next := r.Request
		next.Offset += r.Request.Count
		b.Link = append(b.Link, resource.BundleLink{Relation: "next", URL: link(next)})
	}
	if r.Request.Offset > 0 {
		prev := r.Request
		prev.Offset -= r.Request.Count
		if prev.Offset < 0 {
			prev.Offset = 0
		}
		b.Link = append(b.Link, resource.BundleLink{Relation: "previous", URL: link(prev)})
	}

	for _, entry := range r.Entries {
		fullURL := entry.Reference().String()
		if base != "" {
			fullURL = base + "/" + fullURL
		}
		b.Entry = append(b.Entry, resource.BundleEntry{FullURL: fullURL, Resource: entry})
	}
	return b
}
