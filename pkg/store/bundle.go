// ABOUTME: Bundle rendering for store records
// ABOUTME: History bundles plus location and etag helpers shared with the batch executor

package store

import (
	"context"
	"fmt"

	"github.com/nainya/resourcestore/pkg/resource"
	"github.com/nainya/resourcestore/pkg/version"
)

// Location renders "Type/id/_history/vid" for a record
func Location(rec *version.Record) string {
	return fmt.Sprintf("%s/%s/_history/%s", rec.ResourceType, rec.ID, rec.VersionID)
}

// ETag renders the weak entity tag of a record
func ETag(rec *version.Record) string {
	return `W/"` + rec.VersionID + `"`
}

// HistoryBundle renders the history of an entity as a "history" bundle,
// newest first. Tombstones appear as DELETE entries without a resource.
func (s *Store) HistoryBundle(ctx context.Context, resourceType, id string) (*resource.Bundle, error) {
	recs, err := s.ReadHistory(ctx, resourceType, id)
	if err != nil {
		return nil, err
	}
	return HistoryBundle(recs), nil
}

// HistoryBundle renders records, already ordered newest first
func HistoryBundle(recs []*version.Record) *resource.Bundle {
	b := resource.NewBundle(resource.BundleHistory)
	b.SetTotal(len(recs))

	for i, rec := range recs {
		ref := rec.Reference().String()
		entry := resource.BundleEntry{
			FullURL: ref,
			Response: &resource.BundleResponse{
				Status:       "200",
				Etag:         ETag(rec),
				LastModified: resource.FormatTime(rec.LastUpdated),
			},
		}

		switch {
		case rec.Deleted:
			entry.Request = &resource.BundleRequest{Method: "DELETE", URL: ref}
		case i == len(recs)-1:
			entry.Request = &resource.BundleRequest{Method: "POST", URL: rec.ResourceType}
			entry.Response.Status = "201"
			entry.Resource = rec.Resource()
		default:
			entry.Request = &resource.BundleRequest{Method: "PUT", URL: ref}
			entry.Resource = rec.Resource()
		}
		b.Entry = append(b.Entry, entry)
	}
	return b
}
