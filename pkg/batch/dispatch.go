// ABOUTME: Batch entry routing from method and URL to store operations
// ABOUTME: Parses entry URLs and decodes json-patch Binary bodies

package batch

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"

	"github.com/nainya/resourcestore/pkg/patch"
	"github.com/nainya/resourcestore/pkg/resource"
	"github.com/nainya/resourcestore/pkg/search"
	"github.com/nainya/resourcestore/pkg/store"
	"github.com/nainya/resourcestore/pkg/version"
)

// JSONPatchContentType marks a Binary entry body carrying a JSON patch
const JSONPatchContentType = "application/json-patch+json"

// basePath is stripped from entry URLs before routing
const basePath = "fhir/R4"

// Target is a parsed entry URL
type Target struct {
	Path       string // normalized path without query
	Query      string
	Type       string
	ID         string
	History    bool
	VersionID  string
	segmentLen int
}

// ParseURL normalizes an entry URL. Absolute URLs keep only their path,
// leading slashes and a "fhir/R4" base are dropped.
func ParseURL(raw string) (Target, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Target{}, resource.Validationf("entry request url is required")
	}

	if strings.Contains(raw, "://") {
		u, err := url.Parse(raw)
		if err != nil {
			return Target{}, resource.Validationf("malformed entry url %q", raw)
		}
		raw = u.Path
		if u.RawQuery != "" {
			raw += "?" + u.RawQuery
		}
	}

	path, query, _ := strings.Cut(raw, "?")
	path = strings.Trim(path, "/")
	if path == basePath || strings.HasPrefix(path, basePath+"/") {
		path = strings.Trim(strings.TrimPrefix(path, basePath), "/")
	}

	t := Target{Path: path, Query: query}
	if path == "" {
		return t, nil
	}

	segments := strings.Split(path, "/")
	t.segmentLen = len(segments)
	t.Type = segments[0]
	if len(segments) > 1 {
		t.ID = segments[1]
	}
	if len(segments) > 2 {
		if segments[2] != "_history" {
			return t, nil
		}
		t.History = true
	}
	if len(segments) > 3 {
		t.VersionID = segments[3]
	}
	return t, nil
}

func (t Target) hasPrefix(prefix string) bool {
	return t.Path == prefix || strings.HasPrefix(t.Path, prefix+"/")
}

// shape reports which store-level URL form the target has
func (t Target) shape() string {
	switch {
	case t.segmentLen == 1:
		return "type"
	case t.segmentLen == 2:
		return "instance"
	case t.segmentLen == 3 && t.History:
		return "history"
	case t.segmentLen == 4 && t.History:
		return "vread"
	}
	return ""
}

func (e *Executor) dispatch(ctx context.Context, entry resource.BundleEntry) (*Result, error) {
	if entry.Request == nil {
		return nil, resource.Validationf("entry has no request")
	}
	method := strings.ToUpper(strings.TrimSpace(entry.Request.Method))

	target, err := ParseURL(entry.Request.URL)
	if err != nil {
		return nil, err
	}

	for _, m := range e.mounts {
		if target.hasPrefix(m.prefix) {
			return m.handler.HandleEntry(ctx, EntryRequest{
				Method:   method,
				Path:     target.Path,
				Query:    target.Query,
				Resource: entry.Resource.Clone(),
			})
		}
	}

	switch target.shape() {
	case "type":
		return e.dispatchType(ctx, method, target, entry.Resource)
	case "instance":
		return e.dispatchInstance(ctx, method, target, entry.Resource)
	case "history":
		if method != http.MethodGet {
			return nil, methodNotSupported(method, entry.Request.URL)
		}
		recs, err := e.store.ReadHistory(ctx, target.Type, target.ID)
		if err != nil {
			return nil, err
		}
		return bundleResult(store.HistoryBundle(recs))
	case "vread":
		if method != http.MethodGet {
			return nil, methodNotSupported(method, entry.Request.URL)
		}
		rec, err := e.store.ReadVersion(ctx, target.Type, target.ID, target.VersionID)
		if err != nil {
			return nil, err
		}
		return recordResult(http.StatusOK, rec), nil
	}
	return nil, resource.Validationf("unsupported entry url %q", entry.Request.URL)
}

func (e *Executor) dispatchType(ctx context.Context, method string, target Target, body resource.Resource) (*Result, error) {
	switch method {
	case http.MethodGet:
		req, err := search.ParseQuery(target.Type, target.Query)
		if err != nil {
			return nil, err
		}
		res, err := e.store.Search(ctx, req)
		if err != nil {
			return nil, err
		}
		return bundleResult(res.Bundle(e.baseURL))

	case http.MethodPost:
		if body == nil {
			return nil, resource.Validationf("POST %s requires a resource", target.Type)
		}
		rec, err := e.store.Create(ctx, target.Type, body)
		if err != nil {
			return nil, err
		}
		return recordResult(http.StatusCreated, rec), nil
	}
	return nil, methodNotSupported(method, target.Path)
}

func (e *Executor) dispatchInstance(ctx context.Context, method string, target Target, body resource.Resource) (*Result, error) {
	switch method {
	case http.MethodGet:
		rec, err := e.store.Read(ctx, target.Type, target.ID)
		if err != nil {
			return nil, err
		}
		return recordResult(http.StatusOK, rec), nil

	case http.MethodPut:
		if body == nil {
			return nil, resource.Validationf("PUT %s requires a resource", target.Path)
		}
		rec, err := e.store.Update(ctx, target.Type, target.ID, body)
		if err != nil {
			return nil, err
		}
		return recordResult(http.StatusOK, rec), nil

	case http.MethodPatch:
		ops, err := PatchOperations(body)
		if err != nil {
			return nil, err
		}
		rec, err := e.store.Patch(ctx, target.Type, target.ID, ops)
		if err != nil {
			return nil, err
		}
		return recordResult(http.StatusOK, rec), nil

	case http.MethodDelete:
		if err := e.store.Delete(ctx, target.Type, target.ID); err != nil {
			return nil, err
		}
		return &Result{Status: http.StatusOK, Resource: resource.AllOK()}, nil
	}
	return nil, methodNotSupported(method, target.Path)
}

// PatchOperations decodes a json-patch entry body. The body is a Binary
// resource whose base64 data holds the patch array.
func PatchOperations(body resource.Resource) ([]patch.Operation, error) {
	if body == nil {
		return nil, resource.Validationf("PATCH requires a Binary json-patch body")
	}
	if body.ResourceType() != "Binary" {
		return nil, resource.InvalidField("resourceType", "PATCH body must be a Binary resource, got %q", body.ResourceType())
	}
	if ct, _ := body["contentType"].(string); ct != JSONPatchContentType {
		return nil, resource.InvalidField("contentType", "PATCH body content type must be %s", JSONPatchContentType)
	}

	data, _ := body["data"].(string)
	decoded, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return nil, resource.InvalidField("data", "PATCH body data is not base64: %v", err)
	}
	return patch.Parse(decoded)
}

// PatchBody wraps patch operations as a Binary entry body
func PatchBody(ops []patch.Operation) (resource.Resource, error) {
	data, err := json.Marshal(ops)
	if err != nil {
		return nil, err
	}
	return resource.Resource{
		"resourceType": "Binary",
		"contentType":  JSONPatchContentType,
		"data":         base64.StdEncoding.EncodeToString(data),
	}, nil
}

func recordResult(status int, rec *version.Record) *Result {
	return &Result{
		Status:       status,
		Resource:     rec.Resource(),
		Location:     store.Location(rec),
		Etag:         store.ETag(rec),
		LastModified: resource.FormatTime(rec.LastUpdated),
	}
}

func bundleResult(b *resource.Bundle) (*Result, error) {
	r, err := b.Resource()
	if err != nil {
		return nil, err
	}
	return &Result{Status: http.StatusOK, Resource: r}, nil
}

func methodNotSupported(method, target string) error {
	if method == "" {
		return resource.Validationf("entry request method is required")
	}
	return resource.Validationf("method %s is not supported for %q", method, target)
}
