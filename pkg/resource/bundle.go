// ABOUTME: Bundle container documents for batch, history and search
// ABOUTME: Ordered entries with request/response envelopes

package resource

import (
	"encoding/json"
	"fmt"
)

// Bundle types
const (
	BundleBatch               = "batch"
	BundleBatchResponse       = "batch-response"
	BundleTransaction         = "transaction"
	BundleTransactionResponse = "transaction-response"
	BundleHistory             = "history"
	BundleSearchset           = "searchset"
)

// Bundle is an ordered container of resources
type Bundle struct {
	ResourceType string        `json:"resourceType"`
	ID           string        `json:"id,omitempty"`
	Type         string        `json:"type"`
	Timestamp    string        `json:"timestamp,omitempty"`
	Total        *int          `json:"total,omitempty"`
	Link         []BundleLink  `json:"link,omitempty"`
	Entry        []BundleEntry `json:"entry,omitempty"`
}

// BundleLink is a navigation link (self, next, previous)
type BundleLink struct {
	Relation string `json:"relation"`
	URL      string `json:"url"`
}

// BundleEntry is one element of a bundle
type BundleEntry struct {
	FullURL  string          `json:"fullUrl,omitempty"`
	Resource Resource        `json:"resource,omitempty"`
	Request  *BundleRequest  `json:"request,omitempty"`
	Response *BundleResponse `json:"response,omitempty"`
}

// BundleRequest describes the operation an entry asks for
type BundleRequest struct {
	Method string `json:"method"`
	URL    string `json:"url"`
}

// BundleResponse describes the result of an entry
type BundleResponse struct {
	Status       string   `json:"status"`
	Location     string   `json:"location,omitempty"`
	Etag         string   `json:"etag,omitempty"`
	LastModified string   `json:"lastModified,omitempty"`
	Outcome      Resource `json:"outcome,omitempty"`
}

// NewBundle creates an empty bundle of the given type
func NewBundle(bundleType string) *Bundle {
	return &Bundle{ResourceType: "Bundle", Type: bundleType}
}

// ParseBundle decodes a bundle document. Only structural problems fail here.
func ParseBundle(data []byte) (*Bundle, error) {
	var b Bundle
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, Validationf("malformed bundle: %v", err)
	}
	if b.ResourceType != "Bundle" {
		return nil, Validationf("expected resourceType Bundle, got %q", b.ResourceType)
	}
	return &b, nil
}

// BundleFromResource converts a generic resource into a Bundle
func BundleFromResource(r Resource) (*Bundle, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("encode bundle: %w", err)
	}
	return ParseBundle(data)
}

// Resource converts the bundle into a generic resource document
func (b *Bundle) Resource() (Resource, error) {
	return FromValue(b)
}

// SetTotal records an exact total
func (b *Bundle) SetTotal(total int) {
	b.Total = &total
}
