// Client for the ResourceStore gRPC service
package server

import (
	"context"
	"encoding/json"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/nainya/resourcestore/pkg/patch"
	"github.com/nainya/resourcestore/pkg/resource"
)

// Client calls a remote ResourceStore service
type Client struct {
	conn   grpc.ClientConnInterface
	closer func() error
}

// Dial connects to target without transport security
func Dial(target string, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", target, err)
	}
	return &Client{conn: conn, closer: conn.Close}, nil
}

// NewClient wraps an existing connection
func NewClient(conn grpc.ClientConnInterface) *Client {
	return &Client{conn: conn}
}

// Close releases the connection opened by Dial
func (c *Client) Close() error {
	if c.closer == nil {
		return nil
	}
	return c.closer()
}

func (c *Client) invoke(ctx context.Context, method string, fields map[string]any) (resource.Resource, error) {
	in, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, fmt.Errorf("encode %s request: %w", method, err)
	}
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, FullMethod(method), in, out); err != nil {
		return nil, FromStatus(err)
	}
	return fromStruct(out)
}

// jsonValue converts a document into the plain values structpb accepts
func jsonValue(v any) (map[string]any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) withResource(ctx context.Context, method, resourceType, id string, doc resource.Resource) (resource.Resource, error) {
	body, err := jsonValue(doc)
	if err != nil {
		return nil, err
	}
	fields := map[string]any{FieldResourceType: resourceType, FieldResource: body}
	if id != "" {
		fields[FieldID] = id
	}
	return c.invoke(ctx, method, fields)
}

// Create stores a new resource
func (c *Client) Create(ctx context.Context, resourceType string, doc resource.Resource) (resource.Resource, error) {
	return c.withResource(ctx, MethodCreate, resourceType, "", doc)
}

// Read returns the current version
func (c *Client) Read(ctx context.Context, resourceType, id string) (resource.Resource, error) {
	return c.invoke(ctx, MethodRead, map[string]any{FieldResourceType: resourceType, FieldID: id})
}

// VRead returns a specific version
func (c *Client) VRead(ctx context.Context, resourceType, id, versionID string) (resource.Resource, error) {
	return c.invoke(ctx, MethodVRead, map[string]any{
		FieldResourceType: resourceType,
		FieldID:           id,
		FieldVersionID:    versionID,
	})
}

// History returns the history bundle of an entity
func (c *Client) History(ctx context.Context, resourceType, id string) (*resource.Bundle, error) {
	doc, err := c.invoke(ctx, MethodHistory, map[string]any{FieldResourceType: resourceType, FieldID: id})
	if err != nil {
		return nil, err
	}
	return resource.BundleFromResource(doc)
}

// Update writes a new version
func (c *Client) Update(ctx context.Context, resourceType, id string, doc resource.Resource) (resource.Resource, error) {
	return c.withResource(ctx, MethodUpdate, resourceType, id, doc)
}

// Patch applies JSON patch operations
func (c *Client) Patch(ctx context.Context, resourceType, id string, ops []patch.Operation) (resource.Resource, error) {
	data, err := json.Marshal(ops)
	if err != nil {
		return nil, err
	}
	var list []any
	if err := json.Unmarshal(data, &list); err != nil {
		return nil, err
	}
	return c.invoke(ctx, MethodPatch, map[string]any{
		FieldResourceType: resourceType,
		FieldID:           id,
		FieldPatch:        list,
	})
}

// Delete removes a resource
func (c *Client) Delete(ctx context.Context, resourceType, id string) error {
	_, err := c.invoke(ctx, MethodDelete, map[string]any{FieldResourceType: resourceType, FieldID: id})
	return err
}

// Search runs a query string search
func (c *Client) Search(ctx context.Context, resourceType, query string) (*resource.Bundle, error) {
	doc, err := c.invoke(ctx, MethodSearch, map[string]any{FieldResourceType: resourceType, FieldQuery: query})
	if err != nil {
		return nil, err
	}
	return resource.BundleFromResource(doc)
}

// Batch executes a batch or transaction bundle
func (c *Client) Batch(ctx context.Context, b *resource.Bundle) (*resource.Bundle, error) {
	body, err := jsonValue(b)
	if err != nil {
		return nil, err
	}
	doc, err := c.invoke(ctx, MethodBatch, map[string]any{FieldBundle: body})
	if err != nil {
		return nil, err
	}
	return resource.BundleFromResource(doc)
}
