// Package server implements the gRPC ResourceStore service
package server

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/nainya/resourcestore/internal/logger"
	"github.com/nainya/resourcestore/pkg/batch"
	"github.com/nainya/resourcestore/pkg/patch"
	"github.com/nainya/resourcestore/pkg/resource"
	"github.com/nainya/resourcestore/pkg/search"
	"github.com/nainya/resourcestore/pkg/store"
)

// Server implements ResourceStoreServer over a store and batch executor
type Server struct {
	store    *store.Store
	executor *batch.Executor
	baseURL  string
	log      *logger.Logger
}

// NewServer creates a new gRPC server instance
func NewServer(st *store.Store, exec *batch.Executor, baseURL string, log *logger.Logger) *Server {
	return &Server{
		store:    st,
		executor: exec,
		baseURL:  baseURL,
		log:      logger.OrNop(log),
	}
}

// ========== Instance Operations ==========

func (s *Server) Create(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	resourceType, err := requireString(req, FieldResourceType)
	if err != nil {
		return nil, err
	}
	content, err := resourceField(req, FieldResource)
	if err != nil {
		return nil, err
	}

	rec, err := s.store.Create(ctx, resourceType, content)
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(rec.Resource())
}

func (s *Server) Read(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	resourceType, id, err := requireTypeAndID(req)
	if err != nil {
		return nil, err
	}

	rec, err := s.store.Read(ctx, resourceType, id)
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(rec.Resource())
}

func (s *Server) VRead(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	resourceType, id, err := requireTypeAndID(req)
	if err != nil {
		return nil, err
	}
	versionID, err := requireString(req, FieldVersionID)
	if err != nil {
		return nil, err
	}

	rec, err := s.store.ReadVersion(ctx, resourceType, id, versionID)
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(rec.Resource())
}

func (s *Server) History(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	resourceType, id, err := requireTypeAndID(req)
	if err != nil {
		return nil, err
	}

	b, err := s.store.HistoryBundle(ctx, resourceType, id)
	if err != nil {
		return nil, toStatus(err)
	}
	return bundleStruct(b)
}

func (s *Server) Update(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	resourceType, err := requireString(req, FieldResourceType)
	if err != nil {
		return nil, err
	}
	content, err := resourceField(req, FieldResource)
	if err != nil {
		return nil, err
	}

	rec, err := s.store.Update(ctx, resourceType, stringField(req, FieldID), content)
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(rec.Resource())
}

func (s *Server) Patch(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	resourceType, id, err := requireTypeAndID(req)
	if err != nil {
		return nil, err
	}

	value, ok := req.GetFields()[FieldPatch]
	if !ok {
		return nil, status.Errorf(codes.InvalidArgument, "%s is required", FieldPatch)
	}
	data, err := protojson.Marshal(value)
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "encode patch: %v", err)
	}
	ops, err := patch.Parse(data)
	if err != nil {
		return nil, toStatus(err)
	}

	rec, err := s.store.Patch(ctx, resourceType, id, ops)
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(rec.Resource())
}

func (s *Server) Delete(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	resourceType, id, err := requireTypeAndID(req)
	if err != nil {
		return nil, err
	}

	if err := s.store.Delete(ctx, resourceType, id); err != nil {
		return nil, toStatus(err)
	}
	return toStruct(resource.AllOK())
}

// ========== Search and Batch ==========

func (s *Server) Search(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	resourceType, err := requireString(req, FieldResourceType)
	if err != nil {
		return nil, err
	}

	query, err := search.ParseQuery(resourceType, strings.TrimPrefix(stringField(req, FieldQuery), "?"))
	if err != nil {
		return nil, toStatus(err)
	}
	res, err := s.store.Search(ctx, query)
	if err != nil {
		return nil, toStatus(err)
	}
	return bundleStruct(res.Bundle(s.baseURL))
}

func (s *Server) Batch(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	doc, err := resourceField(req, FieldBundle)
	if err != nil {
		return nil, err
	}
	b, err := resource.BundleFromResource(doc)
	if err != nil {
		return nil, toStatus(err)
	}

	resp, err := s.executor.Execute(ctx, b)
	if err != nil {
		return nil, toStatus(err)
	}
	return bundleStruct(resp)
}

// ========== Conversion ==========

func stringField(req *structpb.Struct, name string) string {
	return req.GetFields()[name].GetStringValue()
}

func requireString(req *structpb.Struct, name string) (string, error) {
	v := stringField(req, name)
	if v == "" {
		return "", status.Errorf(codes.InvalidArgument, "%s is required", name)
	}
	return v, nil
}

func requireTypeAndID(req *structpb.Struct) (string, string, error) {
	resourceType, err := requireString(req, FieldResourceType)
	if err != nil {
		return "", "", err
	}
	id, err := requireString(req, FieldID)
	if err != nil {
		return "", "", err
	}
	return resourceType, id, nil
}

func resourceField(req *structpb.Struct, name string) (resource.Resource, error) {
	v := req.GetFields()[name].GetStructValue()
	if v == nil {
		return nil, status.Errorf(codes.InvalidArgument, "%s is required", name)
	}
	return fromStruct(v)
}

// fromStruct converts through JSON so numbers and nesting match documents
// decoded by the REST adapter
func fromStruct(st *structpb.Struct) (resource.Resource, error) {
	data, err := protojson.Marshal(st)
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "encode document: %v", err)
	}
	doc, err := resource.Parse(data)
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "%v", err)
	}
	return doc, nil
}

func toStruct(doc resource.Resource) (*structpb.Struct, error) {
	data, err := doc.JSON()
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode document: %v", err)
	}
	out := &structpb.Struct{}
	if err := protojson.Unmarshal(data, out); err != nil {
		return nil, status.Errorf(codes.Internal, "convert document: %v", err)
	}
	return out, nil
}

func bundleStruct(b *resource.Bundle) (*structpb.Struct, error) {
	doc, err := b.Resource()
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode bundle: %v", err)
	}
	return toStruct(doc)
}

// toStatus maps store errors onto gRPC codes
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}

	code := codes.Internal
	switch {
	case errors.Is(err, resource.ErrValidation):
		code = codes.InvalidArgument
	case errors.Is(err, resource.ErrNotFound):
		code = codes.NotFound
	case errors.Is(err, resource.ErrPatch):
		code = codes.FailedPrecondition
	case errors.Is(err, resource.ErrConflict):
		code = codes.Aborted
	}
	return status.Error(code, err.Error())
}

// FromStatus maps a gRPC error back onto the store error kinds
func FromStatus(err error) error {
	st, ok := status.FromError(err)
	if !ok || err == nil {
		return err
	}

	switch st.Code() {
	case codes.InvalidArgument:
		return resource.Validationf("%s", st.Message())
	case codes.NotFound:
		return resource.NotFoundf("%s", st.Message())
	case codes.FailedPrecondition:
		return resource.Patchf("%s", st.Message())
	case codes.Aborted:
		return resource.Conflictf("%s", st.Message())
	}
	return fmt.Errorf("rpc failed: %w", err)
}
