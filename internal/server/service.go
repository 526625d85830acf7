// Service descriptor for the resourcestore.v1.ResourceStore gRPC service
package server

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name
const ServiceName = "resourcestore.v1.ResourceStore"

// Method names
const (
	MethodCreate  = "Create"
	MethodRead    = "Read"
	MethodVRead   = "VRead"
	MethodHistory = "History"
	MethodUpdate  = "Update"
	MethodPatch   = "Patch"
	MethodDelete  = "Delete"
	MethodSearch  = "Search"
	MethodBatch   = "Batch"
)

// Request fields
const (
	FieldResourceType = "resourceType"
	FieldID           = "id"
	FieldVersionID    = "versionId"
	FieldResource     = "resource"
	FieldPatch        = "patch"
	FieldQuery        = "query"
	FieldBundle       = "bundle"
)

// ResourceStoreServer is the server API. Every message is a Struct holding
// the request fields above; responses are resource or bundle documents.
type ResourceStoreServer interface {
	Create(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Read(context.Context, *structpb.Struct) (*structpb.Struct, error)
	VRead(context.Context, *structpb.Struct) (*structpb.Struct, error)
	History(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Update(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Patch(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Delete(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Search(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Batch(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

type unaryCall func(ResourceStoreServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unaryMethod(name string, call unaryCall) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(ResourceStoreServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{
				Server:     srv,
				FullMethod: FullMethod(name),
			}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(ResourceStoreServer), ctx, req.(*structpb.Struct))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

// FullMethod renders "/resourcestore.v1.ResourceStore/<name>"
func FullMethod(name string) string {
	return "/" + ServiceName + "/" + name
}

// ServiceDesc describes the ResourceStore service
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ResourceStoreServer)(nil),
	Methods: []grpc.MethodDesc{
		unaryMethod(MethodCreate, ResourceStoreServer.Create),
		unaryMethod(MethodRead, ResourceStoreServer.Read),
		unaryMethod(MethodVRead, ResourceStoreServer.VRead),
		unaryMethod(MethodHistory, ResourceStoreServer.History),
		unaryMethod(MethodUpdate, ResourceStoreServer.Update),
		unaryMethod(MethodPatch, ResourceStoreServer.Patch),
		unaryMethod(MethodDelete, ResourceStoreServer.Delete),
		unaryMethod(MethodSearch, ResourceStoreServer.Search),
		unaryMethod(MethodBatch, ResourceStoreServer.Batch),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "resourcestore/v1/resourcestore.proto",
}

// RegisterResourceStoreServer registers srv with a gRPC server
func RegisterResourceStoreServer(s grpc.ServiceRegistrar, srv ResourceStoreServer) {
	s.RegisterService(&ServiceDesc, srv)
}
