package rpc

import (
	"context"

	"google.golang.org/grpc"
)

// TabletServer is the tablet-server-side RPC surface the driver dispatches
// Write and Read segments against. A real deployment implements this
// against its storage engine; the demo server in cmd/tabletctl implements
// it against an in-memory table for exercising the batcher end to end.
type TabletServer interface {
	Write(ctx context.Context, req *WriteRequest) (*WriteResponse, error)
	Read(ctx context.Context, req *ReadRequest) (*ReadResponse, error)
}

const serviceName = "tabletclient.TabletService"

// ServiceDesc is hand-written in place of a protoc-generated descriptor:
// each MethodDesc's Handler decodes the request through the codec supplied
// by the server's dial options (see codec.go) and dispatches to the
// TabletServer implementation, running it through any configured unary
// interceptor exactly as generated code would.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*TabletServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Write", Handler: writeHandler},
		{MethodName: "Read", Handler: readHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "pkg/rpc/service.go",
}

func writeHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(WriteRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(TabletServer).Write(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/Write"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(TabletServer).Write(ctx, req.(*WriteRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func readHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(ReadRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(TabletServer).Read(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/Read"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(TabletServer).Read(ctx, req.(*ReadRequest))
	}
	return interceptor(ctx, in, info, handler)
}

// RegisterTabletServer registers srv against s using ServiceDesc, the
// hand-written equivalent of protoc's generated RegisterXxxServer function.
func RegisterTabletServer(s *grpc.Server, srv TabletServer) {
	s.RegisterService(&ServiceDesc, srv)
}
