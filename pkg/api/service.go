package api

import (
	"context"

	"google.golang.org/grpc"
)

// DriverService is the gRPC surface a driver process exposes to SDK
// clients: open a session, add operations to its current batcher, flush,
// close. One DriverService implementation multiplexes many concurrent
// sessions.
type DriverService interface {
	OpenSession(ctx context.Context, req *OpenSessionRequest) (*OpenSessionResponse, error)
	Add(ctx context.Context, req *AddRequest) (*AddResponse, error)
	Flush(ctx context.Context, req *FlushRequest) (*FlushResponse, error)
	CloseSession(ctx context.Context, req *CloseSessionRequest) (*CloseSessionResponse, error)
}

const serviceName = "tabletclient.DriverService"

// ServiceDesc is hand-written in place of a protoc-generated descriptor,
// the same approach pkg/rpc uses for the tablet-server surface.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*DriverService)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "OpenSession", Handler: openSessionHandler},
		{MethodName: "Add", Handler: addHandler},
		{MethodName: "Flush", Handler: flushHandler},
		{MethodName: "CloseSession", Handler: closeSessionHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "pkg/api/service.go",
}

func openSessionHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(OpenSessionRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(DriverService).OpenSession(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/OpenSession"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(DriverService).OpenSession(ctx, req.(*OpenSessionRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func addHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(AddRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(DriverService).Add(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/Add"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(DriverService).Add(ctx, req.(*AddRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func flushHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(FlushRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(DriverService).Flush(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/Flush"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(DriverService).Flush(ctx, req.(*FlushRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func closeSessionHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(CloseSessionRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(DriverService).CloseSession(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/CloseSession"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(DriverService).CloseSession(ctx, req.(*CloseSessionRequest))
	}
	return interceptor(ctx, in, info, handler)
}

// RegisterDriverServer registers srv against s using ServiceDesc.
func RegisterDriverServer(s *grpc.Server, srv DriverService) {
	s.RegisterService(&ServiceDesc, srv)
}
