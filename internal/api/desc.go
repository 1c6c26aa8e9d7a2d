// Package api serves the daemon's admin RPCs over gRPC. Messages are
// protobuf well-known types, so the service descriptor is maintained by hand
// instead of generated.
package api

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

const serviceName = "integrations.v1.AdminService"

const (
	methodGetStatus         = "/" + serviceName + "/GetStatus"
	methodRemoveIntegration = "/" + serviceName + "/RemoveIntegration"
	methodRemoveAccount     = "/" + serviceName + "/RemoveAccount"
	methodWatchEvents       = "/" + serviceName + "/WatchEvents"
)

// AdminServer is the server side of the admin service.
type AdminServer interface {
	GetStatus(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	RemoveIntegration(context.Context, *wrapperspb.StringValue) (*structpb.Struct, error)
	RemoveAccount(context.Context, *wrapperspb.StringValue) (*structpb.Struct, error)
	// WatchEvents streams bus events whose kind starts with the requested
	// prefix; an empty prefix streams everything.
	WatchEvents(*wrapperspb.StringValue, EventStream) error
}

// EventStream is the server stream of WatchEvents.
type EventStream interface {
	Send(*structpb.Struct) error
	grpc.ServerStream
}

// RegisterAdminServer registers srv on s.
func RegisterAdminServer(s grpc.ServiceRegistrar, srv AdminServer) {
	s.RegisterService(&adminServiceDesc, srv)
}

var adminServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*AdminServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "GetStatus", Handler: getStatusHandler},
		{MethodName: "RemoveIntegration", Handler: removeIntegrationHandler},
		{MethodName: "RemoveAccount", Handler: removeAccountHandler},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "WatchEvents", Handler: watchEventsHandler, ServerStreams: true},
	},
	Metadata: "integrations/v1/admin.proto",
}

func getStatusHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(AdminServer).GetStatus(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodGetStatus}
	return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
		return srv.(AdminServer).GetStatus(ctx, req.(*emptypb.Empty))
	})
}

func removeIntegrationHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(wrapperspb.StringValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(AdminServer).RemoveIntegration(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodRemoveIntegration}
	return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
		return srv.(AdminServer).RemoveIntegration(ctx, req.(*wrapperspb.StringValue))
	})
}

func removeAccountHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(wrapperspb.StringValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(AdminServer).RemoveAccount(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodRemoveAccount}
	return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
		return srv.(AdminServer).RemoveAccount(ctx, req.(*wrapperspb.StringValue))
	})
}

func watchEventsHandler(srv any, stream grpc.ServerStream) error {
	in := new(wrapperspb.StringValue)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(AdminServer).WatchEvents(in, &eventStream{stream})
}

type eventStream struct {
	grpc.ServerStream
}

func (s *eventStream) Send(m *structpb.Struct) error {
	return s.ServerStream.SendMsg(m)
}

// Client calls the admin service.
type Client struct {
	cc grpc.ClientConnInterface
}

// NewClient wraps a connection to the daemon.
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

func (c *Client) GetStatus(ctx context.Context, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, methodGetStatus, &emptypb.Empty{}, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) RemoveIntegration(ctx context.Context, erxesAPIID string, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, methodRemoveIntegration, wrapperspb.String(erxesAPIID), out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) RemoveAccount(ctx context.Context, accountID string, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, methodRemoveAccount, wrapperspb.String(accountID), out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// EventReceiver is the client stream of WatchEvents.
type EventReceiver interface {
	Recv() (*structpb.Struct, error)
	grpc.ClientStream
}

func (c *Client) WatchEvents(ctx context.Context, prefix string, opts ...grpc.CallOption) (EventReceiver, error) {
	stream, err := c.cc.NewStream(ctx, &adminServiceDesc.Streams[0], methodWatchEvents, opts...)
	if err != nil {
		return nil, err
	}
	if err := stream.SendMsg(wrapperspb.String(prefix)); err != nil {
		return nil, err
	}
	if err := stream.CloseSend(); err != nil {
		return nil, err
	}
	return &eventReceiver{stream}, nil
}

type eventReceiver struct {
	grpc.ClientStream
}

func (r *eventReceiver) Recv() (*structpb.Struct, error) {
	m := new(structpb.Struct)
	if err := r.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}
