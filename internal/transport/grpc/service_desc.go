package grpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name. Requests and responses
// are google.protobuf.Struct documents with snake_case keys.
const ServiceName = "chairtime.v1.SubscriptionsService"

const (
	methodPreviewSubscription = "PreviewSubscription"
	methodCreateSubscription  = "CreateSubscription"
	methodChangePlanType      = "ChangePlanType"
	methodPauseSubscription   = "PauseSubscription"
	methodResumeSubscription  = "ResumeSubscription"
	methodCancelSubscription  = "CancelSubscription"
	methodGetSubscription     = "GetSubscription"
)

// SubscriptionsServiceServer is the server API for the subscriptions service.
type SubscriptionsServiceServer interface {
	PreviewSubscription(context.Context, *structpb.Struct) (*structpb.Struct, error)
	CreateSubscription(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ChangePlanType(context.Context, *structpb.Struct) (*structpb.Struct, error)
	PauseSubscription(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ResumeSubscription(context.Context, *structpb.Struct) (*structpb.Struct, error)
	CancelSubscription(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetSubscription(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

type unaryMethod func(SubscriptionsServiceServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unaryHandler(name string, call unaryMethod) func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	fullMethod := "/" + ServiceName + "/" + name
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(SubscriptionsServiceServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(SubscriptionsServiceServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

var subscriptionsServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*SubscriptionsServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: methodPreviewSubscription, Handler: unaryHandler(methodPreviewSubscription, SubscriptionsServiceServer.PreviewSubscription)},
		{MethodName: methodCreateSubscription, Handler: unaryHandler(methodCreateSubscription, SubscriptionsServiceServer.CreateSubscription)},
		{MethodName: methodChangePlanType, Handler: unaryHandler(methodChangePlanType, SubscriptionsServiceServer.ChangePlanType)},
		{MethodName: methodPauseSubscription, Handler: unaryHandler(methodPauseSubscription, SubscriptionsServiceServer.PauseSubscription)},
		{MethodName: methodResumeSubscription, Handler: unaryHandler(methodResumeSubscription, SubscriptionsServiceServer.ResumeSubscription)},
		{MethodName: methodCancelSubscription, Handler: unaryHandler(methodCancelSubscription, SubscriptionsServiceServer.CancelSubscription)},
		{MethodName: methodGetSubscription, Handler: unaryHandler(methodGetSubscription, SubscriptionsServiceServer.GetSubscription)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "chairtime/v1/subscriptions.proto",
}

func RegisterSubscriptionsServiceServer(s grpc.ServiceRegistrar, srv SubscriptionsServiceServer) {
	s.RegisterService(&subscriptionsServiceDesc, srv)
}

// SubscriptionsClient calls the subscriptions service over a client connection.
type SubscriptionsClient struct {
	cc grpc.ClientConnInterface
}

func NewSubscriptionsClient(cc grpc.ClientConnInterface) *SubscriptionsClient {
	return &SubscriptionsClient{cc: cc}
}

func (c *SubscriptionsClient) Call(ctx context.Context, method string, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, "/"+ServiceName+"/"+method, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
