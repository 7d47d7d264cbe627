package grpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name. Requests and
// responses are google.protobuf.Struct documents.
const ServiceName = "craftworks.chat.v1.ChatService"

// ChatServiceServer is the server API of the chat service.
type ChatServiceServer interface {
	GetConnectionStatus(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Connect(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Disconnect(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetChats(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetChat(context.Context, *structpb.Struct) (*structpb.Struct, error)
	OpenChat(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetMessages(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetMessage(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SendMessage(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SendImage(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ResendMessage(context.Context, *structpb.Struct) (*structpb.Struct, error)
	MarkAsRead(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SetTyping(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SearchMessages(context.Context, *structpb.Struct) (*structpb.Struct, error)
	StreamEvents(*structpb.Struct, grpc.ServerStream) error
}

type unaryMethod func(ChatServiceServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unary(name string, fn unaryMethod) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return fn(srv.(ChatServiceServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{
				Server:     srv,
				FullMethod: FullMethod(name),
			}
			handler := func(ctx context.Context, req interface{}) (interface{}, error) {
				return fn(srv.(ChatServiceServer), ctx, req.(*structpb.Struct))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

func streamEventsHandler(srv interface{}, stream grpc.ServerStream) error {
	in := new(structpb.Struct)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(ChatServiceServer).StreamEvents(in, stream)
}

// FullMethod returns the gRPC method path of name.
func FullMethod(name string) string {
	return "/" + ServiceName + "/" + name
}

// ServiceDesc describes the chat service for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ChatServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("GetConnectionStatus", ChatServiceServer.GetConnectionStatus),
		unary("Connect", ChatServiceServer.Connect),
		unary("Disconnect", ChatServiceServer.Disconnect),
		unary("GetChats", ChatServiceServer.GetChats),
		unary("GetChat", ChatServiceServer.GetChat),
		unary("OpenChat", ChatServiceServer.OpenChat),
		unary("GetMessages", ChatServiceServer.GetMessages),
		unary("GetMessage", ChatServiceServer.GetMessage),
		unary("SendMessage", ChatServiceServer.SendMessage),
		unary("SendImage", ChatServiceServer.SendImage),
		unary("ResendMessage", ChatServiceServer.ResendMessage),
		unary("MarkAsRead", ChatServiceServer.MarkAsRead),
		unary("SetTyping", ChatServiceServer.SetTyping),
		unary("SearchMessages", ChatServiceServer.SearchMessages),
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "StreamEvents",
			Handler:       streamEventsHandler,
			ServerStreams: true,
		},
	},
	Metadata: "craftworks/chat/v1/chat.proto",
}
