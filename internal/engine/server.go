package engine

import (
	"context"
	"encoding/json"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/danielpatrickdp/adaptive-state/safety-controller/internal/gate"
	"github.com/danielpatrickdp/adaptive-state/safety-controller/internal/shadow"
)

// #region handler
// Handler is the engine side of both services.
type Handler interface {
	Decide(ctx context.Context, subject, window string) (shadow.Decision, error)
	Collect(ctx context.Context, section string, h gate.Horizon) (interface{}, error)
}

// Register mounts both services on s.
func Register(s *grpc.Server, h Handler) {
	s.RegisterService(&decisionServiceDesc, h)
	s.RegisterService(&dataQualityServiceDesc, h)
}

// #endregion handler

// #region service-desc
var decisionServiceDesc = grpc.ServiceDesc{
	ServiceName: DecisionService,
	HandlerType: (*Handler)(nil),
	Methods: []grpc.MethodDesc{{
		MethodName: "Decide",
		Handler:    unary(decideMethod, handleDecide),
	}},
	Streams: []grpc.StreamDesc{},
}

var dataQualityServiceDesc = grpc.ServiceDesc{
	ServiceName: DataQualityService,
	HandlerType: (*Handler)(nil),
	Methods: []grpc.MethodDesc{{
		MethodName: "Collect",
		Handler:    unary(collectMethod, handleCollect),
	}},
	Streams: []grpc.StreamDesc{},
}

type structHandler func(ctx context.Context, h Handler, req *structpb.Struct) (*structpb.Struct, error)

func unary(method string, fn structHandler) grpc.MethodHandler {
	return func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
		in := &structpb.Struct{}
		if err := dec(in); err != nil {
			return nil, err
		}
		h := srv.(Handler)
		if interceptor == nil {
			return fn(ctx, h, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: method}
		return interceptor(ctx, in, info, func(ctx context.Context, req interface{}) (interface{}, error) {
			return fn(ctx, h, req.(*structpb.Struct))
		})
	}
}

// #endregion service-desc

// #region handlers
func handleDecide(ctx context.Context, h Handler, req *structpb.Struct) (*structpb.Struct, error) {
	subject := req.GetFields()["subject"].GetStringValue()
	window := req.GetFields()["window"].GetStringValue()
	if subject == "" {
		return nil, status.Error(codes.InvalidArgument, "subject is required")
	}
	d, err := h.Decide(ctx, subject, window)
	if err != nil {
		return nil, status.Error(codes.Unavailable, err.Error())
	}
	return EncodeStruct(d)
}

func handleCollect(ctx context.Context, h Handler, req *structpb.Struct) (*structpb.Struct, error) {
	section := req.GetFields()["section"].GetStringValue()
	horizon, err := gate.ParseHorizon(req.GetFields()["horizon"].GetStringValue())
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	m, err := h.Collect(ctx, section, horizon)
	if err != nil {
		return nil, status.Error(codes.Unavailable, err.Error())
	}
	return EncodeStruct(m)
}

// EncodeStruct round-trips v through its json tags into a Struct. Errors
// carry gRPC status codes.
func EncodeStruct(v interface{}) (*structpb.Struct, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, status.Error(codes.Internal, fmt.Sprintf("encode response: %v", err))
	}
	var m map[string]interface{}
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, status.Error(codes.Internal, fmt.Sprintf("encode response: %v", err))
	}
	s, err := structpb.NewStruct(m)
	if err != nil {
		return nil, status.Error(codes.Internal, fmt.Sprintf("encode response: %v", err))
	}
	return s, nil
}

// #endregion handlers
