package server

import (
	"context"
	"errors"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/danielpatrickdp/adaptive-state/safety-controller/internal/engine"
	"github.com/danielpatrickdp/adaptive-state/safety-controller/internal/gate"
	"github.com/danielpatrickdp/adaptive-state/safety-controller/internal/shadow"
	"github.com/danielpatrickdp/adaptive-state/safety-controller/internal/update"
)

// #region methods
const (
	ControllerService = "adaptive.safety.v1.SafetyController"

	applyFeedbackMethod   = "/" + ControllerService + "/ApplyFeedback"
	verdictMethod         = "/" + ControllerService + "/Verdict"
	trainingAllowedMethod = "/" + ControllerService + "/TrainingAllowed"
)

// SafetyService is what feedback producers, routers and trainers call.
type SafetyService interface {
	ApplyFeedback(ctx context.Context, fb update.Feedback) (update.Result, error)
	LatestVerdict(ctx context.Context, window string) (shadow.Verdict, error)
	TrainingAllowed(ctx context.Context, h gate.Horizon) (bool, error)
}

// RegisterController mounts the controller service on s.
func RegisterController(s *grpc.Server, svc SafetyService) {
	s.RegisterService(&controllerServiceDesc, svc)
}

// #endregion methods

// #region app-service
func (a *App) ApplyFeedback(ctx context.Context, fb update.Feedback) (update.Result, error) {
	return a.Updates.Apply(ctx, fb)
}

func (a *App) LatestVerdict(ctx context.Context, window string) (shadow.Verdict, error) {
	if window == "" {
		window = a.cfg.Shadow.Window
	}
	return a.KillSwitch.LatestVerdict(ctx, window)
}

func (a *App) TrainingAllowed(ctx context.Context, h gate.Horizon) (bool, error) {
	return a.Gate.IsTrainingAllowed(ctx, h)
}

var _ SafetyService = (*App)(nil)

// #endregion app-service

// #region service-desc
var controllerServiceDesc = grpc.ServiceDesc{
	ServiceName: ControllerService,
	HandlerType: (*SafetyService)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "ApplyFeedback", Handler: unary(applyFeedbackMethod, handleApplyFeedback)},
		{MethodName: "Verdict", Handler: unary(verdictMethod, handleVerdict)},
		{MethodName: "TrainingAllowed", Handler: unary(trainingAllowedMethod, handleTrainingAllowed)},
	},
	Streams: []grpc.StreamDesc{},
}

type structHandler func(ctx context.Context, svc SafetyService, req *structpb.Struct) (*structpb.Struct, error)

func unary(method string, fn structHandler) grpc.MethodHandler {
	return func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
		in := &structpb.Struct{}
		if err := dec(in); err != nil {
			return nil, err
		}
		svc := srv.(SafetyService)
		if interceptor == nil {
			return fn(ctx, svc, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: method}
		return interceptor(ctx, in, info, func(ctx context.Context, req interface{}) (interface{}, error) {
			return fn(ctx, svc, req.(*structpb.Struct))
		})
	}
}

// #endregion service-desc

// #region handlers
type feedbackReply struct {
	Action       string   `json:"action"`
	Weight       *float64 `json:"weight"`
	HitBoundary  bool     `json:"hit_boundary"`
	Frozen       bool     `json:"frozen"`
	FrozenReason string   `json:"frozen_reason,omitempty"`
	Rate         float64  `json:"rate"`
	Delta        float64  `json:"delta"`
}

func handleApplyFeedback(ctx context.Context, svc SafetyService, req *structpb.Struct) (*structpb.Struct, error) {
	var fb update.Feedback
	if err := engine.DecodeStruct(req, &fb); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	if !fb.Key.Valid() {
		return nil, status.Error(codes.InvalidArgument, "key needs scope, scope_id, target and key")
	}
	res, err := svc.ApplyFeedback(ctx, fb)
	if errors.Is(err, update.ErrInvalidFeedback) {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return engine.EncodeStruct(feedbackReply{
		Action:       string(res.Action),
		Weight:       res.Weight,
		HitBoundary:  res.HitBoundary,
		Frozen:       res.Frozen,
		FrozenReason: res.FrozenReason,
		Rate:         res.Rate,
		Delta:        res.Delta,
	})
}

func handleVerdict(ctx context.Context, svc SafetyService, req *structpb.Struct) (*structpb.Struct, error) {
	window := req.GetFields()["window"].GetStringValue()
	v, err := svc.LatestVerdict(ctx, window)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return structpb.NewStruct(map[string]interface{}{
		"verdict":       string(v),
		"use_reference": v.UseReference(),
	})
}

func handleTrainingAllowed(ctx context.Context, svc SafetyService, req *structpb.Struct) (*structpb.Struct, error) {
	h, err := gate.ParseHorizon(req.GetFields()["horizon"].GetStringValue())
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	allowed, err := svc.TrainingAllowed(ctx, h)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return structpb.NewStruct(map[string]interface{}{
		"horizon": string(h),
		"allowed": allowed,
	})
}

// #endregion handlers
