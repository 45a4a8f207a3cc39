package api

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "topdeck.diagnostics.v1.Diagnostics"

// Method names of the diagnostics service.
const (
	MethodGetLiveSnapshot     = "GetLiveSnapshot"
	MethodGetServiceHealth    = "GetServiceHealth"
	MethodCalculateBaseline   = "CalculateBaseline"
	MethodCompareWithHistory  = "CompareWithHistory"
	MethodAnalyzeFailure      = "AnalyzeFailure"
	MethodCaptureError        = "CaptureError"
	MethodReplayError         = "ReplayError"
	MethodSearchErrors        = "SearchErrors"
	MethodGetErrorStatistics  = "GetErrorStatistics"
	MethodEvaluateRules       = "EvaluateRules"
	MethodAcknowledgeAlert    = "AcknowledgeAlert"
	MethodResolveAlert        = "ResolveAlert"
	MethodDetectScalingEvents = "DetectScalingEvents"
	MethodPredictLoadImpact   = "PredictLoadImpact"
)

// DiagnosticsServer is the server API of the diagnostics service. Requests and responses are
// JSON-shaped google.protobuf.Struct messages.
type DiagnosticsServer interface {
	GetLiveSnapshot(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetServiceHealth(context.Context, *structpb.Struct) (*structpb.Struct, error)
	CalculateBaseline(context.Context, *structpb.Struct) (*structpb.Struct, error)
	CompareWithHistory(context.Context, *structpb.Struct) (*structpb.Struct, error)
	AnalyzeFailure(context.Context, *structpb.Struct) (*structpb.Struct, error)
	CaptureError(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ReplayError(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SearchErrors(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetErrorStatistics(context.Context, *structpb.Struct) (*structpb.Struct, error)
	EvaluateRules(context.Context, *structpb.Struct) (*structpb.Struct, error)
	AcknowledgeAlert(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ResolveAlert(context.Context, *structpb.Struct) (*structpb.Struct, error)
	DetectScalingEvents(context.Context, *structpb.Struct) (*structpb.Struct, error)
	PredictLoadImpact(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

type unaryCall func(DiagnosticsServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unaryMethod(name string, call unaryCall) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(DiagnosticsServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/" + name}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(DiagnosticsServer), ctx, req.(*structpb.Struct))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

// ServiceDesc describes the diagnostics service for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*DiagnosticsServer)(nil),
	Methods: []grpc.MethodDesc{
		unaryMethod(MethodGetLiveSnapshot, DiagnosticsServer.GetLiveSnapshot),
		unaryMethod(MethodGetServiceHealth, DiagnosticsServer.GetServiceHealth),
		unaryMethod(MethodCalculateBaseline, DiagnosticsServer.CalculateBaseline),
		unaryMethod(MethodCompareWithHistory, DiagnosticsServer.CompareWithHistory),
		unaryMethod(MethodAnalyzeFailure, DiagnosticsServer.AnalyzeFailure),
		unaryMethod(MethodCaptureError, DiagnosticsServer.CaptureError),
		unaryMethod(MethodReplayError, DiagnosticsServer.ReplayError),
		unaryMethod(MethodSearchErrors, DiagnosticsServer.SearchErrors),
		unaryMethod(MethodGetErrorStatistics, DiagnosticsServer.GetErrorStatistics),
		unaryMethod(MethodEvaluateRules, DiagnosticsServer.EvaluateRules),
		unaryMethod(MethodAcknowledgeAlert, DiagnosticsServer.AcknowledgeAlert),
		unaryMethod(MethodResolveAlert, DiagnosticsServer.ResolveAlert),
		unaryMethod(MethodDetectScalingEvents, DiagnosticsServer.DetectScalingEvents),
		unaryMethod(MethodPredictLoadImpact, DiagnosticsServer.PredictLoadImpact),
	},
	Streams: []grpc.StreamDesc{},
}

// RegisterDiagnosticsServer registers srv on s.
func RegisterDiagnosticsServer(s grpc.ServiceRegistrar, srv DiagnosticsServer) {
	s.RegisterService(&ServiceDesc, srv)
}

// Client calls the diagnostics service over an established connection.
type Client struct {
	cc grpc.ClientConnInterface
}

// NewClient wraps a client connection.
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

// Call invokes method with req encoded as a Struct and decodes the reply into out.
func (c *Client) Call(ctx context.Context, method string, req, out any, opts ...grpc.CallOption) error {
	in, err := ToStruct(req)
	if err != nil {
		return err
	}
	reply := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, "/"+ServiceName+"/"+method, in, reply, opts...); err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	return FromStruct(reply, out)
}
