package services

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/topdeckio/topdeck-diagnostics/internal/api"
	"github.com/topdeckio/topdeck-diagnostics/internal/models"
	"github.com/topdeckio/topdeck-diagnostics/internal/utils"
)

const defaultDurationHours = 1.0

// LiveDiagnostics serves snapshots and per-resource health.
type LiveDiagnostics interface {
	GetLiveSnapshot(ctx context.Context, durationHours float64) (models.LiveDiagnosticsSnapshot, error)
	GetServiceHealth(ctx context.Context, resourceID, resourceType string, durationHours float64) (models.ServiceHealthStatus, error)
}

// Baselines computes and compares metric baselines.
type Baselines interface {
	CalculateBaseline(ctx context.Context, resourceID string, metrics []string, force bool) (models.Baseline, error)
	CompareWithHistory(ctx context.Context, resourceID string, period models.HistoricalPeriod, metrics []string) (models.HistoricalComparison, error)
}

// RootCauses analyses failures.
type RootCauses interface {
	AnalyzeFailure(ctx context.Context, resourceID string, failureTime time.Time, lookbackHours float64) (models.RootCauseAnalysis, error)
}

// ErrorReplays captures, replays and searches errors.
type ErrorReplays interface {
	CaptureError(ctx context.Context, req models.CaptureRequest) (models.ErrorSnapshot, error)
	ReplayError(ctx context.Context, errorID string) (models.ErrorReplayResult, error)
	SearchErrors(ctx context.Context, filter models.ErrorSearchFilter) ([]models.ErrorSnapshot, error)
	GetErrorStatistics(ctx context.Context, start, end time.Time) (models.ErrorStatistics, error)
}

// Alerts evaluates rules and drives the alert lifecycle.
type Alerts interface {
	EvaluateRules(ctx context.Context, durationHours float64) ([]models.Alert, error)
	AcknowledgeAlert(ctx context.Context, alertID, acknowledgedBy string) (*models.Alert, error)
	ResolveAlert(ctx context.Context, alertID string) (*models.Alert, error)
}

// LoadChanges detects scaling events and predicts their impact.
type LoadChanges interface {
	DetectScalingEvents(ctx context.Context, resourceID string, lookbackHours float64) ([]models.ScalingEvent, error)
	PredictLoadImpact(ctx context.Context, resourceID string, targetReplicas, lookbackDays int) (models.LoadPrediction, error)
}

// Components groups the diagnostics components behind the facade. Any may be nil, in which case
// its methods answer FailedPrecondition.
type Components struct {
	Diagnostics LiveDiagnostics
	Baselines   Baselines
	RootCause   RootCauses
	ErrorReplay ErrorReplays
	Alerting    Alerts
	LoadChange  LoadChanges
}

// DiagnosticsService implements api.DiagnosticsServer.
type DiagnosticsService struct {
	logger    *slog.Logger
	c         Components
	latencies *utils.LatencyTracker
}

var _ api.DiagnosticsServer = (*DiagnosticsService)(nil)

// NewDiagnosticsService constructs the gRPC facade.
func NewDiagnosticsService(logger *slog.Logger, components Components) *DiagnosticsService {
	return &DiagnosticsService{
		logger:    utils.Component(logger, "grpc"),
		c:         components,
		latencies: utils.NewLatencyTracker(1024),
	}
}

func (s *DiagnosticsService) GetLiveSnapshot(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	if s.c.Diagnostics == nil {
		return nil, notConfigured("live diagnostics")
	}
	var req api.SnapshotRequest
	if err := decode(in, &req); err != nil {
		return nil, err
	}
	snapshot, err := s.c.Diagnostics.GetLiveSnapshot(ctx, durationOr(req.DurationHours))
	return s.reply(api.MethodGetLiveSnapshot, snapshot, err)
}

func (s *DiagnosticsService) GetServiceHealth(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	if s.c.Diagnostics == nil {
		return nil, notConfigured("live diagnostics")
	}
	var req api.ServiceHealthRequest
	if err := decode(in, &req); err != nil {
		return nil, err
	}
	if req.ResourceID == "" {
		return nil, status.Error(codes.InvalidArgument, "resource_id is required")
	}
	health, err := s.c.Diagnostics.GetServiceHealth(ctx, req.ResourceID, req.ResourceType, durationOr(req.DurationHours))
	return s.reply(api.MethodGetServiceHealth, health, err)
}

func (s *DiagnosticsService) CalculateBaseline(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	if s.c.Baselines == nil {
		return nil, notConfigured("baseline analyzer")
	}
	var req api.BaselineRequest
	if err := decode(in, &req); err != nil {
		return nil, err
	}
	if req.ResourceID == "" {
		return nil, status.Error(codes.InvalidArgument, "resource_id is required")
	}
	baseline, err := s.c.Baselines.CalculateBaseline(ctx, req.ResourceID, req.Metrics, req.Force)
	return s.reply(api.MethodCalculateBaseline, baseline, err)
}

func (s *DiagnosticsService) CompareWithHistory(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	if s.c.Baselines == nil {
		return nil, notConfigured("baseline analyzer")
	}
	var req api.CompareRequest
	if err := decode(in, &req); err != nil {
		return nil, err
	}
	if req.ResourceID == "" {
		return nil, status.Error(codes.InvalidArgument, "resource_id is required")
	}
	if req.Period == "" {
		req.Period = models.PeriodPreviousDay
	}
	comparison, err := s.c.Baselines.CompareWithHistory(ctx, req.ResourceID, req.Period, req.Metrics)
	return s.reply(api.MethodCompareWithHistory, comparison, err)
}

func (s *DiagnosticsService) AnalyzeFailure(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	if s.c.RootCause == nil {
		return nil, notConfigured("root cause analyzer")
	}
	var req api.AnalyzeFailureRequest
	if err := decode(in, &req); err != nil {
		return nil, err
	}
	if req.ResourceID == "" {
		return nil, status.Error(codes.InvalidArgument, "resource_id is required")
	}
	failureTime := req.FailureTime
	if failureTime.IsZero() {
		failureTime = time.Now().UTC()
	}

	start := time.Now()
	analysis, err := s.c.RootCause.AnalyzeFailure(ctx, req.ResourceID, failureTime, req.LookbackHours)
	if err == nil {
		s.latencies.Observe(time.Since(start))
		if count := s.latencies.Count(); count >= 20 && count%20 == 0 {
			s.logger.Info("analysis latency", slog.Duration("p95", s.latencies.Percentile(95)), slog.Int("samples", count))
		}
	}
	return s.reply(api.MethodAnalyzeFailure, analysis, err)
}

func (s *DiagnosticsService) CaptureError(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	if s.c.ErrorReplay == nil {
		return nil, notConfigured("error replay")
	}
	var req models.CaptureRequest
	if err := decode(in, &req); err != nil {
		return nil, err
	}
	snapshot, err := s.c.ErrorReplay.CaptureError(ctx, req)
	return s.reply(api.MethodCaptureError, snapshot, err)
}

func (s *DiagnosticsService) ReplayError(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	if s.c.ErrorReplay == nil {
		return nil, notConfigured("error replay")
	}
	var req api.ErrorIDRequest
	if err := decode(in, &req); err != nil {
		return nil, err
	}
	if req.ErrorID == "" {
		return nil, status.Error(codes.InvalidArgument, "error_id is required")
	}
	result, err := s.c.ErrorReplay.ReplayError(ctx, req.ErrorID)
	return s.reply(api.MethodReplayError, result, err)
}

func (s *DiagnosticsService) SearchErrors(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	if s.c.ErrorReplay == nil {
		return nil, notConfigured("error replay")
	}
	var filter models.ErrorSearchFilter
	if err := decode(in, &filter); err != nil {
		return nil, err
	}
	found, err := s.c.ErrorReplay.SearchErrors(ctx, filter)
	return s.reply(api.MethodSearchErrors, api.SearchErrorsResponse{Errors: found}, err)
}

func (s *DiagnosticsService) GetErrorStatistics(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	if s.c.ErrorReplay == nil {
		return nil, notConfigured("error replay")
	}
	var req api.ErrorStatisticsRequest
	if err := decode(in, &req); err != nil {
		return nil, err
	}
	stats, err := s.c.ErrorReplay.GetErrorStatistics(ctx, req.StartTime, req.EndTime)
	return s.reply(api.MethodGetErrorStatistics, stats, err)
}

func (s *DiagnosticsService) EvaluateRules(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	if s.c.Alerting == nil {
		return nil, notConfigured("alerting engine")
	}
	var req api.SnapshotRequest
	if err := decode(in, &req); err != nil {
		return nil, err
	}
	alerts, err := s.c.Alerting.EvaluateRules(ctx, durationOr(req.DurationHours))
	if alerts == nil {
		alerts = []models.Alert{}
	}
	return s.reply(api.MethodEvaluateRules, api.EvaluateRulesResponse{Alerts: alerts}, err)
}

func (s *DiagnosticsService) AcknowledgeAlert(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	if s.c.Alerting == nil {
		return nil, notConfigured("alerting engine")
	}
	var req api.AlertRequest
	if err := decode(in, &req); err != nil {
		return nil, err
	}
	if req.AlertID == "" {
		return nil, status.Error(codes.InvalidArgument, "alert_id is required")
	}
	alert, err := s.c.Alerting.AcknowledgeAlert(ctx, req.AlertID, req.AcknowledgedBy)
	if err == nil && alert == nil {
		return nil, status.Errorf(codes.NotFound, "alert %s not found", req.AlertID)
	}
	return s.reply(api.MethodAcknowledgeAlert, alert, err)
}

func (s *DiagnosticsService) ResolveAlert(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	if s.c.Alerting == nil {
		return nil, notConfigured("alerting engine")
	}
	var req api.AlertRequest
	if err := decode(in, &req); err != nil {
		return nil, err
	}
	if req.AlertID == "" {
		return nil, status.Error(codes.InvalidArgument, "alert_id is required")
	}
	alert, err := s.c.Alerting.ResolveAlert(ctx, req.AlertID)
	if err == nil && alert == nil {
		return nil, status.Errorf(codes.NotFound, "alert %s not found", req.AlertID)
	}
	return s.reply(api.MethodResolveAlert, alert, err)
}

func (s *DiagnosticsService) DetectScalingEvents(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	if s.c.LoadChange == nil {
		return nil, notConfigured("load change detector")
	}
	var req api.ScalingEventsRequest
	if err := decode(in, &req); err != nil {
		return nil, err
	}
	if req.ResourceID == "" {
		return nil, status.Error(codes.InvalidArgument, "resource_id is required")
	}
	if req.LookbackHours <= 0 {
		req.LookbackHours = 24
	}
	events, err := s.c.LoadChange.DetectScalingEvents(ctx, req.ResourceID, req.LookbackHours)
	return s.reply(api.MethodDetectScalingEvents, api.ScalingEventsResponse{Events: events}, err)
}

func (s *DiagnosticsService) PredictLoadImpact(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	if s.c.LoadChange == nil {
		return nil, notConfigured("load change detector")
	}
	var req api.PredictRequest
	if err := decode(in, &req); err != nil {
		return nil, err
	}
	if req.ResourceID == "" {
		return nil, status.Error(codes.InvalidArgument, "resource_id is required")
	}
	prediction, err := s.c.LoadChange.PredictLoadImpact(ctx, req.ResourceID, req.TargetReplicas, req.LookbackDays)
	return s.reply(api.MethodPredictLoadImpact, prediction, err)
}

// LatencyP95 returns the current p95 root-cause analysis latency.
func (s *DiagnosticsService) LatencyP95() time.Duration {
	return s.latencies.Percentile(95)
}

func (s *DiagnosticsService) reply(method string, v any, err error) (*structpb.Struct, error) {
	if err != nil {
		code := CodeFor(err)
		if code == codes.Internal {
			s.logger.Error("request failed", slog.String("method", method), slog.Any("error", err))
		}
		return nil, status.Error(code, err.Error())
	}
	out, err := api.ToStruct(v)
	if err != nil {
		s.logger.Error("encode response failed", slog.String("method", method), slog.Any("error", err))
		return nil, status.Error(codes.Internal, "failed to encode response")
	}
	return out, nil
}

// CodeFor maps a component error onto a gRPC status code. Lookups by unknown id become
// NotFound and AppErrors without an underlying cause are caller mistakes.
func CodeFor(err error) codes.Code {
	if utils.IsNotFound(err) {
		return codes.NotFound
	}
	if utils.IsAlreadyExists(err) {
		return codes.AlreadyExists
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return codes.DeadlineExceeded
	}
	if errors.Is(err, context.Canceled) {
		return codes.Canceled
	}
	var appErr *utils.AppError
	if errors.As(err, &appErr) && appErr.Err == nil {
		return codes.InvalidArgument
	}
	return codes.Internal
}

func decode(in *structpb.Struct, out any) error {
	if err := api.FromStruct(in, out); err != nil {
		return status.Error(codes.InvalidArgument, err.Error())
	}
	return nil
}

func notConfigured(component string) error {
	return status.Errorf(codes.FailedPrecondition, "%s not configured", component)
}

func durationOr(hours float64) float64 {
	if hours <= 0 {
		return defaultDurationHours
	}
	return hours
}
