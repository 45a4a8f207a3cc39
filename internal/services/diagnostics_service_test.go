package services

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/topdeckio/topdeck-diagnostics/internal/api"
	"github.com/topdeckio/topdeck-diagnostics/internal/config"
	"github.com/topdeckio/topdeck-diagnostics/internal/models"
	"github.com/topdeckio/topdeck-diagnostics/internal/utils"
)

type stubDiagnostics struct {
	hours float64
}

func (s *stubDiagnostics) GetLiveSnapshot(_ context.Context, hours float64) (models.LiveDiagnosticsSnapshot, error) {
	s.hours = hours
	return models.LiveDiagnosticsSnapshot{OverallHealth: models.OverallDegraded}, nil
}

func (s *stubDiagnostics) GetServiceHealth(_ context.Context, id, _ string, _ float64) (models.ServiceHealthStatus, error) {
	return models.ServiceHealthStatus{ResourceID: id, Status: models.HealthStatusHealthy, HealthScore: 90}, nil
}

type stubAlerts struct{}

func (stubAlerts) EvaluateRules(context.Context, float64) ([]models.Alert, error) { return nil, nil }

func (stubAlerts) AcknowledgeAlert(_ context.Context, id, by string) (*models.Alert, error) {
	if id != "a1" {
		return nil, nil
	}
	return &models.Alert{ID: id, Status: models.AlertAcknowledged, AcknowledgedBy: by}, nil
}

func (stubAlerts) ResolveAlert(context.Context, string) (*models.Alert, error) { return nil, nil }

type stubReplay struct{}

func (stubReplay) CaptureError(_ context.Context, req models.CaptureRequest) (models.ErrorSnapshot, error) {
	if req.Message == "" {
		return models.ErrorSnapshot{}, utils.NewAppError("capture_error", "message is required", nil)
	}
	return models.ErrorSnapshot{ErrorID: "abc", Message: req.Message, ResourceID: req.ResourceID}, nil
}

func (stubReplay) ReplayError(_ context.Context, id string) (models.ErrorReplayResult, error) {
	return models.ErrorReplayResult{}, utils.NotFound("replay_error", "error", id)
}

func (stubReplay) SearchErrors(context.Context, models.ErrorSearchFilter) ([]models.ErrorSnapshot, error) {
	return nil, errors.New("graph down")
}

func (stubReplay) GetErrorStatistics(_ context.Context, start, end time.Time) (models.ErrorStatistics, error) {
	return models.ErrorStatistics{
		StartTime:  start,
		EndTime:    end,
		Total:      2,
		BySeverity: map[string]int{"error": 2},
	}, nil
}

func dial(t *testing.T, svc api.DiagnosticsServer) *api.Client {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	server := api.NewServerWithListener(config.ServerConfig{}, lis, svc)
	go func() { _ = server.Start() }()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		server.Shutdown(ctx)
	})
	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return api.NewClient(conn)
}

func TestGetLiveSnapshotDefaultsDuration(t *testing.T) {
	diag := &stubDiagnostics{}
	client := dial(t, NewDiagnosticsService(nil, Components{Diagnostics: diag}))

	var snapshot models.LiveDiagnosticsSnapshot
	if err := client.Call(context.Background(), api.MethodGetLiveSnapshot, api.SnapshotRequest{}, &snapshot); err != nil {
		t.Fatalf("GetLiveSnapshot: %v", err)
	}
	if snapshot.OverallHealth != models.OverallDegraded || diag.hours != 1 {
		t.Fatalf("unexpected snapshot %+v with duration %v", snapshot, diag.hours)
	}
}

func TestStatusCodes(t *testing.T) {
	client := dial(t, NewDiagnosticsService(nil, Components{
		Diagnostics: &stubDiagnostics{},
		Alerting:    stubAlerts{},
		ErrorReplay: stubReplay{},
	}))
	ctx := context.Background()

	cases := []struct {
		name   string
		method string
		req    any
		want   codes.Code
	}{
		{"missing resource id", api.MethodGetServiceHealth, api.ServiceHealthRequest{}, codes.InvalidArgument},
		{"validation error", api.MethodCaptureError, models.CaptureRequest{ResourceID: "api"}, codes.InvalidArgument},
		{"unknown error id", api.MethodReplayError, api.ErrorIDRequest{ErrorID: "nope"}, codes.NotFound},
		{"backend failure", api.MethodSearchErrors, models.ErrorSearchFilter{}, codes.Internal},
		{"unknown alert", api.MethodResolveAlert, api.AlertRequest{AlertID: "nope"}, codes.NotFound},
		{"component missing", api.MethodAnalyzeFailure, api.AnalyzeFailureRequest{ResourceID: "api"}, codes.FailedPrecondition},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := client.Call(ctx, tc.method, tc.req, nil)
			if status.Code(err) != tc.want {
				t.Fatalf("expected %s, got %v", tc.want, err)
			}
		})
	}
}

func TestAcknowledgeAlertOverGRPC(t *testing.T) {
	client := dial(t, NewDiagnosticsService(nil, Components{Alerting: stubAlerts{}}))
	var alert models.Alert
	err := client.Call(context.Background(), api.MethodAcknowledgeAlert, api.AlertRequest{AlertID: "a1", AcknowledgedBy: "ops"}, &alert)
	if err != nil {
		t.Fatalf("AcknowledgeAlert: %v", err)
	}
	if alert.Status != models.AlertAcknowledged || alert.AcknowledgedBy != "ops" {
		t.Fatalf("unexpected alert %+v", alert)
	}
}

func TestCaptureErrorOverGRPC(t *testing.T) {
	client := dial(t, NewDiagnosticsService(nil, Components{ErrorReplay: stubReplay{}}))
	var snapshot models.ErrorSnapshot
	err := client.Call(context.Background(), api.MethodCaptureError, models.CaptureRequest{Message: "boom", ResourceID: "api"}, &snapshot)
	if err != nil {
		t.Fatalf("CaptureError: %v", err)
	}
	if snapshot.ErrorID != "abc" || snapshot.ResourceID != "api" {
		t.Fatalf("unexpected snapshot %+v", snapshot)
	}
}

func TestCodeFor(t *testing.T) {
	cases := []struct {
		err  error
		want codes.Code
	}{
		{utils.NotFound("get", "rule", "x"), codes.NotFound},
		{utils.AlreadyExists("create_rule", "alert rule", "x"), codes.AlreadyExists},
		{utils.NewAppError("create_rule", "bad trigger", nil), codes.InvalidArgument},
		{utils.NewAppError("evaluate_rules", "snapshot", errors.New("down")), codes.Internal},
		{context.DeadlineExceeded, codes.DeadlineExceeded},
	}
	for _, tc := range cases {
		if got := CodeFor(tc.err); got != tc.want {
			t.Fatalf("CodeFor(%v) = %s, want %s", tc.err, got, tc.want)
		}
	}
}

func TestGetErrorStatisticsOverGRPC(t *testing.T) {
	client := dial(t, NewDiagnosticsService(nil, Components{ErrorReplay: stubReplay{}}))
	start := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	end := start.Add(6 * time.Hour)

	var stats models.ErrorStatistics
	err := client.Call(context.Background(), api.MethodGetErrorStatistics, api.ErrorStatisticsRequest{StartTime: start, EndTime: end}, &stats)
	if err != nil {
		t.Fatalf("GetErrorStatistics: %v", err)
	}
	if stats.Total != 2 || stats.BySeverity["error"] != 2 || !stats.StartTime.Equal(start) || !stats.EndTime.Equal(end) {
		t.Fatalf("unexpected statistics %+v", stats)
	}
}
