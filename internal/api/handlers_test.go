package api

import (
	"testing"
	"time"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/topdeckio/topdeck-diagnostics/internal/models"
)

func TestToStructUsesJSONFieldNames(t *testing.T) {
	alert := models.Alert{
		ID:          "rule-1",
		Severity:    models.AlertCritical,
		Status:      models.AlertActive,
		TriggeredAt: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC),
	}
	s, err := ToStruct(EvaluateRulesResponse{Alerts: []models.Alert{alert}})
	if err != nil {
		t.Fatalf("ToStruct: %v", err)
	}
	alerts := s.Fields["alerts"].GetListValue().GetValues()
	if len(alerts) != 1 {
		t.Fatalf("expected one alert, got %d", len(alerts))
	}
	fields := alerts[0].GetStructValue().GetFields()
	if fields["id"].GetStringValue() != "rule-1" || fields["triggered_at"].GetStringValue() != "2024-06-01T12:00:00Z" {
		t.Fatalf("unexpected encoded alert %v", fields)
	}
}

func TestToStructRejectsNonObjects(t *testing.T) {
	if _, err := ToStruct([]string{"a"}); err == nil {
		t.Fatalf("expected error for a JSON array")
	}
}

func TestFromStructDecodesRequests(t *testing.T) {
	in, err := structpb.NewStruct(map[string]any{
		"resource_id":    "api",
		"failure_time":   "2024-06-01T12:00:00Z",
		"lookback_hours": 3.0,
	})
	if err != nil {
		t.Fatalf("NewStruct: %v", err)
	}
	var req AnalyzeFailureRequest
	if err := FromStruct(in, &req); err != nil {
		t.Fatalf("FromStruct: %v", err)
	}
	if req.ResourceID != "api" || req.LookbackHours != 3 || !req.FailureTime.Equal(time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected request %+v", req)
	}

	in, _ = structpb.NewStruct(map[string]any{"target_replicas": 6.0, "resource_id": "api"})
	var predict PredictRequest
	if err := FromStruct(in, &predict); err != nil || predict.TargetReplicas != 6 {
		t.Fatalf("expected integral number to decode, got %+v (%v)", predict, err)
	}

	in, _ = structpb.NewStruct(map[string]any{"target_replicas": "six"})
	if err := FromStruct(in, &predict); err == nil {
		t.Fatalf("expected type mismatch error")
	}
}

func TestServiceDescListsEveryMethod(t *testing.T) {
	want := map[string]bool{
		MethodGetLiveSnapshot: true, MethodGetServiceHealth: true, MethodCalculateBaseline: true,
		MethodCompareWithHistory: true, MethodAnalyzeFailure: true, MethodCaptureError: true,
		MethodReplayError: true, MethodSearchErrors: true, MethodGetErrorStatistics: true, MethodEvaluateRules: true,
		MethodAcknowledgeAlert: true, MethodResolveAlert: true, MethodDetectScalingEvents: true,
		MethodPredictLoadImpact: true,
	}
	if len(ServiceDesc.Methods) != len(want) {
		t.Fatalf("expected %d methods, got %d", len(want), len(ServiceDesc.Methods))
	}
	for _, m := range ServiceDesc.Methods {
		if !want[m.MethodName] {
			t.Fatalf("unexpected method %s", m.MethodName)
		}
	}
}
