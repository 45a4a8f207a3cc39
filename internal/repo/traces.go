package repo

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"time"

	"github.com/topdeckio/topdeck-diagnostics/internal/models"
)

// TempoSource fetches traces from Grafana Tempo in OTLP JSON form.
type TempoSource struct {
	client httpJSON
}

// NewTempoSource constructs a Tempo trace source.
func NewTempoSource(baseURL string, timeout time.Duration) *TempoSource {
	return &TempoSource{client: httpJSON{name: "tempo", baseURL: baseURL, httpClient: &http.Client{Timeout: timeout}}}
}

type otlpAttribute struct {
	Key   string `json:"key"`
	Value struct {
		StringValue string `json:"stringValue"`
		IntValue    string `json:"intValue"`
		BoolValue   *bool  `json:"boolValue"`
	} `json:"value"`
}

func (a otlpAttribute) text() string {
	switch {
	case a.Value.StringValue != "":
		return a.Value.StringValue
	case a.Value.IntValue != "":
		return a.Value.IntValue
	case a.Value.BoolValue != nil:
		return strconv.FormatBool(*a.Value.BoolValue)
	}
	return ""
}

// TraceSpans returns every span of traceID ordered by start time.
func (t *TempoSource) TraceSpans(ctx context.Context, traceID string) ([]models.TraceSpan, error) {
	var response struct {
		Batches []struct {
			Resource struct {
				Attributes []otlpAttribute `json:"attributes"`
			} `json:"resource"`
			ScopeSpans []struct {
				Spans []struct {
					TraceID           string          `json:"traceId"`
					SpanID            string          `json:"spanId"`
					ParentSpanID      string          `json:"parentSpanId"`
					Name              string          `json:"name"`
					StartTimeUnixNano string          `json:"startTimeUnixNano"`
					EndTimeUnixNano   string          `json:"endTimeUnixNano"`
					Attributes        []otlpAttribute `json:"attributes"`
					Status            struct {
						Code string `json:"code"`
					} `json:"status"`
				} `json:"spans"`
			} `json:"scopeSpans"`
		} `json:"batches"`
	}
	if err := t.client.getJSON(ctx, "/api/traces/"+url.PathEscape(traceID), nil, &response); err != nil {
		return nil, fmt.Errorf("tempo trace %s: %w", traceID, err)
	}

	var spans []models.TraceSpan
	for _, batch := range response.Batches {
		service := ""
		for _, attr := range batch.Resource.Attributes {
			if attr.Key == "service.name" {
				service = attr.text()
			}
		}
		for _, scope := range batch.ScopeSpans {
			for _, s := range scope.Spans {
				startNs, _ := strconv.ParseInt(s.StartTimeUnixNano, 10, 64)
				endNs, _ := strconv.ParseInt(s.EndTimeUnixNano, 10, 64)
				tags := make(map[string]string, len(s.Attributes))
				for _, attr := range s.Attributes {
					tags[attr.Key] = attr.text()
				}
				spans = append(spans, models.TraceSpan{
					TraceID:       firstNonEmpty(s.TraceID, traceID),
					SpanID:        s.SpanID,
					ParentSpanID:  s.ParentSpanID,
					ServiceName:   service,
					OperationName: s.Name,
					StartTime:     time.Unix(0, startNs).UTC(),
					DurationMs:    float64(endNs-startNs) / float64(time.Millisecond),
					Error:         s.Status.Code == "STATUS_CODE_ERROR" || s.Status.Code == "2",
					Tags:          tags,
				})
			}
		}
	}
	sortSpans(spans)
	return spans, nil
}

// JaegerSource fetches traces from the Jaeger query API.
type JaegerSource struct {
	client httpJSON
}

// NewJaegerSource constructs a Jaeger trace source.
func NewJaegerSource(baseURL string, timeout time.Duration) *JaegerSource {
	return &JaegerSource{client: httpJSON{name: "jaeger", baseURL: baseURL, httpClient: &http.Client{Timeout: timeout}}}
}

// TraceSpans returns every span of traceID ordered by start time.
func (j *JaegerSource) TraceSpans(ctx context.Context, traceID string) ([]models.TraceSpan, error) {
	var response struct {
		Data []struct {
			TraceID string `json:"traceID"`
			Spans   []struct {
				TraceID       string `json:"traceID"`
				SpanID        string `json:"spanID"`
				OperationName string `json:"operationName"`
				References    []struct {
					RefType string `json:"refType"`
					SpanID  string `json:"spanID"`
				} `json:"references"`
				StartTime int64  `json:"startTime"`
				Duration  int64  `json:"duration"`
				ProcessID string `json:"processID"`
				Tags      []struct {
					Key   string `json:"key"`
					Value any    `json:"value"`
				} `json:"tags"`
			} `json:"spans"`
			Processes map[string]struct {
				ServiceName string `json:"serviceName"`
			} `json:"processes"`
		} `json:"data"`
	}
	if err := j.client.getJSON(ctx, "/api/traces/"+url.PathEscape(traceID), nil, &response); err != nil {
		return nil, fmt.Errorf("jaeger trace %s: %w", traceID, err)
	}

	var spans []models.TraceSpan
	for _, trace := range response.Data {
		for _, s := range trace.Spans {
			span := models.TraceSpan{
				TraceID:       firstNonEmpty(s.TraceID, trace.TraceID),
				SpanID:        s.SpanID,
				ServiceName:   trace.Processes[s.ProcessID].ServiceName,
				OperationName: s.OperationName,
				StartTime:     time.UnixMicro(s.StartTime).UTC(),
				DurationMs:    float64(s.Duration) / 1000,
				Tags:          make(map[string]string, len(s.Tags)),
			}
			for _, ref := range s.References {
				if ref.RefType == "CHILD_OF" {
					span.ParentSpanID = ref.SpanID
				}
			}
			for _, tag := range s.Tags {
				span.Tags[tag.Key] = AsString(tag.Value)
				if tag.Key == "error" && AsBool(tag.Value) {
					span.Error = true
				}
			}
			spans = append(spans, span)
		}
	}
	sortSpans(spans)
	return spans, nil
}

func sortSpans(spans []models.TraceSpan) {
	sort.SliceStable(spans, func(i, j int) bool { return spans[i].StartTime.Before(spans[j].StartTime) })
}
