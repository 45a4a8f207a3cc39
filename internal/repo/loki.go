package repo

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/topdeckio/topdeck-diagnostics/internal/models"
)

// LokiSource reads logs through the Loki query_range API.
type LokiSource struct {
	client httpJSON
}

// NewLokiSource constructs a Loki log source.
func NewLokiSource(baseURL string, timeout time.Duration) *LokiSource {
	return &LokiSource{client: httpJSON{
		name:       "loki",
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
	}}
}

// Name identifies the backend.
func (l *LokiSource) Name() string { return "loki" }

// ResourceLogs returns log lines labelled with resourceID.
func (l *LokiSource) ResourceLogs(ctx context.Context, resourceID string, start, end time.Time, limit int) ([]models.LogEntry, error) {
	selector := fmt.Sprintf(`{resource_id=%s}`, strconv.Quote(resourceID))
	return l.queryRange(ctx, selector, start, end, limit)
}

// LogsByCorrelationID returns log lines containing correlationID.
func (l *LokiSource) LogsByCorrelationID(ctx context.Context, correlationID string, start, end time.Time, limit int) ([]models.LogEntry, error) {
	selector := fmt.Sprintf(`{job=~".+"} |= %s`, strconv.Quote(correlationID))
	return l.queryRange(ctx, selector, start, end, limit)
}

// CorrelationIDs returns distinct correlation ids seen on resourceID's log streams.
func (l *LokiSource) CorrelationIDs(ctx context.Context, resourceID string, start, end time.Time, limit int) ([]string, error) {
	entries, err := l.ResourceLogs(ctx, resourceID, start, end, 1000)
	if err != nil {
		return nil, err
	}
	return distinctCorrelationIDs(entries, limit), nil
}

func (l *LokiSource) queryRange(ctx context.Context, logQL string, start, end time.Time, limit int) ([]models.LogEntry, error) {
	params := url.Values{}
	params.Set("query", logQL)
	params.Set("start", strconv.FormatInt(start.UnixNano(), 10))
	params.Set("end", strconv.FormatInt(end.UnixNano(), 10))
	params.Set("limit", strconv.Itoa(limitOr(limit, 500)))
	params.Set("direction", "backward")

	var response struct {
		Status string `json:"status"`
		Data   struct {
			ResultType string `json:"resultType"`
			Result     []struct {
				Stream map[string]string `json:"stream"`
				Values [][2]string       `json:"values"`
			} `json:"result"`
		} `json:"data"`
	}
	if err := l.client.getJSON(ctx, "/loki/api/v1/query_range", params, &response); err != nil {
		return nil, fmt.Errorf("loki query: %w", err)
	}
	if response.Status != "" && response.Status != "success" {
		return nil, fmt.Errorf("loki query status %s", response.Status)
	}

	var entries []models.LogEntry
	for _, stream := range response.Data.Result {
		for _, value := range stream.Values {
			ns, err := strconv.ParseInt(value[0], 10, 64)
			if err != nil {
				continue
			}
			entries = append(entries, models.LogEntry{
				Timestamp:     time.Unix(0, ns).UTC(),
				Message:       value[1],
				Level:         firstNonEmpty(stream.Stream["level"], stream.Stream["severity"], detectLevel(value[1])),
				ResourceID:    stream.Stream["resource_id"],
				CorrelationID: firstNonEmpty(stream.Stream["correlation_id"], stream.Stream["trace_id"]),
				Source:        "loki",
				Labels:        stream.Stream,
			})
		}
	}
	sortEntries(entries)
	return entries, nil
}

func detectLevel(line string) string {
	lower := strings.ToLower(line)
	switch {
	case strings.Contains(lower, "fatal"), strings.Contains(lower, "panic"):
		return "critical"
	case strings.Contains(lower, "error"), strings.Contains(lower, "exception"):
		return "error"
	case strings.Contains(lower, "warn"):
		return "warning"
	case strings.Contains(lower, "debug"):
		return "debug"
	default:
		return "info"
	}
}

func sortEntries(entries []models.LogEntry) {
	sort.SliceStable(entries, func(i, j int) bool { return entries[i].Timestamp.Before(entries[j].Timestamp) })
}

func distinctCorrelationIDs(entries []models.LogEntry, limit int) []string {
	seen := make(map[string]struct{})
	var ids []string
	for _, e := range entries {
		if e.CorrelationID == "" {
			continue
		}
		if _, ok := seen[e.CorrelationID]; ok {
			continue
		}
		seen[e.CorrelationID] = struct{}{}
		ids = append(ids, e.CorrelationID)
		if limit > 0 && len(ids) >= limit {
			break
		}
	}
	return ids
}
