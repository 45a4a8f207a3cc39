package repo

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/topdeckio/topdeck-diagnostics/internal/models"
	"github.com/topdeckio/topdeck-diagnostics/internal/utils"
)

// ElasticsearchSource reads logs through the _search API of an index pattern.
type ElasticsearchSource struct {
	client httpJSON
	index  string
}

// NewElasticsearchSource constructs an Elasticsearch log source. Basic auth is applied when a username is set.
func NewElasticsearchSource(baseURL, index, username, password string, timeout time.Duration) *ElasticsearchSource {
	src := &ElasticsearchSource{
		client: httpJSON{
			name:       "elasticsearch",
			baseURL:    baseURL,
			httpClient: &http.Client{Timeout: timeout},
		},
		index: firstNonEmpty(index, "logs-*"),
	}
	if username != "" {
		src.client.decorate = func(req *http.Request) { req.SetBasicAuth(username, password) }
	}
	return src
}

// Name identifies the backend.
func (e *ElasticsearchSource) Name() string { return "elasticsearch" }

// ResourceLogs returns documents whose resource_id matches.
func (e *ElasticsearchSource) ResourceLogs(ctx context.Context, resourceID string, start, end time.Time, limit int) ([]models.LogEntry, error) {
	return e.search(ctx, "resource_id", resourceID, start, end, limit)
}

// LogsByCorrelationID returns documents whose correlation_id matches.
func (e *ElasticsearchSource) LogsByCorrelationID(ctx context.Context, correlationID string, start, end time.Time, limit int) ([]models.LogEntry, error) {
	return e.search(ctx, "correlation_id", correlationID, start, end, limit)
}

// CorrelationIDs returns distinct correlation ids logged by resourceID.
func (e *ElasticsearchSource) CorrelationIDs(ctx context.Context, resourceID string, start, end time.Time, limit int) ([]string, error) {
	entries, err := e.ResourceLogs(ctx, resourceID, start, end, 1000)
	if err != nil {
		return nil, err
	}
	return distinctCorrelationIDs(entries, limit), nil
}

func (e *ElasticsearchSource) search(ctx context.Context, field, value string, start, end time.Time, limit int) ([]models.LogEntry, error) {
	query := map[string]any{
		"size": limitOr(limit, 500),
		"sort": []any{map[string]any{"@timestamp": map[string]any{"order": "asc"}}},
		"query": map[string]any{
			"bool": map[string]any{
				"filter": []any{
					map[string]any{"term": map[string]any{field: value}},
					map[string]any{"range": map[string]any{"@timestamp": map[string]any{
						"gte": utils.FormatTimestamp(start),
						"lte": utils.FormatTimestamp(end),
					}}},
				},
			},
		},
	}

	var response struct {
		Hits struct {
			Hits []struct {
				Source struct {
					Timestamp     string `json:"@timestamp"`
					Message       string `json:"message"`
					Level         string `json:"level"`
					LogLevel      string `json:"log.level"`
					ResourceID    string `json:"resource_id"`
					CorrelationID string `json:"correlation_id"`
				} `json:"_source"`
			} `json:"hits"`
		} `json:"hits"`
	}
	if err := e.client.postJSON(ctx, "/"+e.index+"/_search", query, &response); err != nil {
		return nil, fmt.Errorf("elasticsearch search: %w", err)
	}

	entries := make([]models.LogEntry, 0, len(response.Hits.Hits))
	for _, hit := range response.Hits.Hits {
		src := hit.Source
		ts, err := utils.ParseTimestamp(src.Timestamp)
		if err != nil {
			continue
		}
		entries = append(entries, models.LogEntry{
			Timestamp:     ts,
			Message:       src.Message,
			Level:         firstNonEmpty(src.Level, src.LogLevel, detectLevel(src.Message)),
			ResourceID:    src.ResourceID,
			CorrelationID: src.CorrelationID,
			Source:        "elasticsearch",
		})
	}
	sortEntries(entries)
	return entries, nil
}
