package repo

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/topdeckio/topdeck-diagnostics/internal/models"
	"github.com/topdeckio/topdeck-diagnostics/internal/utils"
)

const (
	azureLogAnalyticsURL   = "https://api.loganalytics.io"
	azureLogAnalyticsScope = "https://api.loganalytics.io/.default"
)

// AzureLogAnalytics reads logs from a Log Analytics workspace using a service principal.
type AzureLogAnalytics struct {
	client      httpJSON
	workspaceID string
}

// AzureLogsConfig identifies the workspace and service principal.
type AzureLogsConfig struct {
	WorkspaceID  string
	TenantID     string
	ClientID     string
	ClientSecret string
	Timeout      time.Duration
}

// NewAzureLogAnalytics builds a log source whose HTTP client obtains Azure AD tokens through
// the client-credentials flow.
func NewAzureLogAnalytics(cfg AzureLogsConfig) (*AzureLogAnalytics, error) {
	if cfg.WorkspaceID == "" || cfg.TenantID == "" || cfg.ClientID == "" {
		return nil, errors.New("azure log analytics requires workspace, tenant and client ids")
	}
	cc := clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     fmt.Sprintf("https://login.microsoftonline.com/%s/oauth2/v2.0/token", cfg.TenantID),
		Scopes:       []string{azureLogAnalyticsScope},
	}
	base := &http.Client{Timeout: cfg.Timeout}
	ctx := context.WithValue(context.Background(), oauth2.HTTPClient, base)
	httpClient := cc.Client(ctx)
	httpClient.Timeout = cfg.Timeout

	return newAzureLogAnalytics(azureLogAnalyticsURL, cfg.WorkspaceID, httpClient), nil
}

func newAzureLogAnalytics(baseURL, workspaceID string, httpClient *http.Client) *AzureLogAnalytics {
	return &AzureLogAnalytics{
		client:      httpJSON{name: "azure log analytics", baseURL: baseURL, httpClient: httpClient},
		workspaceID: workspaceID,
	}
}

// Name identifies the backend.
func (a *AzureLogAnalytics) Name() string { return "azure" }

// ResourceLogs returns rows mentioning resourceID.
func (a *AzureLogAnalytics) ResourceLogs(ctx context.Context, resourceID string, start, end time.Time, limit int) ([]models.LogEntry, error) {
	kql := fmt.Sprintf(`union isfuzzy=true AppTraces, AppExceptions, ContainerLogV2
| where TimeGenerated between (datetime(%s) .. datetime(%s))
| where tostring(Properties.resource_id) == "%s" or _ResourceId has "%s"
| project TimeGenerated, Message = coalesce(Message, OuterMessage, LogMessage), Level = tostring(SeverityLevel), ResourceId = "%s", CorrelationId = OperationId
| order by TimeGenerated asc
| take %d`, utils.FormatTimestamp(start), utils.FormatTimestamp(end),
		escapeKQL(resourceID), escapeKQL(resourceID), escapeKQL(resourceID), limitOr(limit, 500))
	return a.query(ctx, kql, start, end)
}

// LogsByCorrelationID returns rows whose operation id matches correlationID.
func (a *AzureLogAnalytics) LogsByCorrelationID(ctx context.Context, correlationID string, start, end time.Time, limit int) ([]models.LogEntry, error) {
	kql := fmt.Sprintf(`union isfuzzy=true AppTraces, AppExceptions, AppRequests
| where TimeGenerated between (datetime(%s) .. datetime(%s))
| where OperationId == "%s"
| project TimeGenerated, Message = coalesce(Message, OuterMessage, Name), Level = tostring(SeverityLevel), ResourceId = tostring(Properties.resource_id), CorrelationId = OperationId
| order by TimeGenerated asc
| take %d`, utils.FormatTimestamp(start), utils.FormatTimestamp(end), escapeKQL(correlationID), limitOr(limit, 500))
	return a.query(ctx, kql, start, end)
}

// CorrelationIDs returns distinct operation ids recorded for resourceID.
func (a *AzureLogAnalytics) CorrelationIDs(ctx context.Context, resourceID string, start, end time.Time, limit int) ([]string, error) {
	entries, err := a.ResourceLogs(ctx, resourceID, start, end, 1000)
	if err != nil {
		return nil, err
	}
	return distinctCorrelationIDs(entries, limit), nil
}

func (a *AzureLogAnalytics) query(ctx context.Context, kql string, start, end time.Time) ([]models.LogEntry, error) {
	payload := map[string]any{
		"query":    kql,
		"timespan": utils.FormatTimestamp(start) + "/" + utils.FormatTimestamp(end),
	}
	var response struct {
		Tables []struct {
			Name    string `json:"name"`
			Columns []struct {
				Name string `json:"name"`
			} `json:"columns"`
			Rows [][]any `json:"rows"`
		} `json:"tables"`
	}
	if err := a.client.postJSON(ctx, "/v1/workspaces/"+a.workspaceID+"/query", payload, &response); err != nil {
		return nil, fmt.Errorf("azure log query: %w", err)
	}

	var entries []models.LogEntry
	for _, table := range response.Tables {
		index := make(map[string]int, len(table.Columns))
		for i, col := range table.Columns {
			index[col.Name] = i
		}
		cell := func(row []any, name string) string {
			i, ok := index[name]
			if !ok || i >= len(row) {
				return ""
			}
			return AsString(row[i])
		}
		for _, row := range table.Rows {
			ts, err := utils.ParseTimestamp(cell(row, "TimeGenerated"))
			if err != nil {
				continue
			}
			message := cell(row, "Message")
			entries = append(entries, models.LogEntry{
				Timestamp:     ts,
				Message:       message,
				Level:         firstNonEmpty(azureSeverity(cell(row, "Level")), detectLevel(message)),
				ResourceID:    cell(row, "ResourceId"),
				CorrelationID: cell(row, "CorrelationId"),
				Source:        "azure",
			})
		}
	}
	sortEntries(entries)
	return entries, nil
}

// azureSeverity maps Application Insights severity levels (0-4) to log levels.
func azureSeverity(level string) string {
	switch level {
	case "0":
		return "debug"
	case "1":
		return "info"
	case "2":
		return "warning"
	case "3":
		return "error"
	case "4":
		return "critical"
	default:
		return strings.ToLower(level)
	}
}

func escapeKQL(value string) string {
	value = strings.ReplaceAll(value, `\`, `\\`)
	return strings.ReplaceAll(value, `"`, `\"`)
}
