package repo

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/topdeckio/topdeck-diagnostics/internal/utils"
)

// GraphRunner executes parametrised Cypher and returns each record as a map keyed by column.
type GraphRunner interface {
	Run(ctx context.Context, cypher string, params map[string]any) ([]map[string]any, error)
}

// Neo4jGraph is a GraphRunner backed by a Neo4j driver.
type Neo4jGraph struct {
	driver   neo4j.DriverWithContext
	database string
}

// Neo4jConfig holds connection parameters for the topology graph.
type Neo4jConfig struct {
	URI      string
	Username string
	Password string
	Database string
}

// NewNeo4jGraph connects to Neo4j and verifies connectivity so startup fails fast.
func NewNeo4jGraph(ctx context.Context, cfg Neo4jConfig) (*Neo4jGraph, error) {
	if cfg.URI == "" {
		return nil, errors.New("neo4j uri is required")
	}
	driver, err := neo4j.NewDriverWithContext(cfg.URI, neo4j.BasicAuth(cfg.Username, cfg.Password, ""))
	if err != nil {
		return nil, fmt.Errorf("create neo4j driver: %w", err)
	}
	if err := driver.VerifyConnectivity(ctx); err != nil {
		_ = driver.Close(ctx)
		return nil, fmt.Errorf("neo4j connectivity %s: %w", cfg.URI, err)
	}
	return &Neo4jGraph{driver: driver, database: cfg.Database}, nil
}

// Run executes cypher and eagerly collects its records.
func (g *Neo4jGraph) Run(ctx context.Context, cypher string, params map[string]any) ([]map[string]any, error) {
	opts := []neo4j.ExecuteQueryConfigurationOption{}
	if g.database != "" {
		opts = append(opts, neo4j.ExecuteQueryWithDatabase(g.database))
	}
	result, err := neo4j.ExecuteQuery(ctx, g.driver, cypher, params, neo4j.EagerResultTransformer, opts...)
	if err != nil {
		return nil, fmt.Errorf("neo4j query: %w", err)
	}
	rows := make([]map[string]any, 0, len(result.Records))
	for _, record := range result.Records {
		rows = append(rows, record.AsMap())
	}
	return rows, nil
}

// Close releases the driver.
func (g *Neo4jGraph) Close(ctx context.Context) error {
	return g.driver.Close(ctx)
}

// AsString reads a string column, tolerating nil and non-string scalars.
func AsString(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case []byte:
		return string(val)
	case int64:
		return strconv.FormatInt(val, 10)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(val)
	default:
		return fmt.Sprint(val)
	}
}

// AsFloat reads a numeric column.
func AsFloat(v any) float64 {
	switch val := v.(type) {
	case float64:
		return val
	case int64:
		return float64(val)
	case int:
		return float64(val)
	case string:
		f, _ := strconv.ParseFloat(val, 64)
		return f
	default:
		return 0
	}
}

// AsInt reads an integer column.
func AsInt(v any) int {
	switch val := v.(type) {
	case int64:
		return int(val)
	case int:
		return val
	case float64:
		return int(val)
	case string:
		i, _ := strconv.Atoi(val)
		return i
	default:
		return 0
	}
}

// AsBool reads a boolean column.
func AsBool(v any) bool {
	switch val := v.(type) {
	case bool:
		return val
	case string:
		b, _ := strconv.ParseBool(val)
		return b
	case int64:
		return val != 0
	default:
		return false
	}
}

// AsTime reads a temporal column stored either as a native value or an ISO-8601 string.
func AsTime(v any) time.Time {
	switch val := v.(type) {
	case time.Time:
		return val.UTC()
	case interface{ Time() time.Time }:
		return val.Time().UTC()
	case string:
		t, err := utils.ParseTimestamp(val)
		if err != nil {
			return time.Time{}
		}
		return t
	case int64:
		return time.Unix(val, 0).UTC()
	default:
		return time.Time{}
	}
}

// AsStringMap reads a map column of scalar values.
func AsStringMap(v any) map[string]string {
	raw, ok := v.(map[string]any)
	if !ok || len(raw) == 0 {
		return nil
	}
	out := make(map[string]string, len(raw))
	for k, val := range raw {
		out[k] = AsString(val)
	}
	return out
}
