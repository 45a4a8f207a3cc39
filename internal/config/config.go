package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config captures the settings required to boot the diagnostics service.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Logging     LoggingConfig     `yaml:"logging"`
	Prometheus  PrometheusConfig  `yaml:"prometheus"`
	Neo4j       Neo4jConfig       `yaml:"neo4j"`
	Logs        LogsConfig        `yaml:"logs"`
	Traces      TracesConfig      `yaml:"traces"`
	Cache       CacheConfig       `yaml:"cache"`
	Baseline    BaselineConfig    `yaml:"baseline"`
	Diagnostics DiagnosticsConfig `yaml:"diagnostics"`
	RootCause   RootCauseConfig   `yaml:"rootcause"`
	Alerting    AlertingConfig    `yaml:"alerting"`
	ErrorReplay ErrorReplayConfig `yaml:"errorreplay"`
}

// ServerConfig controls gRPC listener behaviour.
type ServerConfig struct {
	Address         string        `yaml:"address"`
	MetricsAddress  string        `yaml:"metricsAddress"`
	GracefulTimeout time.Duration `yaml:"gracefulTimeout"`
}

// LoggingConfig controls structured logging.
type LoggingConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// PrometheusConfig points at the metrics backend.
type PrometheusConfig struct {
	URL     string        `yaml:"url"`
	Timeout time.Duration `yaml:"timeout"`
}

// Neo4jConfig points at the topology graph.
type Neo4jConfig struct {
	URI      string `yaml:"uri"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
}

// LogsConfig configures the log backends. Any backend left without an endpoint is skipped.
type LogsConfig struct {
	Timeout       time.Duration       `yaml:"timeout"`
	LokiURL       string              `yaml:"lokiURL"`
	Elasticsearch ElasticsearchConfig `yaml:"elasticsearch"`
	Azure         AzureLogsConfig     `yaml:"azure"`
}

// ElasticsearchConfig configures the Elasticsearch log backend.
type ElasticsearchConfig struct {
	URL      string `yaml:"url"`
	Index    string `yaml:"index"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// AzureLogsConfig configures Azure Log Analytics access through a service principal.
type AzureLogsConfig struct {
	WorkspaceID  string `yaml:"workspaceID"`
	TenantID     string `yaml:"tenantID"`
	ClientID     string `yaml:"clientID"`
	ClientSecret string `yaml:"clientSecret"`
}

// TracesConfig configures the tracing backend.
type TracesConfig struct {
	TempoURL  string        `yaml:"tempoURL"`
	JaegerURL string        `yaml:"jaegerURL"`
	Timeout   time.Duration `yaml:"timeout"`
}

// CacheConfig controls Redis/Valkey-backed sharing of baselines.
type CacheConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Addr         string        `yaml:"addr"`
	Username     string        `yaml:"username"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	DialTimeout  time.Duration `yaml:"dialTimeout"`
	ReadTimeout  time.Duration `yaml:"readTimeout"`
	WriteTimeout time.Duration `yaml:"writeTimeout"`
	MaxRetries   int           `yaml:"maxRetries"`
}

// BaselineConfig tunes the baseline analyzer.
type BaselineConfig struct {
	PeriodDays            int           `yaml:"periodDays"`
	AnomalyThresholdStdev float64       `yaml:"anomalyThresholdStdev"`
	CacheTTL              time.Duration `yaml:"cacheTTL"`
}

// DiagnosticsConfig tunes live snapshots.
type DiagnosticsConfig struct {
	MaxResources   int           `yaml:"maxResources"`
	SnapshotBudget time.Duration `yaml:"snapshotBudget"`
	Concurrency    int           `yaml:"concurrency"`
	Scorer         string        `yaml:"scorer"`
	Seed           int64         `yaml:"seed"`
}

// RootCauseConfig controls rule-pack loading for the recommender.
type RootCauseConfig struct {
	RulesPath string `yaml:"rulesPath"`
}

// AlertingConfig controls rule storage, evaluation and delivery.
type AlertingConfig struct {
	Store               string        `yaml:"store"`
	SQLitePath          string        `yaml:"sqlitePath"`
	EvaluationInterval  time.Duration `yaml:"evaluationInterval"`
	EvaluationWindowHrs float64       `yaml:"evaluationWindowHours"`
	HTTPTimeout         time.Duration `yaml:"httpTimeout"`
	RateLimit           float64       `yaml:"rateLimit"`
	RateBurst           int           `yaml:"rateBurst"`
	SMTP                SMTPConfig    `yaml:"smtp"`
}

// SMTPConfig is the default mail relay used by email destinations.
type SMTPConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	From     string `yaml:"from"`
}

// ErrorReplayConfig controls error snapshot storage.
type ErrorReplayConfig struct {
	Store       string `yaml:"store"`
	SearchLimit int    `yaml:"searchLimit"`
}

// Load initialises Config from a YAML file and optional environment overrides.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv("TOPDECK_CONFIG")
	}

	cfg := defaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("config file %s not found: %w", path, err)
			}
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	return &cfg, nil
}

func defaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Address:         ":50051",
			MetricsAddress:  ":2112",
			GracefulTimeout: 10 * time.Second,
		},
		Logging:    LoggingConfig{Level: "info", JSON: false},
		Prometheus: PrometheusConfig{URL: "http://localhost:9090", Timeout: 10 * time.Second},
		Neo4j: Neo4jConfig{
			URI:      "bolt://localhost:7687",
			Username: "neo4j",
			Database: "neo4j",
		},
		Logs: LogsConfig{
			Timeout:       10 * time.Second,
			Elasticsearch: ElasticsearchConfig{Index: "logs-*"},
		},
		Traces: TracesConfig{Timeout: 10 * time.Second},
		Cache: CacheConfig{
			Enabled:      false,
			DialTimeout:  2 * time.Second,
			ReadTimeout:  500 * time.Millisecond,
			WriteTimeout: 500 * time.Millisecond,
			MaxRetries:   2,
		},
		Baseline: BaselineConfig{
			PeriodDays:            7,
			AnomalyThresholdStdev: 2.0,
			CacheTTL:              24 * time.Hour,
		},
		Diagnostics: DiagnosticsConfig{
			MaxResources:   1000,
			SnapshotBudget: 60 * time.Second,
			Concurrency:    8,
			Scorer:         "isolation_forest",
			Seed:           42,
		},
		RootCause: RootCauseConfig{},
		Alerting: AlertingConfig{
			Store:               "memory",
			SQLitePath:          "topdeck-alerts.db",
			EvaluationInterval:  time.Minute,
			EvaluationWindowHrs: 1,
			HTTPTimeout:         5 * time.Second,
			RateLimit:           5,
			RateBurst:           10,
			SMTP:                SMTPConfig{Port: 587},
		},
		ErrorReplay: ErrorReplayConfig{Store: "memory", SearchLimit: 100},
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("TOPDECK_SERVER_ADDRESS"); v != "" {
		cfg.Server.Address = v
	}
	if v := os.Getenv("TOPDECK_METRICS_ADDRESS"); v != "" {
		cfg.Server.MetricsAddress = v
	}
	if v := os.Getenv("TOPDECK_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("TOPDECK_LOG_FORMAT"); v == "json" {
		cfg.Logging.JSON = true
	}
	if v := os.Getenv("TOPDECK_PROMETHEUS_URL"); v != "" {
		cfg.Prometheus.URL = v
	}
	if v := os.Getenv("TOPDECK_NEO4J_URI"); v != "" {
		cfg.Neo4j.URI = v
	}
	if v := os.Getenv("TOPDECK_NEO4J_USERNAME"); v != "" {
		cfg.Neo4j.Username = v
	}
	if v := os.Getenv("TOPDECK_NEO4J_PASSWORD"); v != "" {
		cfg.Neo4j.Password = v
	}
	if v := os.Getenv("TOPDECK_NEO4J_DATABASE"); v != "" {
		cfg.Neo4j.Database = v
	}
	if v := os.Getenv("TOPDECK_LOKI_URL"); v != "" {
		cfg.Logs.LokiURL = v
	}
	if v := os.Getenv("TOPDECK_ELASTICSEARCH_URL"); v != "" {
		cfg.Logs.Elasticsearch.URL = v
	}
	if v := os.Getenv("TOPDECK_ELASTICSEARCH_INDEX"); v != "" {
		cfg.Logs.Elasticsearch.Index = v
	}
	if v := os.Getenv("TOPDECK_ELASTICSEARCH_USERNAME"); v != "" {
		cfg.Logs.Elasticsearch.Username = v
	}
	if v := os.Getenv("TOPDECK_ELASTICSEARCH_PASSWORD"); v != "" {
		cfg.Logs.Elasticsearch.Password = v
	}
	if v := os.Getenv("TOPDECK_AZURE_WORKSPACE_ID"); v != "" {
		cfg.Logs.Azure.WorkspaceID = v
	}
	if v := os.Getenv("TOPDECK_AZURE_TENANT_ID"); v != "" {
		cfg.Logs.Azure.TenantID = v
	}
	if v := os.Getenv("TOPDECK_AZURE_CLIENT_ID"); v != "" {
		cfg.Logs.Azure.ClientID = v
	}
	if v := os.Getenv("TOPDECK_AZURE_CLIENT_SECRET"); v != "" {
		cfg.Logs.Azure.ClientSecret = v
	}
	if v := os.Getenv("TOPDECK_TEMPO_URL"); v != "" {
		cfg.Traces.TempoURL = v
	}
	if v := os.Getenv("TOPDECK_JAEGER_URL"); v != "" {
		cfg.Traces.JaegerURL = v
	}
	if v := os.Getenv("TOPDECK_CACHE_ENABLED"); v != "" {
		cfg.Cache.Enabled = strings.EqualFold(v, "true") || strings.EqualFold(v, "1")
	}
	if v := os.Getenv("TOPDECK_CACHE_ADDR"); v != "" {
		cfg.Cache.Addr = v
	}
	if v := os.Getenv("TOPDECK_CACHE_USERNAME"); v != "" {
		cfg.Cache.Username = v
	}
	if v := os.Getenv("TOPDECK_CACHE_PASSWORD"); v != "" {
		cfg.Cache.Password = v
	}
	if v := os.Getenv("TOPDECK_CACHE_DB"); v != "" {
		if db, err := strconv.Atoi(v); err == nil {
			cfg.Cache.DB = db
		}
	}
	if v := os.Getenv("TOPDECK_BASELINE_PERIOD_DAYS"); v != "" {
		if days, err := strconv.Atoi(v); err == nil && days > 0 {
			cfg.Baseline.PeriodDays = days
		}
	}
	if v := os.Getenv("TOPDECK_BASELINE_ANOMALY_STDEV"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 {
			cfg.Baseline.AnomalyThresholdStdev = f
		}
	}
	if v := os.Getenv("TOPDECK_SNAPSHOT_BUDGET"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Diagnostics.SnapshotBudget = d
		}
	}
	if v := os.Getenv("TOPDECK_DIAGNOSTICS_SCORER"); v != "" {
		cfg.Diagnostics.Scorer = v
	}
	if v := os.Getenv("TOPDECK_RULES_PATH"); v != "" {
		cfg.RootCause.RulesPath = v
	}
	if v := os.Getenv("TOPDECK_ALERT_STORE"); v != "" {
		cfg.Alerting.Store = v
	}
	if v := os.Getenv("TOPDECK_ALERT_SQLITE_PATH"); v != "" {
		cfg.Alerting.SQLitePath = v
	}
	if v := os.Getenv("TOPDECK_ALERT_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Alerting.EvaluationInterval = d
		}
	}
	if v := os.Getenv("TOPDECK_SMTP_HOST"); v != "" {
		cfg.Alerting.SMTP.Host = v
	}
	if v := os.Getenv("TOPDECK_SMTP_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Alerting.SMTP.Port = port
		}
	}
	if v := os.Getenv("TOPDECK_SMTP_USERNAME"); v != "" {
		cfg.Alerting.SMTP.Username = v
	}
	if v := os.Getenv("TOPDECK_SMTP_PASSWORD"); v != "" {
		cfg.Alerting.SMTP.Password = v
	}
	if v := os.Getenv("TOPDECK_SMTP_FROM"); v != "" {
		cfg.Alerting.SMTP.From = v
	}
	if v := os.Getenv("TOPDECK_ERROR_STORE"); v != "" {
		cfg.ErrorReplay.Store = v
	}
}
