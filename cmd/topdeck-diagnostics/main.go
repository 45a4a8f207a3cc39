package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/topdeckio/topdeck-diagnostics/internal/alerting"
	"github.com/topdeckio/topdeck-diagnostics/internal/anomaly"
	"github.com/topdeckio/topdeck-diagnostics/internal/api"
	"github.com/topdeckio/topdeck-diagnostics/internal/baseline"
	"github.com/topdeckio/topdeck-diagnostics/internal/cache"
	"github.com/topdeckio/topdeck-diagnostics/internal/config"
	"github.com/topdeckio/topdeck-diagnostics/internal/diagnostics"
	"github.com/topdeckio/topdeck-diagnostics/internal/errorreplay"
	"github.com/topdeckio/topdeck-diagnostics/internal/loadchange"
	"github.com/topdeckio/topdeck-diagnostics/internal/metrics"
	"github.com/topdeckio/topdeck-diagnostics/internal/repo"
	"github.com/topdeckio/topdeck-diagnostics/internal/rootcause"
	"github.com/topdeckio/topdeck-diagnostics/internal/services"
	"github.com/topdeckio/topdeck-diagnostics/internal/utils"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		slog.Error("failed to load config", slog.String("path", configPath), slog.Any("error", err))
		os.Exit(1)
	}

	logger := utils.NewLogger(cfg.Logging.Level, cfg.Logging.JSON)
	logger.Info("starting topdeck-diagnostics", slog.String("address", cfg.Server.Address))

	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		logger.Error("failed to register metrics", slog.Any("error", err))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var cacheProvider cache.Provider = cache.NewMemoryProvider()
	if cfg.Cache.Enabled && cfg.Cache.Addr != "" {
		provider, err := cache.NewRedisProvider(ctx, cache.RedisConfig{
			Addr:         cfg.Cache.Addr,
			Username:     cfg.Cache.Username,
			Password:     cfg.Cache.Password,
			DB:           cfg.Cache.DB,
			DialTimeout:  cfg.Cache.DialTimeout,
			ReadTimeout:  cfg.Cache.ReadTimeout,
			WriteTimeout: cfg.Cache.WriteTimeout,
			MaxRetries:   cfg.Cache.MaxRetries,
		})
		if err != nil {
			logger.Warn("redis cache unavailable, using in-process cache", slog.Any("error", err))
		} else {
			cacheProvider = provider
		}
	}
	defer cacheProvider.Close()

	prom, err := repo.NewPrometheusSource(cfg.Prometheus.URL, cfg.Prometheus.Timeout, logger)
	if err != nil {
		logger.Error("failed to create prometheus client", slog.Any("error", err))
		os.Exit(1)
	}

	graph, err := repo.NewNeo4jGraph(ctx, repo.Neo4jConfig{
		URI:      cfg.Neo4j.URI,
		Username: cfg.Neo4j.Username,
		Password: cfg.Neo4j.Password,
		Database: cfg.Neo4j.Database,
	})
	if err != nil {
		logger.Error("failed to connect to neo4j", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := graph.Close(closeCtx); err != nil {
			logger.Warn("neo4j close", slog.Any("error", err))
		}
	}()
	topology := repo.NewTopology(graph)

	scorer, err := scorerFor(cfg.Diagnostics, cfg.Baseline)
	if err != nil {
		logger.Error("invalid diagnostics scorer", slog.Any("error", err))
		os.Exit(1)
	}
	diag := diagnostics.NewService(prom, topology, scorer, diagnostics.Options{
		MaxResources:   cfg.Diagnostics.MaxResources,
		SnapshotBudget: cfg.Diagnostics.SnapshotBudget,
		Concurrency:    cfg.Diagnostics.Concurrency,
	}, logger)

	baselines := baseline.NewAnalyzer(prom, topology, cacheProvider, baseline.Options{
		PeriodDays:            cfg.Baseline.PeriodDays,
		AnomalyThresholdStdev: cfg.Baseline.AnomalyThresholdStdev,
		CacheTTL:              cfg.Baseline.CacheTTL,
	}, logger)

	rulePack, err := rootcause.LoadRulePack(cfg.RootCause.RulesPath, logger)
	if err != nil {
		logger.Error("failed to load rule pack", slog.Any("error", err))
		os.Exit(1)
	}
	rootCauses := rootcause.NewAnalyzer(topology, diag, rulePack, logger)

	var errorStore errorreplay.Store
	switch cfg.ErrorReplay.Store {
	case "graph":
		errorStore = errorreplay.NewGraphStore(graph, logger)
	case "", "memory":
		errorStore = errorreplay.NewMemoryStore()
	default:
		logger.Error("unknown error store", slog.String("store", cfg.ErrorReplay.Store))
		os.Exit(1)
	}
	replay := errorreplay.NewService(errorStore, logSources(cfg, logger), prom, traceSource(cfg), topology,
		errorreplay.Options{SearchLimit: cfg.ErrorReplay.SearchLimit}, logger)

	alertStore, closeAlertStore, err := openAlertStore(ctx, cfg.Alerting, graph, logger)
	if err != nil {
		logger.Error("failed to open alert store", slog.Any("error", err))
		os.Exit(1)
	}
	defer closeAlertStore()
	dispatcher := alerting.NewDispatcher(alerting.DispatcherOptions{
		HTTPTimeout: cfg.Alerting.HTTPTimeout,
		RateLimit:   cfg.Alerting.RateLimit,
		RateBurst:   cfg.Alerting.RateBurst,
		SMTP: alerting.SMTPSettings{
			Host:     cfg.Alerting.SMTP.Host,
			Port:     cfg.Alerting.SMTP.Port,
			Username: cfg.Alerting.SMTP.Username,
			Password: cfg.Alerting.SMTP.Password,
			From:     cfg.Alerting.SMTP.From,
		},
	}, logger)
	alerts := alerting.NewEngine(alertStore, diag, dispatcher, logger)

	loadChanges := loadchange.NewDetector(prom, logger)

	service := services.NewDiagnosticsService(logger, services.Components{
		Diagnostics: diag,
		Baselines:   baselines,
		RootCause:   rootCauses,
		ErrorReplay: replay,
		Alerting:    alerts,
		LoadChange:  loadChanges,
	})

	server, err := api.NewServer(cfg.Server, service)
	if err != nil {
		logger.Error("failed to create gRPC server", slog.Any("error", err))
		os.Exit(1)
	}

	var metricsServer *http.Server
	if cfg.Server.MetricsAddress != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsServer = &http.Server{
			Addr:         cfg.Server.MetricsAddress,
			Handler:      mux,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 15 * time.Second,
		}
		go func() {
			logger.Info("metrics server listening", slog.String("address", cfg.Server.MetricsAddress))
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server exited", slog.Any("error", err))
				stop()
			}
		}()
	}

	go func() {
		if serveErr := server.Start(); serveErr != nil {
			logger.Error("gRPC server exited", slog.Any("error", serveErr))
			stop()
		}
	}()

	evaluationDone := make(chan struct{})
	go func() {
		defer close(evaluationDone)
		runEvaluationLoop(ctx, alerts, cfg.Alerting, logger)
	}()

	<-ctx.Done()
	logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.GracefulTimeout)
	defer cancel()
	server.Shutdown(shutdownCtx)
	<-evaluationDone

	if metricsServer != nil {
		metricsCtx, cancelMetrics := context.WithTimeout(context.Background(), 5*time.Second)
		if err := metricsServer.Shutdown(metricsCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("metrics server shutdown", slog.Any("error", err))
		}
		cancelMetrics()
	}

	logger.Info("topdeck-diagnostics stopped")
}

func scorerFor(cfg config.DiagnosticsConfig, baselineCfg config.BaselineConfig) (anomaly.Scorer, error) {
	switch cfg.Scorer {
	case "", "isolation_forest":
		return anomaly.NewIsolationForestScorer(cfg.Seed), nil
	case "statistical":
		return anomaly.ZScoreScorer{Threshold: baselineCfg.AnomalyThresholdStdev}, nil
	default:
		return nil, fmt.Errorf("unknown scorer %q", cfg.Scorer)
	}
}

// logSources returns the configured log backends in lookup order: Loki, Elasticsearch, Azure.
func logSources(cfg *config.Config, logger *slog.Logger) []errorreplay.LogSource {
	var out []errorreplay.LogSource
	if cfg.Logs.LokiURL != "" {
		out = append(out, repo.NewLokiSource(cfg.Logs.LokiURL, cfg.Logs.Timeout))
	}
	if es := cfg.Logs.Elasticsearch; es.URL != "" {
		out = append(out, repo.NewElasticsearchSource(es.URL, es.Index, es.Username, es.Password, cfg.Logs.Timeout))
	}
	if az := cfg.Logs.Azure; az.WorkspaceID != "" {
		source, err := repo.NewAzureLogAnalytics(repo.AzureLogsConfig{
			WorkspaceID:  az.WorkspaceID,
			TenantID:     az.TenantID,
			ClientID:     az.ClientID,
			ClientSecret: az.ClientSecret,
			Timeout:      cfg.Logs.Timeout,
		})
		if err != nil {
			logger.Warn("azure log analytics disabled", slog.Any("error", err))
		} else {
			out = append(out, source)
		}
	}
	return out
}

func traceSource(cfg *config.Config) errorreplay.TraceSource {
	switch {
	case cfg.Traces.TempoURL != "":
		return repo.NewTempoSource(cfg.Traces.TempoURL, cfg.Traces.Timeout)
	case cfg.Traces.JaegerURL != "":
		return repo.NewJaegerSource(cfg.Traces.JaegerURL, cfg.Traces.Timeout)
	default:
		return nil
	}
}

func openAlertStore(ctx context.Context, cfg config.AlertingConfig, graph repo.GraphRunner, logger *slog.Logger) (alerting.Store, func(), error) {
	switch cfg.Store {
	case "", "memory":
		return alerting.NewMemoryStore(), func() {}, nil
	case "graph":
		return alerting.NewGraphStore(graph, logger), func() {}, nil
	case "sqlite":
		store, err := alerting.OpenSQLiteStore(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		return store, func() {
			if err := store.Close(); err != nil {
				logger.Warn("sqlite close", slog.Any("error", err))
			}
		}, nil
	default:
		return nil, nil, fmt.Errorf("unknown alert store %q", cfg.Store)
	}
}

func runEvaluationLoop(ctx context.Context, engine *alerting.Engine, cfg config.AlertingConfig, logger *slog.Logger) {
	interval := cfg.EvaluationInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			alerts, err := engine.EvaluateRules(ctx, cfg.EvaluationWindowHrs)
			if err != nil {
				logger.Warn("rule evaluation failed", slog.Any("error", err))
				continue
			}
			if len(alerts) > 0 {
				logger.Info("rule evaluation raised alerts", slog.Int("count", len(alerts)))
			}
		}
	}
}
