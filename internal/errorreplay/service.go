package errorreplay

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/topdeckio/topdeck-diagnostics/internal/metrics"
	"github.com/topdeckio/topdeck-diagnostics/internal/models"
	"github.com/topdeckio/topdeck-diagnostics/internal/rootcause"
	"github.com/topdeckio/topdeck-diagnostics/internal/utils"
)

const (
	defaultSearchLimit = 100

	contextWindow       = 5 * time.Minute
	relatedWindow       = 10 * time.Minute
	deploymentLookback  = 24 * time.Hour
	recentDeployment    = time.Hour
	metricStep          = 30 * time.Second
	logsPerSource       = 100
	correlationIDLimit  = 20
	maxRelatedErrors    = 20
	maxAffected         = 20
	maxDeployments      = 5
	dependentDepth      = 2
	topologyEdgeLimit   = 50
	blastRadiusCutoff   = 10
	statisticsScanLimit = 10000
	topResourcesLimit   = 10

	deploymentConfidence = 0.7
	unknownConfidence    = 0.3
)

var snapshotMetrics = []string{"cpu_usage", "memory_usage", "error_rate", "latency_p95", "request_rate"}

// LogSource is one log backend.
type LogSource interface {
	Name() string
	ResourceLogs(ctx context.Context, resourceID string, start, end time.Time, limit int) ([]models.LogEntry, error)
	LogsByCorrelationID(ctx context.Context, correlationID string, start, end time.Time, limit int) ([]models.LogEntry, error)
	CorrelationIDs(ctx context.Context, resourceID string, start, end time.Time, limit int) ([]string, error)
}

// MetricsSource supplies metric series around the error.
type MetricsSource interface {
	MetricRange(ctx context.Context, resourceID, metric string, start, end time.Time, step time.Duration) ([]models.MetricPoint, error)
}

// TraceSource fetches the spans of one trace.
type TraceSource interface {
	TraceSpans(ctx context.Context, traceID string) ([]models.TraceSpan, error)
}

// TopologySource supplies the graph context of the failing resource.
type TopologySource interface {
	GetResource(ctx context.Context, resourceID string) (models.Resource, error)
	Dependencies(ctx context.Context, resourceID string, limit int) ([]models.DependencyEdge, error)
	DirectDependents(ctx context.Context, resourceID string, limit int) ([]models.DependencyEdge, error)
	Dependents(ctx context.Context, resourceID string, depth, limit int) ([]string, error)
	Deployments(ctx context.Context, resourceID string, start, end time.Time, limit int) ([]models.DeploymentEvent, error)
}

// Options tunes the service.
type Options struct {
	SearchLimit int
}

// Service captures errors with their surrounding context and replays them later.
type Service struct {
	store    Store
	logs     []LogSource
	metrics  MetricsSource
	traces   TraceSource
	topology TopologySource
	opts     Options
	logger   *slog.Logger
	now      func() time.Time
}

// NewService wires the replay service. Log sources are consulted in the order given; nil
// backends are skipped.
func NewService(store Store, logs []LogSource, metricsSource MetricsSource, traces TraceSource, topology TopologySource, opts Options, logger *slog.Logger) *Service {
	if store == nil {
		store = NewMemoryStore()
	}
	if opts.SearchLimit <= 0 {
		opts.SearchLimit = defaultSearchLimit
	}
	return &Service{
		store:    store,
		logs:     logs,
		metrics:  metricsSource,
		traces:   traces,
		topology: topology,
		opts:     opts,
		logger:   utils.Component(logger, "errorreplay"),
		now:      time.Now,
	}
}

// ErrorID derives the stable identifier of an error occurrence.
func ErrorID(timestamp time.Time, message, resourceID string) string {
	sum := sha256.Sum256([]byte(utils.FormatTimestamp(timestamp) + message + resourceID))
	return hex.EncodeToString(sum[:])[:16]
}

// CaptureError records an error with its logs, metrics, traces, topology, related errors and
// deployments. Failing context sources are skipped.
func (s *Service) CaptureError(ctx context.Context, req models.CaptureRequest) (models.ErrorSnapshot, error) {
	if strings.TrimSpace(req.Message) == "" {
		return models.ErrorSnapshot{}, utils.NewAppError("capture_error", "message is required", nil)
	}
	ts := req.Timestamp
	if ts.IsZero() {
		ts = s.now()
	}
	ts = ts.UTC().Truncate(time.Microsecond)

	snapshot := models.ErrorSnapshot{
		ErrorID:       ErrorID(ts, req.Message, req.ResourceID),
		Timestamp:     ts,
		Severity:      firstNonEmpty(req.Severity, "error"),
		Source:        firstNonEmpty(req.Source, "unknown"),
		ResourceID:    req.ResourceID,
		ResourceType:  req.ResourceType,
		Message:       req.Message,
		ErrorType:     req.ErrorType,
		StackTrace:    req.StackTrace,
		CorrelationID: req.CorrelationID,
		TraceID:       req.TraceID,
		SpanID:        req.SpanID,
		Tags:          append([]string(nil), req.Tags...),
		Metadata:      map[string]string{},
	}
	for k, v := range req.Metadata {
		snapshot.Metadata[k] = v
	}

	s.gatherContext(ctx, &snapshot)
	normalize(&snapshot)

	if err := s.store.Save(ctx, snapshot); err != nil {
		return models.ErrorSnapshot{}, utils.NewAppError("capture_error", "persist snapshot "+snapshot.ErrorID, err)
	}
	metrics.ObserveErrorCaptured(snapshot.Severity)
	s.logger.Info("error captured",
		slog.String("error_id", snapshot.ErrorID),
		slog.String("resource_id", snapshot.ResourceID),
		slog.Int("logs", len(snapshot.Logs)),
		slog.Int("related_errors", len(snapshot.RelatedErrors)))
	return snapshot, nil
}

func (s *Service) gatherContext(ctx context.Context, snap *models.ErrorSnapshot) {
	start := snap.Timestamp.Add(-contextWindow)
	end := snap.Timestamp.Add(contextWindow)

	keys := snapshotKeys(snap)

	var g errgroup.Group
	g.Go(func() error {
		logs, ids := s.collectLogs(ctx, snap.ResourceID, snap.CorrelationID, start, end)
		snap.Logs = logs
		if len(ids) > 0 {
			// Metadata is only written here until Wait returns.
			snap.Metadata["observed_correlation_ids"] = strings.Join(ids, ",")
		}
		return nil
	})
	g.Go(func() error {
		snap.Metrics = s.collectMetrics(ctx, snap.ResourceID, start, end)
		return nil
	})
	g.Go(func() error {
		snap.Traces = s.collectTraces(ctx, snap.TraceID)
		return nil
	})
	g.Go(func() error {
		snap.TopologySnapshot = s.collectTopology(ctx, snap.ResourceID)
		return nil
	})
	g.Go(func() error {
		snap.RelatedErrors = s.relatedErrors(ctx, keys)
		return nil
	})
	g.Go(func() error {
		snap.AffectedResources = s.affectedResources(ctx, snap.ResourceID)
		return nil
	})
	g.Go(func() error {
		snap.DeploymentContext = s.recentDeployments(ctx, snap.ResourceID, snap.Timestamp)
		return nil
	})
	_ = g.Wait()
}

// snapshotKeys copies the identifying fields read by the related-error lookup.
func snapshotKeys(snap *models.ErrorSnapshot) models.ErrorSnapshot {
	return models.ErrorSnapshot{
		ErrorID:       snap.ErrorID,
		Timestamp:     snap.Timestamp,
		ResourceID:    snap.ResourceID,
		CorrelationID: snap.CorrelationID,
		TraceID:       snap.TraceID,
	}
}

func (s *Service) collectLogs(ctx context.Context, resourceID, correlationID string, start, end time.Time) ([]models.LogEntry, []string) {
	var (
		entries []models.LogEntry
		ids     []string
	)
	seenIDs := map[string]bool{}
	for _, src := range s.logs {
		if src == nil {
			continue
		}
		log := s.logger.With(slog.String("backend", src.Name()))
		if correlationID != "" {
			found, err := src.LogsByCorrelationID(ctx, correlationID, start, end, logsPerSource)
			if err != nil {
				log.Warn("correlated logs unavailable", slog.Any("error", err))
			} else {
				entries = append(entries, found...)
			}
		}
		if resourceID == "" {
			continue
		}
		found, err := src.ResourceLogs(ctx, resourceID, start, end, logsPerSource)
		if err != nil {
			log.Warn("resource logs unavailable", slog.String("resource_id", resourceID), slog.Any("error", err))
			continue
		}
		entries = append(entries, found...)

		observed, err := src.CorrelationIDs(ctx, resourceID, start, end, correlationIDLimit)
		if err != nil {
			log.Warn("correlation ids unavailable", slog.String("resource_id", resourceID), slog.Any("error", err))
			continue
		}
		for _, id := range observed {
			if !seenIDs[id] {
				seenIDs[id] = true
				ids = append(ids, id)
			}
		}
	}
	entries = dedupeLogs(entries)
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].Timestamp.Before(entries[j].Timestamp)
	})
	return entries, ids
}

func dedupeLogs(entries []models.LogEntry) []models.LogEntry {
	seen := make(map[string]bool, len(entries))
	out := make([]models.LogEntry, 0, len(entries))
	for _, e := range entries {
		key := e.Source + "|" + utils.FormatTimestamp(e.Timestamp) + "|" + e.Message
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, e)
	}
	return out
}

func (s *Service) collectMetrics(ctx context.Context, resourceID string, start, end time.Time) map[string][]models.MetricPoint {
	out := map[string][]models.MetricPoint{}
	if s.metrics == nil || resourceID == "" {
		return out
	}
	for _, name := range snapshotMetrics {
		series, err := s.metrics.MetricRange(ctx, resourceID, name, start, end, metricStep)
		if err != nil {
			s.logger.Warn("metric unavailable", slog.String("resource_id", resourceID), slog.String("metric", name), slog.Any("error", err))
			continue
		}
		if len(series) > 0 {
			out[name] = series
		}
	}
	return out
}

func (s *Service) collectTraces(ctx context.Context, traceID string) []models.TraceSpan {
	if s.traces == nil || traceID == "" {
		return nil
	}
	spans, err := s.traces.TraceSpans(ctx, traceID)
	if err != nil {
		s.logger.Warn("trace unavailable", slog.String("trace_id", traceID), slog.Any("error", err))
		return nil
	}
	return spans
}

func (s *Service) collectTopology(ctx context.Context, resourceID string) models.TopologySnapshot {
	snap := models.TopologySnapshot{}
	if s.topology == nil || resourceID == "" {
		return snap
	}
	if res, err := s.topology.GetResource(ctx, resourceID); err == nil {
		snap.Resource = &res
	} else {
		s.logger.Warn("resource unavailable", slog.String("resource_id", resourceID), slog.Any("error", err))
	}
	if deps, err := s.topology.Dependencies(ctx, resourceID, topologyEdgeLimit); err == nil {
		snap.Dependencies = deps
	} else {
		s.logger.Warn("dependencies unavailable", slog.String("resource_id", resourceID), slog.Any("error", err))
	}
	if dependents, err := s.topology.DirectDependents(ctx, resourceID, topologyEdgeLimit); err == nil {
		snap.Dependents = dependents
	} else {
		s.logger.Warn("dependents unavailable", slog.String("resource_id", resourceID), slog.Any("error", err))
	}
	return snap
}

func (s *Service) relatedErrors(ctx context.Context, keys models.ErrorSnapshot) []string {
	if keys.ResourceID == "" && keys.CorrelationID == "" && keys.TraceID == "" {
		return nil
	}
	candidates, err := s.store.Search(ctx, models.ErrorSearchFilter{
		StartTime: keys.Timestamp.Add(-relatedWindow),
		EndTime:   keys.Timestamp.Add(relatedWindow),
		Limit:     statisticsScanLimit,
	})
	if err != nil {
		s.logger.Warn("related errors unavailable", slog.String("error_id", keys.ErrorID), slog.Any("error", err))
		return nil
	}
	var out []string
	for _, c := range candidates {
		if c.ErrorID == keys.ErrorID {
			continue
		}
		if sharesKey(keys, c) {
			out = append(out, c.ErrorID)
			if len(out) == maxRelatedErrors {
				break
			}
		}
	}
	return out
}

func sharesKey(a, b models.ErrorSnapshot) bool {
	return (a.ResourceID != "" && a.ResourceID == b.ResourceID) ||
		(a.CorrelationID != "" && a.CorrelationID == b.CorrelationID) ||
		(a.TraceID != "" && a.TraceID == b.TraceID)
}

func (s *Service) affectedResources(ctx context.Context, resourceID string) []string {
	if s.topology == nil || resourceID == "" {
		return nil
	}
	ids, err := s.topology.Dependents(ctx, resourceID, dependentDepth, maxAffected)
	if err != nil {
		s.logger.Warn("dependents unavailable", slog.String("resource_id", resourceID), slog.Any("error", err))
		return nil
	}
	if len(ids) > maxAffected {
		ids = ids[:maxAffected]
	}
	return ids
}

func (s *Service) recentDeployments(ctx context.Context, resourceID string, at time.Time) []models.DeploymentEvent {
	if s.topology == nil || resourceID == "" {
		return nil
	}
	deployments, err := s.topology.Deployments(ctx, resourceID, at.Add(-deploymentLookback), at, maxDeployments)
	if err != nil {
		s.logger.Warn("deployments unavailable", slog.String("resource_id", resourceID), slog.Any("error", err))
		return nil
	}
	if len(deployments) > maxDeployments {
		deployments = deployments[:maxDeployments]
	}
	return deployments
}

// GetError returns a captured snapshot.
func (s *Service) GetError(ctx context.Context, errorID string) (models.ErrorSnapshot, error) {
	return s.store.Get(ctx, errorID)
}

// ReplayError reconstructs the timeline of a captured error and explains it.
func (s *Service) ReplayError(ctx context.Context, errorID string) (models.ErrorReplayResult, error) {
	snap, err := s.store.Get(ctx, errorID)
	if err != nil {
		return models.ErrorReplayResult{}, err
	}

	result := models.ErrorReplayResult{
		Snapshot:   snap,
		Timeline:   ReplayTimeline(snap),
		ReplayedAt: s.now(),
	}
	result.RootCause, result.RootCauseDetail, result.Confidence = replayRootCause(snap)
	result.Recommendations = replayRecommendations(snap, result.RootCause)
	return result, nil
}

// ReplayTimeline merges the error itself, its logs and its deployments in time order.
func ReplayTimeline(snap models.ErrorSnapshot) []models.TimelineEvent {
	timeline := []models.TimelineEvent{{
		Timestamp:   snap.Timestamp,
		EventType:   models.EventError,
		ResourceID:  snap.ResourceID,
		Description: snap.Message,
		Severity:    snap.Severity,
		Metadata:    map[string]string{"error_id": snap.ErrorID, "source": snap.Source},
	}}
	for _, entry := range snap.Logs {
		timeline = append(timeline, models.TimelineEvent{
			Timestamp:   entry.Timestamp,
			EventType:   models.EventLog,
			ResourceID:  firstNonEmpty(entry.ResourceID, snap.ResourceID),
			Description: entry.Message,
			Severity:    entry.Level,
		})
	}
	resource := models.Resource{ID: snap.ResourceID}
	if snap.TopologySnapshot.Resource != nil {
		resource = *snap.TopologySnapshot.Resource
	}
	for _, d := range snap.DeploymentContext {
		timeline = append(timeline, rootcause.DeploymentTimelineEvent(d, resource))
	}
	sort.SliceStable(timeline, func(i, j int) bool {
		return timeline[i].Timestamp.Before(timeline[j].Timestamp)
	})
	return timeline
}

func replayRootCause(snap models.ErrorSnapshot) (models.RootCauseType, string, float64) {
	var latest *models.DeploymentEvent
	for i := range snap.DeploymentContext {
		d := &snap.DeploymentContext[i]
		gap := snap.Timestamp.Sub(d.DeployedAt)
		if gap < 0 || gap > recentDeployment {
			continue
		}
		if latest == nil || d.DeployedAt.After(latest.DeployedAt) {
			latest = d
		}
	}
	if latest != nil {
		detail := fmt.Sprintf("Deployment of version %s %s before the error",
			firstNonEmpty(latest.Version, "unknown"), snap.Timestamp.Sub(latest.DeployedAt).Round(time.Second))
		return models.RootCauseDeployment, detail, deploymentConfidence
	}
	return models.RootCauseUnknown, "No recent deployment or correlated change found", unknownConfidence
}

func replayRecommendations(snap models.ErrorSnapshot, rootCause models.RootCauseType) []string {
	recs := rootcause.DefaultRecommendations(rootCause)
	target := firstNonEmpty(snap.ResourceID, "the failing component")
	if strings.EqualFold(snap.Severity, "critical") {
		recs = append(recs,
			"Escalate to the on-call engineer immediately",
			"Enable circuit breakers on calls into "+target)
	}
	if len(snap.AffectedResources) > blastRadiusCutoff {
		recs = append(recs, fmt.Sprintf("Isolate %s to contain the impact on %d dependent resources", target, len(snap.AffectedResources)))
	}
	return recs
}

// SearchErrors returns matching snapshots newest first.
func (s *Service) SearchErrors(ctx context.Context, filter models.ErrorSearchFilter) ([]models.ErrorSnapshot, error) {
	if filter.Limit <= 0 {
		filter.Limit = s.opts.SearchLimit
	}
	found, err := s.store.Search(ctx, filter)
	if err != nil {
		return nil, utils.NewAppError("search_errors", "query error store", err)
	}
	return found, nil
}

// GetErrorStatistics aggregates errors captured in [start, end].
func (s *Service) GetErrorStatistics(ctx context.Context, start, end time.Time) (models.ErrorStatistics, error) {
	if end.IsZero() {
		end = s.now()
	}
	if start.IsZero() {
		start = end.Add(-24 * time.Hour)
	}
	found, err := s.store.Search(ctx, models.ErrorSearchFilter{StartTime: start, EndTime: end, Limit: statisticsScanLimit})
	if err != nil {
		return models.ErrorStatistics{}, utils.NewAppError("get_error_statistics", "query error store", err)
	}
	return Statistics(found, start, end), nil
}

// Statistics counts snapshots by severity, source and resource.
func Statistics(snapshots []models.ErrorSnapshot, start, end time.Time) models.ErrorStatistics {
	stats := models.ErrorStatistics{
		StartTime:    start,
		EndTime:      end,
		Total:        len(snapshots),
		BySeverity:   map[string]int{},
		BySource:     map[string]int{},
		TopResources: []models.ResourceErrorCount{},
	}
	byResource := map[string]int{}
	for _, snap := range snapshots {
		stats.BySeverity[snap.Severity]++
		stats.BySource[snap.Source]++
		if snap.ResourceID != "" {
			byResource[snap.ResourceID]++
		}
	}
	for id, count := range byResource {
		stats.TopResources = append(stats.TopResources, models.ResourceErrorCount{ResourceID: id, Count: count})
	}
	sort.Slice(stats.TopResources, func(i, j int) bool {
		if stats.TopResources[i].Count == stats.TopResources[j].Count {
			return stats.TopResources[i].ResourceID < stats.TopResources[j].ResourceID
		}
		return stats.TopResources[i].Count > stats.TopResources[j].Count
	})
	if len(stats.TopResources) > topResourcesLimit {
		stats.TopResources = stats.TopResources[:topResourcesLimit]
	}
	return stats
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
