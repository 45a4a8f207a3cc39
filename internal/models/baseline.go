package models

import "time"

// BaselineMetric holds the statistics of one metric over the baseline window.
// SampleCount == 0 means no data and every statistic is zero.
type BaselineMetric struct {
	MetricName        string  `json:"metric_name"`
	Mean              float64 `json:"mean"`
	Median            float64 `json:"median"`
	StdDev            float64 `json:"std_dev"`
	MinValue          float64 `json:"min_value"`
	MaxValue          float64 `json:"max_value"`
	Percentile95      float64 `json:"percentile_95"`
	Percentile99      float64 `json:"percentile_99"`
	SampleCount       int     `json:"sample_count"`
	CalculationPeriod string  `json:"calculation_period"`
}

// Baseline is the cached set of metric baselines for a resource.
type Baseline struct {
	ResourceID   string                    `json:"resource_id"`
	ResourceName string                    `json:"resource_name"`
	Metrics      map[string]BaselineMetric `json:"metrics"`
	CalculatedAt time.Time                 `json:"calculated_at"`
	ValidUntil   time.Time                 `json:"valid_until"`
	Metadata     map[string]string         `json:"metadata,omitempty"`
}

// ValidAt reports whether the baseline can still be served at t.
func (b Baseline) ValidAt(t time.Time) bool {
	return !b.CalculatedAt.IsZero() && t.Before(b.ValidUntil)
}

// HistoricalPeriod names the reference window of a historical comparison.
type HistoricalPeriod string

const (
	PeriodPreviousHour      HistoricalPeriod = "previous_hour"
	PeriodPreviousDay       HistoricalPeriod = "previous_day"
	PeriodPreviousWeek      HistoricalPeriod = "previous_week"
	PeriodSameHourYesterday HistoricalPeriod = "same_hour_yesterday"
	PeriodSameDayLastWeek   HistoricalPeriod = "same_day_last_week"
)

// MetricTrend classifies the change of a metric against its historical value.
type MetricTrend string

const (
	MetricImproving MetricTrend = "improving"
	MetricDegrading MetricTrend = "degrading"
	MetricStable    MetricTrend = "stable"
	MetricChanged   MetricTrend = "changed"
	MetricMixed     MetricTrend = "mixed"
)

// MetricComparison compares a current value with its historical counterpart.
type MetricComparison struct {
	MetricName            string      `json:"metric_name"`
	CurrentValue          float64     `json:"current_value"`
	HistoricalValue       float64     `json:"historical_value"`
	AbsoluteChange        float64     `json:"absolute_change"`
	PercentChange         float64     `json:"percent_change"`
	DeviationFromBaseline float64     `json:"deviation_from_baseline"`
	IsAnomalous           bool        `json:"is_anomalous"`
	Trend                 MetricTrend `json:"trend"`
}

// HistoricalComparison is the per-resource result of comparing against a named period.
type HistoricalComparison struct {
	ResourceID       string             `json:"resource_id"`
	ResourceName     string             `json:"resource_name"`
	Period           HistoricalPeriod   `json:"period"`
	CurrentTime      time.Time          `json:"current_time"`
	HistoricalTime   time.Time          `json:"historical_time"`
	Metrics          []MetricComparison `json:"metrics"`
	OverallTrend     MetricTrend        `json:"overall_trend"`
	AnomalousMetrics []string           `json:"anomalous_metrics"`
}
