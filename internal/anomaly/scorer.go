// Package anomaly scores metric series and classifies anomaly severity.
package anomaly

import (
	"math"
	"sort"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/topdeckio/topdeck-diagnostics/internal/models"
)

// ScoredPoint is a sample flagged as anomalous with a score in [0,1].
type ScoredPoint struct {
	Index     int
	Timestamp time.Time
	Value     float64
	Score     float64
}

// Scorer returns the anomalous points of a series, highest score first.
type Scorer interface {
	Score(series []models.MetricPoint) []ScoredPoint
}

// SeverityForScore maps an anomaly score to a severity. Cutoffs are inclusive lower bounds.
func SeverityForScore(score float64) models.Severity {
	switch {
	case score >= 0.8:
		return models.SeverityCritical
	case score >= 0.6:
		return models.SeverityHigh
	case score >= 0.4:
		return models.SeverityMedium
	default:
		return models.SeverityLow
	}
}

// ZScoreScorer flags samples whose distance from the series mean exceeds Threshold standard
// deviations. The score is z/5 capped at 1.
type ZScoreScorer struct {
	Threshold  float64
	MinSamples int
}

// Score implements Scorer.
func (z ZScoreScorer) Score(series []models.MetricPoint) []ScoredPoint {
	threshold := z.Threshold
	if threshold <= 0 {
		threshold = 2
	}
	minSamples := z.MinSamples
	if minSamples < 3 {
		minSamples = 3
	}
	if len(series) < minSamples {
		return nil
	}

	values := valuesOf(series)
	mean, std := stat.MeanStdDev(values, nil)
	if std == 0 || math.IsNaN(std) {
		return nil
	}

	var flagged []ScoredPoint
	for i, p := range series {
		score := math.Abs(p.Value-mean) / std
		if score < threshold {
			continue
		}
		flagged = append(flagged, ScoredPoint{
			Index:     i,
			Timestamp: p.Timestamp,
			Value:     p.Value,
			Score:     math.Min(1, score/5),
		})
	}
	sortScored(flagged)
	return flagged
}

func valuesOf(series []models.MetricPoint) []float64 {
	values := make([]float64, len(series))
	for i, p := range series {
		values[i] = p.Value
	}
	return values
}

func sortScored(points []ScoredPoint) {
	sort.SliceStable(points, func(i, j int) bool {
		if points[i].Score != points[j].Score {
			return points[i].Score > points[j].Score
		}
		return points[i].Timestamp.After(points[j].Timestamp)
	})
}
