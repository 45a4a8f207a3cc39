package rootcause

import (
	"errors"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/topdeckio/topdeck-diagnostics/internal/models"
	"github.com/topdeckio/topdeck-diagnostics/internal/utils"
)

var defaultRecommendations = map[models.RootCauseType][]string{
	models.RootCauseDeployment: {
		"Review the most recent deployment for breaking changes",
		"Roll back to the previous version if the failure persists",
		"Use canary deployments to limit the blast radius of future releases",
	},
	models.RootCauseResourceExhaustion: {
		"Scale up the affected resource or add replicas",
		"Enable auto-scaling on CPU and memory utilisation",
		"Review resource requests and limits",
	},
	models.RootCauseCascadingFailure: {
		"Investigate the origin of the propagation before its dependents",
		"Add circuit breakers between dependent services",
		"Configure retries with exponential backoff and bounded timeouts",
	},
	models.RootCauseNetworkIssue: {
		"Check network connectivity between the affected services",
		"Review timeout and connection pool settings",
		"Inspect load balancer and DNS health",
	},
	models.RootCauseDependencyFailure: {
		"Verify the health of upstream dependencies",
		"Add fallbacks for non-critical dependencies",
	},
	models.RootCauseConfigChange: {
		"Diff recent configuration changes against the last known good state",
		"Revert the most recent configuration change",
	},
	models.RootCauseExternalService: {
		"Check the status page of the external provider",
		"Cache or degrade gracefully around external calls",
	},
	models.RootCauseUnknown: {
		"Review application logs around the failure time",
		"Check monitoring dashboards for correlated signals",
		"Collect more telemetry for the affected resource",
	},
}

// DefaultRecommendations returns the built-in advice for a root cause type.
func DefaultRecommendations(rootCause models.RootCauseType) []string {
	recs, ok := defaultRecommendations[rootCause]
	if !ok {
		recs = defaultRecommendations[models.RootCauseUnknown]
	}
	return append([]string(nil), recs...)
}

// RulePack layers operator-supplied recommendation rules over the built-in table.
type RulePack struct {
	rules  []Rule
	logger *slog.Logger
}

// Rule adds, or with Replace substitutes, recommendations for matching analyses.
type Rule struct {
	ID              string    `yaml:"id"`
	Match           RuleMatch `yaml:"match"`
	Recommendations []string  `yaml:"recommendations"`
	Replace         bool      `yaml:"replace"`
}

// RuleMatch defines optional attributes for rule matching.
type RuleMatch struct {
	RootCause      string   `yaml:"root_cause"`
	Resource       string   `yaml:"resource"`
	Severity       string   `yaml:"severity"`
	MetricContains []string `yaml:"metric_contains"`
}

// RuleConfigFile is the YAML root structure.
type RuleConfigFile struct {
	Rules []Rule `yaml:"rules"`
}

// LoadRulePack reads rules from path. An empty or missing path yields a nil pack, which
// still serves the built-in recommendations.
func LoadRulePack(path string, logger *slog.Logger) (*RulePack, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var cfg RuleConfigFile
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, utils.NewAppError("load_rule_pack", "invalid rules file "+path, err)
	}
	pack := &RulePack{rules: cfg.Rules, logger: utils.Component(logger, "rulepack")}
	pack.logger.Info("recommendation rules loaded", slog.Int("rules", len(cfg.Rules)), slog.String("path", path))
	return pack, nil
}

// Recommend returns the recommendations for an analysis.
func (p *RulePack) Recommend(analysis models.RootCauseAnalysis) []string {
	base := DefaultRecommendations(analysis.RootCauseType)
	if p == nil {
		return base
	}

	var extra []string
	for _, rule := range p.rules {
		if !rule.matches(analysis) {
			continue
		}
		if rule.Replace {
			base = nil
		}
		extra = appendUnique(extra, rule.Recommendations...)
	}
	return appendUnique(base, extra...)
}

func (r Rule) matches(analysis models.RootCauseAnalysis) bool {
	if r.Match.RootCause != "" && !strings.EqualFold(r.Match.RootCause, string(analysis.RootCauseType)) {
		return false
	}
	if r.Match.Resource != "" && !strings.EqualFold(r.Match.Resource, analysis.ResourceID) &&
		!strings.EqualFold(r.Match.Resource, analysis.ResourceName) {
		return false
	}
	if r.Match.Severity != "" && !timelineHasSeverity(r.Match.Severity, analysis.Timeline) {
		return false
	}
	if len(r.Match.MetricContains) > 0 && !anomaliesContain(r.Match.MetricContains, analysis.CorrelatedAnomalies) {
		return false
	}
	return true
}

func timelineHasSeverity(severity string, events []models.TimelineEvent) bool {
	for _, ev := range events {
		if strings.EqualFold(severity, ev.Severity) {
			return true
		}
	}
	return false
}

func anomaliesContain(keywords []string, anomalies []models.CorrelatedAnomaly) bool {
	for _, a := range anomalies {
		metric := strings.ToLower(a.MetricName)
		for _, kw := range keywords {
			if kw != "" && strings.Contains(metric, strings.ToLower(kw)) {
				return true
			}
		}
	}
	return false
}

func appendUnique(existing []string, additions ...string) []string {
	seen := make(map[string]struct{}, len(existing))
	for _, rec := range existing {
		seen[rec] = struct{}{}
	}
	for _, item := range additions {
		if item == "" {
			continue
		}
		if _, ok := seen[item]; ok {
			continue
		}
		existing = append(existing, item)
		seen[item] = struct{}{}
	}
	return existing
}
