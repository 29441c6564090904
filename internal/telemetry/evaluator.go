package telemetry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"case-monitor/internal/alerting"
	"case-monitor/internal/clock"
	"case-monitor/internal/config"
	"case-monitor/internal/metrics"
	"case-monitor/internal/storage"
)

// Metric names a rolling telemetry aggregate.
type Metric string

const (
	MetricErrorRate   Metric = "error_rate"
	MetricCallCount   Metric = "call_count"
	MetricTotalCost   Metric = "total_cost"
	MetricCircuitOpen Metric = "circuit_open"
)

// ResolvedByAuto marks alerts closed by the evaluator.
const ResolvedByAuto = "auto"

// Rule raises an alert when Metric over the trailing Window reaches Threshold.
type Rule struct {
	ID        string
	Metric    Metric
	Scope     string
	Threshold float64
	Window    time.Duration
	Severity  string
	MinCalls  int64
}

// RulesFromConfig converts configured rules.
func RulesFromConfig(cfgs []config.RuleConfig) []Rule {
	rules := make([]Rule, 0, len(cfgs))
	for _, c := range cfgs {
		severity := c.Severity
		if severity == "" {
			severity = "warning"
		}
		rules = append(rules, Rule{
			ID:        c.ID,
			Metric:    Metric(c.Metric),
			Scope:     c.Scope,
			Threshold: c.Threshold,
			Window:    c.Window,
			Severity:  severity,
			MinCalls:  c.MinCalls,
		})
	}
	return rules
}

// value extracts the rule's metric. ok is false when the sample is too small to judge.
func (r Rule) value(stats storage.TelemetryStats) (float64, bool) {
	switch r.Metric {
	case MetricErrorRate:
		if stats.Calls == 0 || stats.Calls < r.MinCalls {
			return stats.ErrorRate(), false
		}
		return stats.ErrorRate(), true
	case MetricCallCount:
		return float64(stats.Calls), true
	case MetricTotalCost:
		v, _ := stats.Cost.Float64()
		return v, true
	case MetricCircuitOpen:
		return float64(stats.CircuitOpen), true
	default:
		return 0, false
	}
}

// AlertStore is the persistence the evaluator needs.
type AlertStore interface {
	storage.TelemetryStore
	storage.AlertStore
}

// Evaluator compares rolling telemetry against rules and manages alert lifecycle.
type Evaluator struct {
	store    AlertStore
	notifier alerting.Notifier
	rules    []Rule
	clock    clock.Clock
	logger   zerolog.Logger
}

// NewEvaluator constructs an evaluator. A nil notifier only logs.
func NewEvaluator(rules []Rule, store AlertStore, notifier alerting.Notifier, clk clock.Clock, logger zerolog.Logger) *Evaluator {
	if clk == nil {
		clk = clock.Real{}
	}
	if notifier == nil {
		notifier = alerting.NewLogNotifier(logger)
	}
	return &Evaluator{
		store:    store,
		notifier: notifier,
		rules:    rules,
		clock:    clk,
		logger:   logger.With().Str("component", "alert_evaluator").Logger(),
	}
}

// EvaluationReport summarises one Evaluate pass.
type EvaluationReport struct {
	Evaluated int
	Opened    []storage.Alert
	Refreshed []storage.Alert
	Resolved  []storage.Alert
}

// Evaluate checks every rule for scope, or all rules when scope is empty.
// A rule in breach keeps exactly one open alert; it is resolved once the metric drops below threshold.
func (e *Evaluator) Evaluate(ctx context.Context, scope string) (EvaluationReport, error) {
	var report EvaluationReport
	now := e.clock.Now()

	for _, rule := range e.rules {
		if scope != "" && rule.Scope != scope {
			continue
		}
		report.Evaluated++

		stats, err := e.store.TelemetryStats(ctx, rule.Scope, now.Add(-rule.Window))
		if err != nil {
			return report, fmt.Errorf("load stats for rule %s: %w", rule.ID, err)
		}
		value, judged := rule.value(stats)
		breached := judged && value >= rule.Threshold

		open, found, err := e.store.FindOpenAlert(ctx, rule.ID, rule.Scope)
		if err != nil {
			return report, fmt.Errorf("find open alert for rule %s: %w", rule.ID, err)
		}

		switch {
		case breached && !found:
			alert, err := e.store.UpsertAlert(ctx, storage.Alert{
				RuleID:     rule.ID,
				Scope:      rule.Scope,
				Severity:   rule.Severity,
				Value:      value,
				Threshold:  rule.Threshold,
				Message:    describe(rule, value, stats),
				DetectedAt: now,
			})
			if err != nil {
				return report, fmt.Errorf("open alert for rule %s: %w", rule.ID, err)
			}
			report.Opened = append(report.Opened, alert)
			metrics.AlertsOpen.WithLabelValues(rule.ID, rule.Scope).Set(1)
			e.logger.Warn().Str("rule_id", rule.ID).Str("scope", rule.Scope).Float64("value", value).Float64("threshold", rule.Threshold).Msg("alert opened")
			e.notify(ctx, alert)

		case breached && found:
			alert, err := e.store.RefreshAlert(ctx, open.ID, value, describe(rule, value, stats))
			if errors.Is(err, storage.ErrNotFound) {
				// Resolved since it was read; the next pass opens a fresh alert if the breach persists.
				e.logger.Info().Str("rule_id", rule.ID).Int64("alert_id", open.ID).Msg("alert resolved during refresh")
				continue
			}
			if err != nil {
				return report, fmt.Errorf("refresh alert for rule %s: %w", rule.ID, err)
			}
			report.Refreshed = append(report.Refreshed, alert)

		case !breached && found:
			alert, err := e.store.ResolveAlert(ctx, open.ID, now, ResolvedByAuto)
			if err != nil {
				return report, fmt.Errorf("resolve alert for rule %s: %w", rule.ID, err)
			}
			report.Resolved = append(report.Resolved, alert)
			metrics.AlertsOpen.WithLabelValues(rule.ID, rule.Scope).Set(0)
			e.logger.Info().Str("rule_id", rule.ID).Str("scope", rule.Scope).Float64("value", value).Msg("alert resolved")
			e.notify(ctx, alert)
		}
	}
	return report, nil
}

// Resolve closes an alert on behalf of an operator.
func (e *Evaluator) Resolve(ctx context.Context, id int64, by string) (storage.Alert, error) {
	if by == "" {
		by = "operator"
	}
	alert, err := e.store.ResolveAlert(ctx, id, e.clock.Now(), by)
	if err != nil {
		return storage.Alert{}, fmt.Errorf("resolve alert %d: %w", id, err)
	}
	metrics.AlertsOpen.WithLabelValues(alert.RuleID, alert.Scope).Set(0)
	e.notify(ctx, alert)
	return alert, nil
}

// Rules returns the configured rules.
func (e *Evaluator) Rules() []Rule {
	return e.rules
}

func (e *Evaluator) notify(ctx context.Context, alert storage.Alert) {
	if err := e.notifier.Send(ctx, alert); err != nil {
		e.logger.Error().Err(err).Int64("alert_id", alert.ID).Msg("alert notification failed")
	}
}

func describe(rule Rule, value float64, stats storage.TelemetryStats) string {
	scope := rule.Scope
	if scope == "" {
		scope = "all scopes"
	}
	switch rule.Metric {
	case MetricErrorRate:
		return fmt.Sprintf("error rate %.1f%% over %s on %s (%d/%d calls failed)", value*100, rule.Window, scope, stats.Failures, stats.Calls)
	case MetricCallCount:
		return fmt.Sprintf("%d calls over %s on %s", stats.Calls, rule.Window, scope)
	case MetricTotalCost:
		return fmt.Sprintf("cost %s over %s on %s", stats.Cost.StringFixed(2), rule.Window, scope)
	case MetricCircuitOpen:
		return fmt.Sprintf("%d calls refused by an open circuit over %s on %s", stats.CircuitOpen, rule.Window, scope)
	default:
		return fmt.Sprintf("%s=%v on %s", rule.Metric, value, scope)
	}
}
