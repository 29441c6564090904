package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"case-monitor/internal/storage"
	"case-monitor/internal/telemetry"
)

// SimulateAlert pushes a synthetic alert for ruleID through the configured channels without touching storage.
func (a *App) SimulateAlert(ctx context.Context, ruleID string, value float64) error {
	if !a.Config.Alerting.Enabled {
		return errors.New("alerting is not enabled")
	}

	rule, err := findRule(telemetry.RulesFromConfig(a.Config.Telemetry.Rules), ruleID)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	alert := storage.Alert{
		RuleID:     rule.ID,
		Scope:      rule.Scope,
		Severity:   rule.Severity,
		Value:      value,
		Threshold:  rule.Threshold,
		Message:    fmt.Sprintf("simulated %s breach: %.4f >= %.4f", rule.Metric, value, rule.Threshold),
		DetectedAt: now,
		UpdatedAt:  now,
	}
	return a.newNotifier().Send(ctx, alert)
}

func findRule(rules []telemetry.Rule, id string) (telemetry.Rule, error) {
	if len(rules) == 0 {
		return telemetry.Rule{}, errors.New("no alert rules configured")
	}
	if id == "" {
		return rules[0], nil
	}
	for _, rule := range rules {
		if rule.ID == id {
			return rule, nil
		}
	}
	return telemetry.Rule{}, fmt.Errorf("unknown rule %q", id)
}
