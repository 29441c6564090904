package alerting

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"case-monitor/internal/metrics"
	"case-monitor/internal/storage"
)

// Notifier delivers alert lifecycle changes. A resolved alert carries ResolvedAt.
type Notifier interface {
	Send(ctx context.Context, alert storage.Alert) error
}

// TelegramNotifier posts alerts through the Telegram Bot API.
type TelegramNotifier struct {
	botToken string
	chatID   string
	baseURL  string
	client   *http.Client
	logger   zerolog.Logger
}

// NewTelegramNotifier constructs a Telegram notifier.
func NewTelegramNotifier(botToken, chatID, baseURL string, timeout time.Duration, logger zerolog.Logger) *TelegramNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if baseURL == "" {
		baseURL = "https://api.telegram.org"
	}

	return &TelegramNotifier{
		botToken: botToken,
		chatID:   chatID,
		baseURL:  strings.TrimRight(baseURL, "/"),
		client:   &http.Client{Timeout: timeout},
		logger:   logger.With().Str("component", "alert_telegram").Logger(),
	}
}

// Send calls sendMessage with a rendered text body.
func (n *TelegramNotifier) Send(ctx context.Context, alert storage.Alert) error {
	payload := map[string]string{
		"chat_id": n.chatID,
		"text":    RenderMessage(alert),
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal telegram payload: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", n.baseURL, n.botToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create telegram request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send telegram request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("telegram returned status %d", resp.StatusCode)
	}

	var result struct {
		OK bool `json:"ok"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err == nil && !result.OK {
		return errors.New("telegram returned ok=false")
	}

	n.logger.Info().
		Int64("alert_id", alert.ID).
		Str("rule_id", alert.RuleID).
		Bool("resolved", !alert.Open()).
		Msg("alert sent (telegram)")
	return nil
}

// WebhookNotifier posts alerts as JSON to an arbitrary endpoint.
type WebhookNotifier struct {
	url    string
	client *http.Client
	logger zerolog.Logger
}

// NewWebhookNotifier constructs a JSON webhook notifier.
func NewWebhookNotifier(url string, timeout time.Duration, logger zerolog.Logger) *WebhookNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookNotifier{
		url:    url,
		client: &http.Client{Timeout: timeout},
		logger: logger.With().Str("component", "alert_webhook").Logger(),
	}
}

type webhookPayload struct {
	ID         int64      `json:"id"`
	RuleID     string     `json:"ruleId"`
	Scope      string     `json:"scope"`
	Severity   string     `json:"severity"`
	Status     string     `json:"status"`
	Value      float64    `json:"value"`
	Threshold  float64    `json:"threshold"`
	Message    string     `json:"message"`
	DetectedAt time.Time  `json:"detectedAt"`
	ResolvedAt *time.Time `json:"resolvedAt,omitempty"`
	ResolvedBy *string    `json:"resolvedBy,omitempty"`
}

// Send posts the alert.
func (n *WebhookNotifier) Send(ctx context.Context, alert storage.Alert) error {
	status := "open"
	if !alert.Open() {
		status = "resolved"
	}
	body, err := json.Marshal(webhookPayload{
		ID:         alert.ID,
		RuleID:     alert.RuleID,
		Scope:      alert.Scope,
		Severity:   alert.Severity,
		Status:     status,
		Value:      alert.Value,
		Threshold:  alert.Threshold,
		Message:    alert.Message,
		DetectedAt: alert.DetectedAt,
		ResolvedAt: alert.ResolvedAt,
		ResolvedBy: alert.ResolvedBy,
	})
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send webhook request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("alert webhook returned status %d", resp.StatusCode)
	}
	n.logger.Debug().Int64("alert_id", alert.ID).Str("status", status).Msg("alert sent (webhook)")
	return nil
}

// LogNotifier writes alerts to the log. Used when no channel is configured.
type LogNotifier struct {
	logger zerolog.Logger
}

// NewLogNotifier constructs a log-only notifier.
func NewLogNotifier(logger zerolog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.With().Str("component", "alert_log").Logger()}
}

// Send logs the alert.
func (n *LogNotifier) Send(_ context.Context, alert storage.Alert) error {
	evt := n.logger.Warn()
	if !alert.Open() {
		evt = n.logger.Info()
	}
	evt.Int64("alert_id", alert.ID).
		Str("rule_id", alert.RuleID).
		Str("scope", alert.Scope).
		Str("severity", alert.Severity).
		Float64("value", alert.Value).
		Float64("threshold", alert.Threshold).
		Bool("resolved", !alert.Open()).
		Msg(alert.Message)
	return nil
}

// Multi fans an alert out to several named channels.
type Multi struct {
	channels map[string]Notifier
	order    []string
	logger   zerolog.Logger
}

// NewMulti constructs an empty fan-out notifier.
func NewMulti(logger zerolog.Logger) *Multi {
	return &Multi{
		channels: make(map[string]Notifier),
		logger:   logger.With().Str("component", "alert_multi").Logger(),
	}
}

// Add registers a channel under name.
func (m *Multi) Add(name string, n Notifier) {
	if _, exists := m.channels[name]; !exists {
		m.order = append(m.order, name)
	}
	m.channels[name] = n
}

// Len returns the number of registered channels.
func (m *Multi) Len() int { return len(m.order) }

// Send delivers to every channel and joins failures. One failing channel does not stop the others.
func (m *Multi) Send(ctx context.Context, alert storage.Alert) error {
	var errs []error
	for _, name := range m.order {
		if err := m.channels[name].Send(ctx, alert); err != nil {
			metrics.AlertNotifications.WithLabelValues(name, "error").Inc()
			m.logger.Error().Err(err).Str("channel", name).Int64("alert_id", alert.ID).Msg("alert delivery failed")
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			continue
		}
		metrics.AlertNotifications.WithLabelValues(name, "ok").Inc()
	}
	return errors.Join(errs...)
}

// RenderMessage renders a human-readable alert body.
func RenderMessage(alert storage.Alert) string {
	builder := strings.Builder{}
	if alert.Open() {
		builder.WriteString(fmt.Sprintf("[Case Monitor Alert] %s\n", strings.ToUpper(alert.Severity)))
	} else {
		builder.WriteString("[Case Monitor Alert] RESOLVED\n")
	}
	builder.WriteString(fmt.Sprintf("Rule: %s\n", alert.RuleID))
	if alert.Scope != "" {
		builder.WriteString(fmt.Sprintf("Scope: %s\n", alert.Scope))
	}
	builder.WriteString(fmt.Sprintf("Value: %.4f (threshold %.4f)\n", alert.Value, alert.Threshold))
	builder.WriteString(fmt.Sprintf("Detected: %s UTC\n", alert.DetectedAt.UTC().Format(time.RFC3339)))
	if alert.ResolvedAt != nil {
		by := "auto"
		if alert.ResolvedBy != nil && *alert.ResolvedBy != "" {
			by = *alert.ResolvedBy
		}
		builder.WriteString(fmt.Sprintf("Resolved: %s UTC by %s\n", alert.ResolvedAt.UTC().Format(time.RFC3339), by))
	}
	if alert.Message != "" {
		builder.WriteString(alert.Message)
	}
	return builder.String()
}

var (
	_ Notifier = (*TelegramNotifier)(nil)
	_ Notifier = (*WebhookNotifier)(nil)
	_ Notifier = (*LogNotifier)(nil)
	_ Notifier = (*Multi)(nil)
)
