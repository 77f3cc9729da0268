// Package notification delivers operational alerts (instance down,
// instance recovered) to external channels: a generic webhook, Telegram,
// or the process log.
package notification

import (
	"context"
	"fmt"
	"log/slog"
)

// AlertLevel represents the severity of an alert.
type AlertLevel string

const (
	AlertInfo     AlertLevel = "INFO"
	AlertWarning  AlertLevel = "WARNING"
	AlertCritical AlertLevel = "CRITICAL"
)

// Alert represents a notification to be sent.
type Alert struct {
	Level   AlertLevel `json:"level"`
	Title   string     `json:"title"`
	Message string     `json:"message"`
}

// InstanceDown builds the alert for an engine instance that stopped
// answering health probes. Live instances alert at critical severity.
func InstanceDown(name string, live bool) Alert {
	level := AlertWarning
	if live {
		level = AlertCritical
	}
	return Alert{
		Level:   level,
		Title:   "Engine instance offline",
		Message: fmt.Sprintf("instance %q stopped responding to health probes", name),
	}
}

// InstanceRecovered builds the alert for an instance coming back up.
func InstanceRecovered(name string) Alert {
	return Alert{
		Level:   AlertInfo,
		Title:   "Engine instance recovered",
		Message: fmt.Sprintf("instance %q is answering health probes again", name),
	}
}

// Notifier is the interface for all notification backends.
type Notifier interface {
	// Send delivers an alert. Returns error if delivery fails.
	Send(ctx context.Context, alert Alert) error
}

// LogNotifier writes alerts to the structured log. It is the fallback
// when no external channel is configured.
type LogNotifier struct {
	log *slog.Logger
}

// NewLogNotifier creates a log-based notifier.
func NewLogNotifier(log *slog.Logger) *LogNotifier {
	if log == nil {
		log = slog.Default()
	}
	return &LogNotifier{log: log}
}

func (n *LogNotifier) Send(ctx context.Context, alert Alert) error {
	n.log.Info("alert", "level", string(alert.Level), "title", alert.Title, "message", alert.Message)
	return nil
}

// Multi fans one alert out to several backends. Delivery failures are
// collected but do not stop the remaining sends.
type Multi []Notifier

func (m Multi) Send(ctx context.Context, alert Alert) error {
	var firstErr error
	for _, n := range m {
		if err := n.Send(ctx, alert); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// FromConfig assembles the configured backends. With nothing configured
// the alerts go to the log only.
func FromConfig(webhookURL, telegramToken, telegramChatID string, log *slog.Logger) Notifier {
	var backends Multi
	if webhookURL != "" {
		backends = append(backends, NewWebhookNotifier(webhookURL, log))
	}
	if telegramToken != "" && telegramChatID != "" {
		backends = append(backends, NewTelegramNotifier(telegramToken, telegramChatID, log))
	}
	if len(backends) == 0 {
		return NewLogNotifier(log)
	}
	return backends
}
