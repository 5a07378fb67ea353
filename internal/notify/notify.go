// Package notify dispatches risk alerts to customers.
package notify

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Notifier delivers a risk alert. Implementations must be safe for
// concurrent use; delivery failures are the implementation's to report but
// never abort the scoring path that triggered them.
type Notifier interface {
	Notify(ctx context.Context, tenantID string, event *domain.AlertEvent) error
}

// BusNotifier publishes alerts on the event bus for downstream delivery
// channels to consume.
type BusNotifier struct {
	bus    domain.EventBus
	logger *slog.Logger
}

// NewBusNotifier creates a bus-backed notifier.
func NewBusNotifier(bus domain.EventBus, logger *slog.Logger) *BusNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &BusNotifier{bus: bus, logger: logger}
}

// Notify publishes the alert on the risk.alert topic.
func (n *BusNotifier) Notify(ctx context.Context, tenantID string, event *domain.AlertEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}

	if err := n.bus.Publish(ctx, tenantID, domain.TopicRiskAlert, payload); err != nil {
		return err
	}

	n.logger.Info("risk alert published",
		"tenant_id", tenantID,
		"customer_id", event.CustomerID,
		"risk_band", event.RiskBand,
	)
	return nil
}

// LogNotifier writes alerts to the structured log only. The community-tier
// default when no delivery channel is configured.
type LogNotifier struct {
	logger *slog.Logger
}

// NewLogNotifier creates a log-only notifier.
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogNotifier{logger: logger}
}

// Notify logs the alert.
func (n *LogNotifier) Notify(_ context.Context, tenantID string, event *domain.AlertEvent) error {
	n.logger.Info("risk alert",
		"tenant_id", tenantID,
		"customer_id", event.CustomerID,
		"risk_band", event.RiskBand,
		"score", event.Score,
		"reason", event.Reason,
	)
	return nil
}
