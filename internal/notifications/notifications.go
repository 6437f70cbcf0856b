package notifications

import (
	"context"

	"github.com/RoseOO/TapeVaultr/internal/logging"
)

// Severity grades an operator notification.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// Event is one operator-facing notification.
type Event struct {
	Severity Severity               `json:"severity"`
	Title    string                 `json:"title"`
	Message  string                 `json:"message"`
	Fields   map[string]interface{} `json:"fields,omitempty"`
}

// Notifier delivers operator notifications: tape expiry, task failures,
// cartridge pool exhaustion.
type Notifier interface {
	Notify(ctx context.Context, event Event)
}

// LogNotifier writes notifications to the structured log. It is the
// default sink when no external channel is configured.
type LogNotifier struct {
	logger *logging.Logger
}

// NewLogNotifier creates a log-backed notifier.
func NewLogNotifier(logger *logging.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

// Notify writes the event at a level matching its severity.
func (n *LogNotifier) Notify(ctx context.Context, event Event) {
	fields := map[string]interface{}{
		"notification": event.Title,
	}
	for k, v := range event.Fields {
		fields[k] = v
	}
	switch event.Severity {
	case SeverityError:
		n.logger.Error(event.Message, fields)
	case SeverityWarning:
		n.logger.Warn(event.Message, fields)
	default:
		n.logger.Info(event.Message, fields)
	}
}

// MultiNotifier fans one event out to several sinks.
type MultiNotifier []Notifier

// Notify delivers the event to every sink.
func (m MultiNotifier) Notify(ctx context.Context, event Event) {
	for _, n := range m {
		n.Notify(ctx, event)
	}
}
