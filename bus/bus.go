// Package bus publishes task lifecycle transitions and usage telemetry
// to NATS subjects so external observers can follow the pipeline.
// Publication is best-effort and optional: a nil Publisher is a no-op.
package bus

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/c360studio/agentd/task"
	"github.com/c360studio/agentd/usage"
)

// Published subjects.
const (
	SubjectTaskStatus = "agent.task.status"
	SubjectUsageEvent = "agent.usage.event"
)

// Publisher wraps a NATS connection.
type Publisher struct {
	nc     *nats.Conn
	logger *slog.Logger
}

// Connect dials NATS at url. An empty url returns a nil Publisher,
// which disables publication.
func Connect(url string, logger *slog.Logger) (*Publisher, error) {
	if url == "" {
		return nil, nil
	}
	if logger == nil {
		logger = slog.Default()
	}

	nc, err := nats.Connect(url,
		nats.Name("agentd"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}

	logger.Info("Connected to NATS", "url", url)
	return &Publisher{nc: nc, logger: logger}, nil
}

// Close drains the connection.
func (p *Publisher) Close() {
	if p == nil || p.nc == nil {
		return
	}
	if err := p.nc.Drain(); err != nil {
		p.logger.Warn("NATS drain failed", "error", err)
	}
}

// statusEvent is the published transition payload.
type statusEvent struct {
	TaskID    string      `json:"task_id"`
	Status    task.Status `json:"status"`
	Kind      task.Kind   `json:"task_type"`
	ClaimedBy string      `json:"claimed_by,omitempty"`
	At        time.Time   `json:"at"`
}

// PublishTaskStatus announces a task entering a new status.
func (p *Publisher) PublishTaskStatus(t *task.Task, entering task.Status) {
	if p == nil {
		return
	}
	p.publish(SubjectTaskStatus, statusEvent{
		TaskID:    t.ID,
		Status:    entering,
		Kind:      t.Kind,
		ClaimedBy: t.ClaimedBy,
		At:        time.Now().UTC(),
	})
}

// PublishUsage announces one usage event.
func (p *Publisher) PublishUsage(ev *usage.Event) {
	if p == nil {
		return
	}
	p.publish(SubjectUsageEvent, ev)
}

func (p *Publisher) publish(subject string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		p.logger.Warn("Failed to encode bus payload", "subject", subject, "error", err)
		return
	}
	if err := p.nc.Publish(subject, data); err != nil {
		p.logger.Warn("Failed to publish", "subject", subject, "error", err)
	}
}
