// Package events implements domain.EventPublisher on top of NATS
// JetStream. Publishing is purely observational: workflow lifecycle
// notifications for downstream consumers (audit trails, chat
// notifications). Publish failures are never fatal to a Processor tick.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/northstack/rollout/internal/config"
)

// Workflow lifecycle subjects. The Processor publishes "environment.advanced"
// for advance and fail commits and "workflow.completed" for mark_done;
// SubjectWorkflowCreated and SubjectEnvironmentStarted are not published by
// any component.
const (
	SubjectWorkflowCreated     = "workflow.created"
	SubjectEnvironmentStarted  = "environment.started"
	SubjectEnvironmentAdvanced = "environment.advanced"
	SubjectWorkflowCompleted   = "workflow.completed"
)

// Publisher implements domain.EventPublisher over NATS JetStream.
type Publisher struct {
	nc *nats.Conn
	js jetstream.JetStream
}

// NewPublisher connects to NATS and, when cfg.JetStreamEnabled, ensures the
// ROLLOUT stream exists.
func NewPublisher(cfg config.NATSConfig) (*Publisher, error) {
	nc, err := nats.Connect(cfg.URL,
		nats.Name(cfg.ClientID),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to nats: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create jetstream context: %w", err)
	}

	p := &Publisher{nc: nc, js: js}

	if cfg.JetStreamEnabled {
		if _, err := js.CreateOrUpdateStream(context.Background(), jetstream.StreamConfig{
			Name:     "ROLLOUT",
			Subjects: []string{"workflow.>", "environment.>"},
			MaxAge:   30 * 24 * time.Hour,
		}); err != nil {
			nc.Close()
			return nil, fmt.Errorf("failed to create rollout stream: %w", err)
		}
	}

	return p, nil
}

// Publish publishes payload as JSON to subject.
func (p *Publisher) Publish(ctx context.Context, subject string, payload map[string]interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal event payload: %w", err)
	}
	_, err = p.js.Publish(ctx, subject, data)
	return err
}

// Close closes the NATS connection.
func (p *Publisher) Close() {
	p.nc.Close()
}

// NoopPublisher is a domain.EventPublisher that discards everything; used
// when NATS is disabled (cfg.NATS.Enabled = false).
type NoopPublisher struct{}

// Publish is a no-op.
func (NoopPublisher) Publish(ctx context.Context, subject string, payload map[string]interface{}) error {
	return nil
}
