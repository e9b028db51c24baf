// Package kafka publishes run lifecycle events so downstream consumers
// (refresh jobs, alerting) can react to finished or failed exposure
// runs without polling the database. The sink is feature-flagged; a nil
// publisher is a valid no-op.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	kafkago "github.com/segmentio/kafka-go"

	"github.com/couchcryptid/climate-exposure-etl/internal/config"
)

// Event statuses.
const (
	StatusStarted   = "started"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// RunEvent describes one run state change.
type RunEvent struct {
	Status        string    `json:"status"`
	Variable      string    `json:"variable"`
	SSP           string    `json:"ssp"`
	Category      string    `json:"category"`
	RecordsLoaded int64     `json:"records_loaded,omitempty"`
	ExcludedIDs   []int64   `json:"excluded_ids,omitempty"`
	Error         string    `json:"error,omitempty"`
	At            time.Time `json:"at"`
}

// Publisher produces run events to the configured topic.
type Publisher struct {
	writer *kafkago.Writer
	logger *slog.Logger
}

// NewPublisher creates a producer for the events topic.
func NewPublisher(cfg *config.Config, logger *slog.Logger) *Publisher {
	w := &kafkago.Writer{
		Addr:         kafkago.TCP(cfg.KafkaBrokers...),
		Topic:        cfg.KafkaEventsTopic,
		Balancer:     &kafkago.LeastBytes{},
		RequiredAcks: kafkago.RequireAll,
	}
	return &Publisher{writer: w, logger: logger}
}

// Publish sends one event. Delivery failures are logged, not returned:
// the run's outcome must never depend on the event sink being healthy.
func (p *Publisher) Publish(ctx context.Context, event RunEvent) {
	if p == nil {
		return
	}
	msg, err := serializeToMessage(event)
	if err != nil {
		p.logger.Error("serialize run event", "error", err)
		return
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		p.logger.Error("publish run event", "status", event.Status, "error", err)
	}
}

func (p *Publisher) Close() error {
	if p == nil {
		return nil
	}
	return p.writer.Close()
}

// Sink adapts the publisher to the pipeline's event interface, stamping
// every event with the run identity. A nil Sink is a no-op.
type Sink struct {
	pub      *Publisher
	variable string
	ssp      string
	category string
}

func NewSink(pub *Publisher, variable, ssp, category string) *Sink {
	return &Sink{pub: pub, variable: variable, ssp: ssp, category: category}
}

func (s *Sink) event(status string) RunEvent {
	return RunEvent{
		Status:   status,
		Variable: s.variable,
		SSP:      s.ssp,
		Category: s.category,
		At:       time.Now().UTC(),
	}
}

func (s *Sink) RunStarted(ctx context.Context) {
	if s == nil {
		return
	}
	s.pub.Publish(ctx, s.event(StatusStarted))
}

func (s *Sink) RunCompleted(ctx context.Context, loaded int64, excluded []int64) {
	if s == nil {
		return
	}
	ev := s.event(StatusCompleted)
	ev.RecordsLoaded = loaded
	ev.ExcludedIDs = excluded
	s.pub.Publish(ctx, ev)
}

func (s *Sink) RunFailed(ctx context.Context, stage string, err error) {
	if s == nil {
		return
	}
	ev := s.event(StatusFailed)
	ev.Error = stage + ": " + err.Error()
	s.pub.Publish(ctx, ev)
}

// serializeToMessage marshals a RunEvent into a Kafka message keyed by
// variable and scenario so consumers see per-run ordering.
func serializeToMessage(event RunEvent) (kafkago.Message, error) {
	data, err := json.Marshal(event)
	if err != nil {
		return kafkago.Message{}, fmt.Errorf("serialize run event: %w", err)
	}
	return kafkago.Message{
		Key:   []byte(event.Variable + "/" + event.SSP),
		Value: data,
		Headers: []kafkago.Header{
			{Key: "status", Value: []byte(event.Status)},
			{Key: "at", Value: []byte(event.At.Format(time.RFC3339))},
		},
	}, nil
}
