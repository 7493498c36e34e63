// Package events publishes selection telemetry to Kafka. Publishing
// is fire-and-forget: a full queue drops the event rather than
// slowing the selection path.
package events

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/IBM/sarama"

	"github.com/mapsel/spatial-select/internal/geom"
)

// Selection describes one resolved rectangle selection.
type Selection struct {
	SessionID string    `json:"session_id,omitempty"`
	Transport string    `json:"transport"`
	Bounds    geom.BBox `json:"bounds"`
	Zoom      int       `json:"zoom"`
	Layers    []string  `json:"layers"`
	Features  int       `json:"features"`
	Total     int       `json:"total"`
	Warnings  int       `json:"warnings"`
	ElapsedMS int64     `json:"elapsed_ms"`
	TS        time.Time `json:"ts"`
}

// Publisher owns the async producer. A nil Publisher is a valid no-op
// so callers do not branch on whether telemetry is enabled.
type Publisher struct {
	logger  *slog.Logger
	topic   string
	events  chan Selection
	prod    sarama.AsyncProducer
	stopped chan struct{}
}

func NewPublisher(logger *slog.Logger, brokers []string, topic string, queueSize int) (*Publisher, error) {
	if queueSize <= 0 {
		queueSize = 1024
	}

	cfg := sarama.NewConfig()
	cfg.Version = sarama.V2_5_0_0
	cfg.Producer.Return.Errors = true
	cfg.Producer.Return.Successes = false

	prod, err := sarama.NewAsyncProducer(brokers, cfg)
	if err != nil {
		return nil, fmt.Errorf("create async producer: %w", err)
	}

	p := &Publisher{
		logger:  logger,
		topic:   topic,
		events:  make(chan Selection, queueSize),
		prod:    prod,
		stopped: make(chan struct{}),
	}

	go func() {
		defer close(p.stopped)
		for ev := range p.events {
			b, err := json.Marshal(ev)
			if err != nil {
				p.logger.Warn("marshal selection event failed", "err", err)
				continue
			}
			p.prod.Input() <- &sarama.ProducerMessage{
				Topic: p.topic,
				Value: sarama.ByteEncoder(b),
			}
		}
	}()

	go func() {
		for err := range p.prod.Errors() {
			if err != nil {
				p.logger.Warn("selection event producer error", "err", err)
			}
		}
	}()

	return p, nil
}

// Publish enqueues the event, dropping it when the queue is full.
func (p *Publisher) Publish(ev Selection) {
	if p == nil {
		return
	}
	if ev.TS.IsZero() {
		ev.TS = time.Now().UTC()
	}
	select {
	case p.events <- ev:
	default:
	}
}

func (p *Publisher) Close() error {
	if p == nil {
		return nil
	}
	close(p.events)
	<-p.stopped
	if err := p.prod.Close(); err != nil {
		return fmt.Errorf("close producer: %w", err)
	}
	return nil
}
