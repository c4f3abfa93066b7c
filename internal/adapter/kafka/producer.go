package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/olyamironova/spot-exchange/internal/domain"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// messageWriter is the part of *kafka.Writer the producer needs.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Producer exports book events to a Kafka topic, keyed by symbol so every
// event of one book lands on the same partition in version order.
type Producer struct {
	writer messageWriter
	logger *zap.Logger
}

func NewProducer(brokers []string, topic string, logger *zap.Logger) *Producer {
	return &Producer{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
			Async:        false,
			BatchTimeout: 10 * time.Millisecond,
		},
		logger: logger,
	}
}

func (p *Producer) Send(ctx context.Context, ev domain.Event) error {
	value, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("kafka: encode event: %w", err)
	}
	return p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(eventKey(ev)),
		Value: value,
		Time:  ev.Time,
	})
}

// Run sends every event from events until ctx is done or events is closed.
// A failed send is logged and the event skipped.
func (p *Producer) Run(ctx context.Context, events <-chan domain.Event) {
	p.logger.Info("kafka producer started")
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := p.Send(ctx, ev); err != nil {
				p.logger.Error("failed to export event",
					zap.String("symbol", ev.Symbol),
					zap.Uint64("version", ev.Version),
					zap.Error(err))
			}
		}
	}
}

func (p *Producer) Close() error {
	return p.writer.Close()
}

func eventKey(ev domain.Event) string {
	if ev.Symbol != "" {
		return ev.Symbol
	}
	if len(ev.Balances) > 0 {
		return ev.Balances[0].ClientID
	}
	return string(ev.Kind)
}
