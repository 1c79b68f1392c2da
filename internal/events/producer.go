// Package events publishes committed position changes to Kafka.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"winback-settlement/internal/model"
)

// PositionEvent is the message body. Messages are keyed by position id so a
// position's events stay ordered within a partition.
type PositionEvent struct {
	EventType  string                   `json:"event_type"`
	PositionID string                   `json:"position_id"`
	Ticker     string                   `json:"ticker,omitempty"`
	Status     model.PositionStatus     `json:"status"`
	Settlement *model.SettlementOutcome `json:"settlement,omitempty"`
	Position   model.Position           `json:"position"`
	Timestamp  time.Time                `json:"timestamp"`
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type Producer struct {
	writer messageWriter
	topic  string
	now    func() time.Time
}

func NewProducer(brokers []string, topic string) *Producer {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
	}
	return &Producer{writer: writer, topic: topic, now: time.Now}
}

// PositionChanged publishes one event for a committed position write.
func (p *Producer) PositionChanged(ctx context.Context, evType string, pos model.Position) error {
	ev := PositionEvent{
		EventType:  evType,
		PositionID: pos.ID,
		Status:     pos.Status,
		Settlement: pos.Settlement,
		Position:   pos,
		Timestamp:  p.now(),
	}
	if pos.Market != nil {
		ev.Ticker = pos.Market.Ticker
	}
	return p.publish(ctx, pos.ID, ev)
}

func (p *Producer) publish(ctx context.Context, key string, event PositionEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	msg := kafka.Message{
		Key:   []byte(key),
		Value: data,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(event.EventType)},
		},
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("failed to write message to kafka: %w", err)
	}
	return nil
}

func (p *Producer) Close() error {
	return p.writer.Close()
}
