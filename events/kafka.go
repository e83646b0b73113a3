package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/warp/restaurant-engine/generic"
)

// =============================================================================
// KAFKA SINK
// =============================================================================

// KafkaSink writes audit records to one topic keyed by entity id, so the
// records of one entity stay ordered within a partition.
type KafkaSink struct {
	writer *kafka.Writer
}

// ParseBrokers splits a comma separated broker list, dropping blanks.
func ParseBrokers(csv string) []string {
	brokers := []string{}
	for _, b := range strings.Split(csv, ",") {
		if b = strings.TrimSpace(b); b != "" {
			brokers = append(brokers, b)
		}
	}
	return brokers
}

// Record runs on the request path, so the writer flushes every message
// immediately and gives up on a broker within a bounded time.
const (
	kafkaBatchTimeout = 10 * time.Millisecond
	kafkaWriteTimeout = 2 * time.Second
	kafkaMaxAttempts  = 3
)

func NewKafkaSink(brokers []string, topic string) (*KafkaSink, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("%w: kafka sink needs at least one broker", generic.ErrInvalidInput)
	}
	return &KafkaSink{writer: &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		BatchSize:    1,
		BatchTimeout: kafkaBatchTimeout,
		WriteTimeout: kafkaWriteTimeout,
		ReadTimeout:  kafkaWriteTimeout,
		MaxAttempts:  kafkaMaxAttempts,
	}}, nil
}

func (s *KafkaSink) Record(ctx context.Context, rec generic.AuditRecord) error {
	msg, err := kafkaMessage(rec)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, kafkaMaxAttempts*kafkaWriteTimeout)
	defer cancel()
	if err := s.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("write audit record %s/%s: %w", rec.EntityType, rec.EntityID, err)
	}
	return nil
}

func kafkaMessage(rec generic.AuditRecord) (kafka.Message, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("marshal audit record: %w", err)
	}
	at := rec.Timestamp
	if at.IsZero() {
		at = time.Now().UTC()
	}
	return kafka.Message{
		Key:   []byte(rec.EntityType + ":" + rec.EntityID),
		Value: data,
		Time:  at,
		Headers: []kafka.Header{
			{Key: "routing_key", Value: []byte(RoutingKey(rec))},
		},
	}, nil
}

func (s *KafkaSink) Close() error { return s.writer.Close() }
