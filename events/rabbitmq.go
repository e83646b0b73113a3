package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rabbitmq/amqp091-go"
	"github.com/warp/restaurant-engine/generic"
)

// =============================================================================
// RABBITMQ SINK
// =============================================================================

// RabbitSink publishes audit records as JSON to a durable topic exchange.
type RabbitSink struct {
	mu       sync.Mutex
	conn     *amqp091.Connection
	channel  *amqp091.Channel
	exchange string
	logger   *slog.Logger
}

func sanitizeAMQPURL(raw string) (string, error) {
	clean := strings.Trim(strings.TrimSpace(raw), "\"'")
	u, err := url.Parse(clean)
	if err != nil {
		return "", err
	}
	if u.Scheme != "amqp" && u.Scheme != "amqps" {
		return "", errors.New("AMQP scheme must be either 'amqp://' or 'amqps://'")
	}
	return clean, nil
}

// NewRabbitSink dials the broker with a bounded timeout and declares the
// exchange.
func NewRabbitSink(amqpURL, exchange string, logger *slog.Logger) (*RabbitSink, error) {
	cleanURL, err := sanitizeAMQPURL(amqpURL)
	if err != nil {
		return nil, err
	}
	conn, err := amqp091.DialConfig(cleanURL, amqp091.Config{Dial: amqp091.DefaultDial(10 * time.Second)})
	if err != nil {
		return nil, fmt.Errorf("dial rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("declare exchange %s: %w", exchange, err)
	}
	return &RabbitSink{
		conn:     conn,
		channel:  ch,
		exchange: exchange,
		logger:   generic.LoggerOrDefault(logger).With("component", "rabbitmq_audit"),
	}, nil
}

func (s *RabbitSink) Record(ctx context.Context, rec generic.AuditRecord) error {
	body, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal audit record: %w", err)
	}
	msg := amqp091.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp091.Persistent,
		Timestamp:    rec.Timestamp,
		Body:         body,
	}
	key := RoutingKey(rec)

	s.mu.Lock()
	defer s.mu.Unlock()

	err = s.channel.PublishWithContext(ctx, s.exchange, key, false, false, msg)
	if err == nil {
		return nil
	}
	s.logger.WarnContext(ctx, "publish failed, reopening channel", "routing_key", key, "err", err)
	ch, chErr := s.conn.Channel()
	if chErr != nil {
		return fmt.Errorf("publish %s: %w", key, err)
	}
	s.channel = ch
	if err := s.channel.PublishWithContext(ctx, s.exchange, key, false, false, msg); err != nil {
		return fmt.Errorf("publish %s: %w", key, err)
	}
	return nil
}

func (s *RabbitSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	if s.channel != nil {
		errs = append(errs, s.channel.Close())
	}
	if s.conn != nil {
		errs = append(errs, s.conn.Close())
	}
	return errors.Join(errs...)
}
