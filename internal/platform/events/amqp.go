package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/clinicq/clinicq/internal/domain/queue"
)

const DefaultExchange = "clinicq.events"

type amqpChannel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// AMQPSink publishes events to a topic exchange. Routing keys have the form
// queue.<clinic>.<type> so consumers can bind per clinic or per event type.
type AMQPSink struct {
	ch       amqpChannel
	exchange string
	closers  []func() error
}

func NewAMQPSink(ch amqpChannel, exchange string) *AMQPSink {
	if exchange == "" {
		exchange = DefaultExchange
	}
	return &AMQPSink{ch: ch, exchange: exchange}
}

// DialAMQP opens a connection and channel and declares the exchange.
func DialAMQP(url, exchange string) (*AMQPSink, error) {
	if exchange == "" {
		exchange = DefaultExchange
	}
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("amqp dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("amqp channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("declare exchange %s: %w", exchange, err)
	}
	s := NewAMQPSink(ch, exchange)
	s.closers = []func() error{ch.Close, conn.Close}
	return s, nil
}

func (s *AMQPSink) Name() string { return "amqp" }

func RoutingKey(ev queue.Event) string {
	return "queue." + ev.ClinicID.String() + "." + strings.ToLower(string(ev.Type))
}

func (s *AMQPSink) Publish(ctx context.Context, ev queue.Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    ev.ID.String(),
		Timestamp:    ev.OccurredAt,
		Type:         string(ev.Type),
		Body:         body,
	}
	if err := s.ch.PublishWithContext(ctx, s.exchange, RoutingKey(ev), false, false, msg); err != nil {
		return fmt.Errorf("amqp publish: %w", err)
	}
	return nil
}

func (s *AMQPSink) Close() error {
	var first error
	for _, c := range s.closers {
		if err := c(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
