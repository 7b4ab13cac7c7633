// README: Lifecycle event sinks: Kafka, RabbitMQ, Postgres, fan-out.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/segmentio/kafka-go"

	"driverline/internal/modules/ride"
	"driverline/internal/observability"
)

const (
	publishTimeout    = 2 * time.Second
	kafkaBatchTimeout = 5 * time.Millisecond
)

// KafkaSink writes each event to a topic keyed by ride id so one ride's
// events stay ordered within a partition.
type KafkaSink struct {
	writer *kafka.Writer
}

func NewKafkaSink(brokers []string, topic string) *KafkaSink {
	return &KafkaSink{writer: &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		// Publish runs inline on lifecycle requests; flush each event at once.
		BatchSize:    1,
		BatchTimeout: kafkaBatchTimeout,
	}}
}

func (k *KafkaSink) Publish(ctx context.Context, e ride.Event) error {
	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	err = k.writer.WriteMessages(ctx, kafka.Message{Key: []byte(e.RideID), Value: b})
	count("kafka", err)
	return err
}

func (k *KafkaSink) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}

// AMQPSink publishes to a topic exchange with routing key ride.<to_status>.
type AMQPSink struct {
	mu       sync.Mutex
	ch       *amqp.Channel
	exchange string
}

func NewAMQPSink(ch *amqp.Channel, exchange string) (*AMQPSink, error) {
	if err := ch.ExchangeDeclare(
		exchange,
		"topic",
		true,
		false,
		false,
		false,
		nil,
	); err != nil {
		return nil, fmt.Errorf("declare exchange %s: %w", exchange, err)
	}
	return &AMQPSink{ch: ch, exchange: exchange}, nil
}

func RoutingKey(e ride.Event) string {
	return "ride." + string(e.ToStatus)
}

func (a *AMQPSink) Publish(ctx context.Context, e ride.Event) error {
	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	body, err := json.Marshal(e)
	if err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	err = a.ch.PublishWithContext(
		ctx,
		a.exchange,
		RoutingKey(e),
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Timestamp:    e.CreatedAt,
			Body:         body,
		},
	)
	count("amqp", err)
	return err
}

// PostgresSink appends to ride_state_events.
type PostgresSink struct {
	db *pgxpool.Pool
}

func NewPostgresSink(db *pgxpool.Pool) *PostgresSink {
	return &PostgresSink{db: db}
}

func (p *PostgresSink) Publish(ctx context.Context, e ride.Event) error {
	var actor *string
	if e.ActorID != nil {
		v := string(*e.ActorID)
		actor = &v
	}
	_, err := p.db.Exec(ctx, `
		INSERT INTO ride_state_events (
			ride_id, from_status, to_status, actor_type, actor_id, created_at
		) VALUES ($1, $2, $3, $4, $5, $6)`,
		string(e.RideID),
		string(e.FromStatus),
		string(e.ToStatus),
		e.ActorType,
		actor,
		e.CreatedAt,
	)
	count("postgres", err)
	return err
}

// Multi publishes to every sink and joins their errors.
type Multi []ride.EventSink

func (m Multi) Publish(ctx context.Context, e ride.Event) error {
	var errs []error
	for _, s := range m {
		if err := s.Publish(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Recorder keeps events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []ride.Event
}

func (r *Recorder) Publish(_ context.Context, e ride.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	count("memory", nil)
	return nil
}

func (r *Recorder) Events() []ride.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]ride.Event(nil), r.events...)
}

func count(sink string, err error) {
	result := "ok"
	if err != nil {
		result = "failed"
	}
	observability.EventsPublished.WithLabelValues(sink, result).Inc()
}
