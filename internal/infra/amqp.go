// README: RabbitMQ connection with retry/backoff for the lifecycle event sink.
package infra

import (
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

type RabbitMQ struct {
	Conn *amqp.Connection
	Chan *amqp.Channel
}

func NewRabbitMQ(url string) (*RabbitMQ, error) {
	var err error
	for attempt := 1; attempt <= 5; attempt++ {
		var conn *amqp.Connection
		conn, err = amqp.Dial(url)
		if err == nil {
			ch, chErr := conn.Channel()
			if chErr != nil {
				_ = conn.Close()
				return nil, fmt.Errorf("open amqp channel: %w", chErr)
			}
			return &RabbitMQ{Conn: conn, Chan: ch}, nil
		}
		slog.Warn("amqp connect failed", "attempt", attempt, "err", err)
		time.Sleep(time.Duration(1<<attempt) * time.Second)
	}
	return nil, fmt.Errorf("amqp connect after retries: %w", err)
}

func (r *RabbitMQ) Close() error {
	if r.Chan != nil {
		_ = r.Chan.Close()
	}
	if r.Conn != nil {
		return r.Conn.Close()
	}
	return nil
}
