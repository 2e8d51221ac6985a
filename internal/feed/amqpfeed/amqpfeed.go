// Package amqpfeed carries message changes over a RabbitMQ fanout exchange.
//
// The relay side (Publisher) forwards changes read from the local change log;
// every Subscriber gets an exclusive auto-delete queue bound to the exchange.
package amqpfeed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/tOgg1/huddle/internal/models"
)

// ErrPoison marks a delivery whose body is not a usable change.
var ErrPoison = errors.New("poison change")

// Config describes the broker and topology.
type Config struct {
	// URL is the broker URL.
	URL string

	// Exchange is the fanout exchange carrying changes.
	Exchange string

	// QueuePrefix names per-subscriber queues.
	QueuePrefix string

	// Prefetch is the consumer QoS prefetch count.
	Prefetch int

	// DialTimeout bounds the TCP connect.
	DialTimeout time.Duration

	// Dialer overrides how connections are made.
	Dialer func(ctx context.Context, url string) (*amqp.Connection, error)
}

// DefaultConfig returns the default topology for url.
func DefaultConfig(url string) Config {
	return Config{
		URL:         url,
		Exchange:    "huddle.messages",
		QueuePrefix: "huddle",
		Prefetch:    64,
		DialTimeout: 10 * time.Second,
	}
}

func (c Config) normalized() (Config, error) {
	if c.URL == "" {
		return c, fmt.Errorf("amqp URL is required")
	}
	defaults := DefaultConfig(c.URL)
	if c.Exchange == "" {
		c.Exchange = defaults.Exchange
	}
	if c.QueuePrefix == "" {
		c.QueuePrefix = defaults.QueuePrefix
	}
	if c.Prefetch <= 0 {
		c.Prefetch = defaults.Prefetch
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = defaults.DialTimeout
	}
	return c, nil
}

func (c Config) dial(ctx context.Context) (*amqp.Connection, error) {
	if c.Dialer != nil {
		return c.Dialer(ctx, c.URL)
	}
	timeout := c.DialTimeout
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < timeout {
			timeout = remaining
		}
	}
	if timeout <= 0 {
		return nil, context.DeadlineExceeded
	}
	return amqp.DialConfig(c.URL, amqp.Config{Dial: amqp.DefaultDial(timeout)})
}

func declareExchange(ch *amqp.Channel, name string) error {
	if err := ch.ExchangeDeclare(name, amqp.ExchangeFanout, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange %q: %w", name, err)
	}
	return nil
}

// encodeChange renders a change as an AMQP publishing.
func encodeChange(change *models.Change) (amqp.Publishing, error) {
	if change == nil || !change.Valid() {
		return amqp.Publishing{}, fmt.Errorf("%w: refusing to publish invalid change", ErrPoison)
	}
	body, err := json.Marshal(change)
	if err != nil {
		return amqp.Publishing{}, fmt.Errorf("marshal change: %w", err)
	}
	return amqp.Publishing{
		ContentType:  "application/json",
		Body:         body,
		DeliveryMode: amqp.Persistent,
		MessageId:    strconv.FormatInt(change.Seq, 10),
		Type:         string(change.Type),
		Timestamp:    time.Now().UTC(),
		AppId:        "huddle",
	}, nil
}

// decodeChange parses a delivery body. Bodies that do not decode into a
// valid change are poison.
func decodeChange(body []byte) (models.Change, error) {
	var change models.Change
	if err := json.Unmarshal(body, &change); err != nil {
		return models.Change{}, fmt.Errorf("%w: %v", ErrPoison, err)
	}
	if !change.Valid() {
		return models.Change{}, fmt.Errorf("%w: type %q message %q", ErrPoison, change.Type, change.MessageID())
	}
	return change, nil
}
