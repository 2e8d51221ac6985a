package amqpfeed

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
	"github.com/tOgg1/huddle/internal/logging"
	"github.com/tOgg1/huddle/internal/metrics"
	"github.com/tOgg1/huddle/internal/models"
)

// Subscriber opens one exclusive queue per Subscribe call.
type Subscriber struct {
	cfg     Config
	logger  zerolog.Logger
	metrics *metrics.Metrics
}

// SubscriberOption configures a Subscriber.
type SubscriberOption func(*Subscriber)

// WithMetrics counts poison deliveries and lost connections.
func WithMetrics(m *metrics.Metrics) SubscriberOption {
	return func(s *Subscriber) {
		s.metrics = m
	}
}

// NewSubscriber validates cfg. Connections are made per subscription.
func NewSubscriber(cfg Config, opts ...SubscriberOption) (*Subscriber, error) {
	cfg, err := cfg.normalized()
	if err != nil {
		return nil, err
	}
	s := &Subscriber{
		cfg:    cfg,
		logger: logging.Component("amqp-subscriber"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *Subscriber) queueName() string {
	return s.cfg.QueuePrefix + "." + uuid.New().String()
}

// Subscribe declares a private queue bound to the exchange and streams
// decoded changes. The channel is closed on cancel, when ctx ends, or when
// the broker connection is lost.
func (s *Subscriber) Subscribe(ctx context.Context) (<-chan models.Change, func(), error) {
	conn, err := s.cfg.dial(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	ch, deliveries, queue, err := s.declare(conn)
	if err != nil {
		_ = conn.Close()
		return nil, nil, err
	}

	out := make(chan models.Change, s.cfg.Prefetch)
	done := make(chan struct{})
	stopped := make(chan struct{})
	connClosed := conn.NotifyClose(make(chan *amqp.Error, 1))
	logger := s.logger.With().Str("queue", queue).Logger()

	go func() {
		defer close(stopped)
		defer close(out)
		defer func() {
			_ = ch.Close()
			_ = conn.Close()
		}()
		for {
			select {
			case <-ctx.Done():
				return
			case <-done:
				return
			case amqpErr := <-connClosed:
				if amqpErr != nil {
					s.metrics.FeedError("amqp")
					logger.Warn().Str("reason", amqpErr.Reason).Int("code", amqpErr.Code).Msg("broker connection lost")
				}
				return
			case d, ok := <-deliveries:
				if !ok {
					return
				}
				if !s.deliver(ctx, done, out, d, logger) {
					return
				}
			}
		}
	}()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			close(done)
			<-stopped
		})
	}

	logger.Info().Str("exchange", s.cfg.Exchange).Msg("subscribed to change feed")
	return out, cancel, nil
}

// deliver forwards one delivery and settles it. It returns false when the
// subscription is shutting down.
func (s *Subscriber) deliver(ctx context.Context, done <-chan struct{}, out chan<- models.Change, d amqp.Delivery, logger zerolog.Logger) bool {
	change, err := decodeChange(d.Body)
	if err != nil {
		if errors.Is(err, ErrPoison) {
			s.metrics.FeedError("amqp_poison")
			logger.Debug().Err(err).Str("delivery", d.MessageId).Msg("dropping malformed change")
		}
		_ = d.Nack(false, false)
		return true
	}

	select {
	case out <- change:
		_ = d.Ack(false)
		return true
	case <-ctx.Done():
	case <-done:
	}
	_ = d.Nack(false, true)
	return false
}

func (s *Subscriber) declare(conn *amqp.Connection) (*amqp.Channel, <-chan amqp.Delivery, string, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, nil, "", fmt.Errorf("open channel: %w", err)
	}

	fail := func(err error) (*amqp.Channel, <-chan amqp.Delivery, string, error) {
		_ = ch.Close()
		return nil, nil, "", err
	}

	if err := ch.Qos(s.cfg.Prefetch, 0, false); err != nil {
		return fail(fmt.Errorf("set qos: %w", err))
	}
	if err := declareExchange(ch, s.cfg.Exchange); err != nil {
		return fail(err)
	}

	q, err := ch.QueueDeclare(s.queueName(), false, true, true, false, nil)
	if err != nil {
		return fail(fmt.Errorf("declare queue: %w", err))
	}
	if err := ch.QueueBind(q.Name, "", s.cfg.Exchange, false, nil); err != nil {
		return fail(fmt.Errorf("bind queue: %w", err))
	}

	deliveries, err := ch.Consume(q.Name, "", false, true, false, false, nil)
	if err != nil {
		return fail(fmt.Errorf("consume: %w", err))
	}
	return ch, deliveries, q.Name, nil
}
