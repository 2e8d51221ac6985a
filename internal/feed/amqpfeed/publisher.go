package amqpfeed

import (
	"context"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
	"github.com/tOgg1/huddle/internal/logging"
	"github.com/tOgg1/huddle/internal/models"
)

// Publisher forwards changes to the fanout exchange.
// It satisfies events.Publisher so the change log tailer can drive it.
type Publisher struct {
	cfg    Config
	logger zerolog.Logger

	mu   sync.Mutex
	conn *amqp.Connection
	ch   *amqp.Channel
}

// NewPublisher connects and declares the exchange.
func NewPublisher(ctx context.Context, cfg Config) (*Publisher, error) {
	cfg, err := cfg.normalized()
	if err != nil {
		return nil, err
	}

	p := &Publisher{
		cfg:    cfg,
		logger: logging.Component("amqp-publisher"),
	}
	if err := p.connect(ctx); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Publisher) connect(ctx context.Context) error {
	conn, err := p.cfg.dial(ctx)
	if err != nil {
		return fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("open channel: %w", err)
	}
	if err := declareExchange(ch, p.cfg.Exchange); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return err
	}

	p.conn, p.ch = conn, ch
	p.logger.Info().Str("broker", logging.MaskURL(p.cfg.URL)).Str("exchange", p.cfg.Exchange).Msg("publisher ready")
	return nil
}

// Publish sends one change. A closed connection is re-dialed once.
func (p *Publisher) Publish(ctx context.Context, change *models.Change) error {
	msg, err := encodeChange(change)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.conn == nil || p.conn.IsClosed() || p.ch == nil || p.ch.IsClosed() {
		p.closeLocked()
		p.logger.Warn().Msg("publisher connection lost, reconnecting")
		if err := p.connect(ctx); err != nil {
			return err
		}
	}

	if err := p.ch.PublishWithContext(ctx, p.cfg.Exchange, "", false, false, msg); err != nil {
		return fmt.Errorf("publish change %d: %w", change.Seq, err)
	}
	return nil
}

// Close releases the channel and connection.
func (p *Publisher) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closeLocked()
}

func (p *Publisher) closeLocked() {
	if p.ch != nil {
		_ = p.ch.Close()
		p.ch = nil
	}
	if p.conn != nil {
		_ = p.conn.Close()
		p.conn = nil
	}
}
