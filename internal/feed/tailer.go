// Package feed turns the SQLite change log into a live change stream.
package feed

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/tOgg1/huddle/internal/events"
	"github.com/tOgg1/huddle/internal/logging"
	"github.com/tOgg1/huddle/internal/metrics"
	"github.com/tOgg1/huddle/internal/models"
)

// Tailer errors.
var (
	ErrTailerAlreadyRunning = errors.New("tailer already running")
	ErrTailerNotRunning     = errors.New("tailer not running")
)

// ChangeSource is the change log the tailer follows.
type ChangeSource interface {
	Since(ctx context.Context, afterSeq int64, limit int) ([]*models.Change, error)
	LatestSeq(ctx context.Context) (int64, error)
}

// TailerConfig contains configuration for the change log tailer.
type TailerConfig struct {
	// Interval is the poll interval while changes keep arriving.
	// Default: 250ms
	Interval time.Duration

	// MaxInterval caps the backoff while the log is idle or failing.
	// Default: 2s
	MaxInterval time.Duration

	// BatchSize is the number of changes read per poll.
	// Default: 200
	BatchSize int

	// FromStart replays the whole retained log instead of starting at its head.
	FromStart bool
}

// DefaultTailerConfig returns sensible defaults.
func DefaultTailerConfig() TailerConfig {
	return TailerConfig{
		Interval:    250 * time.Millisecond,
		MaxInterval: 2 * time.Second,
		BatchSize:   200,
	}
}

// Tailer polls the change log and publishes each new change in seq order.
type Tailer struct {
	config    TailerConfig
	source    ChangeSource
	publisher events.Publisher
	metrics   *metrics.Metrics
	logger    zerolog.Logger

	mu      sync.RWMutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	cursor  int64
}

// TailerOption configures a Tailer.
type TailerOption func(*Tailer)

// WithMetrics reports published changes and the cursor position.
func WithMetrics(m *metrics.Metrics) TailerOption {
	return func(t *Tailer) {
		t.metrics = m
	}
}

// NewTailer creates a new change log Tailer.
func NewTailer(config TailerConfig, source ChangeSource, publisher events.Publisher, opts ...TailerOption) *Tailer {
	defaults := DefaultTailerConfig()
	if config.Interval <= 0 {
		config.Interval = defaults.Interval
	}
	if config.MaxInterval < config.Interval {
		config.MaxInterval = config.Interval
	}
	if config.BatchSize <= 0 {
		config.BatchSize = defaults.BatchSize
	}

	t := &Tailer{
		config:    config,
		source:    source,
		publisher: publisher,
		logger:    logging.Component("feed-tailer"),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Start positions the cursor and begins the polling loop.
func (t *Tailer) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.running {
		return ErrTailerAlreadyRunning
	}

	if !t.config.FromStart {
		head, err := t.source.LatestSeq(ctx)
		if err != nil {
			return err
		}
		t.cursor = head
	}

	loopCtx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	t.running = true

	t.logger.Info().
		Int64("cursor", t.cursor).
		Dur("interval", t.config.Interval).
		Dur("max_interval", t.config.MaxInterval).
		Msg("change log tailer starting")

	t.wg.Add(1)
	go t.runLoop(loopCtx)

	return nil
}

// Stop halts the polling loop.
func (t *Tailer) Stop() error {
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		return ErrTailerNotRunning
	}
	t.cancel()
	t.running = false
	t.mu.Unlock()

	t.wg.Wait()
	t.logger.Info().Int64("cursor", t.Cursor()).Msg("change log tailer stopped")
	return nil
}

// IsRunning returns true if the tailer is running.
func (t *Tailer) IsRunning() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.running
}

// Cursor returns the seq of the last published change.
func (t *Tailer) Cursor() int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.cursor
}

// Poll reads one batch after the cursor and publishes it.
// The cursor only advances past changes that were published.
func (t *Tailer) Poll(ctx context.Context) (int, error) {
	t.mu.RLock()
	cursor := t.cursor
	t.mu.RUnlock()

	changes, err := t.source.Since(ctx, cursor, t.config.BatchSize)
	if err != nil {
		t.metrics.FeedError("tailer")
		return 0, err
	}

	published := 0
	for _, change := range changes {
		if err := t.publisher.Publish(ctx, change); err != nil {
			t.metrics.FeedError("tailer")
			return published, err
		}
		t.advance(change.Seq)
		t.metrics.ChangePublished(string(change.Type))
		published++
	}
	return published, nil
}

func (t *Tailer) advance(seq int64) {
	t.mu.Lock()
	if seq > t.cursor {
		t.cursor = seq
	}
	t.mu.Unlock()
	t.metrics.SetTailerCursor(seq)
}

// runLoop polls at Interval while changes arrive and backs off toward
// MaxInterval while the log is idle or failing.
func (t *Tailer) runLoop(ctx context.Context) {
	defer t.wg.Done()

	interval := t.config.Interval
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		n, err := t.Poll(ctx)
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return
			}
			t.logger.Warn().Err(err).Int64("cursor", t.Cursor()).Msg("change log poll failed")
			interval = t.backoff(interval)
		case n >= t.config.BatchSize:
			interval = 0
		case n > 0:
			interval = t.config.Interval
		default:
			interval = t.backoff(interval)
		}

		timer.Reset(interval)
	}
}

func (t *Tailer) backoff(current time.Duration) time.Duration {
	if current <= 0 {
		return t.config.Interval
	}
	next := current * 2
	if next > t.config.MaxInterval {
		next = t.config.MaxInterval
	}
	return next
}
