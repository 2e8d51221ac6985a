// Package events fans message changes out to in-process subscribers.
package events

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/tOgg1/huddle/internal/models"
)

// ChangeHandler is a callback invoked when a change matches a subscription.
type ChangeHandler func(change *models.Change)

// Filter defines criteria for matching changes.
type Filter struct {
	// Types filters by change type (nil = all types).
	Types []models.ChangeType

	// UserID keeps broadcast changes and direct changes the user takes part in (empty = all).
	UserID string
}

// Matches returns true if the change matches the filter criteria.
func (f *Filter) Matches(change *models.Change) bool {
	if change == nil {
		return false
	}

	if len(f.Types) > 0 {
		matched := false
		for _, t := range f.Types {
			if change.Type == t {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}

	if f.UserID != "" {
		rec := change.Record()
		if rec == nil {
			return false
		}
		if rec.IsDirect() && rec.SenderID != f.UserID && rec.RecipientID != f.UserID {
			return false
		}
	}

	return true
}

// subscription represents an active change subscription.
type subscription struct {
	id      string
	filter  Filter
	handler ChangeHandler
}

// Publisher is implemented by anything that accepts changes for fan-out.
type Publisher interface {
	// Publish sends a change to all matching subscribers.
	Publish(ctx context.Context, change *models.Change) error
}

// Broker implements Publisher with in-process pub/sub.
// Handlers run on the publishing goroutine, so a slow channel subscriber
// applies backpressure to the publisher instead of losing changes.
type Broker struct {
	mu            sync.RWMutex
	subscriptions map[string]*subscription
	buffer        int
}

// BrokerOption configures a Broker.
type BrokerOption func(*Broker)

// WithBuffer sets the channel capacity of Subscribe channels.
func WithBuffer(n int) BrokerOption {
	return func(b *Broker) {
		if n > 0 {
			b.buffer = n
		}
	}
}

// NewBroker creates a new in-memory change broker.
func NewBroker(opts ...BrokerOption) *Broker {
	b := &Broker{
		subscriptions: make(map[string]*subscription),
		buffer:        256,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Publish sends a change to all matching subscribers.
func (b *Broker) Publish(ctx context.Context, change *models.Change) error {
	if change == nil {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.RLock()
	var handlers []ChangeHandler
	for _, sub := range b.subscriptions {
		if sub.filter.Matches(change) {
			handlers = append(handlers, sub.handler)
		}
	}
	b.mu.RUnlock()

	// Invoke handlers outside the lock to avoid deadlocks
	for _, handler := range handlers {
		handler(change)
	}
	return nil
}

// SubscribeFunc registers a handler to receive changes matching the filter.
func (b *Broker) SubscribeFunc(id string, filter Filter, handler ChangeHandler) error {
	if id == "" {
		return ErrInvalidSubscriptionID
	}
	if handler == nil {
		return ErrNilHandler
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.subscriptions[id]; exists {
		return ErrSubscriptionExists
	}

	b.subscriptions[id] = &subscription{
		id:      id,
		filter:  filter,
		handler: handler,
	}
	return nil
}

// Subscribe returns a channel carrying every change until cancel is called
// or ctx ends. The channel is closed on cancel.
func (b *Broker) Subscribe(ctx context.Context) (<-chan models.Change, func(), error) {
	return b.SubscribeFiltered(ctx, Filter{})
}

// SubscribeFiltered is Subscribe restricted to changes matching filter.
func (b *Broker) SubscribeFiltered(ctx context.Context, filter Filter) (<-chan models.Change, func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	out := make(chan models.Change, b.buffer)
	done := make(chan struct{})
	var (
		mu     sync.RWMutex
		closed bool
	)

	handler := func(change *models.Change) {
		mu.RLock()
		defer mu.RUnlock()
		if closed {
			return
		}
		select {
		case out <- *change:
		case <-done:
		}
	}

	id := uuid.New().String()
	if err := b.SubscribeFunc(id, filter, handler); err != nil {
		return nil, nil, err
	}

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			_ = b.Unsubscribe(id)
			close(done)
			mu.Lock()
			closed = true
			close(out)
			mu.Unlock()
		})
	}

	go func() {
		select {
		case <-ctx.Done():
			cancel()
		case <-done:
		}
	}()

	return out, cancel, nil
}

// Unsubscribe removes a subscription by ID.
func (b *Broker) Unsubscribe(id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.subscriptions[id]; !exists {
		return ErrSubscriptionNotFound
	}

	delete(b.subscriptions, id)
	return nil
}

// SubscriberCount returns the number of active subscribers.
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscriptions)
}

// Close removes all subscriptions.
// Channel subscribers stop receiving but keep their channels until they cancel.
func (b *Broker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscriptions = make(map[string]*subscription)
}

// Errors for broker operations.
var (
	ErrInvalidSubscriptionID = &PublisherError{Message: "subscription ID is required"}
	ErrNilHandler            = &PublisherError{Message: "handler cannot be nil"}
	ErrSubscriptionExists    = &PublisherError{Message: "subscription with this ID already exists"}
	ErrSubscriptionNotFound  = &PublisherError{Message: "subscription not found"}
)

// PublisherError represents an error from broker operations.
type PublisherError struct {
	Message string
}

func (e *PublisherError) Error() string {
	return e.Message
}
