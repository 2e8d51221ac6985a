package chat

import (
	"context"
	"fmt"
	"sync"

	"github.com/tOgg1/huddle/internal/models"
)

// subscription is the session's one live feed subscription.
type subscription struct {
	changes <-chan models.Change
	cancel  func()
	once    sync.Once
}

func subscribe(ctx context.Context, feed Feed) (*subscription, error) {
	changes, cancel, err := feed.Subscribe(ctx)
	if err != nil {
		return nil, fmt.Errorf("subscribe to change feed: %w", err)
	}
	if cancel == nil {
		cancel = func() {}
	}
	return &subscription{changes: changes, cancel: cancel}, nil
}

func (s *subscription) close() {
	if s == nil {
		return
	}
	s.once.Do(s.cancel)
}

// classify turns a change notification into a reconciler event. Changes
// with an unknown type or a missing record are rejected.
func classify(change models.Change) (event, bool) {
	if !change.Valid() {
		return event{}, false
	}
	switch change.Type {
	case models.ChangeInsert:
		msg := change.New.Clone()
		return event{kind: eventInserted, msg: &msg, id: msg.ID}, true
	case models.ChangeUpdate:
		msg := change.New.Clone()
		return event{kind: eventUpdated, msg: &msg, id: msg.ID}, true
	case models.ChangeDelete:
		ev := event{kind: eventDeleted, id: change.MessageID()}
		if change.Old != nil {
			old := change.Old.Clone()
			ev.msg = &old
		}
		return ev, true
	default:
		return event{}, false
	}
}
