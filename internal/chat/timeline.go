package chat

import (
	"sort"
	"time"

	"github.com/tOgg1/huddle/internal/models"
)

// timeline is the active conversation's message list: ordered by
// (created_at, id) with each id present at most once.
type timeline struct {
	items []*models.Message
	ids   map[string]struct{}
}

func newTimeline() *timeline {
	return &timeline{ids: make(map[string]struct{})}
}

func (t *timeline) Len() int {
	return len(t.items)
}

func (t *timeline) reset() {
	t.items = nil
	t.ids = make(map[string]struct{})
}

func (t *timeline) contains(id string) bool {
	_, ok := t.ids[id]
	return ok
}

func (t *timeline) get(id string) *models.Message {
	if i := t.indexOf(id); i >= 0 {
		return t.items[i]
	}
	return nil
}

func (t *timeline) indexOf(id string) int {
	if !t.contains(id) {
		return -1
	}
	for i, msg := range t.items {
		if msg.ID == id {
			return i
		}
	}
	return -1
}

// insert adds msg in order. It reports false when the id is already present.
func (t *timeline) insert(msg *models.Message) bool {
	if msg == nil || msg.ID == "" || t.contains(msg.ID) {
		return false
	}
	t.ids[msg.ID] = struct{}{}

	n := len(t.items)
	if n == 0 || !msg.Before(t.items[n-1]) {
		t.items = append(t.items, msg)
		return true
	}

	i := sort.Search(n, func(i int) bool { return msg.Before(t.items[i]) })
	t.items = append(t.items, nil)
	copy(t.items[i+1:], t.items[i:])
	t.items[i] = msg
	return true
}

// remove drops id and returns the removed message.
func (t *timeline) remove(id string) (*models.Message, bool) {
	i := t.indexOf(id)
	if i < 0 {
		return nil, false
	}
	msg := t.items[i]
	t.items = append(t.items[:i], t.items[i+1:]...)
	delete(t.ids, id)
	return msg, true
}

// markRead applies a read receipt. read_at is set at most once; later
// receipts neither clear nor move it.
func (t *timeline) markRead(id string, at *time.Time) bool {
	current := t.get(id)
	if current == nil || at == nil || current.ReadAt != nil {
		return false
	}
	readAt := *at
	current.ReadAt = &readAt
	return true
}

// snapshot returns deep copies in display order.
func (t *timeline) snapshot() []models.Message {
	out := make([]models.Message, 0, len(t.items))
	for _, msg := range t.items {
		out = append(out, msg.Clone())
	}
	return out
}
