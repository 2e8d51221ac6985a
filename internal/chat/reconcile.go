package chat

import (
	"time"

	"github.com/tOgg1/huddle/internal/metrics"
	"github.com/tOgg1/huddle/internal/models"
)

type eventKind int

const (
	eventFetched eventKind = iota
	eventInserted
	eventUpdated
	eventDeleted
)

func (k eventKind) String() string {
	switch k {
	case eventFetched:
		return "fetch"
	case eventInserted:
		return string(models.ChangeInsert)
	case eventUpdated:
		return string(models.ChangeUpdate)
	case eventDeleted:
		return string(models.ChangeDelete)
	default:
		return "unknown"
	}
}

// event is one input to the reconciler. Fetched carries msgs; inserts and
// updates carry msg; deletes carry id and, when known, the removed record.
type event struct {
	kind eventKind
	msgs []*models.Message
	msg  *models.Message
	id   string
}

// reconciler merges fetch results and change notifications into the active
// conversation's timeline. It is owned by the session loop and is not safe
// for concurrent use.
type reconciler struct {
	localID string
	active  models.Conversation
	list    *timeline
	ledger  *Ledger

	// While a fetch for the active conversation is outstanding, receipts and
	// deletes for ids not yet in the list are held so the fetch result
	// cannot resurrect or un-read them.
	fetching    bool
	heldReads   map[string]time.Time
	heldDeletes map[string]struct{}

	// counted remembers background inserts already added to the ledger so a
	// redelivered change does not count twice. Oldest ids are evicted first.
	counted      map[string]struct{}
	countedOrder []string
}

// countedCapacity bounds the background insert ids remembered for dedup.
const countedCapacity = 512

func newReconciler(localID string, ledger *Ledger) *reconciler {
	r := &reconciler{
		localID: localID,
		active:  models.Broadcast(),
		list:    newTimeline(),
		ledger:  ledger,
		counted: make(map[string]struct{}),
	}
	r.clearHeld()
	return r
}

// switchTo makes conv active with an empty list and a fetch outstanding.
func (r *reconciler) switchTo(conv models.Conversation) {
	r.active = conv
	r.list.reset()
	r.fetching = true
	r.clearHeld()
}

// fetchFailed ends the outstanding fetch without data.
func (r *reconciler) fetchFailed() {
	r.fetching = false
	r.clearHeld()
}

func (r *reconciler) clearHeld() {
	r.heldReads = make(map[string]time.Time)
	r.heldDeletes = make(map[string]struct{})
}

// relevant reports whether msg belongs in the active list.
func (r *reconciler) relevant(msg *models.Message) bool {
	return r.active.Includes(r.localID, msg)
}

// apply folds ev into the timeline and returns the metrics outcome.
func (r *reconciler) apply(ev event) string {
	switch ev.kind {
	case eventFetched:
		return r.merge(ev.msgs)
	case eventInserted:
		return r.insert(ev.msg)
	case eventUpdated:
		return r.update(ev.msg)
	case eventDeleted:
		return r.remove(ev.id)
	default:
		return metrics.OutcomeMalformed
	}
}

func (r *reconciler) merge(msgs []*models.Message) string {
	changed := false
	for _, msg := range msgs {
		if msg == nil || !r.relevant(msg) {
			continue
		}
		if _, gone := r.heldDeletes[msg.ID]; gone {
			continue
		}
		if at, ok := r.heldReads[msg.ID]; ok && msg.ReadAt == nil {
			readAt := at
			msg.ReadAt = &readAt
		}
		if r.list.insert(msg) {
			changed = true
			continue
		}
		if msg.ReadAt != nil && r.list.markRead(msg.ID, msg.ReadAt) {
			changed = true
		}
	}
	r.fetching = false
	r.clearHeld()
	if !changed {
		return metrics.OutcomeDuplicate
	}
	return metrics.OutcomeApplied
}

func (r *reconciler) insert(msg *models.Message) string {
	if msg == nil || msg.ID == "" {
		return metrics.OutcomeMalformed
	}
	if r.relevant(msg) {
		if r.list.insert(msg) {
			return metrics.OutcomeApplied
		}
		return metrics.OutcomeDuplicate
	}
	if msg.AddressedTo(r.localID) && !msg.FromSelf(r.localID) {
		if !r.remember(msg.ID) {
			return metrics.OutcomeDuplicate
		}
		r.ledger.Increment(msg.SenderID)
		return metrics.OutcomeBackground
	}
	return metrics.OutcomeDropped
}

// remember records id as counted and reports whether it was new.
func (r *reconciler) remember(id string) bool {
	if _, ok := r.counted[id]; ok {
		return false
	}
	if len(r.countedOrder) >= countedCapacity {
		delete(r.counted, r.countedOrder[0])
		r.countedOrder = r.countedOrder[1:]
	}
	r.counted[id] = struct{}{}
	r.countedOrder = append(r.countedOrder, id)
	return true
}

func (r *reconciler) update(msg *models.Message) string {
	if msg == nil || msg.ID == "" {
		return metrics.OutcomeMalformed
	}
	if msg.ReadAt == nil {
		return metrics.OutcomeDropped
	}
	if r.list.contains(msg.ID) {
		if r.list.markRead(msg.ID, msg.ReadAt) {
			return metrics.OutcomeApplied
		}
		return metrics.OutcomeDuplicate
	}
	if r.fetching && r.relevant(msg) {
		r.heldReads[msg.ID] = *msg.ReadAt
		return metrics.OutcomeApplied
	}
	return metrics.OutcomeDropped
}

func (r *reconciler) remove(id string) string {
	if id == "" {
		return metrics.OutcomeMalformed
	}
	if _, ok := r.list.remove(id); ok {
		return metrics.OutcomeApplied
	}
	if r.fetching {
		r.heldDeletes[id] = struct{}{}
	}
	return metrics.OutcomeDropped
}
