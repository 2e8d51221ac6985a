package chat

import (
	"context"
	"fmt"
	"sync"
)

// Ledger tracks unread direct messages per counterparty for one local user.
// Counts are never negative. Resync replaces the whole table with what the
// store reports.
type Ledger struct {
	mu      sync.Mutex
	counts  map[string]int
	source  UnreadSource
	localID string

	// issued and applied order concurrent resyncs so an older snapshot
	// never overwrites a newer one.
	issued  uint64
	applied uint64

	onChange func(total int)
}

// NewLedger returns an empty ledger backed by source.
func NewLedger(localID string, source UnreadSource) *Ledger {
	return &Ledger{
		counts:  make(map[string]int),
		source:  source,
		localID: localID,
	}
}

// OnChange registers fn to be called with the new total after every change.
func (l *Ledger) OnChange(fn func(total int)) {
	l.mu.Lock()
	l.onChange = fn
	l.mu.Unlock()
}

// Increment counts one more unread message from counterpartyID.
func (l *Ledger) Increment(counterpartyID string) {
	if counterpartyID == "" {
		return
	}
	l.mu.Lock()
	l.counts[counterpartyID]++
	total, fn := l.totalLocked(), l.onChange
	l.mu.Unlock()
	notify(fn, total)
}

// Reset sets the count for counterpartyID to zero.
func (l *Ledger) Reset(counterpartyID string) {
	l.mu.Lock()
	if l.counts[counterpartyID] == 0 {
		l.mu.Unlock()
		return
	}
	delete(l.counts, counterpartyID)
	total, fn := l.totalLocked(), l.onChange
	l.mu.Unlock()
	notify(fn, total)
}

// Resync replaces the ledger with the store's unread counts.
func (l *Ledger) Resync(ctx context.Context) error {
	l.mu.Lock()
	l.issued++
	ticket := l.issued
	l.mu.Unlock()

	counts, err := l.source.UnreadBySender(ctx, l.localID)
	if err != nil {
		return fmt.Errorf("resync unread counts: %w", err)
	}

	next := make(map[string]int, len(counts))
	for sender, n := range counts {
		if sender == "" || n <= 0 {
			continue
		}
		next[sender] = n
	}

	l.mu.Lock()
	if ticket < l.applied {
		l.mu.Unlock()
		return nil
	}
	l.applied = ticket
	l.counts = next
	total, fn := l.totalLocked(), l.onChange
	l.mu.Unlock()
	notify(fn, total)
	return nil
}

// Count returns the unread count for counterpartyID.
func (l *Ledger) Count(counterpartyID string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.counts[counterpartyID]
}

// Counts returns a copy of the non-zero counts.
func (l *Ledger) Counts() map[string]int {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[string]int, len(l.counts))
	for id, n := range l.counts {
		out[id] = n
	}
	return out
}

// Total returns the sum over all counterparties.
func (l *Ledger) Total() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.totalLocked()
}

func (l *Ledger) totalLocked() int {
	total := 0
	for _, n := range l.counts {
		total += n
	}
	return total
}

func notify(fn func(int), total int) {
	if fn != nil {
		fn(total)
	}
}
