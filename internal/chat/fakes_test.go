package chat

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tOgg1/huddle/internal/db"
	"github.com/tOgg1/huddle/internal/logging"
	"github.com/tOgg1/huddle/internal/models"
)

var testEpoch = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

// testClock hands out strictly increasing timestamps.
type testClock struct {
	mu   sync.Mutex
	next time.Time
}

func newTestClock() *testClock {
	return &testClock{next: testEpoch}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.next
	c.next = c.next.Add(time.Second)
	return now
}

// fakeStore is an in-memory MessageStore. When feed is set every write is
// echoed as a change, the way the tailer would.
type fakeStore struct {
	mu       sync.Mutex
	clock    *testClock
	messages []*models.Message
	admins   map[string]bool
	seq      int64
	nextID   int
	feed     *fakeFeed

	listErr    error
	insertErr  error
	markErr    error
	unreadErr  error
	listGates  map[string]chan struct{}
	insertGate chan struct{}
	markGate   chan struct{}
	listCalls  chan string
	markCalls  int
}

func newFakeStore(clock *testClock) *fakeStore {
	return &fakeStore{
		clock:     clock,
		admins:    make(map[string]bool),
		listGates: make(map[string]chan struct{}),
		listCalls: make(chan string, 64),
	}
}

// seed stores msg as-is and returns it.
func (s *fakeStore) seed(msg models.Message) *models.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	if msg.ID == "" {
		s.nextID++
		msg.ID = fmt.Sprintf("m%03d", s.nextID)
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = s.clock.Now()
	}
	stored := msg
	s.messages = append(s.messages, &stored)
	out := stored.Clone()
	return &out
}

func (s *fakeStore) gateList(convID string) chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	gate := make(chan struct{})
	s.listGates[convID] = gate
	return gate
}

func (s *fakeStore) emit(change models.Change) {
	if s.feed == nil {
		return
	}
	s.seq++
	change.Seq = s.seq
	s.feed.push(change)
}

func (s *fakeStore) ListConversation(ctx context.Context, localID string, conv models.Conversation, limit int) ([]*models.Message, error) {
	s.listCalls <- conv.ID()

	s.mu.Lock()
	gate := s.listGates[conv.ID()]
	s.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listErr != nil {
		return nil, s.listErr
	}
	var out []*models.Message
	for _, msg := range s.messages {
		if conv.Includes(localID, msg) {
			clone := msg.Clone()
			out = append(out, &clone)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (s *fakeStore) Insert(ctx context.Context, msg *models.Message) (*models.Message, error) {
	s.mu.Lock()
	if s.insertErr != nil {
		err := s.insertErr
		s.mu.Unlock()
		return nil, err
	}
	s.nextID++
	stored := msg.Clone()
	stored.ID = fmt.Sprintf("m%03d", s.nextID)
	stored.CreatedAt = s.clock.Now()
	stored.Pending = false
	s.messages = append(s.messages, &stored)
	echo := stored.Clone()
	s.emit(models.Change{Type: models.ChangeInsert, New: &echo})
	gate := s.insertGate
	s.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	out := stored.Clone()
	return &out, nil
}

func (s *fakeStore) MarkRead(ctx context.Context, senderID, recipientID string, at time.Time) ([]*models.Message, error) {
	s.mu.Lock()
	gate := s.markGate
	s.markCalls++
	s.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return s.markWhere(func(m *models.Message) bool {
		return m.SenderID == senderID && m.RecipientID == recipientID
	}, at)
}

func (s *fakeStore) MarkMessageRead(ctx context.Context, id, readerID string, at time.Time) (*models.Message, error) {
	updated, err := s.markWhere(func(m *models.Message) bool {
		return m.ID == id && m.RecipientID == readerID
	}, at)
	if err != nil {
		return nil, err
	}
	if len(updated) == 0 {
		return nil, db.ErrMessageNotFound
	}
	return updated[0], nil
}

func (s *fakeStore) markWhere(match func(*models.Message) bool, at time.Time) ([]*models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.markErr != nil {
		return nil, s.markErr
	}
	var updated []*models.Message
	for _, msg := range s.messages {
		if !msg.IsDirect() || msg.IsRead() || !match(msg) {
			continue
		}
		old := msg.Clone()
		readAt := at
		msg.ReadAt = &readAt
		next := msg.Clone()
		s.emit(models.Change{Type: models.ChangeUpdate, Old: &old, New: &next})
		out := msg.Clone()
		updated = append(updated, &out)
	}
	return updated, nil
}

func (s *fakeStore) Delete(ctx context.Context, id, requesterID string) (*models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, msg := range s.messages {
		if msg.ID != id {
			continue
		}
		if msg.SenderID != requesterID && !s.admins[requesterID] {
			return nil, db.ErrPermissionDenied
		}
		s.messages = append(s.messages[:i], s.messages[i+1:]...)
		old := msg.Clone()
		s.emit(models.Change{Type: models.ChangeDelete, Old: &old})
		out := msg.Clone()
		return &out, nil
	}
	return nil, db.ErrMessageNotFound
}

func (s *fakeStore) UnreadBySender(ctx context.Context, recipientID string) (map[string]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.unreadErr != nil {
		return nil, s.unreadErr
	}
	counts := make(map[string]int)
	for _, msg := range s.messages {
		if msg.AddressedTo(recipientID) && !msg.IsRead() {
			counts[msg.SenderID]++
		}
	}
	return counts, nil
}

func (s *fakeStore) find(id string) *models.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, msg := range s.messages {
		if msg.ID == id {
			out := msg.Clone()
			return &out
		}
	}
	return nil
}

type fakeDirectory struct {
	mu       sync.Mutex
	contacts []models.Counterparty
	err      error
}

func (d *fakeDirectory) List(ctx context.Context) ([]models.Counterparty, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return nil, d.err
	}
	return append([]models.Counterparty(nil), d.contacts...), nil
}

func (d *fakeDirectory) add(c models.Counterparty) {
	d.mu.Lock()
	d.contacts = append(d.contacts, c)
	d.mu.Unlock()
}

type fakeFeed struct {
	mu        sync.Mutex
	ch        chan models.Change
	cancelled bool
	err       error
}

func newFakeFeed() *fakeFeed {
	return &fakeFeed{ch: make(chan models.Change, 256)}
}

func (f *fakeFeed) Subscribe(ctx context.Context) (<-chan models.Change, func(), error) {
	if f.err != nil {
		return nil, nil, f.err
	}
	var once sync.Once
	return f.ch, func() {
		once.Do(func() {
			f.mu.Lock()
			f.cancelled = true
			f.mu.Unlock()
		})
	}, nil
}

func (f *fakeFeed) push(change models.Change) {
	f.ch <- change
}

func (f *fakeFeed) isCancelled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cancelled
}

// harness wires a session for alice with bob (member), carol (member) and
// root (admin) in the directory.
type harness struct {
	t       *testing.T
	clock   *testClock
	store   *fakeStore
	dir     *fakeDirectory
	feed    *fakeFeed
	session *Session
}

const (
	alice = "alice"
	bob   = "bob"
	carol = "carol"
	root  = "root"
)

func newHarness(t *testing.T) *harness {
	t.Helper()
	clock := newTestClock()
	h := &harness{
		t:     t,
		clock: clock,
		store: newFakeStore(clock),
		feed:  newFakeFeed(),
		dir: &fakeDirectory{contacts: []models.Counterparty{
			{ID: alice, DisplayName: "Alice", Role: "member"},
			{ID: bob, DisplayName: "Bob", Role: "member"},
			{ID: carol, DisplayName: "carol", Role: "member"},
			{ID: root, DisplayName: "Root", Role: models.RoleAdmin},
		}},
	}
	h.store.admins[root] = true
	return h
}

// start builds and starts the session with cfg adjustments applied.
func (h *harness) start(adjust ...func(*Config)) *Session {
	h.t.Helper()
	cfg := DefaultConfig(alice)
	for _, fn := range adjust {
		fn(&cfg)
	}
	s, err := NewSession(cfg, h.store, h.dir, h.feed,
		WithLogger(logging.Nop()),
		WithClock(h.clock.Now),
	)
	require.NoError(h.t, err)
	require.NoError(h.t, s.Start(context.Background()))
	h.t.Cleanup(func() { _ = s.Close() })
	h.session = s
	return s
}

// echo makes the store publish its writes to the feed.
func (h *harness) echo() {
	h.store.mu.Lock()
	h.store.feed = h.feed
	h.store.mu.Unlock()
}

func (h *harness) selectConv(conv models.Conversation) {
	h.t.Helper()
	require.NoError(h.t, h.session.SelectConversation(context.Background(), conv))
}

func (h *harness) broadcast(sender, body string) *models.Message {
	return h.store.seed(models.Message{Kind: models.ChannelBroadcast, SenderID: sender, Body: body})
}

func (h *harness) direct(sender, recipient, body string) *models.Message {
	return h.store.seed(models.Message{Kind: models.ChannelDirect, SenderID: sender, RecipientID: recipient, Body: body})
}

func insertChange(msg *models.Message) models.Change {
	clone := msg.Clone()
	return models.Change{Type: models.ChangeInsert, New: &clone}
}

func ids(msgs []models.Message) []string {
	out := make([]string, 0, len(msgs))
	for _, msg := range msgs {
		out = append(out, msg.ID)
	}
	return out
}

func bodies(msgs []models.Message) []string {
	out := make([]string, 0, len(msgs))
	for _, msg := range msgs {
		out = append(out, msg.Body)
	}
	return out
}

const (
	testTimeout = 2 * time.Second
	testTick    = 5 * time.Millisecond
)

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	require.Eventually(t, cond, testTimeout, testTick, msg)
}
