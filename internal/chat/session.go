// Package chat keeps one user's view of the chat consistent: the active
// conversation's message list, unread counts per counterparty, and the
// optimistic send pipeline, reconciled against the store's change feed.
package chat

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/tOgg1/huddle/internal/db"
	"github.com/tOgg1/huddle/internal/logging"
	"github.com/tOgg1/huddle/internal/metrics"
	"github.com/tOgg1/huddle/internal/models"
)

const (
	// fetchedSenderFallback labels fetched messages whose sender is not in the directory.
	fetchedSenderFallback = "Unknown"
	// streamedSenderFallback labels streamed messages whose sender is not in the directory.
	streamedSenderFallback = "..."
)

const (
	stateNew int32 = iota
	stateRunning
	stateClosed
)

// Config controls a session.
type Config struct {
	// LocalUserID is the signed-in user.
	LocalUserID string

	// HistoryLimit caps how many recent messages a conversation fetch loads.
	HistoryLimit int

	// AutoMarkRead marks incoming messages read while their conversation is open.
	AutoMarkRead bool
}

// DefaultConfig returns the default session configuration for localUserID.
func DefaultConfig(localUserID string) Config {
	return Config{
		LocalUserID:  localUserID,
		HistoryLimit: db.DefaultHistoryLimit,
		AutoMarkRead: true,
	}
}

// Option configures a Session.
type Option func(*Session)

// WithLogger sets the session logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(s *Session) {
		s.logger = logger
	}
}

// WithMetrics records session activity in m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Session) {
		s.metrics = m
	}
}

// WithClock overrides the clock used for send and read timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Session) {
		if now != nil {
			s.now = now
		}
	}
}

// Session is one signed-in user's chat state. All list mutations run on a
// single loop goroutine; store round trips run on the calling goroutine.
type Session struct {
	cfg       Config
	store     MessageStore
	directory Directory
	feed      Feed
	ledger    *Ledger
	logger    zerolog.Logger
	metrics   *metrics.Metrics
	now       func() time.Time

	lifecycle sync.Mutex
	state     atomic.Int32
	sub       *subscription
	ctx       context.Context
	cancel    context.CancelFunc
	ops       chan func()
	loopDone  chan struct{}
	updates   chan struct{}
	wg        sync.WaitGroup

	dirMu      sync.RWMutex
	contacts   []models.Counterparty
	names      map[string]string
	refreshing atomic.Bool

	// Owned by the loop goroutine.
	rec     *reconciler
	gen     uint64
	draft   string
	pending []*models.Message
	dirty   bool
}

// NewSession builds a session for cfg.LocalUserID. Call Start before use.
func NewSession(cfg Config, store MessageStore, directory Directory, feed Feed, opts ...Option) (*Session, error) {
	if strings.TrimSpace(cfg.LocalUserID) == "" {
		return nil, errors.New("chat: local user id is required")
	}
	if store == nil || directory == nil || feed == nil {
		return nil, errors.New("chat: store, directory and feed are required")
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = db.DefaultHistoryLimit
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		cfg:       cfg,
		store:     store,
		directory: directory,
		feed:      feed,
		logger:    logging.Component("chat"),
		now:       time.Now,
		ctx:       ctx,
		cancel:    cancel,
		ops:       make(chan func()),
		loopDone:  make(chan struct{}),
		updates:   make(chan struct{}, 1),
		names:     make(map[string]string),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = logging.WithUser(s.logger, cfg.LocalUserID)

	s.ledger = NewLedger(cfg.LocalUserID, store)
	s.ledger.OnChange(func(total int) {
		s.metrics.SetUnreadTotal(total)
		s.signal()
	})
	s.rec = newReconciler(cfg.LocalUserID, s.ledger)
	return s, nil
}

// Start opens the change feed subscription, starts the loop, loads the
// directory and resyncs the unread ledger. Directory and ledger failures
// are logged; the session keeps running without them.
func (s *Session) Start(ctx context.Context) error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	switch s.state.Load() {
	case stateRunning:
		return nil
	case stateClosed:
		return ErrSessionClosed
	}

	sub, err := subscribe(s.ctx, s.feed)
	if err != nil {
		return err
	}
	s.sub = sub
	s.state.Store(stateRunning)

	s.wg.Add(1)
	go s.run(sub.changes)

	if err := s.RefreshDirectory(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("directory load failed")
	}
	if err := s.ledger.Resync(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("unread resync failed")
	}

	s.logger.Debug().Msg("chat session started")
	return nil
}

// Close tears down the subscription and waits for background work.
// Events arriving afterwards are never applied.
func (s *Session) Close() error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	prev := s.state.Swap(stateClosed)
	if prev == stateClosed {
		return nil
	}
	s.cancel()
	s.sub.close()
	s.wg.Wait()

	if prev == stateNew {
		close(s.loopDone)
		return nil
	}
	s.logger.Debug().Msg("chat session closed")
	return nil
}

// Updates signals after state visible through the accessors has changed.
// Signals coalesce; the channel is never closed.
func (s *Session) Updates() <-chan struct{} {
	return s.updates
}

// Done is closed once the session loop has exited.
func (s *Session) Done() <-chan struct{} {
	return s.loopDone
}

// LocalUserID returns the signed-in user.
func (s *Session) LocalUserID() string {
	return s.cfg.LocalUserID
}

// Ledger exposes the unread ledger.
func (s *Session) Ledger() *Ledger {
	return s.ledger
}

// UnreadCounts returns unread direct messages per counterparty.
func (s *Session) UnreadCounts() map[string]int {
	return s.ledger.Counts()
}

// UnreadTotal returns the number of unread direct messages.
func (s *Session) UnreadTotal() int {
	return s.ledger.Total()
}

// ActiveMessages returns a copy of the active conversation's messages.
func (s *Session) ActiveMessages() []models.Message {
	var out []models.Message
	if err := s.do(context.Background(), func() {
		out = s.rec.list.snapshot()
	}); err != nil {
		return nil
	}
	return out
}

// Active returns the active conversation.
func (s *Session) Active() models.Conversation {
	conv := models.Broadcast()
	_ = s.do(context.Background(), func() {
		conv = s.rec.active
	})
	return conv
}

// Draft returns the unsent input text.
func (s *Session) Draft() string {
	var draft string
	_ = s.do(context.Background(), func() {
		draft = s.draft
	})
	return draft
}

// SetDraft replaces the unsent input text.
func (s *Session) SetDraft(text string) {
	_ = s.do(context.Background(), func() {
		if s.draft != text {
			s.draft = text
			s.dirty = true
		}
	})
}

// SelectConversation makes conv active. The list is cleared, history is
// fetched and, for a direct conversation, the counterparty's unread count
// is reset and its messages are marked read. A fetch superseded by a later
// selection is discarded and reports no error. A failed mark-read is
// returned even though the history is still shown.
func (s *Session) SelectConversation(ctx context.Context, conv models.Conversation) error {
	if conv.IsDirect() {
		id := conv.CounterpartyID
		if id == "" || id == s.cfg.LocalUserID || !s.knows(id) {
			return fmt.Errorf("%w: %q", ErrUnknownCounterparty, id)
		}
	}

	var gen uint64
	if err := s.do(ctx, func() {
		s.gen++
		gen = s.gen
		s.rec.switchTo(conv)
		s.dirty = true
	}); err != nil {
		return err
	}

	logger := logging.WithConversation(s.logger, conv.ID())
	logger.Debug().Uint64("generation", gen).Msg("conversation selected")

	if conv.IsDirect() {
		s.ledger.Reset(conv.CounterpartyID)
	}

	var g errgroup.Group
	g.Go(func() error {
		return s.loadHistory(ctx, gen, conv)
	})
	if conv.IsDirect() {
		g.Go(func() error {
			return s.markConversationRead(ctx, conv.CounterpartyID)
		})
	}
	return g.Wait()
}

func (s *Session) loadHistory(ctx context.Context, gen uint64, conv models.Conversation) error {
	started := time.Now()
	msgs, fetchErr := s.store.ListConversation(ctx, s.cfg.LocalUserID, conv, s.cfg.HistoryLimit)
	s.metrics.ObserveFetch(time.Since(started))

	stale := false
	if err := s.do(context.Background(), func() {
		if gen != s.gen {
			stale = true
			return
		}
		if fetchErr != nil {
			s.rec.fetchFailed()
			return
		}
		for _, msg := range msgs {
			if msg == nil {
				continue
			}
			msg.SenderName = s.displayName(msg.SenderID, fetchedSenderFallback)
			if msg.FromSelf(s.cfg.LocalUserID) && !s.rec.list.contains(msg.ID) {
				s.adopt(msg)
			}
		}
		s.apply(event{kind: eventFetched, msgs: msgs})
	}); err != nil {
		return err
	}

	if stale {
		s.metrics.StaleFetch()
		s.logger.Debug().
			Str("conversation", conv.ID()).
			Uint64("generation", gen).
			Msg("discarded superseded history fetch")
		return nil
	}
	if fetchErr != nil {
		return fmt.Errorf("load %s history: %w", conv.ID(), fetchErr)
	}
	return nil
}

// MarkConversationRead resets counterpartyID's unread count and marks every
// message it sent to the local user read. The reset is kept when the store
// write fails; the following resync restores the true count.
func (s *Session) MarkConversationRead(ctx context.Context, counterpartyID string) error {
	if counterpartyID == "" || counterpartyID == s.cfg.LocalUserID || !s.knows(counterpartyID) {
		return fmt.Errorf("%w: %q", ErrUnknownCounterparty, counterpartyID)
	}
	if err := s.checkRunning(); err != nil {
		return err
	}
	s.ledger.Reset(counterpartyID)
	return s.markConversationRead(ctx, counterpartyID)
}

// MarkMessageRead marks one message addressed to the local user as read.
func (s *Session) MarkMessageRead(ctx context.Context, id string) error {
	if err := s.checkRunning(); err != nil {
		return err
	}
	updated, err := s.store.MarkMessageRead(ctx, id, s.cfg.LocalUserID, s.now())
	if err != nil {
		return fmt.Errorf("mark message %s read: %w", id, err)
	}
	s.applyReceipts([]*models.Message{updated})
	if err := s.ledger.Resync(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("unread resync failed")
	}
	return nil
}

// DeleteMessage deletes id from the store and removes it locally. Only the
// sender or an admin may delete; others get ErrPermissionDenied.
func (s *Session) DeleteMessage(ctx context.Context, id string) error {
	if models.IsProvisional(id) {
		return ErrPendingMessage
	}
	if err := s.checkRunning(); err != nil {
		return err
	}
	removed, err := s.store.Delete(ctx, id, s.cfg.LocalUserID)
	if err != nil {
		return fmt.Errorf("delete message %s: %w", id, err)
	}
	return s.do(context.Background(), func() {
		s.applyDelete(id, removed)
	})
}

// Contacts returns directory entries other than the local user whose name
// or role contains filter, case-insensitively, sorted by role then name.
func (s *Session) Contacts(filter string) []models.Counterparty {
	filter = strings.ToLower(strings.TrimSpace(filter))

	s.dirMu.RLock()
	out := make([]models.Counterparty, 0, len(s.contacts))
	for _, c := range s.contacts {
		if c.ID == s.cfg.LocalUserID {
			continue
		}
		if filter != "" &&
			!strings.Contains(strings.ToLower(c.DisplayName), filter) &&
			!strings.Contains(strings.ToLower(c.Role), filter) {
			continue
		}
		out = append(out, c)
	}
	s.dirMu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		ri, rj := strings.ToLower(out[i].Role), strings.ToLower(out[j].Role)
		if ri != rj {
			return ri < rj
		}
		return strings.ToLower(out[i].DisplayName) < strings.ToLower(out[j].DisplayName)
	})
	return out
}

// DisplayName resolves id through the directory, or returns "".
func (s *Session) DisplayName(id string) string {
	return s.displayName(id, "")
}

// RefreshDirectory reloads the contact list.
func (s *Session) RefreshDirectory(ctx context.Context) error {
	contacts, err := s.directory.List(ctx)
	if err != nil {
		return fmt.Errorf("list directory: %w", err)
	}
	names := make(map[string]string, len(contacts))
	for _, c := range contacts {
		names[c.ID] = c.DisplayName
	}

	s.dirMu.Lock()
	s.contacts = contacts
	s.names = names
	s.dirMu.Unlock()
	s.signal()
	return nil
}

func (s *Session) displayName(id, fallback string) string {
	s.dirMu.RLock()
	defer s.dirMu.RUnlock()
	if name, ok := s.names[id]; ok && name != "" {
		return name
	}
	return fallback
}

// knows reports whether id is in the directory. Before the directory has
// loaded every id is accepted.
func (s *Session) knows(id string) bool {
	s.dirMu.RLock()
	defer s.dirMu.RUnlock()
	if s.contacts == nil {
		return true
	}
	_, ok := s.names[id]
	return ok
}

// refreshDirectoryAsync reloads the directory in the background, at most
// one reload at a time.
func (s *Session) refreshDirectoryAsync() {
	if !s.refreshing.CompareAndSwap(false, true) {
		return
	}
	s.spawn(func(ctx context.Context) {
		defer s.refreshing.Store(false)
		if err := s.RefreshDirectory(ctx); err != nil && ctx.Err() == nil {
			s.logger.Debug().Err(err).Msg("directory refresh failed")
		}
	})
}

// run is the session loop. It is the only goroutine that touches the
// reconciler, the draft and the pending sends.
func (s *Session) run(changes <-chan models.Change) {
	defer s.wg.Done()
	defer close(s.loopDone)

	for {
		select {
		case <-s.ctx.Done():
			return
		case op := <-s.ops:
			changes = s.drain(changes)
			op()
		case change, ok := <-changes:
			if !ok {
				s.logger.Warn().Msg("change feed closed, live updates stopped")
				changes = nil
				continue
			}
			s.handleChange(change)
		}
		if s.dirty {
			s.dirty = false
			s.signal()
		}
	}
}

// drain applies the changes already buffered on changes so an operation
// observes everything delivered before it. Returns nil once the feed closed.
func (s *Session) drain(changes <-chan models.Change) <-chan models.Change {
	for n := len(changes); n > 0; n-- {
		change, ok := <-changes
		if !ok {
			s.logger.Warn().Msg("change feed closed, live updates stopped")
			return nil
		}
		s.handleChange(change)
	}
	return changes
}

// do runs fn on the loop and waits for it to finish.
func (s *Session) do(ctx context.Context, fn func()) error {
	if err := s.checkRunning(); err != nil {
		return err
	}

	done := make(chan struct{})
	op := func() {
		fn()
		close(done)
	}

	select {
	case s.ops <- op:
	case <-s.loopDone:
		return ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-done:
		return nil
	case <-s.loopDone:
		select {
		case <-done:
			return nil
		default:
			return ErrSessionClosed
		}
	}
}

func (s *Session) checkRunning() error {
	switch s.state.Load() {
	case stateNew:
		return ErrNotStarted
	case stateClosed:
		return ErrSessionClosed
	}
	return nil
}

// spawn runs fn in the background bound to the session lifetime.
func (s *Session) spawn(fn func(ctx context.Context)) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn(s.ctx)
	}()
}

func (s *Session) signal() {
	select {
	case s.updates <- struct{}{}:
	default:
	}
}

// handleChange applies one feed notification. Runs on the loop.
func (s *Session) handleChange(change models.Change) {
	ev, ok := classify(change)
	if !ok {
		s.logger.Debug().
			Str("type", string(change.Type)).
			Int64("seq", change.Seq).
			Msg("dropped malformed change")
		s.metrics.EventReconciled(string(change.Type), metrics.OutcomeMalformed)
		return
	}

	var outcome string
	switch ev.kind {
	case eventInserted:
		outcome = s.handleInsert(ev.msg)
	case eventDeleted:
		outcome = s.applyDelete(ev.id, ev.msg)
	default:
		outcome = s.apply(ev)
	}
	s.metrics.EventReconciled(ev.kind.String(), outcome)
}

func (s *Session) handleInsert(msg *models.Message) string {
	local := s.cfg.LocalUserID

	name := s.displayName(msg.SenderID, "")
	if name == "" {
		name = streamedSenderFallback
		s.refreshDirectoryAsync()
	}
	msg.SenderName = name

	if msg.FromSelf(local) && s.rec.relevant(msg) && !s.rec.list.contains(msg.ID) {
		s.adopt(msg)
	}

	outcome := s.apply(event{kind: eventInserted, msg: msg})

	active := s.rec.active
	if outcome == metrics.OutcomeApplied &&
		s.cfg.AutoMarkRead &&
		active.IsDirect() &&
		msg.SenderID == active.CounterpartyID &&
		msg.AddressedTo(local) &&
		!msg.IsRead() {
		counterparty := active.CounterpartyID
		s.spawn(func(ctx context.Context) {
			if err := s.markConversationRead(ctx, counterparty); err != nil && ctx.Err() == nil {
				s.logger.Warn().Err(err).Str("counterparty", counterparty).Msg("auto mark-read failed")
			}
		})
	}
	return outcome
}

// apply feeds ev to the reconciler and records whether the list changed.
// Runs on the loop.
func (s *Session) apply(ev event) string {
	outcome := s.rec.apply(ev)
	if outcome == metrics.OutcomeApplied {
		s.dirty = true
	}
	return outcome
}

// applyDelete removes id locally. When the removed record was an unread
// message for the local user the ledger is resynced. Runs on the loop.
func (s *Session) applyDelete(id string, removed *models.Message) string {
	outcome := s.apply(event{kind: eventDeleted, id: id, msg: removed})
	if removed != nil && removed.AddressedTo(s.cfg.LocalUserID) && !removed.IsRead() {
		s.spawn(func(ctx context.Context) {
			if err := s.ledger.Resync(ctx); err != nil && ctx.Err() == nil {
				s.logger.Warn().Err(err).Msg("unread resync after delete failed")
			}
		})
	}
	return outcome
}

// applyReceipts applies read receipts returned by the store.
func (s *Session) applyReceipts(updated []*models.Message) {
	if len(updated) == 0 {
		return
	}
	_ = s.do(context.Background(), func() {
		for _, msg := range updated {
			if msg == nil {
				continue
			}
			receipt := msg.Clone()
			s.apply(event{kind: eventUpdated, msg: &receipt, id: receipt.ID})
		}
	})
}

// markConversationRead marks everything from counterpartyID to the local
// user read, applies the receipts and resyncs the ledger.
func (s *Session) markConversationRead(ctx context.Context, counterpartyID string) error {
	updated, err := s.store.MarkRead(ctx, counterpartyID, s.cfg.LocalUserID, s.now())
	if err != nil {
		return fmt.Errorf("mark conversation %s read: %w", counterpartyID, err)
	}
	s.applyReceipts(updated)
	return s.ledger.Resync(ctx)
}
