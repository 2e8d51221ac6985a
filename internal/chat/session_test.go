package chat

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tOgg1/huddle/internal/logging"
	"github.com/tOgg1/huddle/internal/models"
)

func TestNewSessionValidation(t *testing.T) {
	store := newFakeStore(newTestClock())
	_, err := NewSession(Config{}, store, &fakeDirectory{}, newFakeFeed())
	require.Error(t, err)

	_, err = NewSession(DefaultConfig(alice), nil, &fakeDirectory{}, newFakeFeed())
	require.Error(t, err)

	s, err := NewSession(Config{LocalUserID: alice}, store, &fakeDirectory{}, newFakeFeed())
	require.NoError(t, err)
	require.Equal(t, 100, s.cfg.HistoryLimit)
}

func TestOperationsBeforeStart(t *testing.T) {
	h := newHarness(t)
	s, err := NewSession(DefaultConfig(alice), h.store, h.dir, h.feed, WithLogger(logging.Nop()))
	require.NoError(t, err)

	_, err = s.Send(context.Background(), "hi")
	require.ErrorIs(t, err, ErrNotStarted)
	require.ErrorIs(t, s.SelectConversation(context.Background(), models.Broadcast()), ErrNotStarted)
	require.ErrorIs(t, s.DeleteMessage(context.Background(), "m001"), ErrNotStarted)
	require.Nil(t, s.ActiveMessages())

	require.NoError(t, s.Close())
	<-s.Done()
	require.ErrorIs(t, s.Start(context.Background()), ErrSessionClosed)
}

func TestStartFailsWhenFeedUnavailable(t *testing.T) {
	h := newHarness(t)
	h.feed.err = errors.New("broker down")
	s, err := NewSession(DefaultConfig(alice), h.store, h.dir, h.feed, WithLogger(logging.Nop()))
	require.NoError(t, err)
	require.ErrorContains(t, s.Start(context.Background()), "broker down")
}

func TestStartResyncsLedger(t *testing.T) {
	h := newHarness(t)
	h.direct(bob, alice, "one")
	h.direct(bob, alice, "two")
	h.direct(carol, alice, "three")
	h.direct(alice, bob, "mine")

	s := h.start()
	require.Equal(t, map[string]int{bob: 2, carol: 1}, s.UnreadCounts())
	require.Equal(t, 3, s.UnreadTotal())
}

func TestSelectBroadcastLoadsHistory(t *testing.T) {
	h := newHarness(t)
	first := h.broadcast(bob, "first")
	h.direct(bob, alice, "private")
	second := h.broadcast("ghost", "second")
	third := h.broadcast(alice, "third")

	s := h.start()
	h.selectConv(models.Broadcast())

	msgs := s.ActiveMessages()
	require.Equal(t, []string{first.ID, second.ID, third.ID}, ids(msgs))
	require.Equal(t, "Bob", msgs[0].SenderName)
	require.Equal(t, "Unknown", msgs[1].SenderName)
	require.Equal(t, "Alice", msgs[2].SenderName)
	require.True(t, msgs[2].FromSelf(alice))
	require.Equal(t, models.Broadcast(), s.Active())
}

func TestSelectLoadsMostRecentWindow(t *testing.T) {
	h := newHarness(t)
	for i := 0; i < 5; i++ {
		h.broadcast(bob, string(rune('a'+i)))
	}

	s := h.start(func(cfg *Config) { cfg.HistoryLimit = 3 })
	h.selectConv(models.Broadcast())
	require.Equal(t, []string{"c", "d", "e"}, bodies(s.ActiveMessages()))
}

func TestSelectDirectShowsOnlyThatPair(t *testing.T) {
	h := newHarness(t)
	in := h.direct(bob, alice, "hi alice")
	out := h.direct(alice, bob, "hi bob")
	h.direct(carol, alice, "other")
	h.direct(bob, carol, "not mine")
	h.broadcast(bob, "public")

	s := h.start()
	h.selectConv(models.Direct(bob))

	msgs := s.ActiveMessages()
	require.Equal(t, []string{in.ID, out.ID}, ids(msgs))
}

func TestSelectDirectResetsLedgerBeforeSweepCompletes(t *testing.T) {
	h := newHarness(t)
	first := h.direct(bob, alice, "one")
	h.direct(bob, alice, "two")

	s := h.start()
	require.Equal(t, 2, s.Ledger().Count(bob))

	gate := make(chan struct{})
	h.store.mu.Lock()
	h.store.markGate = gate
	h.store.mu.Unlock()

	done := make(chan error, 1)
	go func() { done <- s.SelectConversation(context.Background(), models.Direct(bob)) }()

	eventually(t, func() bool { return s.Ledger().Count(bob) == 0 }, "ledger reset")
	eventually(t, func() bool { return len(s.ActiveMessages()) == 2 }, "history loaded")
	select {
	case err := <-done:
		t.Fatalf("select returned before mark-read finished: %v", err)
	default:
	}

	close(gate)
	require.NoError(t, <-done)

	require.NotNil(t, h.store.find(first.ID).ReadAt)
	eventually(t, func() bool {
		msgs := s.ActiveMessages()
		return len(msgs) == 2 && msgs[0].IsRead() && msgs[1].IsRead()
	}, "receipts applied")
	require.Equal(t, 0, s.UnreadTotal())
}

func TestSelectDirectKeepsResetWhenSweepFails(t *testing.T) {
	h := newHarness(t)
	h.direct(bob, alice, "one")

	s := h.start()
	require.Equal(t, 1, s.Ledger().Count(bob))

	markErr := errors.New("disk full")
	h.store.mu.Lock()
	h.store.markErr = markErr
	h.store.mu.Unlock()

	err := s.SelectConversation(context.Background(), models.Direct(bob))
	require.ErrorIs(t, err, markErr)
	require.Equal(t, models.Direct(bob), s.Active())
	require.Equal(t, 0, s.Ledger().Count(bob))
	require.Len(t, s.ActiveMessages(), 1)
}

func TestSelectUnknownCounterparty(t *testing.T) {
	h := newHarness(t)
	s := h.start()

	err := s.SelectConversation(context.Background(), models.Direct("mallory"))
	require.ErrorIs(t, err, ErrUnknownCounterparty)
	err = s.SelectConversation(context.Background(), models.Direct(alice))
	require.ErrorIs(t, err, ErrUnknownCounterparty)
	require.Equal(t, models.Broadcast(), s.Active())
}

func TestSelectFetchErrorLeavesListEmpty(t *testing.T) {
	h := newHarness(t)
	h.broadcast(bob, "hidden")
	h.store.listErr = errors.New("connection reset")

	s := h.start()
	err := s.SelectConversation(context.Background(), models.Broadcast())
	require.ErrorContains(t, err, "connection reset")
	require.Empty(t, s.ActiveMessages())
	require.Equal(t, models.Broadcast(), s.Active())

	// Live events still land in the conversation.
	h.feed.push(insertChange(&models.Message{
		ID: "live", Kind: models.ChannelBroadcast, SenderID: bob, Body: "after", CreatedAt: h.clock.Now(),
	}))
	eventually(t, func() bool { return len(s.ActiveMessages()) == 1 }, "live insert applied")
}

func TestStaleFetchIsDiscarded(t *testing.T) {
	h := newHarness(t)
	h.direct(bob, alice, "from bob")
	fromCarol := h.direct(carol, alice, "from carol")

	s := h.start()
	gate := h.store.gateList(bob)

	slow := make(chan error, 1)
	go func() { slow <- s.SelectConversation(context.Background(), models.Direct(bob)) }()
	require.Equal(t, bob, <-h.store.listCalls)

	h.selectConv(models.Direct(carol))
	require.Equal(t, carol, <-h.store.listCalls)
	require.Equal(t, []string{fromCarol.ID}, ids(s.ActiveMessages()))

	close(gate)
	require.NoError(t, <-slow)

	require.Equal(t, models.Direct(carol), s.Active())
	require.Equal(t, []string{fromCarol.ID}, ids(s.ActiveMessages()))
}

func TestStreamInsertRelevantIsDeduplicated(t *testing.T) {
	h := newHarness(t)
	s := h.start()
	h.selectConv(models.Broadcast())

	msg := &models.Message{ID: "live-1", Kind: models.ChannelBroadcast, SenderID: bob, Body: "hey", CreatedAt: h.clock.Now()}
	h.feed.push(insertChange(msg))
	h.feed.push(insertChange(msg))
	late := &models.Message{ID: "live-2", Kind: models.ChannelBroadcast, SenderID: "stranger", Body: "late", CreatedAt: h.clock.Now()}
	h.feed.push(insertChange(late))

	eventually(t, func() bool { return len(s.ActiveMessages()) == 2 }, "inserts applied")
	msgs := s.ActiveMessages()
	require.Equal(t, []string{"live-1", "live-2"}, ids(msgs))
	require.Equal(t, "Bob", msgs[0].SenderName)
	require.Equal(t, "...", msgs[1].SenderName)
}

func TestStreamInsertOutOfOrderKeepsOrdering(t *testing.T) {
	h := newHarness(t)
	s := h.start()
	h.selectConv(models.Broadcast())

	base := h.clock.Now()
	h.feed.push(insertChange(&models.Message{ID: "c", Kind: models.ChannelBroadcast, SenderID: bob, CreatedAt: base.Add(3 * time.Second)}))
	h.feed.push(insertChange(&models.Message{ID: "a", Kind: models.ChannelBroadcast, SenderID: bob, CreatedAt: base.Add(1 * time.Second)}))
	h.feed.push(insertChange(&models.Message{ID: "b2", Kind: models.ChannelBroadcast, SenderID: bob, CreatedAt: base.Add(2 * time.Second)}))
	h.feed.push(insertChange(&models.Message{ID: "b1", Kind: models.ChannelBroadcast, SenderID: bob, CreatedAt: base.Add(2 * time.Second)}))

	eventually(t, func() bool { return len(s.ActiveMessages()) == 4 }, "inserts applied")
	require.Equal(t, []string{"a", "b1", "b2", "c"}, ids(s.ActiveMessages()))
}

func TestStreamInsertFetchOverlapShowsOneCopy(t *testing.T) {
	h := newHarness(t)
	existing := h.broadcast(bob, "seen twice")

	s := h.start()
	gate := h.store.gateList(models.BroadcastID)
	done := make(chan error, 1)
	go func() { done <- s.SelectConversation(context.Background(), models.Broadcast()) }()
	<-h.store.listCalls

	h.feed.push(insertChange(existing))
	eventually(t, func() bool { return len(s.ActiveMessages()) == 1 }, "stream insert applied")

	close(gate)
	require.NoError(t, <-done)
	require.Equal(t, []string{existing.ID}, ids(s.ActiveMessages()))
}

func TestStreamInsertBackgroundIncrementsLedger(t *testing.T) {
	h := newHarness(t)
	s := h.start()
	h.selectConv(models.Broadcast())

	h.feed.push(insertChange(&models.Message{ID: "d1", Kind: models.ChannelDirect, SenderID: carol, RecipientID: alice, Body: "psst", CreatedAt: h.clock.Now()}))
	h.feed.push(insertChange(&models.Message{ID: "d2", Kind: models.ChannelDirect, SenderID: alice, RecipientID: carol, Body: "elsewhere", CreatedAt: h.clock.Now()}))
	h.feed.push(insertChange(&models.Message{ID: "d3", Kind: models.ChannelDirect, SenderID: bob, RecipientID: carol, Body: "not for me", CreatedAt: h.clock.Now()}))

	eventually(t, func() bool { return s.Ledger().Count(carol) == 1 }, "ledger incremented")
	require.Equal(t, 1, s.UnreadTotal())
	require.Empty(t, s.ActiveMessages())
}

func TestStreamInsertBackgroundRedeliveryCountsOnce(t *testing.T) {
	h := newHarness(t)
	s := h.start()
	h.selectConv(models.Broadcast())

	msg := &models.Message{ID: "d1", Kind: models.ChannelDirect, SenderID: carol, RecipientID: alice, Body: "psst", CreatedAt: h.clock.Now()}
	h.feed.push(insertChange(msg))
	h.feed.push(insertChange(msg))
	h.feed.push(insertChange(msg))

	s.SetDraft("sync")
	require.Equal(t, 1, s.Ledger().Count(carol))
	require.Equal(t, 1, s.UnreadTotal())
}

func TestStreamUpdateAppliesReadReceipt(t *testing.T) {
	h := newHarness(t)
	mine := h.direct(alice, bob, "did you see this")

	s := h.start()
	h.selectConv(models.Direct(bob))
	require.False(t, s.ActiveMessages()[0].IsRead())

	readAt := h.clock.Now()
	next := mine.Clone()
	next.ReadAt = &readAt
	h.feed.push(models.Change{Type: models.ChangeUpdate, Old: mine, New: &next})

	eventually(t, func() bool { return s.ActiveMessages()[0].IsRead() }, "receipt applied")

	// A later update without read_at never clears it.
	cleared := mine.Clone()
	h.feed.push(models.Change{Type: models.ChangeUpdate, Old: &next, New: &cleared})
	h.feed.push(models.Change{Type: models.ChangeUpdate, New: &models.Message{ID: "unknown", Kind: models.ChannelDirect, ReadAt: &readAt}})
	s.SetDraft("sync")
	require.True(t, s.ActiveMessages()[0].IsRead())
	require.Equal(t, 0, s.UnreadTotal())
}

func TestStreamDeleteRemovesAnyKind(t *testing.T) {
	h := newHarness(t)
	theirs := h.broadcast(bob, "theirs")
	mine := h.broadcast(alice, "mine")

	s := h.start()
	h.selectConv(models.Broadcast())

	h.feed.push(models.Change{Type: models.ChangeDelete, Old: theirs})
	eventually(t, func() bool { return len(s.ActiveMessages()) == 1 }, "delete applied")
	require.Equal(t, []string{mine.ID}, ids(s.ActiveMessages()))

	// Deletes of unknown ids are ignored.
	h.feed.push(models.Change{Type: models.ChangeDelete, Old: &models.Message{ID: "nope"}})
	s.SetDraft("sync")
	require.Len(t, s.ActiveMessages(), 1)
}

func TestStreamDeleteDuringFetchIsNotResurrected(t *testing.T) {
	h := newHarness(t)
	doomed := h.broadcast(bob, "doomed")
	kept := h.broadcast(bob, "kept")

	s := h.start()
	gate := h.store.gateList(models.BroadcastID)
	done := make(chan error, 1)
	go func() { done <- s.SelectConversation(context.Background(), models.Broadcast()) }()
	<-h.store.listCalls

	h.feed.push(models.Change{Type: models.ChangeDelete, Old: doomed})
	s.SetDraft("sync")

	close(gate)
	require.NoError(t, <-done)
	require.Equal(t, []string{kept.ID}, ids(s.ActiveMessages()))
}

func TestMalformedChangesAreDropped(t *testing.T) {
	h := newHarness(t)
	s := h.start()
	h.selectConv(models.Broadcast())

	h.feed.push(models.Change{Type: "truncate"})
	h.feed.push(models.Change{Type: models.ChangeInsert})
	h.feed.push(models.Change{Type: models.ChangeInsert, New: &models.Message{Kind: models.ChannelBroadcast}})
	h.feed.push(models.Change{Type: models.ChangeDelete})
	h.feed.push(insertChange(&models.Message{ID: "ok", Kind: models.ChannelBroadcast, SenderID: bob, CreatedAt: h.clock.Now()}))

	eventually(t, func() bool { return len(s.ActiveMessages()) == 1 }, "valid insert applied")
	require.Equal(t, []string{"ok"}, ids(s.ActiveMessages()))
}

func TestAutoMarkReadWhileConversationOpen(t *testing.T) {
	h := newHarness(t)
	h.echo()
	s := h.start()
	h.selectConv(models.Direct(bob))

	// bob writes through the store; the echo delivers it to alice's feed.
	msg, err := h.store.Insert(context.Background(), &models.Message{
		Kind: models.ChannelDirect, SenderID: bob, RecipientID: alice, Body: "you there?",
	})
	require.NoError(t, err)

	eventually(t, func() bool {
		stored := h.store.find(msg.ID)
		return stored != nil && stored.IsRead()
	}, "store marked read")
	eventually(t, func() bool {
		msgs := s.ActiveMessages()
		return len(msgs) == 1 && msgs[0].IsRead()
	}, "receipt applied")
	require.Equal(t, 0, s.Ledger().Count(bob))
}

func TestAutoMarkReadDisabled(t *testing.T) {
	h := newHarness(t)
	s := h.start(func(cfg *Config) { cfg.AutoMarkRead = false })
	h.selectConv(models.Direct(bob))

	msg := h.direct(bob, alice, "unread")
	h.feed.push(insertChange(msg))
	eventually(t, func() bool { return len(s.ActiveMessages()) == 1 }, "insert applied")

	h.store.mu.Lock()
	calls := h.store.markCalls
	h.store.mu.Unlock()
	require.Equal(t, 1, calls)
	require.False(t, h.store.find(msg.ID).IsRead())
}

func TestSendOptimisticThenConfirmed(t *testing.T) {
	h := newHarness(t)
	s := h.start()
	h.selectConv(models.Direct(bob))
	s.SetDraft("hello bob")

	gate := make(chan struct{})
	h.store.insertGate = gate

	type result struct {
		msg *models.Message
		err error
	}
	done := make(chan result, 1)
	go func() {
		msg, err := s.Send(context.Background(), "hello bob")
		done <- result{msg, err}
	}()

	eventually(t, func() bool { return len(s.ActiveMessages()) == 1 }, "provisional shown")
	provisional := s.ActiveMessages()[0]
	require.True(t, provisional.Pending)
	require.True(t, models.IsProvisional(provisional.ID))
	require.Equal(t, bob, provisional.RecipientID)
	require.Equal(t, "", s.Draft())

	close(gate)
	res := <-done
	require.NoError(t, res.err)

	msgs := s.ActiveMessages()
	require.Len(t, msgs, 1)
	require.Equal(t, res.msg.ID, msgs[0].ID)
	require.False(t, msgs[0].Pending)
	require.Equal(t, "Alice", msgs[0].SenderName)

	// The stream echo of the confirmed record is a duplicate.
	h.feed.push(insertChange(res.msg))
	s.SetDraft("sync")
	require.Equal(t, []string{res.msg.ID}, ids(s.ActiveMessages()))
}

func TestSendStreamEchoAdoptsProvisional(t *testing.T) {
	h := newHarness(t)
	h.echo()
	s := h.start()
	h.selectConv(models.Broadcast())

	gate := make(chan struct{})
	h.store.insertGate = gate

	done := make(chan error, 1)
	go func() {
		_, err := s.Send(context.Background(), "race me")
		done <- err
	}()

	// The echo lands while Insert is still blocked.
	eventually(t, func() bool {
		msgs := s.ActiveMessages()
		return len(msgs) == 1 && !msgs[0].Pending
	}, "provisional adopted by stream record")

	close(gate)
	require.NoError(t, <-done)

	msgs := s.ActiveMessages()
	require.Len(t, msgs, 1)
	require.False(t, models.IsProvisional(msgs[0].ID))
}

func TestSendRedeliveredEchoLeavesNewProvisional(t *testing.T) {
	h := newHarness(t)
	s := h.start()
	h.selectConv(models.Broadcast())

	first, err := s.Send(context.Background(), "ok")
	require.NoError(t, err)
	require.Equal(t, []string{first.ID}, ids(s.ActiveMessages()))

	gate := make(chan struct{})
	h.store.mu.Lock()
	h.store.insertGate = gate
	h.store.mu.Unlock()

	done := make(chan error, 1)
	go func() {
		_, err := s.Send(context.Background(), "ok")
		done <- err
	}()
	eventually(t, func() bool { return len(s.ActiveMessages()) == 2 }, "second provisional shown")

	// A late copy of the first record matches the pending body but is
	// already listed.
	h.feed.push(insertChange(first))
	s.SetDraft("sync")

	msgs := s.ActiveMessages()
	require.Len(t, msgs, 2)
	require.Equal(t, first.ID, msgs[0].ID)
	require.True(t, msgs[1].Pending)
	require.True(t, models.IsProvisional(msgs[1].ID))

	close(gate)
	require.NoError(t, <-done)
	msgs = s.ActiveMessages()
	require.Len(t, msgs, 2)
	require.False(t, msgs[1].Pending)
	require.NotEqual(t, first.ID, msgs[1].ID)
}

func TestFetchSendsAndStreamShowEachRecordOnce(t *testing.T) {
	h := newHarness(t)
	h.echo()
	existing := h.broadcast(bob, "earlier")

	s := h.start()
	gate := h.store.gateList(models.BroadcastID)
	selected := make(chan error, 1)
	go func() { selected <- s.SelectConversation(context.Background(), models.Broadcast()) }()
	<-h.store.listCalls

	h.feed.push(insertChange(existing))
	h.feed.push(insertChange(existing))

	var sent []*models.Message
	for i := 0; i < 3; i++ {
		msg, err := s.Send(context.Background(), "same body")
		require.NoError(t, err)
		sent = append(sent, msg)
	}
	for _, msg := range append(sent, existing) {
		h.feed.push(insertChange(msg))
		h.feed.push(insertChange(msg))
	}

	close(gate)
	require.NoError(t, <-selected)
	h.feed.push(insertChange(sent[0]))
	s.SetDraft("sync")

	msgs := s.ActiveMessages()
	want := []string{existing.ID, sent[0].ID, sent[1].ID, sent[2].ID}
	require.Equal(t, want, ids(msgs))
	for _, msg := range msgs {
		require.False(t, msg.Pending)
	}
}

func TestSendFailureRestoresDraft(t *testing.T) {
	h := newHarness(t)
	h.broadcast(bob, "earlier")
	s := h.start()
	h.selectConv(models.Broadcast())

	storeErr := errors.New("network unreachable")
	h.store.insertErr = storeErr
	s.SetDraft("lost words")

	_, err := s.Send(context.Background(), "lost words")
	require.ErrorIs(t, err, storeErr)
	require.Equal(t, "lost words", s.Draft())
	require.Equal(t, []string{"earlier"}, bodies(s.ActiveMessages()))
}

func TestSendRejectsEmptyBody(t *testing.T) {
	h := newHarness(t)
	s := h.start()

	_, err := s.Send(context.Background(), "  \n\t")
	require.ErrorIs(t, err, ErrEmptyBody)
	require.Empty(t, s.ActiveMessages())
}

func TestSendAfterSwitchDoesNotLeak(t *testing.T) {
	h := newHarness(t)
	s := h.start()
	h.selectConv(models.Direct(bob))

	gate := make(chan struct{})
	h.store.insertGate = gate
	done := make(chan error, 1)
	go func() {
		_, err := s.Send(context.Background(), "for bob")
		done <- err
	}()
	eventually(t, func() bool { return len(s.ActiveMessages()) == 1 }, "provisional shown")

	h.selectConv(models.Direct(carol))
	close(gate)
	require.NoError(t, <-done)
	require.Empty(t, s.ActiveMessages())
}

func TestDeleteMessage(t *testing.T) {
	h := newHarness(t)
	mine := h.broadcast(alice, "mine")
	theirs := h.broadcast(bob, "theirs")

	s := h.start()
	h.selectConv(models.Broadcast())

	err := s.DeleteMessage(context.Background(), theirs.ID)
	require.ErrorIs(t, err, ErrPermissionDenied)
	require.Len(t, s.ActiveMessages(), 2)

	require.NoError(t, s.DeleteMessage(context.Background(), mine.ID))
	require.Equal(t, []string{theirs.ID}, ids(s.ActiveMessages()))

	// The stream's own delete event is a no-op now.
	h.feed.push(models.Change{Type: models.ChangeDelete, Old: mine})
	s.SetDraft("sync")
	require.Equal(t, []string{theirs.ID}, ids(s.ActiveMessages()))

	require.ErrorIs(t, s.DeleteMessage(context.Background(), "local-123"), ErrPendingMessage)
}

func TestAdminDeleteOfUnreadResyncsLedger(t *testing.T) {
	h := newHarness(t)
	h.direct(carol, root, "one")
	doomed := h.direct(carol, root, "two")

	s, err := NewSession(DefaultConfig(root), h.store, h.dir, h.feed, WithLogger(logging.Nop()))
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() { _ = s.Close() })
	require.Equal(t, 2, s.Ledger().Count(carol))

	require.NoError(t, s.DeleteMessage(context.Background(), doomed.ID))
	eventually(t, func() bool { return s.Ledger().Count(carol) == 1 }, "ledger resynced")
}

func TestMarkMessageRead(t *testing.T) {
	h := newHarness(t)
	msg := h.direct(bob, alice, "read me")
	h.direct(bob, alice, "later")

	s := h.start()
	require.Equal(t, 2, s.Ledger().Count(bob))

	require.NoError(t, s.MarkMessageRead(context.Background(), msg.ID))
	require.True(t, h.store.find(msg.ID).IsRead())
	require.Equal(t, 1, s.Ledger().Count(bob))

	require.Error(t, s.MarkMessageRead(context.Background(), "missing"))
}

func TestMarkConversationRead(t *testing.T) {
	h := newHarness(t)
	first := h.direct(bob, alice, "one")
	second := h.direct(bob, alice, "two")
	other := h.direct(carol, alice, "not yet")

	s := h.start(func(cfg *Config) { cfg.AutoMarkRead = false })
	h.selectConv(models.Broadcast())
	require.Equal(t, 3, s.UnreadTotal())

	require.NoError(t, s.MarkConversationRead(context.Background(), bob))
	require.True(t, h.store.find(first.ID).IsRead())
	require.True(t, h.store.find(second.ID).IsRead())
	require.False(t, h.store.find(other.ID).IsRead())
	require.Equal(t, 0, s.Ledger().Count(bob))
	require.Equal(t, 1, s.Ledger().Count(carol))
	require.Equal(t, models.Broadcast(), s.Active())

	err := s.MarkConversationRead(context.Background(), "mallory")
	require.ErrorIs(t, err, ErrUnknownCounterparty)
	err = s.MarkConversationRead(context.Background(), alice)
	require.ErrorIs(t, err, ErrUnknownCounterparty)
}

func TestMarkConversationReadReportsStoreError(t *testing.T) {
	h := newHarness(t)
	h.direct(carol, alice, "unread")
	s := h.start()
	require.Equal(t, 1, s.Ledger().Count(carol))

	markErr := errors.New("database is locked")
	h.store.mu.Lock()
	h.store.markErr = markErr
	h.store.mu.Unlock()

	err := s.MarkConversationRead(context.Background(), carol)
	require.ErrorIs(t, err, markErr)
	require.ErrorContains(t, err, "mark conversation carol read")
}

func TestContacts(t *testing.T) {
	h := newHarness(t)
	h.dir.add(models.Counterparty{ID: "dave", DisplayName: "Dave", Role: models.RoleAdmin})
	s := h.start()

	all := s.Contacts("")
	names := make([]string, 0, len(all))
	for _, c := range all {
		names = append(names, c.DisplayName)
	}
	require.Equal(t, []string{"Dave", "Root", "Bob", "carol"}, names)

	filtered := s.Contacts("ADM")
	require.Len(t, filtered, 2)
	require.Equal(t, "Dave", filtered[0].DisplayName)

	require.Len(t, s.Contacts("car"), 1)
	require.Empty(t, s.Contacts("alice"))
}

func TestUpdatesSignalOnChange(t *testing.T) {
	h := newHarness(t)
	s := h.start()

	// Drain whatever start produced.
	select {
	case <-s.Updates():
	default:
	}

	h.feed.push(insertChange(&models.Message{ID: "x", Kind: models.ChannelBroadcast, SenderID: bob, CreatedAt: h.clock.Now()}))
	select {
	case <-s.Updates():
	case <-time.After(2 * time.Second):
		t.Fatal("no update signal")
	}
}

func TestCloseStopsReconciling(t *testing.T) {
	h := newHarness(t)
	s := h.start()
	h.selectConv(models.Broadcast())

	require.NoError(t, s.Close())
	require.True(t, h.feed.isCancelled())
	<-s.Done()

	h.feed.push(insertChange(&models.Message{ID: "late", Kind: models.ChannelBroadcast, SenderID: bob, CreatedAt: h.clock.Now()}))
	require.Nil(t, s.ActiveMessages())

	_, err := s.Send(context.Background(), "anyone?")
	require.ErrorIs(t, err, ErrSessionClosed)
	require.NoError(t, s.Close())
}
