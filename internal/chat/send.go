package chat

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tOgg1/huddle/internal/logging"
	"github.com/tOgg1/huddle/internal/models"
)

const (
	sendOutcomeOK     = "ok"
	sendOutcomeFailed = "error"
)

// Send posts body to the active conversation. A provisional copy is shown
// immediately and the draft is cleared; the copy is replaced by the stored
// record on success. On failure the copy is removed and the draft restored.
func (s *Session) Send(ctx context.Context, body string) (*models.Message, error) {
	if strings.TrimSpace(body) == "" {
		return nil, ErrEmptyBody
	}

	var provisional models.Message
	if err := s.do(ctx, func() {
		provisional = s.addProvisional(body)
	}); err != nil {
		return nil, err
	}

	outgoing := &models.Message{
		Kind:        provisional.Kind,
		SenderID:    provisional.SenderID,
		RecipientID: provisional.RecipientID,
		Body:        body,
		CreatedAt:   provisional.CreatedAt,
	}

	started := time.Now()
	stored, err := s.store.Insert(ctx, outgoing)
	if err != nil {
		s.metrics.ObserveSend(sendOutcomeFailed, time.Since(started))
		_ = s.do(context.Background(), func() {
			s.dropProvisional(provisional.ID)
			s.draft = body
			s.dirty = true
		})
		s.logger.Warn().
			Err(err).
			Str("body", logging.Preview(body)).
			Msg("send failed, draft restored")
		return nil, fmt.Errorf("send message: %w", err)
	}
	s.metrics.ObserveSend(sendOutcomeOK, time.Since(started))

	confirmed := stored.Clone()
	confirmed.SenderName = provisional.SenderName
	confirmed.Pending = false
	_ = s.do(context.Background(), func() {
		s.confirmProvisional(provisional.ID, &confirmed)
	})

	s.logger.Debug().
		Str("id", stored.ID).
		Str("kind", string(stored.Kind)).
		Msg("message sent")
	return stored, nil
}

// addProvisional appends an unconfirmed copy of body to the active list
// and clears the draft. Runs on the loop.
func (s *Session) addProvisional(body string) models.Message {
	local := s.cfg.LocalUserID
	active := s.rec.active

	msg := &models.Message{
		ID:         models.ProvisionalPrefix + uuid.NewString(),
		Kind:       active.Kind,
		SenderID:   local,
		Body:       body,
		CreatedAt:  s.now().UTC(),
		SenderName: s.displayName(local, local),
		Pending:    true,
	}
	if active.IsDirect() {
		msg.RecipientID = active.CounterpartyID
	}

	s.rec.list.insert(msg)
	s.pending = append(s.pending, msg)
	s.draft = ""
	s.dirty = true
	return msg.Clone()
}

// confirmProvisional swaps the provisional entry for the stored record.
// The record is only shown if it still belongs to the active conversation.
// Runs on the loop.
func (s *Session) confirmProvisional(provisionalID string, stored *models.Message) {
	s.dropProvisional(provisionalID)
	if s.rec.relevant(stored) {
		s.rec.list.insert(stored)
	}
	s.dirty = true
}

// dropProvisional forgets a pending send and removes its list entry.
// Runs on the loop.
func (s *Session) dropProvisional(id string) {
	for i, p := range s.pending {
		if p.ID == id {
			s.pending = append(s.pending[:i], s.pending[i+1:]...)
			break
		}
	}
	if _, ok := s.rec.list.remove(id); ok {
		s.dirty = true
	}
}

// adoptWindow bounds how much earlier than its provisional copy a stored
// record may be stamped and still confirm it.
const adoptWindow = time.Minute

// adopt retires the oldest provisional entry that the stored record msg
// confirms: same channel, recipient and body. Runs on the loop.
func (s *Session) adopt(msg *models.Message) bool {
	for _, p := range s.pending {
		if p.Kind != msg.Kind || p.RecipientID != msg.RecipientID || p.Body != msg.Body {
			continue
		}
		if msg.CreatedAt.Before(p.CreatedAt.Add(-adoptWindow)) {
			continue
		}
		if !s.rec.list.contains(p.ID) {
			continue
		}
		s.dropProvisional(p.ID)
		return true
	}
	return false
}
