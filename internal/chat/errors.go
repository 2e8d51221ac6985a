package chat

import (
	"errors"

	"github.com/tOgg1/huddle/internal/db"
)

var (
	ErrEmptyBody           = errors.New("message body is empty")
	ErrNotStarted          = errors.New("chat session not started")
	ErrSessionClosed       = errors.New("chat session closed")
	ErrUnknownCounterparty = errors.New("unknown counterparty")
	ErrPendingMessage      = errors.New("message is not confirmed yet")

	// ErrPermissionDenied is returned when deleting another participant's
	// message without the admin role.
	ErrPermissionDenied = db.ErrPermissionDenied
)
