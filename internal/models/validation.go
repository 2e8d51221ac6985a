package models

import (
	"errors"
	"fmt"
	"strings"
)

// Message validation errors.
var (
	ErrInvalidMessage   = errors.New("invalid message")
	ErrEmptyBody        = errors.New("message body is empty")
	ErrInvalidChannel   = errors.New("invalid channel kind")
	ErrMissingSender    = errors.New("sender is required")
	ErrMissingRecipient = errors.New("direct message requires a recipient")
	ErrUnexpectedTarget = errors.New("broadcast message cannot have a recipient")
	ErrSelfMessage      = errors.New("cannot send a direct message to yourself")
)

// MaxBodyLength caps the message body in bytes.
const MaxBodyLength = 4000

// ValidateOutgoing checks a message before it is persisted.
func (m *Message) ValidateOutgoing() error {
	validation := &ValidationErrors{}

	if strings.TrimSpace(m.SenderID) == "" {
		validation.Add("sender_id", ErrMissingSender)
	}
	if strings.TrimSpace(m.Body) == "" {
		validation.Add("body", ErrEmptyBody)
	} else if len(m.Body) > MaxBodyLength {
		validation.Add("body", fmt.Errorf("%w: exceeds %d bytes", ErrInvalidMessage, MaxBodyLength))
	}

	switch m.Kind {
	case ChannelBroadcast:
		if m.RecipientID != "" {
			validation.Add("recipient_id", ErrUnexpectedTarget)
		}
	case ChannelDirect:
		switch {
		case strings.TrimSpace(m.RecipientID) == "":
			validation.Add("recipient_id", ErrMissingRecipient)
		case m.RecipientID == m.SenderID:
			validation.Add("recipient_id", ErrSelfMessage)
		}
	default:
		validation.Add("channel_kind", fmt.Errorf("%w: %q", ErrInvalidChannel, m.Kind))
	}

	return validation.Err()
}

// ValidationError represents a single validation failure.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Cause   error  `json:"-"`
}

func (v ValidationError) Error() string {
	if v.Field == "" {
		return v.Message
	}
	return fmt.Sprintf("%s: %s", v.Field, v.Message)
}

// ValidationErrors aggregates multiple validation failures.
type ValidationErrors struct {
	Errors []ValidationError `json:"errors"`
}

// Add records a validation error for a field.
func (v *ValidationErrors) Add(field string, err error) {
	if err == nil {
		return
	}

	var nested *ValidationErrors
	if errors.As(err, &nested) {
		for _, sub := range nested.Errors {
			v.Errors = append(v.Errors, ValidationError{
				Field:   joinField(field, sub.Field),
				Message: sub.Message,
				Cause:   sub.Cause,
			})
		}
		return
	}

	v.Errors = append(v.Errors, ValidationError{
		Field:   field,
		Message: err.Error(),
		Cause:   err,
	})
}

// AddMessage records a validation error with a custom message.
func (v *ValidationErrors) AddMessage(field, message string) {
	if message == "" {
		return
	}
	v.Errors = append(v.Errors, ValidationError{Field: field, Message: message})
}

// Err returns nil if there are no errors, otherwise returns the validation error.
func (v *ValidationErrors) Err() error {
	if v == nil || len(v.Errors) == 0 {
		return nil
	}
	return v
}

// Error implements error.
func (v *ValidationErrors) Error() string {
	if v == nil || len(v.Errors) == 0 {
		return "validation failed"
	}
	if len(v.Errors) == 1 {
		return v.Errors[0].Error()
	}

	var builder strings.Builder
	for i, err := range v.Errors {
		if i > 0 {
			builder.WriteString("; ")
		}
		builder.WriteString(err.Error())
	}

	return builder.String()
}

// Is allows errors.Is to match nested validation errors.
func (v *ValidationErrors) Is(target error) bool {
	if v == nil {
		return false
	}
	for _, err := range v.Errors {
		if err.Cause != nil && errors.Is(err.Cause, target) {
			return true
		}
	}
	return false
}

func joinField(prefix, field string) string {
	switch {
	case prefix == "":
		return field
	case field == "":
		return prefix
	default:
		return prefix + "." + field
	}
}
