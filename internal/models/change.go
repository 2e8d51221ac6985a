package models

// ChangeType classifies a change feed entry.
type ChangeType string

const (
	ChangeInsert ChangeType = "insert"
	ChangeUpdate ChangeType = "update"
	ChangeDelete ChangeType = "delete"
)

// Change is one row-level notification for the messages table.
// Inserts carry New, deletes carry Old, updates carry both.
type Change struct {
	// Seq is the position in the store's change log.
	Seq int64 `json:"seq"`

	Type ChangeType `json:"type"`
	Old  *Message   `json:"old,omitempty"`
	New  *Message   `json:"new,omitempty"`
}

// Record returns the message the change is about.
func (c *Change) Record() *Message {
	if c.New != nil {
		return c.New
	}
	return c.Old
}

// MessageID returns the id of the affected message, or "".
func (c *Change) MessageID() string {
	if rec := c.Record(); rec != nil {
		return rec.ID
	}
	return ""
}

// Valid reports whether the change carries what its type requires.
func (c *Change) Valid() bool {
	switch c.Type {
	case ChangeInsert, ChangeUpdate:
		return c.New != nil && c.New.ID != ""
	case ChangeDelete:
		return c.MessageID() != ""
	default:
		return false
	}
}
