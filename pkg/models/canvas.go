package models

import "time"

// Canvas is the durable metadata record of a shared drawing surface. The
// drawn content itself lives in a snapshot blob keyed by the same ID.
type Canvas struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`

	// Users is the compact user index table: the position of a user ID is
	// the one-byte index stamped into every record that user draws.
	Users []string `json:"users"`

	// UserIndex is the next free slot in Users.
	UserIndex int `json:"user_index"`

	LastEditor string    `json:"last_editor,omitempty"`
	LastEdited time.Time `json:"last_edited"`
	CreatedAt  time.Time `json:"created_at"`
}

// Clone returns a deep copy so callers can hand records across goroutines.
func (c *Canvas) Clone() *Canvas {
	if c == nil {
		return nil
	}
	out := *c
	out.Users = append([]string(nil), c.Users...)
	return &out
}
