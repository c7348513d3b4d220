package canvas

import "fmt"

// MaxUsers is the number of distinct contributors a canvas can ever have:
// the compact index is a single byte.
const MaxUsers = 256

// UserTable maps durable user IDs to the compact one-byte index stamped into
// records. Entries are never removed or reordered, so an index stays valid
// for the lifetime of the canvas.
type UserTable struct {
	ids   []string
	index map[string]byte
}

// NewUserTable restores a table from its persisted form: the first next
// entries of ids are live.
func NewUserTable(ids []string, next int) (*UserTable, error) {
	if next < 0 || next > len(ids) {
		next = len(ids)
	}
	if next > MaxUsers {
		return nil, fmt.Errorf("%w: persisted table has %d entries", ErrCapacityExceeded, next)
	}
	t := &UserTable{
		ids:   make([]string, 0, next),
		index: make(map[string]byte, next),
	}
	for _, id := range ids[:next] {
		if _, dup := t.index[id]; dup {
			return nil, fmt.Errorf("canvas: duplicate user %q in index table", id)
		}
		t.index[id] = byte(len(t.ids))
		t.ids = append(t.ids, id)
	}
	return t, nil
}

// Lookup returns the index of id if it has one.
func (t *UserTable) Lookup(id string) (byte, bool) {
	idx, ok := t.index[id]
	return idx, ok
}

// Assign returns the existing index of id or gives it the next free slot.
// It reports whether a new slot was taken.
func (t *UserTable) Assign(id string) (byte, bool, error) {
	if idx, ok := t.index[id]; ok {
		return idx, false, nil
	}
	if len(t.ids) >= MaxUsers {
		return 0, false, ErrCapacityExceeded
	}
	idx := byte(len(t.ids))
	t.index[id] = idx
	t.ids = append(t.ids, id)
	return idx, true, nil
}

// Len is the next free slot.
func (t *UserTable) Len() int {
	return len(t.ids)
}

// IDs returns a copy of the table in index order.
func (t *UserTable) IDs() []string {
	return append([]string(nil), t.ids...)
}
