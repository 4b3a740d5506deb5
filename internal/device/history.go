package device

import "time"

// Action is the kind of a history entry.
type Action string

const (
	ActionOn  Action = "on"
	ActionOff Action = "off"
)

// Entry is one on/off transition in a device's history.
type Entry struct {
	Timestamp time.Time `json:"timestamp"`
	Action    Action    `json:"action"`
}

// ring is a fixed-capacity FIFO buffer of history entries. When full, the
// oldest entry is evicted.
type ring struct {
	entries []Entry
	head    int
	count   int
}

func newRing(capacity int) *ring {
	if capacity < 1 {
		capacity = 1
	}
	return &ring{entries: make([]Entry, capacity)}
}

func (r *ring) append(e Entry) {
	tail := (r.head + r.count) % len(r.entries)
	r.entries[tail] = e
	if r.count < len(r.entries) {
		r.count++
	} else {
		r.head = (r.head + 1) % len(r.entries)
	}
}

func (r *ring) len() int {
	return r.count
}

// each visits entries oldest-first.
func (r *ring) each(fn func(Entry)) {
	for i := 0; i < r.count; i++ {
		fn(r.entries[(r.head+i)%len(r.entries)])
	}
}

// snapshot copies the entries oldest-first.
func (r *ring) snapshot() []Entry {
	out := make([]Entry, 0, r.count)
	r.each(func(e Entry) { out = append(out, e) })
	return out
}
