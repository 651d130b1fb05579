// Package timer implements the per-shard timer wheel that drives
// retransmission, delayed ACK, keepalive, TIME_WAIT expiry, and zero-window
// probing. A wheel belongs to exactly one shard and is only touched from
// that shard's goroutine, so it needs no locking.
package timer

import "time"

// Kind classifies a scheduled event. A connection has at most one active
// entry per kind; scheduling a kind again supersedes the previous entry.
type Kind int

// Timer kinds.
const (
	Retransmit Kind = iota
	DelayedAck
	Keepalive
	TimeWait
	ZeroWindowProbe
	NumKinds
)

func (k Kind) String() string {
	switch k {
	case Retransmit:
		return "retransmit"
	case DelayedAck:
		return "delayed-ack"
	case Keepalive:
		return "keepalive"
	case TimeWait:
		return "time-wait"
	case ZeroWindowProbe:
		return "zero-window-probe"
	}
	return "unknown"
}

// Entry is one scheduled event. The wheel owns entries; holders keep the
// pointer only as a cancellation token. Owner is an opaque reference to the
// connection the event belongs to, kept as an index-friendly handle so the
// wheel never owns connection state.
type Entry struct {
	Kind     Kind
	Owner    interface{}
	Deadline time.Time

	rounds int
	active bool
}

// Active reports whether the entry is still pending.
func (e *Entry) Active() bool { return e != nil && e.active }

// Wheel is a discrete-time hashed timer wheel.
type Wheel struct {
	tick  time.Duration
	slots [][]*Entry
	cur   int
	now   time.Time // time of the last processed tick
}

// NewWheel creates a wheel with the given tick granularity and slot count,
// anchored at start.
func NewWheel(tick time.Duration, slots int, start time.Time) *Wheel {
	if tick <= 0 {
		tick = 10 * time.Millisecond
	}
	if slots <= 0 {
		slots = 512
	}
	return &Wheel{
		tick:  tick,
		slots: make([][]*Entry, slots),
		now:   start,
	}
}

// Tick returns the wheel granularity.
func (w *Wheel) Tick() time.Duration { return w.tick }

// Schedule inserts an event due at deadline and returns its cancellation
// token. Deadlines in the past fire on the next Advance.
func (w *Wheel) Schedule(kind Kind, owner interface{}, deadline time.Time) *Entry {
	e := &Entry{Kind: kind, Owner: owner, Deadline: deadline, active: true}
	delta := int(deadline.Sub(w.now) / w.tick)
	if delta < 1 {
		delta = 1
	}
	// delta lands back on the current slot when it is an exact multiple of
	// the slot count; that revolution is the firing one, not an extra skip.
	e.rounds = (delta - 1) / len(w.slots)
	slot := (w.cur + delta) % len(w.slots)
	w.slots[slot] = append(w.slots[slot], e)
	return e
}

// Cancel deactivates an entry. Removal from its slot happens lazily when the
// slot is next scanned. Safe to call on nil or already-fired entries.
func (w *Wheel) Cancel(e *Entry) {
	if e != nil {
		e.active = false
	}
}

// Advance processes all ticks up to now and returns the entries that came
// due, in slot order. The caller (the shard loop) dispatches each entry to
// its owner.
func (w *Wheel) Advance(now time.Time) []*Entry {
	var due []*Entry
	for !w.now.Add(w.tick).After(now) {
		w.now = w.now.Add(w.tick)
		w.cur = (w.cur + 1) % len(w.slots)
		slot := w.slots[w.cur]
		if len(slot) == 0 {
			continue
		}
		kept := slot[:0]
		for _, e := range slot {
			switch {
			case !e.active:
				// cancelled; drop
			case e.rounds > 0:
				e.rounds--
				kept = append(kept, e)
			default:
				e.active = false
				due = append(due, e)
			}
		}
		w.slots[w.cur] = kept
	}
	return due
}
