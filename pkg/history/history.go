// Package history implements the fixed-capacity comm_history ring buffer
// the engine appends every inbound and outbound frame to (spec.md §3,
// §6's "comm_history (ring buffer of the last N in/out frames)").
package history

import (
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// Direction tags whether an Entry was sent to, or received from, the PLC.
type Direction string

const (
	Out Direction = "out"
	In  Direction = "in"
)

// Entry is one frame's worth of comm_history, in the shape the Python
// original appends to its deque (`{'direction': ..., 'command': ...}`),
// flattened into the fields a CBOR snapshot or diagnostics endpoint needs.
type Entry struct {
	Direction Direction `cbor:"direction"`
	Kind      string    `cbor:"kind"`
	Tns       uint16    `cbor:"tns"`
	Bytes     []byte    `cbor:"bytes"`
	Timestamp time.Time `cbor:"timestamp"`
}

// Ring is a fixed-capacity, overwrite-oldest ring buffer. It is safe for
// concurrent Push/Snapshot from the engine's caller and worker threads of
// control (spec.md §5 doesn't name comm_history as guarded by the
// message_sink/send_queue mutexes, but both threads append to it, so it
// gets its own lock here).
type Ring struct {
	mu       sync.Mutex
	entries  []Entry
	capacity int
	start    int
	size     int
}

// New returns a Ring with the given capacity; spec.md §6 defaults this
// to 20 or 30 at the engine construction layer.
func New(capacity int) *Ring {
	if capacity <= 0 {
		capacity = 20
	}
	return &Ring{entries: make([]Entry, capacity), capacity: capacity}
}

// Push appends an entry, overwriting the oldest once the ring is full.
func (r *Ring) Push(e Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	idx := (r.start + r.size) % r.capacity
	r.entries[idx] = e
	if r.size < r.capacity {
		r.size++
	} else {
		r.start = (r.start + 1) % r.capacity
	}
}

// Snapshot returns entries oldest-first.
func (r *Ring) Snapshot() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Entry, r.size)
	for i := 0; i < r.size; i++ {
		out[i] = r.entries[(r.start+i)%r.capacity]
	}
	return out
}

// Len reports how many entries are currently held (<= capacity).
func (r *Ring) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.size
}

// EncodeCBOR serializes the current snapshot, for pkg/redisdiag to
// publish a compact point-in-time view of recent traffic.
func (r *Ring) EncodeCBOR() ([]byte, error) {
	return cbor.Marshal(r.Snapshot())
}
