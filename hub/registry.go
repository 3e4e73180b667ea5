package hub

import (
	"sync"

	"github.com/influxdata/queryrelay"
)

// DefaultRegistrySize is the number of correlation slots tracked.
const DefaultRegistrySize = 256

// Outcome is what the registry decided for a reply.
type Outcome int

const (
	// Delivered marks the first reply for an id. It is forwarded upstream.
	Delivered Outcome = iota
	// Duplicate marks a later reply for an id. It is retained, not forwarded.
	Duplicate
	// Late marks a reply whose id is no longer tracked. It is dropped.
	Late
)

func (o Outcome) String() string {
	switch o {
	case Delivered:
		return "delivered"
	case Duplicate:
		return "duplicate"
	case Late:
		return "late"
	}
	return "unknown"
}

// IDSpace is the number of distinct correlation ids. Ids are the low 31
// bits of the hub's message sequence, so they stay non-negative on the wire
// and wrap from math.MaxInt32 back to 0.
const IDSpace = int64(1) << 31

const freeSlot int64 = -1

type slot struct {
	seq     int64
	replies []*queryrelay.Message
}

// Registry is a fixed ring of in-flight correlation ids addressed by
// sequence mod size. Each slot buffers every reply seen for its id; only the
// first is reported as Delivered.
//
// Ids wrap, so the registry maps each id back onto the message sequence
// nearest the newest one it has seen. Recording a reply for sequence K
// clears the slot of K-size/2. Sequences at or below the highest cleared one
// are no longer tracked and their replies are reported Late.
type Registry struct {
	mu      sync.Mutex
	slots   []slot
	newest  int64
	evicted int64
}

// NewRegistry returns a registry with size slots. Sizes below 2 use
// DefaultRegistrySize.
func NewRegistry(size int) *Registry {
	if size < 2 {
		size = DefaultRegistrySize
	}
	r := &Registry{
		slots:   make([]slot, size),
		newest:  -1,
		evicted: -1,
	}
	for i := range r.slots {
		r.slots[i].seq = freeSlot
	}
	return r
}

// Size returns the number of slots.
func (r *Registry) Size() int {
	return len(r.slots)
}

func (r *Registry) index(seq int64) int {
	return int(seq % int64(len(r.slots)))
}

// sequence maps id onto the sequence closest to the newest one seen. The
// result is negative for ids from before the first sequence.
func (r *Registry) sequence(id int32) int64 {
	if r.newest < 0 {
		return int64(id)
	}
	seq := r.newest - r.newest%IDSpace + int64(id)
	switch {
	case seq-r.newest > IDSpace/2:
		seq -= IDSpace
	case r.newest-seq > IDSpace/2:
		seq += IDSpace
	}
	return seq
}

func (r *Registry) observe(seq int64) {
	if seq > r.newest {
		r.newest = seq
	}
}

// Track claims the slot for id before its request is sent. A slot still
// held by an older id is reset. Tracking an id that is already tracked, or
// already evicted, does nothing. Like Record, tracking id K evicts K-size/2.
func (r *Registry) Track(id int32) {
	if id < 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	seq := r.sequence(id)
	if seq <= r.evicted {
		return
	}
	r.observe(seq)
	s := &r.slots[r.index(seq)]
	if s.seq < seq {
		s.seq = seq
		s.replies = nil
	}
	r.evict(seq - int64(len(r.slots)/2))
}

// Record stores reply under its id and reports whether it is the first
// reply, a retained duplicate, or too late to track.
func (r *Registry) Record(reply *queryrelay.Message) Outcome {
	if reply.ID < 0 {
		return Late
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	seq := r.sequence(reply.ID)
	if seq <= r.evicted {
		return Late
	}

	s := &r.slots[r.index(seq)]
	if s.seq > seq {
		// Reclaimed by a newer request.
		return Late
	}
	r.observe(seq)
	if s.seq < seq {
		s.seq = seq
		s.replies = nil
	}
	s.replies = append(s.replies, reply)

	outcome := Duplicate
	if len(s.replies) == 1 {
		outcome = Delivered
	}

	r.evict(seq - int64(len(r.slots)/2))
	return outcome
}

// evict clears the slot for sequence k if it is still held by k or an
// older sequence.
func (r *Registry) evict(k int64) {
	if k < 0 {
		return
	}
	s := &r.slots[r.index(k)]
	if s.seq != freeSlot && s.seq <= k {
		s.seq = freeSlot
		s.replies = nil
	}
	if k > r.evicted {
		r.evicted = k
	}
}

// Replies returns the replies buffered for id, or nil when id is not
// tracked.
func (r *Registry) Replies(id int32) []*queryrelay.Message {
	if id < 0 {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	seq := r.sequence(id)
	if seq <= r.evicted {
		return nil
	}
	s := &r.slots[r.index(seq)]
	if s.seq != seq {
		return nil
	}
	out := make([]*queryrelay.Message, len(s.replies))
	copy(out, s.replies)
	return out
}
