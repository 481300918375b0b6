// Package ring implements C7: a fixed-capacity FIFO history of recently
// decoded PTP messages. Append is O(1) amortized; pushing past capacity
// evicts the oldest entry, preserving FIFO order of evictions. Per-host
// indices make "packets for a selected host" queries O(k) in tail length.
package ring

import (
	"ptptrace/internal/ptp"
)

// Ring is a bounded circular buffer of *ptp.Message.
type Ring struct {
	buf      []*ptp.Message
	capacity int
	start    int // index of the oldest element
	size     int

	// byHost indexes the sequence number (monotonic push counter) of
	// each message keyed by source clock identity, so ForHost doesn't
	// have to scan the whole ring.
	byHost map[ptp.ClockIdentity][]uint64
	seq    uint64
	seqAt  map[uint64]int // seq -> buf index, pruned lazily on eviction
}

// New creates a Ring with the given capacity (default 10000 per spec).
func New(capacity int) *Ring {
	if capacity <= 0 {
		capacity = 10000
	}
	return &Ring{
		buf:      make([]*ptp.Message, capacity),
		capacity: capacity,
		byHost:   make(map[ptp.ClockIdentity][]uint64),
		seqAt:    make(map[uint64]int),
	}
}

// Push appends a message, evicting the oldest entry if the ring is full.
func (r *Ring) Push(msg *ptp.Message) {
	var writeIdx int
	if r.size < r.capacity {
		writeIdx = (r.start + r.size) % r.capacity
		r.size++
	} else {
		writeIdx = r.start
		if old := r.buf[writeIdx]; old != nil {
			r.forgetOldestSeqFor(old.Header.SourcePortIdentity.ClockIdentity)
		}
		r.start = (r.start + 1) % r.capacity
	}

	r.buf[writeIdx] = msg
	r.seq++
	id := msg.Header.SourcePortIdentity.ClockIdentity
	r.byHost[id] = append(r.byHost[id], r.seq)
	r.seqAt[r.seq] = writeIdx
}

func (r *Ring) forgetOldestSeqFor(id ptp.ClockIdentity) {
	seqs := r.byHost[id]
	if len(seqs) == 0 {
		return
	}
	evicted := seqs[0]
	delete(r.seqAt, evicted)
	seqs = seqs[1:]
	if len(seqs) == 0 {
		delete(r.byHost, id)
	} else {
		r.byHost[id] = seqs
	}
}

// Len returns the current number of retained messages: min(pushes, capacity).
func (r *Ring) Len() int {
	return r.size
}

// Tail returns the n most recent messages in arrival order (oldest first
// within the returned slice), or the whole ring if n <= 0 or n > Len().
// ClearHost leaves nil holes behind (see ClearHost); Tail skips them rather
// than returning them, so a cleared slot never surfaces as a fake record.
func (r *Ring) Tail(n int) []*ptp.Message {
	if n <= 0 || n > r.size {
		n = r.size
	}
	out := make([]*ptp.Message, 0, n)
	for i := 0; i < r.size && len(out) < n; i++ {
		idx := (r.start + r.size - 1 - i) % r.capacity
		if m := r.buf[idx]; m != nil {
			out = append(out, m)
		}
	}
	for l, rr := 0, len(out)-1; l < rr; l, rr = l+1, rr-1 {
		out[l], out[rr] = out[rr], out[l]
	}
	return out
}

// ForHost returns the retained messages for a single Clock Identity, oldest
// first, in O(k) where k is the number of matches — no full-ring scan.
func (r *Ring) ForHost(id ptp.ClockIdentity) []*ptp.Message {
	seqs := r.byHost[id]
	out := make([]*ptp.Message, 0, len(seqs))
	for _, s := range seqs {
		if idx, ok := r.seqAt[s]; ok {
			out = append(out, r.buf[idx])
		}
	}
	return out
}

// ClearHost removes every retained message for a single host, implementing
// the observer ClearHost command without disturbing other hosts' entries.
func (r *Ring) ClearHost(id ptp.ClockIdentity) {
	seqs := r.byHost[id]
	for _, s := range seqs {
		if idx, ok := r.seqAt[s]; ok {
			r.buf[idx] = nil
			delete(r.seqAt, s)
		}
	}
	delete(r.byHost, id)
}

// ClearAll empties the ring, implementing the observer ClearAll command.
func (r *Ring) ClearAll() {
	r.buf = make([]*ptp.Message, r.capacity)
	r.start = 0
	r.size = 0
	r.byHost = make(map[ptp.ClockIdentity][]uint64)
	r.seqAt = make(map[uint64]int)
}
