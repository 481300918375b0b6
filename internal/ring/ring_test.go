package ring

import (
	"testing"
	"time"

	"ptptrace/internal/ptp"
)

func msgWithSeq(seq uint16, id byte) *ptp.Message {
	var cid ptp.ClockIdentity
	cid[7] = id
	return &ptp.Message{
		CaptureTime: time.Now(),
		Header: ptp.Header{
			SequenceId:         seq,
			SourcePortIdentity: ptp.PortIdentity{ClockIdentity: cid, PortNumber: 1},
		},
	}
}

func TestRing_SizeAfterNPushesWithCapacityC(t *testing.T) {
	r := New(5)
	for i := 0; i < 3; i++ {
		r.Push(msgWithSeq(uint16(i), 1))
	}
	if r.Len() != 3 {
		t.Fatalf("expected size 3, got %d", r.Len())
	}
	for i := 3; i < 12; i++ {
		r.Push(msgWithSeq(uint16(i), 1))
	}
	if r.Len() != 5 {
		t.Fatalf("expected size to cap at 5, got %d", r.Len())
	}
}

func TestRing_RetainsMostRecentInArrivalOrder(t *testing.T) {
	r := New(3)
	for i := 0; i < 5; i++ {
		r.Push(msgWithSeq(uint16(i), 1))
	}
	tail := r.Tail(0)
	if len(tail) != 3 {
		t.Fatalf("expected 3 retained, got %d", len(tail))
	}
	want := []uint16{2, 3, 4}
	for i, m := range tail {
		if m.Header.SequenceId != want[i] {
			t.Errorf("index %d: expected seq %d, got %d", i, want[i], m.Header.SequenceId)
		}
	}
}

func TestRing_EvictionIsFIFO(t *testing.T) {
	r := New(2)
	r.Push(msgWithSeq(0, 1))
	r.Push(msgWithSeq(1, 1))
	r.Push(msgWithSeq(2, 1)) // evicts seq 0

	tail := r.Tail(0)
	if tail[0].Header.SequenceId != 1 || tail[1].Header.SequenceId != 2 {
		t.Fatalf("expected FIFO eviction, got %+v", tail)
	}
}

func TestRing_ForHostIsOKInTailLength(t *testing.T) {
	r := New(10)
	for i := 0; i < 4; i++ {
		r.Push(msgWithSeq(uint16(i), 1))
	}
	for i := 4; i < 6; i++ {
		r.Push(msgWithSeq(uint16(i), 2))
	}
	var hostA ptp.ClockIdentity
	hostA[7] = 1
	got := r.ForHost(hostA)
	if len(got) != 4 {
		t.Fatalf("expected 4 messages for host A, got %d", len(got))
	}
}

func TestRing_ClearHostLeavesOthersIntact(t *testing.T) {
	r := New(10)
	for i := 0; i < 3; i++ {
		r.Push(msgWithSeq(uint16(i), 1))
	}
	for i := 3; i < 5; i++ {
		r.Push(msgWithSeq(uint16(i), 2))
	}
	var hostA ptp.ClockIdentity
	hostA[7] = 1
	r.ClearHost(hostA)

	if len(r.ForHost(hostA)) != 0 {
		t.Errorf("expected host A cleared")
	}
	var hostB ptp.ClockIdentity
	hostB[7] = 2
	if len(r.ForHost(hostB)) != 2 {
		t.Errorf("expected host B untouched, got %d", len(r.ForHost(hostB)))
	}
}

func TestRing_TailSkipsHolesLeftByClearHost(t *testing.T) {
	r := New(10)
	for i := 0; i < 3; i++ {
		r.Push(msgWithSeq(uint16(i), 1))
	}
	for i := 3; i < 5; i++ {
		r.Push(msgWithSeq(uint16(i), 2))
	}
	var hostA ptp.ClockIdentity
	hostA[7] = 1
	r.ClearHost(hostA)

	tail := r.Tail(0)
	if len(tail) != 2 {
		t.Fatalf("expected 2 remaining records after ClearHost, got %d", len(tail))
	}
	for _, m := range tail {
		if m == nil {
			t.Fatalf("Tail returned a nil hole left by ClearHost")
		}
	}
	want := []uint16{3, 4}
	for i, m := range tail {
		if m.Header.SequenceId != want[i] {
			t.Errorf("index %d: expected seq %d, got %d", i, want[i], m.Header.SequenceId)
		}
	}
}

func TestRing_ClearAll(t *testing.T) {
	r := New(10)
	r.Push(msgWithSeq(0, 1))
	r.ClearAll()
	if r.Len() != 0 {
		t.Fatalf("expected empty ring after ClearAll")
	}
}
