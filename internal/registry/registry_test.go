package registry

import (
	"testing"
	"time"

	"ptptrace/internal/ptp"
)

func clockID(b byte) ptp.ClockIdentity {
	var c ptp.ClockIdentity
	c[7] = b
	return c
}

func announceMsg(id ptp.ClockIdentity, at time.Time, priority1, stepsRemoved uint16) *ptp.Message {
	return &ptp.Message{
		CaptureTime: at,
		Interface:   "eth0",
		SrcMAC:      macFor(id),
		Header: ptp.Header{
			MessageType:        ptp.MessageAnnounce,
			DomainNumber:       0,
			VersionPTPMajor:    2,
			SourcePortIdentity: ptp.PortIdentity{ClockIdentity: id, PortNumber: 1},
			LogMessageInterval: 0, // 1s
		},
		Transport: ptp.TransportL2_88F7,
		Body: ptp.Body{Announce: &ptp.AnnounceBody{
			GrandmasterPriority1: uint8(priority1),
			GrandmasterClockQuality: ptp.ClockQuality{
				ClockClass:    6,
				ClockAccuracy: 0x20,
			},
			GrandmasterPriority2: 128,
			GrandmasterIdentity:  id,
			StepsRemoved:         stepsRemoved,
			TimeSource:           0xA0,
		}},
	}
}

func delayReqMsg(id ptp.ClockIdentity, at time.Time) *ptp.Message {
	return &ptp.Message{
		CaptureTime: at,
		Interface:   "eth0",
		SrcMAC:      macFor(id),
		Header: ptp.Header{
			MessageType:        ptp.MessageDelayReq,
			DomainNumber:       0,
			VersionPTPMajor:    2,
			SourcePortIdentity: ptp.PortIdentity{ClockIdentity: id, PortNumber: 1},
		},
		Transport: ptp.TransportL2_88F7,
		Body:      ptp.Body{DelayReq: &ptp.DelayReqBody{}},
	}
}

func macFor(id ptp.ClockIdentity) []byte {
	return []byte{0x00, 0x00, id[5], id[6], id[7], 0x01}
}

func TestIngest_SingleGrandmasterScenario(t *testing.T) {
	r := New(DefaultConfig(), nil)
	id := clockID(1)
	base := time.Now()
	for i := 0; i < 5; i++ {
		r.Ingest(announceMsg(id, base.Add(time.Duration(i)*time.Second), 128, 0))
	}

	hosts := r.Hosts()
	if len(hosts) != 1 {
		t.Fatalf("expected 1 host, got %d", len(hosts))
	}
	h := hosts[0]
	if h.State != StateMaster {
		t.Errorf("expected candidate MASTER state before BMCA runs, got %s", h.State)
	}
	if h.Announce == nil || h.Announce.Priority1 != 128 {
		t.Fatalf("expected stored announce dataset with priority1=128, got %+v", h.Announce)
	}

	r.ApplyElection(0, id, base.Add(5*time.Second))
	h = r.Hosts()[0]
	if h.State != StateGrandmaster || !h.IsGrandmaster {
		t.Errorf("expected elected clock to become GRANDMASTER, got state=%s isGM=%v", h.State, h.IsGrandmaster)
	}
}

func TestIngest_DoesNotDuplicateHostAcrossFootprints(t *testing.T) {
	r := New(DefaultConfig(), nil)
	id := clockID(2)
	now := time.Now()

	m1 := announceMsg(id, now, 128, 0)
	m1.Interface = "eth0"
	r.Ingest(m1)

	m2 := announceMsg(id, now.Add(time.Second), 128, 0)
	m2.Interface = "eth1"
	m2.VLAN = &ptp.VLANTag{VID: 10}
	r.Ingest(m2)

	if r.Len() != 1 {
		t.Fatalf("expected exactly one host for one clock identity, got %d", r.Len())
	}
	h := r.Hosts()[0]
	if len(h.Footprints) != 2 {
		t.Errorf("expected 2 distinct footprints merged onto one host, got %d", len(h.Footprints))
	}
}

func TestApplyElection_PriorityLoserBecomesMaster(t *testing.T) {
	r := New(DefaultConfig(), nil)
	a := clockID(0xAA)
	b := clockID(0xBB)
	now := time.Now()

	r.Ingest(announceMsg(a, now, 128, 0))
	r.Ingest(announceMsg(b, now, 100, 0))

	// b has the lower priority1 and should win BMCA; a loses but stays
	// classified as MASTER, not demoted to some other state.
	r.ApplyElection(0, b, now)

	ha := r.HostByClockIdentity(a)
	hb := r.HostByClockIdentity(b)
	if hb.State != StateGrandmaster {
		t.Errorf("expected b to be GRANDMASTER, got %s", hb.State)
	}
	if ha.State != StateMaster {
		t.Errorf("expected a (BMCA loser) to remain MASTER, got %s", ha.State)
	}
	if ha.IsGrandmaster {
		t.Errorf("expected a to not be flagged grandmaster")
	}
}

func TestClassify_DelayReqMakesSlave(t *testing.T) {
	r := New(DefaultConfig(), nil)
	id := clockID(3)
	now := time.Now()
	r.Ingest(delayReqMsg(id, now))

	h := r.HostByClockIdentity(id)
	if h.State != StateSlave {
		t.Errorf("expected SLAVE after DELAY_REQ, got %s", h.State)
	}
}

func TestClassify_InactiveAtLiteralTenSecondDefault(t *testing.T) {
	r := New(DefaultConfig(), nil)
	id := clockID(11)
	now := time.Now()
	r.Ingest(delayReqMsg(id, now))

	// No announce interval observed: rule 5's default is a literal 10s,
	// not 10x the 2s announce-interval fallback (which would be 20s).
	r.Tick(now.Add(9 * time.Second))
	if h := r.HostByClockIdentity(id); h.State == StateInactive {
		t.Errorf("expected host still active at 9s silence, got INACTIVE")
	}
	r.Tick(now.Add(11 * time.Second))
	if h := r.HostByClockIdentity(id); h.State != StateInactive {
		t.Errorf("expected INACTIVE at 11s silence with unknown announce interval, got %s", h.State)
	}
}

func TestTick_EvictionBoundary(t *testing.T) {
	cfg := DefaultConfig()
	r := New(cfg, nil)
	id := clockID(4)
	now := time.Now()
	r.Ingest(announceMsg(id, now, 128, 0))

	// Silent for exactly eviction_seconds - 1: retained.
	r.Tick(now.Add(time.Duration(cfg.HostEvictionSeconds-1) * time.Second))
	if r.Len() != 1 {
		t.Fatalf("expected host retained at eviction-1s, got %d hosts", r.Len())
	}

	// Silent for eviction_seconds + 1: evicted.
	r.Tick(now.Add(time.Duration(cfg.HostEvictionSeconds+1) * time.Second))
	if r.Len() != 0 {
		t.Fatalf("expected host evicted at eviction+1s, got %d hosts", r.Len())
	}
}

func TestIngest_LastSeenMonotonicNonDecreasing(t *testing.T) {
	r := New(DefaultConfig(), nil)
	id := clockID(5)
	now := time.Now()

	r.Ingest(announceMsg(id, now.Add(2*time.Second), 128, 0))
	r.Ingest(announceMsg(id, now, 128, 0)) // out-of-order, older capture time

	h := r.HostByClockIdentity(id)
	if h.LastSeen.Before(now.Add(2 * time.Second)) {
		t.Errorf("lastSeen regressed on an out-of-order ingest: got %v", h.LastSeen)
	}
	if h.FirstSeen.After(h.LastSeen) {
		t.Errorf("firstSeen (%v) must not be after lastSeen (%v)", h.FirstSeen, h.LastSeen)
	}
}

func TestIngest_DomainChangeResetsClassification(t *testing.T) {
	r := New(DefaultConfig(), nil)
	id := clockID(6)
	now := time.Now()

	r.Ingest(announceMsg(id, now, 128, 0))
	r.ApplyElection(0, id, now)
	h := r.HostByClockIdentity(id)
	if h.State != StateGrandmaster {
		t.Fatalf("setup: expected GRANDMASTER before domain change")
	}

	changed := announceMsg(id, now.Add(time.Second), 128, 0)
	changed.Header.DomainNumber = 1
	r.Ingest(changed)

	h = r.HostByClockIdentity(id)
	if h.IsGrandmaster {
		t.Errorf("expected domain change to clear the stale grandmaster flag")
	}
	if h.DomainNumber != 1 {
		t.Errorf("expected domain updated to 1, got %d", h.DomainNumber)
	}
}

func TestClearHost_RemovesOnlyThatHost(t *testing.T) {
	r := New(DefaultConfig(), nil)
	a := clockID(7)
	b := clockID(8)
	now := time.Now()
	r.Ingest(announceMsg(a, now, 128, 0))
	r.Ingest(announceMsg(b, now, 100, 0))

	r.ClearHost(a)
	if r.Len() != 1 {
		t.Fatalf("expected 1 host remaining, got %d", r.Len())
	}
	if r.HostByClockIdentity(b) == nil {
		t.Errorf("expected host b to survive ClearHost(a)")
	}
}

func TestIngest_QinQFootprintUsesInnerVLANForClassification(t *testing.T) {
	r := New(DefaultConfig(), nil)
	id := clockID(10)
	msg := announceMsg(id, time.Now(), 128, 0)
	msg.VLAN = &ptp.VLANTag{VID: 100}
	msg.InnerVLAN = &ptp.VLANTag{VID: 200}
	r.Ingest(msg)

	h := r.HostByClockIdentity(id)
	if len(h.Footprints) != 1 {
		t.Fatalf("expected 1 footprint, got %d", len(h.Footprints))
	}
	for _, fp := range h.Footprints {
		if !fp.HasVLAN || fp.VLAN != 200 {
			t.Errorf("expected footprint classified by inner VID 200, got hasVLAN=%v vlan=%d", fp.HasVLAN, fp.VLAN)
		}
	}
}

func TestHosts_ReturnsIndependentCopies(t *testing.T) {
	r := New(DefaultConfig(), nil)
	id := clockID(9)
	r.Ingest(announceMsg(id, time.Now(), 128, 0))

	h1 := r.Hosts()[0]
	h1.State = StateInactive
	h1.Footprints["bogus"] = &FootprintTuple{}

	h2 := r.HostByClockIdentity(id)
	if h2.State == StateInactive {
		t.Errorf("mutating a cloned Host leaked back into the live registry")
	}
	if _, ok := h2.Footprints["bogus"]; ok {
		t.Errorf("mutating a cloned Host's footprint map leaked back into the live registry")
	}
}
