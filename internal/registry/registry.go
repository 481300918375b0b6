// Package registry implements C4, the Host Registry: it deduplicates PTP
// participants by Clock Identity, ages them out, tracks per-interface
// observation, and classifies their PTP state. Single-writer discipline —
// only the pipeline goroutine ever calls Ingest/Tick; Hosts() hands back
// copies so observers never see a half-updated Host.
package registry

import (
	"math"
	"sort"
	"strconv"
	"time"

	"ptptrace/internal/ptp"
)

// State is the derived PTP classification of a Host (spec §4.4).
type State int

const (
	StateListening State = iota
	StateMaster
	StateSlave
	StatePassive
	StateInactive
	StateGrandmaster
)

func (s State) String() string {
	switch s {
	case StateListening:
		return "LISTENING"
	case StateMaster:
		return "MASTER"
	case StateSlave:
		return "SLAVE"
	case StatePassive:
		return "PASSIVE"
	case StateInactive:
		return "INACTIVE"
	case StateGrandmaster:
		return "GRANDMASTER"
	default:
		return "UNKNOWN"
	}
}

// FootprintTuple is one observed (interface, MAC, IP, VLAN) combination for
// a Host, with the directionality last seen on it.
type FootprintTuple struct {
	Interface string
	MAC       string
	IP        string
	VLAN      uint16
	HasVLAN   bool

	LastSent     time.Time
	LastReceived time.Time
}

// Counter tracks per-message-type observation: a running count, the
// last-seen timestamp and an EMA rate estimate.
type Counter struct {
	Count        uint64
	LastSeen     time.Time
	RateEMA      float64 // messages/sec, exponential moving average, tau=10s
	lastEMAInput time.Time
}

const rateTau = 10 * time.Second

func (c *Counter) observe(now time.Time) {
	if !c.lastEMAInput.IsZero() {
		dt := now.Sub(c.lastEMAInput).Seconds()
		if dt > 0 {
			instantaneous := 1.0 / dt
			alpha := 1 - math.Exp(-dt/rateTau.Seconds())
			c.RateEMA = alpha*instantaneous + (1-alpha)*c.RateEMA
		}
	}
	c.Count++
	c.LastSeen = now
	c.lastEMAInput = now
}

// AnnounceDataset holds the fields spec §4.4 calls "Last Announce dataset",
// the required inputs to BMCA.
type AnnounceDataset struct {
	Priority1               uint8
	ClockClass              uint8
	ClockAccuracy           uint8
	OffsetScaledLogVariance uint16
	Priority2               uint8
	GrandmasterIdentity     ptp.ClockIdentity
	StepsRemoved            uint16
	TimeSource              uint8

	ObservedAt        time.Time
	AnnounceInterval  time.Duration // derived from logMessageInterval, 0 if unknown
}

// Host is the mutable aggregate keyed by Clock Identity. Exported fields
// mirror spec.md §3; Clone() returns a deep-enough copy for observers.
type Host struct {
	ClockIdentity ptp.ClockIdentity
	PortNumbers   map[uint16]struct{}

	Footprints map[string]*FootprintTuple // key: iface|mac|ip|vlan

	State         State
	DomainNumber  uint8
	VersionMajor  uint8
	VersionMinor  uint8
	Transport     ptp.Transport

	Announce *AnnounceDataset

	Counters map[ptp.MessageType]*Counter

	Confidence float64

	IsLocal               bool
	IsGrandmaster         bool
	IsPrimaryTimeTransmitter bool // synonym kept distinct per spec for observer convenience

	LastCorrectionField ptp.CorrectionField
	VendorHint           string

	FirstSeen time.Time
	LastSeen  time.Time

	classified bool // false until the first Ingest has set Domain/Version/Transport
}

func newHost(id ptp.ClockIdentity, now time.Time) *Host {
	return &Host{
		ClockIdentity: id,
		PortNumbers:   make(map[uint16]struct{}),
		Footprints:    make(map[string]*FootprintTuple),
		Counters:      make(map[ptp.MessageType]*Counter),
		FirstSeen:     now,
		LastSeen:      now,
	}
}

// Clone returns a value copy of the Host safe to hand to an observer —
// separate maps, no shared mutable state with the registry's copy.
func (h *Host) Clone() *Host {
	c := *h
	c.PortNumbers = make(map[uint16]struct{}, len(h.PortNumbers))
	for k := range h.PortNumbers {
		c.PortNumbers[k] = struct{}{}
	}
	c.Footprints = make(map[string]*FootprintTuple, len(h.Footprints))
	for k, v := range h.Footprints {
		fp := *v
		c.Footprints[k] = &fp
	}
	c.Counters = make(map[ptp.MessageType]*Counter, len(h.Counters))
	for k, v := range h.Counters {
		cv := *v
		c.Counters[k] = &cv
	}
	if h.Announce != nil {
		ad := *h.Announce
		c.Announce = &ad
	}
	return &c
}

func (h *Host) counter(mt ptp.MessageType) *Counter {
	c, ok := h.Counters[mt]
	if !ok {
		c = &Counter{}
		h.Counters[mt] = c
	}
	return c
}

// expectedAnnounceInterval returns the announce interval to use for
// staleness/classification math, falling back to the spec's 2s default.
func (h *Host) expectedAnnounceInterval() time.Duration {
	if h.Announce != nil && h.Announce.AnnounceInterval > 0 {
		return h.Announce.AnnounceInterval
	}
	return 2 * time.Second
}

// receiptTimeout returns the silence duration past which rule 5 (spec
// §4.4) marks a Host INACTIVE. When the announce interval is known, it
// scales with mul x interval; with no announce interval observed, the
// spec states the threshold as a literal "default 10 s" rather than
// mul x the 2s interval fallback, so that default is pinned directly
// instead of compounding through expectedAnnounceInterval's own default.
func (h *Host) receiptTimeout(mul int) time.Duration {
	if h.Announce != nil && h.Announce.AnnounceInterval > 0 {
		return time.Duration(mul) * h.Announce.AnnounceInterval
	}
	return 10 * time.Second
}

// Config carries the thresholds spec.md §6 enumerates as configurable.
type Config struct {
	AnnounceTimeoutMultiplier int           // default 3
	HostEvictionSeconds       int           // default 60
	AnnounceReceiptTimeoutMul int           // default 10, §4.4 rule 5
}

func DefaultConfig() Config {
	return Config{AnnounceTimeoutMultiplier: 3, HostEvictionSeconds: 60, AnnounceReceiptTimeoutMul: 10}
}

// LocalMACs is the set of MAC addresses belonging to the capturing host
// machine's own interfaces, enumerated once at startup, used for the
// isLocal flag.
type LocalMACs map[string]struct{}

// Registry is the Host Registry (C4). Not safe for concurrent use by
// multiple writers — only the pipeline goroutine calls Ingest/Tick.
type Registry struct {
	cfg       Config
	localMACs LocalMACs
	hosts     map[ptp.ClockIdentity]*Host

	// GM change events accumulate here until a caller drains them with
	// DrainGMEvents. snapshot.Snapshot has no field for them, and the
	// pipeline does not drain them.
	gmEvents []GMChangeEvent
}

// GMChangeEvent records a domain's elected Grandmaster changing, so the UI
// can visibly annotate it (spec §4.5).
type GMChangeEvent struct {
	Domain    uint8
	OldWinner ptp.ClockIdentity
	NewWinner ptp.ClockIdentity
	At        time.Time
}

func New(cfg Config, localMACs LocalMACs) *Registry {
	if localMACs == nil {
		localMACs = LocalMACs{}
	}
	return &Registry{cfg: cfg, localMACs: localMACs, hosts: make(map[ptp.ClockIdentity]*Host)}
}

// Ingest upserts the Host addressed by the message's source clock identity
// and updates its counters, footprint, and (for Announce) dataset. Implements
// spec §4.4 "Upsert".
func (r *Registry) Ingest(msg *ptp.Message) {
	now := msg.CaptureTime
	id := msg.Header.SourcePortIdentity.ClockIdentity

	h, ok := r.hosts[id]
	if !ok {
		h = newHost(id, now)
		r.hosts[id] = h
	}
	if now.After(h.LastSeen) {
		h.LastSeen = now
	}
	h.PortNumbers[msg.Header.SourcePortIdentity.PortNumber] = struct{}{}

	// A change of domain/version/transport resets classification rather
	// than creating a duplicate Host (invariant, spec §3).
	if h.classified && (h.DomainNumber != msg.Header.DomainNumber ||
		h.VersionMajor != msg.Header.VersionPTPMajor ||
		h.Transport != msg.Transport) {
		h.State = StateListening
		h.Confidence = 0
		h.IsGrandmaster = false
		h.IsPrimaryTimeTransmitter = false
	}
	h.DomainNumber = msg.Header.DomainNumber
	h.VersionMajor = msg.Header.VersionPTPMajor
	h.VersionMinor = msg.Header.VersionPTPMinor
	h.Transport = msg.Transport
	h.LastCorrectionField = msg.Header.CorrectionField
	h.classified = true

	r.mergeFootprint(h, msg, now)

	h.counter(msg.Header.MessageType).observe(now)

	if msg.Body.Announce != nil {
		interval := logIntervalToDuration(msg.Header.LogMessageInterval)
		h.Announce = &AnnounceDataset{
			Priority1:               msg.Body.Announce.GrandmasterPriority1,
			ClockClass:              msg.Body.Announce.GrandmasterClockQuality.ClockClass,
			ClockAccuracy:           msg.Body.Announce.GrandmasterClockQuality.ClockAccuracy,
			OffsetScaledLogVariance: msg.Body.Announce.GrandmasterClockQuality.OffsetScaledLogVariance,
			Priority2:               msg.Body.Announce.GrandmasterPriority2,
			GrandmasterIdentity:     msg.Body.Announce.GrandmasterIdentity,
			StepsRemoved:            msg.Body.Announce.StepsRemoved,
			TimeSource:              msg.Body.Announce.TimeSource,
			ObservedAt:              now,
			AnnounceInterval:        interval,
		}
	}

	if mac := msg.SrcMAC.String(); mac != "" {
		if _, local := r.localMACs[mac]; local {
			h.IsLocal = true
		}
	}

	r.classify(h, now)
}

func logIntervalToDuration(logInterval int8) time.Duration {
	// PTP encodes intervals as log2(seconds); e.g. logInterval=0 -> 1s.
	return time.Duration(math.Pow(2, float64(logInterval)) * float64(time.Second))
}

func footprintKey(iface, mac, ip string, vlan uint16, hasVLAN bool) string {
	v := "novlan"
	if hasVLAN {
		v = "vlan" + strconv.Itoa(int(vlan))
	}
	return iface + "|" + mac + "|" + ip + "|" + v
}

func (r *Registry) mergeFootprint(h *Host, msg *ptp.Message, now time.Time) {
	mac := msg.SrcMAC.String()
	ip := ""
	if msg.SrcIP != nil {
		ip = msg.SrcIP.String()
	}
	// Classification uses the inner (native) tag on a QinQ frame, per
	// spec §4.3 step 2 and §8's double-tagged boundary case; InnerVLAN is
	// nil for single-tagged or untagged frames, so VLAN is the fallback.
	classificationVLAN := msg.VLAN
	if msg.InnerVLAN != nil {
		classificationVLAN = msg.InnerVLAN
	}
	var vlan uint16
	hasVLAN := false
	if classificationVLAN != nil {
		vlan = classificationVLAN.VID
		hasVLAN = true
	}
	key := footprintKey(msg.Interface, mac, ip, vlan, hasVLAN)
	fp, ok := h.Footprints[key]
	if !ok {
		fp = &FootprintTuple{Interface: msg.Interface, MAC: mac, IP: ip, VLAN: vlan, HasVLAN: hasVLAN}
		h.Footprints[key] = fp
	}
	fp.LastSent = now
}

// classify recomputes a Host's PTP state per spec §4.4 rules 1-5, evaluated
// in order. BMCA may subsequently override the result to Grandmaster — see
// Registry.ApplyElection.
func (r *Registry) classify(h *Host, now time.Time) {
	// Apart from Ingest's reset on a domain/version/transport change, only
	// the BMCA pass (ApplyElection) clears Grandmaster; classification
	// defers to it so a host doesn't flap every message.
	// It still recomputes confidence, since that's independent of state.
	if h.State == StateGrandmaster {
		h.Confidence = r.confidence(h, now)
		return
	}

	announceInterval := h.expectedAnnounceInterval()
	announceWindow := time.Duration(r.cfg.AnnounceTimeoutMultiplier) * announceInterval
	receiptTimeout := h.receiptTimeout(r.cfg.AnnounceReceiptTimeoutMul)

	announceCounter := h.Counters[ptp.MessageAnnounce]
	syncCounter := h.Counters[ptp.MessageSync]
	delayReqCounter := h.Counters[ptp.MessageDelayReq]
	pdelayReqCounter := h.Counters[ptp.MessagePDelayReq]
	pdelayRespCounter := h.Counters[ptp.MessagePDelayResp]

	switch {
	case announceCounter != nil && now.Sub(announceCounter.LastSeen) <= announceWindow:
		h.State = StateMaster
	case syncCounter != nil && now.Sub(syncCounter.LastSeen) <= announceWindow:
		h.State = StateMaster
	case (delayReqCounter != nil && now.Sub(delayReqCounter.LastSeen) <= announceWindow) ||
		(pdelayReqCounter != nil && now.Sub(pdelayReqCounter.LastSeen) <= announceWindow):
		h.State = StateSlave
	case pdelayRespCounter != nil && now.Sub(pdelayRespCounter.LastSeen) <= announceWindow &&
		onlyPDelayResp(h):
		h.State = StatePassive
	case now.Sub(h.LastSeen) > receiptTimeout:
		h.State = StateInactive
	default:
		if h.State != StateGrandmaster {
			h.State = StateListening
		}
	}

	h.Confidence = r.confidence(h, now)
}

func onlyPDelayResp(h *Host) bool {
	for mt, c := range h.Counters {
		if mt == ptp.MessagePDelayResp {
			continue
		}
		if c.Count > 0 {
			return false
		}
	}
	return true
}

// confidence derives the [0,1] quality score from Announce and Sync
// regularity (spec §4.4).
func (r *Registry) confidence(h *Host, now time.Time) float64 {
	interval := h.expectedAnnounceInterval()
	expectedRate := 1.0 / interval.Seconds()

	regularity := func(c *Counter) (float64, bool) {
		if c == nil || c.RateEMA == 0 {
			return 0, false
		}
		r := 1 - math.Abs(c.RateEMA-expectedRate)/expectedRate
		return clamp01(r), true
	}

	aReg, aOK := regularity(h.Counters[ptp.MessageAnnounce])
	sReg, sOK := regularity(h.Counters[ptp.MessageSync])

	switch {
	case aOK && sOK:
		return math.Min(aReg, sReg)
	case aOK:
		return aReg
	case sOK:
		return sReg
	default:
		return 0
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// Tick ages Hosts: recomputes classification for every Host, evicts Hosts
// silent past the eviction threshold, and drops stale Announce datasets.
// Implements spec §4.4 "Ageing". O(n) in host count, adequate per §9.
func (r *Registry) Tick(now time.Time) {
	evictionThreshold := time.Duration(r.cfg.HostEvictionSeconds) * time.Second
	for id, h := range r.hosts {
		if now.Sub(h.LastSeen) > evictionThreshold {
			delete(r.hosts, id)
			continue
		}
		r.classify(h, now)
		if h.Announce != nil {
			staleAfter := time.Duration(r.cfg.AnnounceTimeoutMultiplier) * h.expectedAnnounceInterval()
			if now.Sub(h.Announce.ObservedAt) > staleAfter {
				h.Announce = nil
			}
		}
	}
}

// Hosts returns an ordered, cloned snapshot of every Host currently
// tracked, safe to hand to an observer. Order: by state (Grandmaster,
// Master, Slave, Passive, Listening, then Inactive), then by Clock Identity
// string for determinism.
func (r *Registry) Hosts() []*Host {
	out := make([]*Host, 0, len(r.hosts))
	for _, h := range r.hosts {
		out = append(out, h.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].State != out[j].State {
			return rank(out[i].State) < rank(out[j].State)
		}
		return out[i].ClockIdentity.String() < out[j].ClockIdentity.String()
	})
	return out
}

func rank(s State) int {
	switch s {
	case StateGrandmaster:
		return 0
	case StateMaster:
		return 1
	case StateSlave:
		return 2
	case StatePassive:
		return 3
	case StateListening:
		return 4
	default:
		return 5
	}
}

// HostsForBMCA returns the live (non-cloned) Hosts that carry a
// non-stale Announce dataset, grouped by domain — the input C5 needs.
func (r *Registry) HostsForBMCA() map[uint8][]*Host {
	out := make(map[uint8][]*Host)
	for _, h := range r.hosts {
		if h.Announce == nil {
			continue
		}
		out[h.DomainNumber] = append(out[h.DomainNumber], h)
	}
	return out
}

// AllHosts returns the live (non-cloned) Hosts, for internal use by the
// topology builder and pipeline, which run in the same goroutine as
// Ingest/Tick and must not mutate what they're handed.
func (r *Registry) AllHosts() map[ptp.ClockIdentity]*Host {
	return r.hosts
}

// HostByClockIdentity looks up a live Host by identity, or nil.
func (r *Registry) HostByClockIdentity(id ptp.ClockIdentity) *Host {
	return r.hosts[id]
}

// ApplyElection forces the winning clock's state to Grandmaster and demotes
// any other Grandmaster in the same domain back to Master, per spec §4.4
// "After BMCA". A GMChangeEvent is recorded when the winner changes.
func (r *Registry) ApplyElection(domain uint8, winner ptp.ClockIdentity, at time.Time) {
	var oldWinner ptp.ClockIdentity
	for _, h := range r.hosts {
		if h.DomainNumber != domain {
			continue
		}
		if h.State == StateGrandmaster {
			oldWinner = h.ClockIdentity
			if h.ClockIdentity != winner {
				h.State = StateMaster
			}
		}
	}
	if !winner.IsZero() {
		if w, ok := r.hosts[winner]; ok {
			w.State = StateGrandmaster
			w.IsGrandmaster = true
			w.IsPrimaryTimeTransmitter = true
		}
	}
	for _, h := range r.hosts {
		if h.DomainNumber == domain && h.ClockIdentity != winner {
			h.IsGrandmaster = false
			h.IsPrimaryTimeTransmitter = false
		}
	}
	if oldWinner != winner {
		r.gmEvents = append(r.gmEvents, GMChangeEvent{Domain: domain, OldWinner: oldWinner, NewWinner: winner, At: at})
	}
}

// DrainGMEvents returns and clears the accumulated GM change events.
func (r *Registry) DrainGMEvents() []GMChangeEvent {
	ev := r.gmEvents
	r.gmEvents = nil
	return ev
}

// ClearAll removes every Host, implementing the observer ClearAll command.
func (r *Registry) ClearAll() {
	r.hosts = make(map[ptp.ClockIdentity]*Host)
}

// ClearHost removes a single Host by identity, implementing ClearHost.
func (r *Registry) ClearHost(id ptp.ClockIdentity) {
	delete(r.hosts, id)
}

// Len reports the current number of tracked Hosts.
func (r *Registry) Len() int {
	return len(r.hosts)
}
