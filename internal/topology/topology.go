// Package topology implements C6: it derives directed transmitter->receiver
// edges from observed message flows. The builder is stateless beyond its
// inputs — edges are rebuilt from scratch on every snapshot to avoid stale
// links (spec §4.6), and are value pairs of Clock Identities, never
// pointers, sidestepping back-reference lifetime issues (spec §9).
package topology

import (
	"time"

	"ptptrace/internal/ptp"
	"ptptrace/internal/registry"
	"ptptrace/internal/ring"
)

// Evidence names what observation produced an edge.
type Evidence int

const (
	EvidenceCoLocatedSyncOrAnnounce Evidence = iota
	EvidenceDelayReqDestinationMAC
	EvidenceAnnounceHierarchy
)

func (e Evidence) String() string {
	switch e {
	case EvidenceCoLocatedSyncOrAnnounce:
		return "co-located sync/announce"
	case EvidenceDelayReqDestinationMAC:
		return "delay-req destination MAC"
	case EvidenceAnnounceHierarchy:
		return "announce hierarchy"
	default:
		return "unknown"
	}
}

// Edge is a directed transmitter->receiver relationship.
type Edge struct {
	Transmitter ptp.ClockIdentity
	Receiver    ptp.ClockIdentity
	Evidence    Evidence
	Confidence  int
	LastUpdated time.Time
}

type edgeKey struct {
	tx, rx ptp.ClockIdentity
}

// Build reconstructs the full edge set from the registry's live hosts and
// the packet ring's recent history, per spec §4.6's three rules.
func Build(hosts map[ptp.ClockIdentity]*registry.Host, recent []*ptp.Message, now time.Time) []Edge {
	edges := make(map[edgeKey]*Edge)

	addEvidence := func(tx, rx ptp.ClockIdentity, ev Evidence) {
		if tx == rx || tx.IsZero() || rx.IsZero() {
			return
		}
		k := edgeKey{tx, rx}
		if e, ok := edges[k]; ok {
			e.Confidence++
			e.LastUpdated = now
		} else {
			edges[k] = &Edge{Transmitter: tx, Receiver: rx, Evidence: ev, Confidence: 1, LastUpdated: now}
		}
	}

	macToHost := make(map[string]ptp.ClockIdentity)
	ifaceHosts := make(map[string][]ptp.ClockIdentity)
	for id, h := range hosts {
		for _, fp := range h.Footprints {
			if fp.MAC != "" {
				macToHost[fp.MAC] = id
			}
			ifaceHosts[fp.Interface] = appendUnique(ifaceHosts[fp.Interface], id)
		}
	}

	for _, msg := range recent {
		if msg == nil {
			continue
		}
		txID := msg.Header.SourcePortIdentity.ClockIdentity
		txHost, ok := hosts[txID]
		if !ok {
			continue
		}

		switch msg.Header.MessageType {
		case ptp.MessageSync, ptp.MessageAnnounce:
			for _, rxID := range ifaceHosts[msg.Interface] {
				if rxID == txID {
					continue
				}
				if rxHost, ok := hosts[rxID]; ok && rxHost.DomainNumber == txHost.DomainNumber {
					addEvidence(txID, rxID, EvidenceCoLocatedSyncOrAnnounce)
				}
			}

		case ptp.MessageDelayReq:
			if dstID, ok := macToHost[msg.DstMAC.String()]; ok {
				addEvidence(dstID, txID, EvidenceDelayReqDestinationMAC)
			}
		}
	}

	// Announce hierarchy: R.stepsRemoved == T.stepsRemoved + 1, same GM.
	for txID, txHost := range hosts {
		if txHost.Announce == nil {
			continue
		}
		for rxID, rxHost := range hosts {
			if rxID == txID || rxHost.Announce == nil {
				continue
			}
			if rxHost.Announce.StepsRemoved == txHost.Announce.StepsRemoved+1 &&
				rxHost.Announce.GrandmasterIdentity == txHost.Announce.GrandmasterIdentity {
				addEvidence(txID, rxID, EvidenceAnnounceHierarchy)
			}
		}
	}

	out := make([]Edge, 0, len(edges))
	for _, e := range edges {
		out = append(out, *e)
	}
	return out
}

func appendUnique(s []ptp.ClockIdentity, id ptp.ClockIdentity) []ptp.ClockIdentity {
	for _, x := range s {
		if x == id {
			return s
		}
	}
	return append(s, id)
}

// BuildFromRing is a convenience wrapper taking the packet ring directly.
func BuildFromRing(hosts map[ptp.ClockIdentity]*registry.Host, r *ring.Ring, tailLen int, now time.Time) []Edge {
	return Build(hosts, r.Tail(tailLen), now)
}
