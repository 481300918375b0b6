// Package bmca implements C5: the Best Master Clock Algorithm dataset
// comparison of IEEE 1588-2019 §9.3.4, simplified per spec.md §4.5's exact
// eight-step strict lexicographic ordering. Pure functions only — Evaluate
// takes a snapshot of candidate datasets and returns a winner, never
// touching registry state itself (the pipeline applies the result via
// registry.ApplyElection).
package bmca

import (
	"sort"

	"ptptrace/internal/ptp"
	"ptptrace/internal/registry"
)

// Candidate is the minimal per-host input BMCA compares: its Announce
// dataset plus the source port identity that advertised it.
type Candidate struct {
	ClockIdentity ptp.ClockIdentity
	Port          ptp.PortIdentity
	Dataset       registry.AnnounceDataset
}

// Result is the outcome of one domain's election.
type Result struct {
	Domain uint8
	Winner ptp.ClockIdentity
	Won    bool // false when the candidate set was empty
}

// FromHosts builds the Candidate slice BMCA needs from a domain's live
// Hosts (as returned by registry.Registry.HostsForBMCA).
func FromHosts(hosts []*registry.Host) []Candidate {
	out := make([]Candidate, 0, len(hosts))
	for _, h := range hosts {
		if h.Announce == nil {
			continue
		}
		out = append(out, Candidate{
			ClockIdentity: h.ClockIdentity,
			Port:          ptp.PortIdentity{ClockIdentity: h.ClockIdentity, PortNumber: firstPort(h)},
			Dataset:       *h.Announce,
		})
	}
	return out
}

func firstPort(h *registry.Host) uint16 {
	for p := range h.PortNumbers {
		return p
	}
	return 0
}

// Evaluate runs the dataset comparison over a fixed set of candidates and
// returns the winner. Evaluate is a total order: it is idempotent and its
// result does not depend on input order (ties are broken deterministically
// by clock/port identity, spec step 8).
func Evaluate(domain uint8, candidates []Candidate) Result {
	if len(candidates) == 0 {
		return Result{Domain: domain}
	}
	best := candidates[0]
	for _, c := range candidates[1:] {
		if better(c, best) {
			best = c
		}
	}
	return Result{Domain: domain, Winner: best.ClockIdentity, Won: true}
}

// EvaluateAll partitions candidates by domain (via the caller-supplied
// per-domain map) and evaluates each independently.
func EvaluateAll(byDomain map[uint8][]*registry.Host) []Result {
	domains := make([]uint8, 0, len(byDomain))
	for d := range byDomain {
		domains = append(domains, d)
	}
	sort.Slice(domains, func(i, j int) bool { return domains[i] < domains[j] })

	results := make([]Result, 0, len(domains))
	for _, d := range domains {
		results = append(results, Evaluate(d, FromHosts(byDomain[d])))
	}
	return results
}

// better reports whether a beats b under the spec's 8-step comparison.
// All numeric comparisons are unsigned, lower wins, per spec.
func better(a, b Candidate) bool {
	if a.Dataset.GrandmasterIdentity != b.Dataset.GrandmasterIdentity {
		// Different advertised GM: steps 2-7 decide who has the better
		// candidate GM dataset outright.
		if c := cmpUint8(a.Dataset.Priority1, b.Dataset.Priority1); c != 0 {
			return c < 0
		}
		if c := cmpUint8(a.Dataset.ClockClass, b.Dataset.ClockClass); c != 0 {
			return c < 0
		}
		if c := cmpUint8(a.Dataset.ClockAccuracy, b.Dataset.ClockAccuracy); c != 0 {
			return c < 0
		}
		if c := cmpUint16(a.Dataset.OffsetScaledLogVariance, b.Dataset.OffsetScaledLogVariance); c != 0 {
			return c < 0
		}
		if c := cmpUint8(a.Dataset.Priority2, b.Dataset.Priority2); c != 0 {
			return c < 0
		}
		return a.Dataset.GrandmasterIdentity.Uint64() < b.Dataset.GrandmasterIdentity.Uint64()
	}

	// Step 1/7: same advertised GM — compare topology (step 8).
	if a.Dataset.StepsRemoved != b.Dataset.StepsRemoved {
		return a.Dataset.StepsRemoved < b.Dataset.StepsRemoved
	}
	if a.ClockIdentity != b.ClockIdentity {
		return a.ClockIdentity.Uint64() < b.ClockIdentity.Uint64()
	}
	return a.Port.PortNumber < b.Port.PortNumber
}

func cmpUint8(a, b uint8) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func cmpUint16(a, b uint16) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}
