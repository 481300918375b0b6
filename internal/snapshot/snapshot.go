// Package snapshot implements C8: an immutable view of everything the
// pipeline currently knows, plus the ticker-driven publisher that produces
// a fresh one on a fixed cadence and fans it out to observers. Observers
// never see partially-updated state — they only ever see a Snapshot that
// was fully built before being handed to them.
package snapshot

import (
	"context"
	"sync"
	"time"

	"ptptrace/internal/ptp"
	"ptptrace/internal/registry"
	"ptptrace/internal/topology"
)

// Status carries pipeline health alongside the domain data, per spec §4.8.
type Status struct {
	DegradedInterfaces  []string
	DecodeWarningCounts map[ptp.DecodeWarning]uint64
	DroppedFrames       uint64
	CaptureOverrun      bool
	LastError           string
}

// Snapshot is the immutable, fully-built view handed to observers. Once
// constructed it is never mutated — a new one replaces it wholesale.
type Snapshot struct {
	GeneratedAt time.Time
	Hosts       []*registry.Host
	Grandmaster map[uint8]ptp.ClockIdentity
	Edges       []topology.Edge
	Recent      []*ptp.Message
	Status      Status
}

// BuildFunc produces the next Snapshot; supplied by the pipeline, which
// owns all the mutable state a Snapshot is built from.
type BuildFunc func(now time.Time) Snapshot

// Command is a control-plane instruction an observer can issue back into
// the pipeline (spec §4.8: pause, resume, clear, rescan).
type Command interface{}

// ClearHost asks the pipeline to forget one clock identity.
type ClearHost struct{ ClockIdentity ptp.ClockIdentity }

// ClearAll asks the pipeline to forget every host and edge.
type ClearAll struct{}

// Pause asks the pipeline to stop ingesting frames; snapshot publishing
// continues and reflects the frozen state.
type Pause struct{}

// Resume reverses Pause.
type Resume struct{}

// Rescan asks the pipeline to rejoin multicast groups and re-enumerate
// interfaces, picking up any that appeared after startup.
type Rescan struct{}

const (
	// DefaultInterval is the snapshot cadence absent configuration.
	DefaultInterval = 1 * time.Second
	// MinInterval is the fastest cadence the publisher will run at.
	MinInterval = 100 * time.Millisecond
)

// Publisher owns the ticker loop, the single-slot coalescing channel per
// subscriber, and routes inbound Commands to a handler the pipeline
// supplies. Mirrors the teacher's ticker-driven aggregator publish loop,
// generalized from per-key counters to a single whole-state snapshot.
//
// Publisher does not itself implement Pause: per spec §4.8, pause halts
// ingestion while publication keeps reflecting the frozen state, so Pause
// and Resume are forwarded to onCmd along with every other command — the
// pipeline, which owns ingestion, is what actually pauses.
type Publisher struct {
	interval time.Duration
	build    BuildFunc
	onCmd    func(Command)

	mu   sync.Mutex
	subs map[chan Snapshot]struct{}

	control chan Command
}

// NewPublisher constructs a Publisher. interval below MinInterval is
// clamped up to it. onCmd receives every Command submitted via Control.
func NewPublisher(interval time.Duration, build BuildFunc, onCmd func(Command)) *Publisher {
	if interval < MinInterval {
		interval = MinInterval
	}
	return &Publisher{
		interval: interval,
		build:    build,
		onCmd:    onCmd,
		subs:     make(map[chan Snapshot]struct{}),
		control:  make(chan Command, 16),
	}
}

// Subscribe registers a new observer and returns its snapshot stream plus
// an unsubscribe function. The channel is buffered to exactly one slot:
// publishing coalesces by overwriting that slot rather than blocking or
// growing without bound when a consumer falls behind (spec §4.8).
func (p *Publisher) Subscribe() (<-chan Snapshot, func()) {
	ch := make(chan Snapshot, 1)
	p.mu.Lock()
	p.subs[ch] = struct{}{}
	p.mu.Unlock()
	unsubscribe := func() {
		p.mu.Lock()
		delete(p.subs, ch)
		p.mu.Unlock()
	}
	return ch, unsubscribe
}

// Control submits a command for the publisher's loop to process on its
// next iteration.
func (p *Publisher) Control(cmd Command) {
	select {
	case p.control <- cmd:
	default:
		// control queue full: drop rather than block the caller. A
		// backed-up control queue means the pipeline loop has already
		// stalled for other reasons.
	}
}

// Run drives the publish ticker until ctx is cancelled. It is meant to run
// in its own goroutine, one per pipeline instance.
func (p *Publisher) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case cmd := <-p.control:
			if p.onCmd != nil {
				p.onCmd(cmd)
			}
		case now := <-ticker.C:
			snap := p.build(now)
			p.publish(snap)
		}
	}
}

func (p *Publisher) publish(snap Snapshot) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for ch := range p.subs {
		select {
		case ch <- snap:
		default:
			// Slot occupied by an unconsumed snapshot: drain it and
			// replace with the newer one so subscribers always catch
			// up to the latest state instead of queuing history.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- snap:
			default:
			}
		}
	}
}
