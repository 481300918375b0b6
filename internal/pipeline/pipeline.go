// Package pipeline wires C1 through C8 (plus the C9 relay alternative)
// into one running system: one goroutine per capture source, one central
// goroutine that owns every piece of mutable domain state, and one
// snapshot-publish ticker goroutine, coordinated the way the teacher's
// Manager/FlowAggregator/ExactAggregator structure their worker pools —
// a blocking Run(ctx) lifecycle ended by context cancellation, a WaitGroup
// per goroutine group.
package pipeline

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"ptptrace/internal/bmca"
	"ptptrace/internal/capture"
	"ptptrace/internal/config"
	"ptptrace/internal/decode"
	"ptptrace/internal/mcast"
	"ptptrace/internal/ptp"
	"ptptrace/internal/registry"
	"ptptrace/internal/relay"
	"ptptrace/internal/ring"
	"ptptrace/internal/snapshot"
	"ptptrace/internal/topology"
)

const overrunWindow = 10 * time.Second

// queuedFrame is what the capture-side goroutines hand to the central
// goroutine across the MPSC queue.
type queuedFrame struct {
	captureTime time.Time
	iface       string
	data        []byte
}

type cmdRequest struct {
	cmd  snapshot.Command
	done chan struct{}
}

// Pipeline owns every piece of C3-C8 state and the goroutines that drive
// it. All registry/ring/topology access happens on the central goroutine;
// everything else reaches that state only by round-tripping a request
// through snapshotReq or cmdReq, never by calling into it directly.
type Pipeline struct {
	cfg config.Config

	reg *registry.Registry
	buf *ring.Ring
	pub *snapshot.Publisher

	sources    []capture.Source
	relaySrc   *relay.Source
	joiner     *mcast.Joiner
	liveIfaces []string

	frameQueue chan queuedFrame

	droppedFrames   uint64
	framesThisWindow  uint64
	droppedThisWindow uint64
	captureOverrun  bool

	decodeWarnCounts map[ptp.DecodeWarning]uint64
	degraded         map[string]bool
	lastError        string
	statusMu         sync.Mutex

	// ingestPaused is read and written only on the central goroutine (via
	// cmdReq), so it needs no synchronization of its own.
	ingestPaused bool

	snapshotReq chan chan snapshot.Snapshot
	cmdReq      chan cmdRequest

	wg sync.WaitGroup
}

// New constructs a Pipeline from configuration. localMACs flags a host's
// own frames as IsLocal in the registry.
func New(cfg config.Config, localMACs map[string]struct{}) *Pipeline {
	regCfg := registry.Config{
		AnnounceTimeoutMultiplier: cfg.AnnounceTimeoutMultiplier,
		HostEvictionSeconds:       cfg.HostEvictionSeconds,
		AnnounceReceiptTimeoutMul: 10,
	}
	p := &Pipeline{
		cfg:              cfg,
		reg:              registry.New(regCfg, registry.LocalMACs(localMACs)),
		buf:              ring.New(cfg.PacketRingCapacity),
		frameQueue:       make(chan queuedFrame, queueSizeOrDefault(cfg.MpscQueueSize)),
		decodeWarnCounts: make(map[ptp.DecodeWarning]uint64),
		degraded:         make(map[string]bool),
		snapshotReq:      make(chan chan snapshot.Snapshot),
		cmdReq:           make(chan cmdRequest),
	}
	interval := time.Duration(cfg.UpdateIntervalMs) * time.Millisecond
	p.pub = snapshot.NewPublisher(interval, p.requestSnapshot, p.requestCommand)
	return p
}

func queueSizeOrDefault(n int) int {
	if n <= 0 {
		return 8192
	}
	return n
}

// Publisher exposes the snapshot publisher so observers (cmd/ptptrace) can
// Subscribe and issue Control commands.
func (p *Pipeline) Publisher() *snapshot.Publisher { return p.pub }

// Run starts every goroutine group and blocks until ctx is cancelled, then
// waits up to a 2-second deadline for clean shutdown, per spec §5.
func (p *Pipeline) Run(ctx context.Context) error {
	sources, err := p.openSources(ctx)
	if err != nil {
		return err
	}
	p.sources = sources

	for _, src := range p.sources {
		p.wg.Add(1)
		go p.forwardFrames(ctx, src)
	}

	p.wg.Add(1)
	go p.centralLoop(ctx)

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.pub.Run(ctx)
	}()

	<-ctx.Done()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		log.Printf("pipeline: shutdown deadline exceeded, exiting anyway")
	}

	for _, src := range p.sources {
		src.Close()
	}
	if p.relaySrc != nil {
		p.relaySrc.Close()
	}
	if p.joiner != nil {
		p.joiner.Close()
	}
	return nil
}

func (p *Pipeline) openSources(ctx context.Context) ([]capture.Source, error) {
	if p.cfg.Relay.Enabled && p.cfg.Relay.Mode == "sub" {
		src, err := relay.NewSource(p.cfg.Relay.NatsURL, p.cfg.Relay.Subject)
		if err != nil {
			return nil, fmt.Errorf("pipeline: opening relay source: %w", err)
		}
		p.relaySrc = src
		return nil, nil
	}

	if p.cfg.PcapFile != "" {
		src, err := capture.NewOfflineSource(p.cfg.PcapFile)
		if err != nil {
			return nil, fmt.Errorf("pipeline: opening trace file: %w", err)
		}
		return []capture.Source{src}, nil
	}

	ifaces, err := capture.SelectInterfaces(p.cfg.Interfaces, p.cfg.InterfaceFilterVirtual)
	if err != nil {
		return nil, fmt.Errorf("pipeline: selecting interfaces: %w", err)
	}
	if len(ifaces) == 0 {
		return nil, fmt.Errorf("pipeline: no capture interfaces available")
	}
	p.liveIfaces = ifaces
	p.joiner = mcast.JoinAll(ifaces)

	snapLen := int32(p.cfg.SnapLength)
	live, err := capture.NewLiveSource(ctx, ifaces, snapLen)
	if err != nil {
		p.joiner.Close()
		p.joiner = nil
		return nil, fmt.Errorf("pipeline: opening live capture: %w", err)
	}
	return []capture.Source{live}, nil
}

// forwardFrames drains one capture source into the shared MPSC queue,
// dropping the oldest queued frame when the queue is full (spec §5).
func (p *Pipeline) forwardFrames(ctx context.Context, src capture.Source) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case f, ok := <-src.Frames():
			if !ok {
				return
			}
			p.enqueue(queuedFrame{captureTime: f.CaptureTime, iface: f.Interface, data: f.Data})
		case err, ok := <-src.Errors():
			if ok {
				p.recordError(err)
			}
		}
	}
}

func (p *Pipeline) enqueue(qf queuedFrame) {
	select {
	case p.frameQueue <- qf:
		return
	default:
	}
	select {
	case <-p.frameQueue:
		atomic.AddUint64(&p.droppedFrames, 1)
		atomic.AddUint64(&p.droppedThisWindow, 1)
	default:
	}
	select {
	case p.frameQueue <- qf:
	default:
	}
}

func (p *Pipeline) recordError(err error) {
	p.statusMu.Lock()
	p.lastError = err.Error()
	if ce, ok := err.(*ptp.CaptureError); ok && ce.Degraded {
		p.degraded[ce.Interface] = true
	}
	p.statusMu.Unlock()
	log.Printf("pipeline: %v", err)
}

// centralLoop owns the registry, packet ring, and topology state. It is
// the only goroutine that ever touches them.
func (p *Pipeline) centralLoop(ctx context.Context) {
	defer p.wg.Done()

	evictTicker := time.NewTicker(1 * time.Second)
	defer evictTicker.Stop()
	windowTicker := time.NewTicker(overrunWindow)
	defer windowTicker.Stop()

	var relayEnvelopes <-chan relay.Envelope
	var relayErrors <-chan error
	if p.relaySrc != nil {
		relayEnvelopes = p.relaySrc.Envelopes()
		relayErrors = p.relaySrc.Errors()
	}

	for {
		select {
		case <-ctx.Done():
			return

		case qf := <-p.frameQueue:
			// While paused, frames are drained but not ingested: per
			// spec §4.8, ingestion halts but the queue must keep moving
			// so capture tasks never block on a full channel.
			if !p.ingestPaused {
				p.ingestFrame(qf.captureTime, qf.iface, qf.data)
			}

		case env := <-relayEnvelopes:
			if !p.ingestPaused {
				p.ingestFrame(env.CaptureTime, env.Interface, env.Data)
			}

		case err := <-relayErrors:
			if err != nil {
				p.recordError(err)
			}

		case <-evictTicker.C:
			p.reg.Tick(time.Now())

		case <-windowTicker.C:
			p.updateOverrunStatus()

		case respCh := <-p.snapshotReq:
			respCh <- p.buildSnapshot(time.Now())

		case req := <-p.cmdReq:
			p.applyCommand(req.cmd)
			close(req.done)
		}
	}
}

func (p *Pipeline) ingestFrame(captureTime time.Time, iface string, data []byte) {
	msg, err := decode.Decode(captureTime, iface, data, noNativeVLAN)
	if err != nil {
		var de *ptp.DecodeError
		if asDecodeError(err, &de) && de.IsSilent() {
			atomic.AddUint64(&p.framesThisWindow, 1)
			return
		}
		p.recordError(err)
		atomic.AddUint64(&p.framesThisWindow, 1)
		return
	}

	atomic.AddUint64(&p.framesThisWindow, 1)
	for _, w := range msg.Warnings {
		p.statusMu.Lock()
		p.decodeWarnCounts[w]++
		p.statusMu.Unlock()
	}

	p.reg.Ingest(msg)
	p.buf.Push(msg)
}

func asDecodeError(err error, target **ptp.DecodeError) bool {
	de, ok := err.(*ptp.DecodeError)
	if ok {
		*target = de
	}
	return ok
}

func noNativeVLAN(iface string) (uint16, bool) { return 0, false }

func (p *Pipeline) updateOverrunStatus() {
	total := atomic.SwapUint64(&p.framesThisWindow, 0)
	dropped := atomic.SwapUint64(&p.droppedThisWindow, 0)
	p.statusMu.Lock()
	p.captureOverrun = total > 0 && float64(dropped) > float64(total)*0.01
	p.statusMu.Unlock()
}

func (p *Pipeline) buildSnapshot(now time.Time) snapshot.Snapshot {
	byDomain := p.reg.HostsForBMCA()
	results := bmca.EvaluateAll(byDomain)
	gmByDomain := make(map[uint8]ptp.ClockIdentity, len(results))
	for _, r := range results {
		if r.Won {
			p.reg.ApplyElection(r.Domain, r.Winner, now)
			gmByDomain[r.Domain] = r.Winner
		}
	}

	hosts := p.reg.Hosts()
	recent := p.buf.Tail(256)
	edges := topology.Build(p.reg.AllHosts(), recent, now)

	p.statusMu.Lock()
	status := snapshot.Status{
		DegradedInterfaces:  degradedList(p.degraded),
		DecodeWarningCounts: cloneWarnCounts(p.decodeWarnCounts),
		DroppedFrames:       atomic.LoadUint64(&p.droppedFrames),
		CaptureOverrun:      p.captureOverrun,
		LastError:           p.lastError,
	}
	p.statusMu.Unlock()

	return snapshot.Snapshot{
		GeneratedAt: now,
		Hosts:       hosts,
		Grandmaster: gmByDomain,
		Edges:       edges,
		Recent:      recent,
		Status:      status,
	}
}

func degradedList(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for name, bad := range m {
		if bad {
			out = append(out, name)
		}
	}
	return out
}

func cloneWarnCounts(m map[ptp.DecodeWarning]uint64) map[ptp.DecodeWarning]uint64 {
	out := make(map[ptp.DecodeWarning]uint64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func (p *Pipeline) applyCommand(cmd snapshot.Command) {
	switch c := cmd.(type) {
	case snapshot.Pause:
		p.ingestPaused = true
	case snapshot.Resume:
		p.ingestPaused = false
	case snapshot.ClearAll:
		p.reg.ClearAll()
		p.buf.ClearAll()
	case snapshot.ClearHost:
		p.reg.ClearHost(c.ClockIdentity)
		p.buf.ClearHost(c.ClockIdentity)
	case snapshot.Rescan:
		p.rescan()
	}
}

// rescan re-enumerates interfaces and rejoins multicast groups per spec
// §6 "Rescan re-runs interface discovery and multicast joins". It is a
// no-op when running against an offline trace or a relay source, neither
// of which has live interfaces to rejoin.
func (p *Pipeline) rescan() {
	if p.cfg.PcapFile != "" || (p.cfg.Relay.Enabled && p.cfg.Relay.Mode == "sub") {
		return
	}
	ifaces, err := capture.SelectInterfaces(p.cfg.Interfaces, p.cfg.InterfaceFilterVirtual)
	if err != nil {
		p.recordError(fmt.Errorf("pipeline: rescan: %w", err))
		return
	}
	if p.joiner != nil {
		p.joiner.Close()
	}
	p.liveIfaces = ifaces
	p.joiner = mcast.JoinAll(ifaces)
	log.Printf("pipeline: rescan rejoined multicast groups on %v", ifaces)
}

func (p *Pipeline) requestSnapshot(now time.Time) snapshot.Snapshot {
	respCh := make(chan snapshot.Snapshot, 1)
	p.snapshotReq <- respCh
	return <-respCh
}

func (p *Pipeline) requestCommand(cmd snapshot.Command) {
	done := make(chan struct{})
	p.cmdReq <- cmdRequest{cmd: cmd, done: done}
	<-done
}
