// Package capture implements C1, the Frame Source: a lazy sequence of
// timestamped raw frames from either a live NIC (promiscuous capture via
// pkg/pcap) or an offline trace file. Finite in offline mode, effectively
// infinite in live mode. A Source is restartable only by constructing a new
// one — it does not reset itself.
package capture

import (
	"context"
	"fmt"
	"log"
	"net"
	"strings"
	"time"

	"ptptrace/internal/ptp"
	"ptptrace/pkg/pcap"
)

// Frame is the tuple C1 yields: capture timestamp, ingress interface, raw
// bytes off the wire (including any VLAN tag).
type Frame struct {
	CaptureTime time.Time
	Interface   string
	Data        []byte
}

// Source is the contract both live and offline capture implement.
type Source interface {
	// Frames returns the channel of captured frames. Closed when the
	// source is exhausted (offline) or cancelled (live).
	Frames() <-chan Frame
	// Errors returns non-fatal errors observed during capture (one per
	// occurrence, per spec §4.1).
	Errors() <-chan error
	// Close releases underlying OS resources.
	Close()
}

const defaultSnapLen int32 = 1600

// virtualPrefixes are the name heuristics used to exclude transient/virtual
// interfaces from auto-discovery (spec §4.1), grounded on the original
// source's is_suitable_interface prefix list.
var virtualPrefixes = []string{
	"docker", "br-", "veth", "tun", "tap", "vnet", "utun", "virbr",
	"vmnet", "wg", "dummy", "bond", "team", "macvlan", "flannel", "cni0",
}

// SelectInterfaces returns the interface names to capture on: the explicit
// list verbatim if non-empty, otherwise every OS interface surviving the
// virtual-name heuristic and loopback exclusion.
func SelectInterfaces(explicit []string, filterVirtual bool) ([]string, error) {
	if len(explicit) > 0 {
		return explicit, nil
	}
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, fmt.Errorf("enumerating interfaces: %w", err)
	}
	var out []string
	for _, iface := range ifaces {
		if iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		if filterVirtual && isVirtualName(iface.Name) {
			continue
		}
		out = append(out, iface.Name)
	}
	return out, nil
}

func isVirtualName(name string) bool {
	lower := strings.ToLower(name)
	for _, p := range virtualPrefixes {
		if strings.HasPrefix(lower, p) {
			return true
		}
	}
	return false
}

// LocalMACs enumerates the MAC addresses of every interface on this host
// machine, used by the registry's isLocal flag.
func LocalMACs() map[string]struct{} {
	out := make(map[string]struct{})
	ifaces, err := net.Interfaces()
	if err != nil {
		return out
	}
	for _, iface := range ifaces {
		if len(iface.HardwareAddr) > 0 {
			out[iface.HardwareAddr.String()] = struct{}{}
		}
	}
	return out
}

// backoff bounds live-source retry per spec §4.1: initial 250ms, cap 5s.
type backoff struct {
	cur time.Duration
}

func newBackoff() *backoff { return &backoff{cur: 250 * time.Millisecond} }

func (b *backoff) next() time.Duration {
	d := b.cur
	b.cur *= 2
	if b.cur > 5*time.Second {
		b.cur = 5 * time.Second
	}
	return d
}

func (b *backoff) reset() { b.cur = 250 * time.Millisecond }

// LiveSource captures from one or more live interfaces in promiscuous mode.
// Per-interface frame order is preserved; across interfaces, ordering is
// arbitrary (spec §5).
type LiveSource struct {
	ctx     context.Context
	cancel  context.CancelFunc
	frames  chan Frame
	errs    chan error
	handles []*pcap.Handle
}

// NewLiveSource opens a promiscuous capture handle on every named interface.
// Returns *ptp.NoSuchInterfaceError / permission errors verbatim from the
// OS layer so the caller can map them to exit codes per spec §6.
func NewLiveSource(ctx context.Context, ifaces []string, snapLen int32) (*LiveSource, error) {
	if snapLen <= 0 {
		snapLen = defaultSnapLen
	}
	cctx, cancel := context.WithCancel(ctx)
	ls := &LiveSource{
		ctx:    cctx,
		cancel: cancel,
		frames: make(chan Frame, 1024),
		errs:   make(chan error, 64),
	}

	for _, name := range ifaces {
		h, err := pcap.OpenLive(name, snapLen, true)
		if err != nil {
			ls.closeHandles()
			cancel()
			return nil, classifyOpenError(name, err)
		}
		ls.handles = append(ls.handles, h)
		go ls.captureLoop(name, h)
	}
	return ls, nil
}

func classifyOpenError(iface string, err error) error {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "permission") || strings.Contains(msg, "operation not permitted"):
		return fmt.Errorf("%w: %s: %v", ptp.ErrPermissionDenied, iface, err)
	case strings.Contains(msg, "no such device") || strings.Contains(msg, "not found"):
		return &ptp.NoSuchInterfaceError{Name: iface}
	default:
		return &ptp.CaptureError{Interface: iface, OSCode: err}
	}
}

func (ls *LiveSource) closeHandles() {
	for _, h := range ls.handles {
		h.Close()
	}
}

func (ls *LiveSource) captureLoop(iface string, h *pcap.Handle) {
	b := newBackoff()
	consecutiveFailures := 0
	for {
		select {
		case <-ls.ctx.Done():
			return
		default:
		}

		data, ci, err := h.ReadPacketData()
		if err != nil {
			consecutiveFailures++
			degraded := consecutiveFailures > 10
			select {
			case ls.errs <- &ptp.CaptureError{Interface: iface, OSCode: err, Consecutive: consecutiveFailures, Degraded: degraded}:
			default:
			}
			if degraded {
				log.Printf("capture: interface %s marked degraded after %d consecutive failures", iface, consecutiveFailures)
			}
			select {
			case <-time.After(b.next()):
				continue
			case <-ls.ctx.Done():
				return
			}
		}
		consecutiveFailures = 0
		b.reset()

		frame := Frame{CaptureTime: pcap.PacketTimestamp(ci), Interface: iface, Data: data}
		select {
		case ls.frames <- frame:
		case <-ls.ctx.Done():
			return
		default:
			// Bounded channel full: discard the oldest buffered frame
			// and enqueue this one. If the buffer was drained in the
			// meantime, this frame is dropped instead. The MPSC queue
			// downstream (internal/pipeline) is the documented drop
			// point; this local buffer is just slack.
			select {
			case <-ls.frames:
				ls.frames <- frame
			default:
			}
		}
	}
}

func (ls *LiveSource) Frames() <-chan Frame { return ls.frames }
func (ls *LiveSource) Errors() <-chan error { return ls.errs }

func (ls *LiveSource) Close() {
	ls.cancel()
	ls.closeHandles()
}

// OfflineSource replays a trace file in file order, terminating at
// end-of-trace.
type OfflineSource struct {
	handle *pcap.Handle
	frames chan Frame
	errs   chan error
	done   chan struct{}
}

// NewOfflineSource opens a trace file and begins replaying it in a
// background goroutine; Frames() closes when the file is exhausted.
func NewOfflineSource(path string) (*OfflineSource, error) {
	h, err := pcap.OpenOffline(path)
	if err != nil {
		return nil, &ptp.TraceFormatError{Offset: 0, Reason: err.Error()}
	}
	os := &OfflineSource{
		handle: h,
		frames: make(chan Frame, 1024),
		errs:   make(chan error, 16),
		done:   make(chan struct{}),
	}
	go os.replay(path)
	return os, nil
}

func (o *OfflineSource) replay(path string) {
	defer close(o.frames)
	var offset int64
	for {
		data, ci, err := o.handle.ReadPacketData()
		if err != nil {
			if err.Error() != "EOF" {
				select {
				case o.errs <- &ptp.TraceFormatError{Offset: offset, Reason: err.Error()}:
				default:
				}
			}
			return
		}
		offset += int64(len(data))
		select {
		case o.frames <- Frame{CaptureTime: pcap.PacketTimestamp(ci), Interface: path, Data: data}:
		case <-o.done:
			return
		}
	}
}

func (o *OfflineSource) Frames() <-chan Frame { return o.frames }
func (o *OfflineSource) Errors() <-chan error { return o.errs }

func (o *OfflineSource) Close() {
	close(o.done)
	o.handle.Close()
}
