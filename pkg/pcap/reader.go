// Package pcap is a thin wrapper over gopacket/pcap giving the rest of the
// repository a single narrow surface for opening live and offline capture
// handles, the way the teacher's pkg/pcap separates transport concerns from
// the engine that consumes decoded packets.
package pcap

import (
	"time"

	"github.com/google/gopacket"
	gopcap "github.com/google/gopacket/pcap"
)

// Handle wraps a pcap.Handle, exposing just what Frame Source needs:
// sequential raw-frame reads with capture metadata, plus close.
type Handle struct {
	h *gopcap.Handle
}

// OpenLive opens iface in promiscuous mode with the given snap length
// (spec.md requires >= 1600 bytes) and an infinite read timeout; the caller
// is expected to apply its own cancellation.
func OpenLive(iface string, snapLen int32, promiscuous bool) (*Handle, error) {
	h, err := gopcap.OpenLive(iface, snapLen, promiscuous, gopcap.BlockForever)
	if err != nil {
		return nil, err
	}
	return &Handle{h: h}, nil
}

// OpenOffline opens a trace file in the standard capture format (pcap or
// pcapng, whichever gopacket's underlying libpcap build supports).
func OpenOffline(path string) (*Handle, error) {
	h, err := gopcap.OpenOffline(path)
	if err != nil {
		return nil, err
	}
	return &Handle{h: h}, nil
}

// ReadPacketData blocks until the next frame is available and returns its
// bytes plus the capture metadata libpcap attached to it. Unlike the
// underlying handle's zero-copy variant, the returned slice is a fresh copy
// owned by the caller: the frame is handed across goroutines and channels
// before decode.Decode retains sub-slices of it as RawBytes, and libpcap is
// free to overwrite its internal buffer on the very next read.
func (h *Handle) ReadPacketData() ([]byte, gopacket.CaptureInfo, error) {
	return h.h.ReadPacketData()
}

// Close releases the underlying pcap handle.
func (h *Handle) Close() {
	h.h.Close()
}

// LinkType reports the link-layer type of the capture, needed by callers
// that want to confirm they opened an Ethernet source.
func (h *Handle) LinkType() gopacket.Decoder {
	return gopcap.LayerType(h.h.LinkType())
}

// Device is a live capture-capable interface as reported by the OS, with
// enough detail for interface enumeration and filtering.
type Device struct {
	Name      string
	Addresses []gopcap.InterfaceAddress
	Flags     uint32
}

// ListDevices enumerates OS network interfaces visible to pcap.
func ListDevices() ([]Device, error) {
	devs, err := gopcap.FindAllDevs()
	if err != nil {
		return nil, err
	}
	out := make([]Device, 0, len(devs))
	for _, d := range devs {
		out = append(out, Device{Name: d.Name, Addresses: d.Addresses, Flags: uint32(d.Flags)})
	}
	return out, nil
}

// PacketTimestamp extracts a capture timestamp from gopacket capture info,
// falling back to wall-clock now when the underlying handle did not supply
// one (can happen with some virtual/offline sources).
func PacketTimestamp(ci gopacket.CaptureInfo) time.Time {
	if ci.Timestamp.IsZero() {
		return time.Now()
	}
	return ci.Timestamp
}
