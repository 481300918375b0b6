// Package ptp defines the wire-level data types for IEEE 1588-2019 PTPv2
// and IEEE 802.1AS-2020 gPTP: clock/port identities, the common message
// header, and the per-message-type bodies. Types here are plain data —
// decoding lives in internal/decode.
package ptp

import (
	"fmt"
	"net"
	"time"
)

// ClockIdentity is the 8-byte opaque identifier that uniquely names a PTP
// clock. It is the primary key for a Host.
type ClockIdentity [8]byte

// String renders a ClockIdentity as eight colon-separated hex bytes, the
// canonical form used throughout the registry, BMCA and UI layers.
func (c ClockIdentity) String() string {
	return fmt.Sprintf("%02x:%02x:%02x:%02x:%02x:%02x:%02x:%02x",
		c[0], c[1], c[2], c[3], c[4], c[5], c[6], c[7])
}

// Uint64 treats the identity as a big-endian unsigned 64-bit integer, the
// form BMCA step 7 compares on.
func (c ClockIdentity) Uint64() uint64 {
	var v uint64
	for _, b := range c {
		v = v<<8 | uint64(b)
	}
	return v
}

// IsZero reports whether the identity is all zero bytes (never observed on
// the wire, used as a not-present sentinel).
func (c ClockIdentity) IsZero() bool {
	return c == ClockIdentity{}
}

// ClockIdentityFromMAC derives an EUI-64 style clock identity from a 6-byte
// MAC address by inserting the 0xFF 0xFE pad, the convention most PTP stacks
// use when a clock has no explicit identity configured.
func ClockIdentityFromMAC(mac net.HardwareAddr) ClockIdentity {
	var c ClockIdentity
	if len(mac) != 6 {
		copy(c[:], mac)
		return c
	}
	copy(c[0:3], mac[0:3])
	c[3] = 0xff
	c[4] = 0xfe
	copy(c[5:8], mac[3:6])
	return c
}

// PortIdentity pairs a ClockIdentity with the 16-bit port number of the
// originating port. A single clock may expose multiple ports.
type PortIdentity struct {
	ClockIdentity ClockIdentity
	PortNumber    uint16
}

func (p PortIdentity) String() string {
	return fmt.Sprintf("%s-%d", p.ClockIdentity, p.PortNumber)
}

// MessageType is the low nibble of byte 0 of the PTP common header.
type MessageType uint8

const (
	MessageSync                MessageType = 0x0
	MessageDelayReq             MessageType = 0x1
	MessagePDelayReq            MessageType = 0x2
	MessagePDelayResp           MessageType = 0x3
	MessageFollowUp             MessageType = 0x8
	MessageDelayResp            MessageType = 0x9
	MessagePDelayRespFollowUp   MessageType = 0xA
	MessageAnnounce             MessageType = 0xB
	MessageSignaling            MessageType = 0xC
	MessageManagement           MessageType = 0xD
)

func (m MessageType) String() string {
	switch m {
	case MessageSync:
		return "SYNC"
	case MessageDelayReq:
		return "DELAY_REQ"
	case MessagePDelayReq:
		return "PDELAY_REQ"
	case MessagePDelayResp:
		return "PDELAY_RESP"
	case MessageFollowUp:
		return "FOLLOW_UP"
	case MessageDelayResp:
		return "DELAY_RESP"
	case MessagePDelayRespFollowUp:
		return "PDELAY_RESP_FOLLOW_UP"
	case MessageAnnounce:
		return "ANNOUNCE"
	case MessageSignaling:
		return "SIGNALING"
	case MessageManagement:
		return "MANAGEMENT"
	default:
		return fmt.Sprintf("UNKNOWN(0x%x)", uint8(m))
	}
}

// IsEvent reports whether messages of this type carry hardware-timestamped
// event semantics and therefore travel over UDP port 319 / the gPTP event
// EtherType, rather than port 320 general messages.
func (m MessageType) IsEvent() bool {
	switch m {
	case MessageSync, MessageDelayReq, MessagePDelayReq, MessagePDelayResp:
		return true
	default:
		return false
	}
}

// Transport identifies the wire encapsulation a message was observed on.
type Transport int

const (
	TransportUDP319   Transport = iota // event messages over IPv4/IPv6 UDP
	TransportUDP320                    // general messages over IPv4/IPv6 UDP
	TransportL2_88F7                   // gPTP over raw Ethernet, EtherType 0x88F7
)

func (t Transport) String() string {
	switch t {
	case TransportUDP319:
		return "UDP319"
	case TransportUDP320:
		return "UDP320"
	case TransportL2_88F7:
		return "L2_0x88F7"
	default:
		return "UNKNOWN"
	}
}

// Timestamp is a PTP wire timestamp: 48-bit seconds plus 32-bit nanoseconds.
// Conversion to a signed nanosecond integer is a consumer's job, never the
// decoder's — see ToNanos.
type Timestamp struct {
	Seconds uint64 // only the low 48 bits are meaningful
	Nanos   uint32
}

// ToNanos converts the timestamp to nanoseconds since the PTP epoch as a
// signed 64-bit integer. Seconds values large enough to overflow int64 wrap;
// this is an analysis-time convenience, not a wire operation.
func (t Timestamp) ToNanos() int64 {
	return int64(t.Seconds)*1e9 + int64(t.Nanos)
}

// CorrectionField is the signed 64-bit scaled-nanosecond correction carried
// in every PTP header (units: nanoseconds << 16).
type CorrectionField int64

// Nanoseconds converts the scaled correction field to plain nanoseconds.
func (c CorrectionField) Nanoseconds() float64 {
	return float64(c) / 65536.0
}

// ClockQuality bundles the three grandmaster-quality fields carried in an
// Announce message.
type ClockQuality struct {
	ClockClass              uint8
	ClockAccuracy           uint8
	OffsetScaledLogVariance uint16
}

// TLV is a generic {type, length, value} record found in Announce/Signaling/
// Management bodies.
type TLV struct {
	Type   uint16
	Length uint16
	Value  []byte
}

// Header is the 34-byte PTP common header shared by every message type.
type Header struct {
	TransportSpecific   uint8 // high nibble of byte 0
	MessageType          MessageType
	VersionPTPMajor      uint8
	VersionPTPMinor      uint8
	MessageLength        uint16
	DomainNumber         uint8
	MinorSdoId           uint8
	FlagField            uint16
	CorrectionField      CorrectionField
	MessageTypeSpecific  uint32
	SourcePortIdentity   PortIdentity
	SequenceId           uint16
	ControlField         uint8
	LogMessageInterval   int8
}

// AnnounceBody is the message-type-specific payload of an Announce (0xB).
type AnnounceBody struct {
	OriginTimestamp         Timestamp
	CurrentUtcOffset        int16
	GrandmasterPriority1    uint8
	GrandmasterClockQuality ClockQuality
	GrandmasterPriority2    uint8
	GrandmasterIdentity     ClockIdentity
	StepsRemoved            uint16
	TimeSource              uint8
	TLVs                    []TLV
}

// SyncBody / DelayReqBody / PDelayReqBody carry only an event timestamp.
type SyncBody struct {
	OriginTimestamp Timestamp
}

type DelayReqBody struct {
	OriginTimestamp Timestamp
}

type PDelayReqBody struct {
	OriginTimestamp Timestamp
}

// PDelayRespBody carries the request-receipt timestamp and the identity of
// the port that originated the PDelay_Req being answered.
type PDelayRespBody struct {
	RequestReceiptTimestamp Timestamp
	RequestingPortIdentity  PortIdentity
}

// FollowUpBody carries the precise one-step-corrected origin timestamp of a
// preceding Sync.
type FollowUpBody struct {
	PreciseOriginTimestamp Timestamp
}

// DelayRespBody answers a Delay_Req with the receive timestamp and the
// identity of the requesting port.
type DelayRespBody struct {
	ReceiveTimestamp      Timestamp
	RequestingPortIdentity PortIdentity
}

// PDelayRespFollowUpBody completes a two-step peer delay exchange.
type PDelayRespFollowUpBody struct {
	ResponseOriginTimestamp Timestamp
	RequestingPortIdentity  PortIdentity
}

// SignalingBody and ManagementBody are decoded only as far as their TLV
// list; the raw body bytes are retained for hex inspection.
type SignalingBody struct {
	TargetPortIdentity PortIdentity
	TLVs               []TLV
	Raw                []byte
}

type ManagementBody struct {
	TargetPortIdentity PortIdentity
	StartingBoundaryHops uint8
	BoundaryHops         uint8
	ActionField          uint8
	TLVs                 []TLV
	Raw                  []byte
}

// Body is a tagged variant over the ten defined PTP message bodies.
// Exactly one of these fields is non-nil for a Message of a defined type,
// selected by Header.MessageType (all are nil for a reserved type) —
// polymorphism by discriminant, not by inheritance.
type Body struct {
	Sync               *SyncBody
	DelayReq           *DelayReqBody
	PDelayReq          *PDelayReqBody
	PDelayResp         *PDelayRespBody
	FollowUp           *FollowUpBody
	DelayResp          *DelayRespBody
	PDelayRespFollowUp *PDelayRespFollowUpBody
	Announce           *AnnounceBody
	Signaling          *SignalingBody
	Management         *ManagementBody
}

// VLANTag is a parsed 802.1Q/802.1ad tag.
type VLANTag struct {
	VID      uint16 // 12-bit VLAN identifier
	Priority uint8  // 3-bit PCP
}

// DecodeWarning is a non-fatal annotation attached to a Message when the
// decoder could still produce a best-effort record (currently only
// TruncatedTlv per spec).
type DecodeWarning string

const (
	WarningTruncatedTLV DecodeWarning = "TruncatedTlv"
)

// Message is the immutable record C3 produces and C4/C7 consume. All fields
// are populated from a single frame; RawBytes retains the original bytes
// for hex inspection.
type Message struct {
	CaptureTime time.Time
	Interface   string

	SrcMAC net.HardwareAddr
	DstMAC net.HardwareAddr

	VLAN       *VLANTag // outer (or only) tag, nil if untagged
	InnerVLAN  *VLANTag // present only for QinQ; the "native" tag used for classification

	SrcIP net.IP // nil for L2 gPTP
	DstIP net.IP

	Transport Transport

	Header Header
	Body   Body

	Warnings []DecodeWarning

	RawBytes []byte
}

// IsL2 reports whether the message was observed as raw Ethernet gPTP rather
// than UDP-encapsulated PTP.
func (m *Message) IsL2() bool {
	return m.Transport == TransportL2_88F7
}
