// Package decode implements C3: a pure function from a captured frame's
// bytes to a strongly-typed ptp.Message, layering Ethernet/VLAN/IP/UDP/PTP
// exactly as laid out in spec.md §4.3. No mutation, no I/O — every exported
// function here is safe to call concurrently and deterministic on its input.
package decode

import (
	"encoding/binary"
	"fmt"
	"net"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"ptptrace/internal/ptp"
)

const (
	etherTypeVLAN    = 0x8100
	etherTypeVLAN88A8 = 0x88A8
	etherTypeIPv4    = 0x0800
	etherTypeIPv6    = 0x86DD
	etherTypeGPTP    = 0x88F7

	ptpEventPort   = 319
	ptpGeneralPort = 320

	ptpHeaderLen = 34
)

// NativeVLAN reports a per-interface configured native VLAN ID so an
// untagged frame on that interface can still be labeled (Open Question (a),
// resolved in SPEC_FULL.md §9: explicit tags always win over any configured
// native VID).
type NativeVLAN func(iface string) (vid uint16, ok bool)

// Decode turns one captured frame into a ptp.Message, or returns a
// *ptp.DecodeError describing precisely why it could not. nativeVLAN may be
// nil, in which case untagged frames are never assigned a native VID.
func Decode(capture time.Time, iface string, data []byte, nativeVLAN NativeVLAN) (*ptp.Message, error) {
	if len(data) < 14 {
		return nil, &ptp.DecodeError{Reason: ptp.ErrTooShort, Detail: fmt.Sprintf("%d bytes, need >= 14", len(data))}
	}

	msg := &ptp.Message{
		CaptureTime: capture,
		Interface:   iface,
		RawBytes:    data,
	}

	dstMAC := net.HardwareAddr(append([]byte{}, data[0:6]...))
	srcMAC := net.HardwareAddr(append([]byte{}, data[6:12]...))
	msg.DstMAC = dstMAC
	msg.SrcMAC = srcMAC

	etherType := binary.BigEndian.Uint16(data[12:14])
	offset := 14

	if etherType == etherTypeVLAN || etherType == etherTypeVLAN88A8 {
		if len(data) < offset+4 {
			return nil, &ptp.DecodeError{Reason: ptp.ErrTooShort, Detail: "truncated VLAN tag"}
		}
		tci := binary.BigEndian.Uint16(data[offset : offset+2])
		outer := &ptp.VLANTag{VID: tci & 0x0FFF, Priority: uint8(tci >> 13)}
		inner := outer
		innerType := binary.BigEndian.Uint16(data[offset+2 : offset+4])
		offset += 4

		// QinQ: a second 802.1Q/ad tag immediately follows.
		if innerType == etherTypeVLAN || innerType == etherTypeVLAN88A8 {
			if len(data) < offset+4 {
				return nil, &ptp.DecodeError{Reason: ptp.ErrTooShort, Detail: "truncated inner VLAN tag"}
			}
			tci2 := binary.BigEndian.Uint16(data[offset : offset+2])
			inner = &ptp.VLANTag{VID: tci2 & 0x0FFF, Priority: uint8(tci2 >> 13)}
			innerType = binary.BigEndian.Uint16(data[offset+2 : offset+4])
			offset += 4
			msg.VLAN = outer
			msg.InnerVLAN = inner
		} else {
			msg.VLAN = outer
		}
		etherType = innerType
	} else if nativeVLAN != nil {
		if vid, ok := nativeVLAN(iface); ok {
			msg.VLAN = &ptp.VLANTag{VID: vid}
		}
	}

	switch etherType {
	case etherTypeIPv4:
		return decodeIPv4(msg, data[offset:])
	case etherTypeIPv6:
		return decodeIPv6(msg, data[offset:])
	case etherTypeGPTP:
		msg.Transport = ptp.TransportL2_88F7
		return decodePTPPayload(msg, data[offset:])
	default:
		return nil, &ptp.DecodeError{Reason: ptp.ErrNotPTP}
	}
}

func decodeIPv4(msg *ptp.Message, data []byte) (*ptp.Message, error) {
	packet := gopacket.NewPacket(data, layers.LayerTypeIPv4, gopacket.NoCopy)
	ipLayer, ok := packet.Layer(layers.LayerTypeIPv4).(*layers.IPv4)
	if !ok {
		return nil, &ptp.DecodeError{Reason: ptp.ErrNotPTP, Detail: "malformed IPv4"}
	}
	msg.SrcIP = ipLayer.SrcIP
	msg.DstIP = ipLayer.DstIP

	udpLayer, ok := packet.Layer(layers.LayerTypeUDP).(*layers.UDP)
	if !ok {
		return nil, &ptp.DecodeError{Reason: ptp.ErrNotPTP, Detail: "not UDP"}
	}
	return decodeUDP(msg, udpLayer)
}

func decodeIPv6(msg *ptp.Message, data []byte) (*ptp.Message, error) {
	packet := gopacket.NewPacket(data, layers.LayerTypeIPv6, gopacket.NoCopy)
	ipLayer, ok := packet.Layer(layers.LayerTypeIPv6).(*layers.IPv6)
	if !ok {
		return nil, &ptp.DecodeError{Reason: ptp.ErrNotPTP, Detail: "malformed IPv6"}
	}
	msg.SrcIP = ipLayer.SrcIP
	msg.DstIP = ipLayer.DstIP

	udpLayer, ok := packet.Layer(layers.LayerTypeUDP).(*layers.UDP)
	if !ok {
		return nil, &ptp.DecodeError{Reason: ptp.ErrNotPTP, Detail: "not UDP"}
	}
	return decodeUDP(msg, udpLayer)
}

func decodeUDP(msg *ptp.Message, udp *layers.UDP) (*ptp.Message, error) {
	switch uint16(udp.DstPort) {
	case ptpEventPort:
		msg.Transport = ptp.TransportUDP319
	case ptpGeneralPort:
		msg.Transport = ptp.TransportUDP320
	default:
		return nil, &ptp.DecodeError{Reason: ptp.ErrNotPTP, Detail: "not PTP port"}
	}

	// The UDP checksum is neither verified nor logged, so a bad checksum
	// (frequent with hardware offload on captured copies) never causes a
	// drop.
	payload := udp.Payload
	if int(udp.Length) > len(payload)+8 {
		return nil, &ptp.DecodeError{Reason: ptp.ErrTooShort, Detail: "UDP length exceeds captured payload"}
	}

	return decodePTPPayload(msg, payload)
}

// decodePTPPayload parses the 34-byte common header and dispatches to the
// per-message-type body decoder.
func decodePTPPayload(msg *ptp.Message, payload []byte) (*ptp.Message, error) {
	if len(payload) < ptpHeaderLen {
		return nil, &ptp.DecodeError{Reason: ptp.ErrTooShort, Detail: fmt.Sprintf("PTP header needs %d bytes, got %d", ptpHeaderLen, len(payload))}
	}

	h := ptp.Header{}
	b0 := payload[0]
	h.TransportSpecific = b0 >> 4
	h.MessageType = ptp.MessageType(b0 & 0x0F)

	b1 := payload[1]
	h.VersionPTPMinor = b1 >> 4
	h.VersionPTPMajor = b1 & 0x0F
	if h.VersionPTPMajor != 2 {
		return nil, &ptp.DecodeError{Reason: ptp.ErrUnsupportedVersion, Detail: fmt.Sprintf("major=%d", h.VersionPTPMajor)}
	}

	h.MessageLength = binary.BigEndian.Uint16(payload[2:4])
	h.DomainNumber = payload[4]
	h.MinorSdoId = payload[5]
	h.FlagField = binary.BigEndian.Uint16(payload[6:8])
	h.CorrectionField = ptp.CorrectionField(int64(binary.BigEndian.Uint64(payload[8:16])))
	h.MessageTypeSpecific = binary.BigEndian.Uint32(payload[16:20])

	copy(h.SourcePortIdentity.ClockIdentity[:], payload[20:28])
	h.SourcePortIdentity.PortNumber = binary.BigEndian.Uint16(payload[28:30])

	h.SequenceId = binary.BigEndian.Uint16(payload[30:32])
	h.ControlField = payload[32]
	h.LogMessageInterval = int8(payload[33])

	if int(h.MessageLength) < ptpHeaderLen || int(h.MessageLength) > len(payload) {
		return nil, &ptp.DecodeError{Reason: ptp.ErrBadMessageLength, Detail: fmt.Sprintf("messageLength=%d payload=%d", h.MessageLength, len(payload))}
	}

	msg.Header = h
	body := payload[ptpHeaderLen:h.MessageLength]

	decodedBody, warn, err := decodeBody(h.MessageType, body)
	if err != nil {
		return nil, err
	}
	msg.Body = decodedBody
	if warn != "" {
		msg.Warnings = append(msg.Warnings, warn)
	}
	return msg, nil
}

func decodeBody(mt ptp.MessageType, body []byte) (ptp.Body, ptp.DecodeWarning, error) {
	switch mt {
	case ptp.MessageSync:
		ts, err := decodeTimestamp(body, 0)
		if err != nil {
			return ptp.Body{}, "", err
		}
		return ptp.Body{Sync: &ptp.SyncBody{OriginTimestamp: ts}}, "", nil

	case ptp.MessageDelayReq:
		ts, err := decodeTimestamp(body, 0)
		if err != nil {
			return ptp.Body{}, "", err
		}
		return ptp.Body{DelayReq: &ptp.DelayReqBody{OriginTimestamp: ts}}, "", nil

	case ptp.MessagePDelayReq:
		ts, err := decodeTimestamp(body, 0)
		if err != nil {
			return ptp.Body{}, "", err
		}
		return ptp.Body{PDelayReq: &ptp.PDelayReqBody{OriginTimestamp: ts}}, "", nil

	case ptp.MessagePDelayResp:
		ts, err := decodeTimestamp(body, 0)
		if err != nil {
			return ptp.Body{}, "", err
		}
		pid, err := decodePortIdentity(body, 10)
		if err != nil {
			return ptp.Body{}, "", err
		}
		return ptp.Body{PDelayResp: &ptp.PDelayRespBody{RequestReceiptTimestamp: ts, RequestingPortIdentity: pid}}, "", nil

	case ptp.MessageFollowUp:
		ts, err := decodeTimestamp(body, 0)
		if err != nil {
			return ptp.Body{}, "", err
		}
		return ptp.Body{FollowUp: &ptp.FollowUpBody{PreciseOriginTimestamp: ts}}, "", nil

	case ptp.MessageDelayResp:
		ts, err := decodeTimestamp(body, 0)
		if err != nil {
			return ptp.Body{}, "", err
		}
		pid, err := decodePortIdentity(body, 10)
		if err != nil {
			return ptp.Body{}, "", err
		}
		return ptp.Body{DelayResp: &ptp.DelayRespBody{ReceiveTimestamp: ts, RequestingPortIdentity: pid}}, "", nil

	case ptp.MessagePDelayRespFollowUp:
		ts, err := decodeTimestamp(body, 0)
		if err != nil {
			return ptp.Body{}, "", err
		}
		pid, err := decodePortIdentity(body, 10)
		if err != nil {
			return ptp.Body{}, "", err
		}
		return ptp.Body{PDelayRespFollowUp: &ptp.PDelayRespFollowUpBody{ResponseOriginTimestamp: ts, RequestingPortIdentity: pid}}, "", nil

	case ptp.MessageAnnounce:
		return decodeAnnounce(body)

	case ptp.MessageSignaling:
		return decodeSignaling(body)

	case ptp.MessageManagement:
		return decodeManagement(body)

	default:
		return ptp.Body{}, "", nil
	}
}

// decodeTimestamp reads a 10-byte PTP timestamp (48-bit seconds, 32-bit
// nanoseconds) at the given offset.
func decodeTimestamp(body []byte, offset int) (ptp.Timestamp, error) {
	if len(body) < offset+10 {
		return ptp.Timestamp{}, &ptp.DecodeError{Reason: ptp.ErrTooShort, Detail: "truncated timestamp"}
	}
	var secs uint64
	for i := 0; i < 6; i++ {
		secs = secs<<8 | uint64(body[offset+i])
	}
	nanos := binary.BigEndian.Uint32(body[offset+6 : offset+10])
	return ptp.Timestamp{Seconds: secs, Nanos: nanos}, nil
}

func decodePortIdentity(body []byte, offset int) (ptp.PortIdentity, error) {
	if len(body) < offset+10 {
		return ptp.PortIdentity{}, &ptp.DecodeError{Reason: ptp.ErrTooShort, Detail: "truncated port identity"}
	}
	var pid ptp.PortIdentity
	copy(pid.ClockIdentity[:], body[offset:offset+8])
	pid.PortNumber = binary.BigEndian.Uint16(body[offset+8 : offset+10])
	return pid, nil
}

func decodeAnnounce(body []byte) (ptp.Body, ptp.DecodeWarning, error) {
	const fixedLen = 30 // originTimestamp(10) + utcOffset(2) + reserved(1) + p1(1) + quality(4) + p2(1) + gmId(8) + stepsRemoved(2) + timeSource(1)
	if len(body) < 30 {
		return ptp.Body{}, "", &ptp.DecodeError{Reason: ptp.ErrTooShort, Detail: "truncated Announce body"}
	}

	ts, err := decodeTimestamp(body, 0)
	if err != nil {
		return ptp.Body{}, "", err
	}
	a := &ptp.AnnounceBody{OriginTimestamp: ts}
	a.CurrentUtcOffset = int16(binary.BigEndian.Uint16(body[10:12]))
	// body[12] reserved
	a.GrandmasterPriority1 = body[13]
	a.GrandmasterClockQuality = ptp.ClockQuality{
		ClockClass:              body[14],
		ClockAccuracy:           body[15],
		OffsetScaledLogVariance: binary.BigEndian.Uint16(body[16:18]),
	}
	a.GrandmasterPriority2 = body[18]
	copy(a.GrandmasterIdentity[:], body[19:27])
	a.StepsRemoved = binary.BigEndian.Uint16(body[27:29])
	a.TimeSource = body[29]

	tlvs, warn := decodeTLVs(body[30:])
	a.TLVs = tlvs
	_ = fixedLen
	return ptp.Body{Announce: a}, warn, nil
}

func decodeSignaling(body []byte) (ptp.Body, ptp.DecodeWarning, error) {
	if len(body) < 10 {
		return ptp.Body{}, "", &ptp.DecodeError{Reason: ptp.ErrTooShort, Detail: "truncated Signaling body"}
	}
	pid, err := decodePortIdentity(body, 0)
	if err != nil {
		return ptp.Body{}, "", err
	}
	tlvs, warn := decodeTLVs(body[10:])
	return ptp.Body{Signaling: &ptp.SignalingBody{TargetPortIdentity: pid, TLVs: tlvs, Raw: body}}, warn, nil
}

func decodeManagement(body []byte) (ptp.Body, ptp.DecodeWarning, error) {
	if len(body) < 13 {
		return ptp.Body{}, "", &ptp.DecodeError{Reason: ptp.ErrTooShort, Detail: "truncated Management body"}
	}
	pid, err := decodePortIdentity(body, 0)
	if err != nil {
		return ptp.Body{}, "", err
	}
	m := &ptp.ManagementBody{
		TargetPortIdentity:   pid,
		StartingBoundaryHops: body[10],
		BoundaryHops:         body[11],
		ActionField:          body[12] & 0x0F,
		Raw:                  body,
	}
	tlvs, warn := decodeTLVs(body[13:])
	m.TLVs = tlvs
	return ptp.Body{Management: m}, warn, nil
}

// decodeTLVs iterates {type u16, length u16, value[length]} until the
// buffer is consumed. A malformed trailing TLV stops iteration and reports
// TruncatedTlv but does not discard the TLVs already parsed.
func decodeTLVs(buf []byte) ([]ptp.TLV, ptp.DecodeWarning) {
	var tlvs []ptp.TLV
	off := 0
	for off+4 <= len(buf) {
		typ := binary.BigEndian.Uint16(buf[off : off+2])
		length := binary.BigEndian.Uint16(buf[off+2 : off+4])
		valStart := off + 4
		valEnd := valStart + int(length)
		if valEnd > len(buf) {
			return tlvs, ptp.WarningTruncatedTLV
		}
		tlvs = append(tlvs, ptp.TLV{Type: typ, Length: length, Value: buf[valStart:valEnd]})
		off = valEnd
	}
	if off != len(buf) && len(buf) > 0 {
		return tlvs, ptp.WarningTruncatedTLV
	}
	return tlvs, ""
}
