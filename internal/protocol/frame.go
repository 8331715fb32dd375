// Package protocol defines the 90-byte wire frame spoken by the scanner
// appliance on UDP port 706 and the helpers to build, encode and decode it.
package protocol

import (
	"fmt"
	"net/netip"
)

// MsgType is the 3-byte message type code at offset 3 of every frame.
type MsgType [3]byte

// Known message type codes.
var (
	TypeDiscovery = MsgType{0x5A, 0x00, 0x00} // discovery probe / reply
	TypeTransfer  = MsgType{0x5A, 0x54, 0x00} // file-transfer request / ack
)

// String returns a short human-readable name for logging.
func (t MsgType) String() string {
	switch t {
	case TypeDiscovery:
		return "discovery"
	case TypeTransfer:
		return "transfer"
	default:
		return fmt.Sprintf("unknown(%02x%02x%02x)", t[0], t[1], t[2])
	}
}

// Frame layout constants. The frame is always exactly FrameSize bytes with
// no length prefix and no checksum of its own.
const (
	FrameSize = 90

	signatureSize = 3
	typeSize      = 3
	reserved1Size = 6
	ipSize        = 4
	reserved2Size = 4
	srcNameSize   = 20
	dstNameSize   = 40
	reserved3Size = 10
)

// signature identifies the frame family; the appliance rejects anything else.
var signature = [signatureSize]byte{0x55, 0x00, 0x00}

// Vendor constants observed in responder-originated frames. The appliance
// verifies these byte-for-byte, so replies must carry them exactly.
var (
	responderReserved1 = [reserved1Size]byte{0x00, 0x09, 0xB9, 0x00, 0x2C, 0x84}
	responderReserved2 = [reserved2Size]byte{0x00, 0x00, 0x02, 0xC4}
)

// Frame is the decoded form of one protocol frame. Reserved fields are
// carried verbatim: a responder must be able to regenerate constants it does
// not understand bit-for-bit when building acknowledgements.
type Frame struct {
	Type        MsgType
	Reserved1   [reserved1Size]byte
	InitiatorIP netip.Addr // IPv4 address of the declared originator
	Reserved2   [reserved2Size]byte
	SrcName     string // ASCII, at most 20 bytes on the wire
	DstName     string // ASCII, at most 40 bytes on the wire
	Reserved3   [reserved3Size]byte
}

// NewDiscoveryRequest builds a client-originated discovery probe: all
// reserved fields zero, empty destination name.
func NewDiscoveryRequest(localIP netip.Addr, srcName string) Frame {
	return Frame{
		Type:        TypeDiscovery,
		InitiatorIP: localIP,
		SrcName:     srcName,
	}
}

// NewTransferRequest builds a client-originated file-transfer probe.
func NewTransferRequest(localIP netip.Addr, srcName, dstName string) Frame {
	return Frame{
		Type:        TypeTransfer,
		InitiatorIP: localIP,
		SrcName:     srcName,
		DstName:     dstName,
	}
}

// NewDiscoveryReply builds the responder's answer to a discovery probe.
//
// The naming is intentionally not symmetric with the request: the reply
// echoes the requester's own name back in SrcName and carries the
// responder's name in DstName. The real appliance depends on this quirk.
func NewDiscoveryReply(req Frame, responderIP netip.Addr, agentName string) Frame {
	return Frame{
		Type:        TypeDiscovery,
		Reserved1:   responderReserved1,
		InitiatorIP: responderIP,
		Reserved2:   responderReserved2,
		SrcName:     req.SrcName,
		DstName:     agentName,
	}
}

// NewTransferAck builds the responder's acknowledgement of a file-transfer
// probe. Same field policy as the discovery reply, transfer type code.
func NewTransferAck(req Frame, responderIP netip.Addr, agentName string) Frame {
	f := NewDiscoveryReply(req, responderIP, agentName)
	f.Type = TypeTransfer
	return f
}
