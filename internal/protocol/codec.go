package protocol

import (
	"bytes"
	"errors"
	"fmt"
	"net/netip"
)

// Sentinel errors returned by Encode and Decode. Callers match them with
// errors.Is; the wrapped message carries the offending detail.
var (
	ErrFrameSize   = errors.New("frame size mismatch")
	ErrSignature   = errors.New("unrecognized frame signature")
	ErrMessageType = errors.New("unrecognized message type")
	ErrNameTooLong = errors.New("name field exceeds fixed width")
	ErrBadName     = errors.New("name field contains a zero byte")
	ErrBadAddress  = errors.New("initiator address is not IPv4")
)

// Encode serializes a Frame into exactly FrameSize bytes in wire layout.
// It fails if a name field would not fit its fixed width, if a name carries
// an embedded zero byte (which would be indistinguishable from padding), or
// if the initiator address is not a valid IPv4 address.
func Encode(f Frame) ([]byte, error) {
	if len(f.SrcName) > srcNameSize {
		return nil, fmt.Errorf("%w: src name %q is %d bytes (max %d)", ErrNameTooLong, f.SrcName, len(f.SrcName), srcNameSize)
	}
	if len(f.DstName) > dstNameSize {
		return nil, fmt.Errorf("%w: dst name is %d bytes (max %d)", ErrNameTooLong, len(f.DstName), dstNameSize)
	}
	if bytes.IndexByte([]byte(f.SrcName), 0x00) >= 0 || bytes.IndexByte([]byte(f.DstName), 0x00) >= 0 {
		return nil, ErrBadName
	}
	if !f.InitiatorIP.Is4() {
		return nil, fmt.Errorf("%w: %s", ErrBadAddress, f.InitiatorIP)
	}

	buf := make([]byte, FrameSize)
	off := 0
	off += copy(buf[off:], signature[:])
	off += copy(buf[off:], f.Type[:])
	off += copy(buf[off:], f.Reserved1[:])
	ip := f.InitiatorIP.As4()
	off += copy(buf[off:], ip[:])
	off += copy(buf[off:], f.Reserved2[:])
	copy(buf[off:off+srcNameSize], f.SrcName) // zero padding is already in place
	off += srcNameSize
	copy(buf[off:off+dstNameSize], f.DstName)
	off += dstNameSize
	copy(buf[off:], f.Reserved3[:])
	return buf, nil
}

// Decode parses exactly FrameSize bytes into a Frame. It rejects wrong-sized
// input, a wrong signature, and unknown message types. Reserved fields are
// copied untouched; trailing zero padding is stripped from the name fields.
func Decode(data []byte) (Frame, error) {
	if len(data) != FrameSize {
		return Frame{}, fmt.Errorf("%w: got %d bytes, want %d", ErrFrameSize, len(data), FrameSize)
	}
	if !bytes.Equal(data[0:3], signature[:]) {
		return Frame{}, fmt.Errorf("%w: %02x %02x %02x", ErrSignature, data[0], data[1], data[2])
	}

	var f Frame
	copy(f.Type[:], data[3:6])
	if f.Type != TypeDiscovery && f.Type != TypeTransfer {
		return Frame{}, fmt.Errorf("%w: %s", ErrMessageType, f.Type)
	}

	copy(f.Reserved1[:], data[6:12])
	f.InitiatorIP = netip.AddrFrom4([4]byte(data[12:16]))
	copy(f.Reserved2[:], data[16:20])
	f.SrcName = string(bytes.TrimRight(data[20:40], "\x00"))
	f.DstName = string(bytes.TrimRight(data[40:80], "\x00"))
	copy(f.Reserved3[:], data[80:90])
	return f, nil
}
