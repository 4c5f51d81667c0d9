package ecfr

import (
	"fmt"
)

// FrameTypePDUs marks a frame carrying EtherCAT datagrams, as opposed to
// network variables or mailbox-over-UDP.
const FrameTypePDUs = 1

const frameLengthMask = (1 << 11) - 1

// Header is the two byte EtherCAT frame header: 11 bits of datagram area
// length and a 4 bit frame type.
type Header struct {
	Word uint16

	buffer []byte
}

func (h *Header) Overlay(b []byte) ([]byte, error) {
	if len(b) < FrameOverheadLen {
		return b, fmt.Errorf("%w: not enough bytes for frame header", ErrTruncatedFrame)
	}

	h.buffer = b
	h.Word, b = getUint16(b)
	return b, nil
}

func (h *Header) FrameLength() uint16 {
	return h.Word & frameLengthMask
}

func (h *Header) setFrameLength(n uint16) {
	h.Word = h.Word&^uint16(frameLengthMask) | n&frameLengthMask
}

func (h *Header) Type() uint8 {
	return uint8(h.Word>>12) & 0x0f
}

func (h *Header) SetType(t uint8) {
	h.Word = h.Word&^uint16(0xf<<12) | uint16(t&0xf)<<12
}

func (h *Header) Commit() (d []byte, err error) {
	putUint16(h.buffer, h.Word)
	d = h.buffer[:FrameOverheadLen]
	return
}
