package ecfr

import (
	"errors"
	"fmt"
)

// ErrMalformedDatagram is returned when a datagram cannot be decoded: the
// command code is unknown or the declared data length exceeds the buffer.
var ErrMalformedDatagram = errors.New("ecfr: malformed datagram")

// ErrTruncatedFrame is returned when a frame's declared contents run past
// the end of the receive buffer.
var ErrTruncatedFrame = errors.New("ecfr: truncated frame")

const (
	datagramHeaderByteLen = 10
	WorkingCounterLength  = 2
	// DatagramOverheadLength is the fixed per-datagram cost on the wire:
	// header plus trailing working counter.
	DatagramOverheadLength = datagramHeaderByteLen + WorkingCounterLength

	// MaxDataLength is the widest payload the 11 bit length field can carry.
	MaxDataLength = (1 << 11) - 1
)

const (
	circulatingBit   = 14
	lastindicatorBit = 15
)

type DatagramHeader struct {
	Command   CommandType
	Index     uint8
	Addr32    uint32
	LenWord   uint16
	Interrupt uint16
}

func (dh *DatagramHeader) overlay(d []byte) (b []byte, err error) {
	b = d
	if len(b) < datagramHeaderByteLen {
		err = fmt.Errorf("%w: need %d bytes for header, have %d", ErrMalformedDatagram, datagramHeaderByteLen, len(b))
		return
	}

	var c8 uint8
	c8, b = getUint8(b)
	dh.Command = CommandType(c8)
	dh.Index, b = getUint8(b)
	dh.Addr32, b = getUint32(b)
	dh.LenWord, b = getUint16(b)
	dh.Interrupt, b = getUint16(b)

	if !dh.Command.IsValid() {
		err = fmt.Errorf("%w: unknown command code %d", ErrMalformedDatagram, uint(dh.Command))
	}
	return
}

func (dh *DatagramHeader) commit(d []byte) []byte {
	b := d
	b = putUint8(b, uint8(dh.Command))
	b = putUint8(b, dh.Index)
	b = putUint32(b, dh.Addr32)
	b = putUint16(b, dh.LenWord)
	b = putUint16(b, dh.Interrupt)
	return b
}

func (dh *DatagramHeader) SlaveAddr() uint16 {
	return uint16(dh.Addr32)
}

func (dh *DatagramHeader) OffsetAddr() uint16 {
	return uint16(dh.Addr32 >> 16)
}

func (dh *DatagramHeader) LogicalAddr() uint32 {
	return dh.Addr32
}

func (dh *DatagramHeader) Address() DatagramAddress {
	return DatagramAddressFromCommand(dh.Addr32, dh.Command)
}

func (dh *DatagramHeader) DataLength() uint16 {
	return dh.LenWord & MaxDataLength
}

// Circulating reports the bit slaves set on a datagram that has already
// traveled the ring once.
func (dh *DatagramHeader) Circulating() bool {
	return (dh.LenWord & (1 << circulatingBit)) != 0
}

// Last reports whether this is the final datagram of its frame. The wire
// carries the inverse, a "more follows" bit.
func (dh *DatagramHeader) Last() bool {
	return (dh.LenWord & (1 << lastindicatorBit)) == 0
}

func (dh *DatagramHeader) SetLast(last bool) {
	if last {
		dh.LenWord &^= 1 << lastindicatorBit
	} else {
		dh.LenWord |= 1 << lastindicatorBit
	}
}

// Datagram is one EtherCAT command mapped over a frame buffer. The payload
// and working counter live in the underlying buffer; the header fields are
// staged in the struct and written down on Commit.
type Datagram struct {
	DatagramHeader
	WorkingCounter uint16

	buffer []byte
}

// PointDatagramTo maps a fresh datagram over d. The caller sizes the payload
// with SetDataLen before use.
func PointDatagramTo(d []byte) (dg Datagram, err error) {
	if len(d) < DatagramOverheadLength {
		err = fmt.Errorf("ecfr: buffer of %d too small for datagram overhead of %d", len(d), DatagramOverheadLength)
		return
	}
	dg.buffer = d
	return
}

// Overlay decodes one datagram from d and returns the remainder of the
// buffer after payload and working counter.
func (dg *Datagram) Overlay(d []byte) (b []byte, err error) {
	b, err = dg.DatagramHeader.overlay(d)
	if err != nil {
		return
	}

	if len(b) < int(dg.DataLength()) {
		err = fmt.Errorf("%w: need %d bytes of data, have %d", ErrMalformedDatagram, dg.DataLength(), len(b))
		return
	}
	b = b[dg.DataLength():]

	if len(b) < WorkingCounterLength {
		err = fmt.Errorf("%w: need %d bytes for working counter, have %d", ErrMalformedDatagram, WorkingCounterLength, len(b))
		return
	}
	dg.WorkingCounter, b = getUint16(b)

	dg.buffer = d
	return
}

// SetDataLen resizes the payload, failing if the backing buffer cannot hold
// header, payload and working counter.
func (dg *Datagram) SetDataLen(n int) error {
	if n > MaxDataLength {
		return fmt.Errorf("ecfr: data length %d exceeds the %d the length field can carry", n, MaxDataLength)
	}
	if n+DatagramOverheadLength > len(dg.buffer) {
		return fmt.Errorf("ecfr: data length %d plus overhead exceeds buffer of %d", n, len(dg.buffer))
	}
	dg.LenWord = dg.LenWord&^MaxDataLength | uint16(n)
	return nil
}

// Data returns the payload area within the frame buffer.
func (dg *Datagram) Data() []byte {
	return dg.buffer[datagramHeaderByteLen : datagramHeaderByteLen+int(dg.DataLength())]
}

func (dg *Datagram) ByteLen() int {
	return DatagramOverheadLength + int(dg.DataLength())
}

// Commit writes the staged header and working counter into the buffer and
// returns the datagram's wire image.
func (dg *Datagram) Commit() (d []byte, err error) {
	if dg.ByteLen() > len(dg.buffer) {
		err = fmt.Errorf("ecfr: datagram of %d does not fit buffer of %d", dg.ByteLen(), len(dg.buffer))
		return
	}
	dg.DatagramHeader.commit(dg.buffer)
	putUint16(dg.buffer[datagramHeaderByteLen+int(dg.DataLength()):], dg.WorkingCounter)
	d = dg.buffer[:dg.ByteLen()]
	return
}

func (dg *Datagram) Summary() string {
	return fmt.Sprintf("%v %v len %d wkc %d", dg.Command, dg.Address(), dg.DataLength(), dg.WorkingCounter)
}
