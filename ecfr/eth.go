package ecfr

import (
	"fmt"
)

// EtherCAT frames ride directly on Ethernet with a fixed EtherType. The
// master conventionally sends from a locally administered source address to
// the broadcast destination; slaves do not consume MAC addresses.
const (
	ETHTypeEtherCAT = 0x88a4
)

var (
	BroadcastETHAddr = ETHAddr{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}
	MasterETHAddr    = ETHAddr{0x05, 0x05, 0x05, 0x05, 0x05, 0x05}
)

const (
	ethHeaderLen = 14

	minFramelenWithFCS  = 60
	fcsLen              = 4
	minHeaderAndPayload = minFramelenWithFCS - fcsLen

	// excluding FCS
	maxFramelen = 1518
)

type ETHAddr [6]byte

func (a ETHAddr) String() string {
	return fmt.Sprintf("%02x:%02x:%02x:%02x:%02x:%02x", a[0], a[1], a[2], a[3], a[4], a[5])
}

// ETHFrame maps an Ethernet II header and payload over a caller buffer,
// mirroring the Overlay/Commit pattern of Frame. VLAN tags are not
// supported.
type ETHFrame struct {
	Destination, Source ETHAddr
	Type                uint16

	framebuf []byte
}

// OverlayETHFrame maps an ETHFrame over fb and decodes the header fields.
func OverlayETHFrame(fb []byte) (*ETHFrame, error) {
	if len(fb) < minHeaderAndPayload {
		return nil, fmt.Errorf("ecfr: eth buffer too small, need at least %d bytes", minHeaderAndPayload)
	}

	ef := &ETHFrame{framebuf: fb}
	copy(ef.Destination[:], fb[0:6])
	copy(ef.Source[:], fb[6:12])
	ef.Type = uint16(fb[12])<<8 | uint16(fb[13])
	return ef, nil
}

// NewETHFrame prepares an EtherCAT-typed frame over fb with the
// conventional master addressing.
func NewETHFrame(fb []byte) (*ETHFrame, error) {
	ef, err := OverlayETHFrame(fb)
	if err != nil {
		return nil, err
	}

	ef.Destination = BroadcastETHAddr
	ef.Source = MasterETHAddr
	ef.Type = ETHTypeEtherCAT
	return ef, nil
}

func (ef *ETHFrame) HeaderLen() int {
	return ethHeaderLen
}

// FrameBuf returns the full frame image. Header contents are undefined
// until WriteDown has been called.
func (ef *ETHFrame) FrameBuf() []byte {
	return ef.framebuf
}

func (ef *ETHFrame) Payload() []byte {
	return ef.framebuf[ef.HeaderLen():]
}

// SetPayloadLen resizes the frame around a payload of npl bytes. Ethernet
// imposes both a minimum (padding is the caller's job) and a maximum.
func (ef *ETHFrame) SetPayloadLen(npl int) error {
	nl := npl + ef.HeaderLen()
	if nl < minHeaderAndPayload {
		return fmt.Errorf("ecfr: payload too small, need at least %d bytes", minHeaderAndPayload-ef.HeaderLen())
	}

	if nl > maxFramelen {
		return fmt.Errorf("ecfr: payload too big, maximum is %d bytes", maxFramelen-ef.HeaderLen())
	}

	if nl > cap(ef.framebuf) {
		return fmt.Errorf("ecfr: payload too big for buffer, buffer holds %d payload bytes maximum", cap(ef.framebuf)-ef.HeaderLen())
	}

	ef.framebuf = ef.framebuf[0:nl]
	return nil
}

// WriteDown serializes the header fields into the frame buffer.
func (ef *ETHFrame) WriteDown() error {
	copy(ef.framebuf[0:6], ef.Destination[:])
	copy(ef.framebuf[6:12], ef.Source[:])
	ef.framebuf[12] = uint8(ef.Type >> 8)
	ef.framebuf[13] = uint8(ef.Type)
	return nil
}
