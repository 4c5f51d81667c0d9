package sim

import (
	"github.com/andom9/ethercat/ecad"
	"github.com/andom9/ethercat/ecnet"
)

const mbxHeaderLen = 6

// coe service and specifier values, as they appear on the wire
const (
	coeServiceSdoRequest  = 2
	coeServiceSdoResponse = 3

	sdoSpecDownload    = 1
	sdoSpecUpload      = 2
	sdoSpecDownloadRes = 3
	sdoSpecUploadRes   = 2
	sdoSpecAbort       = 4

	sdoAbortObjectMissing = 0x06020000
)

// MailboxDevice emulates the mailbox sync manager pair with a small CoE
// object dictionary behind it. The master writes a request into the out
// area; the device parses it after the frame has passed, drops the reply
// into the in area and raises the in sync manager's full bit until the
// reply is read.
type MailboxDevice struct {
	slave *L2Slave

	Out ecnet.SyncM
	In  ecnet.SyncM

	// Dictionary is the object store, keyed index<<8 | subindex.
	Dictionary map[uint32][]byte
	// AbortOn injects an SDO abort for a key instead of serving it.
	AbortOn map[uint32]uint32
	// DropRequests silences the mailbox; requests vanish without a reply.
	DropRequests bool

	outWritten bool
	inRead     bool
}

func NewMailboxDevice(slave *L2Slave) *MailboxDevice {
	return &MailboxDevice{
		slave:      slave,
		Dictionary: map[uint32][]byte{},
		AbortOn:    map[uint32]uint32{},
	}
}

func DictKey(index uint16, subindex uint8) uint32 {
	return uint32(index)<<8 | uint32(subindex)
}

func (mb *MailboxDevice) configured() bool {
	return mb.Out.Length != 0 && mb.In.Length != 0
}

// NoteWrite records that a datagram wrote the given register span.
func (mb *MailboxDevice) NoteWrite(start, length uint16) {
	if !mb.configured() {
		return
	}
	if overlaps(start, length, mb.Out.Start, mb.Out.Length) {
		mb.outWritten = true
	}
}

// NoteRead records that a datagram read the given register span.
func (mb *MailboxDevice) NoteRead(start, length uint16) {
	if !mb.configured() {
		return
	}
	if overlaps(start, length, mb.In.Start, mb.In.Length) {
		mb.inRead = true
	}
}

func overlaps(aStart, aLen, bStart, bLen uint16) bool {
	return aStart < bStart+bLen && bStart < aStart+aLen
}

func (mb *MailboxDevice) smInStatusAddr() uint16 {
	return ecad.SyncManagerAddr(mb.In.Number) + ecad.SyncManagerStatusOffset
}

// Interact runs the post-frame mailbox behavior.
func (mb *MailboxDevice) Interact() {
	if !mb.configured() {
		return
	}

	if mb.inRead {
		mb.inRead = false
		mb.slave.BackingMemory[mb.smInStatusAddr()] &^= ecad.SMStatusMailboxFull
	}

	if mb.outWritten {
		mb.outWritten = false
		if !mb.DropRequests {
			mb.serve()
		}
	}
}

// serve parses the request in the out area and writes the reply.
func (mb *MailboxDevice) serve() {
	mem := mb.slave.BackingMemory[:]
	req := mem[mb.Out.Start : mb.Out.Start+mb.Out.Length]

	length := int(uint16(req[0]) | uint16(req[1])<<8)
	typ := req[5] & 0x0f
	count := req[5] >> 4 & 0x07
	if length < 2 || mbxHeaderLen+length > len(req) {
		return
	}

	payload := req[mbxHeaderLen : mbxHeaderLen+length]

	var resp []byte
	if typ == 3 { // CoE
		resp = mb.serveCoE(payload)
	} else {
		// mailbox protocol error, detail 0x0001 unsupported type
		resp = []byte{0x01, 0x00, 0x01, 0x00}
		typ = 0
	}
	if resp == nil {
		return
	}

	mb.deliver(typ, count, resp)
}

func (mb *MailboxDevice) deliver(typ, count uint8, payload []byte) {
	mem := mb.slave.BackingMemory[:]
	in := mem[mb.In.Start : mb.In.Start+mb.In.Length]
	for i := range in {
		in[i] = 0
	}

	in[0] = uint8(len(payload))
	in[1] = uint8(len(payload) >> 8)
	in[5] = typ&0x0f | count<<4
	copy(in[mbxHeaderLen:], payload)

	mb.slave.BackingMemory[mb.smInStatusAddr()] |= ecad.SMStatusMailboxFull
}

// serveCoE handles one SDO request against the dictionary.
func (mb *MailboxDevice) serveCoE(payload []byte) []byte {
	if len(payload) < 2+4 {
		return nil
	}
	if payload[1]>>4 != coeServiceSdoRequest {
		return nil
	}

	cmd := payload[2]
	spec := cmd >> 5
	index := uint16(payload[3]) | uint16(payload[4])<<8
	subindex := payload[5]
	key := DictKey(index, subindex)

	if code, ok := mb.AbortOn[key]; ok {
		return sdoAbort(index, subindex, code)
	}

	switch spec {
	case sdoSpecDownload:
		var value []byte
		if cmd&0x02 != 0 { // expedited
			n := 4
			if cmd&0x01 != 0 {
				n -= int(cmd >> 2 & 0x03)
			}
			if len(payload) < 6+n {
				return nil
			}
			value = append([]byte(nil), payload[6:6+n]...)
		} else {
			if len(payload) < 10 {
				return nil
			}
			size := int(uint32(payload[6]) | uint32(payload[7])<<8 | uint32(payload[8])<<16 | uint32(payload[9])<<24)
			if len(payload) < 10+size {
				return nil
			}
			value = append([]byte(nil), payload[10:10+size]...)
		}
		mb.Dictionary[key] = value
		return sdoReply(sdoSpecDownloadRes<<5, index, subindex, make([]byte, 4))

	case sdoSpecUpload:
		value, ok := mb.Dictionary[key]
		if !ok {
			return sdoAbort(index, subindex, sdoAbortObjectMissing)
		}
		if len(value) <= 4 {
			// expedited: size indicator, expedited bit, unused bytes
			cmd := uint8(sdoSpecUploadRes<<5) | 0x03 | uint8(4-len(value))<<2
			body := make([]byte, 4)
			copy(body, value)
			return sdoReply(cmd, index, subindex, body)
		}
		body := make([]byte, 4+len(value))
		body[0] = uint8(len(value))
		body[1] = uint8(len(value) >> 8)
		body[2] = uint8(len(value) >> 16)
		body[3] = uint8(len(value) >> 24)
		copy(body[4:], value)
		return sdoReply(uint8(sdoSpecUploadRes<<5)|0x01, index, subindex, body)
	}

	return sdoAbort(index, subindex, 0x05040001) // unknown specifier
}

func sdoReply(cmd uint8, index uint16, subindex uint8, body []byte) []byte {
	out := make([]byte, 2+4+len(body))
	out[1] = coeServiceSdoResponse << 4
	out[2] = cmd
	out[3] = uint8(index)
	out[4] = uint8(index >> 8)
	out[5] = subindex
	copy(out[6:], body)
	return out
}

func sdoAbort(index uint16, subindex uint8, code uint32) []byte {
	body := []byte{uint8(code), uint8(code >> 8), uint8(code >> 16), uint8(code >> 24)}
	return sdoReply(sdoSpecAbort<<5, index, subindex, body)
}
