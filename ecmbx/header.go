// Package ecmbx layers a reliable request/response channel over a slave's
// mailbox sync managers. Requests carry a wrapping 3 bit sequence counter;
// responses with a foreign counter are stale leftovers from the slave's
// output mailbox and get dropped. At most one request per slave is in
// flight at any time.
package ecmbx

import (
	"errors"
	"fmt"
)

const HeaderLen = 6

// Type is the mailbox protocol selector.
type Type uint8

const (
	TypeError Type = 0
	TypeAoE   Type = 1
	TypeEoE   Type = 2
	TypeCoE   Type = 3
	TypeFoE   Type = 4
	TypeSoE   Type = 5
	TypeVoE   Type = 0xf
)

func (t Type) String() string {
	switch t {
	case TypeError:
		return "Error"
	case TypeAoE:
		return "AoE"
	case TypeEoE:
		return "EoE"
	case TypeCoE:
		return "CoE"
	case TypeFoE:
		return "FoE"
	case TypeSoE:
		return "SoE"
	case TypeVoE:
		return "VoE"
	}
	return fmt.Sprintf("Type(%d)", uint8(t))
}

// Header is the six byte mailbox header preceding every mailbox payload.
type Header struct {
	Length      uint16
	StationAddr uint16
	Channel     uint8
	Priority    uint8
	Type        Type
	Count       uint8
}

// ErrShortMailbox is returned when a mailbox area is too small to even
// carry a header.
var ErrShortMailbox = errors.New("ecmbx: mailbox data shorter than header")

func (h *Header) encode(b []byte) {
	b[0] = uint8(h.Length)
	b[1] = uint8(h.Length >> 8)
	b[2] = uint8(h.StationAddr)
	b[3] = uint8(h.StationAddr >> 8)
	b[4] = h.Channel&0x3f | h.Priority<<6
	b[5] = uint8(h.Type)&0x0f | h.Count&0x07<<4
}

func decodeHeader(b []byte) (h Header, err error) {
	if len(b) < HeaderLen {
		err = fmt.Errorf("%w: %d bytes", ErrShortMailbox, len(b))
		return
	}
	h.Length = uint16(b[0]) | uint16(b[1])<<8
	h.StationAddr = uint16(b[2]) | uint16(b[3])<<8
	h.Channel = b[4] & 0x3f
	h.Priority = b[4] >> 6
	h.Type = Type(b[5] & 0x0f)
	h.Count = b[5] >> 4 & 0x07
	return
}

// MailboxErrorResponse is a slave's protocol level rejection, mailbox type
// zero with a 16 bit detail code.
type MailboxErrorResponse struct {
	Detail uint16
}

func (e MailboxErrorResponse) Error() string {
	return fmt.Sprintf("ecmbx: slave rejected request, error detail %#04x", e.Detail)
}

func decodeErrorDetail(payload []byte) uint16 {
	if len(payload) < 4 {
		return 0
	}
	// service type word, then detail word
	return uint16(payload[2]) | uint16(payload[3])<<8
}
