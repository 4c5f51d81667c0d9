// Package eccoe speaks CANopen over EtherCAT through the mailbox layer.
// The SDO engine supports expedited and single-frame normal transfers
// against a slave's object dictionary. Segmented transfers are not
// implemented; anything that does not fit one mailbox frame is rejected
// before it goes on the wire.
package eccoe

import (
	"fmt"
)

// HeaderLen is the CoE header preceding every CoE mailbox payload.
const HeaderLen = 2

// Service selects the CoE sub-protocol.
type Service uint8

const (
	ServiceEmergency   Service = 1
	ServiceSdoRequest  Service = 2
	ServiceSdoResponse Service = 3
	ServiceTxPDO       Service = 4
	ServiceRxPDO       Service = 5
	ServiceTxPDORemote Service = 6
	ServiceRxPDORemote Service = 7
	ServiceSdoInfo     Service = 8
)

func (s Service) String() string {
	switch s {
	case ServiceEmergency:
		return "Emergency"
	case ServiceSdoRequest:
		return "SdoRequest"
	case ServiceSdoResponse:
		return "SdoResponse"
	case ServiceTxPDO:
		return "TxPDO"
	case ServiceRxPDO:
		return "RxPDO"
	case ServiceTxPDORemote:
		return "TxPDORemote"
	case ServiceRxPDORemote:
		return "RxPDORemote"
	case ServiceSdoInfo:
		return "SdoInfo"
	}
	return fmt.Sprintf("Service(%d)", uint8(s))
}

// Header is the two byte CoE header: a 9 bit PDO number and the service
// selector in the top nibble.
type Header struct {
	Number  uint16
	Service Service
}

func (h Header) encode(b []byte) {
	b[0] = uint8(h.Number)
	b[1] = uint8(h.Number>>8)&0x01 | uint8(h.Service)<<4
}

func decodeHeader(b []byte) Header {
	return Header{
		Number:  uint16(b[0]) | uint16(b[1]&0x01)<<8,
		Service: Service(b[1] >> 4),
	}
}
