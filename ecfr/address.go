package ecfr

import (
	"fmt"
)

type AddressType int

const (
	Positional AddressType = iota
	Fixed
	Broadcast
	Logical
)

func (at AddressType) String() string {
	switch at {
	case Positional:
		return "Positional"
	case Fixed:
		return "Fixed"
	case Broadcast:
		return "Broadcast"
	case Logical:
		return "Logical"
	}
	return fmt.Sprintf("AddressType(%d)", int(at))
}

// DatagramAddress carries the 32 bit address field of a datagram together
// with its interpretation. For physical addressing the low half selects the
// slave, the high half the register offset. For logical addressing the whole
// word is the FMMU-mapped address.
type DatagramAddress struct {
	addr32 uint32
	typ    AddressType
}

func AutoIncrementAddress(pos uint16, offset uint16) DatagramAddress {
	return DatagramAddress{uint32(offset)<<16 | uint32(pos), Positional}
}

// PositionAddress yields the auto increment address that reaches the slave
// at ring position pos. The position field starts at 0 and is incremented by
// every slave the datagram passes, so the wire value is its negation.
func PositionAddress(pos uint16, offset uint16) DatagramAddress {
	return AutoIncrementAddress(-pos, offset)
}

func StationAddress(station uint16, offset uint16) DatagramAddress {
	return DatagramAddress{uint32(offset)<<16 | uint32(station), Fixed}
}

func BroadcastAddress(offset uint16) DatagramAddress {
	return DatagramAddress{uint32(offset) << 16, Broadcast}
}

func LogicalAddress(addr uint32) DatagramAddress {
	return DatagramAddress{addr, Logical}
}

// DatagramAddressFromCommand recovers the address interpretation from a raw
// address word and the command it was used with.
func DatagramAddressFromCommand(addr32 uint32, ct CommandType) DatagramAddress {
	switch ct {
	case APRD, APWR, APRW, ARMW:
		return DatagramAddress{addr32, Positional}
	case FPRD, FPWR, FPRW, FRMW:
		return DatagramAddress{addr32, Fixed}
	case BRD, BWR, BRW:
		return DatagramAddress{addr32, Broadcast}
	case LRD, LWR, LRW:
		return DatagramAddress{addr32, Logical}
	}
	return DatagramAddress{addr32, Broadcast}
}

func (da DatagramAddress) Addr32() uint32    { return da.addr32 }
func (da DatagramAddress) Type() AddressType { return da.typ }

func (da DatagramAddress) IsPhysical() bool {
	return da.typ != Logical
}

// PositionOrAddress returns the slave selector half of a physical address.
func (da DatagramAddress) PositionOrAddress() uint16 {
	return uint16(da.addr32)
}

func (da DatagramAddress) Offset() uint16 {
	return uint16(da.addr32 >> 16)
}

func (da *DatagramAddress) SetOffset(offset uint16) {
	da.addr32 = uint32(offset)<<16 | uint32(uint16(da.addr32))
}

// IncrementSlaveAddr advances the position field the way a slave does when
// it forwards a position addressed datagram.
func (da *DatagramAddress) IncrementSlaveAddr() {
	pos := uint16(da.addr32) + 1
	da.addr32 = da.addr32&0xffff0000 | uint32(pos)
}

func (da DatagramAddress) String() string {
	if da.typ == Logical {
		return fmt.Sprintf("log %#08x", da.addr32)
	}
	return fmt.Sprintf("%v %#04x:%#04x", da.typ, da.PositionOrAddress(), da.Offset())
}
