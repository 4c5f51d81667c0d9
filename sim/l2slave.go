package sim

import (
	"github.com/andom9/ethercat/ecad"
	"github.com/andom9/ethercat/ecfr"
	"github.com/andom9/ethercat/ecnet"
)

const (
	regAreaLength = 0x1000
)

// L2Slave is one simulated slave controller. Registers below 0x1000 are
// backed by mapped devices with shadow/latch write semantics; everything
// above is plain process memory, which is where the mailbox areas live.
type L2Slave struct {
	BackingMemory [1 << 16]byte

	registerShadow          [regAreaLength]byte
	registerShadowWriteMask [regAreaLength]bool

	regMappings []MMapping

	StationAddr *StationAddrReg
	ESM         *ESMDevice
	EEPROM      *L2EEPROM
	Mailbox     *MailboxDevice
	Clock       *ClockDevice

	// Mute makes the slave forward frames untouched, as if its port were
	// dead. Working counters stay put.
	Mute bool
}

func NewL2Slave() *L2Slave {
	s := &L2Slave{}

	// ET1100 signature
	copy(s.BackingMemory[:0x10], []byte{0x11, 0x00, 0x02, 0x00, 0x08, 0x08, 0x08, 0x0b, 0xfc})

	s.StationAddr = &StationAddrReg{}
	s.regMappings = append(s.regMappings, DevMapping{ecad.ConfiguredStationAddress, 0x02, s.StationAddr})

	s.ESM = NewESMDevice()
	s.regMappings = append(s.regMappings, DevMapping{ecad.ALControl, 0x02, s.ESM.ControlReg()})
	s.regMappings = append(s.regMappings, DevMapping{ecad.ALStatus, 0x06, s.ESM.StatusReg()})

	s.EEPROM = NewL2EEPROM()
	s.regMappings = append(s.regMappings, DevMapping{ecad.ESIEEPROMInterface, 0x10, s.EEPROM.Reg()})

	s.Mailbox = NewMailboxDevice(s)
	s.Clock = NewClockDevice(s)

	return s
}

// ConfigureMailbox wires the mailbox sync managers. Must match what the
// master's network table says about this slave.
func (s *L2Slave) ConfigureMailbox(out, in ecnet.SyncM) {
	s.Mailbox.Out = out
	s.Mailbox.In = in
}

// returns true if interaction happened
func (s *L2Slave) llread8p(addr uint16, dp *uint8) bool {
	if addr < regAreaLength {
		m := s.addrToMapping(addr)
		if m != nil {
			return m.Device().Read(addr-m.Start(), dp)
		}
	}

	*dp = s.BackingMemory[addr]
	return true
}

// returns true if interaction happened.
func (s *L2Slave) llwrite8(addr uint16, d uint8) bool {
	if addr < regAreaLength {
		s.registerShadow[addr] = d
		s.registerShadowWriteMask[addr] = true

		m := s.addrToMapping(addr)
		if m != nil {
			return m.Device().WriteInteract(addr - m.Start())
		}
	}

	s.BackingMemory[addr] = d
	return true
}

func (s *L2Slave) addrToMapping(addr uint16) MMapping {
	for _, m := range s.regMappings {
		if addr >= m.Start() && addr < (m.Start()+m.Length()) {
			return m
		}
	}

	return nil
}

func (s *L2Slave) ProcessFrame(infr *ecfr.Frame) (ofr *ecfr.Frame) {
	ofr = infr

	if s.Mute {
		return
	}

	for _, dg := range infr.Datagrams {
		dga := ecfr.DatagramAddressFromCommand(dg.Addr32, dg.Command)
		if !dga.IsPhysical() {
			// no support for logical addresses
			continue
		}

		addressed := s.isPhysicallyAddressed(dga)
		if dga.Type() == ecfr.Positional {
			dga.IncrementSlaveAddr()
			dg.Addr32 = dga.Addr32()
		}

		if dg.Command == ecfr.FRMW || dg.Command == ecfr.ARMW {
			// every slave takes part, addressed or not
			s.processReadMultipleWrite(dg, dga)
			continue
		}
		if !addressed {
			continue
		}

		s.processDatagram(dg, dga)
	}

	// latch register shadow into registers
	s.latchRegs()

	// post frame device interactions
	s.Mailbox.Interact()
	s.Clock.Interact()

	return
}

func (s *L2Slave) processDatagram(dg *ecfr.Datagram, dga ecfr.DatagramAddress) {
	physbase := dga.Offset()
	isBroadcast := dga.Type() == ecfr.Broadcast

	readUnmasked := true
	if dg.Command.DoesRead() {
		for i := uint16(0); i < dg.DataLength(); i++ {
			var b uint8
			readUnmasked = s.llread8p(physbase+i, &b) && readUnmasked
			if isBroadcast {
				// broadcast reads OR the contributions of all slaves
				dg.Data()[i] |= b
			} else {
				dg.Data()[i] = b
			}
		}
	}

	writeUnmasked := true
	if dg.Command.DoesWrite() {
		for i := uint16(0); i < dg.DataLength(); i++ {
			writeUnmasked = s.llwrite8(physbase+i, dg.Data()[i]) && writeUnmasked
		}
		s.Mailbox.NoteWrite(physbase, dg.DataLength())
		s.Clock.NoteWrite(physbase, dg.DataLength())
	}
	if dg.Command.DoesRead() {
		s.Mailbox.NoteRead(physbase, dg.DataLength())
	}

	// working counter update logic
	switch {
	case dg.Command.DoesRead() && dg.Command.DoesWrite():
		if readUnmasked && writeUnmasked {
			dg.WorkingCounter += 3
		}
	case dg.Command.DoesRead():
		if readUnmasked {
			dg.WorkingCounter++
		}
	case dg.Command.DoesWrite():
		if writeUnmasked {
			dg.WorkingCounter++
		}
	}
}

// processReadMultipleWrite handles FRMW/ARMW: the addressed slave loads its
// register value into the datagram, every other slave stores the datagram
// into its register. With the reference clock first in ring order this
// distributes its time to the whole segment in one pass.
func (s *L2Slave) processReadMultipleWrite(dg *ecfr.Datagram, dga ecfr.DatagramAddress) {
	physbase := dga.Offset()

	source := false
	switch dga.Type() {
	case ecfr.Fixed:
		source = s.StationAddr.Store != 0 && dga.PositionOrAddress() == s.StationAddr.Store
	case ecfr.Positional:
		source = dga.PositionOrAddress() == 0
	}

	if source {
		for i := uint16(0); i < dg.DataLength(); i++ {
			s.llread8p(physbase+i, &(dg.Data()[i]))
		}
	} else {
		for i := uint16(0); i < dg.DataLength(); i++ {
			s.llwrite8(physbase+i, dg.Data()[i])
		}
	}
	dg.WorkingCounter++
}

func (s *L2Slave) latchRegs() {
	for _, m := range s.regMappings {
		start := m.Start()
		end := start + m.Length()
		m.Device().Latch(s.registerShadow[start:end],
			s.registerShadowWriteMask[start:end])
	}
	for i := range s.registerShadowWriteMask {
		s.registerShadowWriteMask[i] = false
	}
}

func (s *L2Slave) isPhysicallyAddressed(addr ecfr.DatagramAddress) bool {
	switch addr.Type() {
	case ecfr.Broadcast:
		return true
	case ecfr.Positional:
		return addr.PositionOrAddress() == 0
	case ecfr.Fixed:
		return s.StationAddr.Store != 0 && addr.PositionOrAddress() == s.StationAddr.Store
	}

	return false
}
