package sim

// L2EEPROM emulates the SII EEPROM behind the ESC's EEPROM interface
// registers. Reads complete within the frame; the busy bit is never held
// across cycles.
type L2EEPROM struct {
	Array [8 * 1024]uint16

	Addr        uint32
	DataScratch [8]byte // already in wire encoding

	PDIControl         bool
	WriteEnable        bool
	ChecksumError      bool
	EENotLoaded        bool
	MissingAcknowledge bool
	ErrorWriteEnable   bool
	Busy               bool
}

func NewL2EEPROM() *L2EEPROM {
	ee := &L2EEPROM{}

	for i := 0; i < len(ee.Array); i++ {
		ee.Array[i] = 0xee00 + uint16(i)
	}

	return ee
}

func (ee *L2EEPROM) Reg() *L2EEPROMRegisterSet {
	return &L2EEPROMRegisterSet{ee}
}

type L2EEPROMRegisterSet struct{ *L2EEPROM }

func (ee *L2EEPROMRegisterSet) Read(offs uint16, dp *uint8) bool {
	switch {
	case offs == 0:
		if ee.PDIControl {
			*dp = 0x01
		} else {
			*dp = 0x00
		}
	case offs == 1:
		*dp = 0x00
	case offs == 2:
		*dp = 0xc0 // 2 address bytes, 8 data bytes supported
		if ee.WriteEnable {
			*dp |= 0x01
		}
	case offs == 3:
		*dp = 0
		if ee.ChecksumError {
			*dp |= 1 << (11 - 8)
		}
		if ee.EENotLoaded {
			*dp |= 1 << (12 - 8)
		}
		if ee.MissingAcknowledge {
			*dp |= 1 << (13 - 8)
		}
		if ee.ErrorWriteEnable {
			*dp |= 1 << (14 - 8)
		}
		if ee.Busy {
			*dp |= 1 << (15 - 8)
		}
	case offs >= 4 && offs < 8:
		*dp = uint8(ee.Addr >> (8 * (offs - 4)))
	case offs >= 8 && offs < 16:
		*dp = ee.DataScratch[offs-8]
	default:
		*dp = 0
	}

	return true
}

func (ee *L2EEPROMRegisterSet) WriteInteract(offs uint16) bool {
	if offs == 2 || offs == 3 {
		return !ee.Busy
	}
	return true
}

func (ee L2EEPROMRegisterSet) Latch(shadow []byte, shadowWriteMask []bool) {
	for offs := 0; offs < len(shadow); offs++ {
		if !shadowWriteMask[offs] {
			continue
		}

		switch {
		case offs == 0:
			ee.PDIControl = shadow[0]&0x01 != 0
		case offs == 1:
			// pdi access state, not modeled
		case offs == 2:
			ee.WriteEnable = shadow[2]&0x01 != 0
		case offs == 3:
			switch shadow[3] & 0x03 {
			case 0x00:
				ee.ChecksumError = false
				ee.EENotLoaded = false
				ee.MissingAcknowledge = false
				ee.ErrorWriteEnable = false
			case 0x01:
				ee.Busy = false
				ee.readIntoScratch()
			case 0x02:
				if ee.WriteEnable {
					ee.Busy = false
					ee.writeFromScratch()
				} else {
					ee.ErrorWriteEnable = true
				}
			default:
				// reload not supported
			}
		case offs >= 4 && offs < 8:
			shift := 8 * (offs - 4)
			ee.Addr &^= 0xff << shift
			ee.Addr |= uint32(shadow[offs]) << shift
		case offs >= 8 && offs < 16:
			ee.DataScratch[offs-8] = shadow[offs]
		}
	}
}

func (ee *L2EEPROM) readIntoScratch() {
	for i := 0; i < 4; i++ {
		w16 := ee.Array[(int(ee.Addr)+i)%len(ee.Array)]
		ee.DataScratch[i*2] = uint8(w16)
		ee.DataScratch[i*2+1] = uint8(w16 >> 8)
	}
}

func (ee *L2EEPROM) writeFromScratch() {
	w16 := uint16(ee.DataScratch[0]) | uint16(ee.DataScratch[1])<<8
	ee.Array[int(ee.Addr)%len(ee.Array)] = w16
}
