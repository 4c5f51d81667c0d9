package sim

import (
	"github.com/andom9/ethercat/ecad"
)

// ClockDevice emulates the distributed clock capture logic. A write that
// touches the receive time port 0 register latches the configured port
// times and the local receive time into the DC register block, where the
// master's measurement pass reads them back.
type ClockDevice struct {
	slave *L2Slave

	PortTimes [4]uint32
	LocalTime uint64

	latched bool
}

func NewClockDevice(slave *L2Slave) *ClockDevice {
	return &ClockDevice{slave: slave}
}

// NoteWrite records that a datagram wrote the given register span.
func (c *ClockDevice) NoteWrite(start, length uint16) {
	if overlaps(start, length, ecad.DCReceiveTimePort0, 4) {
		c.latched = true
	}
}

// Interact runs the post-frame latch.
func (c *ClockDevice) Interact() {
	if !c.latched {
		return
	}
	c.latched = false

	mem := c.slave.BackingMemory[:]
	for p := 0; p < 4; p++ {
		putU32(mem[int(ecad.DCReceiveTimePort0)+p*4:], c.PortTimes[p])
	}
	putU64(mem[ecad.DCReceiveTimeUnit:], c.LocalTime)
}

func putU32(b []byte, v uint32) {
	b[0] = uint8(v)
	b[1] = uint8(v >> 8)
	b[2] = uint8(v >> 16)
	b[3] = uint8(v >> 24)
}

func putU64(b []byte, v uint64) {
	putU32(b, uint32(v))
	putU32(b[4:], uint32(v>>32))
}
