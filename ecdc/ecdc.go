// Package ecdc measures and corrects the distributed clocks of a slave
// ring. A measurement pass latches the port receive times of every slave
// with one broadcast write, collects the latched timestamps, accumulates
// the propagation delay down the ring and writes per-slave offset and
// delay corrections. The first DC capable slave is the reference clock.
package ecdc

import (
	"errors"

	"github.com/andom9/ethercat/ecad"
	"github.com/andom9/ethercat/ecfr"
	"github.com/andom9/ethercat/ecmd"
	"github.com/andom9/ethercat/ecnet"
	"github.com/andom9/ethercat/ecwc"
)

// ErrNoDCSlaves means the ring has no DC capable slave to measure against.
var ErrNoDCSlaves = errors.New("ecdc: no DC capable slaves")

// dcTimesReadLen spans the four port receive times and the latched 64 bit
// receive time of the processing unit, 0x0900 through 0x091f.
const dcTimesReadLen = 32

type phase int

const (
	phaseIdle phase = iota
	phaseLatch
	phaseReadTimes
	phaseWrite
	phaseComplete
	phaseError
)

// measurement is one slave's raw read of a latch pass.
type measurement struct {
	cmd   *ecmd.ExecutingCommand
	slave *ecnet.Slave
}

// Sync is the measurement pass task. One Start/Update run performs the
// configured number of latch passes and writes the corrections once.
type Sync struct {
	cfg *ecnet.Config
	net *ecnet.Network

	phase      phase
	passesLeft int

	latchCmd *ecmd.ExecutingCommand
	reads    []measurement
	writes   []measurement

	updated []uint16
	skipped []uint16
	err     error
}

func NewSync(cfg *ecnet.Config, net *ecnet.Network) *Sync {
	return &Sync{cfg: cfg, net: net, phase: phaseIdle}
}

// Start arms a measurement pass over every DC capable slave.
func (s *Sync) Start() error {
	if s.Busy() {
		return errors.New("ecdc: measurement already in progress")
	}

	n := 0
	for _, sl := range s.net.Slaves() {
		if sl.SupportsDC {
			n++
		}
	}
	if n == 0 {
		return ErrNoDCSlaves
	}

	s.phase = phaseLatch
	s.passesLeft = s.cfg.DCLatchPasses
	if s.passesLeft < 1 {
		s.passesLeft = 1
	}
	s.updated = nil
	s.skipped = nil
	s.err = nil
	return nil
}

// Reset abandons the pass, so a latch that keeps getting lost does not pin
// the task forever. Per slave contexts keep whatever the last completed
// pass stored; no correction is written.
func (s *Sync) Reset() {
	s.phase = phaseIdle
	s.passesLeft = 0
	s.latchCmd = nil
	s.reads = s.reads[:0]
	s.writes = s.writes[:0]
	s.err = nil
}

func (s *Sync) Busy() bool {
	switch s.phase {
	case phaseIdle, phaseComplete, phaseError:
		return false
	}
	return true
}

// Result reports the completed pass: the positions whose clocks were
// corrected and the positions skipped because their probe came back short.
func (s *Sync) Result() (updated, skipped []uint16, err error, done bool) {
	switch s.phase {
	case phaseComplete:
		return s.updated, s.skipped, nil, true
	case phaseError:
		return nil, nil, s.err, true
	}
	return nil, nil, nil, false
}

// Push stages this cycle's datagrams. The latch is a single broadcast; the
// reads and the correction writes go out one datagram per slave, packed
// into as few frames as the budget allows.
func (s *Sync) Push(c ecmd.Commander) error {
	switch s.phase {
	case phaseLatch:
		cmd, err := c.New(4)
		if err != nil {
			return err
		}
		cmd.Command = ecfr.BWR
		cmd.SetAddress(ecfr.BroadcastAddress(ecad.DCReceiveTimePort0))
		cmd.ExpectedWC = s.net.NumSlaves()
		s.latchCmd = cmd

	case phaseReadTimes:
		s.reads = s.reads[:0]
		for i := uint16(0); i < s.net.NumSlaves(); i++ {
			sl, err := s.net.Slave(i)
			if err != nil {
				return err
			}
			if !sl.SupportsDC {
				continue
			}
			cmd, err := c.New(dcTimesReadLen)
			if err != nil {
				return err
			}
			cmd.Command = ecfr.FPRD
			cmd.SetAddress(ecfr.StationAddress(sl.StationAddr, ecad.DCReceiveTimePort0))
			cmd.ExpectedWC = 1
			s.reads = append(s.reads, measurement{cmd, sl})
		}

	case phaseWrite:
		s.writes = s.writes[:0]
		for _, pos := range s.updated {
			sl, err := s.net.Slave(pos)
			if err != nil {
				return err
			}

			off, err := c.New(8)
			if err != nil {
				return err
			}
			off.Command = ecfr.FPWR
			off.SetAddress(ecfr.StationAddress(sl.StationAddr, ecad.DCSystemTimeOffset))
			off.ExpectedWC = 1
			putUint64(off.Data(), uint64(sl.DC.Offset))
			s.writes = append(s.writes, measurement{off, sl})

			del, err := c.New(4)
			if err != nil {
				return err
			}
			del.Command = ecfr.FPWR
			del.SetAddress(ecfr.StationAddress(sl.StationAddr, ecad.DCSystemTimeDelay))
			del.ExpectedWC = 1
			putUint32(del.Data(), sl.DC.PropDelay)
			s.writes = append(s.writes, measurement{del, sl})
		}
	}
	return nil
}

// Update consumes this cycle's responses and advances the pass.
func (s *Sync) Update() {
	switch s.phase {
	case phaseLatch:
		cmd := s.latchCmd
		s.latchCmd = nil
		if cmd == nil {
			return
		}
		if ecmd.ChooseDefaultError(cmd) != nil {
			// lost latch, repeat it next cycle
			return
		}
		// a partial latch still latched the slaves it passed; the per
		// slave reads sort out who answered
		s.phase = phaseReadTimes

	case phaseReadTimes:
		for _, m := range s.reads {
			if arrived(m.cmd) {
				d := m.cmd.DatagramIn.Data()
				for p := 0; p < 4; p++ {
					m.slave.DC.PortTimes[p] = getUint32(d[p*4:])
				}
				m.slave.DC.LocalTime = getUint64(d[ecad.DCReceiveTimeUnit-ecad.DCReceiveTimePort0:])
				m.slave.DC.Valid = true
			} else {
				m.slave.DC.Valid = false
			}
		}
		s.reads = s.reads[:0]

		s.passesLeft--
		if s.passesLeft > 0 {
			s.phase = phaseLatch
			return
		}

		s.compute()
		if len(s.updated) == 0 {
			s.phase = phaseComplete
			return
		}
		s.phase = phaseWrite

	case phaseWrite:
		lost := map[uint16]bool{}
		for _, m := range s.writes {
			if !arrived(m.cmd) {
				// the correction write was lost; the next pass rewrites it
				lost[m.slave.Position] = true
			}
		}
		s.writes = s.writes[:0]

		if len(lost) > 0 {
			corrected := s.updated[:0]
			for _, pos := range s.updated {
				if lost[pos] {
					s.skip(pos)
					continue
				}
				corrected = append(corrected, pos)
			}
			s.updated = corrected
		}
		s.phase = phaseComplete
	}
}

// compute turns the latched times into per slave delay and offset. The
// reference is the first DC capable slave that answered; a slave whose
// probe was lost keeps its previous values and is reported skipped.
func (s *Sync) compute() {
	var ref *ecnet.Slave
	var prev *ecnet.Slave

	for i := uint16(0); i < s.net.NumSlaves(); i++ {
		sl, err := s.net.Slave(i)
		if err != nil {
			return
		}
		if !sl.SupportsDC {
			continue
		}
		if !sl.DC.Valid {
			s.skip(sl.Position)
			continue
		}

		if ref == nil {
			ref = sl
			sl.DC.PropDelay = 0
			sl.DC.Offset = 0
			s.updated = append(s.updated, sl.Position)
			prev = sl
			continue
		}

		// half of the loop time the upstream slave saw but this one did
		// not is the forward wire delay between the two
		sl.DC.PropDelay = prev.DC.PropDelay + (loopTime(prev)-loopTime(sl))/2
		sl.DC.Offset = int64(ref.DC.LocalTime) + int64(sl.DC.PropDelay) - int64(sl.DC.LocalTime)
		s.updated = append(s.updated, sl.Position)
		prev = sl
	}
}

func (s *Sync) skip(pos uint16) {
	for _, p := range s.skipped {
		if p == pos {
			return
		}
	}
	s.skipped = append(s.skipped, pos)
}

// loopTime is the time a frame spent beyond a slave's port 0, that is
// between entering port 0 and re-entering on the return path. A slave at
// the end of the line has no downstream loop.
func loopTime(sl *ecnet.Slave) uint32 {
	if sl.DC.PortTimes[1] == 0 {
		return 0
	}
	return sl.DC.PortTimes[1] - sl.DC.PortTimes[0]
}

func arrived(cmd *ecmd.ExecutingCommand) bool {
	return ecmd.ChooseDefaultError(cmd) == nil &&
		ecwc.Classify(cmd.ExpectedWC, cmd.DatagramIn.WorkingCounter) == ecwc.FullyAcknowledged
}

func putUint32(b []byte, v uint32) {
	b[0] = uint8(v)
	b[1] = uint8(v >> 8)
	b[2] = uint8(v >> 16)
	b[3] = uint8(v >> 24)
}

func putUint64(b []byte, v uint64) {
	putUint32(b, uint32(v))
	putUint32(b[4:], uint32(v>>32))
}

func getUint32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

func getUint64(b []byte) uint64 {
	return uint64(getUint32(b)) | uint64(getUint32(b[4:]))<<32
}
