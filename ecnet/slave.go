// Package ecnet holds the master's view of the slave ring: a fixed
// capacity table of per-slave state, indexed by ring position. The table is
// sized once at configuration time; entries are reset in place, never
// reallocated, so no pointer into the table moves for the life of the
// network.
package ecnet

import (
	"errors"
	"fmt"

	"github.com/andom9/ethercat/ecad"
)

// ErrCapacityExceeded is returned when a caller asks for more slaves,
// payload or buffer than was configured. It is a local misconfiguration and
// never worth a retry.
var ErrCapacityExceeded = errors.New("ecnet: configured capacity exceeded")

// ALState is the application layer state of a slave as encoded in the AL
// Control and AL Status registers.
type ALState uint8

const (
	Invalid ALState = 0
	Init    ALState = 1
	PreOp   ALState = 2
	Boot    ALState = 3
	SafeOp  ALState = 4
	Op      ALState = 8
)

func ALStateFromRegister(low uint8) ALState {
	switch ALState(low & ecad.ALStateMask) {
	case Init, PreOp, Boot, SafeOp, Op:
		return ALState(low & ecad.ALStateMask)
	}
	return Invalid
}

func (s ALState) String() string {
	switch s {
	case Init:
		return "Init"
	case PreOp:
		return "PreOp"
	case Boot:
		return "Boot"
	case SafeOp:
		return "SafeOp"
	case Op:
		return "Op"
	case Invalid:
		return "Invalid"
	}
	return fmt.Sprintf("ALState(%d)", uint8(s))
}

// rank orders the operational ladder for sequencing checks. Boot sits aside
// the ladder and is only reachable from Init.
func (s ALState) rank() int {
	switch s {
	case Init:
		return 0
	case PreOp:
		return 1
	case SafeOp:
		return 2
	case Op:
		return 3
	}
	return -1
}

// NextTowards returns the state one legal upward step closer to target, or
// target itself for downward and lateral moves, which slaves accept in one
// hop.
func (s ALState) NextTowards(target ALState) ALState {
	if s.rank() < 0 || target.rank() < 0 || target.rank() <= s.rank() {
		return target
	}
	switch s {
	case Init:
		return PreOp
	case PreOp:
		return SafeOp
	case SafeOp:
		return Op
	}
	return target
}

// CanRequest reports whether requesting target directly from s honors the
// strictly sequential upward ladder. Downward transitions are always
// allowed; Boot is only reachable from Init.
func (s ALState) CanRequest(target ALState) bool {
	if target == Boot {
		return s == Init
	}
	if s == Boot {
		return target == Init
	}
	if s.rank() < 0 || target.rank() < 0 {
		return false
	}
	return target.rank() <= s.rank() || target.rank() == s.rank()+1
}

// SyncM describes one sync manager channel of a slave's mailbox, as read
// from the SII at configuration time.
type SyncM struct {
	Number  uint8
	Start   uint16
	Length  uint16
	Control uint8
}

func (sm SyncM) IsZero() bool {
	return sm.Length == 0
}

// DCContext carries the distributed clock bookkeeping of one slave.
type DCContext struct {
	// PortTimes are the four port receive timestamps latched by the last
	// broadcast latch pass, in local clock ticks.
	PortTimes [4]uint32
	// LocalTime is the local system time sampled at the latch instant.
	LocalTime uint64
	// PropDelay is the accumulated propagation delay from the reference
	// slave, in nanoseconds.
	PropDelay uint32
	// Offset is the difference between this slave's local clock and the
	// reference clock, written to DCSystemTimeOffset.
	Offset int64
	// Valid marks that PropDelay and Offset hold results of a completed
	// measurement pass.
	Valid bool
}

// Slave is one fixed-position entry of the network table.
type Slave struct {
	Position    uint16
	StationAddr uint16

	ALState          ALState
	RequestedState   ALState
	InError          bool
	LastALStatusCode ecad.ALStatusCodeValue

	// MailboxOut is the master-to-slave (write) mailbox sync manager,
	// MailboxIn the slave-to-master (read) one.
	MailboxOut SyncM
	MailboxIn  SyncM

	SupportsDC bool
	DC         DCContext

	mbCount uint8
}

// HasMailbox reports whether both mailbox sync managers were configured.
func (s *Slave) HasMailbox() bool {
	return !s.MailboxOut.IsZero() && !s.MailboxIn.IsZero()
}

// NextMailboxCount yields the next mailbox sequence counter. The field is
// three bits wide and the value zero is reserved, so counts run 1..7 and
// wrap.
func (s *Slave) NextMailboxCount() uint8 {
	s.mbCount++
	if s.mbCount > 7 {
		s.mbCount = 1
	}
	return s.mbCount
}

// LastMailboxCount returns the sequence counter of the most recent request.
func (s *Slave) LastMailboxCount() uint8 {
	return s.mbCount
}

func (s *Slave) reset(pos uint16) {
	*s = Slave{Position: pos}
	s.ALState = Invalid
}

// Network is the fixed capacity slave table.
type Network struct {
	slaves []Slave
}

func NewNetwork(capacity int) *Network {
	n := &Network{slaves: make([]Slave, 0, capacity)}
	return n
}

// AddSlave appends a slave at the next ring position. The table never grows
// past its configured capacity.
func (n *Network) AddSlave(stationAddr uint16) (*Slave, error) {
	if len(n.slaves) == cap(n.slaves) {
		return nil, fmt.Errorf("%w: slave table is full at %d", ErrCapacityExceeded, cap(n.slaves))
	}

	pos := uint16(len(n.slaves))
	n.slaves = n.slaves[:len(n.slaves)+1]
	s := &n.slaves[pos]
	s.reset(pos)
	s.StationAddr = stationAddr
	s.ALState = Init
	return s, nil
}

// Slave returns the table entry at ring position pos.
func (n *Network) Slave(pos uint16) (*Slave, error) {
	if int(pos) >= len(n.slaves) {
		return nil, fmt.Errorf("ecnet: no slave at position %d, have %d", pos, len(n.slaves))
	}
	return &n.slaves[pos], nil
}

func (n *Network) NumSlaves() uint16 {
	return uint16(len(n.slaves))
}

// Slaves returns the live table. Callers must not retain the slice across a
// Reset.
func (n *Network) Slaves() []Slave {
	return n.slaves
}

// Reset clears all entries in place for re-initialization. Capacity is
// retained.
func (n *Network) Reset() {
	for i := range n.slaves {
		n.slaves[i].reset(uint16(i))
	}
	n.slaves = n.slaves[:0]
}
