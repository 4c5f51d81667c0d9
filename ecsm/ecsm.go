// Package ecsm drives slaves through the EtherCAT state machine. A
// transition is requested by writing the target state to AL Control and
// confirmed only once AL Status echoes it without the error bit. Upward
// transitions are strictly sequential; skipping an intermediate state is
// rejected before anything is written to the slave. Downward transitions go
// direct, that is the de-escalation and recovery path.
package ecsm

import (
	"errors"
	"fmt"

	"github.com/andom9/ethercat/ecad"
	"github.com/andom9/ethercat/ecfr"
	"github.com/andom9/ethercat/ecmd"
	"github.com/andom9/ethercat/ecnet"
	"github.com/andom9/ethercat/ecwc"
)

// ErrInvalidTransition rejects a requested state change that would skip an
// intermediate state on the upward ladder.
var ErrInvalidTransition = errors.New("ecsm: transition skips an intermediate state")

// TransitionTimeoutError reports a slave that did not reach the requested
// state within the cycle budget. The slave's last AL status code is carried
// along; retrying is the caller's decision.
type TransitionTimeoutError struct {
	Position     uint16
	Target       ecnet.ALState
	LastState    ecnet.ALState
	ALStatusCode ecad.ALStatusCodeValue
}

func (e TransitionTimeoutError) Error() string {
	return fmt.Sprintf("ecsm: slave %d stuck in %v on the way to %v, al status code %v",
		e.Position, e.LastState, e.Target, e.ALStatusCode)
}

// ALStatusError reports a slave that raised its error bit. All mailbox and
// process data traffic for the slave should be treated as suspended until
// the caller runs a recovery transition.
type ALStatusError struct {
	Position     uint16
	State        ecnet.ALState
	ALStatusCode ecad.ALStatusCodeValue
}

func (e ALStatusError) Error() string {
	return fmt.Sprintf("ecsm: slave %d flagged error in %v, al status code %v",
		e.Position, e.State, e.ALStatusCode)
}

const alStatusReadLen = 6 // AL Status word through AL Status Code word

type phase int

const (
	phaseIdle phase = iota
	phaseReadStatus
	phaseAckError
	phaseRequest
	phasePoll
	phaseComplete
	phaseError
)

// Transition advances one slave towards a target state, one register
// exchange per polling cycle.
type Transition struct {
	cfg *ecnet.Config

	slave  *ecnet.Slave
	target ecnet.ALState

	phase   phase
	cmd     *ecmd.ExecutingCommand
	elapsed int
	budget  int
	err     error
}

func NewTransition(cfg *ecnet.Config) *Transition {
	return &Transition{cfg: cfg, phase: phaseIdle}
}

// Start validates and arms a transition for slave. It fails with
// ErrInvalidTransition before anything goes on the wire when the upward
// ladder would be skipped.
func (t *Transition) Start(slave *ecnet.Slave, target ecnet.ALState) error {
	if t.Busy() {
		return errors.New("ecsm: transition already in progress")
	}
	if slave.ALState != ecnet.Invalid && !slave.ALState.CanRequest(target) {
		return fmt.Errorf("%w: %v -> %v on slave %d", ErrInvalidTransition, slave.ALState, target, slave.Position)
	}

	t.slave = slave
	t.target = target
	t.phase = phaseReadStatus
	t.cmd = nil
	t.elapsed = 0
	t.budget = t.cfg.TransitionTimeoutCycles(target)
	t.err = nil
	slave.RequestedState = target
	return nil
}

func (t *Transition) Busy() bool {
	switch t.phase {
	case phaseIdle, phaseComplete, phaseError:
		return false
	}
	return true
}

// Result reports the finished transition's outcome. The bool is false while
// the transition is still running.
func (t *Transition) Result() (ecnet.ALState, error, bool) {
	switch t.phase {
	case phaseComplete:
		return t.slave.ALState, nil, true
	case phaseError:
		return t.slave.ALState, t.err, true
	}
	return ecnet.Invalid, nil, false
}

func (t *Transition) addr(offset uint16) ecfr.DatagramAddress {
	return ecfr.StationAddress(t.slave.StationAddr, offset)
}

// Push stages this cycle's register exchange.
func (t *Transition) Push(c ecmd.Commander) error {
	switch t.phase {
	case phaseReadStatus, phasePoll:
		cmd, err := c.New(alStatusReadLen)
		if err != nil {
			return err
		}
		cmd.Command = ecfr.FPRD
		cmd.SetAddress(t.addr(ecad.ALStatus))
		cmd.ExpectedWC = 1
		t.cmd = cmd

	case phaseAckError:
		cmd, err := c.New(2)
		if err != nil {
			return err
		}
		cmd.Command = ecfr.FPWR
		cmd.SetAddress(t.addr(ecad.ALControl))
		cmd.ExpectedWC = 1
		cmd.Data()[0] = uint8(t.slave.ALState) | ecad.ALErrorAckBit
		t.cmd = cmd

	case phaseRequest:
		cmd, err := c.New(2)
		if err != nil {
			return err
		}
		cmd.Command = ecfr.FPWR
		cmd.SetAddress(t.addr(ecad.ALControl))
		cmd.ExpectedWC = 1
		cmd.Data()[0] = uint8(t.target)
		t.cmd = cmd
	}
	return nil
}

// Update consumes the response of the staged exchange and advances. A lost
// or partially acknowledged cycle never advances the state machine. Every
// Update of an unfinished transition burns one cycle of budget, so a slave
// that keeps re-raising its error bit after each acknowledge still runs the
// transition into its timeout instead of holding it open.
func (t *Transition) Update() {
	if !t.Busy() || t.cmd == nil {
		return
	}

	cmd := t.cmd
	t.cmd = nil

	arrived := ecmd.ChooseDefaultError(cmd) == nil &&
		ecwc.Classify(cmd.ExpectedWC, cmd.DatagramIn.WorkingCounter) == ecwc.FullyAcknowledged

	switch t.phase {
	case phaseReadStatus:
		if !arrived {
			t.tick()
			return
		}
		state, inErr, code := parseALStatus(cmd.DatagramIn.Data())
		t.slave.ALState = state
		t.slave.LastALStatusCode = code
		t.slave.InError = inErr

		if inErr {
			t.phase = phaseAckError
			t.tick()
			return
		}
		if state != ecnet.Invalid && !state.CanRequest(t.target) {
			t.fail(fmt.Errorf("%w: %v -> %v on slave %d", ErrInvalidTransition, state, t.target, t.slave.Position))
			return
		}
		if state == t.target {
			t.phase = phaseComplete
			return
		}
		t.phase = phaseRequest
		t.tick()

	case phaseAckError:
		if !arrived {
			t.tick()
			return
		}
		t.slave.InError = false
		t.phase = phaseReadStatus
		t.tick()

	case phaseRequest:
		if !arrived {
			// the write may have been skipped; re-issue, it is idempotent
			t.tick()
			return
		}
		t.phase = phasePoll
		t.tick()

	case phasePoll:
		if !arrived {
			t.tick()
			return
		}
		state, inErr, code := parseALStatus(cmd.DatagramIn.Data())
		t.slave.ALState = state
		t.slave.LastALStatusCode = code

		if inErr {
			t.slave.InError = true
			t.fail(ALStatusError{t.slave.Position, state, code})
			return
		}
		if state == t.target {
			t.phase = phaseComplete
			return
		}
		t.tick()
	}
}

// tick burns one cycle of budget and times the transition out when it is
// spent.
func (t *Transition) tick() {
	t.elapsed++
	if t.elapsed >= t.budget {
		t.fail(TransitionTimeoutError{
			Position:     t.slave.Position,
			Target:       t.target,
			LastState:    t.slave.ALState,
			ALStatusCode: t.slave.LastALStatusCode,
		})
	}
}

func (t *Transition) fail(err error) {
	t.phase = phaseError
	t.err = err
}

func parseALStatus(d []byte) (state ecnet.ALState, inErr bool, code ecad.ALStatusCodeValue) {
	state = ecnet.ALStateFromRegister(d[0])
	inErr = d[0]&ecad.ALErrorBit != 0
	if len(d) >= alStatusReadLen {
		code = ecad.ALStatusCodeValue(uint16(d[4]) | uint16(d[5])<<8)
	}
	return
}
