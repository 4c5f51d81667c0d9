package ecsm

import (
	"github.com/andom9/ethercat/ecad"
	"github.com/andom9/ethercat/ecfr"
	"github.com/andom9/ethercat/ecmd"
	"github.com/andom9/ethercat/ecnet"
	"github.com/andom9/ethercat/ecwc"
)

// StateReader sweeps the AL status of every slave with one broadcast read
// per cycle. The broadcast ORs all status words together, so a set error
// bit or a mixed state is visible in a single datagram; the caller then
// narrows down with per-slave transitions.
type StateReader struct {
	net *ecnet.Network

	cmd     *ecmd.ExecutingCommand
	mixed   bool
	inErr   bool
	state   ecnet.ALState
	outcome ecwc.Outcome
	fresh   bool
}

func NewStateReader(net *ecnet.Network) *StateReader {
	return &StateReader{net: net, outcome: ecwc.Lost}
}

func (r *StateReader) Push(c ecmd.Commander) error {
	cmd, err := c.New(2)
	if err != nil {
		return err
	}
	cmd.Command = ecfr.BRD
	cmd.SetAddress(ecfr.BroadcastAddress(ecad.ALStatus))
	cmd.ExpectedWC = r.net.NumSlaves()
	r.cmd = cmd
	return nil
}

func (r *StateReader) Update() {
	r.fresh = false
	if r.cmd == nil {
		return
	}
	cmd := r.cmd
	r.cmd = nil

	if ecmd.ChooseDefaultError(cmd) != nil {
		r.outcome = ecwc.Lost
		return
	}

	r.outcome = ecwc.Classify(cmd.ExpectedWC, cmd.DatagramIn.WorkingCounter)
	low := cmd.DatagramIn.Data()[0]
	r.state = ecnet.ALStateFromRegister(low)
	r.mixed = r.state == ecnet.Invalid
	r.inErr = low&ecad.ALErrorBit != 0
	r.fresh = true
}

// Busy is always false: the sweep is a free running per-cycle probe.
func (r *StateReader) Busy() bool { return false }

// Snapshot reports the last sweep: the ring-wide state (Invalid when the
// slaves disagree), whether any slave flags an error, and the working
// counter outcome of the probe. fresh is false when the last cycle's probe
// was lost.
func (r *StateReader) Snapshot() (state ecnet.ALState, mixed, anyError, fresh bool, outcome ecwc.Outcome) {
	return r.state, r.mixed, r.inErr, r.fresh, r.outcome
}
