package ecdc

import (
	"github.com/andom9/ethercat/ecad"
	"github.com/andom9/ethercat/ecfr"
	"github.com/andom9/ethercat/ecmd"
	"github.com/andom9/ethercat/ecnet"
	"github.com/andom9/ethercat/ecwc"
)

// DriftCompensator keeps the slave clocks converged after the initial
// measurement. Every cycle it stages one FRMW datagram that reads the
// reference slave's system time and redistributes it to every other slave
// in the same pass; the slaves' internal PLLs slew towards the received
// value. Free running like a state probe, never busy.
type DriftCompensator struct {
	net *ecnet.Network
	ref *ecnet.Slave

	cmd     *ecmd.ExecutingCommand
	cycles  uint64
	misses  uint64
	lastRef uint64
	fresh   bool
}

// NewDriftCompensator picks the first DC capable slave of the ring as the
// reference clock source.
func NewDriftCompensator(net *ecnet.Network) (*DriftCompensator, error) {
	for i := uint16(0); i < net.NumSlaves(); i++ {
		sl, err := net.Slave(i)
		if err != nil {
			return nil, err
		}
		if sl.SupportsDC {
			return &DriftCompensator{net: net, ref: sl}, nil
		}
	}
	return nil, ErrNoDCSlaves
}

func (d *DriftCompensator) Push(c ecmd.Commander) error {
	cmd, err := c.New(8)
	if err != nil {
		return err
	}
	cmd.Command = ecfr.FRMW
	cmd.SetAddress(ecfr.StationAddress(d.ref.StationAddr, ecad.DCSystemTime))
	cmd.ExpectedWC = d.net.NumSlaves()
	d.cmd = cmd
	return nil
}

func (d *DriftCompensator) Update() {
	d.fresh = false
	cmd := d.cmd
	d.cmd = nil
	if cmd == nil {
		return
	}

	d.cycles++
	if ecmd.ChooseDefaultError(cmd) != nil ||
		ecwc.Classify(cmd.ExpectedWC, cmd.DatagramIn.WorkingCounter) == ecwc.Lost {
		d.misses++
		return
	}

	d.lastRef = getUint64(cmd.DatagramIn.Data())
	d.fresh = true
}

func (d *DriftCompensator) Busy() bool { return false }

// Stats reports the compensation traffic: distribution cycles run, cycles
// whose datagram was lost, and the reference time seen on the last good
// cycle. fresh is false right after a lost cycle.
func (d *DriftCompensator) Stats() (cycles, misses, lastRef uint64, fresh bool) {
	return d.cycles, d.misses, d.lastRef, d.fresh
}
