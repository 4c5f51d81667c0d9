// Package sim is an in-memory EtherCAT segment. An L2Bus chains simulated
// slaves in ring order and implements the framer interface, so the whole
// master stack runs against it cycle by cycle without a NIC.
package sim

import (
	"github.com/andom9/ethercat/ecfr"
)

const (
	maxDatagramsLen = 1470
)

type FrameProcessor interface {
	ProcessFrame(*ecfr.Frame) *ecfr.Frame
}

type L2Bus struct {
	oframes []*ecfr.Frame

	Slaves []FrameProcessor

	// DropNext discards that many response frames, simulating frame loss
	// on the return path.
	DropNext int
}

func (b *L2Bus) New(maxdatalen int) (fr *ecfr.Frame, err error) {
	if maxdatalen > maxDatagramsLen {
		maxdatalen = maxDatagramsLen
	}

	buf := make([]byte, maxdatalen+ecfr.FrameOverheadLen)
	vframe, err := ecfr.PointFrameTo(buf)
	if err != nil {
		return
	}

	vframe.Header.SetType(ecfr.FrameTypePDUs)

	fr = &vframe
	b.oframes = append(b.oframes, fr)
	return
}

func (b *L2Bus) Cycle() (iframes []*ecfr.Frame, err error) {
	defer func() {
		b.oframes = nil
	}()

	for _, oframe := range b.oframes {
		var obytes []byte

		obytes, err = oframe.Commit()
		if err != nil {
			return
		}

		// the frame travels as its own copy, like on a wire
		coframe := new(ecfr.Frame)
		cbytes := make([]byte, len(obytes))
		copy(cbytes, obytes)
		_, err = coframe.Overlay(cbytes)
		if err != nil {
			return
		}

		for _, slave := range b.Slaves {
			coframe = slave.ProcessFrame(coframe)
			if coframe == nil {
				break
			}
		}

		if coframe == nil {
			continue
		}

		if b.DropNext > 0 {
			b.DropNext--
			continue
		}

		iframes = append(iframes, coframe)
	}

	return
}

func (b *L2Bus) Close() error { return nil }
