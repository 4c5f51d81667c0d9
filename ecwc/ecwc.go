// Package ecwc classifies working counter results. Every slave that
// processes a datagram increments its trailing counter; comparing the
// returned value against the expectation tells apart a fully processed
// command, a partially skipped one and a lost one. The classification never
// retries anything, that is the caller's call.
package ecwc

import (
	"fmt"

	"github.com/andom9/ethercat/ecfr"
)

type Outcome int

const (
	Lost Outcome = iota
	PartiallyAcknowledged
	FullyAcknowledged
)

func (o Outcome) String() string {
	switch o {
	case Lost:
		return "Lost"
	case PartiallyAcknowledged:
		return "PartiallyAcknowledged"
	case FullyAcknowledged:
		return "FullyAcknowledged"
	}
	return fmt.Sprintf("Outcome(%d)", int(o))
}

// Classify maps an expected/actual working counter pair onto an outcome.
// expected must be greater than zero; an expectation of zero means the
// command was not meant to be processed and is always fully acknowledged.
func Classify(expected, actual uint16) Outcome {
	switch {
	case expected == 0 || actual == expected:
		return FullyAcknowledged
	case actual == 0:
		return Lost
	case actual < expected:
		return PartiallyAcknowledged
	default:
		// more increments than slaves: treat like a partial result, the
		// ring is not in the shape the caller assumed
		return PartiallyAcknowledged
	}
}

// Expected computes the working counter a command should return when all
// participating slaves process it. Per the datalink layer rules a read or a
// write counts one increment per slave, a combined read/write counts three
// on the addressed slave (one for the read, two for the write). For logical
// commands the expectation depends on the FMMU mapping and must be supplied
// by the caller; Expected returns zero for those.
func Expected(ct ecfr.CommandType, addr ecfr.DatagramAddress, numSlaves uint16) uint16 {
	switch addr.Type() {
	case ecfr.Broadcast:
		switch ct {
		case ecfr.BRD, ecfr.BWR:
			return numSlaves
		case ecfr.BRW:
			return 3 * numSlaves
		}
	case ecfr.Positional, ecfr.Fixed:
		switch ct {
		case ecfr.APRD, ecfr.FPRD, ecfr.APWR, ecfr.FPWR, ecfr.ARMW, ecfr.FRMW:
			return 1
		case ecfr.APRW, ecfr.FPRW:
			return 3
		}
	}
	return 0
}

// Check classifies the result of an executed datagram against expected and
// returns a WorkingCounterError for anything but full acknowledgement.
func Check(dg *ecfr.Datagram, expected uint16) error {
	if Classify(expected, dg.WorkingCounter) == FullyAcknowledged {
		return nil
	}
	return WorkingCounterError{
		Command: dg.Command,
		Addr32:  dg.Addr32,
		Want:    expected,
		Have:    dg.WorkingCounter,
	}
}

// WorkingCounterError reports a datagram whose working counter came back
// different from the expectation.
type WorkingCounterError struct {
	Command    ecfr.CommandType
	Addr32     uint32
	Want, Have uint16
}

func (e WorkingCounterError) Error() string {
	return fmt.Sprintf("working counter error, want %d, have %d on %v %#08x",
		e.Want, e.Have, e.Command, e.Addr32)
}

func (e WorkingCounterError) Outcome() Outcome {
	return Classify(e.Want, e.Have)
}

func IsWorkingCounterError(err error) bool {
	_, ok := err.(WorkingCounterError)
	return ok
}
