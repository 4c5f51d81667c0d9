package ecmbx

import (
	"errors"
	"fmt"

	"github.com/andom9/ethercat/ecad"
	"github.com/andom9/ethercat/ecfr"
	"github.com/andom9/ethercat/ecmd"
	"github.com/andom9/ethercat/ecnet"
	"github.com/andom9/ethercat/ecwc"
)

// ErrMailboxBusy flags a second request while one is outstanding on the
// same slave. That is a caller programming error, not a wire condition.
var ErrMailboxBusy = errors.New("ecmbx: a request is already outstanding")

// ErrMailboxTimeout is reported when the cycle budget for a response is
// spent. The caller may resend the identical request (same sequence count,
// idempotent) or abandon the exchange.
var ErrMailboxTimeout = errors.New("ecmbx: no response within cycle budget")

type phase int

const (
	phaseIdle phase = iota
	phaseWrite
	phasePollFull
	phaseRead
	phaseComplete
	phaseError
)

// Exchange runs one mailbox request/response round trip against one slave,
// advanced one register exchange per polling cycle. The buffers are sized
// once from the configuration and reused for every transaction.
type Exchange struct {
	cfg *ecnet.Config

	slave   *ecnet.Slave
	reqType Type
	count   uint8

	phase   phase
	cmd     *ecmd.ExecutingCommand
	elapsed int
	err     error

	reqBuf  []byte
	reqLen  int
	respHdr Header
	resp    []byte
	respLen int
}

func NewExchange(cfg *ecnet.Config) *Exchange {
	size := cfg.MailboxPayloadMax + HeaderLen
	return &Exchange{
		cfg:     cfg,
		reqBuf:  make([]byte, size),
		resp:    make([]byte, size),
		phase:   phaseIdle,
	}
}

// Start arms a request of type typ carrying payload. The exchange owns the
// slave's mailbox until it completes, fails or is abandoned via Reset.
func (x *Exchange) Start(slave *ecnet.Slave, typ Type, payload []byte) error {
	if x.Busy() {
		return ErrMailboxBusy
	}
	if !slave.HasMailbox() {
		return fmt.Errorf("ecmbx: slave %d has no mailbox configured", slave.Position)
	}
	if len(payload) > x.cfg.MailboxPayloadMax {
		return fmt.Errorf("%w: payload of %d exceeds configured mailbox payload max %d",
			ecnet.ErrCapacityExceeded, len(payload), x.cfg.MailboxPayloadMax)
	}
	if HeaderLen+len(payload) > int(slave.MailboxOut.Length) {
		return fmt.Errorf("%w: payload of %d exceeds mailbox of %d",
			ecnet.ErrCapacityExceeded, len(payload), slave.MailboxOut.Length)
	}

	x.slave = slave
	x.reqType = typ
	x.count = slave.NextMailboxCount()
	x.stage(payload)
	x.arm()
	return nil
}

// Resend re-arms the previous request unchanged, keeping its sequence
// count. Safe after a timeout: the slave deduplicates by count.
func (x *Exchange) Resend() error {
	if x.slave == nil {
		return errors.New("ecmbx: nothing to resend")
	}
	if x.Busy() {
		return ErrMailboxBusy
	}
	x.arm()
	return nil
}

// Reset abandons the exchange. An in-flight response, should it still
// arrive in the slave's output mailbox, will be discarded as stale by the
// next exchange's sequence check.
func (x *Exchange) Reset() {
	x.phase = phaseIdle
	x.cmd = nil
	x.err = nil
}

func (x *Exchange) stage(payload []byte) {
	hdr := Header{
		Length:      uint16(len(payload)),
		StationAddr: 0,
		Type:        x.reqType,
		Count:       x.count,
	}
	hdr.encode(x.reqBuf)
	copy(x.reqBuf[HeaderLen:], payload)
	x.reqLen = HeaderLen + len(payload)
}

func (x *Exchange) arm() {
	x.phase = phaseWrite
	x.cmd = nil
	x.elapsed = 0
	x.err = nil
}

func (x *Exchange) Busy() bool {
	switch x.phase {
	case phaseIdle, phaseComplete, phaseError:
		return false
	}
	return true
}

// Result returns the response header and payload once the exchange
// finished. done is false while it is still in flight.
func (x *Exchange) Result() (hdr Header, payload []byte, err error, done bool) {
	switch x.phase {
	case phaseComplete:
		return x.respHdr, x.resp[:x.respLen], nil, true
	case phaseError:
		return Header{}, nil, x.err, true
	}
	return Header{}, nil, nil, false
}

// Count returns the sequence count of the current request.
func (x *Exchange) Count() uint8 {
	return x.count
}

func (x *Exchange) smStatusAddr(sm ecnet.SyncM) uint16 {
	return ecad.SyncManagerAddr(sm.Number) + ecad.SyncManagerStatusOffset
}

// Push stages this cycle's register exchange.
func (x *Exchange) Push(c ecmd.Commander) error {
	switch x.phase {
	case phaseWrite:
		// the write covers the whole mailbox area; a full mailbox leaves
		// the working counter at zero and we try again next cycle
		cmd, err := c.New(int(x.slave.MailboxOut.Length))
		if err != nil {
			return err
		}
		cmd.Command = ecfr.FPWR
		cmd.SetAddress(ecfr.StationAddress(x.slave.StationAddr, x.slave.MailboxOut.Start))
		cmd.ExpectedWC = 1
		buf := cmd.Data()
		for i := range buf {
			buf[i] = 0
		}
		copy(buf, x.reqBuf[:x.reqLen])
		x.cmd = cmd

	case phasePollFull:
		cmd, err := c.New(1)
		if err != nil {
			return err
		}
		cmd.Command = ecfr.FPRD
		cmd.SetAddress(ecfr.StationAddress(x.slave.StationAddr, x.smStatusAddr(x.slave.MailboxIn)))
		cmd.ExpectedWC = 1
		x.cmd = cmd

	case phaseRead:
		cmd, err := c.New(int(x.slave.MailboxIn.Length))
		if err != nil {
			return err
		}
		cmd.Command = ecfr.FPRD
		cmd.SetAddress(ecfr.StationAddress(x.slave.StationAddr, x.slave.MailboxIn.Start))
		cmd.ExpectedWC = 1
		x.cmd = cmd
	}
	return nil
}

// Update consumes the last cycle's response. Every Update of an unfinished
// exchange burns one cycle of the timeout budget, so the timeout fires
// after exactly the configured number of cycles.
func (x *Exchange) Update() {
	if !x.Busy() || x.cmd == nil {
		return
	}

	cmd := x.cmd
	x.cmd = nil

	arrived := ecmd.ChooseDefaultError(cmd) == nil &&
		ecwc.Classify(cmd.ExpectedWC, cmd.DatagramIn.WorkingCounter) == ecwc.FullyAcknowledged

	switch x.phase {
	case phaseWrite:
		if !arrived {
			x.tick()
			return
		}
		x.phase = phasePollFull
		x.tick()

	case phasePollFull:
		if !arrived {
			x.tick()
			return
		}
		if cmd.DatagramIn.Data()[0]&ecad.SMStatusMailboxFull == 0 {
			x.tick()
			return
		}
		x.phase = phaseRead
		x.tick()

	case phaseRead:
		if !arrived {
			x.tick()
			return
		}

		hdr, err := decodeHeader(cmd.DatagramIn.Data())
		if err != nil {
			x.fail(err)
			return
		}

		if hdr.Count != x.count {
			// stale response from an earlier request still sitting in the
			// slave's output mailbox; drop it and keep waiting for ours
			x.phase = phasePollFull
			x.tick()
			return
		}

		avail := cmd.DatagramIn.Data()[HeaderLen:]
		n := int(hdr.Length)
		if n > len(avail) {
			x.fail(fmt.Errorf("%w: response declares %d payload bytes, mailbox holds %d", ErrShortMailbox, n, len(avail)))
			return
		}
		if n > len(x.resp) {
			x.fail(fmt.Errorf("%w: response of %d exceeds configured payload max", ecnet.ErrCapacityExceeded, n))
			return
		}

		if hdr.Type == TypeError {
			x.fail(MailboxErrorResponse{Detail: decodeErrorDetail(avail[:n])})
			return
		}

		x.respHdr = hdr
		x.respLen = copy(x.resp, avail[:n])
		x.phase = phaseComplete
	}
}

func (x *Exchange) tick() {
	if !x.Busy() {
		return
	}
	x.elapsed++
	if x.elapsed >= x.cfg.MailboxTimeoutCycles {
		x.fail(ErrMailboxTimeout)
	}
}

func (x *Exchange) fail(err error) {
	x.phase = phaseError
	x.err = err
}
