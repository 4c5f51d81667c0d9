// Package ecmd drives datagram exchange cycles. A Commander stages
// commands, transmits them in as few frames as the budget allows and hands
// each response back on the staged command. All waiting happens in the
// external cycle driver; nothing here blocks.
package ecmd

import (
	"errors"
	"time"

	"github.com/andom9/ethercat/ecfr"
	"github.com/andom9/ethercat/ecwc"
)

type Commander interface {
	// New stages a command with datalen payload bytes for the next cycle.
	New(datalen int) (*ExecutingCommand, error)
	// Cycle transmits staged commands and matches up responses.
	Cycle() error
	Close() error
}

// ExecutingCommand is one staged datagram exchange. The caller fills
// Command, Addr32 and Data before the next Cycle and inspects the response
// fields afterwards. A command that did not fit this cycle's frame budget
// stays staged and goes out on a following cycle.
type ExecutingCommand struct {
	Command    ecfr.CommandType
	Addr32     uint32
	ExpectedWC uint16

	data []byte

	// DatagramOut is the wire datagram of the cycle the command went out
	// on, nil while the command is still waiting for frame space.
	DatagramOut *ecfr.Datagram

	DatagramIn *ecfr.Datagram
	Arrived    bool
	Overlayed  bool
	Error      error
}

// NewStagedCommand builds a detached command with a payload buffer of
// datalen bytes. Commander implementations hand these out from New.
func NewStagedCommand(datalen int) *ExecutingCommand {
	return &ExecutingCommand{data: make([]byte, datalen)}
}

// Data returns the staged payload buffer.
func (ec *ExecutingCommand) Data() []byte {
	return ec.data
}

// SetAddress stages the datagram address.
func (ec *ExecutingCommand) SetAddress(addr ecfr.DatagramAddress) {
	ec.Addr32 = addr.Addr32()
}

var NoFrame = errors.New("frame did not arrive")
var NoOverlay = errors.New("failed to overlay")

// ChooseDefaultError picks the error value describing the fate of an
// executed command: the frame was lost, its response could not be decoded,
// or whatever the matcher recorded.
func ChooseDefaultError(cmd *ExecutingCommand) error {
	if !cmd.Arrived {
		return NoFrame
	}

	if !cmd.Overlayed {
		return NoOverlay
	}

	return cmd.Error
}

func IsNoFrame(err error) bool {
	return errors.Is(err, NoFrame)
}

// ChooseWorkingCounterError classifies the returned working counter of an
// arrived command against expwc.
func ChooseWorkingCounterError(ec *ExecutingCommand, expwc uint16) error {
	return ecwc.Check(ec.DatagramIn, expwc)
}

const (
	DefaultFramelossTries = 3
)

// Options tune the blocking Execute helpers. The cyclic tasks never use
// these; they carry their own cycle budgets.
type Options struct {
	FramelossTries int
	WCDeadline     time.Time
}

func (o Options) getFramelossTries() int {
	if o.FramelossTries == 0 {
		return DefaultFramelossTries
	}
	return o.FramelossTries
}

func (o Options) getWCDeadline() time.Time { return o.WCDeadline }

// ExecuteRead runs read command ct against addr until it succeeds or the
// retry budget is exhausted. It drives Cycle itself and therefore must not
// be mixed with cyclic task operation on the same Commander.
func ExecuteRead(c Commander, ct ecfr.CommandType, addr ecfr.DatagramAddress, n int, expwc uint16) (d []byte, err error) {
	return ExecuteReadOptions(c, ct, addr, n, expwc, Options{})
}

func ExecuteReadOptions(c Commander, ct ecfr.CommandType, addr ecfr.DatagramAddress, n int, expwc uint16, opts Options) (d []byte, err error) {
	nFrameLoss := 0

	for {
		var ec *ExecutingCommand
		ec, err = c.New(n)
		if err != nil {
			return
		}

		ec.Command = ct
		ec.SetAddress(addr)
		ec.ExpectedWC = expwc

		err = c.Cycle()
		if err != nil {
			return
		}

		err = ChooseDefaultError(ec)
		if err != nil {
			if IsNoFrame(err) {
				nFrameLoss++
				if nFrameLoss < opts.getFramelossTries() {
					continue
				}
			}
			return
		}

		err = ChooseWorkingCounterError(ec, expwc)
		if err != nil {
			if time.Now().Before(opts.getWCDeadline()) {
				continue
			}
			return
		}

		d = ec.DatagramIn.Data()
		return
	}
}

// ExecuteWrite runs write command ct carrying w against addr, with the same
// retry discipline as ExecuteRead.
func ExecuteWrite(c Commander, ct ecfr.CommandType, addr ecfr.DatagramAddress, w []byte, expwc uint16) (err error) {
	return ExecuteWriteOptions(c, ct, addr, w, expwc, Options{})
}

func ExecuteWriteOptions(c Commander, ct ecfr.CommandType, addr ecfr.DatagramAddress, w []byte, expwc uint16, opts Options) (err error) {
	nFrameLoss := 0

	for {
		var ec *ExecutingCommand
		ec, err = c.New(len(w))
		if err != nil {
			return
		}

		copy(ec.Data(), w)
		ec.Command = ct
		ec.SetAddress(addr)
		ec.ExpectedWC = expwc

		err = c.Cycle()
		if err != nil {
			return
		}

		err = ChooseDefaultError(ec)
		if err != nil {
			if IsNoFrame(err) {
				nFrameLoss++
				if nFrameLoss < opts.getFramelossTries() {
					continue
				}
			}
			return
		}

		err = ChooseWorkingCounterError(ec, expwc)
		if err != nil {
			if time.Now().Before(opts.getWCDeadline()) {
				continue
			}
		}

		return
	}
}
