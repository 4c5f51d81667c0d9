package ecmd

import (
	"fmt"

	"github.com/andom9/ethercat/ecfr"
)

const (
	// CommandFramerMaxDatagramsLen bounds the datagram area of one frame
	// so that frame header and Ethernet encapsulation stay below the MTU.
	CommandFramerMaxDatagramsLen = 1470
)

type outgoingFrame struct {
	frame *ecfr.Frame
	cmds  []*ExecutingCommand
}

// CommandFramer packs staged commands into frames in the order they were
// staged. Commands that would push the current cycle's frame over budget
// are carried over to the next cycle unchanged; nothing is reordered, since
// position addressed commands depend on their place in the sequence, and
// nothing is silently dropped.
type CommandFramer struct {
	currentIndex uint8

	pending []*ExecutingCommand

	sentFrames []outgoingFrame

	framer Framer

	// framesPerCycle limits how many frames one Cycle may emit. The
	// default of 1 gives the strict "leftovers wait a cycle" discipline.
	framesPerCycle int
}

// Framer turns committed frames into wire traffic and back. ll/udp and the
// sim bus implement it.
type Framer interface {
	New(maxdatalen int) (*ecfr.Frame, error)
	Cycle() ([]*ecfr.Frame, error)
}

func NewCommandFramer(framer Framer) *CommandFramer {
	return &CommandFramer{framer: framer, framesPerCycle: 1}
}

// SetFramesPerCycle allows a cycle to flush up to n frames instead of one.
func (cf *CommandFramer) SetFramesPerCycle(n int) {
	if n < 1 {
		n = 1
	}
	cf.framesPerCycle = n
}

// New stages a command with datalen payload bytes.
func (cf *CommandFramer) New(datalen int) (*ExecutingCommand, error) {
	if datalen+ecfr.DatagramOverheadLength > CommandFramerMaxDatagramsLen {
		return nil, fmt.Errorf("ecmd: datalen %d exceeds maximum datagram length", datalen)
	}

	cmd := NewStagedCommand(datalen)
	cf.pending = append(cf.pending, cmd)
	return cmd, nil
}

// Pending reports how many staged commands await frame space.
func (cf *CommandFramer) Pending() int {
	return len(cf.pending)
}

// packFrames moves staged commands into up to framesPerCycle frames,
// stopping at the first command that does not fit the remaining budget.
func (cf *CommandFramer) packFrames() error {
	for nframes := 0; nframes < cf.framesPerCycle && len(cf.pending) > 0; nframes++ {
		frame, err := cf.framer.New(CommandFramerMaxDatagramsLen)
		if err != nil {
			return err
		}

		var cmds []*ExecutingCommand
		budget := CommandFramerMaxDatagramsLen

		for len(cf.pending) > 0 {
			cmd := cf.pending[0]
			need := len(cmd.data) + ecfr.DatagramOverheadLength
			if need > budget {
				break
			}

			dg, err := frame.NewDatagram(len(cmd.data))
			if err != nil {
				return err
			}

			dg.Command = cmd.Command
			dg.Addr32 = cmd.Addr32
			dg.Index = cf.currentIndex
			dg.SetLast(false)
			copy(dg.Data(), cmd.data)

			cmd.DatagramOut = dg
			cmds = append(cmds, cmd)
			cf.pending = cf.pending[1:]
			budget -= need
		}

		if len(cmds) == 0 {
			// frame budget cannot even hold the first staged command;
			// guarded against in New
			break
		}

		frame.Datagrams[len(frame.Datagrams)-1].SetLast(true)
		cf.sentFrames = append(cf.sentFrames, outgoingFrame{frame, cmds})
		cf.currentIndex++
	}
	return nil
}

// Cycle packs, transmits and receives one round of frames and matches the
// received datagrams back onto their commands. Staged commands that did not
// fit stay pending for the next Cycle.
func (cf *CommandFramer) Cycle() error {
	if err := cf.packFrames(); err != nil {
		return err
	}

	inFrames, err := cf.framer.Cycle()
	if err != nil {
		return err
	}

	cf.matchFrames(inFrames)
	cf.sentFrames = nil
	return nil
}

// matchFrames pairs incoming frames with sent frames by index, command and
// length, in order. Unmatched commands keep Arrived == false and count as
// frame loss.
func (cf *CommandFramer) matchFrames(inFrames []*ecfr.Frame) {
	oi := 0
	for _, infr := range inFrames {
		if oi == len(cf.sentFrames) {
			break
		}

		for i := oi; i < len(cf.sentFrames); i++ {
			ofr := cf.sentFrames[i].frame
			if infr.Header.FrameLength() != ofr.Header.FrameLength() {
				continue
			}

			if len(infr.Datagrams) == 0 || len(infr.Datagrams) != len(ofr.Datagrams) {
				continue
			}

			if infr.Datagrams[0].Index != ofr.Datagrams[0].Index {
				continue
			}

			for j, ocmd := range cf.sentFrames[i].cmds {
				odgram := ocmd.DatagramOut
				indgram := infr.Datagrams[j]

				if odgram.Command != indgram.Command {
					continue
				}

				if odgram.DataLength() != indgram.DataLength() {
					continue
				}

				ocmd.DatagramIn = indgram
				ocmd.Arrived = true
				ocmd.Overlayed = true
				ocmd.Error = nil
			}

			// pairing is one to one; a duplicated incoming frame must not
			// re-match a sent frame that already got its response
			oi = i + 1
			break
		}
	}
}

func (cf *CommandFramer) Close() error {
	return nil
}
