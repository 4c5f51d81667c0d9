// Package ecee reads and writes a slave's SII EEPROM through the ESC's
// EEPROM interface registers. The interface is word addressed; the SII
// layout on top of it is raweni's business.
package ecee

import (
	"errors"
	"fmt"
	"time"

	"github.com/andom9/ethercat/ecad"
	"github.com/andom9/ethercat/ecfr"
	"github.com/andom9/ethercat/ecmd"
)

// control/status word bits, high byte
const (
	eeStatusBusy  = 0x80
	eeStatusError = 0xe0 // acknowledge missing, checksum or command error
)

// ErrEEPROMBusy is returned when the interface does not leave the busy
// state within the timeout.
var ErrEEPROMBusy = errors.New("ecee: EEPROM interface stuck busy")

type EEPROM interface {
	ReadWord(addr uint32) (word uint16, err error)
	WriteWord(addr uint32, word uint16) (err error)
	Close() error
}

type eeprom struct {
	addr      ecfr.DatagramAddress
	commander ecmd.Commander
	idleWait  time.Duration
	closed    bool
}

// New attaches to the EEPROM interface of the slave selected by addr and
// waits for any operation a previous master left running.
func New(commander ecmd.Commander, addr ecfr.DatagramAddress) (EEPROM, error) {
	ee := &eeprom{
		addr:      addr,
		commander: commander,
		idleWait:  250 * time.Millisecond,
	}

	if err := ee.waitForIdle(); err != nil {
		return nil, err
	}
	return ee, nil
}

func (ee *eeprom) regAddr(offset uint16) ecfr.DatagramAddress {
	addr := ee.addr
	addr.SetOffset(offset)
	return addr
}

func (ee *eeprom) waitForIdle() error {
	deadline := time.Now().Add(ee.idleWait)

	for {
		rb, err := ecmd.ExecuteRead(ee.commander, ecfr.FPRD, ee.regAddr(ecad.EEPROMControlStatus), 2, 1)
		if err != nil {
			return err
		}

		if rb[1]&eeStatusBusy == 0 {
			return nil
		}

		if time.Now().After(deadline) {
			return ErrEEPROMBusy
		}
	}
}

// checkStatus reads the control/status word and rejects the completed
// operation when the interface flags an error.
func (ee *eeprom) checkStatus() error {
	rb, err := ecmd.ExecuteRead(ee.commander, ecfr.FPRD, ee.regAddr(ecad.EEPROMControlStatus), 2, 1)
	if err != nil {
		return err
	}

	if rb[1]&eeStatusError != 0 {
		return fmt.Errorf("ecee: EEPROM status flags error, bytes % x", rb)
	}
	return nil
}

func (ee *eeprom) setWordAddr(addr uint32) error {
	wb := []byte{uint8(addr), uint8(addr >> 8), uint8(addr >> 16), uint8(addr >> 24)}
	return ecmd.ExecuteWrite(ee.commander, ecfr.FPWR, ee.regAddr(ecad.EEPROMAddress), wb, 1)
}

func (ee *eeprom) ReadWord(addr uint32) (word uint16, err error) {
	if ee.closed {
		err = errors.New("ecee: eeprom is already closed")
		return
	}

	err = ee.waitForIdle()
	if err != nil {
		return
	}

	err = ee.setWordAddr(addr)
	if err != nil {
		return
	}

	// issue the read command
	err = ecmd.ExecuteWrite(ee.commander, ecfr.FPWR, ee.regAddr(ecad.EEPROMControlStatus), []byte{0x00, 0x01}, 1)
	if err != nil {
		return
	}

	err = ee.waitForIdle()
	if err != nil {
		return
	}

	err = ee.checkStatus()
	if err != nil {
		return
	}

	var rb []byte
	rb, err = ecmd.ExecuteRead(ee.commander, ecfr.FPRD, ee.regAddr(ecad.EEPROMData), 4, 1)
	if err != nil {
		return
	}

	word = uint16(rb[0]) | uint16(rb[1])<<8
	return
}

func (ee *eeprom) WriteWord(addr uint32, word uint16) (err error) {
	if ee.closed {
		err = errors.New("ecee: eeprom is already closed")
		return
	}

	err = ee.waitForIdle()
	if err != nil {
		return
	}

	err = ee.setWordAddr(addr)
	if err != nil {
		return
	}

	err = ecmd.ExecuteWrite(ee.commander, ecfr.FPWR, ee.regAddr(ecad.EEPROMData), []byte{uint8(word), uint8(word >> 8)}, 1)
	if err != nil {
		return
	}

	// issue the write command, enable bit plus write
	err = ecmd.ExecuteWrite(ee.commander, ecfr.FPWR, ee.regAddr(ecad.EEPROMControlStatus), []byte{0x01, 0x02}, 1)
	if err != nil {
		return
	}

	err = ee.waitForIdle()
	if err != nil {
		return
	}

	return ee.checkStatus()
}

func (ee *eeprom) Close() error {
	ee.closed = true
	return nil
}
