package sim

import (
	"github.com/andom9/ethercat/ecad"
	"github.com/andom9/ethercat/ecnet"
)

// StationAddrReg is the configured station address register. The master
// assigns it during ring enumeration; fixed addressed datagrams match
// against it.
type StationAddrReg struct {
	Store uint16
}

func (r *StationAddrReg) Read(offs uint16, dp *uint8) bool {
	switch offs {
	case 0:
		*dp = uint8(r.Store)
	case 1:
		*dp = uint8(r.Store >> 8)
	default:
		*dp = 0
	}
	return true
}

func (r *StationAddrReg) WriteInteract(offs uint16) bool { return true }

func (r *StationAddrReg) Latch(shadow []byte, shadowWriteMask []bool) {
	if shadowWriteMask[0] {
		r.Store = r.Store&0xff00 | uint16(shadow[0])
	}
	if shadowWriteMask[1] {
		r.Store = r.Store&0x00ff | uint16(shadow[1])<<8
	}
}

// ESMDevice is the application layer state machine behind the AL Control
// and AL Status registers. It enforces the sequential upward ladder, the
// direct downward path and the error acknowledge handshake the way a real
// slave controller does.
type ESMDevice struct {
	State ecnet.ALState
	Err   bool
	Code  ecad.ALStatusCodeValue

	// RefuseTarget makes the device reject that state with an error, for
	// fault injection.
	RefuseTarget ecnet.ALState
}

func NewESMDevice() *ESMDevice {
	return &ESMDevice{State: ecnet.Init}
}

func (e *ESMDevice) statusByte() uint8 {
	b := uint8(e.State)
	if e.Err {
		b |= ecad.ALErrorBit
	}
	return b
}

func (e *ESMDevice) setError(code ecad.ALStatusCodeValue) {
	e.Err = true
	e.Code = code
}

// request applies one AL Control write.
func (e *ESMDevice) request(ctl uint8) {
	if e.Err {
		if ctl&ecad.ALErrorAckBit == 0 {
			// state changes are refused until the error is acknowledged
			return
		}
		e.Err = false
		e.Code = ecad.ALCodeNoError
	}

	target := ecnet.ALStateFromRegister(ctl)
	if target == ecnet.Invalid {
		e.setError(ecad.ALCodeUnknownRequestedState)
		return
	}
	if target == e.State {
		return
	}
	if e.RefuseTarget != ecnet.Invalid && target == e.RefuseTarget {
		e.setError(ecad.ALCodeInvalidRequestedState)
		return
	}
	if !e.State.CanRequest(target) {
		e.setError(ecad.ALCodeInvalidRequestedState)
		return
	}

	e.State = target
}

// ALControlReg maps the ESM at the AL Control address.
type ALControlReg struct{ *ESMDevice }

func (e *ESMDevice) ControlReg() ALControlReg { return ALControlReg{e} }

func (c ALControlReg) Read(offs uint16, dp *uint8) bool {
	switch offs {
	case 0:
		*dp = c.statusByte()
	default:
		*dp = 0
	}
	return true
}

func (c ALControlReg) WriteInteract(offs uint16) bool { return true }

func (c ALControlReg) Latch(shadow []byte, shadowWriteMask []bool) {
	if shadowWriteMask[0] {
		c.request(shadow[0])
	}
}

// ALStatusReg maps the ESM at the AL Status address, status word through
// the AL status code word.
type ALStatusReg struct{ *ESMDevice }

func (e *ESMDevice) StatusReg() ALStatusReg { return ALStatusReg{e} }

func (s ALStatusReg) Read(offs uint16, dp *uint8) bool {
	switch offs {
	case 0:
		*dp = s.statusByte()
	case 4:
		*dp = uint8(s.Code)
	case 5:
		*dp = uint8(uint16(s.Code) >> 8)
	default:
		*dp = 0
	}
	return true
}

func (s ALStatusReg) WriteInteract(offs uint16) bool { return false }

func (s ALStatusReg) Latch(shadow []byte, shadowWriteMask []bool) {}
