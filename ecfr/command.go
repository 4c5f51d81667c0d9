package ecfr

import (
	"fmt"
)

type CommandType uint8

const (
	NOP  CommandType = 0
	APRD CommandType = 1
	APWR CommandType = 2
	APRW CommandType = 3
	FPRD CommandType = 4
	FPWR CommandType = 5
	FPRW CommandType = 6
	BRD  CommandType = 7
	BWR  CommandType = 8
	BRW  CommandType = 9
	LRD  CommandType = 10
	LWR  CommandType = 11
	LRW  CommandType = 12
	ARMW CommandType = 13
	FRMW CommandType = 14
)

var commandTypeName = map[CommandType]string{
	NOP:  "NOP",
	APRD: "APRD",
	APWR: "APWR",
	APRW: "APRW",
	FPRD: "FPRD",
	FPWR: "FPWR",
	FPRW: "FPRW",
	BRD:  "BRD",
	BWR:  "BWR",
	BRW:  "BRW",
	LRD:  "LRD",
	LWR:  "LWR",
	LRW:  "LRW",
	ARMW: "ARMW",
	FRMW: "FRMW",
}

func (ct CommandType) String() string {
	if cts, ok := commandTypeName[ct]; ok {
		return cts
	}
	return fmt.Sprintf("CommandType(%d)", uint(ct))
}

// IsValid reports whether ct is one of the command codes defined by the
// EtherCAT datalink specification.
func (ct CommandType) IsValid() bool {
	_, ok := commandTypeName[ct]
	return ok
}

func (ct CommandType) DoesRead() bool {
	switch ct {
	case APRD, FPRD, BRD, LRD, APRW, FPRW, BRW, LRW, ARMW, FRMW:
		return true
	}
	return false
}

func (ct CommandType) DoesWrite() bool {
	switch ct {
	case APWR, FPWR, BWR, LWR, APRW, FPRW, BRW, LRW, ARMW, FRMW:
		return true
	}
	return false
}
