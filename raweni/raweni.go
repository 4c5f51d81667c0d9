// Package raweni reads EtherCAT Slave Information (ESI) device description
// files. Vendor tooling emits them in assorted encodings, so the XML
// decoder runs through a charset reader.
package raweni

import (
	"encoding/xml"
	"io"
	"os"
	"strconv"
	"strings"

	"golang.org/x/net/html/charset"

	"github.com/andom9/ethercat/ecnet"
)

func ReadEtherCATInfoFromFile(filename string) (eci EtherCATInfo, err error) {
	var f *os.File
	f, err = os.Open(filename)
	if err != nil {
		return
	}
	defer f.Close()

	return ReadEtherCATInfo(f)
}

func ReadEtherCATInfo(r io.Reader) (eci EtherCATInfo, err error) {
	dec := xml.NewDecoder(r)
	dec.CharsetReader = charset.NewReaderLabel

	err = dec.Decode(&eci)
	return
}

type EtherCATInfo struct {
	Vendor       Vendor
	Descriptions Descriptions
}

type Vendor struct {
	Id   uint32
	Name string
}

type Descriptions struct {
	Groups  []Group  `xml:"Groups>Group"`
	Devices []Device `xml:"Devices>Device"`
}

type Group struct {
	Type  string
	Names []GroupName `xml:"Name"`
}

type GroupName struct {
	LcIdentifiedName
}

type LcIdentifiedName struct {
	String string `xml:",chardata"`
	LcId   uint   `xml:",attr"`
}

type Device struct {
	Type   DeviceType
	Names  []LcIdentifiedName `xml:"Name"`
	Sms    []Sm               `xml:"Sm"`
	Dc     *Dc
	Eeprom Eeprom
}

type DeviceType struct {
	Name           string `xml:",chardata"`
	ProductCodeRaw string `xml:"ProductCode,attr"`
	RevisionNoRaw  string `xml:"RevisionNo,attr"`
}

func (d DeviceType) ProductCode() uint32 {
	return uint32(bh2i(d.ProductCodeRaw))
}

func (d DeviceType) RevisionNo() uint32 {
	return uint32(bh2i(d.RevisionNoRaw))
}

type Sm struct {
	Name                          string `xml:",chardata"`
	MinSize, MaxSize, DefaultSize uint   `xml:",attr"`
	StartAddressRaw               string `xml:"StartAddress,attr"`
	ControlByteRaw                string `xml:"ControlByte,attr"`
}

func (s Sm) StartAddress() uint16 {
	return uint16(bh2i(s.StartAddressRaw))
}

func (s Sm) ControlByte() uint8 {
	return uint8(bh2i(s.ControlByteRaw))
}

// IsMailboxOut reports the conventional name for the master to slave
// mailbox sync manager.
func (s Sm) IsMailboxOut() bool {
	return s.Name == "MBoxOut"
}

func (s Sm) IsMailboxIn() bool {
	return s.Name == "MBoxIn"
}

// Dc is present for devices with distributed clock support.
type Dc struct {
	OpModes []DcOpMode `xml:"OpMode"`
}

type DcOpMode struct {
	Name              string
	Desc              string
	AssignActivateRaw string `xml:"AssignActivate"`
}

func (m DcOpMode) AssignActivate() uint16 {
	return uint16(bh2i(m.AssignActivateRaw))
}

type Eeprom struct {
	ByteSize      uint
	ConfigDataRaw string `xml:"ConfigData"`
}

// ApplyToSlave copies a device description's mailbox sync managers and DC
// capability onto a network table entry.
func (d Device) ApplyToSlave(sl *ecnet.Slave) {
	for i, sm := range d.Sms {
		m := ecnet.SyncM{
			Number:  uint8(i),
			Start:   sm.StartAddress(),
			Length:  uint16(sm.DefaultSize),
			Control: sm.ControlByte(),
		}
		switch {
		case sm.IsMailboxOut():
			sl.MailboxOut = m
		case sm.IsMailboxIn():
			sl.MailboxIn = m
		}
	}
	sl.SupportsDC = d.Dc != nil && len(d.Dc.OpModes) > 0
}

// beckhoff hex string to integer, 0 on failure
func bh2i(s string) uint64 {
	var (
		n   uint64
		err error
	)

	if strings.HasPrefix(s, "#x") {
		// as s has 2 byte prefix, indexing is OK
		n, err = strconv.ParseUint(s[2:], 16, 64)
	} else {
		n, err = strconv.ParseUint(s, 10, 64)
	}

	if err != nil {
		return 0
	}

	return n
}
