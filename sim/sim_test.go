package sim

import (
	"bytes"
	"errors"
	"testing"

	"github.com/andom9/ethercat/ecad"
	"github.com/andom9/ethercat/eccoe"
	"github.com/andom9/ethercat/ecdc"
	"github.com/andom9/ethercat/ecee"
	"github.com/andom9/ethercat/ecfr"
	"github.com/andom9/ethercat/ecmbx"
	"github.com/andom9/ethercat/ecmd"
	"github.com/andom9/ethercat/ecnet"
	"github.com/andom9/ethercat/ecsm"
	"github.com/andom9/ethercat/ecwc"
)

var (
	mbxOut = ecnet.SyncM{Number: 0, Start: 0x1000, Length: 128, Control: 0x26}
	mbxIn  = ecnet.SyncM{Number: 1, Start: 0x1400, Length: 128, Control: 0x22}
)

// ring builds a bus of n slaves with station addresses assigned and a
// matching master side network table.
func ring(t *testing.T, n int) ([]*L2Slave, *ecnet.Network, *ecmd.CommandFramer) {
	t.Helper()

	bus := &L2Bus{}
	slaves := make([]*L2Slave, n)
	net := ecnet.NewNetwork(n)

	for i := 0; i < n; i++ {
		ls := NewL2Slave()
		ls.StationAddr.Store = 0x1001 + uint16(i)
		ls.ConfigureMailbox(mbxOut, mbxIn)
		slaves[i] = ls
		bus.Slaves = append(bus.Slaves, ls)

		sl, err := net.AddSlave(0x1001 + uint16(i))
		if err != nil {
			t.Fatal(err)
		}
		sl.MailboxOut = mbxOut
		sl.MailboxIn = mbxIn
	}

	return slaves, net, ecmd.NewCommandFramer(bus)
}

func cfgFor(n int) *ecnet.Config {
	cfg := ecnet.DefaultConfig()
	cfg.MaxSlaves = n
	cfg.MailboxPayloadMax = int(mbxOut.Length) - ecmbx.HeaderLen
	return cfg
}

func runTask(t *testing.T, c ecmd.Commander, task ecmd.CyclicTask) {
	t.Helper()
	if err := ecmd.RunToCompletion(c, task, 50); err != nil {
		t.Fatal(err)
	}
	if task.Busy() {
		t.Fatal("task still busy after 50 cycles")
	}
}

func TestStationAddressAssignment(t *testing.T) {
	bus := &L2Bus{}
	for i := 0; i < 3; i++ {
		bus.Slaves = append(bus.Slaves, NewL2Slave())
	}
	c := ecmd.NewCommandFramer(bus)

	for i := 0; i < 3; i++ {
		station := 0x1001 + uint16(i)
		err := ecmd.ExecuteWrite(c, ecfr.APWR,
			ecfr.PositionAddress(uint16(i), ecad.ConfiguredStationAddress),
			[]byte{uint8(station), uint8(station >> 8)}, 1)
		if err != nil {
			t.Fatalf("assigning slave %d: %v", i, err)
		}
	}

	// fixed addressing reaches each slave now
	for i := 0; i < 3; i++ {
		station := 0x1001 + uint16(i)
		rb, err := ecmd.ExecuteRead(c, ecfr.FPRD,
			ecfr.StationAddress(station, ecad.ConfiguredStationAddress), 2, 1)
		if err != nil {
			t.Fatalf("reading back slave %d: %v", i, err)
		}
		if got := uint16(rb[0]) | uint16(rb[1])<<8; got != station {
			t.Fatalf("slave %d station %#04x, want %#04x", i, got, station)
		}
	}
}

func TestBroadcastCountsSlaves(t *testing.T) {
	_, _, c := ring(t, 3)

	cmd, err := c.New(2)
	if err != nil {
		t.Fatal(err)
	}
	cmd.Command = ecfr.BRD
	cmd.SetAddress(ecfr.BroadcastAddress(ecad.ALStatus))
	cmd.ExpectedWC = 3

	if err := c.Cycle(); err != nil {
		t.Fatal(err)
	}
	if err := ecmd.ChooseDefaultError(cmd); err != nil {
		t.Fatal(err)
	}
	if cmd.DatagramIn.WorkingCounter != 3 {
		t.Fatalf("working counter %d, want 3", cmd.DatagramIn.WorkingCounter)
	}
	if cmd.DatagramIn.Data()[0]&ecad.ALStateMask != uint8(ecnet.Init) {
		t.Fatalf("broadcast AL status %#02x", cmd.DatagramIn.Data()[0])
	}
}

func TestFrameLossBurnsRetry(t *testing.T) {
	bus := &L2Bus{DropNext: 1}
	ls := NewL2Slave()
	ls.StationAddr.Store = 0x1001
	bus.Slaves = append(bus.Slaves, ls)
	c := ecmd.NewCommandFramer(bus)

	rb, err := ecmd.ExecuteRead(c, ecfr.FPRD,
		ecfr.StationAddress(0x1001, ecad.ConfiguredStationAddress), 2, 1)
	if err != nil {
		t.Fatalf("read did not survive one lost frame: %v", err)
	}
	if got := uint16(rb[0]) | uint16(rb[1])<<8; got != 0x1001 {
		t.Fatalf("station %#04x", got)
	}
}

func TestTransitionLadder(t *testing.T) {
	slaves, net, c := ring(t, 2)
	cfg := cfgFor(2)

	sl, err := net.Slave(0)
	if err != nil {
		t.Fatal(err)
	}

	for _, target := range []ecnet.ALState{ecnet.PreOp, ecnet.SafeOp, ecnet.Op} {
		tr := ecsm.NewTransition(cfg)
		if err := tr.Start(sl, target); err != nil {
			t.Fatalf("to %v: %v", target, err)
		}
		runTask(t, c, tr)
		if _, err, done := tr.Result(); !done || err != nil {
			t.Fatalf("to %v: done %v err %v", target, done, err)
		}
	}

	if slaves[0].ESM.State != ecnet.Op {
		t.Fatalf("device ended in %v", slaves[0].ESM.State)
	}
	if sl.ALState != ecnet.Op {
		t.Fatalf("table ended in %v", sl.ALState)
	}

	// direct downward recovery
	tr := ecsm.NewTransition(cfg)
	if err := tr.Start(sl, ecnet.Init); err != nil {
		t.Fatal(err)
	}
	runTask(t, c, tr)
	if slaves[0].ESM.State != ecnet.Init {
		t.Fatalf("device did not fall back to Init: %v", slaves[0].ESM.State)
	}
}

func TestTransitionRefusedByDevice(t *testing.T) {
	slaves, net, c := ring(t, 1)
	cfg := cfgFor(1)

	sl, err := net.Slave(0)
	if err != nil {
		t.Fatal(err)
	}

	tr := ecsm.NewTransition(cfg)
	if err := tr.Start(sl, ecnet.PreOp); err != nil {
		t.Fatal(err)
	}
	runTask(t, c, tr)
	if _, err, done := tr.Result(); !done || err != nil {
		t.Fatalf("done %v err %v", done, err)
	}

	// the device refuses SafeOp and raises its error bit
	slaves[0].ESM.RefuseTarget = ecnet.SafeOp

	tr = ecsm.NewTransition(cfg)
	if err := tr.Start(sl, ecnet.SafeOp); err != nil {
		t.Fatal(err)
	}
	runTask(t, c, tr)

	_, terr, _ := tr.Result()
	var ase ecsm.ALStatusError
	if !errors.As(terr, &ase) {
		t.Fatalf("got %v, want ALStatusError", terr)
	}
	if ase.ALStatusCode != ecad.ALCodeInvalidRequestedState {
		t.Fatalf("status code %v", ase.ALStatusCode)
	}

	// recovery: acknowledge and settle back into PreOp
	slaves[0].ESM.RefuseTarget = ecnet.Invalid
	tr = ecsm.NewTransition(cfg)
	if err := tr.Start(sl, ecnet.PreOp); err != nil {
		t.Fatal(err)
	}
	runTask(t, c, tr)
	if _, err, done := tr.Result(); !done || err != nil {
		t.Fatalf("recovery failed: done %v err %v", done, err)
	}
	if slaves[0].ESM.Err {
		t.Fatal("error bit still set after acknowledge")
	}
}

func TestStateReaderOverRing(t *testing.T) {
	slaves, net, c := ring(t, 3)

	// Op and SafeOp OR into an undefined state value
	slaves[0].ESM.State = ecnet.Op
	slaves[1].ESM.State = ecnet.SafeOp
	slaves[2].ESM.State = ecnet.Op

	r := ecsm.NewStateReader(net)
	if err := r.Push(c); err != nil {
		t.Fatal(err)
	}
	if err := c.Cycle(); err != nil {
		t.Fatal(err)
	}
	r.Update()

	state, mixed, anyError, fresh, outcome := r.Snapshot()
	if !fresh || outcome != ecwc.FullyAcknowledged {
		t.Fatalf("probe fresh %v outcome %v", fresh, outcome)
	}
	if !mixed || state != ecnet.Invalid || anyError {
		t.Fatalf("snapshot %v mixed %v err %v, want mixed", state, mixed, anyError)
	}
}

func TestSdoOverSimulatedMailbox(t *testing.T) {
	slaves, net, c := ring(t, 2)
	cfg := cfgFor(2)

	dev := slaves[1].Mailbox
	dev.Dictionary[DictKey(0x1000, 0)] = []byte{0x92, 0x01, 0x02, 0x00}
	dev.Dictionary[DictKey(0x1008, 0)] = []byte("simulated device")

	sl, err := net.Slave(1)
	if err != nil {
		t.Fatal(err)
	}

	cl := eccoe.NewClient(cfg)

	// expedited upload
	if err := cl.StartUpload(sl, 0x1000, 0); err != nil {
		t.Fatal(err)
	}
	runTask(t, c, cl)
	data, err, _ := cl.Result()
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(data, []byte{0x92, 0x01, 0x02, 0x00}) {
		t.Fatalf("device type % x", data)
	}

	// normal upload
	if err := cl.StartUpload(sl, 0x1008, 0); err != nil {
		t.Fatal(err)
	}
	runTask(t, c, cl)
	data, err, _ = cl.Result()
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "simulated device" {
		t.Fatalf("device name %q", data)
	}

	// download lands in the dictionary
	if err := cl.StartDownload(sl, 0x6040, 0, []byte{0x06, 0x00}); err != nil {
		t.Fatal(err)
	}
	runTask(t, c, cl)
	if _, err, _ := cl.Result(); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(dev.Dictionary[DictKey(0x6040, 0)], []byte{0x06, 0x00}) {
		t.Fatalf("dictionary holds % x", dev.Dictionary[DictKey(0x6040, 0)])
	}

	// abort injection surfaces as SdoAbortError and frees the mailbox
	dev.AbortOn[DictKey(0x1018, 9)] = uint32(eccoe.AbortSubindexMissing)
	if err := cl.StartUpload(sl, 0x1018, 9); err != nil {
		t.Fatal(err)
	}
	runTask(t, c, cl)
	_, err, _ = cl.Result()
	var abort eccoe.SdoAbortError
	if !errors.As(err, &abort) || abort.Code != eccoe.AbortSubindexMissing {
		t.Fatalf("got %v, want SdoAbortError 0x06090011", err)
	}

	if err := cl.StartUpload(sl, 0x1000, 0); err != nil {
		t.Fatalf("mailbox not free after abort: %v", err)
	}
	runTask(t, c, cl)
	if _, err, _ := cl.Result(); err != nil {
		t.Fatal(err)
	}
}

func TestSdoTimeoutAndResend(t *testing.T) {
	slaves, net, c := ring(t, 1)
	cfg := cfgFor(1)
	cfg.MailboxTimeoutCycles = 6

	slaves[0].Mailbox.Dictionary[DictKey(0x1000, 0)] = []byte{1, 2}
	slaves[0].Mailbox.DropRequests = true

	sl, err := net.Slave(0)
	if err != nil {
		t.Fatal(err)
	}

	cl := eccoe.NewClient(cfg)
	if err := cl.StartUpload(sl, 0x1000, 0); err != nil {
		t.Fatal(err)
	}
	runTask(t, c, cl)
	if _, err, _ := cl.Result(); !errors.Is(err, ecmbx.ErrMailboxTimeout) {
		t.Fatalf("got %v, want ErrMailboxTimeout", err)
	}

	slaves[0].Mailbox.DropRequests = false
	if err := cl.Resend(); err != nil {
		t.Fatal(err)
	}
	runTask(t, c, cl)
	data, err, _ := cl.Result()
	if err != nil {
		t.Fatalf("resend failed: %v", err)
	}
	if !bytes.Equal(data, []byte{1, 2}) {
		t.Fatalf("resend returned % x", data)
	}
}

func TestDCMeasurementOverRing(t *testing.T) {
	slaves, net, c := ring(t, 3)
	cfg := cfgFor(3)
	cfg.DCLatchPasses = 1

	slaves[0].Clock.PortTimes = [4]uint32{1000, 1800, 0, 0} // loop 800
	slaves[0].Clock.LocalTime = 500000
	slaves[1].Clock.PortTimes = [4]uint32{2000, 2400, 0, 0} // loop 400
	slaves[1].Clock.LocalTime = 300000
	slaves[2].Clock.PortTimes = [4]uint32{3000, 0, 0, 0} // end of line
	slaves[2].Clock.LocalTime = 800000

	for i := uint16(0); i < 3; i++ {
		sl, err := net.Slave(i)
		if err != nil {
			t.Fatal(err)
		}
		sl.SupportsDC = true
	}

	s := ecdc.NewSync(cfg, net)
	if err := s.Start(); err != nil {
		t.Fatal(err)
	}
	runTask(t, c, s)

	updated, skipped, err, done := s.Result()
	if !done || err != nil {
		t.Fatalf("Result: done %v err %v", done, err)
	}
	if len(updated) != 3 || len(skipped) != 0 {
		t.Fatalf("updated %v skipped %v", updated, skipped)
	}

	sl0, _ := net.Slave(0)
	if sl0.DC.PropDelay != 0 || sl0.DC.Offset != 0 {
		t.Fatalf("reference got corrections: %+v", sl0.DC)
	}
	sl1, _ := net.Slave(1)
	if sl1.DC.PropDelay != (800-400)/2 {
		t.Fatalf("slave 1 delay %d", sl1.DC.PropDelay)
	}
	if want := int64(500000) + 200 - 300000; sl1.DC.Offset != want {
		t.Fatalf("slave 1 offset %d, want %d", sl1.DC.Offset, want)
	}
	sl2, _ := net.Slave(2)
	if sl2.DC.PropDelay != 200+(400-0)/2 {
		t.Fatalf("slave 2 delay %d", sl2.DC.PropDelay)
	}

	// the corrections are sitting in the slave's registers
	mem := slaves[1].BackingMemory[:]
	gotDelay := uint32(mem[ecad.DCSystemTimeDelay]) | uint32(mem[ecad.DCSystemTimeDelay+1])<<8
	if gotDelay != 200 {
		t.Fatalf("slave 1 delay register %d", gotDelay)
	}
}

func TestDCSkipsMutedSlave(t *testing.T) {
	slaves, net, c := ring(t, 4)
	cfg := cfgFor(4)
	cfg.DCLatchPasses = 1

	for i := range slaves {
		slaves[i].Clock.PortTimes = [4]uint32{uint32(1000 * (i + 1)), uint32(1000*(i+1)) + 600, 0, 0}
		slaves[i].Clock.LocalTime = uint64(100000 * (i + 1))
	}
	slaves[3].Clock.PortTimes[1] = 0 // end of line

	for i := uint16(0); i < 4; i++ {
		sl, err := net.Slave(i)
		if err != nil {
			t.Fatal(err)
		}
		sl.SupportsDC = true
	}

	// third slave goes dark, its probes come back without acknowledgement
	slaves[2].Mute = true

	s := ecdc.NewSync(cfg, net)
	if err := s.Start(); err != nil {
		t.Fatal(err)
	}
	runTask(t, c, s)

	updated, skipped, err, done := s.Result()
	if !done || err != nil {
		t.Fatalf("Result: done %v err %v", done, err)
	}
	if len(skipped) != 1 || skipped[0] != 2 {
		t.Fatalf("skipped %v, want position 2", skipped)
	}
	if len(updated) != 3 {
		t.Fatalf("updated %v", updated)
	}

	sl2, _ := net.Slave(2)
	if sl2.DC.Valid || sl2.DC.PropDelay != 0 {
		t.Fatalf("muted slave context touched: %+v", sl2.DC)
	}
}

func TestEEPROMAccess(t *testing.T) {
	slaves, _, c := ring(t, 1)

	ee, err := ecee.New(c, ecfr.StationAddress(0x1001, 0))
	if err != nil {
		t.Fatal(err)
	}
	defer ee.Close()

	w, err := ee.ReadWord(5)
	if err != nil {
		t.Fatal(err)
	}
	if w != 0xee05 {
		t.Fatalf("word %#04x, want 0xee05", w)
	}

	if err := ee.WriteWord(16, 0xbeef); err != nil {
		t.Fatal(err)
	}
	if slaves[0].EEPROM.Array[16] != 0xbeef {
		t.Fatalf("array holds %#04x", slaves[0].EEPROM.Array[16])
	}

	w, err = ee.ReadWord(16)
	if err != nil {
		t.Fatal(err)
	}
	if w != 0xbeef {
		t.Fatalf("read back %#04x", w)
	}
}
