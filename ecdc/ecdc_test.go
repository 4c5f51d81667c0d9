package ecdc

import (
	"errors"
	"testing"

	"github.com/andom9/ethercat/ecad"
	"github.com/andom9/ethercat/ecfr"
	"github.com/andom9/ethercat/ecmd"
	"github.com/andom9/ethercat/ecnet"
)

type scriptCommander struct {
	staged  []*ecmd.ExecutingCommand
	respond func(*ecmd.ExecutingCommand)
}

func (s *scriptCommander) New(datalen int) (*ecmd.ExecutingCommand, error) {
	cmd := ecmd.NewStagedCommand(datalen)
	s.staged = append(s.staged, cmd)
	return cmd, nil
}

func (s *scriptCommander) Cycle() error {
	for _, cmd := range s.staged {
		s.respond(cmd)
	}
	s.staged = nil
	return nil
}

func (s *scriptCommander) Close() error { return nil }

func respond(t *testing.T, cmd *ecmd.ExecutingCommand, data []byte, wkc uint16) {
	t.Helper()

	n := len(cmd.Data())
	buf := make([]byte, ecfr.DatagramOverheadLength+n)
	dg, err := ecfr.PointDatagramTo(buf)
	if err != nil {
		t.Fatal(err)
	}
	if err := dg.SetDataLen(n); err != nil {
		t.Fatal(err)
	}
	dg.Command = cmd.Command
	dg.Addr32 = cmd.Addr32
	dg.SetLast(true)
	copy(dg.Data(), data)
	dg.WorkingCounter = wkc
	if _, err := dg.Commit(); err != nil {
		t.Fatal(err)
	}

	cmd.DatagramOut = &dg
	cmd.DatagramIn = &dg
	cmd.Arrived = true
	cmd.Overlayed = true
}

// clockScript plays the DC registers of a small ring.
type clockScript struct {
	t   *testing.T
	net *ecnet.Network

	// per station address
	portTimes map[uint16][4]uint32
	localTime map[uint16]uint64
	dropped   map[uint16]bool

	latches        int
	dropLatch      bool
	offsetWrites   map[uint16]uint64
	delayWrites    map[uint16]uint32
	systemTime     uint64
	distributions  int
	dropDistribute bool
}

func newClockScript(t *testing.T, net *ecnet.Network) *clockScript {
	return &clockScript{
		t:            t,
		net:          net,
		portTimes:    map[uint16][4]uint32{},
		localTime:    map[uint16]uint64{},
		dropped:      map[uint16]bool{},
		offsetWrites: map[uint16]uint64{},
		delayWrites:  map[uint16]uint32{},
	}
}

func (cs *clockScript) respond(cmd *ecmd.ExecutingCommand) {
	addr := ecfr.DatagramAddressFromCommand(cmd.Addr32, cmd.Command)
	station := addr.PositionOrAddress()

	switch {
	case cmd.Command == ecfr.BWR && addr.Offset() == ecad.DCReceiveTimePort0:
		cs.latches++
		if cs.dropLatch {
			return
		}
		respond(cs.t, cmd, cmd.Data(), cs.net.NumSlaves())

	case cmd.Command == ecfr.FPRD && addr.Offset() == ecad.DCReceiveTimePort0:
		if cs.dropped[station] {
			respond(cs.t, cmd, make([]byte, dcTimesReadLen), 0)
			return
		}
		d := make([]byte, dcTimesReadLen)
		pt := cs.portTimes[station]
		for p := 0; p < 4; p++ {
			putUint32(d[p*4:], pt[p])
		}
		putUint64(d[ecad.DCReceiveTimeUnit-ecad.DCReceiveTimePort0:], cs.localTime[station])
		respond(cs.t, cmd, d, 1)

	case cmd.Command == ecfr.FPWR && addr.Offset() == ecad.DCSystemTimeOffset:
		cs.offsetWrites[station] = getUint64(cmd.Data())
		respond(cs.t, cmd, cmd.Data(), 1)

	case cmd.Command == ecfr.FPWR && addr.Offset() == ecad.DCSystemTimeDelay:
		cs.delayWrites[station] = getUint32(cmd.Data())
		respond(cs.t, cmd, cmd.Data(), 1)

	case cmd.Command == ecfr.FRMW && addr.Offset() == ecad.DCSystemTime:
		cs.distributions++
		if cs.dropDistribute {
			return
		}
		d := make([]byte, 8)
		putUint64(d, cs.systemTime)
		respond(cs.t, cmd, d, cs.net.NumSlaves())
	}
}

func testRing(t *testing.T, n int) *ecnet.Network {
	t.Helper()
	net := ecnet.NewNetwork(n)
	for i := 0; i < n; i++ {
		sl, err := net.AddSlave(0x1001 + uint16(i))
		if err != nil {
			t.Fatal(err)
		}
		sl.SupportsDC = true
	}
	return net
}

func step(t *testing.T, c ecmd.Commander, s *Sync) {
	t.Helper()
	if err := s.Push(c); err != nil {
		t.Fatal(err)
	}
	if err := c.Cycle(); err != nil {
		t.Fatal(err)
	}
	s.Update()
}

func runSync(t *testing.T, c ecmd.Commander, s *Sync, maxCycles int) {
	t.Helper()
	for i := 0; s.Busy(); i++ {
		if i > maxCycles {
			t.Fatalf("measurement still busy after %d cycles", maxCycles)
		}
		step(t, c, s)
	}
}

// line topology: slave i sees the frame leave on port 1 and come back, so
// its loop time covers everything downstream. The last slave has no loop.
func fillRing(cs *clockScript) {
	cs.portTimes[0x1001] = [4]uint32{10000, 11000, 0, 0} // loop 1000
	cs.portTimes[0x1002] = [4]uint32{20000, 20600, 0, 0} // loop 600
	cs.portTimes[0x1003] = [4]uint32{30000, 30200, 0, 0} // loop 200
	cs.portTimes[0x1004] = [4]uint32{40000, 0, 0, 0}     // end of line
	cs.localTime[0x1001] = 100000
	cs.localTime[0x1002] = 50000
	cs.localTime[0x1003] = 70000
	cs.localTime[0x1004] = 200000
}

func TestSyncMeasuresLine(t *testing.T) {
	net := testRing(t, 4)
	cs := newClockScript(t, net)
	fillRing(cs)
	c := &scriptCommander{respond: cs.respond}

	cfg := ecnet.DefaultConfig()
	cfg.DCLatchPasses = 2

	s := NewSync(cfg, net)
	if err := s.Start(); err != nil {
		t.Fatal(err)
	}
	runSync(t, c, s, 20)

	updated, skipped, err, done := s.Result()
	if !done || err != nil {
		t.Fatalf("Result: done %v err %v", done, err)
	}
	if len(skipped) != 0 {
		t.Fatalf("skipped %v on a healthy ring", skipped)
	}
	if len(updated) != 4 {
		t.Fatalf("updated %v, want all four", updated)
	}
	if cs.latches != 2 {
		t.Fatalf("saw %d latch passes, want 2", cs.latches)
	}

	wantDelay := map[uint16]uint32{
		0x1001: 0,
		0x1002: 200, // (1000-600)/2
		0x1003: 400, // 200 + (600-200)/2
		0x1004: 500, // 400 + (200-0)/2
	}
	for station, want := range wantDelay {
		if got := cs.delayWrites[station]; got != want {
			t.Fatalf("station %#04x delay %d, want %d", station, got, want)
		}
	}

	// offset = refLocal + delay - local
	if got := int64(cs.offsetWrites[0x1002]); got != 100000+200-50000 {
		t.Fatalf("station 0x1002 offset %d", got)
	}
	if got := int64(cs.offsetWrites[0x1004]); got != 100000+500-200000 {
		t.Fatalf("station 0x1004 offset %d, want negative correction", got)
	}

	// the reference got explicit zeros
	if cs.delayWrites[0x1001] != 0 || cs.offsetWrites[0x1001] != 0 {
		t.Fatal("reference slave corrections not zeroed")
	}
}

func TestSyncSkipsDroppedSlave(t *testing.T) {
	net := testRing(t, 4)
	cs := newClockScript(t, net)
	fillRing(cs)
	cs.dropped[0x1003] = true // third slave never answers its probe
	c := &scriptCommander{respond: cs.respond}

	s := NewSync(ecnet.DefaultConfig(), net)
	if err := s.Start(); err != nil {
		t.Fatal(err)
	}
	runSync(t, c, s, 20)

	updated, skipped, err, done := s.Result()
	if !done || err != nil {
		t.Fatalf("Result: done %v err %v", done, err)
	}
	if len(skipped) != 1 || skipped[0] != 2 {
		t.Fatalf("skipped %v, want position 2", skipped)
	}
	if len(updated) != 3 {
		t.Fatalf("updated %v, want the other three", updated)
	}

	// the dropped slave got no correction writes at all
	if _, ok := cs.offsetWrites[0x1003]; ok {
		t.Fatal("dropped slave received an offset write")
	}
	if _, ok := cs.delayWrites[0x1003]; ok {
		t.Fatal("dropped slave received a delay write")
	}

	// its stored context is untouched by the pass
	sl, err := net.Slave(2)
	if err != nil {
		t.Fatal(err)
	}
	if sl.DC.Valid {
		t.Fatal("dropped slave marked valid")
	}
	if sl.DC.PropDelay != 0 || sl.DC.Offset != 0 {
		t.Fatalf("dropped slave context modified: %+v", sl.DC)
	}

	// downstream accumulation bridges the gap over the last valid slave
	if got := cs.delayWrites[0x1004]; got != 200+(600-0)/2 {
		t.Fatalf("station 0x1004 delay %d after gap", got)
	}
}

func TestSyncResetAbandonsLostLatch(t *testing.T) {
	net := testRing(t, 4)
	cs := newClockScript(t, net)
	fillRing(cs)
	cs.dropLatch = true // the broadcast latch never comes back
	c := &scriptCommander{respond: cs.respond}

	s := NewSync(ecnet.DefaultConfig(), net)
	if err := s.Start(); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 5; i++ {
		step(t, c, s)
	}
	if !s.Busy() {
		t.Fatal("pass finished without a latch response")
	}

	s.Reset()
	if s.Busy() {
		t.Fatal("still busy after Reset")
	}
	if _, _, _, done := s.Result(); done {
		t.Fatal("an abandoned pass reported a result")
	}

	// the ring answers again; a fresh pass runs to completion
	cs.dropLatch = false
	if err := s.Start(); err != nil {
		t.Fatal(err)
	}
	runSync(t, c, s, 20)

	updated, skipped, err, done := s.Result()
	if !done || err != nil {
		t.Fatalf("after Reset: done %v err %v", done, err)
	}
	if len(skipped) != 0 || len(updated) != 4 {
		t.Fatalf("after Reset: updated %v skipped %v", updated, skipped)
	}
}

func TestSyncNoDCSlaves(t *testing.T) {
	net := ecnet.NewNetwork(2)
	for i := 0; i < 2; i++ {
		if _, err := net.AddSlave(0x1001 + uint16(i)); err != nil {
			t.Fatal(err)
		}
	}

	s := NewSync(ecnet.DefaultConfig(), net)
	if err := s.Start(); !errors.Is(err, ErrNoDCSlaves) {
		t.Fatalf("got %v, want ErrNoDCSlaves", err)
	}
}

func TestDriftCompensator(t *testing.T) {
	net := testRing(t, 3)
	cs := newClockScript(t, net)
	cs.systemTime = 123456789
	c := &scriptCommander{respond: cs.respond}

	d, err := NewDriftCompensator(net)
	if err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 3; i++ {
		if err := d.Push(c); err != nil {
			t.Fatal(err)
		}
		if err := c.Cycle(); err != nil {
			t.Fatal(err)
		}
		d.Update()
	}

	cycles, misses, lastRef, fresh := d.Stats()
	if cycles != 3 || misses != 0 || !fresh {
		t.Fatalf("stats %d %d %v", cycles, misses, fresh)
	}
	if lastRef != 123456789 {
		t.Fatalf("reference time %d", lastRef)
	}

	cs.dropDistribute = true
	if err := d.Push(c); err != nil {
		t.Fatal(err)
	}
	if err := c.Cycle(); err != nil {
		t.Fatal(err)
	}
	d.Update()

	if cycles, misses, _, fresh := d.Stats(); cycles != 4 || misses != 1 || fresh {
		t.Fatalf("after a lost cycle: %d %d %v", cycles, misses, fresh)
	}
}
