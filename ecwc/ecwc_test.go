package ecwc

import (
	"testing"

	"github.com/andom9/ethercat/ecfr"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		expected, actual uint16
		want             Outcome
	}{
		{3, 3, FullyAcknowledged},
		{3, 2, PartiallyAcknowledged},
		{3, 1, PartiallyAcknowledged},
		{3, 0, Lost},
		{1, 0, Lost},
		{1, 1, FullyAcknowledged},
		{0, 0, FullyAcknowledged},
		{2, 5, PartiallyAcknowledged},
	}

	for _, c := range cases {
		if got := Classify(c.expected, c.actual); got != c.want {
			t.Errorf("Classify(%d, %d) = %v, want %v", c.expected, c.actual, got, c.want)
		}
	}
}

func TestClassifyMonotonic(t *testing.T) {
	for expected := uint16(1); expected <= 8; expected++ {
		for actual := uint16(0); actual <= expected; actual++ {
			got := Classify(expected, actual)
			switch {
			case actual == 0 && got != Lost:
				t.Fatalf("Classify(%d, 0) = %v, want Lost", expected, got)
			case actual == expected && got != FullyAcknowledged:
				t.Fatalf("Classify(%d, %d) = %v, want FullyAcknowledged", expected, actual, got)
			case actual > 0 && actual < expected && got != PartiallyAcknowledged:
				t.Fatalf("Classify(%d, %d) = %v, want PartiallyAcknowledged", expected, actual, got)
			}
		}
	}
}

func TestExpected(t *testing.T) {
	cases := []struct {
		ct        ecfr.CommandType
		addr      ecfr.DatagramAddress
		numSlaves uint16
		want      uint16
	}{
		{ecfr.BRD, ecfr.BroadcastAddress(0x0130), 3, 3},
		{ecfr.BWR, ecfr.BroadcastAddress(0x0900), 5, 5},
		{ecfr.BRW, ecfr.BroadcastAddress(0x0000), 2, 6},
		{ecfr.FPRD, ecfr.StationAddress(0x1001, 0x0130), 3, 1},
		{ecfr.APWR, ecfr.AutoIncrementAddress(0xffff, 0x0010), 3, 1},
		{ecfr.FPRW, ecfr.StationAddress(0x1001, 0x1000), 3, 3},
		{ecfr.FRMW, ecfr.StationAddress(0x1001, 0x0910), 4, 1},
		{ecfr.LRW, ecfr.LogicalAddress(0x10000), 3, 0},
	}

	for _, c := range cases {
		if got := Expected(c.ct, c.addr, c.numSlaves); got != c.want {
			t.Errorf("Expected(%v, %v, %d) = %d, want %d", c.ct, c.addr, c.numSlaves, got, c.want)
		}
	}
}

func TestCheck(t *testing.T) {
	buf := make([]byte, ecfr.DatagramOverheadLength+2)
	dg, err := ecfr.PointDatagramTo(buf)
	if err != nil {
		t.Fatal(err)
	}
	if err := dg.SetDataLen(2); err != nil {
		t.Fatal(err)
	}
	dg.Command = ecfr.BRD
	dg.Addr32 = ecfr.BroadcastAddress(0x0130).Addr32()
	dg.WorkingCounter = 2

	err = Check(&dg, 3)
	if !IsWorkingCounterError(err) {
		t.Fatalf("Check returned %v, want WorkingCounterError", err)
	}
	wce := err.(WorkingCounterError)
	if wce.Outcome() != PartiallyAcknowledged {
		t.Fatalf("outcome %v, want PartiallyAcknowledged", wce.Outcome())
	}

	dg.WorkingCounter = 3
	if err := Check(&dg, 3); err != nil {
		t.Fatalf("fully acknowledged datagram reported %v", err)
	}
}
