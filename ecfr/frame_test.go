package ecfr

import (
	"errors"
	"testing"
)

func buildFrame(t *testing.T, budget int, datalens ...int) ([]byte, *Frame) {
	t.Helper()

	buf := make([]byte, budget)
	f, err := PointFrameTo(buf)
	if err != nil {
		t.Fatalf("PointFrameTo: %v", err)
	}
	f.Header.SetType(FrameTypePDUs)

	for i, n := range datalens {
		dg, err := f.NewDatagram(n)
		if err != nil {
			t.Fatalf("NewDatagram(%d): %v", n, err)
		}
		dg.Command = BRD
		dg.Index = uint8(i)
		dg.SetLast(i == len(datalens)-1)
	}

	wire, err := f.Commit()
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	return wire, &f
}

func TestFrameRoundtrip(t *testing.T) {
	wire, _ := buildFrame(t, 256, 2, 16, 0)

	var back Frame
	if _, err := back.Overlay(wire); err != nil {
		t.Fatalf("Overlay: %v", err)
	}

	if back.Header.Type() != FrameTypePDUs {
		t.Fatalf("frame type %d, want %d", back.Header.Type(), FrameTypePDUs)
	}
	if len(back.Datagrams) != 3 {
		t.Fatalf("got %d datagrams, want 3", len(back.Datagrams))
	}
	if int(back.Header.FrameLength())+FrameOverheadLen != len(wire) {
		t.Fatalf("frame length field %d inconsistent with wire size %d", back.Header.FrameLength(), len(wire))
	}

	for i, dg := range back.Datagrams {
		last := i == len(back.Datagrams)-1
		if dg.Last() != last {
			t.Fatalf("datagram %d: last=%v, want %v", i, dg.Last(), last)
		}
	}
}

func TestFrameBudget(t *testing.T) {
	// exactly one 8 byte datagram fits; the second must be refused
	budget := FrameOverheadLen + DatagramOverheadLength + 8
	buf := make([]byte, budget)
	f, err := PointFrameTo(buf)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := f.NewDatagram(8); err != nil {
		t.Fatalf("first datagram should fit: %v", err)
	}
	if _, err := f.NewDatagram(1); err == nil {
		t.Fatal("second datagram over budget was accepted")
	}

	f.Datagrams[0].SetLast(true)
	wire, err := f.Commit()
	if err != nil {
		t.Fatal(err)
	}
	if len(wire) > budget {
		t.Fatalf("committed frame of %d exceeds budget %d", len(wire), budget)
	}
}

func TestFrameOverlayTruncated(t *testing.T) {
	wire, _ := buildFrame(t, 128, 4, 4)

	// frame length field promises more than the buffer holds
	var back Frame
	if _, err := back.Overlay(wire[:len(wire)-3]); !errors.Is(err, ErrTruncatedFrame) {
		t.Fatalf("got err %v, want ErrTruncatedFrame", err)
	}

	// inner datagram length runs past the buffer end
	cut := append([]byte(nil), wire...)
	cut[FrameOverheadLen+6] |= 0x20 // inflate first datagram's length field
	back = Frame{}
	if _, err := back.Overlay(cut); !errors.Is(err, ErrTruncatedFrame) {
		t.Fatalf("got err %v, want ErrTruncatedFrame", err)
	}
}

func TestFrameEmptyCommit(t *testing.T) {
	buf := make([]byte, 64)
	f, err := PointFrameTo(buf)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.Commit(); err == nil {
		t.Fatal("committing an empty frame did not fail")
	}
}
