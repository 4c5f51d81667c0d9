package ecfr

import (
	"bytes"
	"errors"
	"testing"
)

func TestDatagramRoundtrip(t *testing.T) {
	type dgSpec struct {
		cmd  CommandType
		addr DatagramAddress
		data []byte
		wkc  uint16
	}

	specs := []dgSpec{
		{BRD, BroadcastAddress(0x0130), []byte{0, 0}, 3},
		{APRD, AutoIncrementAddress(0xffff, 0x0900), make([]byte, 16), 1},
		{FPWR, StationAddress(0x1001, 0x0120), []byte{0x02, 0x00}, 1},
		{LRW, LogicalAddress(0x00010000), []byte{1, 2, 3, 4, 5}, 3},
		{NOP, BroadcastAddress(0), nil, 0},
	}

	for i, spec := range specs {
		buf := make([]byte, DatagramOverheadLength+len(spec.data))
		dg, err := PointDatagramTo(buf)
		if err != nil {
			t.Fatalf("case %d: PointDatagramTo: %v", i, err)
		}
		if err := dg.SetDataLen(len(spec.data)); err != nil {
			t.Fatalf("case %d: SetDataLen: %v", i, err)
		}
		dg.Command = spec.cmd
		dg.Addr32 = spec.addr.Addr32()
		dg.Index = uint8(i)
		dg.SetLast(true)
		copy(dg.Data(), spec.data)
		dg.WorkingCounter = spec.wkc

		wire, err := dg.Commit()
		if err != nil {
			t.Fatalf("case %d: Commit: %v", i, err)
		}
		if len(wire) != DatagramOverheadLength+len(spec.data) {
			t.Fatalf("case %d: wire image is %d bytes, want %d", i, len(wire), DatagramOverheadLength+len(spec.data))
		}

		var back Datagram
		rest, err := back.Overlay(wire)
		if err != nil {
			t.Fatalf("case %d: Overlay: %v", i, err)
		}
		if len(rest) != 0 {
			t.Fatalf("case %d: %d bytes left over after overlay", i, len(rest))
		}

		if back.Command != spec.cmd || back.Addr32 != spec.addr.Addr32() || back.Index != uint8(i) {
			t.Fatalf("case %d: header mismatch: got %v %#08x idx %d", i, back.Command, back.Addr32, back.Index)
		}
		if !bytes.Equal(back.Data(), spec.data) && len(spec.data) > 0 {
			t.Fatalf("case %d: data mismatch: % x != % x", i, back.Data(), spec.data)
		}
		if back.WorkingCounter != spec.wkc {
			t.Fatalf("case %d: wkc %d, want %d", i, back.WorkingCounter, spec.wkc)
		}
		if !back.Last() {
			t.Fatalf("case %d: last indicator lost in roundtrip", i)
		}
	}
}

func TestDatagramWireLayout(t *testing.T) {
	buf := make([]byte, DatagramOverheadLength+2)
	dg, err := PointDatagramTo(buf)
	if err != nil {
		t.Fatal(err)
	}
	if err := dg.SetDataLen(2); err != nil {
		t.Fatal(err)
	}
	dg.Command = FPRD
	dg.Index = 0x42
	dg.Addr32 = StationAddress(0x1002, 0x0130).Addr32()
	dg.SetLast(true)
	dg.Data()[0] = 0xaa
	dg.Data()[1] = 0xbb
	dg.WorkingCounter = 0x0201

	wire, err := dg.Commit()
	if err != nil {
		t.Fatal(err)
	}

	want := []byte{
		0x04,       // FPRD
		0x42,       // index
		0x02, 0x10, // station address, little endian
		0x30, 0x01, // register offset, little endian
		0x02, 0x00, // length word: 2, last
		0x00, 0x00, // irq
		0xaa, 0xbb, // data
		0x01, 0x02, // working counter, little endian
	}
	if !bytes.Equal(wire, want) {
		t.Fatalf("wire image\n got % x\nwant % x", wire, want)
	}
}

func TestDatagramOverlayMalformed(t *testing.T) {
	// unknown command code
	bad := []byte{0x1f, 0, 0, 0, 0, 0, 0x00, 0x00, 0, 0, 0, 0}
	var dg Datagram
	_, err := dg.Overlay(bad)
	if !errors.Is(err, ErrMalformedDatagram) {
		t.Fatalf("unknown command: got err %v, want ErrMalformedDatagram", err)
	}

	// declared length runs past the buffer
	bad = []byte{0x07, 0, 0, 0, 0, 0, 0x20, 0x00, 0, 0, 1, 2}
	dg = Datagram{}
	_, err = dg.Overlay(bad)
	if !errors.Is(err, ErrMalformedDatagram) {
		t.Fatalf("overlong datagram: got err %v, want ErrMalformedDatagram", err)
	}

	// too short for even a header
	dg = Datagram{}
	_, err = dg.Overlay([]byte{0x07, 0x00})
	if !errors.Is(err, ErrMalformedDatagram) {
		t.Fatalf("short buffer: got err %v, want ErrMalformedDatagram", err)
	}
}

func TestDatagramCapacity(t *testing.T) {
	buf := make([]byte, DatagramOverheadLength+4)
	dg, err := PointDatagramTo(buf)
	if err != nil {
		t.Fatal(err)
	}
	if err := dg.SetDataLen(5); err == nil {
		t.Fatal("SetDataLen beyond the buffer did not fail")
	}
	if err := dg.SetDataLen(MaxDataLength + 1); err == nil {
		t.Fatal("SetDataLen beyond the length field did not fail")
	}

	if _, err := PointDatagramTo(make([]byte, DatagramOverheadLength-1)); err == nil {
		t.Fatal("PointDatagramTo accepted a buffer below overhead size")
	}
}
