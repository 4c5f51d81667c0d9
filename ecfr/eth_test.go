package ecfr

import (
	"testing"
)

func TestETHFramePayloadOps(t *testing.T) {
	{
		tlb := make([]byte, 20)
		_, err := OverlayETHFrame(tlb)
		if err == nil {
			t.Fatalf("OverlayETHFrame did not fail on buffer too small to contain ETH frame")
		}
	}

	buf := make([]byte, minFramelenWithFCS)
	ef, err := OverlayETHFrame(buf)
	if err != nil {
		t.Fatalf("OverlayETHFrame should have worked, returned err %v", err)
	}

	{
		pl := ef.Payload()
		exppllen := len(buf) - 14
		if len(pl) != exppllen {
			t.Fatalf("for packet with frame buf size %d, expected %d payload bytes, got %d", len(buf), exppllen, len(pl))
		}
	}

	{
		pl := ef.Payload()

		// maximally small frame, shrinking it further must fail
		err := ef.SetPayloadLen(len(pl) - 1)
		if err == nil {
			t.Fatalf("setting the payload below the minimum did not yield an error!")
		}

		// the buffer cannot grow beyond its capacity
		err = ef.SetPayloadLen(maxFramelen)
		if err == nil {
			t.Fatalf("increasing the payload past the buffer did not yield an error!")
		}
	}
}

func TestETHFrameHeaderRoundtrip(t *testing.T) {
	buf := make([]byte, minFramelenWithFCS)
	ef, err := NewETHFrame(buf)
	if err != nil {
		t.Fatal(err)
	}
	if err := ef.WriteDown(); err != nil {
		t.Fatal(err)
	}

	back, err := OverlayETHFrame(ef.FrameBuf())
	if err != nil {
		t.Fatal(err)
	}
	if back.Destination != BroadcastETHAddr || back.Source != MasterETHAddr {
		t.Fatalf("addresses did not survive: dst %v src %v", back.Destination, back.Source)
	}
	if back.Type != ETHTypeEtherCAT {
		t.Fatalf("ethertype %#04x, want %#04x", back.Type, ETHTypeEtherCAT)
	}
}
