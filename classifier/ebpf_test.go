//go:build linux

package classifier

import (
	"bytes"
	"testing"
)

func TestEBPF(t *testing.T) {
	c, err := NewEBPF(2, 512)
	if err != nil {
		t.Skipf("BPF maps unavailable: %v", err)
	}
	defer c.Close()

	if err := c.WriteDMEM(BroadcastPE, 8, []byte{0xAA, 0xBB}); err != nil {
		t.Fatal(err)
	}
	got := make([]byte, 2)
	if err := c.ReadDMEM(1, 8, got); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, []byte{0xAA, 0xBB}) {
		t.Fatalf("got %x", got)
	}

	if err := c.SetRtable(0x4000_0000, 64, 128); err != nil {
		t.Fatal(err)
	}
	if err := c.RtableLookupEnable(); err != nil {
		t.Fatal(err)
	}
	var v control
	if err := c.ctrl.Lookup(uint32(0), &v); err != nil {
		t.Fatal(err)
	}
	if v != (control{0x4000_0000, 64, 128, 1}) {
		t.Fatalf("control: got %+v", v)
	}
}
