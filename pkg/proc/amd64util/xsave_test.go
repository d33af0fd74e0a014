package amd64util

import "testing"

func TestFXSaveRoundTrip(t *testing.T) {
	var area FXSaveArea
	area.Cwd = 0x37f
	area.Mxcsr = 0x1f80
	area.XmmSpace[15][0] = 0xaa
	area.StSpace[7][9] = 0x40
	buf := make([]byte, FXSaveSize)
	if err := area.Encode(buf); err != nil {
		t.Fatal(err)
	}
	if buf[24] != 0x80 || buf[25] != 0x1f {
		t.Fatalf("mxcsr not at offset 24: % x", buf[24:28])
	}
	out, err := DecodeFXSave(buf)
	if err != nil {
		t.Fatal(err)
	}
	if out != area {
		t.Fatal("round trip mismatch")
	}
}

func TestXstateRead(t *testing.T) {
	var in Xstate
	in.AvxState = true
	in.YmmSpace[17] = 0x55
	chunk := XstateWrite(&in)
	var out Xstate
	if err := XstateRead(chunk, &out); err != nil {
		t.Fatal(err)
	}
	if !out.AvxState || out.YmmSpace[17] != 0x55 {
		t.Fatal("AVX state lost")
	}

	var empty Xstate
	chunk = XstateWrite(&empty)
	out = Xstate{}
	if err := XstateRead(chunk, &out); err != nil {
		t.Fatal(err)
	}
	if out.AvxState {
		t.Fatal("AVX state reported without feature bit")
	}
}
