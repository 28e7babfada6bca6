package sol

import "testing"

func TestBuildPayloadFormat(t *testing.T) {
	p := buildPayload(3, 2, 10, true, []byte("hi"))
	if p[0] != 3 {
		t.Fatalf("seq byte: got %d", p[0])
	}
	if p[1] != 2 {
		t.Fatalf("ack byte: got %d", p[1])
	}
	if p[2] != 10 {
		t.Fatalf("accepted count: got %d", p[2])
	}
	if p[3]&solOpBreak == 0 {
		t.Fatal("break bit should be set")
	}
	if string(p[4:]) != "hi" {
		t.Fatalf("data: got %q", p[4:])
	}
}

func TestAdvanceSeqWrapsAtFifteenNeverZero(t *testing.T) {
	seq := uint8(15)
	seq = advanceSeq(seq)
	if seq != 1 {
		t.Fatalf("expected wrap to 1, got %d", seq)
	}
	for i := uint8(1); i < 15; i++ {
		if next := advanceSeq(i); next != i+1 {
			t.Fatalf("advanceSeq(%d) = %d, want %d", i, next, i+1)
		}
	}
}

func TestInboundFlagBits(t *testing.T) {
	flags := byte(flagNACK | flagBreak)
	if flags&flagPoweredOff != 0 {
		t.Fatal("powered-off bit should not be set")
	}
	if flags&flagNACK == 0 || flags&flagBreak == 0 {
		t.Fatal("expected NACK and break bits set")
	}
}
