package sdr

import (
	"math"
	"testing"
)

func TestLinearizeIdentity(t *testing.T) {
	v, err := linearize(0x00, 42.5)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != 42.5 {
		t.Fatalf("got %v, want 42.5", v)
	}
}

func TestLinearizeLn(t *testing.T) {
	v, err := linearize(0x01, math.E)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if math.Abs(v-1) > 1e-9 {
		t.Fatalf("got %v, want ~1", v)
	}
}

func TestLinearizeSquareAndCube(t *testing.T) {
	sq, _ := linearize(0x08, 3)
	if sq != 9 {
		t.Fatalf("square: got %v, want 9", sq)
	}
	cube, _ := linearize(0x09, 3)
	if cube != 27 {
		t.Fatalf("cube: got %v, want 27", cube)
	}
}

func TestLinearizeSqrtAndCbrt(t *testing.T) {
	sqrt, _ := linearize(0x0A, 16)
	if sqrt != 4 {
		t.Fatalf("sqrt: got %v, want 4", sqrt)
	}
	cbrt, _ := linearize(0x0B, 27)
	if math.Abs(cbrt-3) > 1e-9 {
		t.Fatalf("cbrt: got %v, want 3", cbrt)
	}
}

func TestLinearizeUnsupportedIndex(t *testing.T) {
	_, err := linearize(0x70, 1)
	if err == nil {
		t.Fatal("expected error for OEM linearization index")
	}
}
