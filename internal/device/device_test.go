package device

import (
	"math"
	"testing"
)

func TestSeparation(t *testing.T) {
	a := EqCoord{RA: 5.5, Dec: 20}
	if got := Separation(a, a); got > 1e-6 {
		t.Fatalf("expected zero separation, got %v", got)
	}
	b := EqCoord{RA: 5.5, Dec: 21}
	if got := Separation(a, b); math.Abs(got-1) > 1e-9 {
		t.Fatalf("expected 1 degree, got %v", got)
	}
	c := EqCoord{RA: 23.9, Dec: 0}
	d := EqCoord{RA: 0.1, Dec: 0}
	if got := Separation(c, d); math.Abs(got-3) > 1e-9 {
		t.Fatalf("expected 3 degrees across RA wrap, got %v", got)
	}
}

func TestNormalizeRA(t *testing.T) {
	if got := NormalizeRA(-1); got != 23 {
		t.Fatalf("expected 23, got %v", got)
	}
	if got := NormalizeRA(25.5); got != 1.5 {
		t.Fatalf("expected 1.5, got %v", got)
	}
}

func TestPropStateString(t *testing.T) {
	if StateBusy.String() != "Busy" || PropState(9).String() != "PropState(9)" {
		t.Fatalf("unexpected state names")
	}
}
