package numeric

import "testing"

func TestClamp(t *testing.T) {
	tests := []struct {
		v, lo, hi, want float64
	}{
		{5, 0, 10, 5},
		{-1, 0, 10, 0},
		{11, 0, 10, 10},
	}
	for _, tt := range tests {
		if got := Clamp(tt.v, tt.lo, tt.hi); got != tt.want {
			t.Errorf("Clamp(%v, %v, %v) = %v, want %v", tt.v, tt.lo, tt.hi, got, tt.want)
		}
	}
	if got := Clamp[int64](7, 0, 3); got != 3 {
		t.Errorf("Clamp int64 = %d, want 3", got)
	}
}

func TestRound2(t *testing.T) {
	if got := Round2(10.126); got != 10.13 {
		t.Errorf("Round2 = %v, want 10.13", got)
	}
}
