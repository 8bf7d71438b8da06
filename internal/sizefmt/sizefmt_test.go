package sizefmt

import "testing"

func TestParseBytes(t *testing.T) {
	cases := []struct {
		in      string
		want    int64
		wantErr bool
	}{
		{"100m", 100 * MiB, false},
		{"2g", 2 * 1024 * MiB, false},
		{"1.5g", int64(1.5 * 1024 * float64(MiB)), false},
		{"512", 512, false},
		{"", 0, true},
		{"10x", 0, true},
		{"abcm", 0, true},
	}

	for _, c := range cases {
		got, err := ParseBytes(c.in)
		if c.wantErr {
			if err == nil {
				t.Errorf("ParseBytes(%q): expected error, got %d", c.in, got)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseBytes(%q): unexpected error %v", c.in, err)
			continue
		}
		if got != c.want {
			t.Errorf("ParseBytes(%q) = %d, want %d", c.in, got, c.want)
		}
	}
}

func TestAlignMiBFloor(t *testing.T) {
	if got := AlignMiBFloor(MiB + 100); got != MiB {
		t.Errorf("AlignMiBFloor = %d, want %d", got, MiB)
	}
	if got := AlignMiBFloor(MiB - 1); got != 0 {
		t.Errorf("AlignMiBFloor = %d, want 0", got)
	}
	if got := AlignMiBFloor(-5); got != 0 {
		t.Errorf("AlignMiBFloor(negative) = %d, want 0", got)
	}
}

func TestAlignMiBCeil(t *testing.T) {
	if got := AlignMiBCeil(MiB + 1); got != 2*MiB {
		t.Errorf("AlignMiBCeil = %d, want %d", got, 2*MiB)
	}
	if got := AlignMiBCeil(MiB); got != MiB {
		t.Errorf("AlignMiBCeil(exact) = %d, want %d", got, MiB)
	}
}
