package vocab

import "testing"

func TestZoneFor(t *testing.T) {
	b := Bounds{MinComfort: 30, SoftMax: 60, HardMax: 90}

	cases := []struct {
		size int
		want Zone
	}{
		{0, ZoneComfort},
		{30, ZoneComfort},
		{31, ZoneNormal},
		{60, ZoneNormal},
		{61, ZonePressure},
		{90, ZonePressure},
		{91, ZoneEmergency},
	}
	for _, tc := range cases {
		if got := b.ZoneFor(tc.size); got != tc.want {
			t.Errorf("ZoneFor(%d) = %s, want %s", tc.size, got, tc.want)
		}
	}
}

func TestAggressiveness(t *testing.T) {
	b := Bounds{MinComfort: 30, SoftMax: 60, HardMax: 90}

	if got := b.Aggressiveness(10); got != 0 {
		t.Errorf("comfort aggressiveness = %f, want 0", got)
	}
	if got := b.Aggressiveness(200); got != 1 {
		t.Errorf("emergency aggressiveness = %f, want 1", got)
	}

	// The curve hands off continuously at the soft max.
	atSoft := b.Aggressiveness(60)
	if atSoft < 0.65 || atSoft > 0.67 {
		t.Errorf("aggressiveness at soft max = %f, want ~0.66", atSoft)
	}

	// Monotonically non-decreasing across the whole range.
	prev := -1.0
	for size := 0; size <= 100; size++ {
		cur := b.Aggressiveness(size)
		if cur < prev {
			t.Fatalf("aggressiveness decreased at size %d: %f -> %f", size, prev, cur)
		}
		if cur < 0 || cur > 1 {
			t.Fatalf("aggressiveness out of range at size %d: %f", size, cur)
		}
		prev = cur
	}
}

func TestBezierEndpoints(t *testing.T) {
	if got := aggressiveProfile.at(0); got != 0 {
		t.Errorf("at(0) = %f, want 0", got)
	}
	if got := aggressiveProfile.at(1); got != 1 {
		t.Errorf("at(1) = %f, want 1", got)
	}
	if got := aggressiveProfile.at(-0.5); got != 0 {
		t.Errorf("at(-0.5) = %f, want clamped 0", got)
	}
	mid := aggressiveProfile.at(0.5)
	if mid < 0.4 || mid > 0.6 {
		t.Errorf("at(0.5) = %f, want near 0.5 for a symmetric profile", mid)
	}
}
