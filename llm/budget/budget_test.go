package budget

import (
	"testing"

	"pgregory.net/rapid"
)

func TestLimits(t *testing.T) {
	t.Parallel()

	got := Limits(map[string]float64{"a": 0.5, "b": 0.5}, 100, 1000, 100)
	if got["a"] != 400 || got["b"] != 400 {
		t.Fatalf("got %v, want a=400 b=400", got)
	}
}

func TestLimitsFloors(t *testing.T) {
	t.Parallel()

	got := Limits(map[string]float64{"x": 1.0 / 3.0}, 0, 100, 0)
	if got["x"] != 33 {
		t.Fatalf("got %d, want 33", got["x"])
	}
}

func TestLimitsNegativeWhenOverflowing(t *testing.T) {
	t.Parallel()

	got := Limits(map[string]float64{"x": 0.5}, 900, 1000, 200)
	if got["x"] >= 0 {
		t.Fatalf("got %d, want negative", got["x"])
	}
}

func TestLimitsNeverExceedUsable(t *testing.T) {
	t.Parallel()

	rapid.Check(t, func(rt *rapid.T) {
		n := rapid.IntRange(1, 6).Draw(rt, "fields")
		ratios := make(map[string]float64, n)
		remaining := 1.0
		for i := 0; i < n; i++ {
			r := rapid.Float64Range(0, remaining).Draw(rt, "ratio")
			ratios[string(rune('a'+i))] = r
			remaining -= r
		}
		template := rapid.IntRange(0, 500).Draw(rt, "template")
		window := rapid.IntRange(0, 40000).Draw(rt, "window")
		reserved := rapid.IntRange(0, 500).Draw(rt, "reserved")

		limits := Limits(ratios, template, window, reserved)

		usable := window - template - reserved
		sum := 0
		for _, v := range limits {
			if v > 0 {
				sum += v
			}
		}
		if usable > 0 && sum > usable {
			rt.Fatalf("limits sum %d exceeds usable %d", sum, usable)
		}
	})
}
