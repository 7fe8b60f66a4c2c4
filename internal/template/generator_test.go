package template

import (
	"errors"
	"math"
	"reflect"
	"testing"
	"time"
)

func fixedClock() time.Time {
	return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
}

func TestSinePattern(t *testing.T) {
	tmpl := &Template{
		Name: "sine",
		Fields: []Field{
			{Name: "value", Type: TypeFloat, Pattern: PatternSine, Mean: 20, Amplitude: 5, Period: 60},
		},
	}
	gen, err := NewGenerator(tmpl, "dev-1")
	if err != nil {
		t.Fatalf("NewGenerator: %v", err)
	}
	gen.SetClock(fixedClock)

	want := map[int64]float64{0: 20, 15: 25, 30: 20, 45: 15}
	for tick, expected := range want {
		payload, err := gen.Next(tick)
		if err != nil {
			t.Fatalf("Next(%d): %v", tick, err)
		}
		got := payload["value"].(float64)
		if math.Abs(got-expected) > 1e-9 {
			t.Errorf("tick %d: got %v, want %v", tick, got, expected)
		}
	}
}

func TestGeneratorDeterministicPerDevice(t *testing.T) {
	tmpl := &Template{
		Name: "mixed",
		Fields: []Field{
			{Name: "noise", Type: TypeFloat, Pattern: PatternGaussian, Mean: 50, StdDev: 5},
			{Name: "level", Type: TypeFloat, Pattern: PatternRandom},
			{Name: "tag", Type: TypeUUID},
		},
	}
	a, err := NewGenerator(tmpl, "device-42")
	if err != nil {
		t.Fatalf("NewGenerator: %v", err)
	}
	b, err := NewGenerator(tmpl, "device-42")
	if err != nil {
		t.Fatalf("NewGenerator: %v", err)
	}
	a.SetClock(fixedClock)
	b.SetClock(fixedClock)

	for tick := int64(0); tick < 10; tick++ {
		pa, err := a.Next(tick)
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		pb, err := b.Next(tick)
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		if !reflect.DeepEqual(pa, pb) {
			t.Fatalf("tick %d: same device ID produced different payloads: %v vs %v", tick, pa, pb)
		}
	}

	c, _ := NewGenerator(tmpl, "device-43")
	c.SetClock(fixedClock)
	pc, _ := c.Next(0)
	pa, _ := a.Next(0)
	if reflect.DeepEqual(pa, pc) {
		t.Error("different device IDs produced identical payloads")
	}
}

func TestLinearPatternWraps(t *testing.T) {
	lo, hi := 0.0, 10.0
	tmpl := &Template{
		Name: "linear",
		Fields: []Field{
			{Name: "ramp", Type: TypeFloat, Pattern: PatternLinear, Slope: 3, Min: &lo, Max: &hi},
		},
	}
	gen, err := NewGenerator(tmpl, "dev-1")
	if err != nil {
		t.Fatalf("NewGenerator: %v", err)
	}
	gen.SetClock(fixedClock)

	want := []float64{0, 3, 6, 9, 2, 5}
	for tick, expected := range want {
		payload, _ := gen.Next(int64(tick))
		got := payload["ramp"].(float64)
		if math.Abs(got-expected) > 1e-9 {
			t.Errorf("tick %d: got %v, want %v", tick, got, expected)
		}
	}
}

func TestGaussianClampedToBounds(t *testing.T) {
	lo, hi := 30.0, 80.0
	tmpl := &Template{
		Name: "gauss",
		Fields: []Field{
			{Name: "humidity", Type: TypeFloat, Pattern: PatternGaussian, Mean: 55, StdDev: 50, Min: &lo, Max: &hi},
		},
	}
	gen, err := NewGenerator(tmpl, "dev-1")
	if err != nil {
		t.Fatalf("NewGenerator: %v", err)
	}
	gen.SetClock(fixedClock)

	for tick := int64(0); tick < 200; tick++ {
		payload, _ := gen.Next(tick)
		v := payload["humidity"].(float64)
		if v < lo || v > hi {
			t.Fatalf("tick %d: %v outside [%v,%v]", tick, v, lo, hi)
		}
	}
}

func TestIntFieldsTruncate(t *testing.T) {
	tmpl := &Template{
		Name: "ints",
		Fields: []Field{
			{Name: "count", Type: TypeInt, Pattern: PatternConstant, Constant: 7},
		},
	}
	gen, err := NewGenerator(tmpl, "dev-1")
	if err != nil {
		t.Fatalf("NewGenerator: %v", err)
	}
	gen.SetClock(fixedClock)
	payload, _ := gen.Next(0)
	if got, ok := payload["count"].(int64); !ok || got != 7 {
		t.Errorf("count = %v (%T), want int64 7", payload["count"], payload["count"])
	}
}

func TestPayloadAlwaysCarriesTimestamp(t *testing.T) {
	tmpl := &Template{
		Name:   "bare",
		Fields: []Field{{Name: "on", Type: TypeBool, Pattern: PatternConstant, Constant: true}},
	}
	gen, err := NewGenerator(tmpl, "dev-1")
	if err != nil {
		t.Fatalf("NewGenerator: %v", err)
	}
	gen.SetClock(fixedClock)
	payload, _ := gen.Next(0)
	ts, ok := payload["timestamp"].(string)
	if !ok {
		t.Fatalf("timestamp missing from payload: %v", payload)
	}
	if _, err := time.Parse(time.RFC3339Nano, ts); err != nil {
		t.Errorf("timestamp %q not RFC3339: %v", ts, err)
	}
}

func TestNewGeneratorRejectsInvalidTemplate(t *testing.T) {
	tmpl := &Template{
		Name:   "bad",
		Fields: []Field{{Name: "x", Type: TypeFloat, Pattern: PatternSine, Period: 0}},
	}
	if _, err := NewGenerator(tmpl, "dev-1"); !errors.Is(err, ErrInvalidTemplate) {
		t.Errorf("expected ErrInvalidTemplate, got %v", err)
	}
}

func TestBuiltinTemplatesGenerate(t *testing.T) {
	for name, tmpl := range Builtin() {
		gen, err := NewGenerator(tmpl, "dev-1")
		if err != nil {
			t.Fatalf("builtin %q: %v", name, err)
		}
		gen.SetClock(fixedClock)
		payload, err := gen.Next(0)
		if err != nil {
			t.Fatalf("builtin %q Next: %v", name, err)
		}
		if len(payload) < 2 {
			t.Errorf("builtin %q produced %d fields", name, len(payload))
		}
	}
}
