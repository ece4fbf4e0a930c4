package chipset

import "testing"

type sinkCall struct {
	pin   uint8
	level bool
}

type testSink struct {
	calls []sinkCall
}

func (s *testSink) SetIRQ(pin uint8, level bool) {
	s.calls = append(s.calls, sinkCall{pin: pin, level: level})
}

func TestLineSetFiltersRedundantLevels(t *testing.T) {
	sink := &testSink{}
	lines := NewLineSet(sink)
	line := lines.Line(4)

	line.SetLevel(true)
	line.SetLevel(true)
	line.SetLevel(false)
	line.SetLevel(false)

	want := []sinkCall{{4, true}, {4, false}}
	if len(sink.calls) != len(want) {
		t.Fatalf("sink saw %v, want %v", sink.calls, want)
	}
	for i := range want {
		if sink.calls[i] != want[i] {
			t.Fatalf("call %d = %v, want %v", i, sink.calls[i], want[i])
		}
	}
}

func TestLineSetPulseAlwaysForwarded(t *testing.T) {
	sink := &testSink{}
	lines := NewLineSet(sink)
	line := lines.Line(1)

	line.PulseInterrupt()
	line.PulseInterrupt()
	if len(sink.calls) != 4 {
		t.Fatalf("expected two full pulses, got %v", sink.calls)
	}
	if lines.Level(1) {
		t.Fatalf("line left high after pulse")
	}
}

type eoiRecorder struct {
	vectors []uint32
}

func (r *eoiRecorder) HandleEOI(vector uint32) {
	r.vectors = append(r.vectors, vector)
}

func TestLineSetBroadcastEOI(t *testing.T) {
	lines := NewLineSet(nil)
	target := &eoiRecorder{}
	lines.AttachEOITarget(target)

	var hits int
	lines.OnEOI(0x41, func() { hits++ })
	lines.OnEOI(0x41, nil)

	lines.BroadcastEOI(0x41)
	lines.BroadcastEOI(0x42)

	if hits != 1 {
		t.Fatalf("EOI callback ran %d times, want 1", hits)
	}
	if len(target.vectors) != 2 || target.vectors[0] != 0x41 || target.vectors[1] != 0x42 {
		t.Fatalf("EOI target saw %v", target.vectors)
	}
}

func TestDetachedAndFuncLines(t *testing.T) {
	LineInterruptDetached().PulseInterrupt()

	var levels []bool
	line := LineInterruptFromFunc(func(high bool) { levels = append(levels, high) })
	line.PulseInterrupt()
	if len(levels) != 2 || !levels[0] || levels[1] {
		t.Fatalf("pulse produced %v", levels)
	}
}
