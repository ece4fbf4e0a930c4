package chipset

import "sync"

// LineSet hands out LineInterrupt handles for the input pins of one
// controller model and forwards level changes to it. Redundant level
// changes are filtered; pulses always reach the sink.
type LineSet struct {
	mu sync.Mutex

	sink      InterruptSink
	eoiTarget EOITarget

	levels map[uint8]bool
	eoi    map[uint8][]func()
}

// NewLineSet builds a LineSet that forwards assertions to sink.
func NewLineSet(sink InterruptSink) *LineSet {
	if sink == nil {
		sink = InterruptSinkFunc(nil)
	}
	return &LineSet{
		sink:   sink,
		levels: make(map[uint8]bool),
		eoi:    make(map[uint8][]func()),
	}
}

// AttachEOITarget wires EOI broadcasts to a controller that tracks
// in-service state per vector (the IO-APIC remote IRR).
func (l *LineSet) AttachEOITarget(target EOITarget) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.eoiTarget = target
}

// Line returns the handle for pin.
func (l *LineSet) Line(pin uint8) LineInterrupt {
	return &lineHandle{owner: l, pin: pin}
}

// Level reports the last level driven on pin.
func (l *LineSet) Level(pin uint8) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.levels[pin]
}

// OnEOI registers fn to run whenever an EOI for vector is broadcast.
func (l *LineSet) OnEOI(vector uint8, fn func()) {
	if fn == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.eoi[vector] = append(l.eoi[vector], fn)
}

// BroadcastEOI signals end of interrupt for vector.
func (l *LineSet) BroadcastEOI(vector uint8) {
	l.mu.Lock()
	callbacks := append([]func(){}, l.eoi[vector]...)
	target := l.eoiTarget
	l.mu.Unlock()
	if target != nil {
		target.HandleEOI(uint32(vector))
	}
	for _, fn := range callbacks {
		fn()
	}
}

// EOITarget receives EOI broadcasts.
type EOITarget interface {
	HandleEOI(vector uint32)
}

type lineHandle struct {
	owner *LineSet
	pin   uint8
}

func (h *lineHandle) SetLevel(high bool) {
	h.owner.setLevel(h.pin, high)
}

func (h *lineHandle) PulseInterrupt() {
	h.owner.pulse(h.pin)
}

func (l *LineSet) setLevel(pin uint8, high bool) {
	l.mu.Lock()
	changed := l.levels[pin] != high
	l.levels[pin] = high
	l.mu.Unlock()

	if changed {
		l.sink.SetIRQ(pin, high)
	}
}

func (l *LineSet) pulse(pin uint8) {
	l.mu.Lock()
	l.levels[pin] = false
	l.mu.Unlock()

	l.sink.SetIRQ(pin, true)
	l.sink.SetIRQ(pin, false)
}
