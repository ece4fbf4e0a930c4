package chipset

import (
	"fmt"
	"math/bits"
	"sync"
)

const (
	PrimaryCommandPort   uint16 = 0x20
	PrimaryDataPort      uint16 = 0x21
	SecondaryCommandPort uint16 = 0xa0
	SecondaryDataPort    uint16 = 0xa1
	PrimaryELCRPort      uint16 = 0x4d0
	SecondaryELCRPort    uint16 = 0x4d1

	// CascadeIRQ is the primary input the secondary controller is wired to.
	CascadeIRQ = 2

	picIRQMask     = 0x7
	picSpuriousIRQ = 7
)

// PICStats tracks acknowledge statistics for a DualPIC.
type PICStats struct {
	Spurious     uint64
	Acknowledges uint64
	PerIRQ       [16]uint64
}

// ReadySink receives the level of the PIC "INT" output.
type ReadySink interface {
	SetLevel(level bool)
}

// ReadySinkFunc adapts a function to ReadySink.
type ReadySinkFunc func(level bool)

// SetLevel implements ReadySink.
func (f ReadySinkFunc) SetLevel(level bool) {
	if f != nil {
		f(level)
	}
}

// DualPIC implements the classic pair of cascaded 8259A controllers.
//
// The ready sink is called with the PIC lock held; it must only record the
// level and must not call back into the PIC.
type DualPIC struct {
	mu    sync.Mutex
	ready ReadySink

	pics [2]*pic

	stats PICStats
}

func NewDualPIC() *DualPIC {
	return &DualPIC{
		ready: ReadySinkFunc(nil),
		pics: [2]*pic{
			newPic(true),
			newPic(false),
		},
	}
}

// SetReadySink sets the sink driven by the INT output.
func (p *DualPIC) SetReadySink(sink ReadySink) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if sink == nil {
		p.ready = ReadySinkFunc(nil)
	} else {
		p.ready = sink
	}
	p.syncOutputsLocked()
}

// Reset returns both controllers to the uninitialized state, preserving
// ELCR but clearing input lines.
func (p *DualPIC) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pics[0].reset(false, true)
	p.pics[1].reset(false, true)
	p.stats = PICStats{}
	p.syncOutputsLocked()
}

// IOPorts lists the ports decoded by the pair.
func (p *DualPIC) IOPorts() []uint16 {
	return []uint16{
		PrimaryCommandPort,
		PrimaryDataPort,
		SecondaryCommandPort,
		SecondaryDataPort,
		PrimaryELCRPort,
		SecondaryELCRPort,
	}
}

func (p *DualPIC) ReadIOPort(port uint16, data []byte) error {
	if len(data) != 1 {
		return fmt.Errorf("pic: invalid read size %d", len(data))
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	switch port {
	case PrimaryCommandPort:
		data[0] = p.pics[0].readCommand()
	case PrimaryDataPort:
		data[0] = p.pics[0].imr
	case SecondaryCommandPort:
		data[0] = p.pics[1].readCommand()
	case SecondaryDataPort:
		data[0] = p.pics[1].imr
	case PrimaryELCRPort:
		data[0] = p.pics[0].elcr
	case SecondaryELCRPort:
		data[0] = p.pics[1].elcr
	default:
		return fmt.Errorf("pic: invalid read port 0x%04x", port)
	}
	p.syncOutputsLocked()
	return nil
}

func (p *DualPIC) WriteIOPort(port uint16, data []byte) error {
	if len(data) != 1 {
		return fmt.Errorf("pic: invalid write size %d", len(data))
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	switch port {
	case PrimaryCommandPort:
		p.pics[0].writeCommand(data[0])
	case PrimaryDataPort:
		p.pics[0].writeData(data[0])
	case SecondaryCommandPort:
		p.pics[1].writeCommand(data[0])
	case SecondaryDataPort:
		p.pics[1].writeData(data[0])
	case PrimaryELCRPort:
		p.pics[0].elcr = data[0]
	case SecondaryELCRPort:
		p.pics[1].elcr = data[0]
	default:
		return fmt.Errorf("pic: invalid write port 0x%04x", port)
	}

	p.syncOutputsLocked()
	return nil
}

func (p *DualPIC) syncOutputsLocked() {
	cascade := p.pics[1].interruptPending()
	p.pics[0].setIRQ(CascadeIRQ, cascade)
	p.ready.SetLevel(p.pics[0].interruptPending())
}

// SetIRQ drives input line 0-15. Lines 8-15 belong to the secondary.
func (p *DualPIC) SetIRQ(line uint8, level bool) {
	if line >= 16 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if line >= 8 {
		p.pics[1].setIRQ(line-8, level)
	} else {
		p.pics[0].setIRQ(line, level)
	}
	p.syncOutputsLocked()
}

// Pending reports whether an unmasked request is waiting for the CPU.
func (p *DualPIC) Pending() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pics[0].interruptPending()
}

// Acknowledge performs the INTA cycle. It reports whether a real request
// was pending and the vector the CPU should take.
func (p *DualPIC) Acknowledge() (bool, uint8) {
	p.mu.Lock()
	defer p.mu.Unlock()
	defer p.syncOutputsLocked()

	requested, vec := p.pics[0].acknowledgeInterrupt()
	if !requested {
		p.stats.Spurious++
		return false, vec
	}
	line := vec & picIRQMask
	if line == CascadeIRQ {
		secRequested, secVec := p.pics[1].acknowledgeInterrupt()
		if !secRequested {
			p.stats.Spurious++
			return false, secVec
		}
		vec = secVec
		line = 8 + secVec&picIRQMask
	}
	p.stats.Acknowledges++
	p.stats.PerIRQ[line]++
	return true, vec
}

// Stats returns a copy of the acknowledge counters.
func (p *DualPIC) Stats() PICStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

func (p *DualPIC) String() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return fmt.Sprintf("PIC(primary=%v, secondary=%v)", p.pics[0], p.pics[1])
}

// pic models a single 8259A.
type pic struct {
	primary bool

	initStage initStage
	icw2      byte
	imr       byte
	ocw3      ocw3
	isr       byte
	elcr      byte
	lines     byte
	lineLow   byte

	specialMask bool
}

func newPic(primary bool) *pic {
	icw2 := byte(0)
	if !primary {
		icw2 = 8
	}
	return &pic{
		primary:   primary,
		initStage: initUninitialized,
		icw2:      icw2,
		lineLow:   0xff,
	}
}

func (p *pic) String() string {
	return fmt.Sprintf("{stage=%d base=%#x imr=%#02x irr=%#02x isr=%#02x}",
		p.initStage, p.icw2, p.imr, p.irr(), p.isr)
}

func (p *pic) reset(preserveLines, preserveELCR bool) {
	lines := p.lines
	elcr := p.elcr
	*p = *newPic(p.primary)
	if preserveLines {
		p.lines = lines
	}
	if preserveELCR {
		p.elcr = elcr
	}
}

// irr is the request register. Edge-triggered inputs only count when the
// line was seen low since the last acknowledge; ELCR marks level-triggered
// inputs.
func (p *pic) irr() byte {
	return p.lines & (p.elcr | p.lineLow)
}

func (p *pic) setIRQ(line uint8, high bool) {
	bit := byte(1 << line)
	if high {
		p.lines |= bit
	} else {
		p.lines &^= bit
		p.lineLow |= bit
	}
}

func (p *pic) readyVec() byte {
	highestISR := lowestSetBit(p.isr)
	higherNotISR := highestISR - 1
	maskedIRR := p.irr()
	if !p.specialMask {
		maskedIRR &^= p.imr
	}
	return maskedIRR & higherNotISR
}

func (p *pic) interruptPending() bool {
	return p.readyVec() != 0
}

func (p *pic) acknowledgeInterrupt() (bool, uint8) {
	vec := p.readyVec()
	if vec == 0 {
		return false, p.icw2 | picSpuriousIRQ
	}
	line := byte(bits.TrailingZeros8(vec))
	bit := byte(1 << line)
	p.lineLow &^= bit
	p.isr |= bit
	return true, p.icw2 | line
}

func (p *pic) eoi(line *byte) {
	var mask byte
	if line != nil {
		mask = 1 << *line
	} else {
		mask = lowestSetBit(p.isr)
	}
	p.isr &^= mask
}

func (p *pic) readCommand() byte {
	if p.ocw3.poll() {
		p.ocw3.setPoll(false)
		requested, vec := p.acknowledgeInterrupt()
		val := byte(0)
		if requested {
			val = 1 << 7
		}
		return val | vec&picIRQMask
	}
	if p.ocw3.rr() {
		if p.ocw3.ris() {
			return p.isr
		}
		return p.irr()
	}
	return 0
}

func (p *pic) writeCommand(value byte) {
	const (
		initBit    = 0x10
		commandBit = 0x08
	)

	if value&initBit != 0 {
		p.reset(true, true)
		p.initStage = initExpectingICW2
		return
	}

	if p.initStage != initInitialized {
		// OCWs delivered before init completes are ignored.
		return
	}

	if value&commandBit == 0 {
		ocw := ocw2(value)
		switch {
		case ocw.EOI() && ocw.SL():
			line := ocw.Level()
			p.eoi(&line)
		case ocw.EOI():
			p.eoi(nil)
		}
		return
	}

	ocw := ocw3(value)
	if ocw.SpecialMaskEnabled() {
		p.specialMask = ocw.SpecialMask()
	}
	p.ocw3 = ocw
}

func (p *pic) writeData(value byte) {
	switch p.initStage {
	case initUninitialized, initInitialized:
		p.imr = value
	case initExpectingICW2:
		if value&picIRQMask != 0 {
			return
		}
		p.icw2 = value &^ picIRQMask
		p.initStage = initExpectingICW3
	case initExpectingICW3:
		// For primary, expect bit 2 set; for secondary expect value 2.
		if p.primary {
			if value != (1 << CascadeIRQ) {
				return
			}
		} else if value != CascadeIRQ {
			return
		}
		p.initStage = initExpectingICW4
	case initExpectingICW4:
		if value != 1 && value != 3 {
			return
		}
		p.initStage = initInitialized
	}
}

type initStage int

const (
	initUninitialized initStage = iota
	initExpectingICW2
	initExpectingICW3
	initExpectingICW4
	initInitialized
)

type ocw2 byte

type ocw3 byte

func (o ocw2) Level() byte { return byte(o) & 0x07 }
func (o ocw2) SL() bool    { return byte(o)&0x40 != 0 }
func (o ocw2) EOI() bool   { return byte(o)&0x20 != 0 }

func (o ocw3) rr() bool  { return byte(o)&0x02 != 0 }
func (o ocw3) ris() bool { return byte(o)&0x01 != 0 }
func (o ocw3) poll() bool {
	return byte(o)&0x04 != 0
}
func (o *ocw3) setPoll(v bool) {
	if v {
		*o |= 0x04
	} else {
		*o &^= 0x04
	}
}
func (o ocw3) SpecialMask() bool        { return byte(o)&0x20 != 0 }
func (o ocw3) SpecialMaskEnabled() bool { return byte(o)&0x40 != 0 }

func lowestSetBit(b byte) byte {
	return b & byte(-int8(b))
}
