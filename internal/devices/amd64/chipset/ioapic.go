package chipset

import (
	"encoding/binary"
	"fmt"
	"sync"
)

const (
	// IOAPICBaseAddress is the legacy MMIO base for the first IO-APIC.
	IOAPICBaseAddress uint64 = 0xFEC00000

	ioapicRegisterWindowSize = 0x20

	IOAPICRegisterSelect = 0x00
	IOAPICRegisterData   = 0x10

	ioapicIDRegister           = 0x00
	ioapicVersionRegister      = 0x01
	ioapicArbitrationRegister  = 0x02
	IOAPICRedirectionTableBase = 0x10

	ioapicVersion = 0x11

	// Redirection entry bits.
	RedirectionRemoteIRR = 1 << 14
	RedirectionLevel     = 1 << 15
	RedirectionMasked    = 1 << 16
)

const (
	deliveryModeFixed          = 0x0
	deliveryModeLowestPriority = 0x1
)

// Redirection bits that software is permitted to write.
const redirectionWriteMask uint64 = 0xFFFF0000000000FF |
	(0x7 << 8) | // delivery mode
	(1 << 11) | // destination mode
	(1 << 13) | // polarity
	(1 << 15) | // trigger mode
	(1 << 16) // mask bit

// IoApicRouting receives interrupts the IO-APIC decides to deliver.
type IoApicRouting interface {
	// Assert delivers vector for input pin line. level is true when the
	// entry is level-triggered and now waits for an EOI.
	Assert(line uint8, vector uint8, level bool)
}

// IoApicRoutingFunc adapts a function to IoApicRouting.
type IoApicRoutingFunc func(line uint8, vector uint8, level bool)

// Assert implements IoApicRouting.
func (f IoApicRoutingFunc) Assert(line uint8, vector uint8, level bool) {
	if f != nil {
		f(line, vector, level)
	}
}

// IOAPIC emulates the x86 IO-APIC register window.
//
// The routing target is called with the IO-APIC lock held and must not
// call back into it.
type IOAPIC struct {
	mu sync.Mutex

	base    uint64
	entries []irqRedirection
	index   uint8
	id      uint8

	routing    IoApicRouting
	interrupts uint64
}

// NewIOAPIC builds an IO-APIC with the given id exposing numEntries
// redirection slots at IOAPICBaseAddress. Every entry starts masked.
func NewIOAPIC(id uint8, numEntries int) *IOAPIC {
	if numEntries <= 0 {
		numEntries = 24
	}
	entries := make([]irqRedirection, numEntries)
	for i := range entries {
		entries[i] = newIRQRedirection()
	}
	return &IOAPIC{
		base:    IOAPICBaseAddress,
		entries: entries,
		id:      id & 0x0f,
		routing: IoApicRoutingFunc(nil),
	}
}

// ID returns the IO-APIC id.
func (i *IOAPIC) ID() uint8 {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.id
}

// Base returns the MMIO base address.
func (i *IOAPIC) Base() uint64 { return i.base }

// Entries returns the number of redirection entries.
func (i *IOAPIC) Entries() int { return len(i.entries) }

// Interrupts returns how many interrupts have been delivered.
func (i *IOAPIC) Interrupts() uint64 {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.interrupts
}

// SetRouting overrides the destination used when an interrupt fires.
func (i *IOAPIC) SetRouting(r IoApicRouting) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if r == nil {
		i.routing = IoApicRoutingFunc(nil)
	} else {
		i.routing = r
	}
}

// HandleEOI clears remote-IRR for any line that was targeting the supplied
// vector and re-evaluates pending level-triggered interrupts.
func (i *IOAPIC) HandleEOI(vector uint32) {
	i.mu.Lock()
	defer i.mu.Unlock()
	for line := range i.entries {
		entry := &i.entries[line]
		if entry.redirection.vector() == uint8(vector) {
			entry.redirection.setRemoteIRR(false)
			i.evaluateLocked(uint8(line), false)
		}
	}
}

// SetIRQ changes the level of an input pin.
func (i *IOAPIC) SetIRQ(line uint8, high bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if int(line) >= len(i.entries) {
		return
	}
	entry := &i.entries[line]
	if high {
		edge := !entry.lineLevel
		entry.lineLevel = true
		i.evaluateLocked(line, edge)
	} else {
		entry.lineLevel = false
	}
}

func (i *IOAPIC) ReadMMIO(addr uint64, data []byte) error {
	if !i.inRange(addr, uint64(len(data))) {
		return fmt.Errorf("ioapic: read outside MMIO window: 0x%x", addr)
	}

	offset := addr - i.base
	var value uint32

	i.mu.Lock()
	switch offset {
	case IOAPICRegisterSelect:
		value = uint32(i.index)
	case IOAPICRegisterData:
		value = i.readRegister(i.index)
	default:
		i.mu.Unlock()
		return fmt.Errorf("ioapic: invalid read offset 0x%x", offset)
	}
	i.mu.Unlock()

	var buf [8]byte
	binary.LittleEndian.PutUint32(buf[:], value)
	copy(data, buf[:])
	return nil
}

func (i *IOAPIC) WriteMMIO(addr uint64, data []byte) error {
	if !i.inRange(addr, uint64(len(data))) {
		return fmt.Errorf("ioapic: write outside MMIO window: 0x%x", addr)
	}
	offset := addr - i.base

	i.mu.Lock()
	defer i.mu.Unlock()

	switch offset {
	case IOAPICRegisterSelect:
		if len(data) == 0 {
			return fmt.Errorf("ioapic: empty write to select register")
		}
		i.index = data[0]
	case IOAPICRegisterData:
		if len(data) != 4 && len(data) != 8 {
			return fmt.Errorf("ioapic: invalid data register write size %d", len(data))
		}
		i.writeRegister(i.index, binary.LittleEndian.Uint32(data))
	default:
		return fmt.Errorf("ioapic: invalid write offset 0x%x", offset)
	}
	return nil
}

func (i *IOAPIC) readRegister(index uint8) uint32 {
	switch {
	case index == ioapicIDRegister:
		return uint32(i.id&0x0f) << 24
	case index == ioapicVersionRegister:
		return uint32(ioapicVersion) | uint32(len(i.entries)-1)<<16
	case index == ioapicArbitrationRegister:
		return 0
	case index >= IOAPICRedirectionTableBase:
		return i.readRedirection(index - IOAPICRedirectionTableBase)
	default:
		return 0
	}
}

func (i *IOAPIC) writeRegister(index uint8, value uint32) {
	switch {
	case index == ioapicIDRegister:
		i.id = uint8((value >> 24) & 0x0f)
	case index == ioapicVersionRegister, index == ioapicArbitrationRegister:
		// Read-only in hardware, ignore.
	case index >= IOAPICRedirectionTableBase:
		i.writeRedirection(index-IOAPICRedirectionTableBase, value)
	}
}

func (i *IOAPIC) readRedirection(index uint8) uint32 {
	entry := i.entryForIndex(index)
	if entry == nil {
		return 0
	}
	raw := entry.redirection.value
	if index&1 == 1 {
		return uint32(raw >> 32)
	}
	return uint32(raw)
}

func (i *IOAPIC) writeRedirection(index uint8, value uint32) {
	entry := i.entryForIndex(index)
	if entry == nil {
		return
	}

	raw := entry.redirection.value
	val := uint64(value)
	lowMask := redirectionWriteMask & 0xffffffff
	highMask := redirectionWriteMask & 0xffffffff00000000

	if index&1 == 1 {
		raw &^= highMask
		raw |= (val << 32) & highMask
	} else {
		raw &^= lowMask
		raw |= val & lowMask
	}
	entry.redirection.value = raw

	// Edges that arrived while masked are gone. Level entries whose line is
	// still high are delivered on unmask.
	i.evaluateLocked(index/2, false)
}

func (i *IOAPIC) entryForIndex(index uint8) *irqRedirection {
	n := int(index / 2)
	if n >= len(i.entries) {
		return nil
	}
	return &i.entries[n]
}

func (i *IOAPIC) inRange(addr uint64, size uint64) bool {
	if addr < i.base {
		return false
	}
	return addr+size <= i.base+ioapicRegisterWindowSize
}

func (i *IOAPIC) evaluateLocked(line uint8, edge bool) {
	r := &i.entries[line]
	if r.redirection.masked() {
		return
	}
	isLevel := r.redirection.isLevelCapable()
	switch {
	case isLevel && (!r.lineLevel || r.redirection.remoteIRR()):
		return
	case !isLevel && !edge:
		return
	}

	r.redirection.setRemoteIRR(isLevel)
	i.interrupts++
	i.routing.Assert(line, r.redirection.vector(), isLevel)
}

type irqRedirection struct {
	redirection redirectionEntry
	lineLevel   bool
}

func newIRQRedirection() irqRedirection {
	return irqRedirection{
		redirection: redirectionEntry{value: 1<<11 | RedirectionMasked},
	}
}

type redirectionEntry struct {
	value uint64
}

func (r redirectionEntry) vector() uint8 {
	return uint8(r.value & 0xff)
}

func (r redirectionEntry) deliveryMode() uint8 {
	return uint8((r.value >> 8) & 0x7)
}

func (r redirectionEntry) masked() bool {
	return r.value&RedirectionMasked != 0
}

func (r redirectionEntry) remoteIRR() bool {
	return r.value&RedirectionRemoteIRR != 0
}

func (r *redirectionEntry) setRemoteIRR(val bool) {
	if val {
		r.value |= RedirectionRemoteIRR
	} else {
		r.value &^= RedirectionRemoteIRR
	}
}

func (r redirectionEntry) isLevelCapable() bool {
	if r.value&RedirectionLevel == 0 {
		return false
	}
	mode := r.deliveryMode()
	return mode == deliveryModeFixed || mode == deliveryModeLowestPriority
}
