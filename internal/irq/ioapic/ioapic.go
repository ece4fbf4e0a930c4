// Package ioapic drives the host-interface interrupt through an IO-APIC
// redirection entry.
//
// The source's controller id is the IO-APIC id and its line is the input
// pin. Entries are edge-triggered and the IP core pulses its pin, so a
// request that arrives while the entry is masked is lost: unmasking does not
// replay it.
package ioapic

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/tinyrange/hostif/internal/chipset"
	devchipset "github.com/tinyrange/hostif/internal/devices/amd64/chipset"
	"github.com/tinyrange/hostif/internal/irq"
)

const (
	DefaultEntries    = 24
	DefaultVectorBase = 0x40

	// maxEntries keeps every redirection register index within a byte.
	maxEntries = 120
)

// ErrInvalidSource is returned for sources this controller does not own.
var ErrInvalidSource = errors.New("ioapic: invalid source")

// Config configures the controller.
type Config struct {
	ID         uint8
	Entries    int
	VectorBase uint8
	Logger     *slog.Logger
}

type handler struct {
	fn  irq.Handler
	arg any
}

type delivery struct {
	line   uint8
	vector uint8
}

// Controller is an irq.Controller backed by an IO-APIC model.
type Controller struct {
	mu       sync.Mutex
	handlers []handler

	dev   *devchipset.IOAPIC
	lines *chipset.LineSet
	id    uint8
	base  uint8
	log   *slog.Logger

	qmu   sync.Mutex
	queue []delivery

	cpu sync.Mutex
}

// New builds an IO-APIC with every entry programmed to vector
// VectorBase+pin, edge-triggered and masked.
func New(cfg Config) (*Controller, error) {
	entries := cfg.Entries
	if entries <= 0 {
		entries = DefaultEntries
	}
	base := cfg.VectorBase
	if base == 0 {
		base = DefaultVectorBase
	}
	if entries > maxEntries {
		return nil, fmt.Errorf("ioapic: %d entries exceeds %d", entries, maxEntries)
	}
	if int(base)+entries > 256 {
		return nil, fmt.Errorf("ioapic: vectors %#x+%d overflow the vector space", base, entries)
	}
	if cfg.ID > 0x0f {
		return nil, fmt.Errorf("ioapic: id %d does not fit in 4 bits", cfg.ID)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	dev := devchipset.NewIOAPIC(cfg.ID, entries)
	c := &Controller{
		handlers: make([]handler, entries),
		dev:      dev,
		lines:    chipset.NewLineSet(dev),
		id:       cfg.ID,
		base:     base,
		log:      logger,
	}
	dev.SetRouting(devchipset.IoApicRoutingFunc(c.route))
	c.lines.AttachEOITarget(dev)

	for pin := 0; pin < entries; pin++ {
		if err := c.writeEntry(uint8(pin), uint32(base)+uint32(pin)|devchipset.RedirectionMasked); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Device returns the underlying IO-APIC model.
func (c *Controller) Device() *devchipset.IOAPIC { return c.dev }

func (c *Controller) validate(src irq.Source) (uint8, error) {
	if src.Controller != uint32(c.id) || src.Line >= uint32(len(c.handlers)) {
		return 0, fmt.Errorf("%w: %s", ErrInvalidSource, src)
	}
	return uint8(src.Line), nil
}

// RegisterHandler implements irq.Controller.
func (c *Controller) RegisterHandler(src irq.Source, fn irq.Handler, arg any) error {
	pin, err := c.validate(src)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if fn == nil {
		c.handlers[pin] = handler{}
		return nil
	}
	c.handlers[pin] = handler{fn: fn, arg: arg}
	return nil
}

// EnableLine implements irq.Controller.
func (c *Controller) EnableLine(src irq.Source) error {
	pin, err := c.validate(src)
	if err != nil {
		return err
	}
	return c.setMasked(pin, false)
}

// DisableLine implements irq.Controller.
func (c *Controller) DisableLine(src irq.Source) error {
	pin, err := c.validate(src)
	if err != nil {
		return err
	}
	return c.setMasked(pin, true)
}

// Masked reports the mask bit of the entry for src.
func (c *Controller) Masked(src irq.Source) (bool, error) {
	pin, err := c.validate(src)
	if err != nil {
		return false, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	low, err := c.readEntry(pin)
	if err != nil {
		return false, err
	}
	return low&devchipset.RedirectionMasked != 0, nil
}

// Fire pulses the pin for src and runs the handler if the entry delivered
// it. It must not be called from a handler.
func (c *Controller) Fire(src irq.Source) error {
	pin, err := c.validate(src)
	if err != nil {
		return err
	}
	c.lines.Line(pin).PulseInterrupt()
	c.drain()
	return nil
}

// route is called by the IO-APIC with its lock held.
func (c *Controller) route(line uint8, vector uint8, level bool) {
	c.qmu.Lock()
	c.queue = append(c.queue, delivery{line: line, vector: vector})
	c.qmu.Unlock()
}

func (c *Controller) drain() {
	c.cpu.Lock()
	defer c.cpu.Unlock()

	for {
		c.qmu.Lock()
		if len(c.queue) == 0 {
			c.qmu.Unlock()
			return
		}
		d := c.queue[0]
		c.queue = c.queue[1:]
		c.qmu.Unlock()

		c.mu.Lock()
		h := c.handlers[d.line]
		c.mu.Unlock()

		if h.fn != nil {
			h.fn(h.arg)
		} else {
			c.log.Debug("ioapic: interrupt with no handler", "pin", d.line, "vector", d.vector)
		}
		c.lines.BroadcastEOI(d.vector)
	}
}

func (c *Controller) setMasked(pin uint8, masked bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	low, err := c.readEntry(pin)
	if err != nil {
		return err
	}
	if masked {
		low |= devchipset.RedirectionMasked
	} else {
		low &^= devchipset.RedirectionMasked
	}
	return c.writeEntry(pin, low)
}

func (c *Controller) selectEntry(pin uint8) error {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], uint32(devchipset.IOAPICRedirectionTableBase+2*pin))
	if err := c.dev.WriteMMIO(c.dev.Base()+devchipset.IOAPICRegisterSelect, buf[:]); err != nil {
		return fmt.Errorf("ioapic: select entry %d: %w", pin, err)
	}
	return nil
}

func (c *Controller) readEntry(pin uint8) (uint32, error) {
	if err := c.selectEntry(pin); err != nil {
		return 0, err
	}
	var buf [4]byte
	if err := c.dev.ReadMMIO(c.dev.Base()+devchipset.IOAPICRegisterData, buf[:]); err != nil {
		return 0, fmt.Errorf("ioapic: read entry %d: %w", pin, err)
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}

func (c *Controller) writeEntry(pin uint8, low uint32) error {
	if err := c.selectEntry(pin); err != nil {
		return err
	}
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], low)
	if err := c.dev.WriteMMIO(c.dev.Base()+devchipset.IOAPICRegisterData, buf[:]); err != nil {
		return fmt.Errorf("ioapic: write entry %d: %w", pin, err)
	}
	return nil
}

var (
	_ irq.Controller = (*Controller)(nil)
	_ irq.Simulator  = (*Controller)(nil)
)
