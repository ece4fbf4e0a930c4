// Package pic drives the host-interface interrupt through a cascaded 8259A
// pair.
//
// Sources use controller id 0 and lines 0-15, except line 2 which carries
// the cascade. The IP core holds its request line high until the handler
// has run, so a request raised while its line is masked stays latched in
// the request register and is delivered as soon as the line is unmasked.
package pic

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/tinyrange/hostif/internal/chipset"
	devchipset "github.com/tinyrange/hostif/internal/devices/amd64/chipset"
	"github.com/tinyrange/hostif/internal/irq"
)

// DefaultVectorBase is the vector programmed for line 0.
const DefaultVectorBase = 0x30

// ErrInvalidSource is returned for sources this controller does not own.
var ErrInvalidSource = errors.New("pic: invalid source")

// Config configures the controller.
type Config struct {
	// VectorBase is the vector for line 0; lines 8-15 use VectorBase+8.
	// The low three bits must be zero. Zero selects DefaultVectorBase.
	VectorBase uint8
	Logger     *slog.Logger
}

type handler struct {
	fn  irq.Handler
	arg any
}

// Controller is an irq.Controller backed by a DualPIC model.
type Controller struct {
	mu       sync.Mutex
	handlers [16]handler

	dev   *devchipset.DualPIC
	lines *chipset.LineSet
	base  uint8
	log   *slog.Logger

	// intr mirrors the PIC INT output.
	intr atomic.Bool
	// cpu serializes acknowledge cycles.
	cpu sync.Mutex
}

// New programs a fresh DualPIC with every line masked except the cascade.
func New(cfg Config) (*Controller, error) {
	base := cfg.VectorBase
	if base == 0 {
		base = DefaultVectorBase
	}
	if base&0x7 != 0 {
		return nil, fmt.Errorf("pic: vector base %#x is not 8-aligned", base)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	dev := devchipset.NewDualPIC()
	c := &Controller{
		dev:   dev,
		lines: chipset.NewLineSet(dev),
		base:  base,
		log:   logger,
	}
	dev.SetReadySink(devchipset.ReadySinkFunc(c.intr.Store))

	program := []struct {
		port  uint16
		value byte
	}{
		{devchipset.PrimaryCommandPort, 0x11},
		{devchipset.PrimaryDataPort, base},
		{devchipset.PrimaryDataPort, 1 << devchipset.CascadeIRQ},
		{devchipset.PrimaryDataPort, 0x01},
		{devchipset.SecondaryCommandPort, 0x11},
		{devchipset.SecondaryDataPort, base + 8},
		{devchipset.SecondaryDataPort, devchipset.CascadeIRQ},
		{devchipset.SecondaryDataPort, 0x01},
		{devchipset.PrimaryDataPort, 0xff &^ (1 << devchipset.CascadeIRQ)},
		{devchipset.SecondaryDataPort, 0xff},
	}
	for _, w := range program {
		if err := dev.WriteIOPort(w.port, []byte{w.value}); err != nil {
			return nil, fmt.Errorf("pic: program controller: %w", err)
		}
	}
	return c, nil
}

// Device returns the underlying 8259A model.
func (c *Controller) Device() *devchipset.DualPIC { return c.dev }

// Stats returns the model's acknowledge counters.
func (c *Controller) Stats() devchipset.PICStats { return c.dev.Stats() }

func (c *Controller) validate(src irq.Source) (uint8, error) {
	if src.Controller != 0 || src.Line >= 16 || src.Line == devchipset.CascadeIRQ {
		return 0, fmt.Errorf("%w: %s", ErrInvalidSource, src)
	}
	return uint8(src.Line), nil
}

// RegisterHandler implements irq.Controller.
func (c *Controller) RegisterHandler(src irq.Source, fn irq.Handler, arg any) error {
	line, err := c.validate(src)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if fn == nil {
		c.handlers[line] = handler{}
		return nil
	}
	c.handlers[line] = handler{fn: fn, arg: arg}
	return nil
}

// EnableLine implements irq.Controller. Latched requests for the line are
// serviced before EnableLine returns.
func (c *Controller) EnableLine(src irq.Source) error {
	line, err := c.validate(src)
	if err != nil {
		return err
	}
	if err := c.setMasked(line, false); err != nil {
		return err
	}
	c.service()
	return nil
}

// DisableLine implements irq.Controller.
func (c *Controller) DisableLine(src irq.Source) error {
	line, err := c.validate(src)
	if err != nil {
		return err
	}
	return c.setMasked(line, true)
}

// Masked reports the IMR bit for src.
func (c *Controller) Masked(src irq.Source) (bool, error) {
	line, err := c.validate(src)
	if err != nil {
		return false, err
	}
	port, bit := imrPort(line)
	var buf [1]byte
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.dev.ReadIOPort(port, buf[:]); err != nil {
		return false, fmt.Errorf("pic: read IMR: %w", err)
	}
	return buf[0]&bit != 0, nil
}

// Fire raises the IP core's request on src and services it if unmasked.
// It must not be called from a handler.
func (c *Controller) Fire(src irq.Source) error {
	line, err := c.validate(src)
	if err != nil {
		return err
	}
	c.lines.Line(line).SetLevel(true)
	c.service()
	return nil
}

func imrPort(line uint8) (uint16, byte) {
	if line >= 8 {
		return devchipset.SecondaryDataPort, 1 << (line - 8)
	}
	return devchipset.PrimaryDataPort, 1 << line
}

func (c *Controller) setMasked(line uint8, masked bool) error {
	port, bit := imrPort(line)

	c.mu.Lock()
	defer c.mu.Unlock()

	var buf [1]byte
	if err := c.dev.ReadIOPort(port, buf[:]); err != nil {
		return fmt.Errorf("pic: read IMR: %w", err)
	}
	if masked {
		buf[0] |= bit
	} else {
		buf[0] &^= bit
	}
	if err := c.dev.WriteIOPort(port, buf[:]); err != nil {
		return fmt.Errorf("pic: write IMR: %w", err)
	}
	return nil
}

// service runs acknowledge cycles until the INT output drops.
func (c *Controller) service() {
	c.cpu.Lock()
	defer c.cpu.Unlock()

	for c.intr.Load() {
		requested, vec := c.dev.Acknowledge()
		if !requested {
			c.log.Debug("pic: spurious interrupt", "vector", vec)
			return
		}
		line := vec - c.base

		c.mu.Lock()
		h := c.handlers[line]
		c.mu.Unlock()

		if h.fn != nil {
			h.fn(h.arg)
		} else {
			c.log.Debug("pic: interrupt with no handler", "line", line)
		}

		c.lines.Line(line).SetLevel(false)
		if err := c.eoi(line); err != nil {
			c.log.Warn("pic: end of interrupt failed", "line", line, "error", err)
			return
		}
	}
}

func (c *Controller) eoi(line uint8) error {
	const specificEOI = 0x60
	if line >= 8 {
		if err := c.dev.WriteIOPort(devchipset.SecondaryCommandPort, []byte{specificEOI | (line - 8)}); err != nil {
			return err
		}
		line = devchipset.CascadeIRQ
	}
	return c.dev.WriteIOPort(devchipset.PrimaryCommandPort, []byte{specificEOI | line})
}

var (
	_ irq.Controller = (*Controller)(nil)
	_ irq.Simulator  = (*Controller)(nil)
)
