// Package sim implements a software interrupt controller. It stands in for
// the platform controller in tests and in the soak command, and can be
// configured to reproduce the platform behaviours the irq package has to
// live with: latched or dropped requests while masked, handler tables that
// cannot be cleared, and non-idempotent mask registers.
package sim

import (
	"fmt"
	"sync"

	"github.com/tinyrange/hostif/internal/irq"
)

// Policy selects what happens to a request that fires while its source is
// masked.
type Policy int

const (
	// Latch keeps one pending request and delivers it when unmasked.
	Latch Policy = iota
	// Drop discards the request.
	Drop
)

func (p Policy) String() string {
	switch p {
	case Latch:
		return "latch"
	case Drop:
		return "drop"
	default:
		return fmt.Sprintf("Policy(%d)", int(p))
	}
}

// ParsePolicy converts a configuration name to a Policy.
func ParsePolicy(name string) (Policy, error) {
	switch name {
	case "", "latch":
		return Latch, nil
	case "drop":
		return Drop, nil
	default:
		return 0, fmt.Errorf("sim: unknown masked-fire policy %q", name)
	}
}

// Op identifies a controller primitive for fault injection.
type Op int

const (
	OpRegister Op = iota
	OpEnable
	OpDisable
)

func (o Op) String() string {
	switch o {
	case OpRegister:
		return "register"
	case OpEnable:
		return "enable"
	case OpDisable:
		return "disable"
	default:
		return fmt.Sprintf("Op(%d)", int(o))
	}
}

// Platform status codes, negative errno values as returned by vendor HALs.
const (
	CodeBusy    = -16
	CodeInvalid = -22
	CodeNoSpace = -28
)

// StatusError is a non-zero platform status.
type StatusError struct {
	Op     Op
	Source irq.Source
	Code   int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("sim: %s %s: status %d", e.Op, e.Source, e.Code)
}

// Config describes the simulated controller.
type Config struct {
	// Sources lists the valid sources. Empty accepts every source.
	Sources []irq.Source
	// Capacity bounds the number of installed handlers. Zero is unbounded.
	Capacity int
	// Policy applies to requests that fire while masked.
	Policy Policy
	// PersistHandlers makes a nil handler a no-op, like platforms that
	// cannot clear their vector table.
	PersistHandlers bool
	// StrictMasking rejects enabling an enabled source or disabling a
	// disabled one.
	StrictMasking bool
}

// Stats counts firings.
type Stats struct {
	Fired     uint64
	Delivered uint64
	Latched   uint64
	Dropped   uint64
	Replayed  uint64
}

type entry struct {
	fn      irq.Handler
	arg     any
	enabled bool
	pending bool
}

// Controller is a simulated interrupt controller.
type Controller struct {
	mu sync.Mutex

	cfg     Config
	valid   map[irq.Source]bool
	entries map[irq.Source]*entry
	faults  map[Op][]int
	bound   int

	stats Stats
}

// New builds a controller from cfg. Every source starts masked with no
// handler.
func New(cfg Config) *Controller {
	c := &Controller{
		cfg:     cfg,
		entries: make(map[irq.Source]*entry),
		faults:  make(map[Op][]int),
	}
	if len(cfg.Sources) > 0 {
		c.valid = make(map[irq.Source]bool, len(cfg.Sources))
		for _, src := range cfg.Sources {
			c.valid[src] = true
		}
	}
	return c
}

// FailNext makes the next call of op return code. Calls queue up.
func (c *Controller) FailNext(op Op, code int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.faults[op] = append(c.faults[op], code)
}

// MaskingIdempotent implements irq.MaskTracker.
func (c *Controller) MaskingIdempotent() bool { return !c.cfg.StrictMasking }

// PersistsHandlers implements irq.HandlerPersister.
func (c *Controller) PersistsHandlers() bool { return c.cfg.PersistHandlers }

func (c *Controller) checkLocked(op Op, src irq.Source) error {
	if q := c.faults[op]; len(q) > 0 {
		code := q[0]
		c.faults[op] = q[1:]
		return &StatusError{Op: op, Source: src, Code: code}
	}
	if c.valid != nil && !c.valid[src] {
		return &StatusError{Op: op, Source: src, Code: CodeInvalid}
	}
	return nil
}

func (c *Controller) entryLocked(src irq.Source) *entry {
	e, ok := c.entries[src]
	if !ok {
		e = &entry{}
		c.entries[src] = e
	}
	return e
}

// RegisterHandler implements irq.Controller.
func (c *Controller) RegisterHandler(src irq.Source, fn irq.Handler, arg any) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.checkLocked(OpRegister, src); err != nil {
		return err
	}
	e := c.entryLocked(src)

	if fn == nil {
		if c.cfg.PersistHandlers {
			return nil
		}
		if e.fn != nil {
			c.bound--
		}
		e.fn, e.arg = nil, nil
		return nil
	}

	if e.fn == nil {
		if c.cfg.Capacity > 0 && c.bound >= c.cfg.Capacity {
			return &StatusError{Op: OpRegister, Source: src, Code: CodeNoSpace}
		}
		c.bound++
	}
	e.fn, e.arg = fn, arg
	return nil
}

// EnableLine implements irq.Controller. A latched request is delivered
// before EnableLine returns.
func (c *Controller) EnableLine(src irq.Source) error {
	c.mu.Lock()
	if err := c.checkLocked(OpEnable, src); err != nil {
		c.mu.Unlock()
		return err
	}
	e := c.entryLocked(src)
	if c.cfg.StrictMasking && e.enabled {
		c.mu.Unlock()
		return &StatusError{Op: OpEnable, Source: src, Code: CodeBusy}
	}
	e.enabled = true

	var fn irq.Handler
	var arg any
	if e.pending {
		e.pending = false
		if e.fn != nil {
			fn, arg = e.fn, e.arg
			c.stats.Replayed++
			c.stats.Delivered++
		}
	}
	c.mu.Unlock()

	if fn != nil {
		fn(arg)
	}
	return nil
}

// DisableLine implements irq.Controller.
func (c *Controller) DisableLine(src irq.Source) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkLocked(OpDisable, src); err != nil {
		return err
	}
	e := c.entryLocked(src)
	if c.cfg.StrictMasking && !e.enabled {
		return &StatusError{Op: OpDisable, Source: src, Code: CodeBusy}
	}
	e.enabled = false
	return nil
}

// Fire raises src. When the source is unmasked and has a handler, the
// handler runs on the calling goroutine before Fire returns.
func (c *Controller) Fire(src irq.Source) error {
	c.mu.Lock()
	if c.valid != nil && !c.valid[src] {
		c.mu.Unlock()
		return fmt.Errorf("sim: fire %s: no such source", src)
	}
	c.stats.Fired++
	e := c.entryLocked(src)

	if !e.enabled {
		if c.cfg.Policy == Latch {
			e.pending = true
			c.stats.Latched++
		} else {
			c.stats.Dropped++
		}
		c.mu.Unlock()
		return nil
	}
	if e.fn == nil {
		c.stats.Dropped++
		c.mu.Unlock()
		return nil
	}
	fn, arg := e.fn, e.arg
	c.stats.Delivered++
	c.mu.Unlock()

	fn(arg)
	return nil
}

// Enabled reports whether src is unmasked.
func (c *Controller) Enabled(src irq.Source) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[src]
	return ok && e.enabled
}

// Bound reports whether src has a handler installed.
func (c *Controller) Bound(src irq.Source) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[src]
	return ok && e.fn != nil
}

// Pending reports whether src has a latched request.
func (c *Controller) Pending(src irq.Source) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[src]
	return ok && e.pending
}

// Stats returns a copy of the firing counters.
func (c *Controller) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

var (
	_ irq.Controller       = (*Controller)(nil)
	_ irq.Simulator        = (*Controller)(nil)
	_ irq.MaskTracker      = (*Controller)(nil)
	_ irq.HandlerPersister = (*Controller)(nil)
)
