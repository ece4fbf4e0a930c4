//go:build (darwin || linux) && (amd64 || arm64)

package hal

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/ebitengine/purego"

	"github.com/tinyrange/hostif/internal/irq"
)

var (
	// One table and one callback serve every controller; purego callbacks
	// are a limited process-wide resource.
	table = newSlotTable()

	trampolineOnce sync.Once
	trampoline     uintptr
)

func trampolineAddr() uintptr {
	trampolineOnce.Do(func() {
		trampoline = purego.NewCallback(func(ctx uintptr) {
			table.invoke(ctx)
		})
	})
	return trampoline
}

// Controller is an irq.Controller over a loaded HAL library.
type Controller struct {
	mu     sync.Mutex
	lib    uintptr
	flags  uintptr
	log    *slog.Logger
	owned  map[irq.Source]struct{}
	closed bool

	register func(ic, line uint32, isr, ctx, flags uintptr) int32
	enable   func(ic, line uint32) int32
	disable  func(ic, line uint32) int32
}

// Open loads cfg.Library and resolves the interrupt API.
func Open(cfg Config) (*Controller, error) {
	cfg.setDefaults()
	if cfg.Library == "" {
		return nil, fmt.Errorf("hal: no library configured")
	}

	lib, err := purego.Dlopen(cfg.Library, purego.RTLD_NOW|purego.RTLD_LOCAL)
	if err != nil {
		return nil, fmt.Errorf("hal: load %s: %w", cfg.Library, err)
	}

	c := &Controller{
		lib:   lib,
		flags: cfg.Flags,
		log:   cfg.Logger,
		owned: make(map[irq.Source]struct{}),
	}
	for _, sym := range []struct {
		name string
		fn   any
	}{
		{cfg.RegisterSymbol, &c.register},
		{cfg.EnableSymbol, &c.enable},
		{cfg.DisableSymbol, &c.disable},
	} {
		addr, err := purego.Dlsym(lib, sym.name)
		if err != nil {
			_ = purego.Dlclose(lib)
			return nil, fmt.Errorf("hal: resolve %s in %s: %w", sym.name, cfg.Library, err)
		}
		purego.RegisterFunc(sym.fn, addr)
	}
	c.log.Debug("hal: library loaded", "library", cfg.Library)
	return c, nil
}

func (c *Controller) checkOpen() error {
	if c.closed {
		return ErrClosed
	}
	return nil
}

// RegisterHandler implements irq.Controller.
func (c *Controller) RegisterHandler(src irq.Source, fn irq.Handler, arg any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkOpen(); err != nil {
		return err
	}

	if fn == nil {
		if rc := c.register(src.Controller, src.Line, 0, 0, c.flags); rc != 0 {
			return &StatusError{Call: "register", Src: src, Code: rc}
		}
		table.release(src)
		delete(c.owned, src)
		return nil
	}

	cookie, err := table.acquire(src)
	if err != nil {
		return err
	}
	_, had := c.owned[src]
	prev := table.swap(cookie, &handler{fn: fn, arg: arg})
	if rc := c.register(src.Controller, src.Line, trampolineAddr(), cookie, c.flags); rc != 0 {
		if had {
			table.swap(cookie, prev)
		} else {
			table.release(src)
		}
		return &StatusError{Call: "register", Src: src, Code: rc}
	}
	c.owned[src] = struct{}{}
	return nil
}

// EnableLine implements irq.Controller.
func (c *Controller) EnableLine(src irq.Source) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkOpen(); err != nil {
		return err
	}
	if rc := c.enable(src.Controller, src.Line); rc != 0 {
		return &StatusError{Call: "enable", Src: src, Code: rc}
	}
	return nil
}

// DisableLine implements irq.Controller.
func (c *Controller) DisableLine(src irq.Source) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkOpen(); err != nil {
		return err
	}
	if rc := c.disable(src.Controller, src.Line); rc != 0 {
		return &StatusError{Call: "disable", Src: src, Code: rc}
	}
	return nil
}

// Close clears every handler this controller installed and unloads the
// library.
func (c *Controller) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	for src := range c.owned {
		if rc := c.register(src.Controller, src.Line, 0, 0, c.flags); rc != 0 {
			c.log.Warn("hal: clear handler on close failed", "source", src, "code", rc)
		}
		table.release(src)
	}
	c.owned = nil
	if err := purego.Dlclose(c.lib); err != nil {
		return fmt.Errorf("hal: unload: %w", err)
	}
	return nil
}

var _ irq.Controller = (*Controller)(nil)
