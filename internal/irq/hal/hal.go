// Package hal drives the host-interface interrupt through a vendor hardware
// abstraction layer loaded from a shared object.
//
// The library must export the enhanced interrupt API:
//
//	int alt_ic_isr_register(alt_u32 ic_id, alt_u32 irq, alt_isr_func isr, void *ctx, void *flags);
//	int alt_ic_irq_enable(alt_u32 ic_id, alt_u32 irq);
//	int alt_ic_irq_disable(alt_u32 ic_id, alt_u32 irq);
//
// Symbol names are configurable. Every binding goes through one C-callable
// trampoline; the context pointer handed to the HAL is a slot cookie, not a
// Go pointer. A nil handler registers a NULL isr, which clears the entry.
package hal

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/tinyrange/hostif/internal/irq"
)

const (
	DefaultRegisterSymbol = "alt_ic_isr_register"
	DefaultEnableSymbol   = "alt_ic_irq_enable"
	DefaultDisableSymbol  = "alt_ic_irq_disable"

	// MaxSlots is the number of sources that can be bound at once.
	MaxSlots = 64
)

var (
	// ErrUnsupported is returned where shared objects cannot be loaded.
	ErrUnsupported = errors.New("hal: not supported on this platform")
	// ErrNoSlot is returned when every binding slot is in use.
	ErrNoSlot = errors.New("hal: no free binding slot")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("hal: controller closed")
)

// Config configures the controller.
type Config struct {
	// Library is the path of the shared object to load.
	Library        string
	RegisterSymbol string
	EnableSymbol   string
	DisableSymbol  string
	// Flags is passed through as the flags argument of the register call.
	Flags  uintptr
	Logger *slog.Logger
}

func (cfg *Config) setDefaults() {
	if cfg.RegisterSymbol == "" {
		cfg.RegisterSymbol = DefaultRegisterSymbol
	}
	if cfg.EnableSymbol == "" {
		cfg.EnableSymbol = DefaultEnableSymbol
	}
	if cfg.DisableSymbol == "" {
		cfg.DisableSymbol = DefaultDisableSymbol
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
}

// StatusError is a non-zero return from a HAL call.
type StatusError struct {
	Call string
	Src  irq.Source
	Code int32
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("hal: %s(%s) returned %d", e.Call, e.Src, e.Code)
}

type handler struct {
	fn  irq.Handler
	arg any
}

// slotTable maps the cookies handed to the HAL back to bindings. Lookups
// from the trampoline take no locks.
type slotTable struct {
	mu       sync.Mutex
	bySource map[irq.Source]int
	used     [MaxSlots]bool

	slots [MaxSlots]atomic.Pointer[handler]
}

func newSlotTable() *slotTable {
	return &slotTable{bySource: make(map[irq.Source]int)}
}

// acquire returns the cookie for src, allocating a slot if needed.
// Cookies are never zero.
func (t *slotTable) acquire(src irq.Source) (uintptr, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if i, ok := t.bySource[src]; ok {
		return uintptr(i + 1), nil
	}
	for i := range t.used {
		if !t.used[i] {
			t.used[i] = true
			t.bySource[src] = i
			return uintptr(i + 1), nil
		}
	}
	return 0, ErrNoSlot
}

// release frees the slot for src.
func (t *slotTable) release(src irq.Source) {
	t.mu.Lock()
	defer t.mu.Unlock()
	i, ok := t.bySource[src]
	if !ok {
		return
	}
	t.slots[i].Store(nil)
	t.used[i] = false
	delete(t.bySource, src)
}

// swap installs h for cookie and returns the previous binding.
func (t *slotTable) swap(cookie uintptr, h *handler) *handler {
	if cookie == 0 || cookie > MaxSlots {
		return nil
	}
	return t.slots[cookie-1].Swap(h)
}

// invoke runs the binding for cookie. It reports whether one was bound.
func (t *slotTable) invoke(cookie uintptr) bool {
	if cookie == 0 || cookie > MaxSlots {
		return false
	}
	h := t.slots[cookie-1].Load()
	if h == nil {
		return false
	}
	h.fn(h.arg)
	return true
}

// inUse returns the number of allocated slots.
func (t *slotTable) inUse() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.bySource)
}
