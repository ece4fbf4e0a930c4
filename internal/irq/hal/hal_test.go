package hal

import (
	"errors"
	"testing"

	"github.com/tinyrange/hostif/internal/irq"
)

func TestSlotCookiesAreStablePerSource(t *testing.T) {
	tb := newSlotTable()
	a := irq.Source{Line: 5}
	b := irq.Source{Controller: 1, Line: 5}

	ca, err := tb.acquire(a)
	if err != nil {
		t.Fatalf("acquire a: %v", err)
	}
	if ca == 0 {
		t.Fatalf("cookie is zero")
	}
	again, _ := tb.acquire(a)
	if again != ca {
		t.Fatalf("second acquire returned %d, want %d", again, ca)
	}
	cb, err := tb.acquire(b)
	if err != nil {
		t.Fatalf("acquire b: %v", err)
	}
	if cb == ca {
		t.Fatalf("distinct sources share cookie %d", ca)
	}
	if n := tb.inUse(); n != 2 {
		t.Fatalf("slots in use = %d, want 2", n)
	}
}

func TestInvokeRunsBinding(t *testing.T) {
	tb := newSlotTable()
	src := irq.Source{Line: 3}
	cookie, err := tb.acquire(src)
	if err != nil {
		t.Fatal(err)
	}

	if tb.invoke(cookie) {
		t.Fatalf("invoke ran with nothing bound")
	}

	var got []any
	tb.swap(cookie, &handler{fn: func(arg any) { got = append(got, arg) }, arg: "ctx"})
	if !tb.invoke(cookie) {
		t.Fatalf("invoke reported no binding")
	}
	if len(got) != 1 || got[0] != "ctx" {
		t.Fatalf("handler saw %v", got)
	}

	tb.release(src)
	if tb.invoke(cookie) {
		t.Fatalf("released slot still invoked")
	}
}

func TestInvokeIgnoresBadCookies(t *testing.T) {
	tb := newSlotTable()
	for _, cookie := range []uintptr{0, MaxSlots + 1, ^uintptr(0)} {
		if tb.invoke(cookie) {
			t.Fatalf("cookie %#x invoked", cookie)
		}
		if prev := tb.swap(cookie, &handler{fn: func(any) {}}); prev != nil {
			t.Fatalf("cookie %#x had a binding", cookie)
		}
	}
}

func TestSlotExhaustion(t *testing.T) {
	tb := newSlotTable()
	for i := 0; i < MaxSlots; i++ {
		if _, err := tb.acquire(irq.Source{Line: uint32(i)}); err != nil {
			t.Fatalf("acquire %d: %v", i, err)
		}
	}
	if _, err := tb.acquire(irq.Source{Line: MaxSlots}); !errors.Is(err, ErrNoSlot) {
		t.Fatalf("acquire past capacity: %v", err)
	}

	tb.release(irq.Source{Line: 7})
	if _, err := tb.acquire(irq.Source{Line: MaxSlots}); err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
}

func TestSwapReturnsPrevious(t *testing.T) {
	tb := newSlotTable()
	cookie, _ := tb.acquire(irq.Source{})
	first := &handler{fn: func(any) {}}
	if prev := tb.swap(cookie, first); prev != nil {
		t.Fatalf("fresh slot had a binding")
	}
	if prev := tb.swap(cookie, &handler{fn: func(any) {}}); prev != first {
		t.Fatalf("swap did not return the previous binding")
	}
}

func TestConfigDefaults(t *testing.T) {
	var cfg Config
	cfg.setDefaults()
	if cfg.RegisterSymbol != DefaultRegisterSymbol || cfg.EnableSymbol != DefaultEnableSymbol || cfg.DisableSymbol != DefaultDisableSymbol {
		t.Fatalf("defaults not applied: %+v", cfg)
	}
	if cfg.Logger == nil {
		t.Fatalf("logger not defaulted")
	}
}

func TestStatusErrorMessage(t *testing.T) {
	err := &StatusError{Call: "enable", Src: irq.Source{Controller: 0, Line: 4}, Code: -22}
	if got, want := err.Error(), "hal: enable(ic0/irq4) returned -22"; got != want {
		t.Fatalf("Error() = %q, want %q", got, want)
	}
}
