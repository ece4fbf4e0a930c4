// Package irq binds a callback to the host-interface interrupt source and
// masks or unmasks that source at the platform interrupt controller.
//
// The package is split the way the hardware is: a Controller is the platform
// driver (a simulated controller, an 8259A or IO-APIC model, Linux UIO, or a
// vendor HAL), and a Line is the fixed source owned by the host-interface IP
// core on that controller.
//
// Handlers run in interrupt context. They must not block, must not allocate
// on hot paths and must not call back into Register, Unregister or
// SetEnabled. Debug builds (-tags hostifdebug) and test binaries panic when
// that last rule is broken.
package irq

import (
	"errors"
	"fmt"
)

// Source names an interrupt line on a controller. It is fixed at
// configuration time.
type Source struct {
	Controller uint32
	Line       uint32
}

func (s Source) String() string {
	return fmt.Sprintf("ic%d/irq%d", s.Controller, s.Line)
}

// Handler is invoked by the controller when the bound source fires. arg is
// the value given at registration, passed through untouched.
type Handler func(arg any)

// Controller is the platform interrupt-controller driver.
//
// Every method reports platform failures as a non-nil error. Implementations
// must be safe for a caller goroutine and a dispatching goroutine to use at
// the same time.
type Controller interface {
	// RegisterHandler installs fn for src, replacing any previous handler.
	// A nil fn clears the entry on platforms that support it.
	RegisterHandler(src Source, fn Handler, arg any) error
	// EnableLine unmasks src.
	EnableLine(src Source) error
	// DisableLine masks src.
	DisableLine(src Source) error
}

// MaskTracker is implemented by controllers that report whether repeated
// enable or disable requests are safe to issue.
type MaskTracker interface {
	MaskingIdempotent() bool
}

// HandlerPersister is implemented by controllers that cannot remove an
// installed handler. On those platforms a handler stays live until a new
// one overwrites it.
type HandlerPersister interface {
	PersistsHandlers() bool
}

// Simulator is implemented by controllers that can raise a source from
// software.
type Simulator interface {
	Fire(src Source) error
}

// StatusCode is the outcome of a Register or SetEnabled call.
type StatusCode uint8

const (
	Successful StatusCode = iota
	NoResource
)

func (c StatusCode) String() string {
	switch c {
	case Successful:
		return "successful"
	case NoResource:
		return "no resource"
	default:
		return fmt.Sprintf("StatusCode(%d)", uint8(c))
	}
}

// ErrNoResource matches every error returned when the controller could not
// perform a registration or masking request.
var ErrNoResource = errors.New("irq: no resource")

// Error describes a failed operation on a source. The platform's own error
// is deliberately not part of it.
type Error struct {
	Op     string
	Source Source
	Code   StatusCode
}

func (e *Error) Error() string {
	return fmt.Sprintf("irq: %s %s: %s", e.Op, e.Source, e.Code)
}

// Is reports whether target is ErrNoResource and e carries that code.
func (e *Error) Is(target error) bool {
	return target == ErrNoResource && e.Code == NoResource
}

// Status maps an error returned by this package to its StatusCode.
func Status(err error) StatusCode {
	if err == nil {
		return Successful
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return NoResource
}
