package irq

import (
	"log/slog"
	"sync/atomic"
)

type binding struct {
	fn  Handler
	arg any
}

type options struct {
	logger *slog.Logger
}

// Option configures a Line.
type Option func(*options)

// WithLogger sets the logger used for registration and masking events.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// Line is the host-interface interrupt source on a controller of type C.
// It is both the registrar and the gate for that source.
//
// Line performs no locking. Register, Unregister and SetEnabled are expected
// to be called from a single caller goroutine; handlers are read from the
// controller's dispatch context through an atomic pointer.
type Line[C Controller] struct {
	ctrl C
	src  Source
	log  *slog.Logger

	binding atomic.Pointer[binding]
	enabled bool

	// checkState is set for controllers whose mask calls are not idempotent.
	checkState bool
	// persists is set for controllers that cannot clear a handler.
	persists bool

	isr Handler
}

// NewLine returns the line for src on ctrl. Delivery starts disabled and no
// handler is bound.
func NewLine[C Controller](ctrl C, src Source, opts ...Option) *Line[C] {
	o := options{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}

	l := &Line[C]{
		ctrl: ctrl,
		src:  src,
		log:  o.logger,
	}
	if t, ok := any(ctrl).(MaskTracker); ok {
		l.checkState = !t.MaskingIdempotent()
	}
	if p, ok := any(ctrl).(HandlerPersister); ok {
		l.persists = p.PersistsHandlers()
	}
	l.isr = l.dispatch
	return l
}

// Source returns the source this line is bound to.
func (l *Line[C]) Source() Source { return l.src }

// Controller returns the underlying controller.
func (l *Line[C]) Controller() C { return l.ctrl }

// Enabled reports the gate state as last set successfully.
func (l *Line[C]) Enabled() bool { return l.enabled }

// Bound reports whether a handler is considered installed.
func (l *Line[C]) Bound() bool { return l.binding.Load() != nil }

// Register installs fn with arg as the handler for the line, replacing any
// previous handler. It does not enable delivery. A nil fn is the same as
// Unregister.
//
// When the controller rejects the request no handler is considered
// installed afterwards, including one bound by an earlier call.
func (l *Line[C]) Register(fn Handler, arg any) error {
	checkCallerContext("Register")
	if fn == nil {
		return l.Unregister()
	}

	if err := l.ctrl.RegisterHandler(l.src, l.isr, nil); err != nil {
		l.binding.Store(nil)
		l.log.Warn("irq: register handler rejected", "source", l.src, "error", err)
		return &Error{Op: "register", Source: l.src, Code: NoResource}
	}
	l.binding.Store(&binding{fn: fn, arg: arg})
	l.log.Debug("irq: handler registered", "source", l.src)
	return nil
}

// Unregister clears the handler. Controllers that cannot clear handlers
// accept the request and keep the previous handler live; Bound keeps
// reporting true for them until a new Register call.
func (l *Line[C]) Unregister() error {
	checkCallerContext("Unregister")
	if err := l.ctrl.RegisterHandler(l.src, nil, nil); err != nil {
		l.log.Warn("irq: clear handler rejected", "source", l.src, "error", err)
		return &Error{Op: "unregister", Source: l.src, Code: NoResource}
	}
	if l.persists {
		l.log.Debug("irq: controller keeps handlers, binding persists", "source", l.src)
		return nil
	}
	l.binding.Store(nil)
	l.log.Debug("irq: handler cleared", "source", l.src)
	return nil
}

// SetEnabled unmasks (true) or masks (false) the line at the controller.
// Repeating the current state succeeds. On failure the gate state does not
// change.
//
// Once SetEnabled(false) returns nil no new handler invocation starts until
// the next SetEnabled(true). An invocation the controller began before the
// mask took effect may still be running.
func (l *Line[C]) SetEnabled(enable bool) error {
	checkCallerContext("SetEnabled")
	if l.checkState && enable == l.enabled {
		return nil
	}
	if enable && l.binding.Load() == nil {
		l.log.Warn("irq: enabling delivery with no handler bound", "source", l.src)
	}

	op := "disable"
	var err error
	if enable {
		op = "enable"
		err = l.ctrl.EnableLine(l.src)
	} else {
		err = l.ctrl.DisableLine(l.src)
	}
	if err != nil {
		l.log.Warn("irq: mask request rejected", "source", l.src, "enabled", enable, "error", err)
		return &Error{Op: op, Source: l.src, Code: NoResource}
	}
	l.enabled = enable
	l.log.Debug("irq: delivery changed", "source", l.src, "enabled", enable)
	return nil
}

// dispatch is the handler actually installed at the controller.
func (l *Line[C]) dispatch(any) {
	b := l.binding.Load()
	if b == nil {
		return
	}
	if guardEnabled {
		leave := enterInterrupt()
		defer leave()
	}
	b.fn(b.arg)
}
