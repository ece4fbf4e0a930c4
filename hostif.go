// Package hostif brings up the interrupt of the host-interface IP core.
//
// Open binds a callback to the core's interrupt source on the configured
// controller and enables delivery; Close undoes it. The callback runs in
// interrupt context: it must not block or allocate, and must not call back
// into the Interface.
package hostif

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/tinyrange/hostif/internal/irq"
	"github.com/tinyrange/hostif/internal/irq/hal"
	"github.com/tinyrange/hostif/internal/irq/ioapic"
	"github.com/tinyrange/hostif/internal/irq/pic"
	"github.com/tinyrange/hostif/internal/irq/sim"
	"github.com/tinyrange/hostif/internal/irq/uio"
)

// Callback is invoked when the host-interface interrupt fires.
type Callback = irq.Handler

// StatusCode is the outcome of a registration or masking request.
type StatusCode = irq.StatusCode

const (
	Successful = irq.Successful
	NoResource = irq.NoResource
)

var (
	// ErrNoResource matches every failed registration or masking request.
	ErrNoResource = irq.ErrNoResource
	// ErrNotSimulated is returned by Fire on backends driven by hardware.
	ErrNotSimulated = errors.New("hostif: backend cannot raise interrupts from software")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("hostif: interface closed")
)

// Status maps an error returned by this package to its StatusCode.
func Status(err error) StatusCode { return irq.Status(err) }

// Interface is an initialized host-interface interrupt.
type Interface struct {
	cfg     Config
	log     *slog.Logger
	ctrl    irq.Controller
	line    *irq.Line[irq.Controller]
	release func() error
	closed  bool
}

// Open builds the backend named by cfg, registers cb with arg and enables
// delivery. On failure nothing stays enabled and the backend is released.
func Open(cfg Config, cb Callback, arg any) (*Interface, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("hostif: %w", err)
	}
	if cb == nil {
		return nil, fmt.Errorf("hostif: nil callback")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	ctrl, src, release, err := newBackend(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("hostif: %s backend: %w", cfg.Backend, err)
	}

	i := &Interface{
		cfg:     cfg,
		log:     logger,
		ctrl:    ctrl,
		line:    irq.NewLine(ctrl, src, irq.WithLogger(logger)),
		release: release,
	}
	if err := i.line.Register(cb, arg); err != nil {
		i.releaseBackend()
		return nil, err
	}
	if err := i.line.SetEnabled(true); err != nil {
		if uerr := i.line.Unregister(); uerr != nil {
			logger.Warn("hostif: unregister after failed enable", "source", src, "error", uerr)
		}
		i.releaseBackend()
		return nil, err
	}
	logger.Info("hostif: interrupt enabled", "backend", cfg.Backend, "source", src)
	return i, nil
}

func newBackend(cfg Config, logger *slog.Logger) (irq.Controller, irq.Source, func() error, error) {
	src := cfg.Source.source()
	noop := func() error { return nil }

	switch cfg.Backend {
	case BackendSim:
		policy, err := sim.ParsePolicy(cfg.Sim.Policy)
		if err != nil {
			return nil, src, nil, err
		}
		var sources []irq.Source
		for _, s := range cfg.Sim.Sources {
			sources = append(sources, s.source())
		}
		return sim.New(sim.Config{
			Sources:         sources,
			Capacity:        cfg.Sim.Capacity,
			Policy:          policy,
			PersistHandlers: cfg.Sim.PersistHandlers,
			StrictMasking:   cfg.Sim.StrictMasking,
		}), src, noop, nil

	case BackendPIC:
		c, err := pic.New(pic.Config{VectorBase: cfg.PIC.VectorBase, Logger: logger})
		if err != nil {
			return nil, src, nil, err
		}
		return c, src, noop, nil

	case BackendIOAPIC:
		c, err := ioapic.New(ioapic.Config{
			ID:         cfg.IOAPIC.ID,
			Entries:    cfg.IOAPIC.Entries,
			VectorBase: cfg.IOAPIC.VectorBase,
			Logger:     logger,
		})
		if err != nil {
			return nil, src, nil, err
		}
		return c, src, noop, nil

	case BackendUIO:
		if cfg.UIO.Name != "" {
			minor, err := uio.FindByName(cfg.UIO.SysRoot, cfg.UIO.Name)
			if err != nil {
				return nil, src, nil, err
			}
			src = irq.Source{Controller: minor}
		}
		c, err := uio.New(uio.Config{
			DevRoot: cfg.UIO.DevRoot,
			SysRoot: cfg.UIO.SysRoot,
			Logger:  logger,
		})
		if err != nil {
			return nil, src, nil, err
		}
		return c, src, c.Close, nil

	case BackendHAL:
		c, err := hal.Open(hal.Config{
			Library:        cfg.HAL.Library,
			RegisterSymbol: cfg.HAL.RegisterSymbol,
			EnableSymbol:   cfg.HAL.EnableSymbol,
			DisableSymbol:  cfg.HAL.DisableSymbol,
			Flags:          uintptr(cfg.HAL.Flags),
			Logger:         logger,
		})
		if err != nil {
			return nil, src, nil, err
		}
		return c, src, c.Close, nil
	}
	return nil, src, nil, fmt.Errorf("unknown backend %q", cfg.Backend)
}

func (i *Interface) releaseBackend() {
	if err := i.release(); err != nil {
		i.log.Warn("hostif: release backend", "backend", i.cfg.Backend, "error", err)
	}
}

// Source returns the interrupt source in use.
func (i *Interface) Source() irq.Source { return i.line.Source() }

// Enabled reports whether delivery is enabled.
func (i *Interface) Enabled() bool { return i.line.Enabled() }

// Controller returns the backend controller.
func (i *Interface) Controller() irq.Controller { return i.ctrl }

// SetEnabled masks or unmasks the interrupt.
func (i *Interface) SetEnabled(enable bool) error {
	if i.closed {
		return ErrClosed
	}
	return i.line.SetEnabled(enable)
}

// Fire raises the interrupt from software on backends that simulate it.
func (i *Interface) Fire() error {
	if i.closed {
		return ErrClosed
	}
	s, ok := i.ctrl.(irq.Simulator)
	if !ok {
		return ErrNotSimulated
	}
	return s.Fire(i.line.Source())
}

// Close disables delivery, clears the handler when ClearOnClose is set and
// releases the backend. It is safe to call more than once.
func (i *Interface) Close() error {
	if i.closed {
		return nil
	}
	i.closed = true

	var errs []error
	if err := i.line.SetEnabled(false); err != nil {
		errs = append(errs, err)
	}
	if i.cfg.ClearOnClose {
		if err := i.line.Unregister(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := i.release(); err != nil {
		errs = append(errs, fmt.Errorf("hostif: release %s backend: %w", i.cfg.Backend, err))
	}
	i.log.Info("hostif: interrupt closed", "source", i.line.Source())
	return errors.Join(errs...)
}
