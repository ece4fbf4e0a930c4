//go:build linux

package uio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/tinyrange/hostif/internal/irq"
)

type handler struct {
	fn  irq.Handler
	arg any
}

type device struct {
	minor uint32
	fd    int
	stop  int

	handler atomic.Pointer[handler]
	enabled atomic.Bool
	count   atomic.Uint32
	seen    atomic.Bool

	wmu  sync.Mutex
	done chan struct{}
}

// Controller is an irq.Controller over Linux UIO devices.
type Controller struct {
	mu      sync.Mutex
	cfg     Config
	log     *slog.Logger
	devices map[uint32]*device
	closed  bool
}

// New returns a controller. Devices are opened on first use.
func New(cfg Config) (*Controller, error) {
	if cfg.DevRoot == "" {
		cfg.DevRoot = DefaultDevRoot
	}
	if cfg.SysRoot == "" {
		cfg.SysRoot = DefaultSysRoot
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	c := &Controller{
		cfg:     cfg,
		log:     logger,
		devices: make(map[uint32]*device),
	}
	if c.cfg.Open == nil {
		c.cfg.Open = c.openNode
	}
	return c, nil
}

func (c *Controller) openNode(minor uint32) (int, error) {
	path := filepath.Join(c.cfg.DevRoot, fmt.Sprintf("uio%d", minor))
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return -1, fmt.Errorf("uio: open %s: %w", path, err)
	}
	return fd, nil
}

func (c *Controller) device(src irq.Source) (*device, error) {
	if src.Line != 0 {
		return nil, fmt.Errorf("%w: %s", ErrInvalidSource, src)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	if d, ok := c.devices[src.Controller]; ok {
		return d, nil
	}

	fd, err := c.cfg.Open(src.Controller)
	if err != nil {
		return nil, err
	}
	stop, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("uio: create stop eventfd: %w", err)
	}
	d := &device{
		minor: src.Controller,
		fd:    fd,
		stop:  stop,
		done:  make(chan struct{}),
	}
	c.devices[src.Controller] = d
	go c.dispatch(d)
	c.log.Debug("uio: device opened", "minor", d.minor)
	return d, nil
}

// RegisterHandler implements irq.Controller.
func (c *Controller) RegisterHandler(src irq.Source, fn irq.Handler, arg any) error {
	d, err := c.device(src)
	if err != nil {
		return err
	}
	if fn == nil {
		d.handler.Store(nil)
		return nil
	}
	d.handler.Store(&handler{fn: fn, arg: arg})
	return nil
}

// EnableLine implements irq.Controller.
func (c *Controller) EnableLine(src irq.Source) error {
	d, err := c.device(src)
	if err != nil {
		return err
	}
	if err := d.writeControl(1); err != nil {
		return err
	}
	d.enabled.Store(true)
	return nil
}

// DisableLine implements irq.Controller.
func (c *Controller) DisableLine(src irq.Source) error {
	d, err := c.device(src)
	if err != nil {
		return err
	}
	// Clear first so the dispatcher cannot re-arm behind our back.
	was := d.enabled.Swap(false)
	if err := d.writeControl(0); err != nil {
		d.enabled.Store(was)
		return err
	}
	return nil
}

// Count returns the last event count read from the device for src.
func (c *Controller) Count(src irq.Source) (uint32, bool) {
	c.mu.Lock()
	d, ok := c.devices[src.Controller]
	c.mu.Unlock()
	if !ok || src.Line != 0 || !d.seen.Load() {
		return 0, false
	}
	return d.count.Load(), true
}

// Close stops every dispatcher and closes the device files.
func (c *Controller) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	devices := c.devices
	c.devices = nil
	c.mu.Unlock()

	var errs []error
	for _, d := range devices {
		var one [8]byte
		binary.NativeEndian.PutUint64(one[:], 1)
		if _, err := unix.Write(d.stop, one[:]); err != nil {
			errs = append(errs, fmt.Errorf("uio%d: signal stop: %w", d.minor, err))
		}
		<-d.done
		if err := unix.Close(d.fd); err != nil {
			errs = append(errs, fmt.Errorf("uio%d: close: %w", d.minor, err))
		}
		if err := unix.Close(d.stop); err != nil {
			errs = append(errs, fmt.Errorf("uio%d: close stop eventfd: %w", d.minor, err))
		}
	}
	return errors.Join(errs...)
}

func (d *device) writeControl(v uint32) error {
	var buf [4]byte
	binary.NativeEndian.PutUint32(buf[:], v)

	d.wmu.Lock()
	defer d.wmu.Unlock()
	for {
		n, err := unix.Write(d.fd, buf[:])
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return fmt.Errorf("uio%d: irqcontrol write %d: %w", d.minor, v, err)
		}
		if n != len(buf) {
			return fmt.Errorf("uio%d: irqcontrol short write (%d bytes)", d.minor, n)
		}
		return nil
	}
}

// dispatch waits for interrupts on d and runs the bound handler. It is the
// interrupt context for UIO devices.
func (c *Controller) dispatch(d *device) {
	defer close(d.done)

	fds := []unix.PollFd{
		{Fd: int32(d.fd), Events: unix.POLLIN},
		{Fd: int32(d.stop), Events: unix.POLLIN},
	}
	var buf [4]byte
	for {
		fds[0].Revents, fds[1].Revents = 0, 0
		if _, err := unix.Poll(fds, -1); err != nil {
			if err == unix.EINTR {
				continue
			}
			c.log.Error("uio: poll failed", "minor", d.minor, "error", err)
			return
		}
		if fds[1].Revents != 0 {
			return
		}
		if fds[0].Revents&(unix.POLLERR|unix.POLLHUP|unix.POLLNVAL) != 0 {
			c.log.Warn("uio: device closed", "minor", d.minor, "revents", fds[0].Revents)
			return
		}
		if fds[0].Revents&unix.POLLIN == 0 {
			continue
		}

		n, err := unix.Read(d.fd, buf[:])
		switch {
		case err == unix.EINTR || err == unix.EAGAIN:
			continue
		case err != nil:
			c.log.Error("uio: read failed", "minor", d.minor, "error", err)
			return
		case n == 0:
			return
		case n != len(buf):
			c.log.Warn("uio: short event read", "minor", d.minor, "bytes", n)
			continue
		}
		d.count.Store(binary.NativeEndian.Uint32(buf[:]))
		d.seen.Store(true)

		if !d.enabled.Load() {
			continue
		}
		if h := d.handler.Load(); h != nil {
			h.fn(h.arg)
		}
		if d.enabled.Load() {
			if err := d.writeControl(1); err != nil {
				c.log.Warn("uio: re-arm failed", "minor", d.minor, "error", err)
			}
		}
	}
}

var _ irq.Controller = (*Controller)(nil)
