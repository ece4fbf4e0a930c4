// Package uio drives the host-interface interrupt through a Linux userspace
// I/O device (/dev/uioN).
//
// The source's controller id is the uio minor number and its line must be
// zero: a uio device exposes exactly one interrupt. Masking is done with the
// irqcontrol write (1 to enable, 0 to disable), which requires a kernel
// driver that implements it, such as uio_pdrv_genirq. Whether an interrupt
// raised while disabled is delivered after re-enabling depends on that
// driver and on the line's trigger type: level-triggered requests are still
// asserted and fire again, edge-triggered ones may be lost.
//
// Each device gets one dispatcher goroutine, which is the interrupt context
// for handlers bound through this package.
package uio

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

const (
	DefaultDevRoot = "/dev"
	DefaultSysRoot = "/sys/class/uio"
)

var (
	// ErrInvalidSource is returned for sources with a non-zero line.
	ErrInvalidSource = errors.New("uio: invalid source")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("uio: controller closed")
	// ErrUnsupported is returned on platforms without UIO.
	ErrUnsupported = errors.New("uio: not supported on this platform")
)

// Config configures the controller.
type Config struct {
	// DevRoot holds the uioN device nodes.
	DevRoot string
	// SysRoot holds the uioN sysfs directories used by FindByName.
	SysRoot string
	Logger  *slog.Logger
	// Open returns a read/write file descriptor for the device with the
	// given minor number. The controller owns and closes it. When nil the
	// node under DevRoot is opened.
	Open func(minor uint32) (int, error)
}

// FindByName returns the minor number of the uio device whose sysfs name
// matches name.
func FindByName(sysRoot, name string) (uint32, error) {
	if sysRoot == "" {
		sysRoot = DefaultSysRoot
	}
	entries, err := os.ReadDir(sysRoot)
	if err != nil {
		return 0, fmt.Errorf("uio: list %s: %w", sysRoot, err)
	}
	for _, entry := range entries {
		dir := entry.Name()
		if !strings.HasPrefix(dir, "uio") {
			continue
		}
		minor, err := strconv.ParseUint(strings.TrimPrefix(dir, "uio"), 10, 32)
		if err != nil {
			continue
		}
		data, err := os.ReadFile(filepath.Join(sysRoot, dir, "name"))
		if err != nil {
			continue
		}
		if strings.TrimSpace(string(data)) == name {
			return uint32(minor), nil
		}
	}
	return 0, fmt.Errorf("uio: no device named %q under %s", name, sysRoot)
}
