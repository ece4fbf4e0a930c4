//go:build !((darwin || linux) && (amd64 || arm64))

package hal

import "github.com/tinyrange/hostif/internal/irq"

// Controller is unavailable on this platform.
type Controller struct{}

// Open always fails with ErrUnsupported.
func Open(cfg Config) (*Controller, error) {
	return nil, ErrUnsupported
}

func (*Controller) RegisterHandler(irq.Source, irq.Handler, any) error { return ErrUnsupported }
func (*Controller) EnableLine(irq.Source) error                        { return ErrUnsupported }
func (*Controller) DisableLine(irq.Source) error                       { return ErrUnsupported }
func (*Controller) Close() error                                       { return nil }

var _ irq.Controller = (*Controller)(nil)
