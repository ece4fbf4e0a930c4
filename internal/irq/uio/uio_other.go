//go:build !linux

package uio

import "github.com/tinyrange/hostif/internal/irq"

// Controller is unavailable outside Linux.
type Controller struct{}

// New always fails with ErrUnsupported.
func New(cfg Config) (*Controller, error) {
	return nil, ErrUnsupported
}

func (*Controller) RegisterHandler(irq.Source, irq.Handler, any) error { return ErrUnsupported }
func (*Controller) EnableLine(irq.Source) error                        { return ErrUnsupported }
func (*Controller) DisableLine(irq.Source) error                       { return ErrUnsupported }
func (*Controller) Count(irq.Source) (uint32, bool)                    { return 0, false }
func (*Controller) Close() error                                       { return nil }

var _ irq.Controller = (*Controller)(nil)
