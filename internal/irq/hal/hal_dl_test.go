//go:build (darwin || linux) && (amd64 || arm64)

package hal

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/tinyrange/hostif/internal/irq"
)

func TestOpenMissingLibrary(t *testing.T) {
	_, err := Open(Config{Library: filepath.Join(t.TempDir(), "missing.so")})
	if err == nil {
		t.Fatalf("loading a missing library succeeded")
	}
}

func TestOpenRequiresLibrary(t *testing.T) {
	if _, err := Open(Config{}); err == nil {
		t.Fatalf("open without a library succeeded")
	}
}

// TestLibraryRoundTrip exercises a real HAL. HOSTIF_HAL_LIBRARY names the
// shared object; HOSTIF_HAL_IC and HOSTIF_HAL_IRQ pick the source.
func TestLibraryRoundTrip(t *testing.T) {
	path := os.Getenv("HOSTIF_HAL_LIBRARY")
	if path == "" {
		t.Skip("HOSTIF_HAL_LIBRARY not set")
	}
	src := irq.Source{
		Controller: envUint(t, "HOSTIF_HAL_IC"),
		Line:       envUint(t, "HOSTIF_HAL_IRQ"),
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	c, err := Open(Config{Library: path, Logger: logger})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer func() {
		if err := c.Close(); err != nil {
			t.Errorf("close: %v", err)
		}
	}()

	line := irq.NewLine(c, src, irq.WithLogger(logger))
	if err := line.Register(func(any) {}, nil); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := line.SetEnabled(true); err != nil {
		t.Fatalf("enable: %v", err)
	}
	if err := line.SetEnabled(false); err != nil {
		t.Fatalf("disable: %v", err)
	}
	if err := line.Unregister(); err != nil {
		t.Fatalf("unregister: %v", err)
	}
}

func envUint(t *testing.T, name string) uint32 {
	t.Helper()
	v := os.Getenv(name)
	if v == "" {
		return 0
	}
	n, err := strconv.ParseUint(v, 0, 32)
	if err != nil {
		t.Fatalf("%s: %v", name, err)
	}
	return uint32(n)
}
