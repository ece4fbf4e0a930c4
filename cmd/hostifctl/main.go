package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync/atomic"
	"time"

	"github.com/schollz/progressbar/v3"
	"golang.org/x/term"

	"github.com/tinyrange/hostif"
)

func usage() {
	fmt.Fprintf(os.Stderr, "usage: hostifctl <command> [flags]\n")
	fmt.Fprintf(os.Stderr, "commands:\n")
	fmt.Fprintf(os.Stderr, "  check: bring the interrupt up and down and report the status\n")
	fmt.Fprintf(os.Stderr, "  soak: fire interrupts from software and verify every one is delivered\n")
	fmt.Fprintf(os.Stderr, "  wait: wait for interrupts from the hardware and print them\n")
	os.Exit(1)
}

// loadConfig parses the shared flags and installs the logger.
func loadConfig(fs *flag.FlagSet, args []string) (hostif.Config, error) {
	configPath := fs.String("config", "", "path to the hostif YAML configuration (default: simulated controller)")
	backend := fs.String("backend", "", "override the configured backend")
	logLevel := fs.String("log-level", "", "override the configured log level")
	if err := fs.Parse(args); err != nil {
		return hostif.Config{}, fmt.Errorf("failed to parse flags: %w", err)
	}

	cfg := hostif.DefaultConfig()
	if *configPath != "" {
		loaded, err := hostif.LoadConfig(*configPath)
		if err != nil {
			return hostif.Config{}, err
		}
		cfg = *loaded
	}
	if *backend != "" {
		cfg.Backend = *backend
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	if err := cfg.Validate(); err != nil {
		return hostif.Config{}, err
	}

	level, err := cfg.Level()
	if err != nil {
		return hostif.Config{}, err
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	cfg.Logger = logger
	return cfg, nil
}

func runCheck(args []string) error {
	fs := flag.NewFlagSet("check", flag.ExitOnError)
	cfg, err := loadConfig(fs, args)
	if err != nil {
		return err
	}

	iface, err := hostif.Open(cfg, func(any) {}, nil)
	if err != nil {
		fmt.Printf("open: %s (%v)\n", hostif.Status(err), err)
		return err
	}
	fmt.Printf("open: %s backend=%s source=%s\n", hostif.Successful, cfg.Backend, iface.Source())

	if err := iface.Close(); err != nil {
		fmt.Printf("close: %s (%v)\n", hostif.Status(err), err)
		return err
	}
	fmt.Printf("close: %s\n", hostif.Successful)
	return nil
}

func runSoak(args []string) error {
	fs := flag.NewFlagSet("soak", flag.ExitOnError)
	n := fs.Int("n", 10000, "the number of interrupts to fire")
	cfg, err := loadConfig(fs, args)
	if err != nil {
		return err
	}

	var delivered atomic.Uint64
	iface, err := hostif.Open(cfg, func(any) { delivered.Add(1) }, nil)
	if err != nil {
		return fmt.Errorf("failed to open interface: %w", err)
	}
	defer iface.Close()

	var pb *progressbar.ProgressBar
	if term.IsTerminal(int(os.Stdout.Fd())) {
		pb = progressbar.Default(int64(*n), "soak")
		defer pb.Close()
	}

	start := time.Now()
	for i := 0; i < *n; i++ {
		if err := iface.Fire(); err != nil {
			return fmt.Errorf("fire %d: %w", i, err)
		}
		if pb != nil {
			pb.Add(1)
		}
	}
	elapsed := time.Since(start)

	if got := delivered.Load(); got != uint64(*n) {
		return fmt.Errorf("delivered %d of %d interrupts", got, *n)
	}
	fmt.Printf("delivered %d interrupts in %s (%s/interrupt)\n", *n, elapsed, elapsed/time.Duration(max(*n, 1)))
	return nil
}

func runWait(args []string) error {
	fs := flag.NewFlagSet("wait", flag.ExitOnError)
	count := fs.Int("count", 1, "the number of interrupts to wait for (0 waits until interrupted)")
	timeout := fs.Duration("timeout", 0, "give up after this long (0 waits forever)")
	cfg, err := loadConfig(fs, args)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if *timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, *timeout)
		defer cancel()
	}

	var fired atomic.Uint64
	notify := make(chan struct{}, 1)
	iface, err := hostif.Open(cfg, func(any) {
		fired.Add(1)
		select {
		case notify <- struct{}{}:
		default:
		}
	}, nil)
	if err != nil {
		return fmt.Errorf("failed to open interface: %w", err)
	}
	defer iface.Close()

	fmt.Printf("waiting for interrupts on %s\n", iface.Source())
	start := time.Now()
	var seen uint64
	for *count == 0 || seen < uint64(*count) {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return fmt.Errorf("saw %d interrupts before timeout", seen)
			}
			return nil
		case <-notify:
			total := fired.Load()
			for seen < total {
				seen++
				fmt.Printf("interrupt %d at +%s\n", seen, time.Since(start).Round(time.Microsecond))
			}
		}
	}
	return nil
}

func main() {
	if len(os.Args) < 2 {
		usage()
	}

	var err error
	switch os.Args[1] {
	case "check":
		err = runCheck(os.Args[2:])
	case "soak":
		err = runSoak(os.Args[2:])
	case "wait":
		err = runWait(os.Args[2:])
	default:
		usage()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "hostifctl %s: %v\n", os.Args[1], err)
		os.Exit(1)
	}
}
