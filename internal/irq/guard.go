package irq

import (
	"bytes"
	"fmt"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
)

// guardEnabled turns on the interrupt-context checks. Release builds leave
// it off and never touch the state below.
var guardEnabled = debugBuild || testing.Testing()

var (
	interruptActive atomic.Int32

	interruptMu     sync.Mutex
	interruptOwners = map[uint64]int{}
)

// enterInterrupt marks the current goroutine as running a handler and
// returns the function that clears the mark.
func enterInterrupt() func() {
	id := goroutineID()
	interruptMu.Lock()
	interruptOwners[id]++
	interruptMu.Unlock()
	interruptActive.Add(1)

	return func() {
		interruptActive.Add(-1)
		interruptMu.Lock()
		if interruptOwners[id]--; interruptOwners[id] <= 0 {
			delete(interruptOwners, id)
		}
		interruptMu.Unlock()
	}
}

func inInterrupt() bool {
	if interruptActive.Load() == 0 {
		return false
	}
	id := goroutineID()
	interruptMu.Lock()
	defer interruptMu.Unlock()
	return interruptOwners[id] > 0
}

func checkCallerContext(op string) {
	if !guardEnabled {
		return
	}
	if inInterrupt() {
		panic(fmt.Sprintf("irq: %s called from interrupt context", op))
	}
}

// goroutineID parses the id out of the "goroutine N [" stack header. Only
// used by the guard.
func goroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	s := bytes.TrimPrefix(buf[:n], []byte("goroutine "))
	if i := bytes.IndexByte(s, ' '); i > 0 {
		s = s[:i]
	}
	id, err := strconv.ParseUint(string(s), 10, 64)
	if err != nil {
		return 0
	}
	return id
}
