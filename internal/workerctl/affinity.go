// Package workerctl provides the CPU-pinning helper shared by the runtime's
// four long-running workers (Job, Exchange, Send, Recv), grounded on
// go-ublk's queue Runner.ioLoop, which pins each queue's goroutine to a
// dedicated OS thread and CPU the same way.
package workerctl

import (
	"golang.org/x/sys/unix"

	"github.com/go-ibnet/ibnet/internal/ibnerr"
)

// PinCurrentThread sets the calling OS thread's CPU affinity to cpu. The
// caller must have already called runtime.LockOSThread (and keep it locked
// for the worker's lifetime): affinity set on an unlocked goroutine would
// apply to whichever thread happens to run it next.
func PinCurrentThread(cpu int) error {
	var mask unix.CPUSet
	mask.Set(cpu)
	if err := unix.SchedSetaffinity(0, &mask); err != nil {
		return ibnerr.Wrap("PinCurrentThread", err)
	}
	return nil
}
