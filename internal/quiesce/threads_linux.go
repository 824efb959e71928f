//go:build linux

package quiesce

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/shirou/gopsutil/v3/process"
	"golang.org/x/sys/unix"
)

// procfsEnumerator samples sibling threads through /proc. The syscall file
// exposes a blocked task's user-space program counter; a task on CPU shows
// "running" and its PC cannot be sampled, which the guard treats as possibly
// inside the protected range.
type procfsEnumerator struct {
	proc *process.Process
}

// NewNativeEnumerator returns the platform thread enumerator.
func NewNativeEnumerator() (Enumerator, error) {
	p, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, errors.Wrap(err, "open own process")
	}
	return &procfsEnumerator{proc: p}, nil
}

func (e *procfsEnumerator) Threads() ([]Thread, error) {
	stats, err := e.proc.Threads()
	if err != nil {
		return nil, errors.Wrap(err, "list threads")
	}
	self := unix.Gettid()
	out := make([]Thread, 0, len(stats))
	for tid := range stats {
		if int(tid) == self {
			continue
		}
		pc, known, err := taskPC(int(tid))
		if err != nil {
			// thread exited between the listing and the read
			continue
		}
		out = append(out, Thread{ID: int(tid), PC: pc, PCKnown: known})
	}
	return out, nil
}

// taskPC reads /proc/self/task/<tid>/syscall. For a blocked task the last
// column is its user-space program counter; "running" means the task is on
// CPU and its PC cannot be observed from procfs.
func taskPC(tid int) (uintptr, bool, error) {
	data, err := os.ReadFile(fmt.Sprintf("/proc/self/task/%d/syscall", tid))
	if err != nil {
		return 0, false, err
	}
	fields := strings.Fields(string(data))
	if len(fields) == 0 {
		return 0, false, errors.Errorf("empty syscall state for tid %d", tid)
	}
	if fields[0] == "running" {
		return 0, false, nil
	}
	if len(fields) < 3 {
		return 0, false, errors.Errorf("malformed syscall state for tid %d", tid)
	}
	v, err := strconv.ParseUint(strings.TrimPrefix(fields[len(fields)-1], "0x"), 16, 64)
	if err != nil {
		return 0, false, err
	}
	return uintptr(v), true, nil
}
