//go:build windows

package quiesce

import (
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/windows"
)

const contextControl = 0x00100001 // CONTEXT_AMD64 | CONTEXT_CONTROL

// amd64Context mirrors the fixed part of the Win64 CONTEXT record up to Rip,
// padded to the full record size. Must be 16-byte aligned when passed to
// GetThreadContext.
type amd64Context struct {
	p1Home, p2Home, p3Home, p4Home, p5Home, p6Home uint64
	contextFlags, mxCsr                            uint32
	segCs, segDs, segEs, segFs, segGs, segSs       uint16
	eFlags                                         uint32
	dr0, dr1, dr2, dr3, dr6, dr7                   uint64
	rax, rcx, rdx, rbx, rsp, rbp, rsi, rdi         uint64
	r8, r9, r10, r11, r12, r13, r14, r15           uint64
	rip                                            uint64
	_                                              [1232 - 0xf8 - 8]byte
}

var (
	kernel32             = windows.NewLazySystemDLL("kernel32.dll")
	procGetThreadContext = kernel32.NewProc("GetThreadContext")
)

// toolhelpEnumerator samples sibling threads by briefly suspending each one
// and capturing its context, the standard Win32 approach.
type toolhelpEnumerator struct {
	pid uint32
}

// NewNativeEnumerator returns the platform thread enumerator.
func NewNativeEnumerator() (Enumerator, error) {
	return &toolhelpEnumerator{pid: windows.GetCurrentProcessId()}, nil
}

func (e *toolhelpEnumerator) Threads() ([]Thread, error) {
	snap, err := windows.CreateToolhelp32Snapshot(windows.TH32CS_SNAPTHREAD, 0)
	if err != nil {
		return nil, errors.Wrap(err, "thread snapshot")
	}
	defer windows.CloseHandle(snap)

	self := windows.GetCurrentThreadId()
	var out []Thread
	var te windows.ThreadEntry32
	te.Size = uint32(unsafe.Sizeof(te))
	for err = windows.Thread32First(snap, &te); err == nil; err = windows.Thread32Next(snap, &te) {
		if te.OwnerProcessID != e.pid || te.ThreadID == self {
			continue
		}
		pc, err := threadPC(te.ThreadID)
		if err != nil {
			// thread exited or access denied, skip it
			continue
		}
		out = append(out, Thread{ID: int(te.ThreadID), PC: pc, PCKnown: true})
	}
	return out, nil
}

func threadPC(tid uint32) (uintptr, error) {
	const access = windows.THREAD_SUSPEND_RESUME | windows.THREAD_GET_CONTEXT | windows.THREAD_QUERY_INFORMATION
	h, err := windows.OpenThread(access, false, tid)
	if err != nil {
		return 0, err
	}
	defer windows.CloseHandle(h)

	if _, err := windows.SuspendThread(h); err != nil {
		return 0, err
	}
	defer windows.ResumeThread(h)

	// GetThreadContext requires 16-byte alignment
	buf := make([]byte, unsafe.Sizeof(amd64Context{})+15)
	p := (uintptr(unsafe.Pointer(&buf[0])) + 15) &^ 15
	ctx := (*amd64Context)(unsafe.Pointer(p))
	ctx.contextFlags = contextControl

	r, _, callErr := procGetThreadContext.Call(uintptr(h), uintptr(unsafe.Pointer(ctx)))
	if r == 0 {
		return 0, callErr
	}
	return uintptr(ctx.rip), nil
}
