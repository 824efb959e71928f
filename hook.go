// Copyright (C) 2022 K2 Cyber Security Inc.

/*
Package detourgo is an inline function-hooking engine for x86-64.

Given the address of a compiled function, Install rewrites its prologue with
a jump to a replacement function and builds a trampoline: a relocated copy of
the overwritten instructions followed by a jump back into the rest of the
function. The replacement calls OriginalEntryPoint's address to reach the
original behavior. Uninstall restores the prologue byte for byte.

Every step is fallible and rolls back; a failed Install never leaves the
target's bytes altered.
*/
package detourgo

import (
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/k2io/detourgo/internal/alloc"
	"github.com/k2io/detourgo/internal/decoder"
	"github.com/k2io/detourgo/internal/patch"
	"github.com/k2io/detourgo/internal/quiesce"
	"github.com/k2io/detourgo/internal/tramp"
)

// State is a hook descriptor's lifecycle position.
type State int

const (
	// StatePlanned means the target address is claimed, nothing built yet.
	StatePlanned State = iota
	// StateBuilding means the trampoline is being constructed.
	StateBuilding
	// StateInstalling means the synchronized prologue write is in progress.
	StateInstalling
	// StateActive means calls to the target reach the replacement.
	StateActive
	// StateUninstalling means the prologue is being restored.
	StateUninstalling
	// StateRemoved means the hook is gone and the address is free again.
	StateRemoved
)

func (s State) String() string {
	switch s {
	case StatePlanned:
		return "planned"
	case StateBuilding:
		return "building"
	case StateInstalling:
		return "installing"
	case StateActive:
		return "active"
	case StateUninstalling:
		return "uninstalling"
	case StateRemoved:
		return "removed"
	}
	return "invalid"
}

// Handle names one installed hook. Handles from a removed hook are stale and
// rejected, even if the same address is hooked again later.
type Handle struct {
	target uintptr
	id     uuid.UUID
}

// Target returns the hooked function address.
func (h Handle) Target() uintptr { return h.target }

// descriptor is the registry's record of one hook lifecycle. Owned by the
// engine; field access is serialized by the engine mutex or by the exclusive
// claim a lifecycle operation holds.
type descriptor struct {
	id          uuid.UUID
	state       State
	target      uintptr
	replacement uintptr
	conv        Convention

	// bytes overwritten at install time, kept for exact restoration
	original []byte
	// whole-instruction length of the patch window
	consumed int

	trampBlock *alloc.Block
	relayBlock *alloc.Block
	entry      uintptr
}

// Seams between the registry and the machinery below it. Production wiring
// uses the internal packages; tests substitute fakes that operate on byte
// images instead of live code.
type (
	codePatcher interface {
		Apply(target uintptr, b []byte) ([]byte, error)
		Restore(target uintptr, orig []byte) error
	}
	execAllocator interface {
		Allocate(origin uintptr, size int) (*alloc.Block, error)
		Seal(b *alloc.Block) error
		Release(b *alloc.Block) error
	}
	rangeGuard interface {
		Vacate(lo, hi uintptr) error
	}
)

type livePatcher struct{}

func (livePatcher) Apply(target uintptr, b []byte) ([]byte, error) { return patch.Apply(target, b) }
func (livePatcher) Restore(target uintptr, orig []byte) error      { return patch.Restore(target, orig) }

// Engine is the process-wide hook registry. Create one with New and tear it
// down with Shutdown; hooks do not survive the process.
type Engine struct {
	log logrus.FieldLogger

	mu       sync.Mutex
	hooks    map[uintptr]*descriptor
	closed   bool
	installs sync.WaitGroup

	reader    codeReader
	patcher   codePatcher
	allocator execAllocator
	guard     rangeGuard
}

// New creates an engine with the given options.
func New(opts Options) (*Engine, error) {
	opts = opts.withDefaults()
	enum, err := quiesce.NewNativeEnumerator()
	if err != nil {
		return nil, errors.Wrap(err, "thread enumerator")
	}
	g := quiesce.New(enum, quiesce.Policy{
		MaxAttempts:     opts.Quiesce.MaxAttempts,
		InitialInterval: opts.Quiesce.InitialInterval,
		MaxInterval:     opts.Quiesce.MaxInterval,
	}, opts.Logger)
	return &Engine{
		log:       opts.Logger,
		hooks:     make(map[uintptr]*descriptor),
		reader:    rawReader{},
		patcher:   livePatcher{},
		allocator: alloc.New(opts.SlabSize, opts.MaxAllocDistance),
		guard:     g,
	}, nil
}

// Install hooks the function at target so calls to it reach replacement, and
// returns a handle for the installed hook. At most one hook may exist per
// target address.
func (e *Engine) Install(target, replacement uintptr, conv Convention) (Handle, error) {
	if target == 0 || replacement == 0 {
		return Handle{}, errors.New("target and replacement must be non-zero addresses")
	}
	prologue, err := conventionPrologue(conv)
	if err != nil {
		return Handle{}, err
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return Handle{}, errors.Wrap(ErrEngineClosed, "install")
	}
	if _, ok := e.hooks[target]; ok {
		e.mu.Unlock()
		return Handle{}, errors.Wrapf(ErrDoubleHook, "target %#x", target)
	}
	// claim the address before building so a concurrent Install on the same
	// target fails instead of racing
	d := &descriptor{
		id:          uuid.New(),
		state:       StatePlanned,
		target:      target,
		replacement: replacement,
		conv:        conv,
	}
	e.hooks[target] = d
	e.installs.Add(1)
	e.mu.Unlock()
	defer e.installs.Done()

	h, err := e.install(d, prologue)
	if err != nil {
		e.mu.Lock()
		d.state = StateRemoved
		delete(e.hooks, target)
		e.mu.Unlock()
		return Handle{}, err
	}
	return h, nil
}

func (e *Engine) install(d *descriptor, prologue []byte) (Handle, error) {
	e.setState(d, StateBuilding)

	window, err := e.reader.ReadCode(d.target, tramp.JmpRel32Len+decoder.MaxInstLen)
	if err != nil {
		return Handle{}, errors.Wrapf(ErrDecode, "read prologue of %#x: %v", d.target, err)
	}
	insts, consumed, err := decoder.Decode(window, tramp.JmpRel32Len)
	if err != nil {
		return Handle{}, err
	}
	d.consumed = consumed

	// worst case every relocated instruction doubles, plus the jump back
	est := len(prologue) + consumed*2 + tramp.JmpAbsLen + decoder.MaxInstLen
	blk, err := e.allocator.Allocate(d.target, est)
	if err != nil {
		return Handle{}, err
	}
	d.trampBlock = blk

	code, err := tramp.Build(insts, d.target, blk.Addr, d.target+uintptr(consumed), prologue)
	if err != nil {
		e.releaseBlocks(d)
		return Handle{}, err
	}
	if len(code) > len(blk.Mem) {
		e.releaseBlocks(d)
		return Handle{}, errors.Wrapf(ErrAllocation, "trampoline needs %d bytes, block holds %d", len(code), len(blk.Mem))
	}
	copy(blk.Mem, code)
	if err := e.allocator.Seal(blk); err != nil {
		e.releaseBlocks(d)
		return Handle{}, errors.Wrapf(ErrAllocation, "seal trampoline: %v", err)
	}
	d.entry = blk.Addr

	redirect, err := e.buildRedirect(d)
	if err != nil {
		e.releaseBlocks(d)
		return Handle{}, err
	}

	e.setState(d, StateInstalling)
	if err := e.guard.Vacate(d.target, d.target+uintptr(consumed)); err != nil {
		e.releaseBlocks(d)
		return Handle{}, err
	}
	orig, err := e.patcher.Apply(d.target, redirect)
	if err != nil {
		e.releaseBlocks(d)
		return Handle{}, err
	}
	d.original = orig

	e.setState(d, StateActive)
	e.log.WithFields(logrus.Fields{
		"target":      d.target,
		"replacement": d.replacement,
		"trampoline":  d.entry,
		"patch_len":   d.consumed,
	}).Info("hook installed")
	return Handle{target: d.target, id: d.id}, nil
}

// buildRedirect emits the patch window contents: a JMP rel32 to the
// replacement, or to a near relay holding an absolute jump when the
// replacement is beyond rel32 range, NOP-padded to the window length.
func (e *Engine) buildRedirect(d *descriptor) ([]byte, error) {
	dest := d.replacement
	if !tramp.InRel32Range(d.target, dest) {
		relay, err := e.allocator.Allocate(d.target, tramp.JmpAbsLen)
		if err != nil {
			return nil, err
		}
		d.relayBlock = relay
		copy(relay.Mem, tramp.JmpAbs(d.replacement))
		if err := e.allocator.Seal(relay); err != nil {
			return nil, errors.Wrapf(ErrAllocation, "seal relay: %v", err)
		}
		if !tramp.InRel32Range(d.target, relay.Addr) {
			return nil, errors.Wrapf(ErrAllocation, "relay at %#x out of rel32 range of %#x", relay.Addr, d.target)
		}
		dest = relay.Addr
	}
	return tramp.PadNop(tramp.JmpRel32(d.target, dest), d.consumed), nil
}

// Uninstall removes the hook named by h, restoring the original prologue and
// freeing the trampoline once no thread can be executing inside it.
func (e *Engine) Uninstall(h Handle) error {
	e.mu.Lock()
	d, ok := e.hooks[h.target]
	if !ok || d.id != h.id || d.state != StateActive {
		e.mu.Unlock()
		return errors.Wrapf(ErrInvalidHandle, "target %#x", h.target)
	}
	d.state = StateUninstalling
	e.mu.Unlock()
	return e.remove(d)
}

func (e *Engine) remove(d *descriptor) error {
	if err := e.guard.Vacate(d.target, d.target+uintptr(d.consumed)); err != nil {
		// nothing was written, the hook stays active
		e.setState(d, StateActive)
		return err
	}
	if err := e.patcher.Restore(d.target, d.original); err != nil {
		// code integrity is unknown; the descriptor stays parked in
		// uninstalling so the address can never be re-claimed
		return errors.Wrapf(err, "restore of %#x failed, hook parked in %s state", d.target, StateUninstalling)
	}

	// both the trampoline and any far relay held live code the patch site
	// pointed at; free them only once no thread can still be inside
	d.trampBlock = e.vacated(d.trampBlock, "trampoline")
	d.relayBlock = e.vacated(d.relayBlock, "relay")
	e.releaseBlocks(d)

	e.mu.Lock()
	d.state = StateRemoved
	delete(e.hooks, d.target)
	e.mu.Unlock()
	e.log.WithField("target", d.target).Info("hook removed")
	return nil
}

// OriginalEntryPoint returns the address a replacement calls to invoke the
// original, unhooked behavior of h's target.
func (e *Engine) OriginalEntryPoint(h Handle) (uintptr, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	d, ok := e.hooks[h.target]
	if !ok || d.id != h.id || d.state != StateActive {
		return 0, errors.Wrapf(ErrInvalidHandle, "target %#x", h.target)
	}
	return d.entry, nil
}

// Shutdown force-uninstalls every remaining hook and rejects further
// installs. The first uninstall failure is returned; remaining hooks are
// still attempted.
func (e *Engine) Shutdown() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	// installs that passed the closed check finish before the snapshot, so
	// none can go active after Shutdown returns
	e.installs.Wait()

	e.mu.Lock()
	var hs []Handle
	for _, d := range e.hooks {
		if d.state == StateActive {
			hs = append(hs, Handle{target: d.target, id: d.id})
		}
	}
	e.mu.Unlock()

	var first error
	for _, h := range hs {
		if err := e.Uninstall(h); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// vacated returns b once the guard confirms no thread is executing inside
// it, or nil to leak the block rather than free occupied code.
func (e *Engine) vacated(b *alloc.Block, what string) *alloc.Block {
	if b == nil {
		return nil
	}
	lo := b.Addr
	hi := lo + uintptr(len(b.Mem))
	if err := e.guard.Vacate(lo, hi); err != nil {
		e.log.WithError(err).WithField("block", lo).Warnf("%s not vacated, leaking block", what)
		return nil
	}
	return b
}

func (e *Engine) setState(d *descriptor, s State) {
	e.mu.Lock()
	d.state = s
	e.mu.Unlock()
	e.log.WithFields(logrus.Fields{"target": d.target, "state": s.String()}).Debug("hook state")
}

func (e *Engine) releaseBlocks(d *descriptor) {
	if d.trampBlock != nil {
		if err := e.allocator.Release(d.trampBlock); err != nil {
			e.log.WithError(err).Warn("release trampoline block")
		}
		d.trampBlock = nil
	}
	if d.relayBlock != nil {
		if err := e.allocator.Release(d.relayBlock); err != nil {
			e.log.WithError(err).Warn("release relay block")
		}
		d.relayBlock = nil
	}
}
