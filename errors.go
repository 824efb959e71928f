package detourgo

import (
	"errors"

	"github.com/k2io/detourgo/internal/alloc"
	"github.com/k2io/detourgo/internal/decoder"
	"github.com/k2io/detourgo/internal/patch"
	"github.com/k2io/detourgo/internal/quiesce"
	"github.com/k2io/detourgo/internal/tramp"
)

var (
	// ErrDecode means the target's prologue could not be decoded, or the
	// function is shorter than the patch window.
	ErrDecode = decoder.ErrDecode
	// ErrUnrelocatable means a prologue instruction cannot be rewritten for
	// the trampoline's address.
	ErrUnrelocatable = tramp.ErrUnrelocatable
	// ErrAllocation means no executable memory could be mapped within branch
	// range of the target.
	ErrAllocation = alloc.ErrNoMemory
	// ErrPatchWrite means the patch site's page protection could not be
	// changed.
	ErrPatchWrite = patch.ErrPatchWrite
	// ErrQuiescenceTimeout means a thread stayed inside the protected range
	// for the whole retry budget.
	ErrQuiescenceTimeout = quiesce.ErrTimeout
)

var (
	// ErrDoubleHook means the target already has an active or in-flight hook.
	ErrDoubleHook = errors.New("double hook")
	// ErrInvalidHandle means the handle does not name an active hook.
	ErrInvalidHandle = errors.New("invalid hook handle")
	// ErrEngineClosed means the engine was shut down.
	ErrEngineClosed = errors.New("engine is shut down")
	// ErrConvention means the calling convention tag is unknown.
	ErrConvention = errors.New("unknown calling convention")
)
