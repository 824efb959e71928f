package detourgo

import "github.com/pkg/errors"

// Convention tags the calling convention of a hook target. The engine only
// consumes the tag, supplied by the caller's ABI description, to decide what
// prologue the trampoline needs before the relocated instructions.
type Convention int

const (
	// ConventionC is the platform C convention (System V on unix, Win64 on
	// windows). Register and stack state already match what the relocated
	// prologue expects, so no trampoline prologue is emitted.
	ConventionC Convention = iota
)

func (c Convention) String() string {
	if c == ConventionC {
		return "c"
	}
	return "unknown"
}

// conventionPrologue returns the machine code placed at the trampoline entry
// for the given convention.
func conventionPrologue(c Convention) ([]byte, error) {
	switch c {
	case ConventionC:
		return nil, nil
	}
	return nil, errors.Wrapf(ErrConvention, "tag %d", int(c))
}
