// Package quiesce confirms that no other thread is executing inside a byte
// range before that range is patched or freed.
package quiesce

import (
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// ErrTimeout means the protected range could not be vacated within the
// bounded retry policy. Callers must not write the range when they see it.
var ErrTimeout = errors.New("patch range not vacated")

var errOccupied = errors.New("thread inside protected range")

// Thread is one foreign execution thread's captured state.
type Thread struct {
	// ID is the OS thread identifier.
	ID int
	// PC is the thread's instruction pointer at capture time.
	PC uintptr
	// PCKnown is false when the thread was on CPU and its instruction
	// pointer could not be sampled. The guard must then assume the thread
	// may be inside any range.
	PCKnown bool
}

// Enumerator captures the instruction pointers of every other thread in the
// process. It is a host-OS capability; tests substitute fakes.
type Enumerator interface {
	Threads() ([]Thread, error)
}

// Policy bounds the vacate retry loop. The backoff curve is configuration,
// not a constant: hosts with long-running loops in hooked code need looser
// bounds than test processes.
type Policy struct {
	// MaxAttempts is the number of retries after the first check.
	MaxAttempts uint64
	// InitialInterval is the first backoff delay.
	InitialInterval time.Duration
	// MaxInterval caps the backoff delay.
	MaxInterval time.Duration
}

// DefaultPolicy retries for roughly half a second in the worst case.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:     50,
		InitialInterval: 100 * time.Microsecond,
		MaxInterval:     10 * time.Millisecond,
	}
}

// Guard checks ranges against a thread enumerator with bounded retries.
type Guard struct {
	enum   Enumerator
	policy Policy
	log    logrus.FieldLogger
}

// New creates a guard. A zero policy is replaced by DefaultPolicy.
func New(enum Enumerator, policy Policy, log logrus.FieldLogger) *Guard {
	if policy.MaxAttempts == 0 {
		policy = DefaultPolicy()
	}
	return &Guard{enum: enum, policy: policy, log: log}
}

// Vacate blocks until no foreign thread's instruction pointer lies inside
// [lo, hi), retrying with exponential backoff up to the policy bound.
func (g *Guard) Vacate(lo, hi uintptr) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = g.policy.InitialInterval
	bo.MaxInterval = g.policy.MaxInterval
	bo.MaxElapsedTime = 0

	check := func() error {
		threads, err := g.enum.Threads()
		if err != nil {
			// cannot see thread state at all; writing blind would risk a
			// torn fetch, so give up immediately
			return backoff.Permanent(errors.Wrapf(ErrTimeout, "enumerate threads: %v", err))
		}
		for _, t := range threads {
			if !t.PCKnown {
				g.log.WithField("tid", t.ID).Debug("thread state unobservable, assuming occupied")
				return errOccupied
			}
			if t.PC >= lo && t.PC < hi {
				g.log.WithFields(logrus.Fields{
					"tid": t.ID,
					"pc":  t.PC,
				}).Debug("thread inside protected range")
				return errOccupied
			}
		}
		return nil
	}

	err := backoff.Retry(check, backoff.WithMaxRetries(bo, g.policy.MaxAttempts))
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrTimeout) {
		return err
	}
	return errors.Wrapf(ErrTimeout, "range [%#x,%#x) still occupied after %d attempts", lo, hi, g.policy.MaxAttempts+1)
}
