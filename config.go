package detourgo

import (
	"io"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/k2io/detourgo/internal/alloc"
	"github.com/k2io/detourgo/internal/quiesce"
)

// Options tunes an Engine. The zero value is usable; zero fields take the
// defaults below.
type Options struct {
	// Quiesce bounds the retry loop that waits for threads to leave a patch
	// range.
	Quiesce QuiescePolicy
	// SlabSize is the reservation size of one executable memory mapping.
	SlabSize int
	// MaxAllocDistance is how far from a target trampoline memory may be
	// placed. Must stay below the JMP rel32 range.
	MaxAllocDistance uintptr
	// Logger receives engine diagnostics. Defaults to a warn-level logger.
	Logger logrus.FieldLogger
}

// QuiescePolicy mirrors quiesce.Policy at the configuration surface.
type QuiescePolicy struct {
	MaxAttempts     uint64
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultOptions returns the engine defaults.
func DefaultOptions() Options {
	p := quiesce.DefaultPolicy()
	return Options{
		Quiesce: QuiescePolicy{
			MaxAttempts:     p.MaxAttempts,
			InitialInterval: p.InitialInterval,
			MaxInterval:     p.MaxInterval,
		},
		SlabSize:         alloc.DefaultSlabSize,
		MaxAllocDistance: alloc.DefaultMaxDistance,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.Quiesce.MaxAttempts == 0 {
		o.Quiesce.MaxAttempts = d.Quiesce.MaxAttempts
	}
	if o.Quiesce.InitialInterval == 0 {
		o.Quiesce.InitialInterval = d.Quiesce.InitialInterval
	}
	if o.Quiesce.MaxInterval == 0 {
		o.Quiesce.MaxInterval = d.Quiesce.MaxInterval
	}
	if o.SlabSize == 0 {
		o.SlabSize = d.SlabSize
	}
	if o.MaxAllocDistance == 0 {
		o.MaxAllocDistance = d.MaxAllocDistance
	}
	if o.Logger == nil {
		l := logrus.New()
		l.SetLevel(logrus.WarnLevel)
		l.SetOutput(io.Discard)
		o.Logger = l
	}
	return o
}

// fileOptions is the TOML shape of Options; intervals are duration strings.
type fileOptions struct {
	Quiesce struct {
		MaxAttempts     uint64 `toml:"max_attempts"`
		InitialInterval string `toml:"initial_interval"`
		MaxInterval     string `toml:"max_interval"`
	} `toml:"quiesce"`
	SlabSize         int    `toml:"slab_size"`
	MaxAllocDistance uint64 `toml:"max_alloc_distance"`
}

// LoadOptions reads engine options from a TOML file. Omitted keys keep their
// defaults.
func LoadOptions(path string) (Options, error) {
	var f fileOptions
	if _, err := toml.DecodeFile(path, &f); err != nil {
		return Options{}, errors.Wrapf(err, "load options from %s", path)
	}
	o := DefaultOptions()
	if f.Quiesce.MaxAttempts != 0 {
		o.Quiesce.MaxAttempts = f.Quiesce.MaxAttempts
	}
	if f.Quiesce.InitialInterval != "" {
		v, err := time.ParseDuration(f.Quiesce.InitialInterval)
		if err != nil {
			return Options{}, errors.Wrap(err, "quiesce.initial_interval")
		}
		o.Quiesce.InitialInterval = v
	}
	if f.Quiesce.MaxInterval != "" {
		v, err := time.ParseDuration(f.Quiesce.MaxInterval)
		if err != nil {
			return Options{}, errors.Wrap(err, "quiesce.max_interval")
		}
		o.Quiesce.MaxInterval = v
	}
	if f.SlabSize != 0 {
		o.SlabSize = f.SlabSize
	}
	if f.MaxAllocDistance != 0 {
		o.MaxAllocDistance = uintptr(f.MaxAllocDistance)
	}
	return o, nil
}
