// Package alloc manages a pool of executable memory placed within branch
// range of hook targets. Slabs are mapped near an origin address and carved
// into page-granular blocks so each trampoline can be sealed read+execute on
// its own.
package alloc

import (
	"os"
	"sync"

	"github.com/pkg/errors"
)

// ErrNoMemory means no executable region could be mapped within the
// configured distance of the requested origin.
var ErrNoMemory = errors.New("no executable memory within range")

const (
	// DefaultSlabSize is how much memory one mapping reserves.
	DefaultSlabSize = 64 << 10
	// DefaultMaxDistance keeps allocations within JMP rel32 range of the
	// origin, with headroom below the full 2GiB.
	DefaultMaxDistance = 0x7fff0000

	// hint search parameters: how far apart candidate map addresses are and
	// how many candidates are tried on each side of the origin
	hintStep  = 4 << 20
	hintTries = 64
)

// Block is one carved allocation. Addr and Mem view the same memory; Mem is
// writable until the block is sealed.
type Block struct {
	Addr uintptr
	Mem  []byte

	slab  *slab
	page0 int
	pages int
}

type slab struct {
	base uintptr
	mem  []byte
	free []bool
}

func (s *slab) run(pages int) int {
	n := 0
	for i, f := range s.free {
		if !f {
			n = 0
			continue
		}
		n++
		if n == pages {
			return i - pages + 1
		}
	}
	return -1
}

func (s *slab) empty() bool {
	for _, f := range s.free {
		if !f {
			return false
		}
	}
	return true
}

// mapper abstracts the OS mapping primitives so the pool can be exercised
// without touching real process memory.
type mapper interface {
	// Map reserves a read/write/execute anonymous mapping of size bytes,
	// preferring the hint address. The kernel may place it elsewhere.
	Map(hint uintptr, size int) (uintptr, []byte, error)
	// Unmap releases a mapping created by Map.
	Unmap(base uintptr, mem []byte) error
	// Protect flips the given page-aligned range between rwx and r-x.
	Protect(addr uintptr, mem []byte, writable bool) error
}

// Pool is a process-wide executable memory pool. Safe for concurrent use.
type Pool struct {
	mu          sync.Mutex
	slabSize    int
	maxDistance uintptr
	pageSize    int
	slabs       []*slab
	m           mapper
}

// New creates a pool backed by the operating system's mapping primitives.
func New(slabSize int, maxDistance uintptr) *Pool {
	return newPool(slabSize, maxDistance, osMapper{})
}

func newPool(slabSize int, maxDistance uintptr, m mapper) *Pool {
	if slabSize <= 0 {
		slabSize = DefaultSlabSize
	}
	if maxDistance == 0 {
		maxDistance = DefaultMaxDistance
	}
	page := os.Getpagesize()
	slabSize = (slabSize + page - 1) / page * page
	return &Pool{
		slabSize:    slabSize,
		maxDistance: maxDistance,
		pageSize:    page,
		m:           m,
	}
}

// Allocate returns a writable block of at least size bytes within
// maxDistance of origin.
func (p *Pool) Allocate(origin uintptr, size int) (*Block, error) {
	if size <= 0 {
		return nil, errors.Wrap(ErrNoMemory, "zero-size allocation")
	}
	pages := (size + p.pageSize - 1) / p.pageSize

	p.mu.Lock()
	defer p.mu.Unlock()

	for _, s := range p.slabs {
		if !p.inRange(origin, s.base, len(s.mem)) {
			continue
		}
		if i := s.run(pages); i >= 0 {
			return p.carve(s, i, pages), nil
		}
	}

	s, err := p.mapNear(origin)
	if err != nil {
		return nil, err
	}
	p.slabs = append(p.slabs, s)
	i := s.run(pages)
	if i < 0 {
		return nil, errors.Wrapf(ErrNoMemory, "allocation of %d pages exceeds slab size %d", pages, p.slabSize)
	}
	return p.carve(s, i, pages), nil
}

// Seal makes a block's pages read+execute. The block's contents must not
// change afterwards.
func (p *Pool) Seal(b *Block) error {
	return p.m.Protect(b.Addr, b.Mem, false)
}

// Release returns a block to the pool, unmapping its slab once the slab is
// entirely free.
func (p *Pool) Release(b *Block) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := b.slab
	if s == nil {
		return nil
	}
	// a sealed block comes back read+execute; the pages must be writable
	// again before Allocate hands them out
	if err := p.m.Protect(b.Addr, b.Mem, true); err != nil {
		return errors.Wrapf(err, "unprotect released block %#x", b.Addr)
	}
	for i := b.page0; i < b.page0+b.pages; i++ {
		s.free[i] = true
	}
	b.slab = nil
	if !s.empty() {
		return nil
	}
	for i, cand := range p.slabs {
		if cand == s {
			p.slabs = append(p.slabs[:i], p.slabs[i+1:]...)
			break
		}
	}
	return p.m.Unmap(s.base, s.mem)
}

func (p *Pool) carve(s *slab, page0, pages int) *Block {
	for i := page0; i < page0+pages; i++ {
		s.free[i] = false
	}
	off := page0 * p.pageSize
	n := pages * p.pageSize
	return &Block{
		Addr:  s.base + uintptr(off),
		Mem:   s.mem[off : off+n : off+n],
		slab:  s,
		page0: page0,
		pages: pages,
	}
}

func (p *Pool) inRange(origin, base uintptr, size int) bool {
	last := base + uintptr(size) - 1
	return diff(origin, base) <= p.maxDistance && diff(origin, last) <= p.maxDistance
}

// mapNear walks candidate addresses outward from origin until the kernel
// grants a mapping that is still within branch range.
func (p *Pool) mapNear(origin uintptr) (*slab, error) {
	start := origin &^ uintptr(hintStep-1)
	for i := 0; i < hintTries; i++ {
		hints := []uintptr{start + uintptr(i*hintStep)}
		if i > 0 {
			hints = append(hints, start-uintptr(i*hintStep))
		}
		for _, hint := range hints {
			if hint == 0 {
				continue
			}
			base, mem, err := p.m.Map(hint, p.slabSize)
			if err != nil {
				continue
			}
			if !p.inRange(origin, base, len(mem)) {
				_ = p.m.Unmap(base, mem)
				continue
			}
			free := make([]bool, p.slabSize/p.pageSize)
			for j := range free {
				free[j] = true
			}
			return &slab{base: base, mem: mem, free: free}, nil
		}
	}
	return nil, errors.Wrapf(ErrNoMemory, "no mapping within %#x of %#x", p.maxDistance, origin)
}

func diff(a, b uintptr) uintptr {
	if a > b {
		return a - b
	}
	return b - a
}
