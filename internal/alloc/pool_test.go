package alloc

import (
	"os"
	"sync"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeMapper hands out fake address space so the pool's bookkeeping can be
// exercised without mapping real executable memory.
type fakeMapper struct {
	mu     sync.Mutex
	mapped map[uintptr][]byte
	sealed map[uintptr]bool
	calls  int
	fail   bool
}

func newFakeMapper() *fakeMapper {
	return &fakeMapper{
		mapped: make(map[uintptr][]byte),
		sealed: make(map[uintptr]bool),
	}
}

func (m *fakeMapper) Map(hint uintptr, size int) (uintptr, []byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.fail {
		return 0, nil, errors.New("mmap failed")
	}
	if _, ok := m.mapped[hint]; ok {
		return 0, nil, errors.New("address occupied")
	}
	mem := make([]byte, size)
	m.mapped[hint] = mem
	return hint, mem, nil
}

func (m *fakeMapper) Unmap(base uintptr, _ []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.mapped, base)
	return nil
}

func (m *fakeMapper) Protect(addr uintptr, _ []byte, writable bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sealed[addr] = !writable
	return nil
}

func testPool(m mapper) *Pool {
	return newPool(8*os.Getpagesize(), DefaultMaxDistance, m)
}

func TestAllocateWithinDistance(t *testing.T) {
	m := newFakeMapper()
	p := testPool(m)

	origin := uintptr(0x40000000)
	blk, err := p.Allocate(origin, 100)
	require.NoError(t, err)
	require.NotNil(t, blk)

	assert.LessOrEqual(t, diff(origin, blk.Addr), uintptr(DefaultMaxDistance))
	assert.Equal(t, os.Getpagesize(), len(blk.Mem))
}

func TestAllocationsShareSlab(t *testing.T) {
	m := newFakeMapper()
	p := testPool(m)

	a, err := p.Allocate(0x40000000, 16)
	require.NoError(t, err)
	b, err := p.Allocate(0x40000000, 16)
	require.NoError(t, err)

	assert.Len(t, m.mapped, 1)
	assert.NotEqual(t, a.Addr, b.Addr)
	assert.Equal(t, a.Addr+uintptr(os.Getpagesize()), b.Addr)
}

func TestReleaseReusesPages(t *testing.T) {
	m := newFakeMapper()
	p := testPool(m)

	a, err := p.Allocate(0x40000000, 16)
	require.NoError(t, err)
	keep, err := p.Allocate(0x40000000, 16)
	require.NoError(t, err)

	addr := a.Addr
	require.NoError(t, p.Release(a))
	b, err := p.Allocate(0x40000000, 16)
	require.NoError(t, err)
	assert.Equal(t, addr, b.Addr)

	require.NoError(t, p.Release(keep))
	require.NoError(t, p.Release(b))
}

func TestSlabUnmappedWhenEmpty(t *testing.T) {
	m := newFakeMapper()
	p := testPool(m)

	a, err := p.Allocate(0x40000000, 16)
	require.NoError(t, err)
	b, err := p.Allocate(0x40000000, 16)
	require.NoError(t, err)

	require.NoError(t, p.Release(a))
	assert.Len(t, m.mapped, 1)
	require.NoError(t, p.Release(b))
	assert.Empty(t, m.mapped)
}

func TestSealProtectsBlock(t *testing.T) {
	m := newFakeMapper()
	p := testPool(m)

	blk, err := p.Allocate(0x40000000, 16)
	require.NoError(t, err)
	require.NoError(t, p.Seal(blk))
	assert.True(t, m.sealed[blk.Addr])
}

func TestReleasedPagesWritableOnReuse(t *testing.T) {
	m := newFakeMapper()
	p := testPool(m)

	a, err := p.Allocate(0x800000, 16)
	require.NoError(t, err)
	keep, err := p.Allocate(0x800000, 16)
	require.NoError(t, err)

	require.NoError(t, p.Seal(a))
	require.True(t, m.sealed[a.Addr])
	require.NoError(t, p.Release(a))

	// the same page comes back, and it must accept writes again
	b, err := p.Allocate(0x800000, 16)
	require.NoError(t, err)
	require.Equal(t, a.Addr, b.Addr)
	assert.False(t, m.sealed[b.Addr])

	require.NoError(t, p.Release(keep))
	require.NoError(t, p.Release(b))
}

func TestMapFailure(t *testing.T) {
	m := newFakeMapper()
	m.fail = true
	p := testPool(m)

	_, err := p.Allocate(0x40000000, 16)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNoMemory))
}

func TestHintProbesAreDistinct(t *testing.T) {
	m := newFakeMapper()
	m.fail = true
	p := testPool(m)

	_, err := p.Allocate(0x40000000, 16)
	require.Error(t, err)
	// one upward probe at the origin, then one on each side per step
	assert.Equal(t, 2*hintTries-1, m.calls)
}

func TestOversizedAllocation(t *testing.T) {
	m := newFakeMapper()
	p := testPool(m)

	_, err := p.Allocate(0x40000000, 9*os.Getpagesize())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNoMemory))
}

func TestZeroSizeAllocation(t *testing.T) {
	p := testPool(newFakeMapper())
	_, err := p.Allocate(0x40000000, 0)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNoMemory))
}

func TestReleaseTwiceIsHarmless(t *testing.T) {
	p := testPool(newFakeMapper())
	blk, err := p.Allocate(0x40000000, 16)
	require.NoError(t, err)
	require.NoError(t, p.Release(blk))
	require.NoError(t, p.Release(blk))
}

func TestConcurrentAllocateRelease(t *testing.T) {
	m := newFakeMapper()
	p := testPool(m)

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			origin := uintptr(0x40000000 + g*0x1000)
			for i := 0; i < 50; i++ {
				blk, err := p.Allocate(origin, 32)
				if err != nil {
					t.Error(err)
					return
				}
				if err := p.Release(blk); err != nil {
					t.Error(err)
					return
				}
			}
		}(g)
	}
	wg.Wait()
	assert.Empty(t, m.mapped)
}
