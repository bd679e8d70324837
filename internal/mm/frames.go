// internal/mm/frames.go

package mm

import (
	"errors"
	"fmt"

	"cfskern/internal/atomics"
	"cfskern/internal/spinlock"
)

// PageSize is the size of one physical frame.
const PageSize = 4096

var (
	ErrNoMemory = errors.New("out of physical memory")
	ErrBadRange = errors.New("bad page range")
)

// Range is a run of contiguous, page-aligned physical frames.
type Range struct {
	Base  uint64
	Pages int
}

func (r Range) Size() uint64 { return uint64(r.Pages) * PageSize }

// Top is the first address past the range; stacks grow down from it.
func (r Range) Top() uint64 { return r.Base + r.Size() }

func (r Range) Empty() bool { return r.Pages == 0 }

func (r Range) String() string {
	return fmt.Sprintf("[%#x-%#x)", r.Base, r.Top())
}

// Allocator hands out and takes back physical frames.
type Allocator interface {
	AllocPages(n int) (Range, error)
	FreePages(r Range) error
}

// Frames is a first-fit bitmap frame allocator over one physical region.
type Frames struct {
	base  uint64
	pages int
	lock  spinlock.Spinlock
	bits  []atomics.Cell
	used  atomics.Cell
}

// NewFrames manages pages frames starting at the page-aligned address base.
func NewFrames(base uint64, pages int) *Frames {
	if base%PageSize != 0 {
		panic(fmt.Sprintf("mm: frame base %#x not page aligned", base))
	}
	return &Frames{
		base:  base,
		pages: pages,
		bits:  make([]atomics.Cell, (pages+63)/64),
	}
}

// AllocPages claims n contiguous frames.
func (f *Frames) AllocPages(n int) (Range, error) {
	if n <= 0 {
		return Range{}, fmt.Errorf("alloc %d pages: %w", n, ErrBadRange)
	}

	g := f.lock.Lock(nil)
	defer g.Unlock()

	run := 0
	for i := 0; i < f.pages; i++ {
		if f.bits[i/64].TestBit(uint(i % 64)) {
			run = 0
			continue
		}
		run++
		if run == n {
			first := i - n + 1
			for p := first; p <= i; p++ {
				f.bits[p/64].TestAndSetBit(uint(p % 64))
			}
			f.used.Add(uint64(n))
			return Range{Base: f.base + uint64(first)*PageSize, Pages: n}, nil
		}
	}
	return Range{}, fmt.Errorf("alloc %d pages: %w", n, ErrNoMemory)
}

// FreePages returns r to the allocator. Every frame of r must be in use.
func (f *Frames) FreePages(r Range) error {
	if r.Pages <= 0 || r.Base < f.base || r.Base%PageSize != 0 {
		return fmt.Errorf("free %v: %w", r, ErrBadRange)
	}
	first := int((r.Base - f.base) / PageSize)
	if first+r.Pages > f.pages {
		return fmt.Errorf("free %v: %w", r, ErrBadRange)
	}

	g := f.lock.Lock(nil)
	defer g.Unlock()

	for p := first; p < first+r.Pages; p++ {
		if !f.bits[p/64].TestBit(uint(p % 64)) {
			return fmt.Errorf("free %v: frame %#x not allocated: %w", r, f.base+uint64(p)*PageSize, ErrBadRange)
		}
	}
	for p := first; p < first+r.Pages; p++ {
		f.bits[p/64].TestAndResetBit(uint(p % 64))
	}
	f.used.Sub(uint64(r.Pages))
	return nil
}

// Used is the number of frames currently handed out.
func (f *Frames) Used() int { return int(f.used.Load()) }

// Total is the number of frames managed.
func (f *Frames) Total() int { return f.pages }
