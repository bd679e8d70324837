// internal/atomics/cell.go

package atomics

import "sync/atomic"

// Cell is a 64-bit word whose read/modify/write operations are indivisible
// with respect to every other core.
type Cell struct {
	v atomic.Uint64
}

func (c *Cell) Load() uint64     { return c.v.Load() }
func (c *Cell) Store(val uint64) { c.v.Store(val) }

// Swap stores val and returns the previous value.
func (c *Cell) Swap(val uint64) uint64 { return c.v.Swap(val) }

func (c *Cell) CompareAndSwap(old, new uint64) bool {
	return c.v.CompareAndSwap(old, new)
}

// Add adds delta and returns the new value.
func (c *Cell) Add(delta uint64) uint64 { return c.v.Add(delta) }

// Sub subtracts delta and returns the new value.
func (c *Cell) Sub(delta uint64) uint64 { return c.v.Add(^(delta - 1)) }

func (c *Cell) Inc() uint64 { return c.v.Add(1) }
func (c *Cell) Dec() uint64 { return c.v.Add(^uint64(0)) }

// And, Or and Xor apply mask and return the previous value.
func (c *Cell) And(mask uint64) uint64 {
	return c.update(func(old uint64) uint64 { return old & mask })
}

func (c *Cell) Or(mask uint64) uint64 {
	return c.update(func(old uint64) uint64 { return old | mask })
}

func (c *Cell) Xor(mask uint64) uint64 {
	return c.update(func(old uint64) uint64 { return old ^ mask })
}

// TestBit reports whether bit is set.
func (c *Cell) TestBit(bit uint) bool {
	return c.v.Load()&(1<<bit) != 0
}

// TestAndSetBit sets bit and reports whether it was already set.
func (c *Cell) TestAndSetBit(bit uint) bool {
	return c.Or(1<<bit)&(1<<bit) != 0
}

// TestAndResetBit clears bit and reports whether it was set.
func (c *Cell) TestAndResetBit(bit uint) bool {
	return c.And(^(uint64(1)<<bit))&(1<<bit) != 0
}

// TestAndComplementBit flips bit and reports its previous value.
func (c *Cell) TestAndComplementBit(bit uint) bool {
	return c.Xor(1<<bit)&(1<<bit) != 0
}

func (c *Cell) update(fn func(uint64) uint64) uint64 {
	for {
		old := c.v.Load()
		if c.v.CompareAndSwap(old, fn(old)) {
			return old
		}
	}
}
