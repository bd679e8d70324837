// internal/mm/lowmem.go

package mm

import (
	"fmt"
	"sync"
)

// LowMemory is the byte-addressable physical memory below 1 MiB, where
// secondary cores start executing in real mode.
type LowMemory struct {
	mu  sync.RWMutex
	buf []byte
}

func NewLowMemory(size int) *LowMemory {
	return &LowMemory{buf: make([]byte, size)}
}

// Write copies data to physical address addr.
func (m *LowMemory) Write(addr uint64, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if addr+uint64(len(data)) > uint64(len(m.buf)) {
		return fmt.Errorf("low memory write %#x+%d: %w", addr, len(data), ErrBadRange)
	}
	copy(m.buf[addr:], data)
	return nil
}

// Read returns a copy of n bytes at physical address addr.
func (m *LowMemory) Read(addr uint64, n int) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if addr+uint64(n) > uint64(len(m.buf)) {
		return nil, fmt.Errorf("low memory read %#x+%d: %w", addr, n, ErrBadRange)
	}
	out := make([]byte, n)
	copy(out, m.buf[addr:])
	return out, nil
}
