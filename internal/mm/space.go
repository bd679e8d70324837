// internal/mm/space.go

package mm

import (
	"errors"
	"fmt"
	"sync"

	"github.com/emirpasic/gods/maps/treemap"
	"github.com/emirpasic/gods/utils"
)

// Flags are page-table entry permission bits.
type Flags uint8

const (
	FlagWrite Flags = 1 << iota
	FlagUser
	FlagExec
)

var (
	ErrMapped    = errors.New("page already mapped")
	ErrNotMapped = errors.New("page not mapped")
)

type pte struct {
	phys  uint64
	flags Flags
}

// AddressSpace is a page-table root plus the translations installed in it.
type AddressSpace struct {
	Root Range

	mu      sync.Mutex
	entries *treemap.Map // virtual page -> pte
}

// NewAddressSpace allocates the root table frame from a.
func NewAddressSpace(a Allocator) (*AddressSpace, error) {
	root, err := a.AllocPages(1)
	if err != nil {
		return nil, fmt.Errorf("address space root: %w", err)
	}
	return &AddressSpace{
		Root:    root,
		entries: treemap.NewWith(utils.UInt64Comparator),
	}, nil
}

// Map installs translations for r at virt.
func (s *AddressSpace) Map(virt uint64, r Range, flags Flags) error {
	if virt%PageSize != 0 {
		return fmt.Errorf("map %#x: %w", virt, ErrBadRange)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for i := 0; i < r.Pages; i++ {
		if _, ok := s.entries.Get(virt + uint64(i)*PageSize); ok {
			return fmt.Errorf("map %#x: %w", virt+uint64(i)*PageSize, ErrMapped)
		}
	}
	for i := 0; i < r.Pages; i++ {
		off := uint64(i) * PageSize
		s.entries.Put(virt+off, pte{phys: r.Base + off, flags: flags})
	}
	return nil
}

// Unmap removes pages translations starting at virt.
func (s *AddressSpace) Unmap(virt uint64, pages int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := 0; i < pages; i++ {
		page := virt + uint64(i)*PageSize
		if _, ok := s.entries.Get(page); !ok {
			return fmt.Errorf("unmap %#x: %w", page, ErrNotMapped)
		}
		s.entries.Remove(page)
	}
	return nil
}

// Translate resolves a virtual address.
func (s *AddressSpace) Translate(virt uint64) (uint64, Flags, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, ok := s.entries.Get(virt &^ (PageSize - 1))
	if !ok {
		return 0, 0, false
	}
	e := v.(pte)
	return e.phys + virt%PageSize, e.flags, true
}

// Mapped is the number of installed page translations.
func (s *AddressSpace) Mapped() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.entries.Size()
}

// Release drops every translation and returns the root frame to a.
func (s *AddressSpace) Release(a Allocator) error {
	s.mu.Lock()
	s.entries.Clear()
	s.mu.Unlock()
	return a.FreePages(s.Root)
}
