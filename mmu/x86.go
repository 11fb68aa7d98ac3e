package mmu

import (
	"encoding/binary"

	cerrors "github.com/cockroachdb/errors"

	"github.com/loadstone-boot/loadstone/memory"
	"github.com/loadstone-boot/loadstone/status"
)

const (
	x86Present uint64 = 1 << 0
	x86Write   uint64 = 1 << 1
	x86PWT     uint64 = 1 << 3
	x86PCD     uint64 = 1 << 4
	x86Large   uint64 = 1 << 7

	x86AddrMask uint64 = 0x000ffffffffff000

	x86LargeSize64 uint64 = 0x200000
	x86LargeSize32 uint64 = 0x400000
)

func x86EntryAttrs(flags Flags) uint64 {
	e := x86Present
	if flags&MapRO == 0 {
		e |= x86Write
	}
	switch flags & cacheMask {
	case CacheWriteThrough:
		e |= x86PWT
	case CacheUncached:
		e |= x86PCD | x86PWT
	}
	return e
}

func x86AttrsToFlags(entry uint64) Flags {
	var flags Flags
	if entry&x86Write == 0 {
		flags |= MapRO
	}
	switch {
	case entry&x86PCD != 0:
		flags |= CacheUncached
	case entry&x86PWT != 0:
		flags |= CacheWriteThrough
	}
	return flags
}

// x86Context implements Context with x86 page tables: a two-level directory
// with 4MiB large pages for Mode32, the four-level long mode format with
// 2MiB large pages for Mode64.
type x86Context struct {
	arena Arena
	mode  Mode
	root  uint64
}

// NewX86 creates an x86 page table context. Table pages are taken from the
// arena as the mapping grows.
func NewX86(mode Mode, arena Arena) (Context, error) {
	root, err := arena.AllocPage()
	if err != nil {
		return nil, err
	}
	return &x86Context{arena: arena, mode: mode, root: root}, nil
}

func (c *x86Context) entry(tablePhys uint64, idx int) (uint64, []byte, error) {
	table, err := c.arena.Bytes(tablePhys, memory.PageSize)
	if err != nil {
		return 0, nil, err
	}
	if c.mode == Mode32 {
		return uint64(binary.LittleEndian.Uint32(table[idx*4:])), table, nil
	}
	return binary.LittleEndian.Uint64(table[idx*8:]), table, nil
}

func (c *x86Context) setEntry(table []byte, idx int, value uint64) {
	if c.mode == Mode32 {
		binary.LittleEndian.PutUint32(table[idx*4:], uint32(value))
		return
	}
	binary.LittleEndian.PutUint64(table[idx*8:], value)
}

// next returns the table the given directory entry points at, allocating it
// if the entry is empty. Directory entries are always writable; permissions
// are applied at the leaf.
func (c *x86Context) next(tablePhys uint64, idx int) (uint64, error) {
	entry, table, err := c.entry(tablePhys, idx)
	if err != nil {
		return 0, err
	}
	if entry&x86Present != 0 {
		if entry&x86Large != 0 {
			return 0, cerrors.Wrapf(status.ErrInvalidArg,
				"mapping conflicts with an existing large page")
		}
		return entry & x86AddrMask, nil
	}

	page, err := c.arena.AllocPage()
	if err != nil {
		return 0, err
	}
	c.setEntry(table, idx, page|x86Present|x86Write)
	return page, nil
}

func (c *x86Context) setLeaf(tablePhys uint64, idx int, value uint64) error {
	existing, table, err := c.entry(tablePhys, idx)
	if err != nil {
		return err
	}
	if existing&x86Present != 0 {
		if existing != value {
			return cerrors.Wrapf(status.ErrInvalidArg,
				"mapping conflicts with an existing inconsistent mapping")
		}
		return nil
	}
	c.setEntry(table, idx, value)
	return nil
}

// walk returns the leaf table for virt, along with the leaf index, creating
// intermediate tables on the way down.
func (c *x86Context) walk(virt uint64, toLarge bool) (uint64, int, error) {
	if c.mode == Mode32 {
		if toLarge {
			return c.root, int(virt >> 22 & 1023), nil
		}
		pt, err := c.next(c.root, int(virt>>22&1023))
		if err != nil {
			return 0, 0, err
		}
		return pt, int(virt >> 12 & 1023), nil
	}

	pdpt, err := c.next(c.root, int(virt>>39&511))
	if err != nil {
		return 0, 0, err
	}
	pd, err := c.next(pdpt, int(virt>>30&511))
	if err != nil {
		return 0, 0, err
	}
	if toLarge {
		return pd, int(virt >> 21 & 511), nil
	}
	pt, err := c.next(pd, int(virt>>21&511))
	if err != nil {
		return 0, 0, err
	}
	return pt, int(virt >> 12 & 511), nil
}

func (c *x86Context) mapSmall(virt, phys uint64, flags Flags) error {
	table, idx, err := c.walk(virt, false)
	if err != nil {
		return err
	}
	return c.setLeaf(table, idx, phys|x86EntryAttrs(flags))
}

func (c *x86Context) mapLarge(virt, phys uint64, flags Flags) error {
	table, idx, err := c.walk(virt, true)
	if err != nil {
		return err
	}
	return c.setLeaf(table, idx, phys|x86EntryAttrs(flags)|x86Large)
}

func (c *x86Context) largeSize() uint64 {
	if c.mode == Mode32 {
		return x86LargeSize32
	}
	return x86LargeSize64
}

func (c *x86Context) Map(virt, phys, size uint64, flags Flags) error {
	if err := checkMapArgs(virt, phys, size); err != nil {
		return err
	}
	if c.mode == Mode32 && (virt+size > 1<<32 || phys+size > 1<<32) {
		return cerrors.Wrapf(status.ErrInvalidArg,
			"mapping 0x%x -> 0x%x size 0x%x exceeds the 32-bit address space", virt, phys, size)
	}

	large := c.largeSize()

	// Large pages are usable when virtual and physical are congruent modulo
	// the large page size: map small pages up to the first large boundary,
	// then large pages for as long as they fit.
	if virt%large == phys%large {
		for size > 0 && virt%large != 0 {
			if err := c.mapSmall(virt, phys, flags); err != nil {
				return err
			}
			virt += memory.PageSize
			phys += memory.PageSize
			size -= memory.PageSize
		}
		for size >= large {
			if err := c.mapLarge(virt, phys, flags); err != nil {
				return err
			}
			virt += large
			phys += large
			size -= large
		}
	}

	for size > 0 {
		if err := c.mapSmall(virt, phys, flags); err != nil {
			return err
		}
		virt += memory.PageSize
		phys += memory.PageSize
		size -= memory.PageSize
	}
	return nil
}

func (c *x86Context) Translate(virt uint64) (uint64, Flags, bool) {
	lookup := func(tablePhys uint64, idx int) (uint64, bool) {
		entry, _, err := c.entry(tablePhys, idx)
		if err != nil || entry&x86Present == 0 {
			return 0, false
		}
		return entry, true
	}

	if c.mode == Mode32 {
		if virt >= 1<<32 {
			return 0, 0, false
		}
		pde, ok := lookup(c.root, int(virt>>22&1023))
		if !ok {
			return 0, 0, false
		}
		if pde&x86Large != 0 {
			base := pde & x86AddrMask &^ (x86LargeSize32 - 1)
			return base + virt%x86LargeSize32, x86AttrsToFlags(pde), true
		}
		pte, ok := lookup(pde&x86AddrMask, int(virt>>12&1023))
		if !ok {
			return 0, 0, false
		}
		return pte&x86AddrMask + virt%memory.PageSize, x86AttrsToFlags(pte), true
	}

	pml4e, ok := lookup(c.root, int(virt>>39&511))
	if !ok {
		return 0, 0, false
	}
	pdpte, ok := lookup(pml4e&x86AddrMask, int(virt>>30&511))
	if !ok {
		return 0, 0, false
	}
	pde, ok := lookup(pdpte&x86AddrMask, int(virt>>21&511))
	if !ok {
		return 0, 0, false
	}
	if pde&x86Large != 0 {
		base := pde & x86AddrMask &^ (x86LargeSize64 - 1)
		return base + virt%x86LargeSize64, x86AttrsToFlags(pde), true
	}
	pte, ok := lookup(pde&x86AddrMask, int(virt>>12&511))
	if !ok {
		return 0, 0, false
	}
	return pte&x86AddrMask + virt%memory.PageSize, x86AttrsToFlags(pte), true
}

func (c *x86Context) Memset(addr uint64, value byte, size uint64) error {
	return memsetThrough(c, c.arena, addr, value, size)
}

func (c *x86Context) CopyTo(addr uint64, data []byte) error {
	return copyToThrough(c, c.arena, addr, data)
}

func (c *x86Context) CopyFrom(buf []byte, addr uint64) error {
	return copyFromThrough(c, c.arena, buf, addr)
}

func (c *x86Context) Root() uint64 { return c.root }
func (c *x86Context) Mode() Mode   { return c.mode }
