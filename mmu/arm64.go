package mmu

import (
	"encoding/binary"

	cerrors "github.com/cockroachdb/errors"

	"github.com/loadstone-boot/loadstone/memory"
	"github.com/loadstone-boot/loadstone/status"
)

// AArch64 stage 1 descriptors, 4KiB granule. Blocks are used at level 2
// (2MiB). The MAIR the target is entered with is expected to hold normal
// write-back at index 0, write-through at index 1 and device memory at
// index 2, matching arm64AttrIndex.
const (
	arm64Valid      uint64 = 1 << 0
	arm64Table      uint64 = 1 << 1
	arm64Page       uint64 = 1 << 1
	arm64ReadOnly   uint64 = 1 << 7
	arm64AccessFlag uint64 = 1 << 10

	arm64AttrIndexShift = 2
	arm64AttrIndexMask  uint64 = 7 << arm64AttrIndexShift

	arm64AddrMask uint64 = 0x0000fffffffff000

	arm64BlockSize uint64 = 0x200000
)

func arm64AttrIndex(flags Flags) uint64 {
	switch flags & cacheMask {
	case CacheWriteThrough:
		return 1
	case CacheUncached:
		return 2
	}
	return 0
}

func arm64EntryAttrs(flags Flags) uint64 {
	e := arm64Valid | arm64AccessFlag | arm64AttrIndex(flags)<<arm64AttrIndexShift
	if flags&MapRO != 0 {
		e |= arm64ReadOnly
	}
	return e
}

func arm64AttrsToFlags(entry uint64) Flags {
	var flags Flags
	if entry&arm64ReadOnly != 0 {
		flags |= MapRO
	}
	switch entry & arm64AttrIndexMask >> arm64AttrIndexShift {
	case 1:
		flags |= CacheWriteThrough
	case 2:
		flags |= CacheUncached
	}
	return flags
}

// arm64Context implements Context with a four-level AArch64 translation
// table. Only Mode64 targets are supported.
type arm64Context struct {
	arena Arena
	root  uint64
}

// NewARM64 creates an AArch64 translation table context.
func NewARM64(mode Mode, arena Arena) (Context, error) {
	if mode != Mode64 {
		return nil, cerrors.Wrapf(status.ErrNotSupported, "32-bit AArch64 targets are not supported")
	}
	root, err := arena.AllocPage()
	if err != nil {
		return nil, err
	}
	return &arm64Context{arena: arena, root: root}, nil
}

func (c *arm64Context) entry(tablePhys uint64, idx int) (uint64, []byte, error) {
	table, err := c.arena.Bytes(tablePhys, memory.PageSize)
	if err != nil {
		return 0, nil, err
	}
	return binary.LittleEndian.Uint64(table[idx*8:]), table, nil
}

func (c *arm64Context) next(tablePhys uint64, idx int) (uint64, error) {
	entry, table, err := c.entry(tablePhys, idx)
	if err != nil {
		return 0, err
	}
	if entry&arm64Valid != 0 {
		if entry&arm64Table == 0 {
			return 0, cerrors.Wrapf(status.ErrInvalidArg,
				"mapping conflicts with an existing block mapping")
		}
		return entry & arm64AddrMask, nil
	}

	page, err := c.arena.AllocPage()
	if err != nil {
		return 0, err
	}
	binary.LittleEndian.PutUint64(table[idx*8:], page|arm64Valid|arm64Table)
	return page, nil
}

func (c *arm64Context) setLeaf(tablePhys uint64, idx int, value uint64) error {
	existing, table, err := c.entry(tablePhys, idx)
	if err != nil {
		return err
	}
	if existing&arm64Valid != 0 {
		if existing != value {
			return cerrors.Wrapf(status.ErrInvalidArg,
				"mapping conflicts with an existing inconsistent mapping")
		}
		return nil
	}
	binary.LittleEndian.PutUint64(table[idx*8:], value)
	return nil
}

func (c *arm64Context) walk(virt uint64, toBlock bool) (uint64, int, error) {
	l1, err := c.next(c.root, int(virt>>39&511))
	if err != nil {
		return 0, 0, err
	}
	l2, err := c.next(l1, int(virt>>30&511))
	if err != nil {
		return 0, 0, err
	}
	if toBlock {
		return l2, int(virt >> 21 & 511), nil
	}
	l3, err := c.next(l2, int(virt>>21&511))
	if err != nil {
		return 0, 0, err
	}
	return l3, int(virt >> 12 & 511), nil
}

func (c *arm64Context) mapPage(virt, phys uint64, flags Flags) error {
	table, idx, err := c.walk(virt, false)
	if err != nil {
		return err
	}
	return c.setLeaf(table, idx, phys|arm64EntryAttrs(flags)|arm64Page)
}

func (c *arm64Context) mapBlock(virt, phys uint64, flags Flags) error {
	table, idx, err := c.walk(virt, true)
	if err != nil {
		return err
	}
	return c.setLeaf(table, idx, phys|arm64EntryAttrs(flags))
}

func (c *arm64Context) Map(virt, phys, size uint64, flags Flags) error {
	if err := checkMapArgs(virt, phys, size); err != nil {
		return err
	}

	if virt%arm64BlockSize == phys%arm64BlockSize {
		for size > 0 && virt%arm64BlockSize != 0 {
			if err := c.mapPage(virt, phys, flags); err != nil {
				return err
			}
			virt += memory.PageSize
			phys += memory.PageSize
			size -= memory.PageSize
		}
		for size >= arm64BlockSize {
			if err := c.mapBlock(virt, phys, flags); err != nil {
				return err
			}
			virt += arm64BlockSize
			phys += arm64BlockSize
			size -= arm64BlockSize
		}
	}

	for size > 0 {
		if err := c.mapPage(virt, phys, flags); err != nil {
			return err
		}
		virt += memory.PageSize
		phys += memory.PageSize
		size -= memory.PageSize
	}
	return nil
}

func (c *arm64Context) Translate(virt uint64) (uint64, Flags, bool) {
	lookup := func(tablePhys uint64, idx int) (uint64, bool) {
		entry, _, err := c.entry(tablePhys, idx)
		if err != nil || entry&arm64Valid == 0 {
			return 0, false
		}
		return entry, true
	}

	l0e, ok := lookup(c.root, int(virt>>39&511))
	if !ok {
		return 0, 0, false
	}
	l1e, ok := lookup(l0e&arm64AddrMask, int(virt>>30&511))
	if !ok {
		return 0, 0, false
	}
	l2e, ok := lookup(l1e&arm64AddrMask, int(virt>>21&511))
	if !ok {
		return 0, 0, false
	}
	if l2e&arm64Table == 0 {
		base := l2e & arm64AddrMask &^ (arm64BlockSize - 1)
		return base + virt%arm64BlockSize, arm64AttrsToFlags(l2e), true
	}
	l3e, ok := lookup(l2e&arm64AddrMask, int(virt>>12&511))
	if !ok {
		return 0, 0, false
	}
	return l3e&arm64AddrMask + virt%memory.PageSize, arm64AttrsToFlags(l3e), true
}

func (c *arm64Context) Memset(addr uint64, value byte, size uint64) error {
	return memsetThrough(c, c.arena, addr, value, size)
}

func (c *arm64Context) CopyTo(addr uint64, data []byte) error {
	return copyToThrough(c, c.arena, addr, data)
}

func (c *arm64Context) CopyFrom(buf []byte, addr uint64) error {
	return copyFromThrough(c, c.arena, buf, addr)
}

func (c *arm64Context) Root() uint64 { return c.root }
func (c *arm64Context) Mode() Mode   { return Mode64 }
