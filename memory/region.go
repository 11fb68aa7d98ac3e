package memory

import (
	cerrors "github.com/cockroachdb/errors"
	"golang.org/x/exp/slices"

	"github.com/loadstone-boot/loadstone/status"
)

type region struct {
	start     uint64
	size      uint64
	allocated bool
}

// RegionAllocator hands out regions of a virtual address window. Unlike Map
// it knows nothing about memory contents or types, only which parts of the
// window are taken. A window of start 0, size 0 means the entire 64-bit
// address space; end addresses are computed with wrapping arithmetic so that
// case falls out naturally.
type RegionAllocator struct {
	start   uint64
	size    uint64
	regions []region
}

// Init sets the window the allocator manages and marks all of it free.
func (a *RegionAllocator) Init(start, size uint64) error {
	if start%PageSize != 0 || size%PageSize != 0 {
		return cerrors.Wrapf(status.ErrInvalidArg, "window 0x%x + 0x%x is not page aligned", start, size)
	}
	if start+size < start && start+size != 0 {
		return cerrors.Wrapf(status.ErrInvalidArg, "window 0x%x + 0x%x wraps", start, size)
	}

	a.start = start
	a.size = size
	a.regions = nil
	a.insert(region{start: start, size: size})
	return nil
}

func (a *RegionAllocator) insert(nr region) {
	nend := nr.start + nr.size - 1

	out := make([]region, 0, len(a.regions)+2)
	for _, exist := range a.regions {
		existEnd := exist.start + exist.size - 1

		if existEnd < nr.start || exist.start > nend {
			out = append(out, exist)
			continue
		}
		if exist.start < nr.start {
			out = append(out, region{start: exist.start, size: nr.start - exist.start, allocated: exist.allocated})
		}
		if existEnd > nend {
			out = append(out, region{start: nend + 1, size: existEnd - nend, allocated: exist.allocated})
		}
	}

	idx, _ := slices.BinarySearchFunc(out, nr, func(x, y region) int {
		switch {
		case x.start < y.start:
			return -1
		case x.start > y.start:
			return 1
		}
		return 0
	})
	a.regions = slices.Insert(out, idx, nr)
}

// Alloc finds the lowest free region that fits size bytes at the given
// alignment. align of zero means page alignment.
func (a *RegionAllocator) Alloc(size, align uint64) (uint64, error) {
	if size == 0 || size%PageSize != 0 || align%PageSize != 0 {
		return 0, cerrors.Wrapf(status.ErrInvalidArg, "allocation 0x%x align 0x%x is not page aligned", size, align)
	}
	if align == 0 {
		align = PageSize
	}

	for _, r := range a.regions {
		if r.allocated {
			continue
		}
		start := AlignUp(r.start, align)
		if start < r.start {
			continue
		}
		if start+size-1 <= r.start+r.size-1 && start+size-1 >= start {
			a.insert(region{start: start, size: size, allocated: true})
			return start, nil
		}
	}
	return 0, cerrors.Wrapf(status.ErrNoMemory, "no virtual space for 0x%x bytes (align 0x%x)", size, align)
}

// Insert marks a specific region allocated, failing if any part of it is
// already allocated.
func (a *RegionAllocator) Insert(addr, size uint64) error {
	if size == 0 || addr%PageSize != 0 || size%PageSize != 0 {
		return cerrors.Wrapf(status.ErrInvalidArg, "region 0x%x + 0x%x is not page aligned", addr, size)
	}

	end := addr + size - 1
	for _, exist := range a.regions {
		if !exist.allocated {
			continue
		}
		existEnd := exist.start + exist.size - 1
		lo := addr
		if exist.start > lo {
			lo = exist.start
		}
		hi := end
		if existEnd < hi {
			hi = existEnd
		}
		if lo <= hi {
			return cerrors.Wrapf(status.ErrInvalidArg,
				"region 0x%x + 0x%x overlaps allocation at 0x%x", addr, size, exist.start)
		}
	}

	a.Reserve(addr, size)
	return nil
}

// Reserve blocks a region from future allocation, trimming it to the managed
// window. Anything already there is overwritten.
func (a *RegionAllocator) Reserve(addr, size uint64) {
	if size == 0 {
		return
	}

	end := addr + size - 1
	windowEnd := a.start + a.size - 1

	if addr < a.start {
		addr = a.start
	}
	if end > windowEnd {
		end = windowEnd
	}
	if end < addr {
		return
	}

	a.insert(region{start: addr, size: end - addr + 1, allocated: true})
}
