// Package memory tracks the physical memory map and serves the physical and
// virtual range allocations made while preparing a kernel for handoff.
package memory

import (
	"math"

	cerrors "github.com/cockroachdb/errors"
	"golang.org/x/exp/slices"
	"golang.org/x/exp/slog"

	"github.com/loadstone-boot/loadstone/status"
)

// RangeType describes what a physical range is used for. Every type other
// than RangeInternal is reported to the booted kernel; RangeInternal marks
// memory the loader itself occupies, which becomes free again once the
// loader is done.
type RangeType int

const (
	RangeFree RangeType = iota
	RangeAllocated
	RangeReclaimable
	RangePageTables
	RangeStack
	RangeModules
	RangeInternal
)

func (t RangeType) String() string {
	switch t {
	case RangeFree:
		return "Free"
	case RangeAllocated:
		return "Allocated"
	case RangeReclaimable:
		return "Reclaimable"
	case RangePageTables:
		return "Pagetables"
	case RangeStack:
		return "Stack"
	case RangeModules:
		return "Modules"
	case RangeInternal:
		return "Internal"
	}
	return "Unknown"
}

// Range is a contiguous physical range with a single use type.
type Range struct {
	Start uint64
	Size  uint64
	Type  RangeType
}

// AllocFlags alter allocation behavior.
type AllocFlags uint32

const (
	// AllocHigh makes Alloc prefer the highest suitable address rather than
	// the lowest.
	AllocHigh AllocFlags = 1 << 0
)

// Map maintains the set of known physical ranges, sorted by address, with no
// two ranges overlapping and no two adjacent ranges sharing a type.
type Map struct {
	ranges []Range
	log    *slog.Logger
}

func NewMap(log *slog.Logger) *Map {
	if log == nil {
		log = slog.Default()
	}
	return &Map{log: log}
}

// insert places r into the map, splitting any range it lands inside and
// swallowing any ranges it covers, then re-merges adjacent same-type ranges.
func (m *Map) insert(r Range) {
	end := r.Start + r.Size - 1

	out := make([]Range, 0, len(m.ranges)+2)
	for _, exist := range m.ranges {
		existEnd := exist.Start + exist.Size - 1

		if existEnd < r.Start || exist.Start > end {
			out = append(out, exist)
			continue
		}
		if exist.Start < r.Start {
			out = append(out, Range{Start: exist.Start, Size: r.Start - exist.Start, Type: exist.Type})
		}
		if existEnd > end {
			out = append(out, Range{Start: end + 1, Size: existEnd - end, Type: exist.Type})
		}
	}

	idx, _ := slices.BinarySearchFunc(out, r, func(a, b Range) int {
		switch {
		case a.Start < b.Start:
			return -1
		case a.Start > b.Start:
			return 1
		}
		return 0
	})
	out = slices.Insert(out, idx, r)

	// Merge adjacent ranges of the same type.
	merged := out[:0]
	for _, cur := range out {
		if n := len(merged); n > 0 {
			prev := &merged[n-1]
			if prev.Type == cur.Type && prev.Start+prev.Size == cur.Start {
				prev.Size += cur.Size
				continue
			}
		}
		merged = append(merged, cur)
	}
	m.ranges = merged
}

// Add records a physical range of the given type. The range is extended
// outward to page boundaries. Any previously known overlapping memory is
// overwritten with the new type.
func (m *Map) Add(start, size uint64, typ RangeType) {
	if size == 0 {
		return
	}
	end := AlignUp(start+size, PageSize)
	start = AlignDown(start, PageSize)
	m.insert(Range{Start: start, Size: end - start, Type: typ})
}

// Protect marks all free portions of the given range as internal so the
// allocator will not hand them out. Already allocated or internal portions
// are left alone, making Protect idempotent.
func (m *Map) Protect(start, size uint64) {
	if size == 0 {
		return
	}
	end := AlignUp(start+size, PageSize) - 1
	start = AlignDown(start, PageSize)

	var free []Range
	for _, r := range m.ranges {
		rend := r.Start + r.Size - 1
		if r.Type != RangeFree || rend < start || r.Start > end {
			continue
		}
		s := r.Start
		if s < start {
			s = start
		}
		e := rend
		if e > end {
			e = end
		}
		free = append(free, Range{Start: s, Size: e - s + 1})
	}
	for _, r := range free {
		m.insert(Range{Start: r.Start, Size: r.Size, Type: RangeInternal})
	}
}

// suitable returns the allocation address within r for the given
// constraints, or false if r cannot satisfy them.
func suitable(r Range, size, align, minAddr, maxAddr uint64, flags AllocFlags) (uint64, bool) {
	if r.Type != RangeFree {
		return 0, false
	}

	rend := r.Start + r.Size - 1
	start := r.Start
	if start < minAddr {
		start = minAddr
	}
	end := rend
	if end > maxAddr {
		end = maxAddr
	}
	if end < start || end-start+1 < size {
		return 0, false
	}

	var addr uint64
	if flags&AllocHigh != 0 {
		addr = AlignDown(end-size+1, align)
	} else {
		addr = AlignUp(start, align)
	}
	if addr < start || addr+size-1 > end {
		return 0, false
	}
	return addr, true
}

// Alloc allocates a physical range. size must be a multiple of the page
// size; align must be a power-of-two multiple of the page size, or zero for
// page alignment. maxAddr of zero means no upper bound. The returned range
// is recorded with the given type and is removed from the free set. Failure
// to find space reports status.ErrNoMemory.
func (m *Map) Alloc(size, align, minAddr, maxAddr uint64, typ RangeType, flags AllocFlags) (uint64, error) {
	if size == 0 || size%PageSize != 0 {
		return 0, cerrors.Wrapf(status.ErrInvalidArg, "allocation size 0x%x is not a page multiple", size)
	}
	if align == 0 {
		align = PageSize
	}
	if err := CheckPow2(align, "alignment"); err != nil {
		return 0, err
	}
	if align%PageSize != 0 {
		return 0, cerrors.Wrapf(status.ErrInvalidArg, "alignment 0x%x is not a page multiple", align)
	}
	if maxAddr == 0 {
		maxAddr = math.MaxUint64
	}

	if flags&AllocHigh != 0 {
		for i := len(m.ranges) - 1; i >= 0; i-- {
			if addr, ok := suitable(m.ranges[i], size, align, minAddr, maxAddr, flags); ok {
				return m.commit(addr, size, typ), nil
			}
		}
	} else {
		for _, r := range m.ranges {
			if addr, ok := suitable(r, size, align, minAddr, maxAddr, flags); ok {
				return m.commit(addr, size, typ), nil
			}
		}
	}

	return 0, cerrors.Wrapf(status.ErrNoMemory,
		"no free range for 0x%x bytes (align 0x%x, bounds 0x%x-0x%x)", size, align, minAddr, maxAddr)
}

func (m *Map) commit(addr, size uint64, typ RangeType) uint64 {
	m.insert(Range{Start: addr, Size: size, Type: typ})
	m.log.Debug("physical allocation", "addr", addr, "size", size, "type", typ.String())
	return addr
}

// Finalize converts loader-internal ranges back to free memory and returns a
// snapshot of the resulting map, which is what gets reported to the kernel.
// The map must not be allocated from afterwards.
func (m *Map) Finalize() []Range {
	for {
		changed := false
		for i := range m.ranges {
			if m.ranges[i].Type == RangeInternal {
				m.insert(Range{Start: m.ranges[i].Start, Size: m.ranges[i].Size, Type: RangeFree})
				changed = true
				break
			}
		}
		if !changed {
			break
		}
	}
	return m.Ranges()
}

// Ranges returns a copy of the current map.
func (m *Map) Ranges() []Range {
	return slices.Clone(m.ranges)
}

// Validate performs internal consistency checks on the map. When the
// implementation is functioning correctly it cannot fail.
func (m *Map) Validate() error {
	for i, r := range m.ranges {
		if r.Size == 0 {
			return cerrors.Newf("range %d at 0x%x has zero size", i, r.Start)
		}
		if r.Start%PageSize != 0 || r.Size%PageSize != 0 {
			return cerrors.Newf("range %d (0x%x + 0x%x) is not page aligned", i, r.Start, r.Size)
		}
		if i > 0 {
			prev := m.ranges[i-1]
			if prev.Start+prev.Size > r.Start {
				return cerrors.Newf("range %d at 0x%x overlaps its predecessor", i, r.Start)
			}
			if prev.Type == r.Type && prev.Start+prev.Size == r.Start {
				return cerrors.Newf("range %d at 0x%x was not merged with its predecessor", i, r.Start)
			}
		}
	}
	return nil
}
