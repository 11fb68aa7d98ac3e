package memory_test

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/loadstone-boot/loadstone/memory"
	"github.com/loadstone-boot/loadstone/status"
)

func TestMapAlloc(t *testing.T) {
	m := memory.NewMap(nil)
	m.Add(0x100000, 0x100000, memory.RangeFree)
	require.NoError(t, m.Validate())

	addr, err := m.Alloc(0x2000, 0, 0, 0, memory.RangeAllocated, 0)
	require.NoError(t, err)
	require.Equal(t, uint64(0x100000), addr)

	addr, err = m.Alloc(0x1000, 0x10000, 0, 0, memory.RangeAllocated, 0)
	require.NoError(t, err)
	require.Equal(t, uint64(0x110000), addr)
	require.Zero(t, addr%0x10000)

	addr, err = m.Alloc(0x1000, 0, 0, 0, memory.RangeAllocated, memory.AllocHigh)
	require.NoError(t, err)
	require.Equal(t, uint64(0x1ff000), addr)
	require.NoError(t, m.Validate())

	var stats memory.Statistics
	stats.Clear()
	m.AddStatistics(&stats)
	require.Equal(t, uint64(0x100000), stats.TotalBytes)
	require.Equal(t, uint64(0x4000), stats.AllocatedBytes)
}

func TestMapAllocNoOverlap(t *testing.T) {
	m := memory.NewMap(nil)
	m.Add(0x1000, 0x10000, memory.RangeFree)

	type alloc struct{ start, size uint64 }
	var live []alloc

	for {
		addr, err := m.Alloc(0x2000, 0, 0, 0, memory.RangeAllocated, 0)
		if err != nil {
			require.ErrorIs(t, err, status.ErrNoMemory)
			break
		}
		for _, a := range live {
			disjoint := addr+0x2000 <= a.start || a.start+a.size <= addr
			require.True(t, disjoint, "allocation 0x%x overlaps 0x%x", addr, a.start)
		}
		live = append(live, alloc{addr, 0x2000})
	}

	require.Len(t, live, 8)
	require.NoError(t, m.Validate())
}

func TestMapAllocBounds(t *testing.T) {
	m := memory.NewMap(nil)
	m.Add(0x0, 0x100000, memory.RangeFree)
	m.Add(0x200000, 0x100000, memory.RangeFree)

	addr, err := m.Alloc(0x1000, 0, 0x200000, 0, memory.RangeAllocated, 0)
	require.NoError(t, err)
	require.Equal(t, uint64(0x200000), addr)

	addr, err = m.Alloc(0x1000, 0, 0, 0xfffff, memory.RangeAllocated, memory.AllocHigh)
	require.NoError(t, err)
	require.Equal(t, uint64(0xff000), addr)

	_, err = m.Alloc(0x200000, 0, 0, 0xffffffff, memory.RangeAllocated, 0)
	require.ErrorIs(t, err, status.ErrNoMemory)

	_, err = m.Alloc(0x3000, 0, 0, math.MaxUint64, memory.RangeAllocated, 0)
	require.NoError(t, err)
}

func TestMapAllocInvalid(t *testing.T) {
	m := memory.NewMap(nil)
	m.Add(0x100000, 0x10000, memory.RangeFree)

	_, err := m.Alloc(0x1234, 0, 0, 0, memory.RangeAllocated, 0)
	require.ErrorIs(t, err, status.ErrInvalidArg)

	_, err = m.Alloc(0x1000, 0x3000, 0, 0, memory.RangeAllocated, 0)
	require.ErrorIs(t, err, status.ErrInvalidArg)
}

func TestMapProtectFinalize(t *testing.T) {
	m := memory.NewMap(nil)
	m.Add(0x100000, 0x100000, memory.RangeFree)

	m.Protect(0x120000, 0x10000)
	m.Protect(0x120000, 0x10000)

	// Protected memory is not handed out.
	addr, err := m.Alloc(0x40000, 0x40000, 0x100000, 0, memory.RangeAllocated, 0)
	require.NoError(t, err)
	require.Equal(t, uint64(0x140000), addr)
	require.NoError(t, m.Validate())

	snapshot := m.Finalize()
	require.Equal(t, []memory.Range{
		{Start: 0x100000, Size: 0x40000, Type: memory.RangeFree},
		{Start: 0x140000, Size: 0x40000, Type: memory.RangeAllocated},
		{Start: 0x180000, Size: 0x80000, Type: memory.RangeFree},
	}, snapshot)
}

func TestMapAddOverwrites(t *testing.T) {
	m := memory.NewMap(nil)
	m.Add(0x0, 0x10000, memory.RangeFree)
	m.Add(0x4000, 0x2000, memory.RangeReclaimable)

	require.Equal(t, []memory.Range{
		{Start: 0x0, Size: 0x4000, Type: memory.RangeFree},
		{Start: 0x4000, Size: 0x2000, Type: memory.RangeReclaimable},
		{Start: 0x6000, Size: 0xa000, Type: memory.RangeFree},
	}, m.Ranges())

	// Overwriting with the same type merges back to one range.
	m.Add(0x4000, 0x2000, memory.RangeFree)
	require.Equal(t, []memory.Range{
		{Start: 0x0, Size: 0x10000, Type: memory.RangeFree},
	}, m.Ranges())
}
