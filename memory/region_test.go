package memory_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/loadstone-boot/loadstone/memory"
	"github.com/loadstone-boot/loadstone/status"
)

func TestRegionAlloc(t *testing.T) {
	var a memory.RegionAllocator
	require.NoError(t, a.Init(0x80000000, 0x200000))

	addr, err := a.Alloc(0x4000, 0)
	require.NoError(t, err)
	require.Equal(t, uint64(0x80000000), addr)

	addr, err = a.Alloc(0x1000, 0x100000)
	require.NoError(t, err)
	require.Equal(t, uint64(0x80100000), addr)

	_, err = a.Alloc(0x200000, 0)
	require.ErrorIs(t, err, status.ErrNoMemory)
}

func TestRegionInsertConflict(t *testing.T) {
	var a memory.RegionAllocator
	require.NoError(t, a.Init(0x1000, 0x10000))

	require.NoError(t, a.Insert(0x2000, 0x2000))
	err := a.Insert(0x3000, 0x1000)
	require.ErrorIs(t, err, status.ErrInvalidArg)
	require.NoError(t, a.Insert(0x4000, 0x1000))

	// Reserved space is never handed out.
	a.Reserve(0x5000, 0xc000)
	addr, err := a.Alloc(0x1000, 0)
	require.NoError(t, err)
	require.Equal(t, uint64(0x1000), addr)

	_, err = a.Alloc(0x1000, 0)
	require.ErrorIs(t, err, status.ErrNoMemory)
}

func TestRegionWholeAddressSpace(t *testing.T) {
	var a memory.RegionAllocator
	require.NoError(t, a.Init(0, 0))

	addr, err := a.Alloc(0x1000, 0)
	require.NoError(t, err)
	require.Equal(t, uint64(0), addr)

	a.Reserve(0xfffffffffffff000, 0x1000)
	require.NoError(t, a.Insert(0x7fff00000000, 0x10000))
}

func TestRegionInitValidation(t *testing.T) {
	var a memory.RegionAllocator
	require.ErrorIs(t, a.Init(0x123, 0x1000), status.ErrInvalidArg)
	require.ErrorIs(t, a.Init(0xfffffffffffff000, 0x2000), status.ErrInvalidArg)
}
