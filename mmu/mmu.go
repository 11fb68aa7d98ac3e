// Package mmu builds the address space a kernel is entered with. Contexts
// are populated by the loader before the mapping is ever activated, so all
// content operations (Memset, CopyTo, CopyFrom) work through the translation
// structures rather than through the CPU.
package mmu

import (
	cerrors "github.com/cockroachdb/errors"

	"github.com/loadstone-boot/loadstone/memory"
	"github.com/loadstone-boot/loadstone/status"
)

// Mode selects the translation format a context targets.
type Mode int

const (
	// Mode32 targets a 32-bit kernel.
	Mode32 Mode = iota
	// Mode64 targets a 64-bit kernel.
	Mode64
)

// Flags control the attributes of a mapping.
type Flags uint32

const (
	// MapRO maps pages read-only.
	MapRO Flags = 1 << 0

	// CacheDefault, CacheWriteThrough and CacheUncached select the caching
	// behavior of a mapping. Exactly one applies; CacheDefault is zero.
	CacheDefault      Flags = 0 << 1
	CacheWriteThrough Flags = 1 << 1
	CacheUncached     Flags = 2 << 1

	cacheMask Flags = 3 << 1
)

// Arena supplies the physical pages translation structures live in and
// windows onto physical memory contents. Page-table pages are zeroed.
type Arena interface {
	AllocPage() (uint64, error)
	Bytes(phys, size uint64) ([]byte, error)
}

// Context is an address space under construction. Mappings are only added,
// never replaced: a Map call that overlaps an existing mapping with a
// different target or different attributes fails rather than overwriting.
type Context interface {
	// Map establishes a translation from size bytes at virt to phys. All
	// three must be page aligned.
	Map(virt, phys, size uint64, flags Flags) error
	// Translate resolves a virtual address through the context.
	Translate(virt uint64) (phys uint64, flags Flags, ok bool)
	// Memset fills size bytes at a mapped virtual address.
	Memset(addr uint64, value byte, size uint64) error
	// CopyTo writes data at a mapped virtual address.
	CopyTo(addr uint64, data []byte) error
	// CopyFrom reads len(buf) bytes from a mapped virtual address.
	CopyFrom(buf []byte, addr uint64) error
	// Root returns the physical address of the top-level translation table,
	// in the format the target CPU expects to have loaded at handoff.
	Root() uint64
	// Mode returns the mode the context was created for.
	Mode() Mode
}

func checkMapArgs(virt, phys, size uint64) error {
	if virt%memory.PageSize != 0 || phys%memory.PageSize != 0 || size == 0 || size%memory.PageSize != 0 {
		return cerrors.Wrapf(status.ErrInvalidArg,
			"mapping 0x%x -> 0x%x size 0x%x is not page aligned", virt, phys, size)
	}
	return nil
}

// forEachPage walks [addr, addr+size) in page-bounded chunks, translating
// each chunk and handing the caller a writable window onto it.
func forEachPage(ctx Context, arena Arena, addr, size uint64, fn func(window []byte) error) error {
	for size > 0 {
		chunk := memory.PageSize - addr%memory.PageSize
		if chunk > size {
			chunk = size
		}

		phys, _, ok := ctx.Translate(addr)
		if !ok {
			return cerrors.Wrapf(status.ErrInvalidArg, "address 0x%x is not mapped", addr)
		}
		window, err := arena.Bytes(phys, chunk)
		if err != nil {
			return err
		}
		if err := fn(window); err != nil {
			return err
		}

		addr += chunk
		size -= chunk
	}
	return nil
}

func memsetThrough(ctx Context, arena Arena, addr uint64, value byte, size uint64) error {
	return forEachPage(ctx, arena, addr, size, func(window []byte) error {
		for i := range window {
			window[i] = value
		}
		return nil
	})
}

func copyToThrough(ctx Context, arena Arena, addr uint64, data []byte) error {
	return forEachPage(ctx, arena, addr, uint64(len(data)), func(window []byte) error {
		copy(window, data[:len(window)])
		data = data[len(window):]
		return nil
	})
}

func copyFromThrough(ctx Context, arena Arena, buf []byte, addr uint64) error {
	return forEachPage(ctx, arena, addr, uint64(len(buf)), func(window []byte) error {
		copy(buf[:len(window)], window)
		buf = buf[len(window):]
		return nil
	})
}
