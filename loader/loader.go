// Package loader holds what every boot protocol frontend needs: access to
// physical memory, the allocators, and the architecture hooks that perform
// the final transfer of control.
package loader

import (
	"github.com/pkg/errors"

	cerrors "github.com/cockroachdb/errors"
	"golang.org/x/exp/slog"

	"github.com/loadstone-boot/loadstone/device"
	"github.com/loadstone-boot/loadstone/memory"
	"github.com/loadstone-boot/loadstone/mmu"
	"github.com/loadstone-boot/loadstone/video"
)

// Default physical allocation bounds for kernel loads: protected-mode
// targets need their images below 4GiB, and the zero page stays out of use.
const (
	PhysMin uint64 = 0x1000
	PhysMax uint64 = 0xffffffff
)

// ErrHandoffComplete is returned by simulation entry implementations after
// recording a handoff that real hardware would never return from. The
// pipeline treats it as a successful boot.
var ErrHandoffComplete = errors.New("control transfer recorded")

// PhysMemory exposes the contents of physical memory to the loader while it
// still runs. On hardware this is the loader's identity mapping; in the
// simulation harness it is a byte slice.
type PhysMemory interface {
	Bytes(phys, size uint64) ([]byte, error)
}

// Arch supplies the pieces of a kernel load that depend on the CPU: the
// address space format and the entry sequence.
type Arch interface {
	// NewAddressSpace creates the translation structure for a load mode.
	NewAddressSpace(mode mmu.Mode, arena mmu.Arena) (mmu.Context, error)
	// Enter transfers control to the kernel with the boot tag list at
	// tagsPhys. It never returns on hardware; see ErrHandoffComplete.
	Enter(entry uint64, space mmu.Context, tagsPhys uint64) error
}

// TagSink receives boot records. It matches the tag writer of the native
// protocol so firmware description can be injected without the platform
// knowing the writer type.
type TagSink interface {
	Append(typ uint32, payload []byte) error
}

// Firmware lets the platform contribute records it alone knows about, such
// as the firmware memory map or video mode.
type Firmware interface {
	WriteTags(sink TagSink) error
}

// Context aggregates the pipeline state a frontend works against. Video is
// nil on platforms without a display.
type Context struct {
	Mem      *memory.Map
	Phys     PhysMemory
	Devices  *device.Registry
	Arch     Arch
	Firmware Firmware
	Video    *video.ModeSet
	Log      *slog.Logger
}

// Arena adapts the physical allocator and memory access into what the
// address-space builders consume. Table pages are allocated high to stay
// out of the way of kernel segments.
type Arena struct {
	Mem  *memory.Map
	Phys PhysMemory
	Type memory.RangeType
}

func (a *Arena) AllocPage() (uint64, error) {
	addr, err := a.Mem.Alloc(memory.PageSize, 0, PhysMin, PhysMax, a.Type, memory.AllocHigh)
	if err != nil {
		return 0, err
	}
	page, err := a.Phys.Bytes(addr, memory.PageSize)
	if err != nil {
		return 0, cerrors.Wrapf(err, "accessing table page at 0x%x", addr)
	}
	for i := range page {
		page[i] = 0
	}
	return addr, nil
}

func (a *Arena) Bytes(phys, size uint64) ([]byte, error) {
	return a.Phys.Bytes(phys, size)
}
