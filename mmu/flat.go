package mmu

import (
	cerrors "github.com/cockroachdb/errors"

	"github.com/loadstone-boot/loadstone/status"
)

type flatRange struct {
	start uint64
	size  uint64
	flags Flags
}

// flatContext is the no-MMU variant: the target runs with translation
// disabled, so every mapping must be an identity mapping. The context only
// records ranges so that the usual consistency and bounds checks still hold.
type flatContext struct {
	arena  Arena
	mode   Mode
	ranges []flatRange
}

// NewFlat creates a context for targets without translation hardware.
func NewFlat(mode Mode, arena Arena) Context {
	return &flatContext{arena: arena, mode: mode}
}

func (c *flatContext) Map(virt, phys, size uint64, flags Flags) error {
	if err := checkMapArgs(virt, phys, size); err != nil {
		return err
	}
	if virt != phys {
		return cerrors.Wrapf(status.ErrNotSupported,
			"non-identity mapping 0x%x -> 0x%x without translation hardware", virt, phys)
	}

	end := virt + size - 1
	for _, r := range c.ranges {
		rend := r.start + r.size - 1
		if rend < virt || r.start > end {
			continue
		}
		if r.flags != flags {
			return cerrors.Wrapf(status.ErrInvalidArg,
				"mapping at 0x%x conflicts with existing attributes", virt)
		}
	}

	c.ranges = append(c.ranges, flatRange{start: virt, size: size, flags: flags})
	return nil
}

func (c *flatContext) Translate(virt uint64) (uint64, Flags, bool) {
	for _, r := range c.ranges {
		if virt >= r.start && virt <= r.start+r.size-1 {
			return virt, r.flags, true
		}
	}
	return 0, 0, false
}

func (c *flatContext) Memset(addr uint64, value byte, size uint64) error {
	return memsetThrough(c, c.arena, addr, value, size)
}

func (c *flatContext) CopyTo(addr uint64, data []byte) error {
	return copyToThrough(c, c.arena, addr, data)
}

func (c *flatContext) CopyFrom(buf []byte, addr uint64) error {
	return copyFromThrough(c, c.arena, buf, addr)
}

func (c *flatContext) Root() uint64 { return 0 }
func (c *flatContext) Mode() Mode   { return c.mode }
