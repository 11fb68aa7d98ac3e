package device

import (
	"fmt"

	cerrors "github.com/cockroachdb/errors"

	"github.com/loadstone-boot/loadstone/status"
)

// imageOps serves a device from an in-memory byte slice. This backs RAM
// disks and boot images that were handed over whole by the platform.
type imageOps struct {
	data []byte
}

// NewImage creates an in-memory device.
func NewImage(name string, data []byte) *Device {
	return New(name, TypeImage, &imageOps{data: data})
}

func (o *imageOps) Read(buf []byte, offset uint64) error {
	if offset >= uint64(len(o.data)) || offset+uint64(len(buf)) > uint64(len(o.data)) {
		return cerrors.Wrapf(status.ErrEndOfFile,
			"read of 0x%x bytes at 0x%x exceeds image size 0x%x", len(buf), offset, len(o.data))
	}
	copy(buf, o.data[offset:])
	return nil
}

func (o *imageOps) Size() uint64 { return uint64(len(o.data)) }

func (o *imageOps) Identify() string {
	return fmt.Sprintf("memory image (%d bytes)", len(o.data))
}
