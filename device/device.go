// Package device manages the devices the loader can boot from. Devices are
// registered once during platform probing and looked up by name thereafter;
// the registry exclusively owns all Device instances.
package device

import (
	cerrors "github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"golang.org/x/exp/slog"

	"github.com/loadstone-boot/loadstone/status"
)

// Type classifies where a device's content comes from.
type Type int

const (
	TypeDisk Type = iota
	TypeNet
	TypeImage
)

func (t Type) String() string {
	switch t {
	case TypeDisk:
		return "disk"
	case TypeNet:
		return "net"
	case TypeImage:
		return "image"
	}
	return "unknown"
}

// Ops is the narrow interface a device implementation exposes to the core.
type Ops interface {
	// Read reads len(buf) bytes from the given byte offset. A read past the
	// end of the device reports status.ErrEndOfFile with nothing
	// transferred.
	Read(buf []byte, offset uint64) error
	// Size returns the device size in bytes.
	Size() uint64
	// Identify returns a short human-readable description.
	Identify() string
}

// FilesystemInfo is what the registry needs to know about a mounted
// filesystem for uuid:/label: lookups. The fs package fills this in after a
// successful probe.
type FilesystemInfo interface {
	UUID() string
	Label() string
}

// Device is a registered, named device.
type Device struct {
	Name string
	Type Type

	ops   Ops
	mount FilesystemInfo
}

func New(name string, typ Type, ops Ops) *Device {
	return &Device{Name: name, Type: typ, ops: ops}
}

// Read reads from the device. Devices without read support report
// status.ErrNotSupported; zero-length reads always succeed.
func (d *Device) Read(buf []byte, offset uint64) error {
	if d.ops == nil {
		return cerrors.Wrapf(status.ErrNotSupported, "device %s has no read support", d.Name)
	}
	if len(buf) == 0 {
		return nil
	}
	return d.ops.Read(buf, offset)
}

func (d *Device) Size() uint64 {
	if d.ops == nil {
		return 0
	}
	return d.ops.Size()
}

func (d *Device) Identify() string {
	if d.ops == nil {
		return "Unknown"
	}
	return d.ops.Identify()
}

// SetMount records the filesystem mounted on the device.
func (d *Device) SetMount(info FilesystemInfo) { d.mount = info }

// Mount returns the mounted filesystem info, or nil if nothing is mounted.
func (d *Device) Mount() FilesystemInfo { return d.mount }

// Registry holds every known device.
type Registry struct {
	byName  *swiss.Map[string, *Device]
	ordered []*Device
	log     *slog.Logger
}

func NewRegistry(log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		byName: swiss.NewMap[string, *Device](8),
		log:    log,
	}
}

// Register adds a device. Duplicate names indicate a platform bug and fail
// with status.ErrSystemError.
func (r *Registry) Register(d *Device) error {
	if _, exists := r.byName.Get(d.Name); exists {
		return cerrors.Wrapf(status.ErrSystemError, "device named %q already exists", d.Name)
	}
	r.byName.Put(d.Name, d)
	r.ordered = append(r.ordered, d)
	r.log.Debug("registered device", "name", d.Name, "type", d.Type.String(), "identity", d.Identify())
	return nil
}

// Lookup resolves a device reference. "uuid:<uuid>" and "label:<label>"
// match against mounted filesystems; anything else matches a device name.
// Returns nil when nothing matches.
func (r *Registry) Lookup(name string) *Device {
	const (
		uuidPrefix  = "uuid:"
		labelPrefix = "label:"
	)

	var byUUID, byLabel bool
	switch {
	case len(name) > len(uuidPrefix) && name[:len(uuidPrefix)] == uuidPrefix:
		byUUID = true
		name = name[len(uuidPrefix):]
	case len(name) > len(labelPrefix) && name[:len(labelPrefix)] == labelPrefix:
		byLabel = true
		name = name[len(labelPrefix):]
	}
	if name == "" {
		return nil
	}

	if byUUID || byLabel {
		for _, d := range r.ordered {
			if d.mount == nil {
				continue
			}
			str := d.mount.UUID()
			if byLabel {
				str = d.mount.Label()
			}
			if str != "" && str == name {
				return d
			}
		}
		return nil
	}

	d, _ := r.byName.Get(name)
	return d
}

// Devices returns all devices in registration order.
func (r *Registry) Devices() []*Device {
	out := make([]*Device, len(r.ordered))
	copy(out, r.ordered)
	return out
}
