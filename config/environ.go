package config

import (
	cerrors "github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"

	"github.com/loadstone-boot/loadstone/device"
	"github.com/loadstone-boot/loadstone/fs"
	"github.com/loadstone-boot/loadstone/status"
)

// Names that identify the current device. They are maintained through
// SetDevice and cannot be assigned directly.
const (
	EnvDevice      = "device"
	EnvDeviceLabel = "device_label"
	EnvDeviceUUID  = "device_uuid"
)

// Names that describe one menu entry rather than inherited behavior; a
// child environment never sees its parent's values for these.
var noInherit = map[string]bool{
	"default": true,
	"hidden":  true,
	"timeout": true,
}

func reservedName(name string) bool {
	return name == EnvDevice || name == EnvDeviceLabel || name == EnvDeviceUUID
}

type envEntry struct {
	name  string
	value Value
}

// Loader is a boot protocol frontend bound to an environment by its
// configuration command. Boot returns only on failure; on success control
// has left the loader for good.
type Loader interface {
	Name() string
	Boot(env *Environ) error
}

// Environ is an ordered mapping of names to values, chained to a parent for
// scoped lookup. Child environments shadow the parent; discarding the child
// uncovers the parent's values again.
type Environ struct {
	parent  *Environ
	entries []envEntry

	device    *device.Device
	directory fs.Handle

	loader Loader

	// Menu metadata for environments created by an entry command.
	name     string
	parseErr error
	children []*Environ
}

// NewEnviron creates an environment. With a parent, the current device and
// directory carry over.
func NewEnviron(parent *Environ) *Environ {
	env := &Environ{parent: parent}
	if parent != nil {
		env.device = parent.device
		env.directory = parent.directory
	}
	return env
}

// Lookup finds a value, searching the parent chain. Entry-scoped names do
// not inherit.
func (e *Environ) Lookup(name string) (Value, bool) {
	for env := e; env != nil; env = env.parent {
		for _, ent := range env.entries {
			if ent.name == name {
				return ent.value, true
			}
		}
		if noInherit[name] {
			break
		}
	}
	return Value{}, false
}

// Set assigns a value in this environment. Device identity names are
// rejected; they change only through SetDevice.
func (e *Environ) Set(name string, value Value) error {
	if reservedName(name) {
		return cerrors.Wrapf(status.ErrInvalidArg, "%q cannot be set directly", name)
	}
	e.put(name, value)
	return nil
}

func (e *Environ) put(name string, value Value) {
	for i := range e.entries {
		if e.entries[i].name == name {
			e.entries[i].value = value
			return
		}
	}
	e.entries = append(e.entries, envEntry{name: name, value: value})
}

// Remove deletes a value from this environment only.
func (e *Environ) Remove(name string) error {
	if reservedName(name) {
		return cerrors.Wrapf(status.ErrInvalidArg, "%q cannot be unset", name)
	}
	for i := range e.entries {
		if e.entries[i].name == name {
			e.entries = append(e.entries[:i], e.entries[i+1:]...)
			return nil
		}
	}
	return nil
}

// SetDevice switches the environment's current device and updates the
// identity names.
func (e *Environ) SetDevice(d *device.Device) {
	e.device = d
	e.directory = nil

	e.put(EnvDevice, StringValue(d.Name))
	if mount, ok := d.Mount().(fs.Mount); ok && mount != nil {
		e.put(EnvDeviceUUID, StringValue(mount.UUID()))
		e.put(EnvDeviceLabel, StringValue(mount.Label()))
		e.directory = mount.Root()
	}
}

// Device returns the environment's current device.
func (e *Environ) Device() *device.Device { return e.device }

// Directory returns the current directory used for relative paths.
func (e *Environ) Directory() fs.Handle { return e.directory }

// SetDirectory changes the current directory.
func (e *Environ) SetDirectory(h fs.Handle) { e.directory = h }

// SetLoader binds the boot protocol for this environment. A loader command
// must be the final word: binding twice is an error.
func (e *Environ) SetLoader(l Loader) error {
	if e.loader != nil {
		return cerrors.Wrapf(status.ErrInvalidArg,
			"loader already set; the loader command must be the final command")
	}
	e.loader = l
	return nil
}

// Loader returns the bound loader, or nil.
func (e *Environ) GetLoader() Loader { return e.loader }

// EntryName returns the menu name for environments created by an entry
// command.
func (e *Environ) EntryName() string { return e.name }

// ParseError returns the captured script error for a broken entry, reported
// when the entry is selected instead of at load time.
func (e *Environ) ParseError() error { return e.parseErr }

// Children returns the menu entries declared within this environment.
func (e *Environ) Children() []*Environ { return e.children }

// EnvironJsonData writes the visible entries of the environment into an
// open json object.
func (e *Environ) EnvironJsonData(json jwriter.ObjectState) {
	defer json.End()

	for _, ent := range e.entries {
		switch ent.value.Type {
		case TypeInteger:
			json.Name(ent.name).Int(int(ent.value.Integer))
		case TypeBoolean:
			json.Name(ent.name).Bool(ent.value.Boolean)
		case TypeString:
			json.Name(ent.name).String(ent.value.String)
		default:
			json.Name(ent.name).String(ent.value.typeName())
		}
	}
}
