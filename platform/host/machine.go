// Package host runs the boot pipeline against a simulated machine described
// by a YAML file: its physical memory, its devices, and a scripted console.
// It backs the tests and the bootsim command.
package host

import (
	"encoding/base64"
	"os"
	"time"

	cerrors "github.com/cockroachdb/errors"
	"gopkg.in/yaml.v3"

	"github.com/loadstone-boot/loadstone/status"
)

// Machine is the YAML machine description.
type Machine struct {
	Name string `yaml:"name"`
	Arch string `yaml:"arch"`

	Memory []MemoryRange `yaml:"memory"`

	Devices    []DeviceSpec `yaml:"devices"`
	BootDevice string       `yaml:"boot_device"`

	Video []VideoModeSpec `yaml:"video"`

	Console *ConsoleSpec `yaml:"console"`
}

// MemoryRange is one physical range the machine has.
type MemoryRange struct {
	Base uint64 `yaml:"base"`
	Size uint64 `yaml:"size"`
}

// DeviceSpec is one device. Content comes from a file or from inline
// base64 data; an optional cache puts a block cache in front of it.
type DeviceSpec struct {
	Name  string     `yaml:"name"`
	Type  string     `yaml:"type"`
	File  string     `yaml:"file"`
	Data  string     `yaml:"data"`
	Cache *CacheSpec `yaml:"cache"`
}

type CacheSpec struct {
	BlockSize uint64 `yaml:"block_size"`
	Blocks    int    `yaml:"blocks"`
}

// VideoModeSpec is one display mode the machine offers. The first listed
// mode is the one active at startup.
type VideoModeSpec struct {
	Type   string `yaml:"type"`
	Width  uint32 `yaml:"width"`
	Height uint32 `yaml:"height"`
	BPP    uint32 `yaml:"bpp"`
}

// ConsoleSpec scripts key presses on a virtual timeline. Without one the
// machine has no console and the menu collapses to the default entry.
type ConsoleSpec struct {
	Keys []KeySpec `yaml:"keys"`
}

type KeySpec struct {
	AtMs int64  `yaml:"at_ms"`
	Key  string `yaml:"key"`
}

func (k KeySpec) at() time.Duration { return time.Duration(k.AtMs) * time.Millisecond }

// LoadMachine reads and validates a machine description file.
func LoadMachine(path string) (*Machine, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, cerrors.Wrapf(err, "reading machine description %q", path)
	}
	return ParseMachine(data)
}

// ParseMachine decodes a machine description.
func ParseMachine(data []byte) (*Machine, error) {
	var m Machine
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, cerrors.Wrap(err, "parsing machine description")
	}

	if m.Arch == "" {
		m.Arch = "x86"
	}
	if m.Arch != "x86" && m.Arch != "arm64" {
		return nil, cerrors.Wrapf(status.ErrNotSupported, "unknown architecture %q", m.Arch)
	}
	if len(m.Memory) == 0 {
		return nil, cerrors.Wrap(status.ErrInvalidArg, "machine has no memory ranges")
	}
	for _, r := range m.Memory {
		if r.Size == 0 {
			return nil, cerrors.Wrapf(status.ErrInvalidArg, "memory range at 0x%x has no size", r.Base)
		}
	}
	if len(m.Devices) == 0 {
		return nil, cerrors.Wrap(status.ErrInvalidArg, "machine has no devices")
	}
	for _, d := range m.Devices {
		if d.Name == "" {
			return nil, cerrors.Wrap(status.ErrInvalidArg, "device without a name")
		}
		if d.File != "" && d.Data != "" {
			return nil, cerrors.Wrapf(status.ErrInvalidArg, "device %q has both file and inline data", d.Name)
		}
	}
	for _, v := range m.Video {
		if v.Type != "vga" && v.Type != "lfb" {
			return nil, cerrors.Wrapf(status.ErrInvalidArg, "unknown video mode type %q", v.Type)
		}
		if v.Width == 0 || v.Height == 0 {
			return nil, cerrors.Wrap(status.ErrInvalidArg, "video mode without dimensions")
		}
	}
	return &m, nil
}

// content loads the device's backing bytes.
func (d *DeviceSpec) content() ([]byte, error) {
	if d.File != "" {
		data, err := os.ReadFile(d.File)
		if err != nil {
			return nil, cerrors.Wrapf(err, "reading content of device %q", d.Name)
		}
		return data, nil
	}
	if d.Data == "" {
		return nil, nil
	}
	data, err := base64.StdEncoding.DecodeString(d.Data)
	if err != nil {
		return nil, cerrors.Wrapf(status.ErrInvalidArg, "device %q has invalid base64 data", d.Name)
	}
	return data, nil
}
