package host

import (
	"bytes"
	"encoding/binary"
	"time"

	cerrors "github.com/cockroachdb/errors"

	"github.com/loadstone-boot/loadstone/config"
	"github.com/loadstone-boot/loadstone/device"
	"github.com/loadstone-boot/loadstone/fs"
	"github.com/loadstone-boot/loadstone/loader"
	"github.com/loadstone-boot/loadstone/loader/linux"
	"github.com/loadstone-boot/loadstone/loader/stone"
	"github.com/loadstone-boot/loadstone/memory"
	"github.com/loadstone-boot/loadstone/menu"
	"github.com/loadstone-boot/loadstone/mmu"
	"github.com/loadstone-boot/loadstone/status"
	"github.com/loadstone-boot/loadstone/video"
)

// Handoff records the control transfer a real machine would never return
// from.
type Handoff struct {
	Protocol string
	Entry    uint64
	TagsPhys uint64
	Space    mmu.Context

	// Linux handoffs only.
	Cmdline    string
	InitrdPhys uint64
	InitrdSize uint64
}

// Platform simulates the described machine. It implements core.Platform;
// after a successful pipeline run Handoff holds what was handed control.
type Platform struct {
	machine *Machine
	phys    *physMemory
	video   *video.ModeSet

	Handoff *Handoff
}

func NewPlatform(m *Machine) (*Platform, error) {
	phys, err := newPhysMemory(m.Memory)
	if err != nil {
		return nil, err
	}
	return &Platform{machine: m, phys: phys, video: buildVideoModes(m)}, nil
}

// buildVideoModes converts the machine's mode list. The first mode is the
// one active at startup.
func buildVideoModes(m *Machine) *video.ModeSet {
	if len(m.Video) == 0 {
		return nil
	}
	set := &video.ModeSet{}
	for i, spec := range m.Video {
		typ := video.ModeVGA
		if spec.Type == "lfb" {
			typ = video.ModeLFB
		}
		mode := &video.Mode{Type: typ, Width: spec.Width, Height: spec.Height, BPP: spec.BPP}
		if typ == video.ModeLFB {
			mode.Pitch = spec.Width * (spec.BPP / 8)
		}
		set.Register(mode, i == 0)
	}
	return set
}

func (p *Platform) DescribeMemory(mem *memory.Map) error {
	for _, r := range p.machine.Memory {
		mem.Add(r.Base, r.Size, memory.RangeFree)
	}
	return nil
}

func (p *Platform) PhysMemory() loader.PhysMemory { return p.phys }

func (p *Platform) Arch() loader.Arch {
	return &simArch{platform: p, arm64: p.machine.Arch == "arm64"}
}

func (p *Platform) Firmware() loader.Firmware { return &firmware{machine: p.machine} }

func (p *Platform) VideoModes() *video.ModeSet { return p.video }

func (p *Platform) ProbeDevices(reg *device.Registry, prober *fs.Prober) error {
	for i := range p.machine.Devices {
		spec := &p.machine.Devices[i]
		dev, err := buildDevice(spec)
		if err != nil {
			return err
		}
		if err := reg.Register(dev); err != nil {
			return err
		}

		probe := []*device.Device{dev}
		if dev.Type == device.TypeDisk {
			children, err := device.ProbePartitions(reg, dev)
			if err != nil {
				return err
			}
			probe = append(probe, children...)
		}

		// A device without a recognizable filesystem is still registered;
		// it just cannot be a boot device.
		for _, d := range probe {
			if _, err := prober.Probe(d); err != nil &&
				!cerrors.Is(err, status.ErrUnknownFilesystem) {
				return err
			}
		}
	}
	return nil
}

func buildDevice(spec *DeviceSpec) (*device.Device, error) {
	data, err := spec.content()
	if err != nil {
		return nil, err
	}

	typ := device.TypeImage
	switch spec.Type {
	case "disk":
		typ = device.TypeDisk
	case "net":
		typ = device.TypeNet
	}

	backing := device.NewImage(spec.Name, data)
	if spec.Cache == nil {
		return device.New(spec.Name, typ, backing), nil
	}

	cached, err := device.NewCachedOps(backing, spec.Cache.BlockSize, spec.Cache.Blocks)
	if err != nil {
		return nil, err
	}
	return device.New(spec.Name, typ, cached), nil
}

func (p *Platform) BootDevice(reg *device.Registry) (*device.Device, error) {
	name := p.machine.BootDevice
	if name == "" {
		name = p.machine.Devices[0].Name
	}
	dev := reg.Lookup(name)
	if dev == nil {
		return nil, cerrors.Wrapf(status.ErrNotFound, "boot device %q not found", name)
	}
	return dev, nil
}

func (p *Platform) Console() menu.Console {
	if p.machine.Console == nil {
		return nil
	}
	return newScriptedConsole(p.machine.Console)
}

func (p *Platform) RegisterCommands(cmds *config.Registry, ctx *loader.Context) {
	stone.RegisterCommand(cmds, ctx)
	linux.RegisterCommand(cmds, ctx, &simLinuxArch{platform: p})
}

// physMemory backs the machine's physical ranges with byte slices.
type physMemory struct {
	slabs []slab
}

type slab struct {
	base uint64
	data []byte
}

func newPhysMemory(ranges []MemoryRange) (*physMemory, error) {
	p := &physMemory{}
	for _, r := range ranges {
		if r.Base+r.Size < r.Base {
			return nil, cerrors.Wrapf(status.ErrInvalidArg, "memory range at 0x%x wraps", r.Base)
		}
		p.slabs = append(p.slabs, slab{base: r.Base, data: make([]byte, r.Size)})
	}
	return p, nil
}

func (p *physMemory) Bytes(phys, size uint64) ([]byte, error) {
	for _, s := range p.slabs {
		if phys >= s.base && phys+size <= s.base+uint64(len(s.data)) {
			off := phys - s.base
			return s.data[off : off+size], nil
		}
	}
	return nil, cerrors.Wrapf(status.ErrInvalidArg,
		"access of 0x%x bytes at 0x%x outside simulated memory", size, phys)
}

// simArch builds real translation tables for the selected architecture and
// records the handoff instead of jumping to it.
type simArch struct {
	platform *Platform
	arm64    bool
}

func (a *simArch) NewAddressSpace(mode mmu.Mode, arena mmu.Arena) (mmu.Context, error) {
	if a.arm64 {
		return mmu.NewARM64(mode, arena)
	}
	return mmu.NewX86(mode, arena)
}

func (a *simArch) Enter(entry uint64, space mmu.Context, tagsPhys uint64) error {
	a.platform.Handoff = &Handoff{
		Protocol: "stone",
		Entry:    entry,
		TagsPhys: tagsPhys,
		Space:    space,
	}
	return loader.ErrHandoffComplete
}

// bzImage layout constants used to recognize a Linux kernel.
const (
	bootFlagOffset = 0x1fe
	bootFlag       = 0xaa55
	hdrMagicOffset = 0x202
)

var hdrMagic = []byte("HdrS")

// simLinuxArch validates the x86 boot protocol header and records the
// handoff.
type simLinuxArch struct {
	platform *Platform
}

func (a *simLinuxArch) CheckKernel(ctx *loader.Context, kernel fs.Handle) error {
	header := make([]byte, hdrMagicOffset+4)
	if err := fs.Read(kernel, header, 0); err != nil {
		if cerrors.Is(err, status.ErrEndOfFile) {
			return cerrors.Wrap(status.ErrUnknownImage, "not a Linux kernel image")
		}
		return err
	}
	if binary.LittleEndian.Uint16(header[bootFlagOffset:]) != bootFlag ||
		!bytes.Equal(header[hdrMagicOffset:hdrMagicOffset+4], hdrMagic) {
		return cerrors.Wrap(status.ErrUnknownImage, "not a Linux kernel image")
	}
	return nil
}

func (a *simLinuxArch) Boot(ctx *loader.Context, boot *linux.Boot) error {
	a.platform.Handoff = &Handoff{
		Protocol:   "linux",
		Cmdline:    boot.Cmdline,
		InitrdPhys: boot.InitrdPhys,
		InitrdSize: boot.InitrdSize,
	}
	return loader.ErrHandoffComplete
}

// firmware reports the machine's memory ranges the way BIOS E820 would.
type firmware struct {
	machine *Machine
}

func (f *firmware) WriteTags(sink loader.TagSink) error {
	for _, r := range f.machine.Memory {
		payload := make([]byte, 24)
		binary.LittleEndian.PutUint64(payload[0:], r.Base)
		binary.LittleEndian.PutUint64(payload[8:], r.Size)
		binary.LittleEndian.PutUint32(payload[16:], 1) // usable
		if err := sink.Append(stone.TagBiosE820, payload); err != nil {
			return err
		}
	}
	return nil
}

// scriptedConsole replays the described key timeline. Virtual time advances
// by each poll's timeout, so a run is deterministic regardless of host
// speed.
type scriptedConsole struct {
	now    time.Duration
	events []KeySpec
}

func newScriptedConsole(spec *ConsoleSpec) *scriptedConsole {
	return &scriptedConsole{events: append([]KeySpec(nil), spec.Keys...)}
}

func (c *scriptedConsole) ReadKey(timeout time.Duration) (menu.Key, bool) {
	deadline := c.now + timeout
	for i, ev := range c.events {
		if ev.at() <= deadline {
			if ev.at() > c.now {
				c.now = ev.at()
			}
			c.events = append(c.events[:i], c.events[i+1:]...)
			return parseKey(ev.Key), true
		}
	}
	c.now = deadline
	return menu.KeyNone, false
}

func parseKey(name string) menu.Key {
	switch name {
	case "up":
		return menu.KeyUp
	case "down":
		return menu.KeyDown
	case "enter":
		return menu.KeyEnter
	case "escape":
		return menu.KeyEscape
	}
	return menu.KeyNone
}
