// Package core drives a boot from power-on state to handoff: memory map,
// device probing, configuration, menu, and the boot attempt itself. The
// platform supplies everything machine-specific.
package core

import (
	"fmt"
	"io"

	cerrors "github.com/cockroachdb/errors"
	"golang.org/x/exp/slog"

	"github.com/loadstone-boot/loadstone/config"
	"github.com/loadstone-boot/loadstone/device"
	"github.com/loadstone-boot/loadstone/fs"
	"github.com/loadstone-boot/loadstone/loader"
	"github.com/loadstone-boot/loadstone/memory"
	"github.com/loadstone-boot/loadstone/menu"
	"github.com/loadstone-boot/loadstone/video"
)

// Platform abstracts the machine the loader runs on.
type Platform interface {
	// DescribeMemory populates the physical memory map.
	DescribeMemory(mem *memory.Map) error
	// PhysMemory gives access to physical memory contents.
	PhysMemory() loader.PhysMemory
	// Arch supplies the address space builder and the entry sequence.
	Arch() loader.Arch
	// Firmware contributes firmware records to the boot tag list. May be nil.
	Firmware() loader.Firmware
	// ProbeDevices registers the machine's devices and mounts their
	// filesystems.
	ProbeDevices(reg *device.Registry, prober *fs.Prober) error
	// BootDevice picks the device configuration is loaded from.
	BootDevice(reg *device.Registry) (*device.Device, error)
	// Console returns the interactive console, or nil when there is none.
	Console() menu.Console
	// VideoModes returns the display modes, or nil when there is no display.
	VideoModes() *video.ModeSet
	// RegisterCommands adds the platform's loader commands.
	RegisterCommands(cmds *config.Registry, ctx *loader.Context)
}

// Hook runs after configuration is loaded and before the menu.
type Hook func(p *Pipeline) error

// Pipeline is one boot in progress.
type Pipeline struct {
	platform Platform
	out      io.Writer
	log      *slog.Logger

	PreBoot []Hook

	Mem       *memory.Map
	Devices   *device.Registry
	Prober    *fs.Prober
	Commands  *config.Registry
	LoaderCtx *loader.Context
	Root      *config.Environ
}

func New(platform Platform, out io.Writer, log *slog.Logger) *Pipeline {
	if out == nil {
		out = io.Discard
	}
	if log == nil {
		log = slog.Default()
	}
	return &Pipeline{platform: platform, out: out, log: log}
}

// Run carries the boot through to handoff. It returns nil once control has
// been transferred, or the error that made further progress impossible.
func (p *Pipeline) Run() error {
	if err := p.initMemory(); err != nil {
		return err
	}
	if err := p.initDevices(); err != nil {
		return err
	}
	if err := p.loadConfig(); err != nil {
		return err
	}

	for _, hook := range p.PreBoot {
		if err := hook(p); err != nil {
			return err
		}
	}

	return p.selectAndBoot()
}

func (p *Pipeline) initMemory() error {
	p.Mem = memory.NewMap(p.log)
	if err := p.platform.DescribeMemory(p.Mem); err != nil {
		return &InternalError{Msg: "describing physical memory", Err: err}
	}
	if err := p.Mem.Validate(); err != nil {
		return &InternalError{Msg: "invalid physical memory map", Err: err}
	}
	p.log.Info("physical memory initialized", "map", p.Mem.String())
	return nil
}

func (p *Pipeline) initDevices() error {
	p.Devices = device.NewRegistry(p.log)
	p.Prober = fs.NewProber()
	if err := p.platform.ProbeDevices(p.Devices, p.Prober); err != nil {
		return &InternalError{Msg: "probing devices", Err: err}
	}

	p.LoaderCtx = &loader.Context{
		Mem:      p.Mem,
		Phys:     p.platform.PhysMemory(),
		Devices:  p.Devices,
		Arch:     p.platform.Arch(),
		Firmware: p.platform.Firmware(),
		Video:    p.platform.VideoModes(),
		Log:      p.log,
	}
	p.Commands = config.NewRegistry()
	if p.LoaderCtx.Video != nil {
		video.RegisterCommands(p.Commands, p.LoaderCtx.Video)
	}
	p.platform.RegisterCommands(p.Commands, p.LoaderCtx)
	return nil
}

func (p *Pipeline) loadConfig() error {
	boot, err := p.platform.BootDevice(p.Devices)
	if err != nil {
		return &BootError{Err: err}
	}
	p.log.Info("boot device selected", "device", boot.Name)

	p.Root = config.NewEnviron(nil)
	p.Root.SetDevice(boot)

	ctx := &config.ExecContext{
		Env:      p.Root,
		Registry: p.Commands,
		Devices:  p.Devices,
		Log:      p.log,
		Out:      p.out,
	}
	if err := config.Load(ctx); err != nil {
		return &BootError{Err: err}
	}
	return nil
}

// selectAndBoot loops between the menu and boot attempts. A failed attempt
// is reported and the menu resumes; without a console there is nothing to
// resume to and the failure is final.
func (p *Pipeline) selectAndBoot() error {
	console := p.platform.Console()
	for {
		m := menu.New(p.Root, console, p.out, p.log)
		env := m.Select()

		err := p.bootEnv(env)
		if cerrors.Is(err, loader.ErrHandoffComplete) {
			return nil
		}

		var internal *InternalError
		if cerrors.As(err, &internal) {
			return err
		}

		p.log.Error("boot attempt failed", "entry", env.EntryName(), "error", err)
		fmt.Fprintf(p.out, "\n%v\n", err)
		if console == nil {
			return err
		}
	}
}

func (p *Pipeline) bootEnv(env *config.Environ) error {
	name := env.EntryName()

	if err := env.ParseError(); err != nil {
		return &BootError{Entry: name, Err: err}
	}
	l := env.GetLoader()
	if l == nil {
		return &BootError{Entry: name, Err: cerrors.New("entry has no loader command")}
	}

	err := l.Boot(env)
	switch {
	case err == nil:
		// Boot must not return without an error: on hardware control never
		// comes back from a successful handoff.
		return &InternalError{Msg: fmt.Sprintf("loader %q returned from boot", l.Name())}
	case cerrors.Is(err, loader.ErrHandoffComplete):
		return err
	default:
		return &BootError{Entry: name, Err: err}
	}
}
