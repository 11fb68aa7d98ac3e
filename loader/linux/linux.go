// Package linux boots Linux kernels. The boot protocol details live behind
// the Arch interface; this package handles what is common to all of them:
// the command line and the initrd images.
package linux

import (
	cerrors "github.com/cockroachdb/errors"

	"github.com/loadstone-boot/loadstone/config"
	"github.com/loadstone-boot/loadstone/fs"
	"github.com/loadstone-boot/loadstone/loader"
	"github.com/loadstone-boot/loadstone/memory"
	"github.com/loadstone-boot/loadstone/status"
)

// Boot is everything an architecture needs to start the kernel. A zero
// InitrdSize means no initrd was configured.
type Boot struct {
	Kernel     fs.Handle
	Cmdline    string
	InitrdPhys uint64
	InitrdSize uint64
}

// Arch implements one Linux boot protocol. CheckKernel runs at
// configuration time so a wrong image is reported before the menu; Boot
// does not return on success.
type Arch interface {
	CheckKernel(ctx *loader.Context, kernel fs.Handle) error
	Boot(ctx *loader.Context, boot *Boot) error
}

// Loader boots one configured Linux kernel.
type Loader struct {
	ctx    *loader.Context
	arch   Arch
	path   string
	kernel fs.Handle
	args   string
}

// RegisterCommand adds the linux command to the configuration vocabulary.
func RegisterCommand(cmds *config.Registry, ctx *loader.Context, arch Arch) {
	cmds.Register(&config.Command{
		Name:        "linux",
		Description: "Boot a Linux kernel",
		Func: func(execCtx *config.ExecContext, args []config.Value) error {
			return newLoader(ctx, arch, execCtx, args)
		},
	})
}

func newLoader(ctx *loader.Context, arch Arch, execCtx *config.ExecContext, args []config.Value) error {
	if len(args) < 1 || len(args) > 2 || args[0].Type != config.TypeString {
		return cerrors.Wrap(status.ErrInvalidArg, "expected: linux <kernel path> [<arguments>]")
	}

	l := &Loader{ctx: ctx, arch: arch, path: args[0].String}
	if len(args) == 2 {
		if args[1].Type != config.TypeString {
			return cerrors.Wrap(status.ErrInvalidArg, "kernel arguments must be a string")
		}
		l.args = args[1].String
	}

	h, err := fs.Open(l.path, execCtx.Env.Directory(), ctx.Devices, fs.TypeFile, 0)
	if err != nil {
		return err
	}
	if err := arch.CheckKernel(ctx, h); err != nil {
		h.Close()
		return err
	}
	l.kernel = h

	if err := execCtx.Env.SetLoader(l); err != nil {
		h.Close()
		return err
	}
	return nil
}

func (l *Loader) Name() string { return "linux" }

// Boot loads the initrd images and hands over to the architecture.
func (l *Loader) Boot(env *config.Environ) error {
	cmdline := "BOOT_IMAGE=" + l.path
	if l.args != "" {
		cmdline += " " + l.args
	}

	boot := &Boot{Kernel: l.kernel, Cmdline: cmdline}
	if err := l.loadInitrd(env, boot); err != nil {
		return err
	}

	l.ctx.Log.Info("booting linux kernel", "kernel", l.path, "cmdline", cmdline,
		"initrd_size", boot.InitrdSize)
	return l.arch.Boot(l.ctx, boot)
}

// loadInitrd concatenates the configured initrd images into one physical
// allocation, which is how the kernel expects to find multiple images.
func (l *Loader) loadInitrd(env *config.Environ, boot *Boot) error {
	value, ok := env.Lookup("initrd")
	if !ok {
		return nil
	}

	var paths []string
	switch value.Type {
	case config.TypeString:
		paths = []string{value.String}
	case config.TypeList:
		for _, item := range value.List {
			if item.Type != config.TypeString {
				return cerrors.Wrap(status.ErrInvalidArg, "initrd list entries must be paths")
			}
			paths = append(paths, item.String)
		}
	default:
		return cerrors.Wrap(status.ErrInvalidArg, "initrd must be a path or a list of paths")
	}
	if len(paths) == 0 {
		return nil
	}

	handles := make([]fs.Handle, 0, len(paths))
	defer func() {
		for _, h := range handles {
			h.Close()
		}
	}()

	var total uint64
	for _, path := range paths {
		h, err := fs.Open(path, env.Directory(), l.ctx.Devices, fs.TypeFile, 0)
		if err != nil {
			return cerrors.Wrapf(err, "opening initrd %q", path)
		}
		handles = append(handles, h)
		total += h.Size()
	}
	if total == 0 {
		return nil
	}

	phys, err := l.ctx.Mem.Alloc(memory.AlignUp(total, memory.PageSize), 0,
		loader.PhysMin, loader.PhysMax, memory.RangeModules, 0)
	if err != nil {
		return err
	}
	buf, err := l.ctx.Phys.Bytes(phys, total)
	if err != nil {
		return err
	}

	offset := uint64(0)
	for i, h := range handles {
		if err := fs.Read(h, buf[offset:offset+h.Size()], 0); err != nil {
			return cerrors.Wrapf(err, "reading initrd %q", paths[i])
		}
		offset += h.Size()
	}

	boot.InitrdPhys = phys
	boot.InitrdSize = total
	return nil
}
