package stone

import (
	"debug/elf"
	"io"
	"strings"

	cerrors "github.com/cockroachdb/errors"
	"golang.org/x/exp/slices"

	"github.com/loadstone-boot/loadstone/config"
	"github.com/loadstone-boot/loadstone/device"
	"github.com/loadstone-boot/loadstone/fs"
	"github.com/loadstone-boot/loadstone/loader"
	"github.com/loadstone-boot/loadstone/memory"
	"github.com/loadstone-boot/loadstone/mmu"
	"github.com/loadstone-boot/loadstone/status"
	"github.com/loadstone-boot/loadstone/video"
)

const (
	physMin = loader.PhysMin
	physMax = loader.PhysMax
)

// stackSize is the initial kernel stack. The kernel switches to its own
// stacks early, so this only has to cover entry code.
const stackSize uint64 = 0x2000

// logBufSize is the persistent log buffer handed to kernels that request
// one with ImageLog.
const logBufSize uint64 = 0x2000

// Loader boots native protocol kernels. It is created by the stone
// configuration command, which validates the image up front; Boot performs
// the load and the handoff when the entry is selected.
type Loader struct {
	ctx     *loader.Context
	path    string
	img     *image
	modules config.Value
}

// RegisterCommand adds the stone command to the configuration vocabulary.
func RegisterCommand(cmds *config.Registry, ctx *loader.Context) {
	cmds.Register(&config.Command{
		Name:        "stone",
		Description: "Boot a native protocol kernel",
		Func: func(execCtx *config.ExecContext, args []config.Value) error {
			return newLoader(ctx, execCtx, args)
		},
	})
}

// newLoader validates the kernel image at configuration time so a broken
// entry is known before it appears on the menu.
func newLoader(ctx *loader.Context, execCtx *config.ExecContext, args []config.Value) error {
	if len(args) < 1 || len(args) > 2 || args[0].Type != config.TypeString {
		return cerrors.Wrap(status.ErrInvalidArg, "expected: stone <kernel path> [<modules>]")
	}

	h, err := fs.Open(args[0].String, execCtx.Env.Directory(), ctx.Devices,
		fs.TypeFile, fs.OpenDecompress)
	if err != nil {
		return err
	}

	img, err := parseImage(h)
	if err != nil {
		h.Close()
		return err
	}

	l := &Loader{ctx: ctx, path: args[0].String, img: img}
	if len(args) == 2 {
		if args[1].Type != config.TypeString && args[1].Type != config.TypeList {
			img.Close()
			return cerrors.Wrap(status.ErrInvalidArg,
				"modules must be a directory path or a list of paths")
		}
		l.modules = args[1]
	}

	if err := applyOptionDefaults(execCtx.Env, img.options); err != nil {
		img.Close()
		return err
	}
	if err := execCtx.Env.SetLoader(l); err != nil {
		img.Close()
		return err
	}
	return nil
}

// applyOptionDefaults seeds declared options into the environment so the
// menu and later commands see them. Existing values are kept but must match
// the declared type.
func applyOptionDefaults(env *config.Environ, options []optionTag) error {
	for _, opt := range options {
		existing, ok := env.Lookup(opt.name)
		if ok {
			if existing.Type != optionValueType(opt.typ) {
				return cerrors.Wrapf(status.ErrInvalidArg,
					"option %q is declared %s but set to %s",
					opt.name, optionTypeName(opt.typ), existing.Type)
			}
			continue
		}

		var def config.Value
		switch opt.typ {
		case OptionBoolean:
			def = config.BooleanValue(opt.defBoolean)
		case OptionInteger:
			def = config.IntegerValue(opt.defInteger)
		case OptionString:
			def = config.StringValue(opt.defString)
		}
		if err := env.Set(opt.name, def); err != nil {
			return err
		}
	}
	return nil
}

func optionValueType(typ uint32) config.ValueType {
	switch typ {
	case OptionBoolean:
		return config.TypeBoolean
	case OptionInteger:
		return config.TypeInteger
	default:
		return config.TypeString
	}
}

func optionTypeName(typ uint32) string {
	switch typ {
	case OptionBoolean:
		return "boolean"
	case OptionInteger:
		return "integer"
	default:
		return "string"
	}
}

func (l *Loader) Name() string { return "stone" }

// mapping is one virtual mapping established for the kernel, reported back
// through VMEM tags.
type mapping struct {
	virt  uint64
	phys  uint64
	size  uint64
	cache uint32
}

// module is one loaded module image.
type module struct {
	name string
	phys uint64
	size uint64
}

// load carries the state of one boot attempt.
type load struct {
	ctx   *loader.Context
	img   *image
	space mmu.Context
	vmem  *memory.RegionAllocator

	mappings   []mapping
	kernelPhys uint64
	stackBase  uint64
	stackPhys  uint64
}

// Boot performs the load and transfers control. It returns only on failure.
func (l *Loader) Boot(env *config.Environ) error {
	arena := &loader.Arena{Mem: l.ctx.Mem, Phys: l.ctx.Phys, Type: memory.RangePageTables}
	space, err := l.ctx.Arch.NewAddressSpace(l.img.mode, arena)
	if err != nil {
		return err
	}

	ld := &load{ctx: l.ctx, img: l.img, space: space, vmem: &memory.RegionAllocator{}}
	if err := ld.vmem.Init(l.img.load.virtMapBase, l.img.load.virtMapSize); err != nil {
		return cerrors.Wrap(err, "initializing the virtual map window")
	}
	// The null page is never handed out.
	ld.vmem.Reserve(0, memory.PageSize)

	if err := ld.loadSegments(); err != nil {
		return err
	}
	if err := ld.applyMappings(); err != nil {
		return err
	}
	if err := ld.setupStack(); err != nil {
		return err
	}

	modules, err := ld.loadModules(env, l.modules)
	if err != nil {
		return err
	}

	tagsPhys, err := ld.writeTags(env, modules)
	if err != nil {
		return err
	}

	l.ctx.Log.Info("transferring control",
		"kernel", l.path, "entry", l.img.entry, "tags", tagsPhys)
	return l.ctx.Arch.Enter(l.img.entry, space, tagsPhys)
}

func cacheFlags(cache uint32) (mmu.Flags, error) {
	switch cache {
	case 0:
		return mmu.CacheDefault, nil
	case 1:
		return mmu.CacheWriteThrough, nil
	case 2:
		return mmu.CacheUncached, nil
	}
	return 0, cerrors.Wrapf(status.ErrMalformedImage, "unknown cache mode %d", cache)
}

// loadSegments places every loadable segment in physical memory, maps it,
// and copies its content through the new address space.
func (ld *load) loadSegments() error {
	loaded := 0
	for _, prog := range ld.img.file.Progs {
		if prog.Type != elf.PT_LOAD || prog.Memsz == 0 {
			continue
		}

		mapVirt := memory.AlignDown(prog.Vaddr, memory.PageSize)
		mapSize := memory.AlignUp(prog.Vaddr+prog.Memsz, memory.PageSize) - mapVirt

		phys, err := allocSegment(ld.ctx.Mem, mapSize,
			ld.img.load.alignment, ld.img.load.minAlignment)
		if err != nil {
			return err
		}

		if err := ld.vmem.Insert(mapVirt, mapSize); err != nil {
			return cerrors.Wrapf(err, "segment at 0x%x overlaps another mapping", prog.Vaddr)
		}
		if err := ld.map_(mapVirt, phys, mapSize, 0); err != nil {
			return err
		}
		if err := ld.space.Memset(mapVirt, 0, mapSize); err != nil {
			return err
		}

		if prog.Filesz > 0 {
			data, err := io.ReadAll(prog.Open())
			if err != nil {
				return cerrors.Wrapf(status.ErrMalformedImage,
					"reading segment at 0x%x", prog.Vaddr)
			}
			if err := ld.space.CopyTo(prog.Vaddr, data); err != nil {
				return err
			}
		}

		if loaded == 0 || (ld.img.entry >= prog.Vaddr && ld.img.entry < prog.Vaddr+prog.Memsz) {
			ld.kernelPhys = phys
		}
		loaded++

		ld.ctx.Log.Debug("loaded segment",
			"virt", mapVirt, "phys", phys, "size", mapSize)
	}

	if loaded == 0 {
		return cerrors.Wrap(status.ErrMalformedImage, "image has no loadable segments")
	}
	return nil
}

// applyMappings establishes the fixed mappings the image's notes requested.
func (ld *load) applyMappings() error {
	for _, m := range ld.img.mappings {
		if err := ld.vmem.Insert(m.virt, m.size); err != nil {
			return cerrors.Wrapf(err, "requested mapping at 0x%x", m.virt)
		}
		if err := ld.map_(m.virt, m.phys, m.size, m.cache); err != nil {
			return err
		}
	}
	return nil
}

func (ld *load) setupStack() error {
	phys, err := ld.ctx.Mem.Alloc(stackSize, 0, physMin, physMax, memory.RangeStack, 0)
	if err != nil {
		return err
	}
	virt, err := ld.vmem.Alloc(stackSize, memory.PageSize)
	if err != nil {
		return err
	}
	if err := ld.map_(virt, phys, stackSize, 0); err != nil {
		return err
	}
	if err := ld.space.Memset(virt, 0, stackSize); err != nil {
		return err
	}
	ld.stackBase = virt
	ld.stackPhys = phys
	return nil
}

// map_ maps and records one region so it can be reported via VMEM tags.
func (ld *load) map_(virt, phys, size uint64, cache uint32) error {
	flags, err := cacheFlags(cache)
	if err != nil {
		return err
	}
	if err := ld.space.Map(virt, phys, size, flags); err != nil {
		return err
	}
	ld.mappings = append(ld.mappings, mapping{
		virt: virt, phys: phys, size: size, cache: cache,
	})
	return nil
}

// loadModules reads the configured modules into page-aligned physical
// allocations. The value is either a list of file paths or the path of a
// directory whose files are loaded in name order.
func (ld *load) loadModules(env *config.Environ, value config.Value) ([]module, error) {
	var paths []string
	switch value.Type {
	case config.TypeList:
		for _, item := range value.List {
			if item.Type != config.TypeString {
				return nil, cerrors.Wrap(status.ErrInvalidArg, "module list entries must be paths")
			}
			paths = append(paths, item.String)
		}

	case config.TypeString:
		dir, err := fs.Open(value.String, env.Directory(), ld.ctx.Devices, fs.TypeDir, 0)
		if err != nil {
			return nil, err
		}
		var names []string
		err = dir.Iterate(func(name string) error {
			names = append(names, name)
			return nil
		})
		dir.Close()
		if err != nil {
			return nil, err
		}
		slices.Sort(names)
		for _, name := range names {
			paths = append(paths, value.String+"/"+name)
		}

	default:
		return nil, nil
	}

	modules := make([]module, 0, len(paths))
	for _, path := range paths {
		mod, err := ld.loadModule(env, path)
		if err != nil {
			return nil, cerrors.Wrapf(err, "loading module %q", path)
		}
		modules = append(modules, mod)
	}
	return modules, nil
}

func (ld *load) loadModule(env *config.Environ, path string) (module, error) {
	h, err := fs.Open(path, env.Directory(), ld.ctx.Devices, fs.TypeFile, fs.OpenDecompress)
	if err != nil {
		return module{}, err
	}
	defer h.Close()

	data, err := fs.ReadAll(h)
	if err != nil {
		return module{}, err
	}

	size := memory.AlignUp(uint64(len(data)), memory.PageSize)
	if size == 0 {
		size = memory.PageSize
	}
	phys, err := ld.ctx.Mem.Alloc(size, 0, physMin, physMax, memory.RangeModules, 0)
	if err != nil {
		return module{}, err
	}
	buf, err := ld.ctx.Phys.Bytes(phys, size)
	if err != nil {
		return module{}, err
	}
	copy(buf, data)

	name := path
	if i := strings.LastIndexByte(name, '/'); i >= 0 {
		name = name[i+1:]
	}
	return module{name: name, phys: phys, size: uint64(len(data))}, nil
}

// writeTags builds the tag list in its physical allocation and returns its
// address. The core tag is written first and patched once every other
// record has been placed, because it describes the finished list.
func (ld *load) writeTags(env *config.Environ, modules []module) (uint64, error) {
	tagsPhys, err := ld.ctx.Mem.Alloc(TagsSize, 0, physMin, physMax, memory.RangeReclaimable, 0)
	if err != nil {
		return 0, err
	}

	w := NewTagWriter(TagsSize)
	coreOffset := w.Offset()
	if err := w.Append(TagCore, make([]byte, 48)); err != nil {
		return 0, err
	}

	if err := writeOptionTags(w, env, ld.img.options); err != nil {
		return 0, err
	}

	for _, mod := range modules {
		p := &payloadWriter{}
		p.u64(mod.phys).u64(mod.size).str(mod.name)
		if err := w.Append(TagModule, p.bytes()); err != nil {
			return 0, err
		}
	}

	if err := ld.writeVideoTag(w, env); err != nil {
		return 0, err
	}

	if err := writeBootDevTag(w, env.Device()); err != nil {
		return 0, err
	}

	if ld.img.flags&ImageLog != 0 {
		if err := ld.writeLogTag(w); err != nil {
			return 0, err
		}
	}

	p := &payloadWriter{}
	p.u64(ld.space.Root())
	if err := w.Append(TagPagetables, p.bytes()); err != nil {
		return 0, err
	}

	if ld.ctx.Firmware != nil {
		if err := ld.ctx.Firmware.WriteTags(w); err != nil {
			return 0, err
		}
	}

	slices.SortFunc(ld.mappings, func(a, b mapping) bool { return a.virt < b.virt })
	for _, m := range ld.mappings {
		p := &payloadWriter{}
		p.u64(m.virt).u64(m.size).u64(m.phys).u32(m.cache).u32(0)
		if err := w.Append(TagVMem, p.bytes()); err != nil {
			return 0, err
		}
	}

	// Every allocation is in place; the finalized map is what the kernel
	// inherits.
	for _, r := range ld.ctx.Mem.Finalize() {
		p := &payloadWriter{}
		p.u64(r.Start).u64(r.Size).u32(uint32(r.Type)).u32(0)
		if err := w.Append(TagMemory, p.bytes()); err != nil {
			return 0, err
		}
	}

	if err := w.Finish(); err != nil {
		return 0, err
	}

	core := &payloadWriter{}
	core.u64(tagsPhys).u32(uint32(len(w.Bytes()))).u32(0)
	core.u64(ld.kernelPhys)
	core.u64(ld.stackBase).u64(ld.stackPhys).u32(uint32(stackSize)).u32(0)
	if err := w.PatchPayload(coreOffset, core.bytes()); err != nil {
		return 0, err
	}

	buf, err := ld.ctx.Phys.Bytes(tagsPhys, TagsSize)
	if err != nil {
		return 0, err
	}
	copy(buf, w.Bytes())
	return tagsPhys, nil
}

// writeOptionTags emits each declared option with its effective value from
// the environment. Types were checked when the loader command ran; a value
// changed since then is checked again here.
func writeOptionTags(w *TagWriter, env *config.Environ, options []optionTag) error {
	for _, opt := range options {
		value, ok := env.Lookup(opt.name)
		if !ok || value.Type != optionValueType(opt.typ) {
			return cerrors.Wrapf(status.ErrInvalidArg,
				"option %q is no longer a %s", opt.name, optionTypeName(opt.typ))
		}

		var encoded []byte
		switch opt.typ {
		case OptionBoolean:
			encoded = []byte{0}
			if value.Boolean {
				encoded[0] = 1
			}
		case OptionInteger:
			v := &payloadWriter{}
			encoded = v.u64(value.Integer).bytes()
		case OptionString:
			encoded = append([]byte(value.String), 0)
		}

		p := &payloadWriter{}
		p.u32(opt.typ).u32(uint32(len(opt.name) + 1)).u32(uint32(len(encoded)))
		p.u32(0).str(opt.name).raw(encoded)
		if err := w.Append(TagOption, p.bytes()); err != nil {
			return err
		}
	}
	return nil
}

// writeVideoTag describes the selected display mode. The selection is a mode
// string in the environment; it is resolved here because its value can
// change between the video command and the boot.
func (ld *load) writeVideoTag(w *TagWriter, env *config.Environ) error {
	if ld.ctx.Video == nil {
		return nil
	}
	value, ok := env.Lookup(video.EnvMode)
	if !ok {
		return nil
	}
	if value.Type != config.TypeString {
		return cerrors.Wrapf(status.ErrInvalidArg, "%s must be a mode string", video.EnvMode)
	}

	mode, err := ld.ctx.Video.Parse(value.String)
	if err != nil {
		return err
	}
	ld.ctx.Video.SetMode(mode)

	p := &payloadWriter{}
	p.u32(uint32(mode.Type)).u32(0)
	p.u32(mode.Width).u32(mode.Height).u32(mode.BPP).u32(mode.Pitch)
	p.u64(mode.MemPhys).u64(mode.MemSize)
	return w.Append(TagVideo, p.bytes())
}

// writeLogTag allocates the persistent log buffer the image asked for. The
// range is reclaimable: the kernel takes it over or frees it.
func (ld *load) writeLogTag(w *TagWriter) error {
	phys, err := ld.ctx.Mem.Alloc(logBufSize, 0, physMin, physMax, memory.RangeReclaimable, 0)
	if err != nil {
		return err
	}
	buf, err := ld.ctx.Phys.Bytes(phys, logBufSize)
	if err != nil {
		return err
	}
	for i := range buf {
		buf[i] = 0
	}

	p := &payloadWriter{}
	p.u64(phys).u32(uint32(logBufSize)).u32(0)
	return w.Append(TagLog, p.bytes())
}

func writeBootDevTag(w *TagWriter, dev *device.Device) error {
	var typ uint32
	var name string
	if dev != nil {
		name = dev.Name
		switch dev.Type {
		case device.TypeDisk:
			typ = 1
		case device.TypeNet:
			typ = 2
		case device.TypeImage:
			typ = 3
		}
	}

	p := &payloadWriter{}
	p.u32(typ).u32(0).str(name)
	return w.Append(TagBootDev, p.bytes())
}
