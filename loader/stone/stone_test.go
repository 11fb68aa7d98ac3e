package stone_test

import (
	"archive/tar"
	"bytes"
	"encoding/binary"
	"io"
	"testing"

	cerrors "github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
	"golang.org/x/exp/slog"

	"github.com/loadstone-boot/loadstone/config"
	"github.com/loadstone-boot/loadstone/device"
	"github.com/loadstone-boot/loadstone/fs"
	"github.com/loadstone-boot/loadstone/loader"
	"github.com/loadstone-boot/loadstone/loader/stone"
	"github.com/loadstone-boot/loadstone/memory"
	"github.com/loadstone-boot/loadstone/mmu"
	"github.com/loadstone-boot/loadstone/status"
	"github.com/loadstone-boot/loadstone/video"
)

// simPhys is a contiguous slab of simulated physical memory.
type simPhys struct {
	base uint64
	data []byte
}

func (p *simPhys) Bytes(phys, size uint64) ([]byte, error) {
	if phys < p.base || phys+size > p.base+uint64(len(p.data)) {
		return nil, cerrors.Wrapf(status.ErrInvalidArg, "access at 0x%x outside simulated memory", phys)
	}
	off := phys - p.base
	return p.data[off : off+size], nil
}

// fakeArch builds real x86 page tables and records the handoff instead of
// performing it.
type fakeArch struct {
	entered bool
	entry   uint64
	space   mmu.Context
	tags    uint64
}

func (a *fakeArch) NewAddressSpace(mode mmu.Mode, arena mmu.Arena) (mmu.Context, error) {
	return mmu.NewX86(mode, arena)
}

func (a *fakeArch) Enter(entry uint64, space mmu.Context, tagsPhys uint64) error {
	a.entered = true
	a.entry = entry
	a.space = space
	a.tags = tagsPhys
	return loader.ErrHandoffComplete
}

const (
	memBase uint64 = 0x100000
	memSize uint64 = 0x800000
)

type noteSpec struct {
	typ  uint32
	desc []byte
}

func note(typ uint32, desc []byte) noteSpec { return noteSpec{typ: typ, desc: desc} }

func imageNote(version, flags uint32) noteSpec {
	desc := make([]byte, 8)
	binary.LittleEndian.PutUint32(desc[0:], version)
	binary.LittleEndian.PutUint32(desc[4:], flags)
	return note(0, desc)
}

func loadNote(align, minAlign, virtBase, virtSize uint64) noteSpec {
	desc := make([]byte, 40)
	binary.LittleEndian.PutUint64(desc[8:], align)
	binary.LittleEndian.PutUint64(desc[16:], minAlign)
	binary.LittleEndian.PutUint64(desc[24:], virtBase)
	binary.LittleEndian.PutUint64(desc[32:], virtSize)
	return note(1, desc)
}

func boolOptionNote(name string, def bool) noteSpec {
	var value byte
	if def {
		value = 1
	}
	desc := make([]byte, 12)
	binary.LittleEndian.PutUint32(desc[0:], 0)
	binary.LittleEndian.PutUint32(desc[4:], uint32(len(name)+1))
	binary.LittleEndian.PutUint32(desc[8:], 1)
	desc = append(desc, []byte(name)...)
	desc = append(desc, 0, value)
	return note(2, desc)
}

// buildKernel assembles a minimal ELF64 executable: one loadable segment
// and one note segment carrying the given notes.
func buildKernel(t *testing.T, entry, vaddr uint64, text []byte, memsz uint64, notes []noteSpec) []byte {
	t.Helper()

	var noteData bytes.Buffer
	for _, n := range notes {
		var hdr [12]byte
		binary.LittleEndian.PutUint32(hdr[0:], 10) // "loadstone\0"
		binary.LittleEndian.PutUint32(hdr[4:], uint32(len(n.desc)))
		binary.LittleEndian.PutUint32(hdr[8:], n.typ)
		noteData.Write(hdr[:])
		noteData.WriteString("loadstone\x00\x00\x00") // padded to 4
		noteData.Write(n.desc)
		for noteData.Len()%4 != 0 {
			noteData.WriteByte(0)
		}
	}

	const ehsize = 64
	const phentsize = 56
	noteOff := uint64(ehsize + 2*phentsize)
	loadOff := noteOff + uint64(noteData.Len())

	var out bytes.Buffer
	out.Write([]byte{0x7f, 'E', 'L', 'F', 2, 1, 1, 0, 0, 0, 0, 0, 0, 0, 0, 0})

	var ehdr [ehsize - 16]byte
	binary.LittleEndian.PutUint16(ehdr[0:], 2)  // ET_EXEC
	binary.LittleEndian.PutUint16(ehdr[2:], 62) // EM_X86_64
	binary.LittleEndian.PutUint32(ehdr[4:], 1)
	binary.LittleEndian.PutUint64(ehdr[8:], entry)
	binary.LittleEndian.PutUint64(ehdr[16:], ehsize) // phoff
	binary.LittleEndian.PutUint16(ehdr[36:], ehsize)
	binary.LittleEndian.PutUint16(ehdr[38:], phentsize)
	binary.LittleEndian.PutUint16(ehdr[40:], 2) // phnum
	binary.LittleEndian.PutUint16(ehdr[42:], 64)
	out.Write(ehdr[:])

	phdr := func(typ uint32, off, vaddr, filesz, memsz uint64) {
		var p [phentsize]byte
		binary.LittleEndian.PutUint32(p[0:], typ)
		binary.LittleEndian.PutUint32(p[4:], 7) // rwx
		binary.LittleEndian.PutUint64(p[8:], off)
		binary.LittleEndian.PutUint64(p[16:], vaddr)
		binary.LittleEndian.PutUint64(p[24:], vaddr)
		binary.LittleEndian.PutUint64(p[32:], filesz)
		binary.LittleEndian.PutUint64(p[40:], memsz)
		binary.LittleEndian.PutUint64(p[48:], 0x1000)
		out.Write(p[:])
	}
	phdr(4, noteOff, 0, uint64(noteData.Len()), uint64(noteData.Len())) // PT_NOTE
	phdr(1, loadOff, vaddr, uint64(len(text)), memsz)                   // PT_LOAD

	out.Write(noteData.Bytes())
	out.Write(text)
	return out.Bytes()
}

// bootSetup wires a simulated machine with the given files on its boot
// device and the stone command registered.
func bootSetup(t *testing.T, files map[string][]byte) (*config.ExecContext, *fakeArch, *simPhys) {
	t.Helper()

	var img bytes.Buffer
	w := tar.NewWriter(&img)
	for name, content := range files {
		hdr := &tar.Header{Name: name, Mode: 0644, Size: int64(len(content))}
		if name[len(name)-1] == '/' {
			hdr.Typeflag = tar.TypeDir
		}
		require.NoError(t, w.WriteHeader(hdr))
		_, err := w.Write(content)
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())

	reg := device.NewRegistry(nil)
	dev := device.NewImage("hd0", img.Bytes())
	require.NoError(t, reg.Register(dev))
	_, err := fs.NewProber().Probe(dev)
	require.NoError(t, err)

	mem := memory.NewMap(slog.Default())
	mem.Add(memBase, memSize, memory.RangeFree)

	arch := &fakeArch{}
	phys := &simPhys{base: memBase, data: make([]byte, memSize)}

	modes := &video.ModeSet{}
	modes.Register(&video.Mode{Type: video.ModeVGA, Width: 80, Height: 25}, true)
	modes.Register(&video.Mode{Type: video.ModeLFB, Width: 800, Height: 600, BPP: 16, Pitch: 1600}, false)
	modes.Register(&video.Mode{Type: video.ModeLFB, Width: 800, Height: 600, BPP: 32, Pitch: 3200}, false)

	ctx := &loader.Context{
		Mem:     mem,
		Phys:    phys,
		Devices: reg,
		Arch:    arch,
		Video:   modes,
		Log:     slog.Default(),
	}

	env := config.NewEnviron(nil)
	env.SetDevice(dev)

	cmds := config.NewRegistry()
	stone.RegisterCommand(cmds, ctx)
	video.RegisterCommands(cmds, modes)

	return &config.ExecContext{
		Env:      env,
		Registry: cmds,
		Devices:  reg,
		Log:      slog.Default(),
		Out:      io.Discard,
	}, arch, phys
}

func execute(t *testing.T, ctx *config.ExecContext, script string) error {
	t.Helper()
	calls, err := config.Parse("boot.cfg", []byte(script))
	require.NoError(t, err)
	return config.ExecuteList(ctx, calls)
}

func pattern(n int) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = byte(i*7 + 3)
	}
	return out
}

func TestBoot(t *testing.T) {
	text := pattern(0x1800)
	kernel := buildKernel(t, 0x200000, 0x200000, text, 0x3000, []noteSpec{
		imageNote(stone.Version, stone.ImageLog),
		loadNote(0x200000, 0x1000, 0, 0),
		boolOptionNote("debug_mode", false),
	})
	module := pattern(0x500)

	ctx, arch, phys := bootSetup(t, map[string][]byte{
		"kernel":  kernel,
		"mod.bin": module,
	})

	require.NoError(t, execute(t, ctx, `
set debug_mode true
video "lfb:800x600"
stone "/kernel" ["/mod.bin"]
`))

	l := ctx.Env.GetLoader()
	require.NotNil(t, l)
	require.Equal(t, "stone", l.Name())

	err := l.Boot(ctx.Env)
	require.ErrorIs(t, err, loader.ErrHandoffComplete)
	require.True(t, arch.entered)
	require.Equal(t, uint64(0x200000), arch.entry)

	// Segment content is visible through the new address space, with the
	// area past the file content zeroed.
	got := make([]byte, len(text))
	require.NoError(t, arch.space.CopyFrom(got, 0x200000))
	require.Equal(t, text, got)

	bss := make([]byte, 0x3000-len(text))
	require.NoError(t, arch.space.CopyFrom(bss, 0x200000+uint64(len(text))))
	require.Equal(t, make([]byte, len(bss)), bss)

	// The tag list scans cleanly to its terminator.
	buf, err := phys.Bytes(arch.tags, stone.TagsSize)
	require.NoError(t, err)
	tags, err := stone.Scan(buf)
	require.NoError(t, err)

	byType := map[uint32][]stone.ScannedTag{}
	for _, tag := range tags {
		byType[tag.Type] = append(byType[tag.Type], tag)
	}

	// Core comes first and describes the finished list.
	require.Equal(t, stone.TagCore, tags[0].Type)
	core := tags[0].Payload
	require.Equal(t, arch.tags, binary.LittleEndian.Uint64(core[0:]))
	require.NotZero(t, binary.LittleEndian.Uint32(core[8:]))
	require.NotZero(t, binary.LittleEndian.Uint64(core[16:])) // kernel_phys
	require.NotZero(t, binary.LittleEndian.Uint64(core[24:])) // stack_base
	require.Equal(t, uint32(0x2000), binary.LittleEndian.Uint32(core[40:]))

	// The option reflects the environment override, not the default.
	require.Len(t, byType[stone.TagOption], 1)
	opt := byType[stone.TagOption][0].Payload
	require.Equal(t, stone.OptionBoolean, binary.LittleEndian.Uint32(opt[0:]))
	require.Equal(t, "debug_mode", string(opt[16:16+len("debug_mode")]))
	nameArea := (int(binary.LittleEndian.Uint32(opt[4:])) + 7) &^ 7
	require.Equal(t, byte(1), opt[16+nameArea])

	// One module, content in place at its physical address.
	require.Len(t, byType[stone.TagModule], 1)
	mod := byType[stone.TagModule][0].Payload
	modPhys := binary.LittleEndian.Uint64(mod[0:])
	modSize := binary.LittleEndian.Uint64(mod[8:])
	require.Equal(t, uint64(len(module)), modSize)
	content, err := phys.Bytes(modPhys, modSize)
	require.NoError(t, err)
	require.Equal(t, module, content)
	require.Equal(t, "mod.bin", string(mod[16:16+len("mod.bin")]))

	require.Len(t, byType[stone.TagBootDev], 1)

	// The selected video mode: the highest depth matched the bare
	// dimensions.
	require.Len(t, byType[stone.TagVideo], 1)
	vid := byType[stone.TagVideo][0].Payload
	require.Equal(t, uint32(video.ModeLFB), binary.LittleEndian.Uint32(vid[0:]))
	require.Equal(t, uint32(800), binary.LittleEndian.Uint32(vid[8:]))
	require.Equal(t, uint32(600), binary.LittleEndian.Uint32(vid[12:]))
	require.Equal(t, uint32(32), binary.LittleEndian.Uint32(vid[16:]))
	require.Equal(t, uint32(3200), binary.LittleEndian.Uint32(vid[20:]))

	// The image requested a log buffer.
	require.Len(t, byType[stone.TagLog], 1)
	logTag := byType[stone.TagLog][0].Payload
	require.NotZero(t, binary.LittleEndian.Uint64(logTag[0:]))
	require.Equal(t, uint32(0x2000), binary.LittleEndian.Uint32(logTag[8:]))

	require.Len(t, byType[stone.TagPagetables], 1)
	require.Equal(t, arch.space.Root(),
		binary.LittleEndian.Uint64(byType[stone.TagPagetables][0].Payload))

	// Memory tags cover the whole added range, sorted and non-overlapping.
	memTags := byType[stone.TagMemory]
	require.NotEmpty(t, memTags)
	var covered uint64
	next := memBase
	for _, tag := range memTags {
		start := binary.LittleEndian.Uint64(tag.Payload[0:])
		size := binary.LittleEndian.Uint64(tag.Payload[8:])
		require.Equal(t, next, start)
		next = start + size
		covered += size
	}
	require.Equal(t, memSize, covered)

	// At least the kernel segment and the stack are reported as mappings.
	require.GreaterOrEqual(t, len(byType[stone.TagVMem]), 2)
}

func TestRejectsBadImages(t *testing.T) {
	good := buildKernel(t, 0x200000, 0x200000, pattern(0x100), 0x1000, []noteSpec{
		imageNote(stone.Version, 0),
	})
	future := buildKernel(t, 0x200000, 0x200000, pattern(0x100), 0x1000, []noteSpec{
		imageNote(stone.Version+1, 0),
	})
	unmarked := buildKernel(t, 0x200000, 0x200000, pattern(0x100), 0x1000, nil)

	ctx, _, _ := bootSetup(t, map[string][]byte{
		"kernel":   good,
		"notes":    []byte("this is not a kernel"),
		"future":   future,
		"unmarked": unmarked,
	})

	require.ErrorIs(t, execute(t, ctx, `stone "/notes"`), status.ErrUnknownImage)
	require.ErrorIs(t, execute(t, ctx, `stone "/future"`), status.ErrNotSupported)
	require.ErrorIs(t, execute(t, ctx, `stone "/unmarked"`), status.ErrUnknownImage)
	require.ErrorIs(t, execute(t, ctx, `stone "/missing"`), status.ErrNotFound)

	// The loader command must be the final word.
	require.NoError(t, execute(t, ctx, `stone "/kernel"`))
	require.ErrorIs(t, execute(t, ctx, `stone "/kernel"`), status.ErrInvalidArg)
}

func TestOptionTypeMismatch(t *testing.T) {
	kernel := buildKernel(t, 0x200000, 0x200000, pattern(0x100), 0x1000, []noteSpec{
		imageNote(stone.Version, 0),
		boolOptionNote("debug_mode", false),
	})

	ctx, _, _ := bootSetup(t, map[string][]byte{"kernel": kernel})
	err := execute(t, ctx, `
set debug_mode "yes"
stone "/kernel"
`)
	require.ErrorIs(t, err, status.ErrInvalidArg)
}

func TestOptionDefaultApplied(t *testing.T) {
	kernel := buildKernel(t, 0x200000, 0x200000, pattern(0x100), 0x1000, []noteSpec{
		imageNote(stone.Version, 0),
		boolOptionNote("debug_mode", true),
	})

	ctx, _, _ := bootSetup(t, map[string][]byte{"kernel": kernel})
	require.NoError(t, execute(t, ctx, `stone "/kernel"`))

	v, ok := ctx.Env.Lookup("debug_mode")
	require.True(t, ok)
	require.Equal(t, config.BooleanValue(true), v)
}

func TestVideoModeSelection(t *testing.T) {
	kernel := buildKernel(t, 0x200000, 0x200000, pattern(0x100), 0x1000, []noteSpec{
		imageNote(stone.Version, 0),
	})

	ctx, arch, phys := bootSetup(t, map[string][]byte{"kernel": kernel})

	// An unregistered mode fails when the command runs.
	err := execute(t, ctx, `video "lfb:1920x1080"`)
	require.ErrorIs(t, err, status.ErrNotFound)

	// The command normalizes the stored mode string.
	require.NoError(t, execute(t, ctx, `video "vga"`))
	v, ok := ctx.Env.Lookup("video_mode")
	require.True(t, ok)
	require.Equal(t, config.StringValue("vga:80x25"), v)

	// A value changed after the command is checked again at boot.
	require.NoError(t, execute(t, ctx, `
set video_mode "lfb:1x1"
stone "/kernel"
`))
	err = ctx.Env.GetLoader().Boot(ctx.Env)
	require.ErrorIs(t, err, status.ErrNotFound)

	require.NoError(t, ctx.Env.Set("video_mode", config.StringValue("vga:80x25")))
	require.ErrorIs(t, ctx.Env.GetLoader().Boot(ctx.Env), loader.ErrHandoffComplete)

	buf, err := phys.Bytes(arch.tags, stone.TagsSize)
	require.NoError(t, err)
	tags, err := stone.Scan(buf)
	require.NoError(t, err)

	var vid []byte
	for _, tag := range tags {
		if tag.Type == stone.TagVideo {
			vid = tag.Payload
		}
	}
	require.NotNil(t, vid)
	require.Equal(t, uint32(video.ModeVGA), binary.LittleEndian.Uint32(vid[0:]))
	require.Equal(t, uint32(80), binary.LittleEndian.Uint32(vid[8:]))
	require.Equal(t, uint32(25), binary.LittleEndian.Uint32(vid[12:]))
}

func TestScanRejectsUnterminated(t *testing.T) {
	w := stone.NewTagWriter(256)
	require.NoError(t, w.Append(stone.TagCore, make([]byte, 48)))

	// Without Finish there is no terminator in the buffer.
	_, err := stone.Scan(w.Bytes())
	require.ErrorIs(t, err, status.ErrMalformedImage)

	require.NoError(t, w.Finish())
	tags, err := stone.Scan(w.Bytes())
	require.NoError(t, err)
	require.Len(t, tags, 1)
}

func TestTagWriterLimit(t *testing.T) {
	w := stone.NewTagWriter(64)
	require.NoError(t, w.Append(stone.TagCore, make([]byte, 40)))
	require.ErrorIs(t, w.Append(stone.TagMemory, make([]byte, 24)), status.ErrNoMemory)

	// The terminator was accounted for: Finish still fits.
	require.NoError(t, w.Finish())
	require.LessOrEqual(t, len(w.Bytes()), 64)
}
