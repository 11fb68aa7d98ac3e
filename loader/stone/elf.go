package stone

import (
	"debug/elf"
	"encoding/binary"
	"io"

	cerrors "github.com/cockroachdb/errors"

	"github.com/loadstone-boot/loadstone/fs"
	"github.com/loadstone-boot/loadstone/memory"
	"github.com/loadstone-boot/loadstone/mmu"
	"github.com/loadstone-boot/loadstone/status"
)

// noteName identifies the ELF notes a kernel uses to describe its load
// requirements to the loader.
const noteName = "loadstone"

// Image note (itag) types.
const (
	itagImage   uint32 = 0
	itagLoad    uint32 = 1
	itagOption  uint32 = 2
	itagMapping uint32 = 3
)

// Image itag flags.
const (
	// ImageSections requests the kernel's section headers in the tag list.
	ImageSections uint32 = 1 << 0
	// ImageLog requests a persistent log buffer.
	ImageLog uint32 = 1 << 1
)

// Load itag flags.
const (
	// loadFixed pins the virtual map window to the declared base instead of
	// letting the loader place allocations anywhere inside it.
	loadFixed uint32 = 1 << 0
)

// Option value types, shared between the option itag and the option tag
// passed back to the kernel.
const (
	OptionBoolean uint32 = 0
	OptionInteger uint32 = 1
	OptionString  uint32 = 2
)

// loadParams is the decoded load itag. A kernel without one gets the
// defaults.
type loadParams struct {
	flags        uint32
	alignment    uint64
	minAlignment uint64
	virtMapBase  uint64
	virtMapSize  uint64
}

// optionTag is one decoded option itag: a typed option the kernel accepts,
// with its default value.
type optionTag struct {
	typ        uint32
	name       string
	defBoolean bool
	defInteger uint64
	defString  string
}

// mappingTag is one decoded mapping itag: a fixed virtual mapping the
// kernel requires in addition to its segments.
type mappingTag struct {
	virt  uint64
	phys  uint64
	size  uint64
	cache uint32
}

// image is a validated kernel. The handle stays open from validation until
// the boot attempt so segment data can be read lazily.
type image struct {
	handle fs.Handle
	file   *elf.File

	entry   uint64
	mode    mmu.Mode
	version uint32
	flags   uint32

	load     loadParams
	options  []optionTag
	mappings []mappingTag
}

// handleReaderAt adapts a file handle to io.ReaderAt for debug/elf.
type handleReaderAt struct {
	h fs.Handle
}

func (r *handleReaderAt) ReadAt(p []byte, off int64) (int, error) {
	size := r.h.Size()
	if off < 0 || uint64(off) >= size {
		return 0, io.EOF
	}

	n := len(p)
	var eof error
	if uint64(off)+uint64(n) > size {
		n = int(size - uint64(off))
		eof = io.EOF
	}
	if err := fs.Read(r.h, p[:n], uint64(off)); err != nil {
		return 0, err
	}
	return n, eof
}

// defaultAlignment and defaultMinAlignment apply when a kernel's load itag
// leaves them zero (or is absent). Preferring large-page alignment lets the
// address space builders use large mappings for the kernel.
const (
	defaultAlignment    uint64 = 0x200000
	defaultMinAlignment        = memory.PageSize
)

// parseImage validates a kernel handle as a native protocol image and
// decodes its notes. The handle is retained by the returned image.
func parseImage(h fs.Handle) (*image, error) {
	f, err := elf.NewFile(&handleReaderAt{h})
	if err != nil {
		return nil, cerrors.Wrap(status.ErrUnknownImage, "not a supported ELF image")
	}
	if f.Data != elf.ELFDATA2LSB || f.Type != elf.ET_EXEC {
		return nil, cerrors.Wrap(status.ErrUnknownImage, "not a supported ELF image")
	}

	img := &image{
		handle: h,
		file:   f,
		entry:  f.Entry,
		load: loadParams{
			alignment:    defaultAlignment,
			minAlignment: defaultMinAlignment,
		},
	}

	switch f.Class {
	case elf.ELFCLASS32:
		img.mode = mmu.Mode32
	case elf.ELFCLASS64:
		img.mode = mmu.Mode64
	default:
		return nil, cerrors.Wrap(status.ErrUnknownImage, "not a supported ELF image")
	}

	found, err := img.parseNotes()
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, cerrors.Wrap(status.ErrUnknownImage, "not a supported ELF image")
	}
	if img.version != Version {
		return nil, cerrors.Wrapf(status.ErrNotSupported,
			"image is protocol version %d, loader implements %d", img.version, Version)
	}
	return img, nil
}

func (img *image) Close() {
	img.handle.Close()
}

// parseNotes walks the PT_NOTE segments decoding every itag. It reports
// whether the image itag was present.
func (img *image) parseNotes() (bool, error) {
	foundImage := false
	for _, prog := range img.file.Progs {
		if prog.Type != elf.PT_NOTE {
			continue
		}
		data, err := io.ReadAll(prog.Open())
		if err != nil {
			return false, cerrors.Wrap(status.ErrMalformedImage, "reading note segment")
		}

		offset := 0
		for offset+12 <= len(data) {
			nameSize := int(binary.LittleEndian.Uint32(data[offset:]))
			descSize := int(binary.LittleEndian.Uint32(data[offset+4:]))
			noteType := binary.LittleEndian.Uint32(data[offset+8:])
			offset += 12

			nameEnd := offset + ((nameSize + 3) &^ 3)
			descEnd := nameEnd + ((descSize + 3) &^ 3)
			if nameEnd > len(data) || descEnd > len(data) {
				return false, cerrors.Wrap(status.ErrMalformedImage, "truncated note")
			}

			name := string(data[offset : offset+nameSize])
			desc := data[nameEnd : nameEnd+descSize]
			offset = descEnd

			if len(name) > 0 && name[len(name)-1] == 0 {
				name = name[:len(name)-1]
			}
			if name != noteName {
				continue
			}

			if noteType == itagImage {
				foundImage = true
			}
			if err := img.parseItag(noteType, desc); err != nil {
				return false, err
			}
		}
	}
	return foundImage, nil
}

func (img *image) parseItag(typ uint32, desc []byte) error {
	switch typ {
	case itagImage:
		if len(desc) < 8 {
			return cerrors.Wrap(status.ErrMalformedImage, "short image note")
		}
		img.version = binary.LittleEndian.Uint32(desc[0:])
		img.flags = binary.LittleEndian.Uint32(desc[4:])

	case itagLoad:
		if len(desc) < 40 {
			return cerrors.Wrap(status.ErrMalformedImage, "short load note")
		}
		img.load.flags = binary.LittleEndian.Uint32(desc[0:])
		if align := binary.LittleEndian.Uint64(desc[8:]); align != 0 {
			img.load.alignment = align
		}
		if align := binary.LittleEndian.Uint64(desc[16:]); align != 0 {
			img.load.minAlignment = align
		}
		img.load.virtMapBase = binary.LittleEndian.Uint64(desc[24:])
		img.load.virtMapSize = binary.LittleEndian.Uint64(desc[32:])

		if memory.CheckPow2(img.load.alignment, "alignment") != nil ||
			memory.CheckPow2(img.load.minAlignment, "minimum alignment") != nil ||
			img.load.minAlignment > img.load.alignment {
			return cerrors.Wrap(status.ErrMalformedImage, "invalid load note alignment")
		}

	case itagOption:
		opt, err := parseOptionItag(desc)
		if err != nil {
			return err
		}
		img.options = append(img.options, opt)

	case itagMapping:
		if len(desc) < 32 {
			return cerrors.Wrap(status.ErrMalformedImage, "short mapping note")
		}
		img.mappings = append(img.mappings, mappingTag{
			virt:  binary.LittleEndian.Uint64(desc[0:]),
			phys:  binary.LittleEndian.Uint64(desc[8:]),
			size:  binary.LittleEndian.Uint64(desc[16:]),
			cache: binary.LittleEndian.Uint32(desc[24:]),
		})

	default:
		return cerrors.Wrapf(status.ErrMalformedImage, "unknown note type %d", typ)
	}
	return nil
}

// parseOptionItag decodes {type u32, name_size u32, default_size u32}
// followed by the NUL-terminated name and the default value.
func parseOptionItag(desc []byte) (optionTag, error) {
	if len(desc) < 12 {
		return optionTag{}, cerrors.Wrap(status.ErrMalformedImage, "short option note")
	}
	typ := binary.LittleEndian.Uint32(desc[0:])
	nameSize := int(binary.LittleEndian.Uint32(desc[4:]))
	defSize := int(binary.LittleEndian.Uint32(desc[8:]))

	if 12+nameSize+defSize > len(desc) || nameSize < 1 {
		return optionTag{}, cerrors.Wrap(status.ErrMalformedImage, "truncated option note")
	}
	name := string(desc[12 : 12+nameSize-1])
	def := desc[12+nameSize : 12+nameSize+defSize]

	opt := optionTag{typ: typ, name: name}
	switch typ {
	case OptionBoolean:
		if len(def) != 1 {
			return optionTag{}, cerrors.Wrapf(status.ErrMalformedImage, "option %q bad default", name)
		}
		opt.defBoolean = def[0] != 0
	case OptionInteger:
		if len(def) != 8 {
			return optionTag{}, cerrors.Wrapf(status.ErrMalformedImage, "option %q bad default", name)
		}
		opt.defInteger = binary.LittleEndian.Uint64(def)
	case OptionString:
		if len(def) < 1 || def[len(def)-1] != 0 {
			return optionTag{}, cerrors.Wrapf(status.ErrMalformedImage, "option %q bad default", name)
		}
		opt.defString = string(def[:len(def)-1])
	default:
		return optionTag{}, cerrors.Wrapf(status.ErrMalformedImage, "option %q has unknown type %d", name, typ)
	}
	return opt, nil
}

// allocSegment finds physical space for one loadable segment, walking the
// requested alignment down toward the minimum when the map is too
// fragmented for the preferred one.
func allocSegment(mem *memory.Map, size, align, minAlign uint64) (uint64, error) {
	for ; align >= minAlign; align /= 2 {
		addr, err := mem.Alloc(size, align, physMin, physMax, memory.RangeAllocated, 0)
		if err == nil {
			return addr, nil
		}
		if !cerrors.Is(err, status.ErrNoMemory) {
			return 0, err
		}
	}
	return 0, cerrors.Wrapf(status.ErrNoMemory,
		"no physical range for a segment of 0x%x bytes", size)
}
