package fs

import (
	"strings"

	cerrors "github.com/cockroachdb/errors"

	"github.com/loadstone-boot/loadstone/device"
	"github.com/loadstone-boot/loadstone/status"
)

// Tar archives serve as the boot filesystem for RAM disk images. The whole
// archive is walked once at probe time to build a synthetic directory tree;
// file content is read from the device on demand.

const tarBlockSize = 512

// ustar header field offsets.
const (
	tarName        = 0
	tarNameLen     = 100
	tarSize        = 124
	tarSizeLen     = 12
	tarChecksum    = 148
	tarChecksumLen = 8
	tarTypeFlag    = 156
	tarMagic       = 257
	tarMagicLen    = 5
)

const (
	tarTypeRegular    = '0'
	tarTypeRegularAlt = 0
	tarTypeDirectory  = '5'
	tarTypePaxEntry   = 'x'
	tarTypePaxGlobal  = 'g'
)

type tarEntry struct {
	name     string
	typ      FileType
	size     uint64
	offset   uint64 // content offset on the device
	children []*tarEntry
}

func (e *tarEntry) child(name string) *tarEntry {
	for _, c := range e.children {
		if c.name == name {
			return c
		}
	}
	return nil
}

type tarMount struct {
	dev  *device.Device
	root *tarEntry
}

func (m *tarMount) Name() string           { return "tar" }
func (m *tarMount) Device() *device.Device { return m.dev }
func (m *tarMount) UUID() string           { return "" }
func (m *tarMount) Label() string          { return "" }
func (m *tarMount) Root() Handle           { return &tarHandle{mount: m, entry: m.root} }

// parseOctal decodes the NUL- or space-terminated octal ASCII fields the
// format uses for sizes and checksums.
func parseOctal(field []byte) (uint64, bool) {
	var value uint64
	seen := false
	for _, c := range field {
		switch {
		case c == ' ' || c == 0:
			if seen {
				return value, true
			}
		case c >= '0' && c <= '7':
			value = value<<3 | uint64(c-'0')
			seen = true
		default:
			return 0, false
		}
	}
	return value, seen
}

// verifyChecksum sums the header with the checksum field replaced by spaces.
// Both the unsigned sum and the historical signed-byte sum are accepted.
func verifyChecksum(header []byte) bool {
	want, ok := parseOctal(header[tarChecksum : tarChecksum+tarChecksumLen])
	if !ok {
		return false
	}

	var unsigned uint64
	var signed int64
	for i, c := range header {
		if i >= tarChecksum && i < tarChecksum+tarChecksumLen {
			c = ' '
		}
		unsigned += uint64(c)
		signed += int64(int8(c))
	}
	return unsigned == want || signed == int64(want)
}

// insertEntry places a path into the tree, creating intermediate
// directories that the archive never listed explicitly.
func insertEntry(root *tarEntry, path string, typ FileType, size, offset uint64) {
	path = strings.TrimPrefix(path, "./")
	path = strings.Trim(path, "/")
	if path == "" {
		return
	}

	cur := root
	comps := strings.Split(path, "/")
	for _, comp := range comps[:len(comps)-1] {
		next := cur.child(comp)
		if next == nil {
			next = &tarEntry{name: comp, typ: TypeDir}
			cur.children = append(cur.children, next)
		}
		cur = next
	}

	name := comps[len(comps)-1]
	if exist := cur.child(name); exist != nil {
		// Later archive entries replace earlier ones, except that an
		// implicitly created directory keeps its children.
		exist.typ = typ
		exist.size = size
		exist.offset = offset
		return
	}
	cur.children = append(cur.children, &tarEntry{name: name, typ: typ, size: size, offset: offset})
}

// ProbeTar recognizes a tar archive on a device and builds its directory
// tree.
func ProbeTar(d *device.Device) (Mount, error) {
	if d.Size() < tarBlockSize {
		return nil, cerrors.Wrapf(status.ErrUnknownFilesystem, "device %q too small for an archive", d.Name)
	}

	root := &tarEntry{typ: TypeDir}
	header := make([]byte, tarBlockSize)

	for offset := uint64(0); ; {
		if offset+tarBlockSize > d.Size() {
			break
		}
		if err := d.Read(header, offset); err != nil {
			return nil, err
		}

		// Two leading NUL name bytes terminate the archive.
		if header[tarName] == 0 && header[tarName+1] == 0 {
			break
		}

		if string(header[tarMagic:tarMagic+tarMagicLen]) != "ustar" {
			if offset == 0 {
				return nil, cerrors.Wrapf(status.ErrUnknownFilesystem, "no archive signature on %q", d.Name)
			}
			return nil, cerrors.Wrapf(status.ErrCorruptFilesystem,
				"entry at 0x%x is not in archive format", offset)
		}
		if !verifyChecksum(header) {
			return nil, cerrors.Wrapf(status.ErrCorruptFilesystem,
				"entry at 0x%x has a bad header checksum", offset)
		}

		size, ok := parseOctal(header[tarSize : tarSize+tarSizeLen])
		if !ok {
			return nil, cerrors.Wrapf(status.ErrCorruptFilesystem,
				"entry at 0x%x has a malformed size field", offset)
		}

		nameField := header[tarName : tarName+tarNameLen]
		name := string(nameField)
		if idx := strings.IndexByte(name, 0); idx >= 0 {
			name = name[:idx]
		}

		switch header[tarTypeFlag] {
		case tarTypeRegular, tarTypeRegularAlt:
			insertEntry(root, name, TypeFile, size, offset+tarBlockSize)
		case tarTypeDirectory:
			insertEntry(root, name, TypeDir, 0, 0)
		case tarTypePaxEntry, tarTypePaxGlobal:
			// Extended attribute data carries nothing we consume.
		default:
			return nil, cerrors.Wrapf(status.ErrCorruptFilesystem,
				"entry at 0x%x has unsupported type %q", offset, header[tarTypeFlag])
		}

		offset += tarBlockSize + (size+tarBlockSize-1)/tarBlockSize*tarBlockSize
	}

	return &tarMount{dev: d, root: root}, nil
}

type tarHandle struct {
	mount *tarMount
	entry *tarEntry
}

func (h *tarHandle) Mount() Mount   { return h.mount }
func (h *tarHandle) Type() FileType { return h.entry.typ }
func (h *tarHandle) Size() uint64   { return h.entry.size }

func (h *tarHandle) Read(buf []byte, offset uint64) error {
	return h.mount.dev.Read(buf, h.entry.offset+offset)
}

func (h *tarHandle) Lookup(name string) (Handle, error) {
	if h.entry.typ != TypeDir {
		return nil, cerrors.Wrap(status.ErrNotDir, "lookup on a file")
	}
	child := h.entry.child(name)
	if child == nil {
		return nil, cerrors.Wrapf(status.ErrNotFound, "no entry %q", name)
	}
	return &tarHandle{mount: h.mount, entry: child}, nil
}

func (h *tarHandle) Iterate(fn func(name string) error) error {
	if h.entry.typ != TypeDir {
		return cerrors.Wrap(status.ErrNotDir, "iterate on a file")
	}
	for _, child := range h.entry.children {
		if err := fn(child.name); err != nil {
			return err
		}
	}
	return nil
}

func (h *tarHandle) Close() {}
