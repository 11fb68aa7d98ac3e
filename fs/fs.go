// Package fs provides the filesystem abstraction the loader reads kernels
// and modules through. Filesystems mount on devices; handles represent open
// files or directories and may wrap other handles (decompression).
package fs

import (
	"strings"

	cerrors "github.com/cockroachdb/errors"

	"github.com/loadstone-boot/loadstone/device"
	"github.com/loadstone-boot/loadstone/status"
)

// FileType is the kind of node a handle refers to.
type FileType int

const (
	TypeFile FileType = iota
	TypeDir
)

// OpenFlags alter Open behavior.
type OpenFlags uint32

const (
	// OpenDecompress transparently wraps the opened file in a decompression
	// handle when the content is recognized as compressed.
	OpenDecompress OpenFlags = 1 << 0
)

// Mount is a filesystem instance on a device.
type Mount interface {
	// Name returns the filesystem type name.
	Name() string
	Device() *device.Device
	UUID() string
	Label() string
	Root() Handle
}

// Handle is an open file or directory.
type Handle interface {
	Mount() Mount
	Type() FileType
	Size() uint64

	// Read reads into buf from the given offset. Callers should go through
	// the package-level Read, which enforces the shared contract before
	// dispatching here.
	Read(buf []byte, offset uint64) error

	// Lookup opens the named child of a directory.
	Lookup(name string) (Handle, error)
	// Iterate calls fn for each entry name in a directory.
	Iterate(fn func(name string) error) error

	// Close releases the handle and anything it wraps.
	Close()
}

// Read reads from a file handle. Directories report status.ErrNotFile;
// reads beginning or extending past the end of the file report
// status.ErrEndOfFile with nothing transferred; zero-length reads succeed.
func Read(h Handle, buf []byte, offset uint64) error {
	if h.Type() != TypeFile {
		return cerrors.Wrap(status.ErrNotFile, "read on a directory")
	}
	if len(buf) == 0 {
		return nil
	}
	if offset+uint64(len(buf)) > h.Size() {
		return cerrors.Wrapf(status.ErrEndOfFile,
			"read of 0x%x bytes at 0x%x exceeds file size 0x%x", len(buf), offset, h.Size())
	}
	return h.Read(buf, offset)
}

// ReadAll reads the full content of a file handle.
func ReadAll(h Handle) ([]byte, error) {
	buf := make([]byte, h.Size())
	if err := Read(h, buf, 0); err != nil {
		return nil, err
	}
	return buf, nil
}

// Open resolves a path to a handle. Paths may carry a "(device)" prefix
// naming the device to start from; a leading / starts at the root of the
// mount, otherwise resolution starts at from. "." components are skipped.
// The node found must match typ.
func Open(path string, from Handle, reg *device.Registry, typ FileType, flags OpenFlags) (Handle, error) {
	orig := path

	if strings.HasPrefix(path, "(") {
		end := strings.IndexByte(path, ')')
		if end < 0 {
			return nil, cerrors.Wrapf(status.ErrInvalidArg, "unterminated device name in %q", orig)
		}
		name := path[1:end]
		path = path[end+1:]

		dev := reg.Lookup(name)
		if dev == nil {
			return nil, cerrors.Wrapf(status.ErrNotFound, "device %q not found", name)
		}
		mount, ok := dev.Mount().(Mount)
		if !ok || mount == nil {
			return nil, cerrors.Wrapf(status.ErrUnknownFilesystem, "no filesystem on device %q", name)
		}
		from = mount.Root()
	} else if from == nil {
		return nil, cerrors.Wrapf(status.ErrInvalidArg, "relative path %q with no current directory", orig)
	}

	if strings.HasPrefix(path, "/") {
		from = from.Mount().Root()
	}

	cur := from
	for _, comp := range strings.Split(path, "/") {
		if comp == "" || comp == "." {
			continue
		}
		if cur.Type() != TypeDir {
			return nil, cerrors.Wrapf(status.ErrNotDir, "component in %q is not a directory", orig)
		}
		next, err := cur.Lookup(comp)
		if err != nil {
			return nil, cerrors.Wrapf(err, "resolving %q in %q", comp, orig)
		}
		cur = next
	}

	if typ == TypeDir && cur.Type() != TypeDir {
		return nil, cerrors.Wrapf(status.ErrNotDir, "%q is not a directory", orig)
	}
	if typ == TypeFile && cur.Type() != TypeFile {
		return nil, cerrors.Wrapf(status.ErrNotFile, "%q is not a regular file", orig)
	}

	if flags&OpenDecompress != 0 && cur.Type() == TypeFile {
		return WrapDecompress(cur)
	}
	return cur, nil
}

// ProbeFunc tries to recognize a filesystem on a device. It reports
// status.ErrUnknownFilesystem (or status.ErrEndOfFile for devices smaller
// than the format's structures) when the format is not present.
type ProbeFunc func(d *device.Device) (Mount, error)

// Prober holds the registered filesystem types.
type Prober struct {
	funcs []ProbeFunc
}

func NewProber() *Prober {
	p := &Prober{}
	p.Register(ProbeTar)
	return p
}

func (p *Prober) Register(fn ProbeFunc) {
	p.funcs = append(p.funcs, fn)
}

// Probe tries each registered filesystem type in turn. A successful probe
// records the mount on the device.
func (p *Prober) Probe(d *device.Device) (Mount, error) {
	for _, fn := range p.funcs {
		mount, err := fn(d)
		switch {
		case err == nil:
			d.SetMount(mount)
			return mount, nil
		case cerrors.Is(err, status.ErrUnknownFilesystem), cerrors.Is(err, status.ErrEndOfFile):
			continue
		default:
			return nil, err
		}
	}
	return nil, cerrors.Wrapf(status.ErrUnknownFilesystem, "no filesystem recognized on %q", d.Name)
}
