package fs_test

import (
	"archive/tar"
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/loadstone-boot/loadstone/device"
	"github.com/loadstone-boot/loadstone/fs"
	"github.com/loadstone-boot/loadstone/status"
)

// buildArchive produces a tar image with the given files. Names ending in /
// become directories.
func buildArchive(t *testing.T, files map[string][]byte, names []string) []byte {
	t.Helper()

	var buf bytes.Buffer
	w := tar.NewWriter(&buf)
	for _, name := range names {
		content := files[name]
		hdr := &tar.Header{Name: name, Mode: 0644, Size: int64(len(content))}
		if name[len(name)-1] == '/' {
			hdr.Typeflag = tar.TypeDir
			hdr.Mode = 0755
		}
		require.NoError(t, w.WriteHeader(hdr))
		if hdr.Typeflag != tar.TypeDir {
			_, err := w.Write(content)
			require.NoError(t, err)
		}
	}
	require.NoError(t, w.Close())
	return buf.Bytes()
}

func bootArchive(t *testing.T) []byte {
	return buildArchive(t, map[string][]byte{
		"boot/":           nil,
		"boot/kernel.bin": bytes.Repeat([]byte{0xee, 0x12}, 600),
		"boot/initrd.img": []byte("initial ramdisk content"),
		"readme.txt":      []byte("hello"),
	}, []string{"boot/", "boot/kernel.bin", "boot/initrd.img", "readme.txt"})
}

func mountBoot(t *testing.T) (*device.Registry, fs.Mount) {
	t.Helper()

	reg := device.NewRegistry(nil)
	dev := device.NewImage("hd0", bootArchive(t))
	require.NoError(t, reg.Register(dev))

	mount, err := fs.NewProber().Probe(dev)
	require.NoError(t, err)
	return reg, mount
}

func TestProbeAndOpen(t *testing.T) {
	reg, mount := mountBoot(t)
	require.Equal(t, "tar", mount.Name())

	h, err := fs.Open("(hd0)/boot/kernel.bin", nil, reg, fs.TypeFile, 0)
	require.NoError(t, err)
	require.Equal(t, uint64(1200), h.Size())

	content, err := fs.ReadAll(h)
	require.NoError(t, err)
	require.Equal(t, bytes.Repeat([]byte{0xee, 0x12}, 600), content)

	// Relative resolution from a directory handle, with "." skipped.
	dir, err := fs.Open("/boot", mount.Root(), reg, fs.TypeDir, 0)
	require.NoError(t, err)
	h2, err := fs.Open("./initrd.img", dir, reg, fs.TypeFile, 0)
	require.NoError(t, err)

	content, err = fs.ReadAll(h2)
	require.NoError(t, err)
	require.Equal(t, []byte("initial ramdisk content"), content)
}

func TestOpenErrors(t *testing.T) {
	reg, mount := mountBoot(t)
	root := mount.Root()

	_, err := fs.Open("/boot/missing", root, reg, fs.TypeFile, 0)
	require.ErrorIs(t, err, status.ErrNotFound)

	_, err = fs.Open("/boot", root, reg, fs.TypeFile, 0)
	require.ErrorIs(t, err, status.ErrNotFile)

	_, err = fs.Open("/readme.txt", root, reg, fs.TypeDir, 0)
	require.ErrorIs(t, err, status.ErrNotDir)

	_, err = fs.Open("/readme.txt/nested", root, reg, fs.TypeFile, 0)
	require.ErrorIs(t, err, status.ErrNotDir)

	_, err = fs.Open("(nosuch)/x", nil, reg, fs.TypeFile, 0)
	require.ErrorIs(t, err, status.ErrNotFound)

	_, err = fs.Open("(hd0/x", nil, reg, fs.TypeFile, 0)
	require.ErrorIs(t, err, status.ErrInvalidArg)

	_, err = fs.Open("relative", nil, reg, fs.TypeFile, 0)
	require.ErrorIs(t, err, status.ErrInvalidArg)
}

func TestReadContract(t *testing.T) {
	_, mount := mountBoot(t)

	h, err := mount.Root().Lookup("readme.txt")
	require.NoError(t, err)

	buf := make([]byte, 5)
	require.NoError(t, fs.Read(h, buf, 0))
	require.Equal(t, []byte("hello"), buf)

	// Zero-length reads succeed anywhere.
	require.NoError(t, fs.Read(h, nil, 100))

	err = fs.Read(h, buf, 1)
	require.ErrorIs(t, err, status.ErrEndOfFile)

	err = fs.Read(mount.Root(), buf, 0)
	require.ErrorIs(t, err, status.ErrNotFile)
}

func TestIterate(t *testing.T) {
	_, mount := mountBoot(t)

	var names []string
	require.NoError(t, mount.Root().Iterate(func(name string) error {
		names = append(names, name)
		return nil
	}))
	require.Equal(t, []string{"boot", "readme.txt"}, names)

	err := mount.Root().Iterate(func(string) error { return status.ErrTimedOut })
	require.ErrorIs(t, err, status.ErrTimedOut)
}

func TestProbeRejectsNonArchive(t *testing.T) {
	prober := fs.NewProber()

	dev := device.NewImage("hd0", bytes.Repeat([]byte{0x42}, 4096))
	_, err := prober.Probe(dev)
	require.ErrorIs(t, err, status.ErrUnknownFilesystem)
	require.Nil(t, dev.Mount())

	tiny := device.NewImage("hd1", []byte{1, 2, 3})
	_, err = prober.Probe(tiny)
	require.ErrorIs(t, err, status.ErrUnknownFilesystem)
}

func TestCorruptChecksum(t *testing.T) {
	img := bootArchive(t)
	// Flip a content byte of the second header block without fixing the
	// checksum.
	img[512+tarHeaderModeOffset] ^= 0x7

	dev := device.NewImage("hd0", img)
	_, err := fs.ProbeTar(dev)
	require.ErrorIs(t, err, status.ErrCorruptFilesystem)
}

func TestMidStreamGarbage(t *testing.T) {
	img := bootArchive(t)
	// Wreck the magic of a later header.
	copy(img[512+257:], "junk!")

	dev := device.NewImage("hd0", img)
	_, err := fs.ProbeTar(dev)
	require.ErrorIs(t, err, status.ErrCorruptFilesystem)
}

const tarHeaderModeOffset = 100
