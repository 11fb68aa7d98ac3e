package device_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/loadstone-boot/loadstone/device"
	"github.com/loadstone-boot/loadstone/status"
)

type fakeMount struct {
	uuid  string
	label string
}

func (m fakeMount) UUID() string  { return m.uuid }
func (m fakeMount) Label() string { return m.label }

// countingOps records how many reads hit the underlying device.
type countingOps struct {
	device.Ops
	reads int
}

func (o *countingOps) Read(buf []byte, offset uint64) error {
	o.reads++
	return o.Ops.Read(buf, offset)
}

func imageData(n int) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(i)
	}
	return data
}

func TestImageRead(t *testing.T) {
	d := device.NewImage("ram0", imageData(0x1000))

	buf := make([]byte, 16)
	require.NoError(t, d.Read(buf, 0x100))
	require.Equal(t, imageData(0x1000)[0x100:0x110], buf)

	require.NoError(t, d.Read(nil, 0x2000))

	err := d.Read(buf, 0xff9)
	require.ErrorIs(t, err, status.ErrEndOfFile)

	err = d.Read(buf, 0x1000)
	require.ErrorIs(t, err, status.ErrEndOfFile)
}

func TestNoReadSupport(t *testing.T) {
	d := device.New("other0", device.TypeDisk, nil)

	err := d.Read(make([]byte, 1), 0)
	require.ErrorIs(t, err, status.ErrNotSupported)
}

func TestRegistryLookup(t *testing.T) {
	reg := device.NewRegistry(nil)

	hd0 := device.NewImage("hd0", imageData(0x1000))
	hd0.SetMount(fakeMount{uuid: "0123-4567", label: "boot"})
	hd1 := device.NewImage("hd1", imageData(0x1000))

	require.NoError(t, reg.Register(hd0))
	require.NoError(t, reg.Register(hd1))

	err := reg.Register(device.NewImage("hd0", nil))
	require.ErrorIs(t, err, status.ErrSystemError)

	require.Same(t, hd1, reg.Lookup("hd1"))
	require.Same(t, hd0, reg.Lookup("uuid:0123-4567"))
	require.Same(t, hd0, reg.Lookup("label:boot"))
	require.Nil(t, reg.Lookup("uuid:ffff-ffff"))
	require.Nil(t, reg.Lookup("label:"))
	require.Nil(t, reg.Lookup("hd2"))

	require.Len(t, reg.Devices(), 2)
}

func TestCachedReads(t *testing.T) {
	data := imageData(0x5000)
	counting := &countingOps{Ops: device.NewImage("", data)}

	cached, err := device.NewCachedOps(counting, 0x1000, 4)
	require.NoError(t, err)
	d := device.New("hd0", device.TypeDisk, cached)

	buf := make([]byte, 0x800)
	require.NoError(t, d.Read(buf, 0x400))
	require.Equal(t, data[0x400:0xc00], buf)

	// Same block again: served from cache.
	before := counting.reads
	require.NoError(t, d.Read(buf[:0x100], 0x500))
	require.Equal(t, before, counting.reads)

	// Read spanning several blocks, including the partial tail block.
	big := make([]byte, 0x2800)
	require.NoError(t, d.Read(big, 0x2800))
	require.Equal(t, data[0x2800:0x5000], big)

	err = d.Read(buf, 0x4900)
	require.ErrorIs(t, err, status.ErrEndOfFile)

	_, err = device.NewCachedOps(counting, 0, 4)
	require.ErrorIs(t, err, status.ErrInvalidArg)
}
