package core_test

import (
	"archive/tar"
	"bytes"
	"testing"
	"time"

	cerrors "github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"

	"github.com/loadstone-boot/loadstone/config"
	"github.com/loadstone-boot/loadstone/core"
	"github.com/loadstone-boot/loadstone/device"
	"github.com/loadstone-boot/loadstone/fs"
	"github.com/loadstone-boot/loadstone/loader"
	"github.com/loadstone-boot/loadstone/memory"
	"github.com/loadstone-boot/loadstone/menu"
	"github.com/loadstone-boot/loadstone/mmu"
	"github.com/loadstone-boot/loadstone/status"
	"github.com/loadstone-boot/loadstone/video"
)

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

type fakeArch struct{}

func (a *fakeArch) NewAddressSpace(mode mmu.Mode, arena mmu.Arena) (mmu.Context, error) {
	return mmu.NewX86(mode, arena)
}

func (a *fakeArch) Enter(entry uint64, space mmu.Context, tagsPhys uint64) error {
	return loader.ErrHandoffComplete
}

type scriptedConsole struct {
	keys []menu.Key
}

func (c *scriptedConsole) ReadKey(timeout time.Duration) (menu.Key, bool) {
	if len(c.keys) == 0 {
		return menu.KeyNone, false
	}
	key := c.keys[0]
	c.keys = c.keys[1:]
	return key, true
}

// testLoader is bound by the "testboot" command. A kernel path of "fail"
// makes the boot attempt fail.
type testLoader struct {
	target string
	booted *bool
}

func (l *testLoader) Name() string { return "testboot" }

func (l *testLoader) Boot(env *config.Environ) error {
	if l.target == "fail" {
		return cerrors.Wrap(status.ErrDeviceError, "simulated boot failure")
	}
	*l.booted = true
	return loader.ErrHandoffComplete
}

// fakePlatform is a one-device machine whose boot filesystem is built from
// a file map.
type fakePlatform struct {
	files   map[string][]byte
	console menu.Console
	modes   *video.ModeSet
	booted  bool
}

func (p *fakePlatform) DescribeMemory(mem *memory.Map) error {
	mem.Add(0x100000, 0x400000, memory.RangeFree)
	return nil
}

func (p *fakePlatform) PhysMemory() loader.PhysMemory {
	return &simPhys{base: 0x100000, data: make([]byte, 0x400000)}
}

func (p *fakePlatform) Arch() loader.Arch          { return &fakeArch{} }
func (p *fakePlatform) Firmware() loader.Firmware  { return nil }
func (p *fakePlatform) Console() menu.Console      { return p.console }
func (p *fakePlatform) VideoModes() *video.ModeSet { return p.modes }

func (p *fakePlatform) ProbeDevices(reg *device.Registry, prober *fs.Prober) error {
	var img bytes.Buffer
	w := tar.NewWriter(&img)
	for name, content := range p.files {
		hdr := &tar.Header{Name: name, Mode: 0644, Size: int64(len(content))}
		if err := w.WriteHeader(hdr); err != nil {
			return err
		}
		if _, err := w.Write(content); err != nil {
			return err
		}
	}
	if err := w.Close(); err != nil {
		return err
	}

	dev := device.NewImage("hd0", img.Bytes())
	if err := reg.Register(dev); err != nil {
		return err
	}
	_, err := prober.Probe(dev)
	return err
}

func (p *fakePlatform) BootDevice(reg *device.Registry) (*device.Device, error) {
	dev := reg.Lookup("hd0")
	if dev == nil {
		return nil, cerrors.Wrap(status.ErrNotFound, "no boot device")
	}
	return dev, nil
}

func (p *fakePlatform) RegisterCommands(cmds *config.Registry, ctx *loader.Context) {
	cmds.Register(&config.Command{
		Name:        "testboot",
		Description: "Boot a test kernel",
		Func: func(execCtx *config.ExecContext, args []config.Value) error {
			return execCtx.Env.SetLoader(&testLoader{target: args[0].String, booted: &p.booted})
		},
	})
}

func TestRunBootsDefault(t *testing.T) {
	p := &fakePlatform{files: map[string][]byte{
		"loadstone.cfg": []byte(`
set timeout 1
entry "Test OS" {
	testboot "ok"
}
`),
	}}

	pipe := core.New(p, nil, nil)
	require.NoError(t, pipe.Run())
	require.True(t, p.booted)
}

func TestFailedEntryResumesMenu(t *testing.T) {
	p := &fakePlatform{
		files: map[string][]byte{
			"loadstone.cfg": []byte(`
set timeout 1
entry "Broken" {
	testboot "fail"
}
entry "Works" {
	testboot "ok"
}
`),
		},
		// Select the broken entry, then after the failure pick the second.
		console: &scriptedConsole{keys: []menu.Key{
			menu.KeyEnter,
			menu.KeyDown, menu.KeyEnter,
		}},
	}

	pipe := core.New(p, nil, nil)
	require.NoError(t, pipe.Run())
	require.True(t, p.booted)
}

func TestBrokenEntryReportsCapturedError(t *testing.T) {
	p := &fakePlatform{files: map[string][]byte{
		"loadstone.cfg": []byte(`
entry "Broken" {
	not_a_command
}
`),
	}}

	// No console: the failure is final.
	pipe := core.New(p, nil, nil)
	err := pipe.Run()

	var bootErr *core.BootError
	require.ErrorAs(t, err, &bootErr)
	require.Equal(t, "Broken", bootErr.Entry)
	require.ErrorIs(t, err, status.ErrNotFound)
	require.False(t, p.booted)
}

func TestEntryWithoutLoaderFails(t *testing.T) {
	p := &fakePlatform{files: map[string][]byte{
		"loadstone.cfg": []byte(`
entry "Empty" {
	set something 1
}
`),
	}}

	pipe := core.New(p, nil, nil)
	err := pipe.Run()

	var bootErr *core.BootError
	require.ErrorAs(t, err, &bootErr)
}

func TestMissingConfigIsFatal(t *testing.T) {
	p := &fakePlatform{files: map[string][]byte{
		"readme": []byte("nothing bootable here"),
	}}

	pipe := core.New(p, nil, nil)
	err := pipe.Run()
	require.ErrorIs(t, err, status.ErrNotFound)
}

func TestPreBootHooks(t *testing.T) {
	p := &fakePlatform{files: map[string][]byte{
		"loadstone.cfg": []byte(`testboot "ok"`),
	}}

	ran := false
	pipe := core.New(p, nil, nil)
	pipe.PreBoot = append(pipe.PreBoot, func(pl *core.Pipeline) error {
		ran = true
		require.NotNil(t, pl.Mem)
		require.NotNil(t, pl.Root)
		return nil
	})

	require.NoError(t, pipe.Run())
	require.True(t, ran)
}
