package config

import (
	cerrors "github.com/cockroachdb/errors"

	"github.com/loadstone-boot/loadstone/fs"
	"github.com/loadstone-boot/loadstone/status"
)

// Locations tried for the configuration script, in order. The first is
// relative to the boot directory; the rest are absolute on the boot device.
var configPaths = []string{
	"loadstone.cfg",
	"/boot/loadstone.cfg",
	"/loadstone.cfg",
}

// Load finds and executes the boot configuration against ctx.Env, which
// becomes the root environment. Not finding any configuration is fatal to
// the boot, reported as status.ErrNotFound.
func Load(ctx *ExecContext) error {
	for _, path := range configPaths {
		if path[0] != '/' && ctx.Env.Directory() == nil {
			continue
		}

		h, err := fs.Open(path, ctx.Env.Directory(), ctx.Devices, fs.TypeFile, 0)
		if cerrors.Is(err, status.ErrNotFound) || cerrors.Is(err, status.ErrNotFile) {
			continue
		}
		if err != nil {
			return err
		}

		ctx.Log.Info("loading configuration", "path", path)

		src, readErr := fs.ReadAll(h)
		h.Close()
		if readErr != nil {
			return readErr
		}

		calls, err := Parse(path, src)
		if err != nil {
			return err
		}
		return ExecuteList(ctx, calls)
	}

	return cerrors.Wrap(status.ErrNotFound, "no configuration file found on the boot device")
}
