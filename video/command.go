package video

import (
	"fmt"

	cerrors "github.com/cockroachdb/errors"

	"github.com/loadstone-boot/loadstone/config"
	"github.com/loadstone-boot/loadstone/status"
)

// EnvMode is the environment variable holding the selected mode string. The
// video command validates and normalizes it; loaders resolve it again at
// boot time, so a plain set of the variable works too.
const EnvMode = "video_mode"

// RegisterCommands adds the video commands to the configuration vocabulary.
// Platforms without a display do not call this.
func RegisterCommands(cmds *config.Registry, modes *ModeSet) {
	cmds.Register(&config.Command{
		Name:        "video",
		Description: "Set the video mode",
		Func: func(ctx *config.ExecContext, args []config.Value) error {
			return cmdVideo(ctx, modes, args)
		},
	})
	cmds.Register(&config.Command{
		Name:        "lsvideo",
		Description: "List available video modes",
		Func: func(ctx *config.ExecContext, args []config.Value) error {
			return cmdLsVideo(ctx, modes, args)
		},
	})
}

// cmdVideo records the selection in the environment. It takes effect when an
// entry using this environment boots.
func cmdVideo(ctx *config.ExecContext, modes *ModeSet, args []config.Value) error {
	if len(args) != 1 || args[0].Type != config.TypeString {
		return cerrors.Wrap(status.ErrInvalidArg, "expected: video <mode>")
	}

	mode, err := modes.Parse(args[0].String)
	if err != nil {
		return err
	}
	return ctx.Env.Set(EnvMode, config.StringValue(mode.String()))
}

func cmdLsVideo(ctx *config.ExecContext, modes *ModeSet, args []config.Value) error {
	if len(args) != 0 {
		return cerrors.Wrap(status.ErrInvalidArg, "expected: lsvideo")
	}
	for _, mode := range modes.Modes() {
		marker := ""
		if mode == modes.Current() {
			marker = " (current)"
		}
		fmt.Fprintf(ctx.Out, "%s%s\n", mode, marker)
	}
	return nil
}
