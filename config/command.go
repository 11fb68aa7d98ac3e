package config

import (
	"fmt"
	"io"

	cerrors "github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"golang.org/x/exp/slices"
	"golang.org/x/exp/slog"

	"github.com/loadstone-boot/loadstone/device"
	"github.com/loadstone-boot/loadstone/fs"
	"github.com/loadstone-boot/loadstone/status"
)

// Command is one registered configuration command.
type Command struct {
	Name        string
	Description string
	Func        func(ctx *ExecContext, args []Value) error
}

// Registry holds the closed command vocabulary. Loader frontends add their
// boot commands to it at startup.
type Registry struct {
	cmds  *swiss.Map[string, *Command]
	names []string
}

// NewRegistry creates a registry preloaded with the built-in commands.
func NewRegistry() *Registry {
	r := &Registry{cmds: swiss.NewMap[string, *Command](16)}
	for _, cmd := range builtins {
		r.Register(cmd)
	}
	return r
}

func (r *Registry) Register(cmd *Command) {
	r.cmds.Put(cmd.Name, cmd)
	r.names = append(r.names, cmd.Name)
}

func (r *Registry) Lookup(name string) *Command {
	cmd, _ := r.cmds.Get(name)
	return cmd
}

// Names returns the registered command names, sorted.
func (r *Registry) Names() []string {
	out := slices.Clone(r.names)
	slices.Sort(out)
	return out
}

// ExecContext carries everything command execution needs. Env is the
// environment commands mutate; entry commands swap it for the child while
// the entry body runs.
type ExecContext struct {
	Env      *Environ
	Registry *Registry
	Devices  *device.Registry
	Log      *slog.Logger
	Out      io.Writer
}

func (ctx *ExecContext) clone(env *Environ) *ExecContext {
	out := *ctx
	out.Env = env
	return &out
}

// ExecuteList runs a parsed command list against the context. Arguments are
// substituted against the current environment right before each call.
func ExecuteList(ctx *ExecContext, calls []*Call) error {
	for _, call := range calls {
		cmd := ctx.Registry.Lookup(call.Name)
		if cmd == nil {
			return cerrors.Wrapf(status.ErrNotFound, "line %d: unknown command %q", call.Line, call.Name)
		}

		args := make([]Value, len(call.Args))
		for i, arg := range call.Args {
			resolved, err := arg.Substitute(ctx.Env)
			if err != nil {
				return cerrors.Wrapf(err, "line %d: command %q", call.Line, call.Name)
			}
			args[i] = resolved
		}

		if err := cmd.Func(ctx, args); err != nil {
			return cerrors.Wrapf(err, "line %d: command %q", call.Line, call.Name)
		}
	}
	return nil
}

var builtins = []*Command{
	{Name: "set", Description: "Set a variable", Func: cmdSet},
	{Name: "unset", Description: "Unset a variable", Func: cmdUnset},
	{Name: "env", Description: "List environment variables", Func: cmdEnv},
	{Name: "device", Description: "Set the current device", Func: cmdDevice},
	{Name: "include", Description: "Include another configuration file", Func: cmdInclude},
	{Name: "entry", Description: "Define a menu entry", Func: cmdEntry},
	{Name: "help", Description: "List available commands", Func: cmdHelp},
	{Name: "version", Description: "Display the loader version", Func: cmdVersion},
}

func cmdSet(ctx *ExecContext, args []Value) error {
	if len(args) != 2 || args[0].Type != TypeString {
		return cerrors.Wrap(status.ErrInvalidArg, "expected: set <name> <value>")
	}
	return ctx.Env.Set(args[0].String, args[1])
}

func cmdUnset(ctx *ExecContext, args []Value) error {
	if len(args) != 1 || args[0].Type != TypeString {
		return cerrors.Wrap(status.ErrInvalidArg, "expected: unset <name>")
	}
	return ctx.Env.Remove(args[0].String)
}

func cmdEnv(ctx *ExecContext, args []Value) error {
	if len(args) != 0 {
		return cerrors.Wrap(status.ErrInvalidArg, "expected: env")
	}
	for _, ent := range ctx.Env.entries {
		text, err := ent.value.format()
		if err != nil {
			text = "<" + ent.value.typeName() + ">"
		}
		fmt.Fprintf(ctx.Out, "%s = %s\n", ent.name, text)
	}
	return nil
}

func cmdDevice(ctx *ExecContext, args []Value) error {
	if len(args) != 1 || args[0].Type != TypeString {
		return cerrors.Wrap(status.ErrInvalidArg, "expected: device <name>")
	}
	dev := ctx.Devices.Lookup(args[0].String)
	if dev == nil {
		return cerrors.Wrapf(status.ErrNotFound, "device %q not found", args[0].String)
	}
	ctx.Env.SetDevice(dev)
	return nil
}

// cmdInclude loads another script, or every script in a directory sorted by
// name.
func cmdInclude(ctx *ExecContext, args []Value) error {
	if len(args) != 1 || args[0].Type != TypeString {
		return cerrors.Wrap(status.ErrInvalidArg, "expected: include <path>")
	}
	path := args[0].String

	h, err := fs.Open(path, ctx.Env.Directory(), ctx.Devices, fs.TypeDir, 0)
	if cerrors.Is(err, status.ErrNotDir) {
		return includeFile(ctx, path)
	}
	if err != nil {
		return err
	}
	defer h.Close()

	var names []string
	if err := h.Iterate(func(name string) error {
		names = append(names, name)
		return nil
	}); err != nil {
		return err
	}
	slices.Sort(names)

	for _, name := range names {
		if err := includeFile(ctx, path+"/"+name); err != nil {
			return err
		}
	}
	return nil
}

func includeFile(ctx *ExecContext, path string) error {
	h, err := fs.Open(path, ctx.Env.Directory(), ctx.Devices, fs.TypeFile, 0)
	if err != nil {
		return err
	}
	defer h.Close()

	src, err := fs.ReadAll(h)
	if err != nil {
		return err
	}
	calls, err := Parse(path, src)
	if err != nil {
		return err
	}
	return ExecuteList(ctx, calls)
}

// cmdEntry creates a child environment and runs the entry body inside it.
// A body that fails to execute still produces a menu entry; the error is
// surfaced when the entry is chosen.
func cmdEntry(ctx *ExecContext, args []Value) error {
	if len(args) != 2 || args[0].Type != TypeString || args[1].Type != TypeCommandList {
		return cerrors.Wrap(status.ErrInvalidArg, "expected: entry <name> { <commands> }")
	}

	child := NewEnviron(ctx.Env)
	child.name = args[0].String
	if err := ExecuteList(ctx.clone(child), args[1].Commands); err != nil {
		child.parseErr = err
	}

	ctx.Env.children = append(ctx.Env.children, child)
	return nil
}

func cmdHelp(ctx *ExecContext, args []Value) error {
	if len(args) != 0 {
		return cerrors.Wrap(status.ErrInvalidArg, "expected: help")
	}
	for _, name := range ctx.Registry.Names() {
		fmt.Fprintf(ctx.Out, "%-12s %s\n", name, ctx.Registry.Lookup(name).Description)
	}
	return nil
}

func cmdVersion(ctx *ExecContext, args []Value) error {
	fmt.Fprintf(ctx.Out, "loadstone version %s\n", Version)
	return nil
}

// Version is the loader version reported by the version command and in the
// boot tag list.
const Version = "1.3.0"
