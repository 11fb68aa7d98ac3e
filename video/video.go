// Package video tracks the display modes a platform offers and which one the
// kernel will be handed. Modes are registered during platform setup; the
// video configuration command selects one by a mode string of the form
// "<type>[:<width>x<height>[x<bpp>]]".
package video

import (
	"fmt"
	"strconv"
	"strings"

	cerrors "github.com/cockroachdb/errors"

	"github.com/loadstone-boot/loadstone/status"
)

// ModeType distinguishes the mode families.
type ModeType uint32

const (
	ModeVGA ModeType = 1 << 0
	ModeLFB ModeType = 1 << 1
)

func (t ModeType) String() string {
	switch t {
	case ModeVGA:
		return "vga"
	case ModeLFB:
		return "lfb"
	}
	return "unknown"
}

// Preferred LFB dimensions when a mode string names only the type.
const (
	preferredWidth  = 1024
	preferredHeight = 768
	fallbackWidth   = 800
	fallbackHeight  = 600
)

// Mode is one display mode. Width and Height are pixels for LFB modes and
// text cells for VGA.
type Mode struct {
	Type   ModeType
	Width  uint32
	Height uint32
	BPP    uint32

	Pitch   uint32
	MemPhys uint64
	MemSize uint64
}

// String formats the mode the way mode strings are written.
func (m *Mode) String() string {
	if m.Type == ModeLFB {
		return fmt.Sprintf("lfb:%dx%dx%d", m.Width, m.Height, m.BPP)
	}
	return fmt.Sprintf("%s:%dx%d", m.Type, m.Width, m.Height)
}

// ModeSet holds the registered modes and the current selection.
type ModeSet struct {
	modes   []*Mode
	current *Mode
}

// Register adds a mode, optionally making it current.
func (s *ModeSet) Register(mode *Mode, current bool) {
	s.modes = append(s.modes, mode)
	if current {
		s.current = mode
	}
}

// Modes returns the registered modes in registration order.
func (s *ModeSet) Modes() []*Mode {
	out := make([]*Mode, len(s.modes))
	copy(out, s.modes)
	return out
}

// Current returns the selected mode, or nil.
func (s *ModeSet) Current() *Mode { return s.current }

// SetMode makes a mode current.
func (s *ModeSet) SetMode(mode *Mode) { s.current = mode }

// Find returns a registered mode matching the parameters. Zero width and
// height ask for the preferred mode of the type; for LFB modes a zero bpp
// picks the highest available depth at the given dimensions.
func (s *ModeSet) Find(typ ModeType, width, height, bpp uint32) *Mode {
	if (width == 0) != (height == 0) {
		return nil
	}

	if width == 0 && height == 0 && bpp == 0 {
		if typ == ModeVGA {
			return s.Find(typ, 80, 25, 0)
		}
		if mode := s.Find(typ, preferredWidth, preferredHeight, 0); mode != nil {
			return mode
		}
		return s.Find(typ, fallbackWidth, fallbackHeight, 0)
	}

	var best *Mode
	for _, mode := range s.modes {
		if mode.Type != typ || mode.Width != width || mode.Height != height {
			continue
		}
		if typ != ModeLFB {
			return mode
		}
		if bpp != 0 {
			if mode.BPP == bpp {
				return mode
			}
			continue
		}
		if best == nil || mode.BPP > best.BPP {
			best = mode
		}
	}
	return best
}

// Parse resolves a mode string against the registered modes.
func (s *ModeSet) Parse(str string) (*Mode, error) {
	name, rest, _ := strings.Cut(str, ":")

	var typ ModeType
	switch name {
	case "vga":
		typ = ModeVGA
	case "lfb":
		typ = ModeLFB
	default:
		return nil, cerrors.Wrapf(status.ErrInvalidArg, "unknown video mode type %q", name)
	}

	var dims [3]uint32
	if rest != "" {
		for i, field := range strings.SplitN(rest, "x", 3) {
			v, err := strconv.ParseUint(field, 10, 32)
			if err != nil {
				return nil, cerrors.Wrapf(status.ErrInvalidArg, "bad video mode %q", str)
			}
			dims[i] = uint32(v)
		}
	}

	mode := s.Find(typ, dims[0], dims[1], dims[2])
	if mode == nil {
		return nil, cerrors.Wrapf(status.ErrNotFound, "no video mode matching %q", str)
	}
	return mode, nil
}
