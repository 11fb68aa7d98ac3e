// Package menu selects the environment to boot, either automatically when a
// countdown expires or interactively from the entries the configuration
// declared.
package menu

import (
	"fmt"
	"io"
	"time"

	"golang.org/x/exp/slog"

	"github.com/loadstone-boot/loadstone/config"
)

// Key is a console key press, reduced to what selection needs.
type Key int

const (
	KeyNone Key = iota
	KeyUp
	KeyDown
	KeyEnter
	KeyEscape
)

// Console is the key input capability. Platforms without one pass nil and
// the menu collapses to the default entry.
type Console interface {
	// ReadKey waits up to timeout for a key press, reporting false when the
	// timeout expired with no input.
	ReadKey(timeout time.Duration) (Key, bool)
}

// State is the phase the selection machine is in.
type State int

const (
	StateIdle State = iota
	StateDisplaying
	StateCountdown
	StateSelected
)

// Selection intervals. The countdown is re-checked every poll interval so a
// key press cancels it almost immediately.
const (
	pollInterval  = 10 * time.Millisecond
	hiddenTimeout = 500 * time.Millisecond
)

// Menu drives entry selection for one root environment.
type Menu struct {
	env     *config.Environ
	entries []*config.Environ
	console Console
	out     io.Writer
	log     *slog.Logger

	state    State
	selected int
}

func New(env *config.Environ, console Console, out io.Writer, log *slog.Logger) *Menu {
	if out == nil {
		out = io.Discard
	}
	if log == nil {
		log = slog.Default()
	}
	return &Menu{
		env:     env,
		entries: env.Children(),
		console: console,
		out:     out,
		log:     log,
	}
}

// State reports the machine's current phase, mostly for observation.
func (m *Menu) State() State { return m.state }

// defaultEntry resolves the "default" variable: an integer selects by
// position, a string by entry name, anything else falls back to the first
// entry.
func (m *Menu) defaultEntry() int {
	value, ok := m.env.Lookup("default")
	if !ok {
		return 0
	}
	switch value.Type {
	case config.TypeInteger:
		if value.Integer < uint64(len(m.entries)) {
			return int(value.Integer)
		}
	case config.TypeString:
		for i, entry := range m.entries {
			if entry.EntryName() == value.String {
				return i
			}
		}
	}
	return 0
}

func (m *Menu) timeout() time.Duration {
	value, ok := m.env.Lookup("timeout")
	if !ok || value.Type != config.TypeInteger {
		return 0
	}
	return time.Duration(value.Integer) * time.Second
}

func (m *Menu) hidden() bool {
	value, ok := m.env.Lookup("hidden")
	return ok && value.Type == config.TypeBoolean && value.Boolean
}

func (m *Menu) render(remaining time.Duration) {
	fmt.Fprintf(m.out, "\nBoot menu\n\n")
	for i, entry := range m.entries {
		marker := ' '
		if i == m.selected {
			marker = '>'
		}
		fmt.Fprintf(m.out, " %c %s\n", marker, entry.EntryName())
	}
	if remaining > 0 {
		fmt.Fprintf(m.out, "\nBooting in %d seconds...\n", int(remaining/time.Second))
	}
}

// Select resolves to the environment to boot. With no entries the root
// environment itself is bootable; with no console the default entry is
// taken immediately.
func (m *Menu) Select() *config.Environ {
	m.state = StateIdle

	if len(m.entries) == 0 {
		m.state = StateSelected
		return m.env
	}

	m.selected = m.defaultEntry()

	if m.console == nil {
		m.state = StateSelected
		m.log.Info("no console, booting default entry", "entry", m.entries[m.selected].EntryName())
		return m.entries[m.selected]
	}

	if m.hidden() {
		// Give the user one short window to interrupt, otherwise behave as
		// if the default had been chosen from a visible menu.
		if key, ok := m.console.ReadKey(hiddenTimeout); !ok || key != KeyEscape {
			m.state = StateSelected
			return m.entries[m.selected]
		}
	}

	m.state = StateDisplaying
	remaining := m.timeout()
	if remaining > 0 {
		m.state = StateCountdown
	}
	m.render(remaining)

	for {
		key, ok := m.console.ReadKey(pollInterval)
		if !ok {
			if m.state != StateCountdown {
				continue
			}
			remaining -= pollInterval
			if remaining <= 0 {
				m.state = StateSelected
				return m.entries[m.selected]
			}
			continue
		}

		// Any key cancels the countdown.
		if m.state == StateCountdown {
			m.state = StateDisplaying
		}

		switch key {
		case KeyUp:
			if m.selected > 0 {
				m.selected--
			}
		case KeyDown:
			if m.selected < len(m.entries)-1 {
				m.selected++
			}
		case KeyEnter:
			m.state = StateSelected
			return m.entries[m.selected]
		}
		m.render(0)
	}
}
