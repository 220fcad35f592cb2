// Package ztlog wires the node's log.Logger to a concrete sink: either the
// rotating node.log file under the home directory, or stdout depending on
// build choice, rotating at a fixed byte count.
package ztlog

import (
	"os"
	"path/filepath"

	"github.com/zerotier-go/zt-core/log"
)

// DefaultRotateBytes is the default rotation budget.
const DefaultRotateBytes = 131072

// Options configures the root logger.
type Options struct {
	// HomeDir, if non-empty, causes logs to be appended to <HomeDir>/node.log
	// with rotation at RotateBytes rounded up to whole mebibytes. If empty,
	// logs go to stdout.
	HomeDir string
	// RotateBytes overrides DefaultRotateBytes; ignored when HomeDir is empty.
	RotateBytes int
	// Level caps verbosity; records above *Level are dropped. nil means
	// "unset", defaulting to LvlInfo — a plain log.Lvl field can't tell
	// "unset" apart from LvlCrit, since both are the zero value.
	Level *log.Lvl
	// Stdout forces stdout logging even when HomeDir is set, for foreground
	// debugging sessions.
	Stdout bool
}

// New builds a root Logger per Options and returns it ready to hand out
// component-scoped children via .New("component", name).
func New(opts Options) log.Logger {
	root := log.Root()

	var h log.Handler
	switch {
	case opts.Stdout || opts.HomeDir == "":
		h = log.StreamHandler(os.Stdout, true)
	default:
		maxBytes := opts.RotateBytes
		if maxBytes <= 0 {
			maxBytes = DefaultRotateBytes
		}
		h = log.RotatingFileHandler(filepath.Join(opts.HomeDir, "node.log"), maxBytes)
	}

	lvl := log.LvlInfo
	if opts.Level != nil {
		lvl = *opts.Level
	}
	root.SetHandler(log.LvlFilterHandler(lvl, h))
	return root
}
