package log

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/fatih/color"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Handler writes Records to some sink. Handlers may be composed: a
// LvlFilterHandler wraps another Handler and drops Records below a
// threshold before forwarding.
type Handler interface {
	Log(r *Record) error
}

// FuncHandler turns a function into a Handler.
type FuncHandler func(r *Record) error

func (h FuncHandler) Log(r *Record) error { return h(r) }

// swapHandler wraps another handler that may be swapped out dynamically at
// runtime in a thread-safe fashion.
type swapHandler struct {
	mu sync.RWMutex
	h  Handler
}

func (h *swapHandler) Log(r *Record) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.h.Log(r)
}

func (h *swapHandler) Swap(newHandler Handler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.h = newHandler
}

func (h *swapHandler) Get() Handler {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.h
}

// DiscardHandler discards every record. It is the default handler until the
// supervisor installs a real one.
func DiscardHandler() Handler {
	return FuncHandler(func(*Record) error { return nil })
}

// LvlFilterHandler returns a Handler that only writes records at or below
// the given verbosity level (maxLvl or more severe) to the wrapped Handler.
func LvlFilterHandler(maxLvl Lvl, h Handler) Handler {
	return FuncHandler(func(r *Record) error {
		if r.Lvl > maxLvl {
			return nil
		}
		return h.Log(r)
	})
}

// MultiHandler dispatches any write to each of its children.
func MultiHandler(hs ...Handler) Handler {
	return FuncHandler(func(r *Record) error {
		for _, h := range hs {
			_ = h.Log(r)
		}
		return nil
	})
}

// atomic color toggle, shared across terminal handlers so tests can force
// plain output regardless of whether the test runner's stdout is a tty.
var colorEnabled atomic.Bool

func init() {
	colorEnabled.Store(isatty.IsTerminal(os.Stdout.Fd()))
}

var lvlColor = map[Lvl]*color.Color{
	LvlCrit:  color.New(color.FgMagenta, color.Bold),
	LvlError: color.New(color.FgRed),
	LvlWarn:  color.New(color.FgYellow),
	LvlInfo:  color.New(color.FgGreen),
	LvlDebug: color.New(color.FgCyan),
	LvlTrace: color.New(color.FgWhite),
}

// StreamHandler writes log records to the given io.Writer, colorized when
// colorize is true and colorEnabled is set (stdout was a terminal that
// mattn/go-isatty recognized at startup).
func StreamHandler(w io.Writer, colorize bool) Handler {
	out := w
	if f, ok := w.(*os.File); ok {
		out = colorable.NewColorable(f)
	}
	return FuncHandler(func(r *Record) error {
		line := formatRecord(r, colorize && colorEnabled.Load())
		_, err := fmt.Fprint(out, line)
		return err
	})
}

func formatRecord(r *Record, colorize bool) string {
	var b strings.Builder
	ts := r.Time.Format("2006-01-02T15:04:05.000")
	lvl := r.Lvl.AlignedString()
	if colorize {
		if c, ok := lvlColor[r.Lvl]; ok {
			lvl = c.Sprint(lvl)
		}
	}
	fmt.Fprintf(&b, "%s [%s] %s", ts, lvl, r.Msg)
	for i := 0; i+1 < len(r.Ctx); i += 2 {
		fmt.Fprintf(&b, " %v=%v", r.Ctx[i], r.Ctx[i+1])
	}
	if r.Call.Frame().Function != "" {
		fmt.Fprintf(&b, " caller=%+v", r.Call)
	}
	b.WriteByte('\n')
	return b.String()
}

// RotatingFileHandler returns a Handler that appends formatted records to
// path, rotating once the file exceeds maxBytes rounded up to whole
// mebibytes (lumberjack's size unit; see maxMB). It is used for node.log,
// whose default 131072-byte budget therefore rotates at 1 MiB.
func RotatingFileHandler(path string, maxBytes int) Handler {
	lj := &lumberjack.Logger{
		Filename: path,
		MaxSize:  maxMB(maxBytes),
		Compress: false,
	}
	return FuncHandler(func(r *Record) error {
		_, err := fmt.Fprint(lj, formatRecord(r, false))
		return err
	})
}

// lumberjack sizes in megabytes; round up so small budgets still rotate
// rather than never triggering at MaxSize=0 (which lumberjack treats as
// "never rotate").
func maxMB(maxBytes int) int {
	const mb = 1024 * 1024
	if maxBytes <= 0 {
		return 100
	}
	if maxBytes < mb {
		return 1
	}
	return (maxBytes + mb - 1) / mb
}
