// Package log implements a leveled, context-aware logger modeled on the
// Logger/Handler split used throughout the node supervisor: every subsystem
// gets a named child logger via New(ctx...), and the actual sink (terminal,
// rotating file) is swapped in once at startup.
package log

import (
	"os"
	"time"

	"github.com/go-stack/stack"
)

const skipLevel = 2

type Lvl int

const (
	LvlCrit Lvl = iota
	LvlError
	LvlWarn
	LvlInfo
	LvlDebug
	LvlTrace
)

// AlignedString returns a 5-character string containing the name of a Lvl.
func (l Lvl) AlignedString() string {
	switch l {
	case LvlTrace:
		return "TRACE"
	case LvlDebug:
		return "DEBUG"
	case LvlInfo:
		return "INFO "
	case LvlWarn:
		return "WARN "
	case LvlError:
		return "ERROR"
	case LvlCrit:
		return "CRIT "
	default:
		return "?????"
	}
}

// String returns the 4-character name of a Lvl.
func (l Lvl) String() string {
	switch l {
	case LvlTrace:
		return "trce"
	case LvlDebug:
		return "dbug"
	case LvlInfo:
		return "info"
	case LvlWarn:
		return "warn"
	case LvlError:
		return "eror"
	case LvlCrit:
		return "crit"
	default:
		return "????"
	}
}

// LvlFromString returns the appropriate Lvl from a string name.
func LvlFromString(s string) (Lvl, error) {
	switch s {
	case "trace", "trce":
		return LvlTrace, nil
	case "debug", "dbug":
		return LvlDebug, nil
	case "info":
		return LvlInfo, nil
	case "warn":
		return LvlWarn, nil
	case "error", "eror":
		return LvlError, nil
	case "crit":
		return LvlCrit, nil
	default:
		return LvlDebug, errUnknownLevel(s)
	}
}

type errUnknownLevel string

func (e errUnknownLevel) Error() string { return "unknown log level: " + string(e) }

// Record is what a Logger asks its Handler to write.
type Record struct {
	Time time.Time
	Lvl  Lvl
	Msg  string
	Ctx  []interface{}
	Call stack.Call
}

// Logger writes key/value pairs to a Handler.
type Logger interface {
	// New returns a new Logger that has this logger's context plus the given context.
	New(ctx ...interface{}) Logger

	GetHandler() Handler
	SetHandler(h Handler)

	Trace(msg string, ctx ...interface{})
	Debug(msg string, ctx ...interface{})
	Info(msg string, ctx ...interface{})
	Warn(msg string, ctx ...interface{})
	Error(msg string, ctx ...interface{})
	Crit(msg string, ctx ...interface{})
}

type logger struct {
	ctx []interface{}
	h   *swapHandler
}

// Root returns a logger with no context and the default discard handler.
// Callers install a real handler with SetHandler before anything is logged.
func Root() Logger {
	l := &logger{h: new(swapHandler)}
	l.SetHandler(DiscardHandler())
	return l
}

func (l *logger) write(msg string, lvl Lvl, ctx []interface{}, skip int) {
	r := Record{
		Time: time.Now(),
		Lvl:  lvl,
		Msg:  msg,
		Ctx:  newContext(l.ctx, ctx),
		Call: stack.Caller(skip),
	}
	l.h.Log(&r)
	if lvl == LvlCrit {
		os.Exit(1)
	}
}

func (l *logger) New(ctx ...interface{}) Logger {
	child := &logger{ctx: newContext(l.ctx, ctx), h: new(swapHandler)}
	child.SetHandler(l.h)
	return child
}

func newContext(prefix []interface{}, suffix []interface{}) []interface{} {
	normalizedSuffix := normalize(suffix)
	newCtx := make([]interface{}, len(prefix)+len(normalizedSuffix))
	n := copy(newCtx, prefix)
	copy(newCtx[n:], normalizedSuffix)
	return newCtx
}

func (l *logger) Trace(msg string, ctx ...interface{}) { l.write(msg, LvlTrace, ctx, skipLevel) }
func (l *logger) Debug(msg string, ctx ...interface{}) { l.write(msg, LvlDebug, ctx, skipLevel) }
func (l *logger) Info(msg string, ctx ...interface{})  { l.write(msg, LvlInfo, ctx, skipLevel) }
func (l *logger) Warn(msg string, ctx ...interface{})  { l.write(msg, LvlWarn, ctx, skipLevel) }
func (l *logger) Error(msg string, ctx ...interface{}) { l.write(msg, LvlError, ctx, skipLevel) }
func (l *logger) Crit(msg string, ctx ...interface{})  { l.write(msg, LvlCrit, ctx, skipLevel) }

func (l *logger) GetHandler() Handler { return l.h.Get() }
func (l *logger) SetHandler(h Handler) { l.h.Swap(h) }

func normalize(ctx []interface{}) []interface{} {
	if len(ctx) == 1 {
		if ctxMap, ok := ctx[0].(Ctx); ok {
			ctx = ctxMap.toArray()
		}
	}
	if len(ctx)%2 != 0 {
		ctx = append(ctx, nil, "LOG_ERROR", "normalized odd number of arguments by adding nil")
	}
	return ctx
}

// Ctx is a map of key/value pairs to pass as context to a log function.
type Ctx map[string]interface{}

func (c Ctx) toArray() []interface{} {
	arr := make([]interface{}, len(c)*2)
	i := 0
	for k, v := range c {
		arr[i] = k
		arr[i+1] = v
		i += 2
	}
	return arr
}
