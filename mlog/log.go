// Package mlog provides leveled logging with key/value fields.
//
// Each log level has a function to log with and without an error. Logging
// strings themselves should be constant, with variable data in fields, for
// easier log processing.
//
// Log levels can be configured per originating package (field pkg in the
// logged lines). The configuration is process-global.
package mlog

import (
	"bytes"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
	"time"
)

// Logfmt enables logfmt-style output instead of the human-readable default.
var Logfmt bool

type Level int

const (
	LevelPrint Level = iota // Printed regardless of configured level.
	LevelFatal
	LevelError
	LevelInfo
	LevelDebug
	LevelTrace
)

var LevelStrings = map[Level]string{
	LevelPrint: "print",
	LevelFatal: "fatal",
	LevelError: "error",
	LevelInfo:  "info",
	LevelDebug: "debug",
	LevelTrace: "trace",
}

var Levels = map[string]Level{
	"print": LevelPrint,
	"fatal": LevelFatal,
	"error": LevelError,
	"info":  LevelInfo,
	"debug": LevelDebug,
	"trace": LevelTrace,
}

// Holds a map[string]Level, mapping package name to log level. The empty
// string is the default/fallback level.
var config atomic.Value

func init() {
	config.Store(map[string]Level{"": LevelInfo})
}

// SetConfig atomically sets the log levels used by all Log instances.
func SetConfig(c map[string]Level) {
	config.Store(c)
}

// Pair is a field/value pair for logged lines.
type Pair struct {
	key   string
	value any
}

// Field is a shorthand for making a Pair.
func Field(k string, v any) Pair {
	return Pair{k, v}
}

// Log is a logger instance, with fields added to each logged line.
type Log struct {
	fields []Pair
}

// New returns a Log instance. Each log invocation adds field "pkg".
func New(pkg string) *Log {
	return &Log{fields: []Pair{{"pkg", pkg}}}
}

// Fields returns a new logger that also logs the given fields on each line.
func (l *Log) Fields(fields ...Pair) *Log {
	nl := *l
	nl.fields = append(fields, nl.fields...)
	return &nl
}

func (l *Log) Fatal(text string, fields ...Pair) { l.Fatalx(text, nil, fields...) }
func (l *Log) Fatalx(text string, err error, fields ...Pair) {
	l.plog(LevelFatal, err, text, fields...)
	os.Exit(1)
}

func (l *Log) Print(text string, fields ...Pair) {
	l.logx(LevelPrint, nil, text, fields...)
}
func (l *Log) Printx(text string, err error, fields ...Pair) {
	l.logx(LevelPrint, err, text, fields...)
}

func (l *Log) Error(text string, fields ...Pair) {
	l.logx(LevelError, nil, text, fields...)
}
func (l *Log) Errorx(text string, err error, fields ...Pair) {
	l.logx(LevelError, err, text, fields...)
}

func (l *Log) Info(text string, fields ...Pair) {
	l.logx(LevelInfo, nil, text, fields...)
}
func (l *Log) Infox(text string, err error, fields ...Pair) {
	l.logx(LevelInfo, err, text, fields...)
}

func (l *Log) Debug(text string, fields ...Pair) {
	l.logx(LevelDebug, nil, text, fields...)
}
func (l *Log) Debugx(text string, err error, fields ...Pair) {
	l.logx(LevelDebug, err, text, fields...)
}

func (l *Log) logx(level Level, err error, text string, fields ...Pair) {
	if !l.match(level) {
		return
	}
	l.plog(level, err, text, fields...)
}

// escape logfmt string if required, otherwise return original string.
func logfmtValue(s string) string {
	for _, c := range s {
		if c == '"' || c == '\\' || c <= ' ' || c == '=' || c >= 0x7f {
			return fmt.Sprintf("%q", s)
		}
	}
	return s
}

func stringValue(v any) string {
	if v == nil {
		return ""
	}
	switch r := v.(type) {
	case string:
		return r
	case int:
		return strconv.Itoa(r)
	case int64:
		return strconv.FormatInt(r, 10)
	case uint32:
		return strconv.FormatUint(uint64(r), 10)
	case bool:
		if r {
			return "true"
		}
		return "false"
	case time.Duration:
		return r.String()
	case []string:
		return "[" + strings.Join(r, ",") + "]"
	case fmt.Stringer:
		return r.String()
	}
	return fmt.Sprintf("%v", v)
}

func (l *Log) plog(level Level, err error, text string, fields ...Pair) {
	fields = append(l.fields, fields...)
	// Build up a buffer for a single write, so concurrent loggers do not
	// interleave partial lines.
	b := &bytes.Buffer{}
	if Logfmt {
		fmt.Fprintf(b, "l=%s m=%s", LevelStrings[level], logfmtValue(text))
		if err != nil {
			fmt.Fprintf(b, " err=%s", logfmtValue(err.Error()))
		}
		for _, kv := range fields {
			fmt.Fprintf(b, " %s=%s", kv.key, logfmtValue(stringValue(kv.value)))
		}
	} else {
		fmt.Fprintf(b, "%s: %s", LevelStrings[level], logfmtValue(text))
		if err != nil {
			fmt.Fprintf(b, ": %s", logfmtValue(err.Error()))
		}
		if len(fields) > 0 {
			fmt.Fprint(b, " (")
			for i, kv := range fields {
				if i > 0 {
					fmt.Fprint(b, "; ")
				}
				fmt.Fprintf(b, "%s: %s", kv.key, logfmtValue(stringValue(kv.value)))
			}
			fmt.Fprint(b, ")")
		}
	}
	b.WriteString("\n")
	os.Stderr.Write(b.Bytes())
}

func (l *Log) match(level Level) bool {
	if level == LevelPrint || level == LevelFatal {
		return true
	}
	cl := config.Load().(map[string]Level)
	for _, kv := range l.fields {
		if kv.key != "pkg" {
			continue
		}
		pkg, ok := kv.value.(string)
		if !ok {
			continue
		}
		if v, ok := cl[pkg]; ok {
			return v >= level
		}
	}
	return cl[""] >= level
}
