/*
 * Copyright 2025 SREDiag Authors
 * Copyright 2023 CloudWeGo Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package klog is the kernel's leveled logger.
package klog

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/valyala/bytebufferpool"
)

// Log levels, lowest first. LevelNoPrint silences every logger.
const (
	LevelTrace = iota
	LevelDebug
	LevelInfo
	LevelWarn
	LevelError
	LevelNoPrint
)

// EnvLogLevel overrides the default level at startup.
const EnvLogLevel = "KSHM_LOG_LEVEL"

var (
	level atomic.Int32

	magenta = string([]byte{27, 91, 57, 53, 109}) // Trace
	green   = string([]byte{27, 91, 57, 50, 109}) // Debug
	blue    = string([]byte{27, 91, 57, 52, 109}) // Info
	yellow  = string([]byte{27, 91, 57, 51, 109}) // Warn
	red     = string([]byte{27, 91, 57, 49, 109}) // Error
	reset   = string([]byte{27, 91, 48, 109})

	colors = []string{
		magenta,
		green,
		blue,
		yellow,
		red,
	}

	levelName = []string{
		"Trace",
		"Debug",
		"Info",
		"Warn",
		"Error",
	}
)

func init() {
	level.Store(LevelWarn)
	if v := os.Getenv(EnvLogLevel); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			SetLevel(n)
		}
	}
}

// SetLevel changes the level of every logger. The default is LevelWarn.
// Out of range values are ignored.
func SetLevel(l int) {
	if l >= LevelTrace && l <= LevelNoPrint {
		level.Store(int32(l))
	}
}

// ParseLevel maps a level name ("trace" .. "error", or "none") or its
// number to a level.
func ParseLevel(s string) (int, error) {
	if n, err := strconv.Atoi(s); err == nil && n >= LevelTrace && n <= LevelNoPrint {
		return n, nil
	}
	for i, name := range levelName {
		if strings.EqualFold(s, name) {
			return i, nil
		}
	}
	if strings.EqualFold(s, "none") {
		return LevelNoPrint, nil
	}
	return 0, fmt.Errorf("klog: unknown level %q", s)
}

// Level returns the current level.
func Level() int {
	return int(level.Load())
}

// Logger writes leveled, prefixed lines to an io.Writer.
type Logger struct {
	name      string
	callDepth int

	mu  sync.Mutex
	out io.Writer
}

// New returns a logger tagged with name. A nil out means os.Stdout.
func New(name string, out io.Writer) *Logger {
	if out == nil {
		out = os.Stdout
	}
	return &Logger{
		name:      name,
		out:       out,
		callDepth: 3,
	}
}

// SetOutput redirects the logger.
func (l *Logger) SetOutput(out io.Writer) {
	l.mu.Lock()
	l.out = out
	l.mu.Unlock()
}

func (l *Logger) Errorf(format string, a ...interface{}) { l.logf(LevelError, format, a...) }

func (l *Logger) Warnf(format string, a ...interface{}) { l.logf(LevelWarn, format, a...) }

func (l *Logger) Infof(format string, a ...interface{}) { l.logf(LevelInfo, format, a...) }

func (l *Logger) Debugf(format string, a ...interface{}) { l.logf(LevelDebug, format, a...) }

func (l *Logger) Tracef(format string, a ...interface{}) { l.logf(LevelTrace, format, a...) }

// Printf logs at info level so the logger can stand in for a library's
// Printf-style logger.
func (l *Logger) Printf(format string, a ...interface{}) { l.logf(LevelInfo, format, a...) }

// Enabled reports whether lines at lv would be written.
func (l *Logger) Enabled(lv int) bool {
	return Level() <= lv
}

func (l *Logger) logf(lv int, format string, a ...interface{}) {
	if !l.Enabled(lv) {
		return
	}
	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)
	l.prefix(buf, lv)
	_, _ = fmt.Fprintf(buf, format, a...)
	_, _ = buf.WriteString(reset)
	_ = buf.WriteByte('\n')

	l.mu.Lock()
	_, err := l.out.Write(buf.B)
	l.mu.Unlock()
	if err != nil {
		fmt.Fprintf(os.Stderr, "klog: write failed: %v\n", err)
	}
}

func (l *Logger) prefix(buf *bytebufferpool.ByteBuffer, lv int) {
	_, _ = buf.WriteString(colors[lv])
	_, _ = buf.WriteString(levelName[lv])
	_ = buf.WriteByte(' ')
	_, _ = buf.WriteString(time.Now().Format("2006-01-02 15:04:05.999999"))
	_ = buf.WriteByte(' ')
	_, _ = buf.WriteString(l.location())
	_ = buf.WriteByte(' ')
	if l.name != "" {
		_, _ = buf.WriteString(l.name)
		_ = buf.WriteByte(' ')
	}
}

func (l *Logger) location() string {
	_, file, line, ok := runtime.Caller(l.callDepth + 1)
	if !ok {
		file = "???"
		line = 0
	}
	return filepath.Base(file) + ":" + strconv.Itoa(line)
}
