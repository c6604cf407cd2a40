// Package logger implements a leveled logger that writes to stdout
// and/or a rotating file, the way the rest of this codebase's
// components expect to log.
package logger

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/gookit/color"
)

var levelColor = map[Level]color.Color{
	Debug: color.FgGray,
	Info:  color.FgBlue,
	Warn:  color.FgYellow,
	Error: color.FgRed,
}

// Logger writes leveled, prefixed lines to one or more destinations.
type Logger struct {
	level   Level
	prefix  string
	stdout  bool
	file    io.Writer
	onClose func()
}

// New allocates a Logger writing to the given destinations at the given level.
// fileBase/fileMaxSize/fileRotateNum are only used when DestinationFile is set.
func New(level Level, destinations Destinations, fileBase string, fileMaxSize int64, fileRotateNum int) (*Logger, error) {
	l := &Logger{
		level: level,
	}

	if _, ok := destinations[DestinationStdout]; ok {
		l.stdout = true
	}

	if _, ok := destinations[DestinationFile]; ok {
		rf, err := newRotateFile(fileBase, fileMaxSize, fileRotateNum)
		if err != nil {
			return nil, err
		}
		l.file = rf
		l.onClose = rf.close
	}

	return l, nil
}

// Close releases the underlying file, if any.
func (l *Logger) Close() {
	if l.onClose != nil {
		l.onClose()
	}
}

// WithPrefix returns a derived Logger that prepends prefix to every line,
// the way a muxer context prefixes its logs with its own name.
func (l *Logger) WithPrefix(prefix string) *Logger {
	return &Logger{
		level:   l.level,
		prefix:  l.prefix + prefix,
		stdout:  l.stdout,
		file:    l.file,
		onClose: nil, // only the root logger owns the file
	}
}

// Log writes a line at the given level if the logger's level allows it.
func (l *Logger) Log(level Level, format string, args ...interface{}) {
	if level < l.level {
		return
	}

	if l.prefix != "" {
		format = l.prefix + " " + format
	}

	line := fmt.Sprintf("%s [%s] %s\n", time.Now().Format("2006/01/02 15:04:05"), level, fmt.Sprintf(format, args...))

	if l.stdout {
		if c, ok := levelColor[level]; ok {
			c.Print(line)
		} else {
			os.Stdout.WriteString(line) //nolint:errcheck
		}
	}

	if l.file != nil {
		l.file.Write([]byte(line)) //nolint:errcheck
	}
}

// Debugf logs at Debug level.
func (l *Logger) Debugf(format string, args ...interface{}) { l.Log(Debug, format, args...) }

// Infof logs at Info level.
func (l *Logger) Infof(format string, args ...interface{}) { l.Log(Info, format, args...) }

// Warnf logs at Warn level.
func (l *Logger) Warnf(format string, args ...interface{}) { l.Log(Warn, format, args...) }

// Errorf logs at Error level.
func (l *Logger) Errorf(format string, args ...interface{}) { l.Log(Error, format, args...) }
