// Package log provides a leveled logging facility with structured fields.
// There are 4 log levels (debug, info, warn, error). A message is written
// to the output if its level has the same or a higher severity than the
// level of the output.
package log

import (
	"fmt"
	"maps"
	"time"
)

// Level represents a log level
type Level uint

const (
	Lsilent Level = 0
	Lerror  Level = 1
	Lwarn   Level = 2
	Linfo   Level = 3
	Ldebug  Level = 4
)

// String returns a string representation of the log level.
func (level Level) String() string {
	switch level {
	case Lerror:
		return "ERROR"
	case Lwarn:
		return "WARN"
	case Linfo:
		return "INFO"
	case Ldebug:
		return "DEBUG"
	}

	return "SILENT"
}

type Fields map[string]interface{}

// Logger is an interface that provides means for writing log messages.
//
// The component is a string that represents who wrote the message. Fields
// are structured data that is written along the message.
type Logger interface {
	// WithOutput returns a new Logger that writes to the provided writer.
	WithOutput(w Writer) Logger

	// WithComponent returns a new Logger with the given component.
	WithComponent(component string) Logger

	WithField(key string, value interface{}) Logger
	WithFields(fields Fields) Logger
	WithError(err error) Logger

	// Debug, Info, Warn, and Error select the level the next Log call
	// writes with.
	Debug() Logger
	Info() Logger
	Warn() Logger
	Error() Logger

	// Log writes a message to all registered outputs. The message will be
	// formatted according to fmt.Printf().
	Log(format string, args ...interface{})
}

// Event is one log message together with its metadata.
type Event struct {
	Time      time.Time
	Level     Level
	Component string
	Message   string
	Data      Fields
}

type logger struct {
	output    Writer
	component string
	level     Level
	data      Fields
}

// New returns an implementation of the Logger interface. Without an
// output set with WithOutput all messages are discarded.
func New(component string) Logger {
	return &logger{
		component: component,
	}
}

func (l *logger) clone() *logger {
	return &logger{
		output:    l.output,
		component: l.component,
		level:     l.level,
		data:      maps.Clone(l.data),
	}
}

func (l *logger) WithOutput(w Writer) Logger {
	clone := l.clone()
	clone.output = w

	return clone
}

func (l *logger) WithComponent(component string) Logger {
	clone := l.clone()
	clone.component = component

	return clone
}

func (l *logger) WithField(key string, value interface{}) Logger {
	return l.WithFields(Fields{
		key: value,
	})
}

func (l *logger) WithFields(f Fields) Logger {
	clone := l.clone()

	if clone.data == nil {
		clone.data = make(Fields, len(f))
	}

	for k, v := range f {
		clone.data[k] = v
	}

	return clone
}

func (l *logger) WithError(err error) Logger {
	if err == nil {
		return l
	}

	return l.WithField("error", err.Error())
}

func (l *logger) withLevel(level Level) Logger {
	clone := l.clone()
	clone.level = level

	return clone
}

func (l *logger) Debug() Logger { return l.withLevel(Ldebug) }
func (l *logger) Info() Logger  { return l.withLevel(Linfo) }
func (l *logger) Warn() Logger  { return l.withLevel(Lwarn) }
func (l *logger) Error() Logger { return l.withLevel(Lerror) }

func (l *logger) Log(format string, args ...interface{}) {
	if l.output == nil {
		return
	}

	level := l.level
	if level == Lsilent {
		level = Ldebug
	}

	e := &Event{
		Time:      time.Now(),
		Level:     level,
		Component: l.component,
		Data:      maps.Clone(l.data),
	}

	if len(args) == 0 {
		e.Message = format
	} else {
		e.Message = fmt.Sprintf(format, args...)
	}

	l.output.Write(e)
}
