package log

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/mattn/go-isatty"
)

// Writer receives log events and writes them somewhere.
type Writer interface {
	Write(e *Event) error
}

type syncWriter struct {
	writer Writer
	lock   sync.Mutex
}

// NewSyncWriter wraps a writer such that it can be used concurrently.
func NewSyncWriter(writer Writer) Writer {
	return &syncWriter{
		writer: writer,
	}
}

func (w *syncWriter) Write(e *Event) error {
	w.lock.Lock()
	defer w.lock.Unlock()

	return w.writer.Write(e)
}

type consoleWriter struct {
	writer   io.Writer
	level    Level
	useColor bool
}

// NewConsoleWriter returns a writer that writes human readable log lines.
// Colors are only used if the writer is a terminal.
func NewConsoleWriter(w io.Writer, level Level, useColor bool) Writer {
	writer := &consoleWriter{
		writer:   w,
		level:    level,
		useColor: useColor,
	}

	if useColor {
		if f, ok := w.(*os.File); ok {
			if !isatty.IsTerminal(f.Fd()) && !isatty.IsCygwinTerminal(f.Fd()) {
				writer.useColor = false
			}
		} else {
			writer.useColor = false
		}
	}

	return NewSyncWriter(writer)
}

func (w *consoleWriter) Write(e *Event) error {
	if w.level < e.Level || e.Level == Lsilent {
		return nil
	}

	level := e.Level.String()

	if w.useColor {
		switch e.Level {
		case Lerror:
			level = "\033[31m" + level + "\033[0m"
		case Lwarn:
			level = "\033[33m" + level + "\033[0m"
		case Linfo:
			level = "\033[32m" + level + "\033[0m"
		case Ldebug:
			level = "\033[36m" + level + "\033[0m"
		}
	}

	line := strings.Builder{}

	fmt.Fprintf(&line, "%s %-5s", e.Time.Format("2006-01-02T15:04:05Z07:00"), level)

	if len(e.Component) != 0 {
		fmt.Fprintf(&line, " [%s]", e.Component)
	}

	fmt.Fprintf(&line, " %s", e.Message)

	keys := make([]string, 0, len(e.Data))
	for k := range e.Data {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		fmt.Fprintf(&line, " %s=%v", k, e.Data[k])
	}

	line.WriteByte('\n')

	_, err := w.writer.Write([]byte(line.String()))

	return err
}

type jsonWriter struct {
	writer io.Writer
	level  Level
}

// NewJSONWriter returns a writer that writes one JSON document per event.
func NewJSONWriter(w io.Writer, level Level) Writer {
	return NewSyncWriter(&jsonWriter{
		writer: w,
		level:  level,
	})
}

func (w *jsonWriter) Write(e *Event) error {
	if w.level < e.Level || e.Level == Lsilent {
		return nil
	}

	doc := make(map[string]interface{}, len(e.Data)+4)

	for k, v := range e.Data {
		doc[k] = v
	}

	doc["ts"] = e.Time
	doc["level"] = e.Level.String()
	doc["component"] = e.Component
	doc["message"] = e.Message

	data, err := json.Marshal(doc)
	if err != nil {
		return err
	}

	data = append(data, '\n')

	_, err = w.writer.Write(data)

	return err
}
