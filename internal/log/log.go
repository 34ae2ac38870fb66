// Package log provides the printf-style, component-tagged logger used
// throughout mongoclone: a value threaded into a call chain rather than
// a global.
package log

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// Event is a logger scoped to one component (a shard identity, "oplog",
// the orchestrator, ...). All writes carry that tag so progress lines
// from concurrent workers stay distinguishable on stdout.
type Event struct {
	component string
	out       io.Writer
	mu        *sync.Mutex
}

var stdoutMu sync.Mutex

// New returns an Event tagged with component, writing to stdout.
func New(component string) *Event {
	return &Event{component: component, out: os.Stdout, mu: &stdoutMu}
}

// With returns a child Event with component appended, e.g. a shard copier
// deriving its own tag from the orchestrator's.
func (e *Event) With(component string) *Event {
	return &Event{component: e.component + "/" + component, out: e.out, mu: e.mu}
}

func (e *Event) write(level, format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	e.mu.Lock()
	defer e.mu.Unlock()
	fmt.Fprintf(e.out, "%s [%s] %s: %s\n", time.Now().UTC().Format(time.RFC3339), level, e.component, msg)
}

func (e *Event) Debug(format string, args ...interface{}) { e.write("DEBUG", format, args...) }
func (e *Event) Info(format string, args ...interface{})  { e.write("INFO", format, args...) }
func (e *Event) Warn(format string, args ...interface{})  { e.write("WARN", format, args...) }
func (e *Event) Error(format string, args ...interface{}) { e.write("ERROR", format, args...) }

// Critical logs at CRITICAL level and returns a formatted error, so a caller
// can log and return in one call.
func (e *Event) Critical(format string, args ...interface{}) error {
	e.write("CRITICAL", format, args...)
	return fmt.Errorf(format, args...)
}
