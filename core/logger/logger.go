// Package logger is a JSON-lines event log for shell sessions.
package logger

import (
	"encoding/json"
	"io"
	"sync"
	"time"
)

// Event names recorded in the log.
const (
	EventSessionStart    = "session_start"
	EventExec            = "exec"
	EventParseError      = "parse_error"
	EventBackgroundStart = "background_start"
)

// Entry is one logged event, written as a single JSON object per line.
type Entry struct {
	Time  time.Time `json:"time"`
	Event string    `json:"event"`

	// Exec events: one argument vector per pipeline stage.
	Argv       [][]string `json:"argv,omitempty"`
	Background bool       `json:"background,omitempty"`
	Status     int        `json:"status,omitempty"`

	// Parse errors.
	Error string `json:"error,omitempty"`

	// Background starts.
	Pid int `json:"pid,omitempty"`
}

// Log appends entries as newline-delimited JSON. A nil *Log discards
// everything, so callers never need to guard logging sites.
type Log struct {
	mu  sync.Mutex
	enc *json.Encoder
	now func() time.Time
}

func New(w io.Writer) *Log {
	return &Log{
		enc: json.NewEncoder(w),
		now: time.Now,
	}
}

// Record writes one entry, stamping the time if unset. Safe for concurrent
// use.
func (l *Log) Record(entry Entry) {
	if l == nil {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if entry.Time.IsZero() {
		entry.Time = l.now()
	}
	// A log write failure must never take down the shell.
	_ = l.enc.Encode(entry)
}

// ReadLog parses a newline delimited JSON log, calling handler for each
// entry in order.
func ReadLog(r io.Reader, handler func(e *Entry)) error {
	decoder := json.NewDecoder(r)
	for decoder.More() {
		var entry Entry
		if err := decoder.Decode(&entry); err != nil {
			return err
		}
		handler(&entry)
	}
	return nil
}
