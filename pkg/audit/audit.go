// Package audit emits an operator-facing trail of ledger activity. The
// audit trail is diagnostic output, separate from the tamper-evident chain;
// losing it loses convenience, not integrity.
package audit

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event is one audited occurrence.
type Event struct {
	ID        string         `json:"id"`
	Timestamp time.Time      `json:"timestamp"`
	Actor     string         `json:"actor"`
	Action    string         `json:"action"`
	Subject   string         `json:"subject,omitempty"`
	Outcome   string         `json:"outcome"`
	Detail    map[string]any `json:"detail,omitempty"`
}

// Logger records audit events. Implementations must be safe for concurrent
// use.
type Logger interface {
	Record(e Event)
}

// JSONLogger writes one prefixed JSON line per event.
type JSONLogger struct {
	mu    sync.Mutex
	w     io.Writer
	clock func() time.Time
}

// NewJSONLogger writes events to w.
func NewJSONLogger(w io.Writer) *JSONLogger {
	return &JSONLogger{w: w, clock: time.Now}
}

// WithClock overrides the timestamp source for deterministic tests.
func (l *JSONLogger) WithClock(clock func() time.Time) *JSONLogger {
	l.clock = clock
	return l
}

func (l *JSONLogger) Record(e Event) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = l.clock().UTC()
	}

	line, err := json.Marshal(e)
	if err != nil {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	fmt.Fprintf(l.w, "AUDIT: %s\n", line)
}

// Nop discards every event.
type Nop struct{}

func (Nop) Record(Event) {}
