package audit

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event is one line of the audit log. Actor is the email of the user the
// action concerns, empty when nobody was signed in.
type Event struct {
	ID      string `json:"id"`
	At      string `json:"at"`
	Source  string `json:"source"`
	Actor   string `json:"actor,omitempty"`
	Action  string `json:"action"`
	Target  string `json:"target,omitempty"`
	Outcome string `json:"outcome"`
	Detail  string `json:"detail,omitempty"`
}

// Logger appends events as JSON lines. A Logger with an empty path discards
// everything.
type Logger struct {
	path   string
	source string
	mu     sync.Mutex
	now    func() time.Time
}

// NewLogger writes to path, tagging each event with source ("portal" or
// "cli") so both front ends can share one file.
func NewLogger(path, source string) *Logger {
	return &Logger{path: path, source: source, now: time.Now}
}

func (l *Logger) Log(actor, action, target, outcome, detail string) error {
	if l == nil || l.path == "" {
		return nil
	}
	e := Event{
		ID:      uuid.NewString(),
		At:      l.now().UTC().Format(time.RFC3339),
		Source:  l.source,
		Actor:   actor,
		Action:  action,
		Target:  target,
		Outcome: outcome,
		Detail:  detail,
	}
	b, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal audit event: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if err := os.MkdirAll(filepath.Dir(l.path), 0o700); err != nil {
		return fmt.Errorf("mkdir audit log dir: %w", err)
	}
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("open audit log file: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(b, '\n')); err != nil {
		return fmt.Errorf("write audit log entry: %w", err)
	}
	return nil
}

// Recent returns up to limit of the newest events, newest first. Lines that
// do not decode are skipped.
func (l *Logger) Recent(limit int) ([]Event, error) {
	if l == nil || l.path == "" || limit <= 0 {
		return nil, nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.Open(l.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("open audit log file: %w", err)
	}
	defer f.Close()

	// Lines of any length are read; unparseable ones are skipped.
	ring := make([]Event, 0, limit)
	rd := bufio.NewReader(f)
	for {
		line, err := rd.ReadBytes('\n')
		if len(line) > 0 {
			var e Event
			if json.Unmarshal(line, &e) == nil {
				if len(ring) == limit {
					ring = ring[1:]
				}
				ring = append(ring, e)
			}
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read audit log: %w", err)
		}
	}

	out := make([]Event, len(ring))
	for i, e := range ring {
		out[len(ring)-1-i] = e
	}
	return out, nil
}
