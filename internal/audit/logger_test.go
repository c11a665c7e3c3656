package audit

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/uuid"
)

func TestLoggerWritesJSONLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit", "audit.log")
	l := NewLogger(path, "portal")
	if err := l.Log("ana@uni.pt", "auth.login", "", "success", "rid=abc"); err != nil {
		t.Fatalf("Log() error: %v", err)
	}

	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read audit log: %v", err)
	}
	line := strings.TrimSpace(string(b))
	if line == "" {
		t.Fatalf("expected non-empty audit line")
	}
	var e Event
	if err := json.Unmarshal([]byte(line), &e); err != nil {
		t.Fatalf("decode audit line: %v", err)
	}
	if e.Actor != "ana@uni.pt" || e.Action != "auth.login" || e.Outcome != "success" || e.Source != "portal" {
		t.Fatalf("unexpected audit event content: %+v", e)
	}
	if _, err := uuid.Parse(e.ID); err != nil {
		t.Fatalf("expected uuid event id, got %q", e.ID)
	}
}

func TestLoggerWithoutPathDiscards(t *testing.T) {
	if err := NewLogger("", "cli").Log("a", "auth.logout", "", "success", ""); err != nil {
		t.Fatalf("Log() error: %v", err)
	}
	var nilLogger *Logger
	if err := nilLogger.Log("a", "auth.logout", "", "success", ""); err != nil {
		t.Fatalf("nil Log() error: %v", err)
	}
}

func TestRecentNewestFirst(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	l := NewLogger(path, "cli")
	for i := 0; i < 5; i++ {
		if err := l.Log(fmt.Sprintf("user%d@uni.pt", i), "auth.login", "", "success", ""); err != nil {
			t.Fatalf("Log() error: %v", err)
		}
	}
	f, _ := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o600)
	_, _ = f.WriteString("not json\n")
	f.Close()

	events, err := l.Recent(3)
	if err != nil {
		t.Fatalf("Recent() error: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}
	if events[0].Actor != "user4@uni.pt" || events[2].Actor != "user2@uni.pt" {
		t.Fatalf("unexpected order: %+v", events)
	}

	missing := NewLogger(filepath.Join(t.TempDir(), "none.log"), "cli")
	if events, err := missing.Recent(3); err != nil || len(events) != 0 {
		t.Fatalf("expected empty result for missing file, got %v %v", events, err)
	}
}

func TestRecentReadsPastOversizedLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	l := NewLogger(path, "portal")
	if err := l.Log("ana@uni.pt", "auth.login", "", "failed", strings.Repeat("x", 200<<10)); err != nil {
		t.Fatalf("Log() error: %v", err)
	}
	if err := l.Log("rui@uni.pt", "auth.login", "", "success", ""); err != nil {
		t.Fatalf("Log() error: %v", err)
	}

	events, err := l.Recent(5)
	if err != nil {
		t.Fatalf("Recent() error: %v", err)
	}
	if len(events) != 2 || events[0].Actor != "rui@uni.pt" || len(events[1].Detail) != 200<<10 {
		t.Fatalf("unexpected events: %d", len(events))
	}
}
