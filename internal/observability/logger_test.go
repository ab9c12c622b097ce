package observability

import (
	"bufio"
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLogger_WritesJSONLines(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(t.TempDir())
	l.SetOutput(&buf)

	l.LogStep("s1", 2, "executing", "print hello")
	l.LogEvaluation("s1", 2, "success", "ok", 1)

	scanner := bufio.NewScanner(&buf)
	var events []Event
	for scanner.Scan() {
		var evt Event
		if err := json.Unmarshal(scanner.Bytes(), &evt); err != nil {
			t.Fatalf("invalid JSON line %q: %v", scanner.Text(), err)
		}
		events = append(events, evt)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].Type != EventTypeStep || events[0].SessionID != "s1" || events[0].Step != 2 {
		t.Errorf("unexpected first event: %+v", events[0])
	}
	if events[1].Type != EventTypeEvaluation {
		t.Errorf("unexpected second event type: %s", events[1].Type)
	}
	if events[0].Timestamp.IsZero() {
		t.Error("timestamp should be set")
	}
}

func TestLogger_LLMEventsGoToFile(t *testing.T) {
	dir := t.TempDir()
	l := NewLogger(dir)
	l.SetOutput(nil)

	l.LogLLM("s1", "planner", "prompt", "response", nil)

	data, err := os.ReadFile(filepath.Join(dir, "llm.jsonl"))
	if err != nil {
		t.Fatalf("llm log not written: %v", err)
	}
	if !strings.Contains(string(data), `"role":"planner"`) {
		t.Errorf("unexpected llm log content: %s", data)
	}
}

func TestLogger_NilIsSafe(t *testing.T) {
	var l *Logger
	l.LogPlan("s1", "planning", 0, "")
}

func TestProgressBar(t *testing.T) {
	if got := ProgressBar(1, 2, 4); got != "██▒▒" {
		t.Errorf("ProgressBar(1,2,4) = %q", got)
	}
	if got := ProgressBar(5, 2, 4); got != "████" {
		t.Errorf("ProgressBar should clamp, got %q", got)
	}
	if got := ProgressBar(0, 0, 3); got != "▒▒▒" {
		t.Errorf("ProgressBar(0,0,3) = %q", got)
	}
}
