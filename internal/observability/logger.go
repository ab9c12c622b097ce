package observability

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// EventType defines the category of the log event.
type EventType string

const (
	EventTypePlan        EventType = "plan"
	EventTypeStep        EventType = "step"
	EventTypeToolCall    EventType = "tool_call"
	EventTypeToolResult  EventType = "tool_result"
	EventTypePolicyCheck EventType = "policy_check"
	EventTypeEvaluation  EventType = "evaluation"
	EventTypeInstall     EventType = "install"
	EventTypeProgress    EventType = "progress"
	EventTypeLLM         EventType = "llm"
)

// Event represents a structured log entry.
type Event struct {
	Type      EventType `json:"type"`
	SessionID string    `json:"session_id,omitempty"`
	Step      int       `json:"step,omitempty"`
	Data      any       `json:"data"`
	Timestamp time.Time `json:"timestamp"`
}

// Logger handles structured logging. Events go to out as JSON lines, LLM
// exchanges are also appended to llm.jsonl under the log directory.
type Logger struct {
	mu         sync.Mutex
	out        io.Writer
	llmLogPath string
	maxSize    int64
}

func NewLogger(logDir string) *Logger {
	if logDir == "" {
		logDir = "logs"
	}
	return &Logger{
		out:        os.Stdout,
		llmLogPath: filepath.Join(logDir, "llm.jsonl"),
		maxSize:    10 * 1024 * 1024, // 10MB
	}
}

// SetOutput redirects event output. A nil writer discards events.
func (l *Logger) SetOutput(w io.Writer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if w == nil {
		w = io.Discard
	}
	l.out = w
}

// Log emits a structured JSON event. A nil Logger drops the event.
func (l *Logger) Log(evt Event) {
	if l == nil {
		return
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}
	data, err := json.Marshal(evt)
	if err != nil {
		data = []byte(fmt.Sprintf("{\"error\": \"failed to marshal event: %v\"}", err))
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	fmt.Fprintln(l.out, string(data))

	if evt.Type == EventTypeLLM {
		l.writeToFile(data)
	}
}

func (l *Logger) writeToFile(data []byte) {
	if err := os.MkdirAll(filepath.Dir(l.llmLogPath), 0755); err != nil {
		log.Printf("failed to create log directory: %v", err)
		return
	}

	info, err := os.Stat(l.llmLogPath)
	if err == nil && info.Size() > l.maxSize {
		l.rotateLogs()
	}

	f, err := os.OpenFile(l.llmLogPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		log.Printf("failed to open log file: %v", err)
		return
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		log.Printf("failed to write to log file: %v", err)
	}
}

func (l *Logger) rotateLogs() {
	// Simple rotation: keep one .old file
	oldPath := l.llmLogPath + ".old"
	_ = os.Remove(oldPath)
	_ = os.Rename(l.llmLogPath, oldPath)
}

// Helper methods for common events

func (l *Logger) LogPlan(sessionID, status string, steps int, detail string) {
	l.Log(Event{
		Type:      EventTypePlan,
		SessionID: sessionID,
		Data: map[string]any{
			"status": status,
			"steps":  steps,
			"detail": detail,
		},
	})
}

func (l *Logger) LogStep(sessionID string, step int, status, description string) {
	l.Log(Event{
		Type:      EventTypeStep,
		SessionID: sessionID,
		Step:      step,
		Data: map[string]string{
			"status":      status,
			"description": description,
		},
	})
}

func (l *Logger) LogToolCall(sessionID string, step int, tool, args string) {
	l.Log(Event{
		Type:      EventTypeToolCall,
		SessionID: sessionID,
		Step:      step,
		Data: map[string]string{
			"tool": tool,
			"args": args,
		},
	})
}

func (l *Logger) LogToolResult(sessionID string, step int, tool, result string) {
	l.Log(Event{
		Type:      EventTypeToolResult,
		SessionID: sessionID,
		Step:      step,
		Data: map[string]string{
			"tool":   tool,
			"result": result,
		},
	})
}

func (l *Logger) LogPolicy(sessionID, tool, effect, reason string) {
	l.Log(Event{
		Type:      EventTypePolicyCheck,
		SessionID: sessionID,
		Data: map[string]string{
			"tool":   tool,
			"effect": effect,
			"reason": reason,
		},
	})
}

func (l *Logger) LogEvaluation(sessionID string, step int, verdict, reasoning string, attempt int) {
	l.Log(Event{
		Type:      EventTypeEvaluation,
		SessionID: sessionID,
		Step:      step,
		Data: map[string]any{
			"verdict":   verdict,
			"reasoning": reasoning,
			"attempt":   attempt,
		},
	})
}

func (l *Logger) LogInstall(sessionID string, packages []string, err error) {
	data := map[string]any{"packages": packages, "ok": err == nil}
	if err != nil {
		data["error"] = err.Error()
	}
	l.Log(Event{
		Type:      EventTypeInstall,
		SessionID: sessionID,
		Data:      data,
	})
}

func (l *Logger) LogProgress(sessionID string, step int, kind, message string) {
	l.Log(Event{
		Type:      EventTypeProgress,
		SessionID: sessionID,
		Step:      step,
		Data: map[string]string{
			"kind":    kind,
			"message": message,
		},
	})
}

func (l *Logger) LogLLM(sessionID, role string, prompt any, response string, toolCalls any) {
	l.Log(Event{
		Type:      EventTypeLLM,
		SessionID: sessionID,
		Data: map[string]any{
			"role":       role,
			"prompt":     prompt,
			"response":   response,
			"tool_calls": toolCalls,
		},
	})
}
