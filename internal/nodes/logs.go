package nodes

import (
	"sync"
	"time"

	"github.com/edvin/autoflow/internal/model"
)

// Logs collects the ordered log entries of one node run.
type Logs struct {
	mu      sync.Mutex
	entries []model.LogEntry
	now     func() time.Time
}

func NewLogs() *Logs {
	return &Logs{now: time.Now}
}

func (l *Logs) add(level, msg string, data map[string]any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, model.LogEntry{Level: level, Message: msg, Data: data, Timestamp: l.now().UTC()})
}

func (l *Logs) Debug(msg string, data map[string]any) { l.add(model.LogDebug, msg, data) }
func (l *Logs) Info(msg string, data map[string]any)  { l.add(model.LogInfo, msg, data) }
func (l *Logs) Warn(msg string, data map[string]any)  { l.add(model.LogWarn, msg, data) }
func (l *Logs) Error(msg string, data map[string]any) { l.add(model.LogError, msg, data) }

// Entries returns a copy of the collected entries.
func (l *Logs) Entries() []model.LogEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]model.LogEntry(nil), l.entries...)
}
