package mocks

import (
	"sync"

	"github.com/relaycast/relaycast/pkg/logging"
)

// MockLogger implements logging.Logger and records every call so tests can
// assert that a code path logged.
type MockLogger struct {
	mu      sync.Mutex
	entries []logEntry
}

type logEntry struct {
	level string
	msg   string
}

func NewMockLogger() *MockLogger {
	return &MockLogger{}
}

func (m *MockLogger) Debug(msg string, fields ...interface{}) { m.record("DEBUG", msg) }
func (m *MockLogger) Info(msg string, fields ...interface{})  { m.record("INFO", msg) }
func (m *MockLogger) Warn(msg string, fields ...interface{})  { m.record("WARN", msg) }
func (m *MockLogger) Error(msg string, fields ...interface{}) { m.record("ERROR", msg) }

// With returns the same recorder; field accumulation is not tracked.
func (m *MockLogger) With(fields ...interface{}) logging.Logger { return m }

func (m *MockLogger) record(level, msg string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, logEntry{level: level, msg: msg})
}

// HasMessage reports whether msg was logged at the given level.
func (m *MockLogger) HasMessage(level, msg string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.entries {
		if e.level == level && e.msg == msg {
			return true
		}
	}
	return false
}
