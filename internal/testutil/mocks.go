package testutil

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/livinlefevreloca/testbed/internal/db"
	"github.com/livinlefevreloca/testbed/internal/remote"
)

// ChannelResponse is the canned outcome of one remote execution
type ChannelResponse struct {
	Result remote.Result
	Err    error

	// Delay before answering; the call honors context cancellation while waiting
	Delay time.Duration

	// Block until the context is done, as an unresponsive machine would
	Hang bool
}

// ChannelCall records one execution request
type ChannelCall struct {
	Machine string
	Command string
}

// FakeChannel implements remote.Channel with per-machine canned responses
type FakeChannel struct {
	mu        sync.Mutex
	responses map[string]ChannelResponse
	fallback  ChannelResponse
	calls     []ChannelCall
	inFlight  int
	maxFlight int
}

func NewFakeChannel() *FakeChannel {
	return &FakeChannel{
		responses: make(map[string]ChannelResponse),
		fallback: ChannelResponse{
			Result: remote.Result{Stdout: []byte("All tests passed!\n")},
		},
	}
}

// Respond sets the response for a machine
func (f *FakeChannel) Respond(machine string, resp ChannelResponse) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses[machine] = resp
}

// RespondDefault sets the response for machines without one of their own
func (f *FakeChannel) RespondDefault(resp ChannelResponse) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fallback = resp
}

func (f *FakeChannel) Exec(ctx context.Context, machine, command string) (remote.Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, ChannelCall{Machine: machine, Command: command})
	resp, ok := f.responses[machine]
	if !ok {
		resp = f.fallback
	}
	f.inFlight++
	if f.inFlight > f.maxFlight {
		f.maxFlight = f.inFlight
	}
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.inFlight--
		f.mu.Unlock()
	}()

	if resp.Hang {
		<-ctx.Done()
		return remote.Result{ExitStatus: -1}, fmt.Errorf("ssh: run on %s: %w", machine, ctx.Err())
	}

	if resp.Delay > 0 {
		select {
		case <-time.After(resp.Delay):
		case <-ctx.Done():
			return remote.Result{ExitStatus: -1}, fmt.Errorf("ssh: run on %s: %w", machine, ctx.Err())
		}
	}

	return resp.Result, resp.Err
}

// Calls returns every execution request seen so far
func (f *FakeChannel) Calls() []ChannelCall {
	f.mu.Lock()
	defer f.mu.Unlock()

	result := make([]ChannelCall, len(f.calls))
	copy(result, f.calls)
	return result
}

// CallsTo counts the executions requested on a machine
func (f *FakeChannel) CallsTo(machine string) int {
	f.mu.Lock()
	defer f.mu.Unlock()

	n := 0
	for _, c := range f.calls {
		if c.Machine == machine {
			n++
		}
	}
	return n
}

// MaxInFlight reports the highest number of concurrent executions observed
func (f *FakeChannel) MaxInFlight() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.maxFlight
}

// MockResultStore records inserted results in memory
type MockResultStore struct {
	mu          sync.Mutex
	results     []db.TestResult
	insertError error
	failures    int
}

func NewMockResultStore() *MockResultStore {
	return &MockResultStore{
		results: make([]db.TestResult, 0),
	}
}

// FailInserts makes the next n inserts return err
func (m *MockResultStore) FailInserts(n int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures = n
	m.insertError = err
}

func (m *MockResultStore) InsertResult(_ context.Context, result *db.TestResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failures > 0 {
		m.failures--
		return m.insertError
	}

	for _, r := range m.results {
		if r.Test == result.Test && r.Machine == result.Machine && r.ExecutedAt.Equal(result.ExecutedAt) {
			return fmt.Errorf("insert result: %w", db.ErrDuplicate)
		}
	}

	m.results = append(m.results, *result)
	return nil
}

func (m *MockResultStore) Results() []db.TestResult {
	m.mu.Lock()
	defer m.mu.Unlock()

	result := make([]db.TestResult, len(m.results))
	copy(result, m.results)
	return result
}

// MockClock provides controllable time for testing
type MockClock struct {
	mu      sync.Mutex
	current time.Time
}

func NewMockClock(start time.Time) *MockClock {
	return &MockClock{
		current: start,
	}
}

func (m *MockClock) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

func (m *MockClock) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.current = m.current.Add(d)
}

func (m *MockClock) Set(t time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.current = t
}

// TestLogger provides a logger that captures logs for testing
type TestLogger struct {
	mu      sync.Mutex
	entries []LogEntry
}

type LogEntry struct {
	Level   string
	Message string
	Fields  map[string]interface{}
}

func NewTestLogger() *TestLogger {
	return &TestLogger{
		entries: make([]LogEntry, 0),
	}
}

func (l *TestLogger) log(level, msg string, fields ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry := LogEntry{
		Level:   level,
		Message: msg,
		Fields:  make(map[string]interface{}),
	}

	for i := 0; i+1 < len(fields); i += 2 {
		entry.Fields[fmt.Sprintf("%v", fields[i])] = fields[i+1]
	}

	l.entries = append(l.entries, entry)
}

func (l *TestLogger) GetEntries() []LogEntry {
	l.mu.Lock()
	defer l.mu.Unlock()

	result := make([]LogEntry, len(l.entries))
	copy(result, l.entries)
	return result
}

func (l *TestLogger) GetEntriesByLevel(level string) []LogEntry {
	l.mu.Lock()
	defer l.mu.Unlock()

	result := make([]LogEntry, 0)
	for _, entry := range l.entries {
		if entry.Level == level {
			result = append(result, entry)
		}
	}
	return result
}

// HasMessage reports whether any entry at level carries msg
func (l *TestLogger) HasMessage(level, msg string) bool {
	for _, entry := range l.GetEntriesByLevel(level) {
		if entry.Message == msg {
			return true
		}
	}
	return false
}

func (l *TestLogger) HasError() bool {
	return len(l.GetEntriesByLevel("ERROR")) > 0
}

func (l *TestLogger) HasWarning() bool {
	return len(l.GetEntriesByLevel("WARN")) > 0
}

// Logger returns a *slog.Logger that writes to this TestLogger
func (l *TestLogger) Logger() *slog.Logger {
	return slog.New(&testLogHandler{logger: l})
}

// testLogHandler implements slog.Handler for TestLogger
type testLogHandler struct {
	logger *TestLogger
	attrs  []slog.Attr
}

func (h *testLogHandler) Enabled(_ context.Context, _ slog.Level) bool {
	return true
}

func (h *testLogHandler) Handle(_ context.Context, r slog.Record) error {
	fields := make([]interface{}, 0, (r.NumAttrs()+len(h.attrs))*2)
	r.Attrs(func(a slog.Attr) bool {
		fields = append(fields, a.Key, a.Value.Any())
		return true
	})
	for _, attr := range h.attrs {
		fields = append(fields, attr.Key, attr.Value.Any())
	}

	h.logger.log(r.Level.String(), r.Message, fields...)
	return nil
}

func (h *testLogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	newAttrs := make([]slog.Attr, len(h.attrs)+len(attrs))
	copy(newAttrs, h.attrs)
	copy(newAttrs[len(h.attrs):], attrs)
	return &testLogHandler{logger: h.logger, attrs: newAttrs}
}

// Groups are flattened; tests match on keys only
func (h *testLogHandler) WithGroup(_ string) slog.Handler {
	return h
}

// WaitFor waits for a condition to be true with timeout
func WaitFor(t TestingT, condition func() bool, timeout time.Duration, msgAndArgs ...interface{}) bool {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		if condition() {
			return true
		}

		<-ticker.C
		if time.Now().After(deadline) {
			t.Errorf("timeout waiting for condition: %v", msgAndArgs)
			return false
		}
	}
}

// TestingT is a minimal interface for testing
type TestingT interface {
	Errorf(format string, args ...interface{})
	Fatalf(format string, args ...interface{})
}
