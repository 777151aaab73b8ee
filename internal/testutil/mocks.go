package testutil

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/openlistings/resosync/internal/db"
	"github.com/openlistings/resosync/internal/odata"
)

// MockFetcher is a scripted page fetcher for engine tests. Tests assign
// Handler; every request is recorded for later inspection.
type MockFetcher struct {
	mu       sync.Mutex
	Handler  func(req odata.PageRequest) (*odata.Page, error)
	requests []odata.PageRequest
}

func NewMockFetcher(handler func(req odata.PageRequest) (*odata.Page, error)) *MockFetcher {
	return &MockFetcher{Handler: handler}
}

func (m *MockFetcher) FetchPage(_ context.Context, req odata.PageRequest) (*odata.Page, error) {
	m.mu.Lock()
	m.requests = append(m.requests, req)
	handler := m.Handler
	m.mu.Unlock()

	if handler == nil {
		return &odata.Page{}, nil
	}
	return handler(req)
}

func (m *MockFetcher) Requests() []odata.PageRequest {
	m.mu.Lock()
	defer m.mu.Unlock()

	result := make([]odata.PageRequest, len(m.requests))
	copy(result, m.requests)
	return result
}

func (m *MockFetcher) RequestCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

// UpsertCall records one batch handed to the store.
type UpsertCall struct {
	Table       string
	Rows        []map[string]any
	ConflictKey []string
}

// MockStore implements the engine's store, checkpoint, and run-history
// interfaces in memory.
type MockStore struct {
	mu sync.Mutex

	upserts     []UpsertCall
	writeErr    error
	checkpoints map[string]time.Time

	checkpointReadErr  error
	checkpointWriteErr error

	runs       map[string]*db.SyncRun
	historyErr error
}

func NewMockStore() *MockStore {
	return &MockStore{
		checkpoints: make(map[string]time.Time),
		runs:        make(map[string]*db.SyncRun),
	}
}

func (m *MockStore) SetWriteError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writeErr = err
}

func (m *MockStore) SetCheckpointReadError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkpointReadErr = err
}

func (m *MockStore) SetCheckpointWriteError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkpointWriteErr = err
}

func (m *MockStore) SetHistoryError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.historyErr = err
}

func (m *MockStore) UpsertBatch(table string, rows []map[string]any, conflictKey []string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.writeErr != nil {
		return 0, m.writeErr
	}

	copied := make([]map[string]any, len(rows))
	copy(copied, rows)
	m.upserts = append(m.upserts, UpsertCall{Table: table, Rows: copied, ConflictKey: conflictKey})
	return int64(len(rows)), nil
}

func (m *MockStore) Upserts() []UpsertCall {
	m.mu.Lock()
	defer m.mu.Unlock()

	result := make([]UpsertCall, len(m.upserts))
	copy(result, m.upserts)
	return result
}

func (m *MockStore) CountUpsertedRows() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	total := 0
	for _, call := range m.upserts {
		total += len(call.Rows)
	}
	return total
}

func (m *MockStore) GetLastProcessedTimestamp(resource string) (*time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.checkpointReadErr != nil {
		return nil, m.checkpointReadErr
	}
	ts, ok := m.checkpoints[resource]
	if !ok {
		return nil, nil
	}
	return &ts, nil
}

func (m *MockStore) SetLastProcessedTimestamp(resource string, ts time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.checkpointWriteErr != nil {
		return m.checkpointWriteErr
	}
	if ts.IsZero() {
		return nil
	}
	m.checkpoints[resource] = ts
	return nil
}

// Checkpoint returns the stored checkpoint for a resource, or the zero time.
func (m *MockStore) Checkpoint(resource string) time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.checkpoints[resource]
}

func (m *MockStore) CreateSyncRun(run *db.SyncRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.historyErr != nil {
		return m.historyErr
	}
	m.runs[run.RunID] = run
	return nil
}

func (m *MockStore) CompleteSyncRun(runID string, fetched, unique, upserted int64, success bool, errorMsg *string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.historyErr != nil {
		return m.historyErr
	}
	run, ok := m.runs[runID]
	if !ok {
		return db.ErrNotFound
	}
	now := time.Now()
	run.CompletedAt = &now
	run.Fetched = fetched
	run.Unique = unique
	run.Upserted = upserted
	run.Success = &success
	run.Error = errorMsg
	return nil
}

func (m *MockStore) Runs() []*db.SyncRun {
	m.mu.Lock()
	defer m.mu.Unlock()

	result := make([]*db.SyncRun, 0, len(m.runs))
	for _, run := range m.runs {
		result = append(result, run)
	}
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

	for i := 0; i < len(fields); i += 2 {
		if i+1 < len(fields) {
			key := fmt.Sprintf("%v", fields[i])
			entry.Fields[key] = fields[i+1]
		}
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

func (l *TestLogger) HasError() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, entry := range l.entries {
		if entry.Level == "ERROR" {
			return true
		}
	}
	return false
}

func (l *TestLogger) HasWarning() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, entry := range l.entries {
		if entry.Level == "WARN" {
			return true
		}
	}
	return false
}

// Logger returns a *slog.Logger that writes to this TestLogger
func (l *TestLogger) Logger() *slog.Logger {
	return slog.New(&testLogHandler{logger: l})
}

// testLogHandler implements slog.Handler for TestLogger
type testLogHandler struct {
	logger *TestLogger
	attrs  []slog.Attr
	groups []string
}

func (h *testLogHandler) Enabled(_ context.Context, _ slog.Level) bool {
	return true
}

func (h *testLogHandler) Handle(_ context.Context, r slog.Record) error {
	level := r.Level.String()
	msg := r.Message

	// Collect all attributes
	fields := make([]interface{}, 0, r.NumAttrs()*2)
	r.Attrs(func(a slog.Attr) bool {
		fields = append(fields, a.Key, a.Value.Any())
		return true
	})

	// Add handler-level attributes
	for _, attr := range h.attrs {
		fields = append(fields, attr.Key, attr.Value.Any())
	}

	h.logger.log(level, msg, fields...)
	return nil
}

func (h *testLogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	newAttrs := make([]slog.Attr, len(h.attrs)+len(attrs))
	copy(newAttrs, h.attrs)
	copy(newAttrs[len(h.attrs):], attrs)
	return &testLogHandler{
		logger: h.logger,
		attrs:  newAttrs,
		groups: h.groups,
	}
}

func (h *testLogHandler) WithGroup(name string) slog.Handler {
	newGroups := make([]string, len(h.groups)+1)
	copy(newGroups, h.groups)
	newGroups[len(h.groups)] = name
	return &testLogHandler{
		logger: h.logger,
		attrs:  h.attrs,
		groups: newGroups,
	}
}
