// Package locallog is the node's local event log: every event that could not
// be delivered (or is about to be retried) is written here once, and the
// most recent lines are kept in memory for /log/recent.
package locallog

import (
	"bufio"
	"encoding/json"
	"io"
	"sync"

	"go.uber.org/zap"
)

// Line is one retained log entry.
type Line struct {
	AtMs uint64          `json:"at_ms"`
	JSON json.RawMessage `json:"event"`
}

// Sink writes event JSON through zap and keeps the last N lines. Safe for
// concurrent use.
type Sink struct {
	logger *zap.Logger

	mu      sync.Mutex
	lines   []Line
	head    int
	count   int
	written uint64
}

// New returns a sink retaining up to capacity lines (minimum 1).
func New(logger *zap.Logger, capacity int) *Sink {
	if capacity < 1 {
		capacity = 1
	}
	return &Sink{logger: logger, lines: make([]Line, capacity)}
}

// Write logs raw at time now, overwriting the oldest retained line when full.
func (s *Sink) Write(now uint64, raw []byte) {
	field := zap.ByteString("event", raw)
	if json.Valid(raw) {
		field = zap.Any("event", json.RawMessage(raw))
	}
	s.logger.Info("event", field)

	cp := make([]byte, len(raw))
	copy(cp, raw)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.lines[s.head] = Line{AtMs: now, JSON: cp}
	s.head = (s.head + 1) % len(s.lines)
	if s.count < len(s.lines) {
		s.count++
	}
	s.written++
}

// Recent returns up to n lines, newest first.
func (s *Sink) Recent(n int) []Line {
	s.mu.Lock()
	defer s.mu.Unlock()
	n = min(max(n, 0), s.count)
	out := make([]Line, 0, n)
	for i := 0; i < n; i++ {
		idx := (s.head + len(s.lines) - 1 - i) % len(s.lines)
		out = append(out, s.lines[idx])
	}
	return out
}

// Export writes every retained line, oldest first, one event JSON per line.
func (s *Sink) Export(w io.Writer) (int, error) {
	s.mu.Lock()
	lines := make([]Line, 0, s.count)
	start := (s.head + len(s.lines) - s.count) % len(s.lines)
	for i := 0; i < s.count; i++ {
		lines = append(lines, s.lines[(start+i)%len(s.lines)])
	}
	s.mu.Unlock()

	bw := bufio.NewWriter(w)
	for _, l := range lines {
		bw.Write(l.JSON)
		bw.WriteByte('\n')
	}
	return len(lines), bw.Flush()
}

// Clear drops every retained line and returns how many there were. The
// written counter is not reset.
func (s *Sink) Clear() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.count
	clear(s.lines)
	s.head, s.count = 0, 0
	return n
}

// Written counts lines ever written.
func (s *Sink) Written() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.written
}

// Capacity is the retained-line limit.
func (s *Sink) Capacity() int { return len(s.lines) }
