package locallog

import (
	"bytes"
	"fmt"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestSink_WriteLogsThroughZap(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	s := New(zap.New(core), 4)

	s.Write(10, []byte(`{"type":"node.boot"}`))
	s.Write(20, []byte(`not json`))

	if logs.Len() != 2 {
		t.Fatalf("logged %d entries, want 2", logs.Len())
	}
	if got := logs.All()[1].ContextMap()["event"]; got != "not json" {
		t.Errorf("raw field = %v", got)
	}
	if s.Written() != 2 {
		t.Errorf("Written() = %d, want 2", s.Written())
	}
}

func TestSink_RecentNewestFirst(t *testing.T) {
	s := New(zap.NewNop(), 3)
	for i := 0; i < 5; i++ {
		s.Write(uint64(i), []byte(fmt.Sprintf(`{"i":%d}`, i)))
	}

	got := s.Recent(10)
	if len(got) != 3 {
		t.Fatalf("Recent(10) len = %d, want 3", len(got))
	}
	for i, want := range []string{`{"i":4}`, `{"i":3}`, `{"i":2}`} {
		if string(got[i].JSON) != want {
			t.Errorf("Recent()[%d] = %s, want %s", i, got[i].JSON, want)
		}
	}
	if got[0].AtMs != 4 {
		t.Errorf("AtMs = %d, want 4", got[0].AtMs)
	}
	if len(s.Recent(-1)) != 0 {
		t.Error("Recent(-1) should be empty")
	}
}

func TestSink_CopiesInput(t *testing.T) {
	s := New(zap.NewNop(), 2)
	buf := []byte(`{"a":1}`)
	s.Write(0, buf)
	buf[2] = 'b'
	if string(s.Recent(1)[0].JSON) != `{"a":1}` {
		t.Error("sink retained caller's buffer")
	}
}

func TestSink_ExportOldestFirst(t *testing.T) {
	s := New(zap.NewNop(), 3)
	for i := 0; i < 4; i++ {
		s.Write(uint64(i), []byte(fmt.Sprintf(`{"i":%d}`, i)))
	}

	var buf bytes.Buffer
	n, err := s.Export(&buf)
	if err != nil {
		t.Fatalf("Export() error = %v", err)
	}
	if n != 3 {
		t.Errorf("Export() = %d lines, want 3", n)
	}
	want := "{\"i\":1}\n{\"i\":2}\n{\"i\":3}\n"
	if buf.String() != want {
		t.Errorf("Export() wrote %q, want %q", buf.String(), want)
	}
}

func TestSink_Clear(t *testing.T) {
	s := New(zap.NewNop(), 3)
	s.Write(1, []byte(`{"a":1}`))
	s.Write(2, []byte(`{"a":2}`))

	if n := s.Clear(); n != 2 {
		t.Errorf("Clear() = %d, want 2", n)
	}
	if len(s.Recent(10)) != 0 {
		t.Error("lines retained after Clear")
	}
	var buf bytes.Buffer
	if n, _ := s.Export(&buf); n != 0 || buf.Len() != 0 {
		t.Errorf("Export() after Clear wrote %d lines", n)
	}
	if s.Written() != 2 {
		t.Errorf("Written() = %d, want 2 after Clear", s.Written())
	}

	s.Write(3, []byte(`{"a":3}`))
	if got := s.Recent(10); len(got) != 1 || got[0].AtMs != 3 {
		t.Errorf("Recent() after Clear+Write = %+v", got)
	}
}
