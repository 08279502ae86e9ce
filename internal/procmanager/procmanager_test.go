package procmanager

import (
	"context"
	"testing"
)

type recordingSink struct {
	lines []string
}

func (s *recordingSink) Write(line string) {
	s.lines = append(s.lines, line)
}

func TestStartOrRestartSkipsWhenNoStartCommand(t *testing.T) {
	m := New("pm2")
	sink := &recordingSink{}
	err := m.StartOrRestart(context.Background(), "p1", "/tmp", "", nil, true, sink)
	if err != nil {
		t.Fatalf("expected no-op success, got %v", err)
	}
	if len(sink.lines) != 0 {
		t.Fatalf("expected no log lines for skipped start, got %v", sink.lines)
	}
}

func TestStartOrRestartDryRunLogsCommand(t *testing.T) {
	m := New("pm2")
	sink := &recordingSink{}
	err := m.StartOrRestart(context.Background(), "p1", "/srv/p1/current", "node server.js", []string{"PORT=4000"}, true, sink)
	if err != nil {
		t.Fatalf("StartOrRestart: %v", err)
	}
	if len(sink.lines) == 0 {
		t.Fatal("expected a dry-run log line")
	}
}

func TestRestartDryRun(t *testing.T) {
	m := New("pm2")
	sink := &recordingSink{}
	if err := m.Restart(context.Background(), "p1", true, sink); err != nil {
		t.Fatalf("Restart: %v", err)
	}
}
