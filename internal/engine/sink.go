package engine

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// fileSink appends redacted step output to a deployment's own log file, the
// spec's primary log surface (polled by GET /deployments/:id/log). With a
// nil file, writes reach only the mirror logger; newFileSink always opens
// (and if needed creates) the log file, for dry-run deployments too.
type fileSink struct {
	mu     sync.Mutex
	file   *os.File
	mirror *log.Logger
}

func newFileSink(path string, mirror *log.Logger) (*fileSink, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open deployment log: %w", err)
	}
	return &fileSink{file: f, mirror: mirror}, nil
}

func (s *fileSink) Write(line string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	timestamped := fmt.Sprintf("%s %s\n", time.Now().UTC().Format(time.RFC3339), line)
	if s.file != nil {
		_, _ = s.file.WriteString(timestamped)
	}
	if s.mirror != nil {
		s.mirror.Print(line)
	}
}

func (s *fileSink) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file != nil {
		_ = s.file.Close()
	}
}
