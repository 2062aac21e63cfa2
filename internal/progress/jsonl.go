package progress

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
)

// JSONLSink appends every event as one JSON object per line to a file,
// giving a session a machine-readable execution log that other tooling can
// tail. Write errors disable the sink rather than disturb the publisher.
type JSONLSink struct {
	mu       sync.Mutex
	f        *os.File
	enc      *json.Encoder
	disabled bool
}

// NewJSONLSink creates (or truncates) path, creating parent directories as
// needed.
func NewJSONLSink(path string) (*JSONLSink, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	return &JSONLSink{f: f, enc: json.NewEncoder(f)}, nil
}

func (s *JSONLSink) Notify(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.disabled {
		return
	}
	if err := s.enc.Encode(ev); err != nil {
		s.disabled = true
	}
}

// Close flushes and closes the underlying file.
func (s *JSONLSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disabled = true
	return s.f.Close()
}
