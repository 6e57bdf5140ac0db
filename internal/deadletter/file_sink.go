package deadletter

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"async-dispatch/internal/domain"
)

// FileSinkRecord is one line of the JSONL dead letter file.
type FileSinkRecord struct {
	domain.DeadLetter
	WrittenAt time.Time `json:"written_at"`
}

// FileSink appends dead letters to a JSONL file.
type FileSink struct {
	mu   sync.Mutex
	path string
}

func NewFileSink(path string) (*FileSink, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create dead letter directory: %w", err)
	}
	return &FileSink{path: path}, nil
}

func (f *FileSink) Send(_ context.Context, dl domain.DeadLetter) error {
	data, err := json.Marshal(FileSinkRecord{DeadLetter: dl, WrittenAt: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("marshal dead letter record: %w", err)
	}
	data = append(data, '\n')

	f.mu.Lock()
	defer f.mu.Unlock()

	file, err := os.OpenFile(f.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o640)
	if err != nil {
		return fmt.Errorf("open dead letter file: %w", err)
	}
	defer file.Close()

	if _, err := file.Write(data); err != nil {
		return fmt.Errorf("write dead letter record: %w", err)
	}
	return nil
}
