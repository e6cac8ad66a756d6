package dlq

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
)

// entry is one line of the dead-letter file.
type entry struct {
	Topic   string            `json:"topic"`
	Key     string            `json:"key,omitempty"`
	Value   json.RawMessage   `json:"value"`
	Headers map[string]string `json:"headers"`
}

// FilePublisher appends entries to a JSON-lines file. Safe for concurrent use.
type FilePublisher struct {
	mu sync.Mutex
	f  *os.File
	w  *bufio.Writer
}

// NewFilePublisher opens path for appending, creating it when missing.
func NewFilePublisher(path string) (*FilePublisher, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open dead-letter file: %w", err)
	}
	return &FilePublisher{f: f, w: bufio.NewWriter(f)}, nil
}

func (p *FilePublisher) Publish(_ context.Context, topic string, key, value []byte, headers map[string]string) error {
	e := entry{Topic: topic, Key: string(key), Headers: headers}
	if json.Valid(value) {
		e.Value = value
	} else {
		quoted, err := json.Marshal(string(value))
		if err != nil {
			return err
		}
		e.Value = quoted
	}
	line, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode dead-letter entry: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if _, err := p.w.Write(append(line, '\n')); err != nil {
		return err
	}
	return p.w.Flush()
}

// Close flushes and closes the file.
func (p *FilePublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.w.Flush(); err != nil {
		_ = p.f.Close()
		return err
	}
	return p.f.Close()
}
