package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"argus/pkg/models"
)

// FileDestination appends events as JSON lines, flushed per write.
type FileDestination struct {
	name string
	path string

	mu     sync.Mutex
	file   *os.File
	writer *bufio.Writer
}

func NewFileDestination(name, path string) (*FileDestination, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	return &FileDestination{
		name:   name,
		path:   path,
		file:   file,
		writer: bufio.NewWriter(file),
	}, nil
}

func (d *FileDestination) Name() string { return d.name }

func (d *FileDestination) Store(ctx context.Context, event *models.Event) (int, error) {
	body, err := json.Marshal(event)
	if err != nil {
		return 0, fmt.Errorf("marshal event %s: %w", event.EventID, err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	n, err := d.writer.Write(append(body, '\n'))
	if err != nil {
		return 0, fmt.Errorf("write %s: %w", d.path, err)
	}
	if err := d.writer.Flush(); err != nil {
		return 0, fmt.Errorf("flush %s: %w", d.path, err)
	}
	return n, nil
}

func (d *FileDestination) Ping(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.file.Stat()
	return err
}

func (d *FileDestination) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.writer.Flush(); err != nil {
		return err
	}
	return d.file.Close()
}
