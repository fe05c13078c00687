package view

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/telhawk-systems/dettest/internal/pool"
)

// File keeps a JSON status document on disk, replaced atomically on every
// update so readers never see a partial file.
type File struct {
	path string
}

// NewFile writes to path, creating parent directories on first write.
func NewFile(path string) *File {
	return &File{path: path}
}

func (f *File) Update(_ context.Context, s pool.Snapshot) error {
	return f.write(NewStatus(s))
}

func (f *File) Close(_ context.Context, s pool.Snapshot) error {
	return f.write(NewStatus(s))
}

func (f *File) write(st Status) error {
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal status: %w", err)
	}
	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create status directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".status-*.json")
	if err != nil {
		return fmt.Errorf("create status file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write status file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("write status file: %w", err)
	}
	if err := os.Rename(tmp.Name(), f.path); err != nil {
		return fmt.Errorf("replace status file: %w", err)
	}
	return nil
}
