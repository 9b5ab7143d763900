package log

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const defaultMaxSizeMB = 100

// rotatingFile is an io.Writer over a single named file that rolls over to
// a timestamped sibling once Rotate is enabled and the file exceeds
// MaxSize megabytes. Mirrors the teacher's LoggerFileConfig knobs
// (FileName, Rotate, MaxSize) without pulling in a rotation library.
type rotatingFile struct {
	mu      sync.Mutex
	cfg     LoggerFileConfig
	file    *os.File
	written int64
}

func newRotatingFile(cfg LoggerFileConfig) (*rotatingFile, error) {
	if cfg.FileName == "" {
		cfg.FileName = "log.txt"
	}
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = defaultMaxSizeMB
	}
	rf := &rotatingFile{cfg: cfg}
	if err := rf.open(); err != nil {
		return nil, err
	}
	return rf, nil
}

func (rf *rotatingFile) open() error {
	if dir := filepath.Dir(rf.cfg.FileName); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(rf.cfg.FileName, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return err
	}
	rf.file = f
	rf.written = info.Size()
	return nil
}

func (rf *rotatingFile) Write(p []byte) (int, error) {
	rf.mu.Lock()
	defer rf.mu.Unlock()

	maxBytes := int64(rf.cfg.MaxSize) * 1024 * 1024
	if rf.cfg.Rotate && rf.written+int64(len(p)) > maxBytes {
		if err := rf.rotateLocked(); err != nil {
			return 0, err
		}
	}
	n, err := rf.file.Write(p)
	rf.written += int64(n)
	return n, err
}

func (rf *rotatingFile) rotateLocked() error {
	if err := rf.file.Close(); err != nil {
		return err
	}
	rolled := fmt.Sprintf("%s.%s", rf.cfg.FileName, time.Now().UTC().Format("20060102T150405Z"))
	if err := os.Rename(rf.cfg.FileName, rolled); err != nil {
		return err
	}
	return rf.open()
}

// Close closes the underlying file.
func (rf *rotatingFile) Close() error {
	rf.mu.Lock()
	defer rf.mu.Unlock()
	return rf.file.Close()
}
