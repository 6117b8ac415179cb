package logger

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

const backupTimeLayout = "20060102-150405"

// auditFile rotates the audit log by size. Rolled files keep a timestamp
// suffix next to the live file.
type auditFile struct {
	mu         sync.Mutex
	file       *os.File
	path       string
	maxSize    int64
	maxBackups int
	maxAge     time.Duration
	written    int64
}

func openAuditFile(path string, maxSizeMB, maxBackups, maxAgeDays int) (*auditFile, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("audit log path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create audit log directory: %w", err)
	}
	return &auditFile{
		path:       path,
		maxSize:    int64(maxSizeMB) * 1024 * 1024,
		maxBackups: maxBackups,
		maxAge:     time.Duration(maxAgeDays) * 24 * time.Hour,
	}, nil
}

func (a *auditFile) Write(p []byte) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.file == nil {
		if err := a.open(); err != nil {
			return 0, err
		}
	}
	if a.maxSize > 0 && a.written+int64(len(p)) > a.maxSize {
		if err := a.roll(); err != nil {
			return 0, err
		}
	}
	n, err := a.file.Write(p)
	a.written += int64(n)
	return n, err
}

func (a *auditFile) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.file == nil {
		return nil
	}
	err := a.file.Close()
	a.file = nil
	a.written = 0
	return err
}

func (a *auditFile) open() error {
	file, err := os.OpenFile(a.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return fmt.Errorf("stat audit log: %w", err)
	}
	a.file = file
	a.written = info.Size()
	return nil
}

func (a *auditFile) roll() error {
	if err := a.file.Close(); err != nil {
		return fmt.Errorf("close audit log: %w", err)
	}
	a.file = nil
	a.written = 0

	backup := fmt.Sprintf("%s.%s", a.path, time.Now().Format(backupTimeLayout))
	if err := os.Rename(a.path, backup); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("archive audit log: %w", err)
	}
	a.prune()
	return a.open()
}

// prune removes backups beyond the retention count or age. Newest first, so
// the count limit always keeps the most recent files.
func (a *auditFile) prune() {
	backups, err := filepath.Glob(a.path + ".*")
	if err != nil || len(backups) == 0 {
		return
	}
	sort.Sort(sort.Reverse(sort.StringSlice(backups)))

	cutoff := time.Now().Add(-a.maxAge)
	for i, backup := range backups {
		if a.maxBackups > 0 && i >= a.maxBackups {
			_ = os.Remove(backup)
			continue
		}
		if a.maxAge > 0 {
			if info, err := os.Stat(backup); err == nil && info.ModTime().Before(cutoff) {
				_ = os.Remove(backup)
			}
		}
	}
}
