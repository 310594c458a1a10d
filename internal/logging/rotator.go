package logging

import (
	"fmt"
	"io"
	"os"
	"sync"
)

// Rotator is an io.Writer that rotates the log file by size, keeping a
// bounded number of numbered backups.
type Rotator struct {
	filename   string
	maxSize    int64
	maxBackups int

	mu   sync.Mutex
	file *os.File
	size int64
}

// NewRotator opens filename for appending, rotating once the file would
// exceed maxSizeMB megabytes.
func NewRotator(filename string, maxSizeMB int64, maxBackups int) (*Rotator, error) {
	if maxSizeMB <= 0 {
		maxSizeMB = 10
	}
	if maxBackups < 0 {
		maxBackups = 0
	}
	r := &Rotator{
		filename:   filename,
		maxSize:    maxSizeMB * 1024 * 1024,
		maxBackups: maxBackups,
	}
	if err := r.open(); err != nil {
		return nil, err
	}
	return r, nil
}

// MultiOutput returns a writer that duplicates log lines to stdout and, if a
// log file is configured, to a size-rotated file. An unopenable file degrades
// to stdout only.
func MultiOutput(filename string, maxSizeMB int64, maxBackups int) io.Writer {
	if filename == "" {
		return os.Stdout
	}
	r, err := NewRotator(filename, maxSizeMB, maxBackups)
	if err != nil {
		fmt.Fprintf(os.Stderr, "log file unavailable, stdout only: %v\n", err)
		return os.Stdout
	}
	return io.MultiWriter(os.Stdout, r)
}

func (r *Rotator) open() error {
	f, err := os.OpenFile(r.filename, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return err
	}
	r.file = f
	r.size = info.Size()
	return nil
}

func (r *Rotator) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.size+int64(len(p)) > r.maxSize {
		if err := r.rotate(); err != nil {
			fmt.Fprintf(os.Stderr, "log rotation failed: %v\n", err)
		}
	}
	n, err := r.file.Write(p)
	r.size += int64(n)
	return n, err
}

// Close releases the underlying file.
func (r *Rotator) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file == nil {
		return nil
	}
	err := r.file.Close()
	r.file = nil
	return err
}

func (r *Rotator) rotate() error {
	if r.file != nil {
		r.file.Close()
	}
	for i := r.maxBackups - 1; i >= 1; i-- {
		old := fmt.Sprintf("%s.%d", r.filename, i)
		if _, err := os.Stat(old); os.IsNotExist(err) {
			continue
		}
		os.Rename(old, fmt.Sprintf("%s.%d", r.filename, i+1))
	}
	if r.maxBackups > 0 {
		os.Rename(r.filename, r.filename+".1")
	} else {
		os.Remove(r.filename)
	}
	return r.open()
}
