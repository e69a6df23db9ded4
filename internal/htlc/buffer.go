package htlc

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

// Buffer is the durable NDJSON store of correlated records. Append and
// Prune serialize on a mutex, so a prune can never drop a record that
// Append has already acknowledged. Pruning rewrites through a temp file
// and replaces atomically, so readers never observe a partial file.
type Buffer struct {
	mu   sync.Mutex
	path string
}

func NewBuffer(path string) *Buffer {
	return &Buffer{path: path}
}

// Append writes one record and flushes it before returning.
func (b *Buffer) Append(rec Record) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	f, err := os.OpenFile(b.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("htlc buffer: open: %w", err)
	}
	defer f.Close()

	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("htlc buffer: encode: %w", err)
	}
	line = append(line, '\n')
	if _, err := f.Write(line); err != nil {
		return fmt.Errorf("htlc buffer: write: %w", err)
	}
	return f.Sync()
}

// LoadRecent returns all records within the trailing window, skipping
// malformed lines.
func (b *Buffer) LoadRecent(now time.Time, window time.Duration) ([]Record, error) {
	f, err := os.Open(b.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("htlc buffer: open: %w", err)
	}
	defer f.Close()

	cutoff := now.Unix() - int64(window/time.Second)
	var records []Record

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		var rec Record
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			continue
		}
		if rec.Ts >= cutoff {
			records = append(records, rec)
		}
	}
	if err := scanner.Err(); err != nil {
		return records, fmt.Errorf("htlc buffer: scan: %w", err)
	}
	return records, nil
}

// Prune drops records older than the window. Returns how many were kept.
// The lock is held across the read-rewrite-rename sequence so concurrent
// appends wait instead of landing between the final read and the rename.
func (b *Buffer) Prune(now time.Time, window time.Duration) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	src, err := os.Open(b.path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, os.WriteFile(b.path, nil, 0o644)
		}
		return 0, fmt.Errorf("htlc buffer: open: %w", err)
	}
	defer src.Close()

	tmpPath := b.path + ".tmp"
	dst, err := os.Create(tmpPath)
	if err != nil {
		return 0, fmt.Errorf("htlc buffer: create temp: %w", err)
	}

	cutoff := now.Unix() - int64(window/time.Second)
	kept := 0
	writer := bufio.NewWriter(dst)
	scanner := bufio.NewScanner(src)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		var rec Record
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			continue
		}
		if rec.Ts < cutoff {
			continue
		}
		writer.Write(scanner.Bytes())
		writer.WriteByte('\n')
		kept++
	}
	if err := scanner.Err(); err != nil {
		dst.Close()
		os.Remove(tmpPath)
		return 0, fmt.Errorf("htlc buffer: scan: %w", err)
	}
	if err := writer.Flush(); err != nil {
		dst.Close()
		os.Remove(tmpPath)
		return 0, fmt.Errorf("htlc buffer: flush: %w", err)
	}
	if err := dst.Close(); err != nil {
		os.Remove(tmpPath)
		return 0, fmt.Errorf("htlc buffer: close temp: %w", err)
	}
	if err := os.Rename(tmpPath, b.path); err != nil {
		os.Remove(tmpPath)
		return 0, fmt.Errorf("htlc buffer: replace: %w", err)
	}
	return kept, nil
}
