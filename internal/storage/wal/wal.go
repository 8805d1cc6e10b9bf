package wal

// ============================================================================
// WAL Core Implementation
// Responsibilities:
// 1. Append job store mutations to a log file (append-only, one JSON line each)
// 2. Replay them on startup to rebuild in-memory state
// 3. Truncate the log once a snapshot covers its content
// ============================================================================

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

// FileInterface defines the file operations WAL needs.
// This allows file operations to be faked in tests.
type FileInterface interface {
	Write(p []byte) (n int, err error)
	Sync() error
	Close() error
}

// WAL is a Write-Ahead Log instance
type WAL struct {
	mu           sync.Mutex
	file         FileInterface
	path         string
	seq          uint64
	syncOnAppend bool
	closed       bool
}

/*
NewWAL creates or opens a WAL.

Behavior:
- A missing file is created and seq starts at 0
- An existing file is scanned and seq continues after its last event
- A torn final record is cut off
- The file is opened with O_APPEND so writes never overwrite
*/
func NewWAL(path string, syncOnAppend bool) (*WAL, error) {
	if err := trimTornTail(path); err != nil {
		return nil, err
	}
	last, err := lastSeq(path)
	if err != nil {
		return nil, err
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("wal: failed to open %s: %w", path, err)
	}

	return &WAL{
		file:         file,
		path:         path,
		seq:          last,
		syncOnAppend: syncOnAppend,
	}, nil
}

// Append writes one event and returns its sequence number. document is
// stored compacted; it may be nil for DELETE.
func (w *WAL) Append(eventType EventType, jobID string, document []byte) (uint64, error) {
	var doc json.RawMessage
	if len(document) > 0 {
		var buf bytes.Buffer
		if err := json.Compact(&buf, document); err != nil {
			return 0, fmt.Errorf("wal: invalid document for job %s: %w", jobID, err)
		}
		doc = buf.Bytes()
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return 0, ErrWALClosed
	}

	event := Event{
		Seq:       w.seq + 1,
		Type:      eventType,
		JobID:     jobID,
		Document:  doc,
		Timestamp: time.Now().UnixMilli(),
	}
	event.Checksum = CalculateChecksum(event)

	var line bytes.Buffer
	enc := json.NewEncoder(&line)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(event); err != nil {
		return 0, fmt.Errorf("wal: append failed at seq=%d: %w", event.Seq, err)
	}
	if _, err := w.file.Write(line.Bytes()); err != nil {
		return 0, fmt.Errorf("wal: append failed at seq=%d: %w", event.Seq, err)
	}
	if w.syncOnAppend {
		if err := w.file.Sync(); err != nil {
			return 0, fmt.Errorf("wal: sync failed at seq=%d: %w", event.Seq, err)
		}
	}
	w.seq = event.Seq
	return event.Seq, nil
}

// Replay reads every event from the start of the file, verifies it and
// applies it with handler. A torn final line, left by a crash mid-append,
// ends the replay without error.
func (w *WAL) Replay(handler EventHandler) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrWALClosed
	}
	return readEvents(w.path, func(event Event) error {
		if err := VerifyChecksum(event); err != nil {
			return err
		}
		return handler(event)
	})
}

// Rotate truncates the log. Call it after a snapshot that covers every
// appended event. Sequence numbers keep increasing.
func (w *WAL) Rotate() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrWALClosed
	}

	if err := w.file.Close(); err != nil {
		return fmt.Errorf("wal: close before rotate failed: %w", err)
	}
	file, err := os.OpenFile(w.path, os.O_CREATE|os.O_TRUNC|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		w.closed = true
		return fmt.Errorf("wal: reopen after rotate failed: %w", err)
	}
	w.file = file
	return nil
}

// Close syncs and closes the file. A closed WAL cannot be reused.
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true

	if err := w.file.Sync(); err != nil {
		w.file.Close()
		return fmt.Errorf("wal: sync on close failed: %w", err)
	}
	return w.file.Close()
}

// GetLastSeq returns the sequence number of the last appended event.
func (w *WAL) GetLastSeq() uint64 {
	if w == nil {
		return 0
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	return w.seq
}

// Path returns the log file path.
func (w *WAL) Path() string { return w.path }
