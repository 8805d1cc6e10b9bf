package wal

// ============================================================================
// WAL Utilities
// ============================================================================

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
)

const maxLineSize = 16 << 20

// readEvents decodes path line by line and calls fn for each event. A line
// that fails to parse is tolerated only when it is the last one. A missing
// file has no events.
func readEvents(path string, fn func(Event) error) error {
	file, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("wal: failed to open %s: %w", path, err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	var (
		line    int
		pending *CorruptionError
	)
	for scanner.Scan() {
		line++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		if pending != nil {
			return pending
		}

		var event Event
		if err := json.Unmarshal(raw, &event); err != nil {
			pending = &CorruptionError{Line: line, Cause: err}
			continue
		}
		if err := fn(event); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("wal: failed to read %s: %w", path, err)
	}
	return nil
}

// lastSeq returns the sequence number of the last readable event in path.
func lastSeq(path string) (uint64, error) {
	var seq uint64
	err := readEvents(path, func(event Event) error {
		seq = event.Seq
		return nil
	})
	return seq, err
}

// CountEvents returns the number of readable events in path.
func CountEvents(path string) (int, error) {
	var n int
	err := readEvents(path, func(Event) error {
		n++
		return nil
	})
	return n, err
}

// trimTornTail drops the bytes after the last newline so the next append
// starts on a fresh line.
func trimTornTail(path string) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("wal: failed to read %s: %w", path, err)
	}
	if len(data) == 0 || data[len(data)-1] == '\n' {
		return nil
	}
	keep := bytes.LastIndexByte(data, '\n') + 1
	return os.Truncate(path, int64(keep))
}
