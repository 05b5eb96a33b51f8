package filelog

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// logSuffix is the extension of every per-topic log file.
const logSuffix = ".jsonl"

// Record is one line of a topic log.
type Record struct {
	Topic     string    `json:"topic"`
	Key       string    `json:"key,omitempty"`
	Payload   []byte    `json:"payload"`
	Timestamp time.Time `json:"ts"`
}

// Store appends records to one JSONL file per topic inside dir.
// Messages are persisted as one JSON object per line in an append-only log.
type Store struct {
	dir string
	mu  sync.Mutex
}

// NewStore creates a Store rooted at dir. The directory is created lazily
// on first write.
func NewStore(dir string) *Store {
	return &Store{dir: dir}
}

// Dir returns the root directory.
func (s *Store) Dir() string {
	return s.dir
}

// Append persists rec to its topic log. A zero Timestamp is set to now.
func (s *Store) Append(rec Record) error {
	if rec.Topic == "" {
		return fmt.Errorf("filelog: record Topic field is required")
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("filelog: marshal record: %w", err)
	}
	data = append(data, '\n')

	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("filelog: create directory: %w", err)
	}
	return s.atomicAppend(s.pathFor(rec.Topic), data)
}

// atomicAppend appends data to a file under a mutex to serialize writes
// within the process. Across processes O_APPEND keeps each write whole
// for lines under PIPE_BUF; larger lines may interleave on some
// filesystems and are then skipped as malformed by readers.
func (s *Store) atomicAppend(path string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("filelog: open log for append: %w", err)
	}

	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return fmt.Errorf("filelog: append to log: %w", err)
	}

	return f.Close()
}

// pathFor maps a topic to its log file. Topics are escaped so document
// names containing path separators stay inside dir.
func (s *Store) pathFor(topic string) string {
	return filepath.Join(s.dir, url.PathEscape(topic)+logSuffix)
}

// Topics lists every topic with a log file, with each file's current size.
func (s *Store) Topics() (map[string]int64, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("filelog: list directory: %w", err)
	}

	topics := make(map[string]int64, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, logSuffix) {
			continue
		}
		topic, err := url.PathUnescape(strings.TrimSuffix(name, logSuffix))
		if err != nil {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		topics[topic] = info.Size()
	}
	return topics, nil
}

// ReadFrom returns the complete records in topic's log starting at byte
// offset, and the offset just past the last complete line. A trailing
// partial line is left for the next call. Malformed lines are skipped.
func (s *Store) ReadFrom(topic string, offset int64) ([]Record, int64, error) {
	f, err := os.Open(s.pathFor(topic))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, offset, nil
		}
		return nil, offset, fmt.Errorf("filelog: open log: %w", err)
	}
	defer func() { _ = f.Close() }()

	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return nil, offset, fmt.Errorf("filelog: seek log: %w", err)
	}

	var records []Record
	reader := bufio.NewReader(f)
	for {
		line, err := reader.ReadBytes('\n')
		if err == io.EOF {
			// Partial line (or nothing): wait for the writer to finish it.
			return records, offset, nil
		}
		if err != nil {
			return records, offset, fmt.Errorf("filelog: read log: %w", err)
		}
		offset += int64(len(line))

		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal(line, &rec); err != nil {
			// Skip malformed lines rather than failing entirely
			continue
		}
		records = append(records, rec)
	}
}
