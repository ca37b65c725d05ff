package events

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// JSONL writes one file per stream under Dir, one JSON object per line.
type JSONL struct {
	Dir string
	Now func() time.Time

	mu sync.Mutex
}

func NewJSONL(dir string) *JSONL {
	return &JSONL{Dir: dir, Now: time.Now}
}

// Path returns the log file for a stream.
func (j *JSONL) Path(stream string) string {
	return filepath.Join(j.Dir, stream+".log")
}

func (j *JSONL) Append(_ context.Context, rec Record) error {
	if rec.Stream == "" {
		return fmt.Errorf("event stream is required")
	}
	data, err := json.Marshal(flatten(rec, j.now))
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if err := os.MkdirAll(j.Dir, 0o755); err != nil {
		return fmt.Errorf("create log dir: %w", err)
	}
	f, err := os.OpenFile(j.Path(rec.Stream), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open event log: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

func (j *JSONL) now() time.Time {
	if j.Now == nil {
		return time.Now()
	}
	return j.Now()
}

// flatten merges the payload with event_type and timestamp. The two
// envelope keys win over payload keys of the same name.
func flatten(rec Record, now func() time.Time) map[string]any {
	ts := rec.Timestamp
	if ts.IsZero() {
		ts = now()
	}
	out := make(map[string]any, len(rec.Payload)+2)
	for k, v := range rec.Payload {
		out[k] = v
	}
	out["event_type"] = rec.Type
	out["timestamp"] = ts.UTC().Format(time.RFC3339Nano)
	return out
}

// ReadJSONL parses a stream file back into generic objects. A missing file
// yields no records.
func ReadJSONL(path string) ([]map[string]any, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open event log: %w", err)
	}
	defer f.Close()

	var out []map[string]any
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var obj map[string]any
		if err := json.Unmarshal(line, &obj); err != nil {
			return nil, fmt.Errorf("parse event line %d: %w", lineNo, err)
		}
		out = append(out, obj)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read event log: %w", err)
	}
	return out, nil
}
