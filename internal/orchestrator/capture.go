package orchestrator

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// CaptureLog appends unparseable model output to day-partitioned JSONL files
// so prompt regressions can be triaged offline. Safe for concurrent use.
type CaptureLog struct {
	dir string
	mu  sync.Mutex
}

// NewCaptureLog creates the capture directory if needed.
func NewCaptureLog(dir string) (*CaptureLog, error) {
	if dir == "" {
		dir = "failed_replies"
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("orchestrator: create capture dir: %w", err)
	}
	return &CaptureLog{dir: dir}, nil
}

// captureEntry is one JSONL line.
type captureEntry struct {
	Timestamp     time.Time `json:"timestamp"`
	CorrelationID string    `json:"correlation_id"`
	Task          string    `json:"task"`
	Raw           string    `json:"raw"`
}

// Capture appends one failed output to today's file.
func (c *CaptureLog) Capture(correlationID, task, raw string) error {
	line, err := json.Marshal(captureEntry{
		Timestamp:     time.Now().UTC(),
		CorrelationID: correlationID,
		Task:          task,
		Raw:           raw,
	})
	if err != nil {
		return fmt.Errorf("orchestrator: marshal capture entry: %w", err)
	}

	name := filepath.Join(c.dir, "failed_replies_"+time.Now().UTC().Format("20060102")+".jsonl")

	c.mu.Lock()
	defer c.mu.Unlock()
	f, err := os.OpenFile(name, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("orchestrator: open capture file: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("orchestrator: write capture entry: %w", err)
	}
	return nil
}
