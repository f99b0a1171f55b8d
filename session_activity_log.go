package main

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/klauspost/compress/gzip"
)

// ActivityRecord is one line in the session activity log: a session
// lifecycle event, a usable metric, or a delivered stimulus command.
type ActivityRecord struct {
	Timestamp time.Time  `json:"timestamp"`
	SessionID string     `json:"session_id"`
	Event     string     `json:"event"` // "session_start", "metric", "command", "session_end"
	Mode      string     `json:"mode,omitempty"`
	Metric    *EEGMetric `json:"metric,omitempty"`
	Command   string     `json:"command,omitempty"`
}

// SessionActivityLogger appends session events to gzip-compressed JSONL
// files, one file per day. Writes are asynchronous; a full queue drops
// records rather than stalling the session loop.
type SessionActivityLogger struct {
	enabled bool
	dataDir string

	records chan ActivityRecord
	stop    chan struct{}
	wg      sync.WaitGroup

	mu          sync.Mutex
	currentDate string
	file        *os.File
	gz          *gzip.Writer
}

// NewSessionActivityLogger creates a new session activity logger
func NewSessionActivityLogger(enabled bool, dataDir string) *SessionActivityLogger {
	if !enabled {
		return &SessionActivityLogger{enabled: false}
	}
	if dataDir == "" {
		dataDir = "data/session_activity"
	}
	logger := &SessionActivityLogger{
		enabled: true,
		dataDir: dataDir,
		records: make(chan ActivityRecord, 256),
		stop:    make(chan struct{}),
	}
	logger.wg.Add(1)
	go logger.writeLoop()
	return logger
}

// LogSessionStart records a session creation event
func (sal *SessionActivityLogger) LogSessionStart(sessionID, mode string) {
	sal.enqueue(ActivityRecord{
		Timestamp: time.Now(),
		SessionID: sessionID,
		Event:     "session_start",
		Mode:      mode,
	})
}

// LogMetric records one usable metric
func (sal *SessionActivityLogger) LogMetric(sessionID string, m EEGMetric) {
	sal.enqueue(ActivityRecord{
		Timestamp: time.Now(),
		SessionID: sessionID,
		Event:     "metric",
		Metric:    &m,
	})
}

// LogCommand records one delivered stimulus command
func (sal *SessionActivityLogger) LogCommand(sessionID string, cmd *StimulusCommand) {
	sal.enqueue(ActivityRecord{
		Timestamp: time.Now(),
		SessionID: sessionID,
		Event:     "command",
		Command:   cmd.Type.String(),
	})
}

// LogSessionEnd records a session teardown event
func (sal *SessionActivityLogger) LogSessionEnd(sessionID string) {
	sal.enqueue(ActivityRecord{
		Timestamp: time.Now(),
		SessionID: sessionID,
		Event:     "session_end",
	})
}

func (sal *SessionActivityLogger) enqueue(rec ActivityRecord) {
	if !sal.enabled {
		return
	}
	select {
	case sal.records <- rec:
	default:
		// Queue full; losing an activity line beats blocking a session
	}
}

func (sal *SessionActivityLogger) writeLoop() {
	defer sal.wg.Done()
	flush := time.NewTicker(5 * time.Second)
	defer flush.Stop()

	for {
		select {
		case rec := <-sal.records:
			if err := sal.write(rec); err != nil {
				log.Printf("Activity log: %v", err)
			}
		case <-flush.C:
			sal.mu.Lock()
			if sal.gz != nil {
				sal.gz.Flush()
			}
			sal.mu.Unlock()
		case <-sal.stop:
			// Drain whatever is queued before closing the file
			for {
				select {
				case rec := <-sal.records:
					sal.write(rec)
				default:
					sal.closeFile()
					return
				}
			}
		}
	}
}

func (sal *SessionActivityLogger) write(rec ActivityRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshaling record: %w", err)
	}

	sal.mu.Lock()
	defer sal.mu.Unlock()

	date := rec.Timestamp.UTC().Format("2006-01-02")
	if sal.gz == nil || date != sal.currentDate {
		if err := sal.rotateLocked(date); err != nil {
			return err
		}
	}
	if _, err := sal.gz.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("writing record: %w", err)
	}
	return nil
}

func (sal *SessionActivityLogger) rotateLocked(date string) error {
	if sal.gz != nil {
		sal.gz.Close()
		sal.file.Close()
	}
	if err := os.MkdirAll(sal.dataDir, 0o755); err != nil {
		return fmt.Errorf("creating activity log directory: %w", err)
	}
	path := filepath.Join(sal.dataDir, fmt.Sprintf("activity-%s.jsonl.gz", date))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("opening activity log: %w", err)
	}
	sal.file = f
	sal.gz = gzip.NewWriter(f)
	sal.currentDate = date
	return nil
}

func (sal *SessionActivityLogger) closeFile() {
	sal.mu.Lock()
	defer sal.mu.Unlock()
	if sal.gz != nil {
		sal.gz.Close()
		sal.file.Close()
		sal.gz = nil
		sal.file = nil
	}
}

// Stop flushes queued records and closes the current file
func (sal *SessionActivityLogger) Stop() {
	if !sal.enabled {
		return
	}
	close(sal.stop)
	sal.wg.Wait()
}
