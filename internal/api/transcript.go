package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/truaxki/astra-chat/internal/config"
)

// TranscriptEvent is one NDJSON line of a conversation transcript.
type TranscriptEvent struct {
	Timestamp time.Time `json:"timestamp"`
	UserID    string    `json:"user_id"`
	SessionID string    `json:"session_id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
}

var transcriptNamePattern = regexp.MustCompile(`[^A-Za-z0-9._:-]`)

// Transcript appends conversation events to per-user, per-session NDJSON
// files. Writes happen on a single background worker so the streaming path
// never blocks on disk; when the queue is full events are dropped.
type Transcript struct {
	cfg   config.TranscriptConfig
	log   *slog.Logger
	queue chan TranscriptEvent
	done  chan struct{}
	once  sync.Once
}

// NewTranscript creates the transcript logger and starts its worker.
func NewTranscript(cfg config.TranscriptConfig, log *slog.Logger) (*Transcript, error) {
	if log == nil {
		log = slog.Default()
	}
	t := &Transcript{cfg: cfg, log: log}
	if !cfg.Enabled {
		return t, nil
	}

	if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
		return nil, fmt.Errorf("create transcript directory: %w", err)
	}

	t.queue = make(chan TranscriptEvent, cfg.QueueSize)
	t.done = make(chan struct{})
	go t.worker()
	return t, nil
}

// Log enqueues an event. Never blocks; a full queue drops the event.
func (t *Transcript) Log(ev TranscriptEvent) {
	if t == nil || !t.cfg.Enabled {
		return
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	select {
	case t.queue <- ev:
	default:
		t.log.Warn("Transcript queue full, dropping event", "user_id", ev.UserID, "session_id", ev.SessionID)
	}
}

// Close drains the queue and stops the worker.
func (t *Transcript) Close() error {
	if t == nil || !t.cfg.Enabled {
		return nil
	}
	t.once.Do(func() {
		close(t.queue)
		<-t.done
	})
	return nil
}

func (t *Transcript) worker() {
	defer close(t.done)
	for ev := range t.queue {
		if err := t.append(ev); err != nil {
			t.log.Error("Failed to write transcript event", "error", err, "user_id", ev.UserID)
		}
	}
}

func (t *Transcript) append(ev TranscriptEvent) error {
	userDir := filepath.Join(t.cfg.Dir, sanitizeTranscriptName(ev.UserID))
	if err := os.MkdirAll(userDir, 0755); err != nil {
		return fmt.Errorf("create user transcript directory: %w", err)
	}

	path := filepath.Join(userDir, sanitizeTranscriptName(ev.SessionID)+".ndjson")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("open transcript file: %w", err)
	}
	defer func() {
		if closeErr := f.Close(); closeErr != nil {
			t.log.Debug("Failed to close transcript file", "error", closeErr)
		}
	}()

	line, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode transcript event: %w", err)
	}
	line = append(line, '\n')
	if _, err := f.Write(line); err != nil {
		return fmt.Errorf("append transcript line: %w", err)
	}
	return nil
}

// sanitizeTranscriptName keeps identifiers from escaping the transcript tree.
func sanitizeTranscriptName(name string) string {
	if name == "" {
		return "unknown"
	}
	return transcriptNamePattern.ReplaceAllString(name, "_")
}
