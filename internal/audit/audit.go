// Package audit maintains the append-only JSONL logs: the message
// audit trail plus the queue-replay and discovery journals. The audit
// log is the authoritative record of what happened on this node.
package audit

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
	"unicode/utf8"
)

// Entry is one audit record. Body is trimmed before logging so the
// audit file stays readable.
type Entry struct {
	TS             string          `json:"ts"`
	From           string          `json:"from"`
	To             string          `json:"to"`
	Type           string          `json:"type"`
	ID             string          `json:"id"`
	Subject        string          `json:"subject"`
	Body           string          `json:"body,omitempty"`
	Status         string          `json:"status"`
	CorrelationID  string          `json:"correlationId,omitempty"`
	ConversationID string          `json:"conversationId,omitempty"`
	ReplyContext   json.RawMessage `json:"replyContext,omitempty"`
	Signed         bool            `json:"signed"`
	Session        string          `json:"session,omitempty"`
}

// maxBodyLen bounds the body excerpt kept in each audit entry.
const maxBodyLen = 500

// Log appends JSONL entries to the mesh audit file.
type Log struct {
	mu   sync.Mutex
	path string
}

// Open prepares the audit log at dir/mesh-audit.jsonl.
func Open(dir string) (*Log, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	return &Log{path: filepath.Join(dir, "mesh-audit.jsonl")}, nil
}

// Append writes one entry. Timestamps default to now; bodies are
// trimmed to a bounded excerpt.
func (l *Log) Append(e Entry) error {
	if e.TS == "" {
		e.TS = time.Now().UTC().Format("2006-01-02T15:04:05.000Z")
	}
	if len(e.Body) > maxBodyLen {
		cut := maxBodyLen
		for cut > 0 && !utf8.RuneStart(e.Body[cut]) {
			cut--
		}
		e.Body = e.Body[:cut]
	}
	return l.append(e)
}

func (l *Log) append(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal audit entry: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("append audit entry: %w", err)
	}
	return nil
}

// Tail returns up to limit most recent entries, oldest first.
// Malformed lines are skipped.
func (l *Log) Tail(limit int) ([]Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.Open(l.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	defer f.Close()

	var entries []Entry
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		var e Entry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			continue
		}
		entries = append(entries, e)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read audit log: %w", err)
	}
	if limit > 0 && len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}
	return entries, nil
}

// Journal is a generic append-only JSONL file, used for the
// queue-replay and discovery journals.
type Journal struct {
	mu   sync.Mutex
	path string
}

// OpenJournal prepares a journal at dir/name.
func OpenJournal(dir, name string) (*Journal, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	return &Journal{path: filepath.Join(dir, name)}, nil
}

// Append writes one JSON record as a line.
func (j *Journal) Append(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal journal entry: %w", err)
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	f, err := os.OpenFile(j.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("append journal entry: %w", err)
	}
	return nil
}
