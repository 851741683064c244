package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ppiankov/dataguard/internal/canon"
	"github.com/ppiankov/dataguard/internal/model"
)

// GenesisHash is the prev_hash for the first entry in a new audit log.
const GenesisHash = "sha256:0000000000000000000000000000000000000000000000000000000000000000"

// Log is an append-only JSONL audit log. Every entry carries the hash of
// the line before it, so edits, deletions and insertions break the chain.
type Log struct {
	path string

	mu       sync.Mutex
	file     *os.File
	prevHash string
}

// Open opens or creates the log at path and resumes the chain from its
// last line.
func Open(path string) (*Log, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("audit: create directory: %w", err)
	}

	head, err := chainHead(path)
	if err != nil {
		return nil, err
	}

	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("audit: open file: %w", err)
	}
	return &Log{path: path, file: file, prevHash: head}, nil
}

// chainHead returns the hash of the last line of an existing log, or the
// genesis hash for a missing or empty file.
func chainHead(path string) (string, error) {
	if info, err := os.Stat(path); err != nil || info.Size() == 0 {
		return GenesisHash, nil
	}
	head := GenesisHash
	err := eachLine(path, func(_ int, line []byte) error {
		if len(line) > 0 {
			head = HashLine(line)
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("audit: read existing log: %w", err)
	}
	return head, nil
}

// Record chains and appends one entry, filling Timestamp when empty.
// The write is synced before Record returns.
func (l *Log) Record(entry AuditEntry) error {
	if entry.Timestamp == "" {
		entry.Timestamp = time.Now().UTC().Format(TimestampFormat)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	entry.PrevHash = l.prevHash
	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("audit: marshal entry: %w", err)
	}
	if _, err := l.file.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("audit: write entry: %w", err)
	}
	if err := l.file.Sync(); err != nil {
		return fmt.Errorf("audit: sync: %w", err)
	}
	l.prevHash = HashLine(line)
	return nil
}

// RecordDecision appends a decision or resolution entry.
func (l *Log) RecordDecision(_ context.Context, rec DecisionRecord) error {
	return l.Record(EntryFromDecision(rec))
}

// RecordOutcome appends an outcome entry.
func (l *Log) RecordOutcome(_ context.Context, o model.Outcome) error {
	return l.Record(EntryFromOutcome(o))
}

// Path returns the log file path.
func (l *Log) Path() string { return l.path }

// Close closes the underlying file.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file.Close()
}

// HashLine returns "sha256:<hex>" of the given bytes.
func HashLine(line []byte) string {
	h := sha256.Sum256(line)
	return "sha256:" + hex.EncodeToString(h[:])
}

func argsString(args map[string]any) string {
	if len(args) == 0 {
		return ""
	}
	return canon.String(args)
}
