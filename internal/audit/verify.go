package audit

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
)

// maxLineBytes bounds one JSONL entry.
const maxLineBytes = 4 * 1024 * 1024

// VerifyResult holds the outcome of a hash chain verification.
type VerifyResult struct {
	Valid     bool           `json:"valid"`
	Lines     int            `json:"lines"`
	Kinds     map[string]int `json:"kinds,omitempty"`
	Head      string         `json:"head,omitempty"`
	Error     string         `json:"error,omitempty"`
	ErrorLine int            `json:"error_line,omitempty"`
}

// chainError is a broken link at a given line.
type chainError struct {
	line int
	msg  string
}

func (e *chainError) Error() string { return e.msg }

// Verify reads a JSONL audit log and validates the hash chain and entry
// kinds. Head is the hash a next entry would carry as prev_hash.
func Verify(path string) VerifyResult {
	res := VerifyResult{Kinds: map[string]int{}}
	want := GenesisHash

	err := eachLine(path, func(n int, line []byte) error {
		var entry AuditEntry
		if err := json.Unmarshal(line, &entry); err != nil {
			return &chainError{n, fmt.Sprintf("parse error: %v", err)}
		}
		if entry.PrevHash != want {
			if n == 1 {
				return &chainError{n, fmt.Sprintf("first entry prev_hash is %q, expected genesis hash", entry.PrevHash)}
			}
			return &chainError{n, fmt.Sprintf("hash mismatch: expected %s, got %s", want, entry.PrevHash)}
		}
		switch entry.Kind {
		case KindDecision, KindResolution, KindOutcome:
		default:
			return &chainError{n, fmt.Sprintf("unknown entry kind %q", entry.Kind)}
		}
		res.Kinds[entry.Kind]++
		res.Lines = n
		want = HashLine(line)
		return nil
	})

	var ce *chainError
	switch {
	case errors.As(err, &ce):
		return VerifyResult{Error: ce.msg, ErrorLine: ce.line}
	case err != nil:
		return VerifyResult{Error: err.Error()}
	}
	res.Valid = true
	res.Head = want
	return res
}

// eachLine calls fn with every line of the file, numbered from 1, and
// stops at the first error. The line slice is only valid during the call.
func eachLine(path string, fn func(n int, line []byte) error) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	n := 0
	for scanner.Scan() {
		n++
		if err := fn(n, scanner.Bytes()); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("scan: %w", err)
	}
	return nil
}
