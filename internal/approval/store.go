package approval

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ppiankov/dataguard/internal/model"
)

var (
	// ErrNotFound is returned when no approval exists for a decision id.
	ErrNotFound = errors.New("approval not found")
	// ErrAlreadyResolved is returned on a second resolution of the same approval.
	ErrAlreadyResolved = errors.New("approval already resolved")
	// ErrExists is returned when Open is called twice for one decision id.
	ErrExists = errors.New("approval already exists")
)

// ExpiredReviewer is recorded as the reviewer of approvals closed by Expire.
const ExpiredReviewer = "system:expired"

// validKey matches alphanumeric, dash, underscore, and dot characters only.
var validKey = regexp.MustCompile(`^[a-zA-Z0-9._-]+$`)

// validateKey rejects keys that could cause path traversal.
func validateKey(key string) error {
	if key == "" {
		return fmt.Errorf("key must not be empty")
	}
	if strings.Contains(key, "..") {
		return fmt.Errorf("key must not contain '..'")
	}
	if !validKey.MatchString(key) {
		return fmt.Errorf("key contains invalid characters: only alphanumeric, dash, underscore, and dot are allowed")
	}
	return nil
}

// Status represents the state of an approval request.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
)

// Approval is a pending or resolved human review of one decision.
// Transitions are pending -> approved and pending -> rejected; both are terminal.
type Approval struct {
	DecisionID string         `json:"decision_id"`
	Status     Status         `json:"status"`
	Decision   model.Decision `json:"decision"`
	TenantID   string         `json:"tenant_id,omitempty"`
	AgentID    string         `json:"agent_id,omitempty"`
	ToolName   string         `json:"tool_name,omitempty"`
	Reviewer   string         `json:"reviewer,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	ResolvedAt *time.Time     `json:"resolved_at,omitempty"`
}

type entry struct {
	mu sync.Mutex
	a  Approval
}

// Table holds approvals keyed by decision id. Each entry has its own lock;
// the table lock only guards the map, so unrelated approvals never contend.
// With a directory configured, every state change is written to
// <dir>/<decision_id>.json before it takes effect.
type Table struct {
	mu      sync.RWMutex
	entries map[string]*entry
	dir     string
	pending atomic.Int64
}

// NewTable returns an in-memory table.
func NewTable() *Table {
	return &Table{entries: make(map[string]*entry)}
}

// NewStore returns a table persisted to dir, restoring any approvals
// already written there.
func NewStore(dir string) (*Table, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("cannot create approval directory: %w", err)
	}
	t := &Table{entries: make(map[string]*entry), dir: dir}
	if err := t.load(); err != nil {
		return nil, err
	}
	return t, nil
}

// DefaultDir returns the default approval store directory.
func DefaultDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "dataguard-pending")
	}
	return filepath.Join(home, ".dataguard", "pending")
}

// Open registers a pending approval for d.
func (t *Table) Open(d model.Decision, cc model.CallContext, toolName string, now time.Time) (Approval, error) {
	if err := validateKey(d.DecisionID); err != nil {
		return Approval{}, fmt.Errorf("invalid decision id: %w", err)
	}
	a := Approval{
		DecisionID: d.DecisionID,
		Status:     StatusPending,
		Decision:   d,
		TenantID:   cc.TenantID,
		AgentID:    cc.AgentID,
		ToolName:   toolName,
		CreatedAt:  now.UTC(),
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.entries[d.DecisionID]; exists {
		return Approval{}, fmt.Errorf("%w: %s", ErrExists, d.DecisionID)
	}
	if err := t.persist(a); err != nil {
		return Approval{}, err
	}
	t.entries[d.DecisionID] = &entry{a: a}
	t.pending.Add(1)
	return a, nil
}

// Resolve moves a pending approval to approved or rejected. Exactly one of
// any number of concurrent calls for the same id succeeds; the others get
// ErrAlreadyResolved.
func (t *Table) Resolve(id string, approved bool, reviewer string, now time.Time) (Approval, error) {
	e, ok := t.lookup(id)
	if !ok {
		return Approval{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.a.Status != StatusPending {
		return e.a, fmt.Errorf("%w: %s is %s", ErrAlreadyResolved, id, e.a.Status)
	}

	next := e.a
	next.Status = StatusRejected
	if approved {
		next.Status = StatusApproved
	}
	next.Reviewer = reviewer
	resolved := now.UTC()
	next.ResolvedAt = &resolved

	if err := t.persist(next); err != nil {
		return Approval{}, err
	}
	e.a = next
	t.pending.Add(-1)
	return next, nil
}

// Get returns the approval for id.
func (t *Table) Get(id string) (Approval, error) {
	e, ok := t.lookup(id)
	if !ok {
		return Approval{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.a, nil
}

// Pending returns every pending approval, oldest first.
func (t *Table) Pending() []Approval {
	return t.filter(func(a Approval) bool { return a.Status == StatusPending })
}

// List returns every approval, oldest first.
func (t *Table) List() []Approval {
	return t.filter(func(Approval) bool { return true })
}

// PendingCount returns the number of pending approvals without listing them.
func (t *Table) PendingCount() int {
	return int(t.pending.Load())
}

// Len returns the number of approvals held, resolved ones included.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}

// Expire rejects pending approvals created more than ttl before now,
// recording ExpiredReviewer. It returns the approvals it closed.
func (t *Table) Expire(ttl time.Duration, now time.Time) []Approval {
	cutoff := now.Add(-ttl)
	var closed []Approval
	for _, a := range t.Pending() {
		if !a.CreatedAt.Before(cutoff) {
			continue
		}
		resolved, err := t.Resolve(a.DecisionID, false, ExpiredReviewer, now)
		if err != nil {
			// Resolved concurrently by a reviewer, or the write failed.
			continue
		}
		closed = append(closed, resolved)
	}
	return closed
}

// Prune drops resolved approvals whose resolution is older than age,
// removing their files too. Pending approvals are never pruned.
func (t *Table) Prune(age time.Duration, now time.Time) int {
	cutoff := now.Add(-age)

	t.mu.Lock()
	defer t.mu.Unlock()
	removed := 0
	for id, e := range t.entries {
		e.mu.Lock()
		stale := e.a.Status != StatusPending && e.a.ResolvedAt != nil && e.a.ResolvedAt.Before(cutoff)
		e.mu.Unlock()
		if !stale {
			continue
		}
		if t.dir != "" {
			if err := os.Remove(t.path(id)); err != nil && !os.IsNotExist(err) {
				continue
			}
		}
		delete(t.entries, id)
		removed++
	}
	return removed
}

func (t *Table) lookup(id string) (*entry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.entries[id]
	return e, ok
}

func (t *Table) filter(keep func(Approval) bool) []Approval {
	t.mu.RLock()
	entries := make([]*entry, 0, len(t.entries))
	for _, e := range t.entries {
		entries = append(entries, e)
	}
	t.mu.RUnlock()

	var out []Approval
	for _, e := range entries {
		e.mu.Lock()
		a := e.a
		e.mu.Unlock()
		if keep(a) {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].DecisionID < out[j].DecisionID
	})
	return out
}

func (t *Table) load() error {
	entries, err := os.ReadDir(t.dir)
	if err != nil {
		return fmt.Errorf("read approval directory: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		a, err := t.read(strings.TrimSuffix(e.Name(), ".json"))
		if err != nil {
			continue
		}
		t.entries[a.DecisionID] = &entry{a: *a}
		if a.Status == StatusPending {
			t.pending.Add(1)
		}
	}
	return nil
}

func (t *Table) path(key string) string {
	return filepath.Join(t.dir, key+".json")
}

func (t *Table) read(key string) (*Approval, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(t.path(key))
	if err != nil {
		return nil, err
	}

	var a Approval
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, err
	}
	if a.DecisionID != key {
		return nil, fmt.Errorf("approval file %s holds %q", key, a.DecisionID)
	}
	return &a, nil
}

func (t *Table) persist(a Approval) error {
	if t.dir == "" {
		return nil
	}
	if err := t.writeAtomic(t.path(a.DecisionID), a); err != nil {
		return fmt.Errorf("persist approval %s: %w", a.DecisionID, err)
	}
	return nil
}

func (t *Table) writeAtomic(path string, a Approval) error {
	data, err := json.MarshalIndent(a, "", "  ")
	if err != nil {
		return err
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return err
	}

	return os.Rename(tmp, path)
}
