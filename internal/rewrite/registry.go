// Package rewrite holds the table of named, pure transforms that turn an
// unsafe tool call into a safer equivalent.
package rewrite

import (
	"errors"
	"fmt"
	"sync"

	"github.com/ppiankov/dataguard/internal/model"
	"github.com/ppiankov/dataguard/internal/redact"
)

var (
	ErrUnknownRule   = errors.New("unknown rewrite rule")
	ErrDuplicateRule = errors.New("rewrite rule already registered")
	ErrFrozen        = errors.New("rewrite registry is frozen")
)

// Rule is a named transform. AppliesTo and Transform must be pure: no I/O,
// same input gives the same output. Transform receives a private copy of
// the arguments and returns the new tool name, arguments and a
// human-readable description of what changed.
type Rule struct {
	ID          string
	Description string
	AppliesTo   func(toolName string, args map[string]any) bool
	Transform   func(toolName string, args map[string]any) (string, map[string]any, string)
}

// TransformError reports a transform that failed or panicked on input its
// AppliesTo accepted. It is an engine fault, not a business verdict.
type TransformError struct {
	RuleID string
	Err    error
}

func (e *TransformError) Error() string {
	return fmt.Sprintf("rewrite %q failed: %v", e.RuleID, e.Err)
}

func (e *TransformError) Unwrap() error { return e.Err }

// Registry is an ordered table of rewrite rules. It is mutated during
// startup and read-only after Freeze.
type Registry struct {
	mu     sync.RWMutex
	rules  []Rule
	index  map[string]int
	frozen bool
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{index: make(map[string]int)}
}

// NewDefaultRegistry returns a registry holding the built-in transforms.
func NewDefaultRegistry() *Registry {
	r := NewRegistry()
	for _, rule := range Builtins() {
		if err := r.Register(rule); err != nil {
			panic(err)
		}
	}
	return r
}

// Register appends a rule. Registration order is the order FindApplicable
// consults.
func (r *Registry) Register(rule Rule) error {
	if rule.ID == "" {
		return errors.New("rewrite rule id is required")
	}
	if rule.AppliesTo == nil || rule.Transform == nil {
		return fmt.Errorf("rewrite rule %q: applies_to and transform are required", rule.ID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		return fmt.Errorf("register %q: %w", rule.ID, ErrFrozen)
	}
	if _, exists := r.index[rule.ID]; exists {
		return fmt.Errorf("register %q: %w", rule.ID, ErrDuplicateRule)
	}
	r.index[rule.ID] = len(r.rules)
	r.rules = append(r.rules, rule)
	return nil
}

// Freeze makes the registry read-only.
func (r *Registry) Freeze() {
	r.mu.Lock()
	r.frozen = true
	r.mu.Unlock()
}

// Frozen reports whether Freeze was called.
func (r *Registry) Frozen() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.frozen
}

// Has reports whether id is registered.
func (r *Registry) Has(id string) bool {
	_, ok := r.Lookup(id)
	return ok
}

// Lookup returns the rule registered under id.
func (r *Registry) Lookup(id string) (Rule, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	i, ok := r.index[id]
	if !ok {
		return Rule{}, false
	}
	return r.rules[i], true
}

// Rules returns the registered rules in registration order.
func (r *Registry) Rules() []Rule {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Rule, len(r.rules))
	copy(out, r.rules)
	return out
}

// IDs returns the registered rule ids in registration order.
func (r *Registry) IDs() []string {
	rules := r.Rules()
	ids := make([]string, len(rules))
	for i, rule := range rules {
		ids[i] = rule.ID
	}
	return ids
}

// FindApplicable returns the first rule, in registration order, whose
// AppliesTo accepts the call. A predicate that panics counts as not applicable.
func (r *Registry) FindApplicable(toolName string, args map[string]any) (Rule, bool) {
	for _, rule := range r.Rules() {
		if applies(rule, toolName, args) {
			return rule, true
		}
	}
	return Rule{}, false
}

func applies(rule Rule, toolName string, args map[string]any) (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	return rule.AppliesTo(toolName, redact.CopyArgs(args))
}

// Apply runs rule's transform on a copy of args. The original arguments are
// never modified. A transform that panics or returns an empty tool name
// yields a *TransformError and no rewritten call.
func (r *Registry) Apply(rule Rule, toolName string, args map[string]any) (call *model.RewrittenCall, err error) {
	defer func() {
		if p := recover(); p != nil {
			call = nil
			err = &TransformError{RuleID: rule.ID, Err: fmt.Errorf("panic: %v", p)}
		}
	}()

	if rule.Transform == nil {
		return nil, &TransformError{RuleID: rule.ID, Err: errors.New("no transform")}
	}

	newName, newArgs, desc := rule.Transform(toolName, redact.CopyArgs(args))
	if newName == "" {
		return nil, &TransformError{RuleID: rule.ID, Err: errors.New("transform returned an empty tool name")}
	}
	if newArgs == nil {
		newArgs = map[string]any{}
	}
	if desc == "" {
		desc = rule.Description
	}

	return &model.RewrittenCall{
		OriginalToolName:  toolName,
		OriginalToolArgs:  redact.CopyArgs(args),
		RewrittenToolName: newName,
		RewrittenToolArgs: newArgs,
		RewriteRuleID:     rule.ID,
		Description:       desc,
	}, nil
}

// ApplyID looks up id and applies it.
func (r *Registry) ApplyID(id, toolName string, args map[string]any) (*model.RewrittenCall, error) {
	rule, ok := r.Lookup(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownRule, id)
	}
	return r.Apply(rule, toolName, args)
}
