// Package sqlstore persists audit records to SQLite so they can be queried
// by tenant, agent, session, verdict and time.
package sqlstore

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/ppiankov/dataguard/internal/audit"
	"github.com/ppiankov/dataguard/internal/canon"
	"github.com/ppiankov/dataguard/internal/model"
)

// ErrNotFound is returned by Get for an unknown decision id.
var ErrNotFound = errors.New("audit row not found")

// Query limits.
const (
	DefaultLimit = 100
	MaxLimit     = 500
)

// Schema creates the audit table and its indexes.
const Schema = `
CREATE TABLE IF NOT EXISTS guardian_audit_log (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	decision_id TEXT NOT NULL UNIQUE,
	proposal_id TEXT NOT NULL,
	agent_id TEXT NOT NULL,
	session_id TEXT NOT NULL DEFAULT '',
	tenant_id TEXT NOT NULL DEFAULT 'default',
	user_id TEXT,
	tool_name TEXT NOT NULL,
	tool_category TEXT NOT NULL DEFAULT '',
	tool_args_hash TEXT NOT NULL,
	tool_args_snapshot TEXT NOT NULL,
	intended_outcome TEXT NOT NULL DEFAULT '',
	verdict TEXT NOT NULL,
	risk_score_final INTEGER NOT NULL,
	risk_score_deterministic INTEGER,
	risk_score_llm INTEGER,
	matched_rule_id TEXT,
	reason TEXT NOT NULL DEFAULT '',
	rewrite_rule_id TEXT,
	rewritten_args_snapshot TEXT,
	requires_human INTEGER NOT NULL DEFAULT 0,
	policy_id TEXT NOT NULL DEFAULT '',
	policy_hash TEXT NOT NULL DEFAULT '',
	approved_by TEXT,
	approved_at TEXT,
	resolved_verdict TEXT,
	outcome_success INTEGER,
	outcome_error TEXT,
	execution_duration_ms INTEGER,
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_tenant ON guardian_audit_log (tenant_id, created_at);
CREATE INDEX IF NOT EXISTS idx_audit_agent ON guardian_audit_log (agent_id);
CREATE INDEX IF NOT EXISTS idx_audit_session ON guardian_audit_log (session_id);
CREATE INDEX IF NOT EXISTS idx_audit_proposal ON guardian_audit_log (proposal_id);
CREATE INDEX IF NOT EXISTS idx_audit_verdict ON guardian_audit_log (verdict);
`

// Store is an audit.Sink backed by a SQL database.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens (creating if needed) a SQLite database at dsn and applies the schema.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	// SQLite serializes writers; one connection avoids SQLITE_BUSY under load.
	db.SetMaxOpenConns(1)
	s, err := New(db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an open database and applies the schema.
func New(db *sql.DB) (*Store, error) {
	if _, err := db.Exec(Schema); err != nil {
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db, now: func() time.Time { return time.Now().UTC() }}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) DB() *sql.DB {
	return s.db
}

// RecordDecision inserts a decision row, or for a resolution record
// stamps the reviewer and resolved verdict onto the existing row.
func (s *Store) RecordDecision(ctx context.Context, rec audit.DecisionRecord) error {
	if rec.Kind == audit.KindResolution {
		return s.resolve(ctx, rec.Decision)
	}

	p, cc, d := rec.Proposal, rec.Context, rec.Decision
	args, err := canon.Marshal(p.ToolArgs)
	if err != nil {
		return fmt.Errorf("encode args: %w", err)
	}
	sum := sha256.Sum256(args)

	var rewriteID, rewritten any
	if d.RewrittenCall != nil {
		rewriteID = d.RewrittenCall.RewriteRuleID
		b, err := canon.Marshal(d.RewrittenCall.RewrittenToolArgs)
		if err != nil {
			return fmt.Errorf("encode rewritten args: %w", err)
		}
		rewritten = string(b)
	}

	created := d.Timestamp
	if created.IsZero() {
		created = s.now()
	}

	_, err = s.db.ExecContext(ctx, `INSERT INTO guardian_audit_log (
	decision_id, proposal_id, agent_id, session_id, tenant_id, user_id,
	tool_name, tool_category, tool_args_hash, tool_args_snapshot, intended_outcome,
	verdict, risk_score_final, risk_score_deterministic, risk_score_llm, matched_rule_id, reason,
	rewrite_rule_id, rewritten_args_snapshot, requires_human, policy_id, policy_hash, created_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.DecisionID, d.ProposalID, cc.AgentID, cc.SessionID, tenantOf(cc), nullString(cc.UserID),
		p.ToolName, string(p.ToolCategory), hex.EncodeToString(sum[:]), string(args), p.IntendedOutcome,
		string(d.Verdict), d.Risk.FinalScore, nullInt(d.Risk.DeterministicScore), nullInt(d.Risk.LLMScore),
		nullString(d.MatchedRuleID), d.Reason,
		rewriteID, rewritten, d.RequiresHuman, d.PolicyID, rec.PolicyHash, formatTime(created),
	)
	if err != nil {
		return fmt.Errorf("insert decision %s: %w", d.DecisionID, err)
	}
	return nil
}

func (s *Store) resolve(ctx context.Context, d model.Decision) error {
	at := d.Timestamp
	if at.IsZero() {
		at = s.now()
	}
	res, err := s.db.ExecContext(ctx, `UPDATE guardian_audit_log
SET approved_by = ?, approved_at = ?, resolved_verdict = ?
WHERE decision_id = ?`, d.ReviewedBy, formatTime(at), string(d.Verdict), d.DecisionID)
	if err != nil {
		return fmt.Errorf("record resolution %s: %w", d.DecisionID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("record resolution %s: %w", d.DecisionID, ErrNotFound)
	}
	return nil
}

// RecordOutcome fills the outcome columns of every row for the proposal.
// An outcome for an unknown proposal is ignored.
func (s *Store) RecordOutcome(ctx context.Context, o model.Outcome) error {
	_, err := s.db.ExecContext(ctx, `UPDATE guardian_audit_log
SET outcome_success = ?, outcome_error = ?, execution_duration_ms = ?
WHERE proposal_id = ?`, o.Success, nullString(o.ErrorMessage), o.ExecutionDurationMS, o.ProposalID)
	if err != nil {
		return fmt.Errorf("record outcome %s: %w", o.ProposalID, err)
	}
	return nil
}

// Row is one audit row.
type Row struct {
	DecisionID          string `json:"decision_id"`
	ProposalID          string `json:"proposal_id"`
	AgentID             string `json:"agent_id"`
	SessionID           string `json:"session_id,omitempty"`
	TenantID            string `json:"tenant_id"`
	UserID              string `json:"user_id,omitempty"`
	ToolName            string `json:"tool_name"`
	ToolCategory        string `json:"tool_category,omitempty"`
	ToolArgsHash        string `json:"tool_args_hash"`
	ToolArgs            string `json:"tool_args_snapshot"`
	IntendedOutcome     string `json:"intended_outcome,omitempty"`
	Verdict             string `json:"verdict"`
	FinalScore          int    `json:"risk_score_final"`
	DeterministicScore  *int   `json:"risk_score_deterministic,omitempty"`
	LLMScore            *int   `json:"risk_score_llm,omitempty"`
	MatchedRuleID       string `json:"matched_rule_id,omitempty"`
	Reason              string `json:"reason,omitempty"`
	RewriteRuleID       string `json:"rewrite_rule_id,omitempty"`
	RewrittenArgs       string `json:"rewritten_args_snapshot,omitempty"`
	RequiresHuman       bool   `json:"requires_human"`
	PolicyID            string `json:"policy_id,omitempty"`
	PolicyHash          string `json:"policy_hash,omitempty"`
	ApprovedBy          string `json:"approved_by,omitempty"`
	ApprovedAt          string `json:"approved_at,omitempty"`
	ResolvedVerdict     string `json:"resolved_verdict,omitempty"`
	OutcomeSuccess      *bool  `json:"outcome_success,omitempty"`
	OutcomeError        string `json:"outcome_error,omitempty"`
	ExecutionDurationMS *int64 `json:"execution_duration_ms,omitempty"`
	CreatedAt           string `json:"created_at"`
}

const rowColumns = `decision_id, proposal_id, agent_id, session_id, tenant_id, user_id,
	tool_name, tool_category, tool_args_hash, tool_args_snapshot, intended_outcome,
	verdict, risk_score_final, risk_score_deterministic, risk_score_llm, matched_rule_id, reason,
	rewrite_rule_id, rewritten_args_snapshot, requires_human, policy_id, policy_hash,
	approved_by, approved_at, resolved_verdict, outcome_success, outcome_error, execution_duration_ms, created_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanRow(sc scanner) (Row, error) {
	var (
		r                                              Row
		userID, ruleID, rewriteID, rewritten           sql.NullString
		approvedBy, approvedAt, resolved, outcomeError sql.NullString
		det, llm                                       sql.NullInt64
		success                                        sql.NullBool
		duration                                       sql.NullInt64
	)
	err := sc.Scan(&r.DecisionID, &r.ProposalID, &r.AgentID, &r.SessionID, &r.TenantID, &userID,
		&r.ToolName, &r.ToolCategory, &r.ToolArgsHash, &r.ToolArgs, &r.IntendedOutcome,
		&r.Verdict, &r.FinalScore, &det, &llm, &ruleID, &r.Reason,
		&rewriteID, &rewritten, &r.RequiresHuman, &r.PolicyID, &r.PolicyHash,
		&approvedBy, &approvedAt, &resolved, &success, &outcomeError, &duration, &r.CreatedAt)
	if err != nil {
		return Row{}, err
	}
	r.UserID = userID.String
	r.MatchedRuleID = ruleID.String
	r.RewriteRuleID = rewriteID.String
	r.RewrittenArgs = rewritten.String
	r.ApprovedBy = approvedBy.String
	r.ApprovedAt = approvedAt.String
	r.ResolvedVerdict = resolved.String
	r.OutcomeError = outcomeError.String
	if det.Valid {
		v := int(det.Int64)
		r.DeterministicScore = &v
	}
	if llm.Valid {
		v := int(llm.Int64)
		r.LLMScore = &v
	}
	if success.Valid {
		v := success.Bool
		r.OutcomeSuccess = &v
	}
	if duration.Valid {
		v := duration.Int64
		r.ExecutionDurationMS = &v
	}
	return r, nil
}

// Get returns the row for a decision id.
func (s *Store) Get(ctx context.Context, decisionID string) (Row, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+rowColumns+` FROM guardian_audit_log WHERE decision_id = ?`, decisionID)
	r, err := scanRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Row{}, fmt.Errorf("%s: %w", decisionID, ErrNotFound)
	}
	return r, err
}

// Filter narrows Query. Zero fields match everything.
type Filter struct {
	TenantID  string
	AgentID   string
	SessionID string
	Verdict   string
	ToolName  string
	Since     time.Time
	Until     time.Time
	Limit     int
	Offset    int
}

func (f Filter) where() (string, []any) {
	var (
		conds []string
		args  []any
	)
	add := func(cond string, v any) {
		conds = append(conds, cond)
		args = append(args, v)
	}
	if f.TenantID != "" {
		add("tenant_id = ?", f.TenantID)
	}
	if f.AgentID != "" {
		add("agent_id = ?", f.AgentID)
	}
	if f.SessionID != "" {
		add("session_id = ?", f.SessionID)
	}
	if f.Verdict != "" {
		add("verdict = ?", f.Verdict)
	}
	if f.ToolName != "" {
		add("tool_name = ?", f.ToolName)
	}
	if !f.Since.IsZero() {
		add("created_at >= ?", formatTime(f.Since))
	}
	if !f.Until.IsZero() {
		add("created_at <= ?", formatTime(f.Until))
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// Query returns matching rows, newest first. Limit defaults to 100 and is
// capped at 500.
func (s *Store) Query(ctx context.Context, f Filter) ([]Row, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = DefaultLimit
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}
	offset := f.Offset
	if offset < 0 {
		offset = 0
	}
	where, args := f.where()
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, `SELECT `+rowColumns+` FROM guardian_audit_log`+where+
		` ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit: %w", err)
	}
	defer rows.Close()

	out := []Row{}
	for rows.Next() {
		r, err := scanRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan audit row: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Stats summarizes decisions for a tenant ("" for all) since a point in time.
type Stats struct {
	TenantID         string         `json:"tenant_id,omitempty"`
	Since            string         `json:"since,omitempty"`
	TotalDecisions   int            `json:"total_decisions"`
	ByVerdict        map[string]int `json:"by_verdict"`
	PendingApprovals int            `json:"pending_approvals"`
	AvgRiskScore     float64        `json:"avg_risk_score"`
}

// Stats computes per-verdict counts, pending approvals and the average
// final score. A zero since covers all rows.
func (s *Store) Stats(ctx context.Context, tenantID string, since time.Time) (Stats, error) {
	st := Stats{TenantID: tenantID, ByVerdict: map[string]int{}}
	f := Filter{TenantID: tenantID, Since: since}
	if !since.IsZero() {
		st.Since = formatTime(since)
	}
	where, args := f.where()

	rows, err := s.db.QueryContext(ctx, `SELECT verdict, COUNT(*) FROM guardian_audit_log`+where+` GROUP BY verdict`, args...)
	if err != nil {
		return Stats{}, fmt.Errorf("stats by verdict: %w", err)
	}
	for rows.Next() {
		var (
			verdict string
			n       int
		)
		if err := rows.Scan(&verdict, &n); err != nil {
			rows.Close()
			return Stats{}, err
		}
		st.ByVerdict[verdict] = n
		st.TotalDecisions += n
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return Stats{}, err
	}

	var avg sql.NullFloat64
	if err := s.db.QueryRowContext(ctx, `SELECT AVG(risk_score_final) FROM guardian_audit_log`+where, args...).Scan(&avg); err != nil {
		return Stats{}, fmt.Errorf("stats average: %w", err)
	}
	if avg.Valid {
		st.AvgRiskScore = math.Round(avg.Float64*10) / 10
	}

	pendingWhere := " WHERE requires_human = 1 AND approved_by IS NULL"
	var pendingArgs []any
	if tenantID != "" {
		pendingWhere += " AND tenant_id = ?"
		pendingArgs = append(pendingArgs, tenantID)
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM guardian_audit_log`+pendingWhere, pendingArgs...).Scan(&st.PendingApprovals); err != nil {
		return Stats{}, fmt.Errorf("stats pending: %w", err)
	}
	return st, nil
}

func tenantOf(cc model.CallContext) string {
	if cc.TenantID == "" {
		return model.DefaultTenant
	}
	return cc.TenantID
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullInt(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

func formatTime(t time.Time) string {
	return t.UTC().Format(audit.TimestampFormat)
}
