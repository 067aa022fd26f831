package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/your-org/pbac-service/internal/config"
	"github.com/your-org/pbac-service/internal/domain"
	"github.com/your-org/pbac-service/internal/service/store"
	"github.com/your-org/pbac-service/pkg/errors"
)

const auditColumns = 9

var auditSchema = []string{
	`CREATE TABLE IF NOT EXISTS audit_logs (
		id                 TEXT PRIMARY KEY,
		user_id            TEXT NOT NULL,
		resource           TEXT NOT NULL,
		action             TEXT NOT NULL,
		decision           TEXT NOT NULL,
		reason             TEXT NOT NULL,
		matched_policy_id  TEXT,
		request_context    JSONB,
		timestamp          TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_audit_user ON audit_logs (user_id, timestamp DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_audit_resource ON audit_logs (resource, action)`,
	`CREATE INDEX IF NOT EXISTS idx_audit_timestamp ON audit_logs (timestamp DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_audit_decision ON audit_logs (decision, timestamp DESC)`,
}

const auditSelect = `SELECT id, user_id, resource, action, decision, reason, matched_policy_id, request_context, timestamp FROM audit_logs`

// PostgresExporter batch-inserts records into audit_logs.
type PostgresExporter struct {
	db *sql.DB
}

// NewPostgresExporter connects to cfg.DSN and optionally creates the table.
func NewPostgresExporter(ctx context.Context, cfg config.PostgresExportConfig) (*PostgresExporter, error) {
	db, err := sql.Open("pgx", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errors.ErrServiceUnavailable, err)
	}
	if err := store.Connect(ctx, db, 3); err != nil {
		_ = db.Close()
		return nil, err
	}

	e := NewPostgresExporterWithDB(db)
	if cfg.Migrate {
		if err := e.Migrate(ctx); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	return e, nil
}

// NewPostgresExporterWithDB wraps an open database.
func NewPostgresExporterWithDB(db *sql.DB) *PostgresExporter {
	return &PostgresExporter{db: db}
}

// Migrate creates audit_logs and its indexes.
func (e *PostgresExporter) Migrate(ctx context.Context) error {
	for _, stmt := range auditSchema {
		if _, err := e.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate audit_logs: %w", err)
		}
	}
	return nil
}

// Export implements Exporter with a single multi-row INSERT.
func (e *PostgresExporter) Export(ctx context.Context, records []*domain.AuditRecord) error {
	if len(records) == 0 {
		return nil
	}
	query, args, err := buildInsert(records)
	if err != nil {
		return err
	}
	_, err = e.db.ExecContext(ctx, query, args...)
	return err
}

func buildInsert(records []*domain.AuditRecord) (string, []any, error) {
	var sb strings.Builder
	sb.WriteString(`INSERT INTO audit_logs (id, user_id, resource, action, decision, reason, matched_policy_id, request_context, timestamp) VALUES `)

	args := make([]any, 0, len(records)*auditColumns)
	for i, rec := range records {
		if i > 0 {
			sb.WriteByte(',')
		}
		p := i * auditColumns
		fmt.Fprintf(&sb, "($%d,$%d,$%d,$%d,$%d,$%d,$%d,$%d,$%d)",
			p+1, p+2, p+3, p+4, p+5, p+6, p+7, p+8, p+9)

		var reqCtx any
		if len(rec.Context) > 0 {
			data, err := json.Marshal(rec.Context)
			if err != nil {
				return "", nil, fmt.Errorf("encode audit context %s: %w", rec.ID, err)
			}
			reqCtx = string(data)
		}
		var matched any
		if rec.MatchedPolicyID != "" {
			matched = rec.MatchedPolicyID
		}
		args = append(args,
			rec.ID, rec.PrincipalID, rec.Resource, rec.Action,
			string(rec.Decision), rec.Reason, matched, reqCtx, rec.Timestamp,
		)
	}
	sb.WriteString(` ON CONFLICT (id) DO NOTHING`)
	return sb.String(), args, nil
}

// Query implements Reader.
func (e *PostgresExporter) Query(ctx context.Context, q Query) (*Page, error) {
	q, err := q.Normalize()
	if err != nil {
		return nil, err
	}
	query, count, args := buildSelect(q)

	page := &Page{Page: q.Page, Size: q.Size, Records: []*domain.AuditRecord{}}
	if err := e.db.QueryRowContext(ctx, count, args...).Scan(&page.Total); err != nil {
		return nil, fmt.Errorf("%w: count audit_logs: %v", errors.ErrServiceUnavailable, err)
	}
	if page.Total == 0 || q.offset() >= page.Total {
		return page, nil
	}

	rows, err := e.db.QueryContext(ctx, query, append(args, q.Size, q.offset())...)
	if err != nil {
		return nil, fmt.Errorf("%w: query audit_logs: %v", errors.ErrServiceUnavailable, err)
	}
	defer rows.Close()

	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		page.Records = append(page.Records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: query audit_logs: %v", errors.ErrServiceUnavailable, err)
	}
	return page, nil
}

// buildSelect returns the page query and its count query. The page query
// takes two extra arguments after args: LIMIT and OFFSET.
func buildSelect(q Query) (query, count string, args []any) {
	var conds []string
	add := func(expr string, v any) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(expr, len(args)))
	}
	if q.PrincipalID != "" {
		add("user_id = $%d", q.PrincipalID)
	}
	if q.Resource != "" {
		add("resource = $%d", q.Resource)
	}
	if q.Action != "" {
		add("action = $%d", q.Action)
	}
	if q.Decision != "" {
		add("decision = $%d", string(q.Decision))
	}
	if !q.From.IsZero() {
		add("timestamp >= $%d", q.From)
	}
	if !q.To.IsZero() {
		add("timestamp <= $%d", q.To)
	}

	var where string
	if len(conds) > 0 {
		where = " WHERE " + strings.Join(conds, " AND ")
	}
	count = "SELECT COUNT(*) FROM audit_logs" + where
	query = fmt.Sprintf("%s%s ORDER BY timestamp DESC, id DESC LIMIT $%d OFFSET $%d",
		auditSelect, where, len(args)+1, len(args)+2)
	return query, count, args
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*domain.AuditRecord, error) {
	var (
		rec      domain.AuditRecord
		decision string
		matched  sql.NullString
		reqCtx   []byte
	)
	if err := row.Scan(&rec.ID, &rec.PrincipalID, &rec.Resource, &rec.Action,
		&decision, &rec.Reason, &matched, &reqCtx, &rec.Timestamp); err != nil {
		return nil, fmt.Errorf("scan audit row: %w", err)
	}
	rec.Decision = domain.Decision(decision)
	rec.MatchedPolicyID = matched.String
	rec.Timestamp = rec.Timestamp.UTC()
	if len(reqCtx) > 0 {
		if err := json.Unmarshal(reqCtx, &rec.Context); err != nil {
			return nil, fmt.Errorf("decode audit context %s: %w", rec.ID, err)
		}
	}
	return &rec, nil
}

// Name implements Exporter.
func (e *PostgresExporter) Name() string { return "postgres" }

// Close implements Exporter.
func (e *PostgresExporter) Close() error {
	return e.db.Close()
}
