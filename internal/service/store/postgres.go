package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/avast/retry-go/v5"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib" // Postgres driver

	"github.com/your-org/pbac-service/internal/config"
	"github.com/your-org/pbac-service/internal/domain"
	"github.com/your-org/pbac-service/pkg/errors"
	"github.com/your-org/pbac-service/pkg/logger"
)

const policyColumns = `id, name, description, effect, priority, subject_json, resource, action,
	conditions_json, is_active, created_at, updated_at`

// IDs sort bytewise to match the in-memory tie-break.
const policyOrder = `ORDER BY priority DESC, created_at ASC, id COLLATE "C" ASC`

var policySchema = []string{
	`CREATE TABLE IF NOT EXISTS policies (
		id              TEXT PRIMARY KEY,
		name            VARCHAR(255) NOT NULL,
		description     TEXT NOT NULL DEFAULT '',
		effect          VARCHAR(10) NOT NULL CHECK (effect IN ('ALLOW', 'DENY')),
		priority        INTEGER NOT NULL DEFAULT 0,
		subject_json    JSONB NOT NULL,
		resource        VARCHAR(255) NOT NULL,
		action          VARCHAR(255) NOT NULL,
		conditions_json JSONB NOT NULL DEFAULT '[]'::jsonb,
		is_active       BOOLEAN NOT NULL DEFAULT TRUE,
		created_at      TIMESTAMPTZ NOT NULL,
		updated_at      TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_resource_action ON policies (resource, action)`,
	`CREATE INDEX IF NOT EXISTS idx_priority ON policies (priority DESC)`,
}

// PostgresStore keeps policies in the policies table.
type PostgresStore struct {
	db        *sql.DB
	validator ConditionValidator
	now       func() time.Time
}

// PostgresOption configures a PostgresStore.
type PostgresOption func(*PostgresStore)

// WithPostgresValidator validates conditions on write.
func WithPostgresValidator(v ConditionValidator) PostgresOption {
	return func(s *PostgresStore) {
		s.validator = v
	}
}

// NewPostgresStore opens the database, waits for it with retries and
// optionally creates the schema.
func NewPostgresStore(ctx context.Context, cfg config.PostgresStoreConfig, opts ...PostgresOption) (*PostgresStore, error) {
	db, err := sql.Open("pgx", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errors.ErrStoreUnavailable, err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	s := NewPostgresStoreWithDB(db, opts...)
	if err := Connect(ctx, db, cfg.ConnectAttempts); err != nil {
		db.Close()
		return nil, err
	}
	if cfg.Migrate {
		if err := s.Migrate(ctx); err != nil {
			db.Close()
			return nil, err
		}
	}

	logger.Info("postgres policy store ready")
	return s, nil
}

// NewPostgresStoreWithDB wraps an open database.
func NewPostgresStoreWithDB(db *sql.DB, opts ...PostgresOption) *PostgresStore {
	s := &PostgresStore{db: db, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Connect pings db with exponential backoff. It is only used at startup;
// requests never retry.
func Connect(ctx context.Context, db *sql.DB, attempts uint) error {
	if attempts == 0 {
		attempts = 1
	}
	r := retry.New(
		retry.Context(ctx),
		retry.Attempts(attempts),
		retry.DelayType(retry.BackOffDelay),
	)
	err := r.Do(func() error {
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := db.PingContext(pingCtx); err != nil {
			logger.Warn("postgres not reachable yet", logger.Err(err))
			return err
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", errors.ErrStoreUnavailable, err)
	}
	return nil
}

// Migrate creates the policies table and its indexes.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	for _, stmt := range policySchema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate policies: %w", err)
		}
	}
	return nil
}

// FindApplicable implements Store.
func (s *PostgresStore) FindApplicable(ctx context.Context, resource, action string) ([]domain.Policy, error) {
	query := `SELECT ` + policyColumns + ` FROM policies
		WHERE is_active = TRUE AND resource = $1 AND action = $2 ` + policyOrder

	rows, err := s.db.QueryContext(ctx, query, resource, action)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errors.ErrStoreUnavailable, err)
	}
	return scanPolicies(rows)
}

// Get implements Store.
func (s *PostgresStore) Get(ctx context.Context, id string) (*domain.Policy, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+policyColumns+` FROM policies WHERE id = $1`, id)
	p, err := scanPolicy(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", errors.ErrPolicyNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}

// List implements Store.
func (s *PostgresStore) List(ctx context.Context, filter ListFilter) ([]domain.Policy, error) {
	query := `SELECT ` + policyColumns + ` FROM policies
		WHERE ($1 = FALSE OR is_active = TRUE)
		AND ($2 = '' OR name ILIKE '%' || $2 || '%') ` + policyOrder

	rows, err := s.db.QueryContext(ctx, query, filter.ActiveOnly, escapeLike(filter.NameContains))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errors.ErrStoreUnavailable, err)
	}
	return scanPolicies(rows)
}

// Create implements Store. An empty ID is replaced by a random UUID.
func (s *PostgresStore) Create(ctx context.Context, p *domain.Policy) (*domain.Policy, error) {
	if err := validatePolicy(p, s.validator); err != nil {
		return nil, err
	}

	stored := p.Clone()
	if stored.ID == "" {
		stored.ID = uuid.NewString()
	}
	now := s.now().UTC()
	stored.CreatedAt, stored.UpdatedAt = now, now

	subject, conditions, err := encodeJSONColumns(&stored)
	if err != nil {
		return nil, err
	}

	_, err = s.db.ExecContext(ctx, `INSERT INTO policies (`+policyColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		stored.ID, stored.Name, stored.Description, string(stored.Effect), stored.Priority, subject,
		stored.Resource, stored.Action, conditions, stored.Active, stored.CreatedAt, stored.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return nil, fmt.Errorf("%w: policy %s already exists", errors.ErrPolicyInvalid, stored.ID)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errors.ErrStoreUnavailable, err)
	}
	return &stored, nil
}

// Update implements Store. CreatedAt is preserved.
func (s *PostgresStore) Update(ctx context.Context, p *domain.Policy) (*domain.Policy, error) {
	if err := validatePolicy(p, s.validator); err != nil {
		return nil, err
	}

	stored := p.Clone()
	stored.UpdatedAt = s.now().UTC()

	subject, conditions, err := encodeJSONColumns(&stored)
	if err != nil {
		return nil, err
	}

	row := s.db.QueryRowContext(ctx, `UPDATE policies SET
			name = $2, description = $3, effect = $4, priority = $5, subject_json = $6,
			resource = $7, action = $8, conditions_json = $9, is_active = $10, updated_at = $11
		WHERE id = $1
		RETURNING created_at`,
		stored.ID, stored.Name, stored.Description, string(stored.Effect), stored.Priority, subject,
		stored.Resource, stored.Action, conditions, stored.Active, stored.UpdatedAt,
	)
	if err := row.Scan(&stored.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", errors.ErrPolicyNotFound, stored.ID)
		}
		return nil, fmt.Errorf("%w: %v", errors.ErrStoreUnavailable, err)
	}
	return &stored, nil
}

// Delete implements Store.
func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM policies WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("%w: %v", errors.ErrStoreUnavailable, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", errors.ErrPolicyNotFound, id)
	}
	return nil
}

// Ping implements Store.
func (s *PostgresStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: %v", errors.ErrStoreUnavailable, err)
	}
	return nil
}

// Close implements Store.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPolicy(row rowScanner) (*domain.Policy, error) {
	var (
		p          domain.Policy
		effect     string
		subject    []byte
		conditions []byte
	)
	err := row.Scan(&p.ID, &p.Name, &p.Description, &effect, &p.Priority, &subject,
		&p.Resource, &p.Action, &conditions, &p.Active, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}

	if p.Effect, err = domain.ParseEffect(effect); err != nil {
		return nil, fmt.Errorf("policy %s: %w", p.ID, err)
	}
	if err := json.Unmarshal(subject, &p.Subject); err != nil {
		return nil, fmt.Errorf("%w: policy %s: subject: %v", errors.ErrPolicyInvalid, p.ID, err)
	}
	if len(conditions) > 0 {
		if err := json.Unmarshal(conditions, &p.Conditions); err != nil {
			return nil, fmt.Errorf("%w: policy %s: conditions: %v", errors.ErrPolicyInvalid, p.ID, err)
		}
		if len(p.Conditions) == 0 {
			p.Conditions = nil
		}
	}
	return &p, nil
}

func scanPolicies(rows *sql.Rows) ([]domain.Policy, error) {
	defer rows.Close()

	out := make([]domain.Policy, 0)
	for rows.Next() {
		p, err := scanPolicy(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", errors.ErrStoreUnavailable, err)
	}
	return out, nil
}

func encodeJSONColumns(p *domain.Policy) (subject, conditions []byte, err error) {
	if subject, err = json.Marshal(p.Subject); err != nil {
		return nil, nil, fmt.Errorf("%w: subject: %v", errors.ErrPolicyInvalid, err)
	}
	specs := p.Conditions
	if specs == nil {
		specs = []domain.ConditionSpec{}
	}
	if conditions, err = json.Marshal(specs); err != nil {
		return nil, nil, fmt.Errorf("%w: conditions: %v", errors.ErrPolicyInvalid, err)
	}
	return subject, conditions, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLike(s string) string {
	return likeEscaper.Replace(s)
}
