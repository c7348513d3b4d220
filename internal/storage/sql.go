package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"github.com/haasonsaas/canvasd/pkg/models"
)

// Dialect is the SQL flavour of a database.
type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectSQLite   Dialect = "sqlite"
)

// SQLStore implements Store on database/sql. Timestamps are stored as unix
// milliseconds and the user index table as a JSON array so one schema
// serves both dialects.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
}

// OpenSQL opens and pings a database.
func OpenSQL(ctx context.Context, dialect Dialect, dsn string, pool PoolConfig) (*SQLStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("dsn is required")
	}
	if pool == (PoolConfig{}) {
		pool = DefaultPoolConfig()
	}
	if dialect == DialectSQLite {
		// One writer at a time; the database file lock does the rest.
		pool.MaxOpenConns = 1
		pool.MaxIdleConns = 1
	}

	db, err := sql.Open(string(dialect), dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	pool.apply(db)

	timeout := pool.ConnectTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return NewSQLStore(db, dialect), nil
}

// NewSQLStore wraps an open database.
func NewSQLStore(db *sql.DB, dialect Dialect) *SQLStore {
	return &SQLStore{db: db, dialect: dialect}
}

// Close closes the underlying database connection.
func (s *SQLStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Migrate creates the schema if it does not exist.
func (s *SQLStore) Migrate(ctx context.Context) error {
	for i, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate step %d: %w", i+1, err)
		}
	}
	return nil
}

func (s *SQLStore) LoadCanvas(ctx context.Context, id string) (*models.Canvas, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT id, name, users, user_index, last_editor, last_edited, created_at
		FROM canvases WHERE id = $1
	`), id)
	c, err := scanCanvas(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("load canvas: %w", err)
	}
	return c, nil
}

func (s *SQLStore) SaveCanvas(ctx context.Context, c *models.Canvas) error {
	if c == nil || c.ID == "" {
		return fmt.Errorf("canvas id is required")
	}
	users, err := json.Marshal(nonNil(c.Users))
	if err != nil {
		return fmt.Errorf("encode canvas users: %w", err)
	}
	res, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE canvases SET users = $1, user_index = $2, last_editor = $3, last_edited = $4
		WHERE id = $5
	`),
		string(users),
		c.UserIndex,
		c.LastEditor,
		toMillis(c.LastEdited),
		c.ID,
	)
	if err != nil {
		return fmt.Errorf("save canvas: %w", err)
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLStore) CreateCanvas(ctx context.Context, c *models.Canvas) error {
	if c == nil || c.ID == "" {
		return fmt.Errorf("canvas id is required")
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}
	users, err := json.Marshal(nonNil(c.Users))
	if err != nil {
		return fmt.Errorf("encode canvas users: %w", err)
	}
	_, err = s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO canvases (id, name, users, user_index, last_editor, last_edited, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`),
		c.ID,
		c.Name,
		string(users),
		c.UserIndex,
		c.LastEditor,
		toMillis(c.LastEdited),
		toMillis(c.CreatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("create canvas: %w", err)
	}
	return nil
}

func (s *SQLStore) ListCanvases(ctx context.Context, limit int) ([]*models.Canvas, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT id, name, users, user_index, last_editor, last_edited, created_at
		FROM canvases ORDER BY created_at DESC LIMIT $1
	`), limit)
	if err != nil {
		return nil, fmt.Errorf("list canvases: %w", err)
	}
	defer rows.Close()

	var out []*models.Canvas
	for rows.Next() {
		c, err := scanCanvas(rows)
		if err != nil {
			return nil, fmt.Errorf("list canvases: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list canvases: %w", err)
	}
	return out, nil
}

func (s *SQLStore) ResolveUser(ctx context.Context, id string) (*models.User, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT id, email, name, avatar_url, created_at, updated_at
		FROM users WHERE id = $1
	`), id)

	var user models.User
	var created, updated int64
	if err := row.Scan(&user.ID, &user.Email, &user.Name, &user.AvatarURL, &created, &updated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("resolve user: %w", err)
	}
	user.CreatedAt = fromMillis(created)
	user.UpdatedAt = fromMillis(updated)
	return &user, nil
}

func (s *SQLStore) UpsertUser(ctx context.Context, u *models.User) error {
	if u == nil || u.ID == "" {
		return fmt.Errorf("user id is required")
	}
	now := time.Now()
	if u.CreatedAt.IsZero() {
		u.CreatedAt = now
	}
	u.UpdatedAt = now
	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO users (id, email, name, avatar_url, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (id) DO UPDATE SET
			email = excluded.email,
			name = excluded.name,
			avatar_url = excluded.avatar_url,
			updated_at = excluded.updated_at
	`),
		u.ID,
		u.Email,
		u.Name,
		u.AvatarURL,
		toMillis(u.CreatedAt),
		toMillis(u.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("upsert user: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCanvas(row rowScanner) (*models.Canvas, error) {
	var c models.Canvas
	var users string
	var edited, created int64
	if err := row.Scan(&c.ID, &c.Name, &users, &c.UserIndex, &c.LastEditor, &edited, &created); err != nil {
		return nil, err
	}
	if users != "" {
		if err := json.Unmarshal([]byte(users), &c.Users); err != nil {
			return nil, fmt.Errorf("decode users of canvas %s: %w", c.ID, err)
		}
	}
	c.LastEdited = fromMillis(edited)
	c.CreatedAt = fromMillis(created)
	return &c, nil
}

// rebind rewrites $n placeholders to ? for SQLite. Queries never reuse a
// placeholder, so positional order is preserved.
func (s *SQLStore) rebind(query string) string {
	if s.dialect != DialectSQLite {
		return query
	}
	var b strings.Builder
	b.Grow(len(query))
	for i := 0; i < len(query); i++ {
		if query[i] != '$' {
			b.WriteByte(query[i])
			continue
		}
		j := i + 1
		for j < len(query) && query[j] >= '0' && query[j] <= '9' {
			j++
		}
		if j == i+1 {
			b.WriteByte('$')
			continue
		}
		b.WriteByte('?')
		i = j - 1
	}
	return b.String()
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func nonNil(ids []string) []string {
	if ids == nil {
		return []string{}
	}
	return ids
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "duplicate") || strings.Contains(msg, "unique constraint")
}
