// Package sqlite provides a durable storage.Backend on top of SQLite.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/ggoodman/screenshots-server/identity"
	"github.com/ggoodman/screenshots-server/screenshots"
	"github.com/ggoodman/screenshots-server/storage"
)

var _ storage.Backend = (*Storage)(nil)

const schema = `
CREATE TABLE IF NOT EXISTS users (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	username   TEXT NOT NULL UNIQUE,
	email      TEXT NOT NULL DEFAULT '',
	first_name TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS tokens (
	key        TEXT PRIMARY KEY,
	username   TEXT NOT NULL UNIQUE REFERENCES users(username) ON DELETE CASCADE,
	created_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS projects (
	id             INTEGER PRIMARY KEY AUTOINCREMENT,
	name           TEXT NOT NULL UNIQUE,
	default_branch TEXT NOT NULL,
	created_at     INTEGER NOT NULL,
	updated_at     INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS branches (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	project_id INTEGER NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
	name       TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	UNIQUE (project_id, name)
);
CREATE TABLE IF NOT EXISTS screenshots (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	project_id    INTEGER NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
	branch_id     INTEGER NOT NULL REFERENCES branches(id) ON DELETE CASCADE,
	page_name     TEXT NOT NULL,
	viewport_size TEXT NOT NULL,
	image         TEXT NOT NULL,
	pipeline_url  TEXT NOT NULL DEFAULT '',
	metadata      TEXT NOT NULL DEFAULT '{}',
	timestamp     INTEGER NOT NULL,
	created_at    INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS screenshots_branch_page ON screenshots (branch_id, page_name, timestamp DESC);
CREATE INDEX IF NOT EXISTS screenshots_timestamp ON screenshots (timestamp DESC);
`

// Config contains configuration options for the SQLite storage.
type Config struct {
	// Path is the database file. ":memory:" is not supported since every
	// pooled connection would see its own database.
	Path string

	// BusyTimeout bounds how long a writer waits on a locked database.
	// Default: 5s
	BusyTimeout time.Duration
}

// Storage implements storage.Backend using database/sql and go-sqlite3.
type Storage struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens (creating if needed) the database at cfg.Path and applies the
// schema.
func Open(ctx context.Context, cfg Config) (*Storage, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	if cfg.BusyTimeout <= 0 {
		cfg.BusyTimeout = 5 * time.Second
	}

	q := url.Values{}
	q.Set("_busy_timeout", fmt.Sprint(cfg.BusyTimeout.Milliseconds()))
	q.Set("_foreign_keys", "on")
	q.Set("_journal_mode", "WAL")
	db, err := sql.Open("sqlite3", "file:"+cfg.Path+"?"+q.Encode())
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	// SQLite allows a single writer; one connection keeps get-or-create
	// sequences from interleaving.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	return &Storage{db: db, now: time.Now}, nil
}

// Close implements storage.Backend.
func (s *Storage) Close() error {
	return s.db.Close()
}

func unixNano(t time.Time) int64 { return t.UTC().UnixNano() }

func fromUnixNano(n int64) time.Time { return time.Unix(0, n).UTC() }

type scanner interface {
	Scan(dest ...any) error
}

// GetOrCreateUser implements identity.Store.
func (s *Storage) GetOrCreateUser(ctx context.Context, username string, defaults identity.Defaults) (*identity.User, bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO users (username, email, first_name, created_at) VALUES (?, ?, ?, ?) ON CONFLICT (username) DO NOTHING`,
		username, defaults.Email, defaults.FirstName, unixNano(s.now()))
	if err != nil {
		return nil, false, fmt.Errorf("failed to insert user %q: %w", username, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("failed to insert user %q: %w", username, err)
	}
	u, err := s.GetUser(ctx, username)
	if err != nil {
		return nil, false, err
	}
	return u, n == 1, nil
}

// GetUser implements identity.Store.
func (s *Storage) GetUser(ctx context.Context, username string) (*identity.User, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, username, email, first_name, created_at FROM users WHERE username = ?`, username)
	return scanUser(row)
}

func scanUser(row scanner) (*identity.User, error) {
	var (
		u       identity.User
		created int64
	)
	if err := row.Scan(&u.ID, &u.Username, &u.Email, &u.FirstName, &created); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, identity.ErrUserNotFound
		}
		return nil, fmt.Errorf("failed to read user: %w", err)
	}
	u.CreatedAt = fromUnixNano(created)
	return &u, nil
}

// GetOrCreateToken implements identity.TokenStore.
func (s *Storage) GetOrCreateToken(ctx context.Context, username string, newKey string) (*identity.Token, bool, error) {
	if _, err := s.GetUser(ctx, username); err != nil {
		return nil, false, err
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO tokens (key, username, created_at) VALUES (?, ?, ?) ON CONFLICT DO NOTHING`,
		newKey, username, unixNano(s.now()))
	if err != nil {
		return nil, false, fmt.Errorf("failed to insert token for %q: %w", username, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("failed to insert token for %q: %w", username, err)
	}

	var (
		t       identity.Token
		created int64
	)
	err = s.db.QueryRowContext(ctx,
		`SELECT key, username, created_at FROM tokens WHERE username = ?`, username).
		Scan(&t.Key, &t.Username, &created)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			// The key collided with another user's token.
			return nil, false, fmt.Errorf("failed to create token for %q: key already in use", username)
		}
		return nil, false, fmt.Errorf("failed to read token: %w", err)
	}
	t.CreatedAt = fromUnixNano(created)
	return &t, n == 1, nil
}

// UserForToken implements identity.TokenStore.
func (s *Storage) UserForToken(ctx context.Context, key string) (*identity.User, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT u.id, u.username, u.email, u.first_name, u.created_at
		   FROM tokens t JOIN users u ON u.username = t.username
		  WHERE t.key = ?`, key)
	u, err := scanUser(row)
	if errors.Is(err, identity.ErrUserNotFound) {
		return nil, identity.ErrTokenNotFound
	}
	return u, err
}

const projectColumns = `id, name, default_branch, created_at, updated_at`

func scanProject(row scanner) (*screenshots.Project, error) {
	var (
		p                screenshots.Project
		created, updated int64
	)
	if err := row.Scan(&p.ID, &p.Name, &p.DefaultBranch, &created, &updated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, screenshots.ErrNotFound
		}
		return nil, fmt.Errorf("failed to read project: %w", err)
	}
	p.CreatedAt, p.UpdatedAt = fromUnixNano(created), fromUnixNano(updated)
	return &p, nil
}

// GetOrCreateProject implements screenshots.Store.
func (s *Storage) GetOrCreateProject(ctx context.Context, name string) (*screenshots.Project, error) {
	now := unixNano(s.now())
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO projects (name, default_branch, created_at, updated_at) VALUES (?, ?, ?, ?) ON CONFLICT (name) DO NOTHING`,
		name, screenshots.DefaultBranchName, now, now); err != nil {
		return nil, fmt.Errorf("failed to insert project %q: %w", name, err)
	}
	return scanProject(s.db.QueryRowContext(ctx, `SELECT `+projectColumns+` FROM projects WHERE name = ?`, name))
}

// ListProjects implements screenshots.Store.
func (s *Storage) ListProjects(ctx context.Context) ([]screenshots.Project, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+projectColumns+` FROM projects ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list projects: %w", err)
	}
	defer rows.Close()

	out := []screenshots.Project{}
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

// GetProject implements screenshots.Store.
func (s *Storage) GetProject(ctx context.Context, id int64) (*screenshots.Project, error) {
	return scanProject(s.db.QueryRowContext(ctx, `SELECT `+projectColumns+` FROM projects WHERE id = ?`, id))
}

const branchColumns = `b.id, b.project_id, b.name, b.created_at, b.updated_at`

func scanBranch(row scanner) (*screenshots.Branch, error) {
	var (
		b                screenshots.Branch
		created, updated int64
	)
	if err := row.Scan(&b.ID, &b.ProjectID, &b.Name, &created, &updated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, screenshots.ErrNotFound
		}
		return nil, fmt.Errorf("failed to read branch: %w", err)
	}
	b.CreatedAt, b.UpdatedAt = fromUnixNano(created), fromUnixNano(updated)
	return &b, nil
}

// GetOrCreateBranch implements screenshots.Store.
func (s *Storage) GetOrCreateBranch(ctx context.Context, projectID int64, name string) (*screenshots.Branch, error) {
	if _, err := s.GetProject(ctx, projectID); err != nil {
		return nil, err
	}
	now := unixNano(s.now())
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO branches (project_id, name, created_at, updated_at) VALUES (?, ?, ?, ?) ON CONFLICT (project_id, name) DO NOTHING`,
		projectID, name, now, now); err != nil {
		return nil, fmt.Errorf("failed to insert branch %q: %w", name, err)
	}
	return s.FindBranch(ctx, projectID, name)
}

// ListBranches implements screenshots.Store.
func (s *Storage) ListBranches(ctx context.Context, projectID int64) ([]screenshots.Branch, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+branchColumns+` FROM branches b JOIN projects p ON p.id = b.project_id
		  WHERE ? = 0 OR b.project_id = ?
		  ORDER BY p.name, b.name`, projectID, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to list branches: %w", err)
	}
	defer rows.Close()

	out := []screenshots.Branch{}
	for rows.Next() {
		b, err := scanBranch(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *b)
	}
	return out, rows.Err()
}

// GetBranch implements screenshots.Store.
func (s *Storage) GetBranch(ctx context.Context, id int64) (*screenshots.Branch, error) {
	return scanBranch(s.db.QueryRowContext(ctx, `SELECT `+branchColumns+` FROM branches b WHERE b.id = ?`, id))
}

// FindBranch implements screenshots.Store.
func (s *Storage) FindBranch(ctx context.Context, projectID int64, name string) (*screenshots.Branch, error) {
	return scanBranch(s.db.QueryRowContext(ctx,
		`SELECT `+branchColumns+` FROM branches b WHERE b.project_id = ? AND b.name = ?`, projectID, name))
}

const screenshotColumns = `id, project_id, branch_id, page_name, viewport_size, image, pipeline_url, metadata, timestamp, created_at`

func scanScreenshot(row scanner) (*screenshots.Screenshot, error) {
	var (
		shot          screenshots.Screenshot
		meta          string
		ts, createdAt int64
	)
	err := row.Scan(&shot.ID, &shot.ProjectID, &shot.BranchID, &shot.PageName, &shot.ViewportSize,
		&shot.Image, &shot.PipelineURL, &meta, &ts, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, screenshots.ErrNotFound
		}
		return nil, fmt.Errorf("failed to read screenshot: %w", err)
	}
	if err := json.Unmarshal([]byte(meta), &shot.Metadata); err != nil {
		return nil, fmt.Errorf("failed to decode metadata of screenshot %d: %w", shot.ID, err)
	}
	if shot.Metadata == nil {
		shot.Metadata = map[string]any{}
	}
	shot.Timestamp, shot.CreatedAt = fromUnixNano(ts), fromUnixNano(createdAt)
	return &shot, nil
}

// CreateScreenshot implements screenshots.Store.
func (s *Storage) CreateScreenshot(ctx context.Context, in screenshots.NewScreenshot) (*screenshots.Screenshot, error) {
	b, err := s.GetBranch(ctx, in.BranchID)
	if err != nil {
		return nil, err
	}
	if b.ProjectID != in.ProjectID {
		return nil, screenshots.ErrNotFound
	}
	meta := in.Metadata
	if meta == nil {
		meta = map[string]any{}
	}
	encoded, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("failed to encode metadata: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO screenshots (project_id, branch_id, page_name, viewport_size, image, pipeline_url, metadata, timestamp, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		in.ProjectID, in.BranchID, in.PageName, in.ViewportSize, in.Image, in.PipelineURL,
		string(encoded), unixNano(in.Timestamp), unixNano(s.now()))
	if err != nil {
		return nil, fmt.Errorf("failed to insert screenshot: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to insert screenshot: %w", err)
	}
	return s.GetScreenshot(ctx, id)
}

// ListScreenshots implements screenshots.Store.
func (s *Storage) ListScreenshots(ctx context.Context, f screenshots.Filter) ([]screenshots.Screenshot, error) {
	var (
		where []string
		args  []any
	)
	if f.ProjectID != 0 {
		where, args = append(where, "project_id = ?"), append(args, f.ProjectID)
	}
	if f.BranchID != 0 {
		where, args = append(where, "branch_id = ?"), append(args, f.BranchID)
	}
	if f.PageName != "" {
		where, args = append(where, "page_name = ?"), append(args, f.PageName)
	}
	query := `SELECT ` + screenshotColumns + ` FROM screenshots`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY timestamp DESC, page_name, id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list screenshots: %w", err)
	}
	defer rows.Close()

	out := []screenshots.Screenshot{}
	for rows.Next() {
		shot, err := scanScreenshot(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *shot)
	}
	return out, rows.Err()
}

// GetScreenshot implements screenshots.Store.
func (s *Storage) GetScreenshot(ctx context.Context, id int64) (*screenshots.Screenshot, error) {
	return scanScreenshot(s.db.QueryRowContext(ctx, `SELECT `+screenshotColumns+` FROM screenshots WHERE id = ?`, id))
}

// LatestScreenshot implements screenshots.Store.
func (s *Storage) LatestScreenshot(ctx context.Context, branchID int64, page string) (*screenshots.Screenshot, error) {
	return scanScreenshot(s.db.QueryRowContext(ctx,
		`SELECT `+screenshotColumns+` FROM screenshots WHERE branch_id = ? AND page_name = ?
		  ORDER BY timestamp DESC, id DESC LIMIT 1`, branchID, page))
}
