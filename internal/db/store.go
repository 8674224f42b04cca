package db

import (
	"context"
	"crypto/sha256"
	"embed"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store provides data access to the global PostgreSQL database.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a new Store with a connection pool.
func NewStore(ctx context.Context, databaseURL string) (*Store, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Close closes the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Migrate runs database migrations.
func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	var currentVersion int
	err = s.pool.QueryRow(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&currentVersion)
	if err != nil {
		return fmt.Errorf("failed to get current migration version: %w", err)
	}

	migrations := []struct {
		version  int
		filename string
	}{
		{1, "migrations/001_initial.up.sql"},
		{2, "migrations/002_api_keys.up.sql"},
	}

	for _, m := range migrations {
		if currentVersion >= m.version {
			continue
		}
		sql, err := migrationsFS.ReadFile(m.filename)
		if err != nil {
			return fmt.Errorf("failed to read migration file %s: %w", m.filename, err)
		}
		tx, err := s.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("failed to begin transaction for migration %d: %w", m.version, err)
		}
		defer tx.Rollback(ctx)

		if _, err := tx.Exec(ctx, string(sql)); err != nil {
			return fmt.Errorf("failed to apply migration %03d: %w", m.version, err)
		}
		if _, err := tx.Exec(ctx, `INSERT INTO schema_migrations (version) VALUES ($1)`, m.version); err != nil {
			return fmt.Errorf("failed to record migration %03d: %w", m.version, err)
		}
		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("failed to commit migration %03d: %w", m.version, err)
		}
	}

	return nil
}

// IsUniqueViolation reports whether err is a unique-constraint violation.
// Port and assignment races surface here and are recovered by the caller.
func IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// ErrNotFound is returned by lookups that matched no rows.
var ErrNotFound = errors.New("not found")

// --- Sandbox registry operations ---

// SandboxRecord is a row in the local sandbox registry.
type SandboxRecord struct {
	ID             string     `json:"id"`
	Capacity       int        `json:"capacity"`
	ActiveUsers    int        `json:"activeUsers"`
	LastAssignedAt *time.Time `json:"lastAssignedAt,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
}

// RegisterSandbox inserts a sandbox into the registry with zero occupancy.
func (s *Store) RegisterSandbox(ctx context.Context, id string, capacity int) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO sandboxes (id, capacity, active_users)
		 VALUES ($1, $2, 0)
		 ON CONFLICT (id) DO NOTHING`,
		id, capacity)
	if err != nil {
		return fmt.Errorf("failed to register sandbox: %w", err)
	}
	return nil
}

// ListSandboxes returns every sandbox in the registry, least occupied first.
func (s *Store) ListSandboxes(ctx context.Context) ([]SandboxRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, capacity, active_users, last_assigned_at, created_at
		 FROM sandboxes ORDER BY active_users ASC, created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list sandboxes: %w", err)
	}
	defer rows.Close()

	var records []SandboxRecord
	for rows.Next() {
		var r SandboxRecord
		if err := rows.Scan(&r.ID, &r.Capacity, &r.ActiveUsers, &r.LastAssignedAt, &r.CreatedAt); err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	return records, nil
}

// TouchSandbox increments a sandbox's active-user count and stamps the
// assignment time. The capacity cap is advisory; this never rejects.
func (s *Store) TouchSandbox(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE sandboxes SET active_users = active_users + 1, last_assigned_at = now()
		 WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to touch sandbox: %w", err)
	}
	return nil
}

// --- Assignment operations ---

// GetAssignment returns the sandbox assigned to a user, or ErrNotFound.
func (s *Store) GetAssignment(ctx context.Context, userID string) (string, error) {
	var sandboxID string
	err := s.pool.QueryRow(ctx,
		`SELECT sandbox_id FROM user_sandboxes WHERE user_id = $1`, userID,
	).Scan(&sandboxID)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to get assignment: %w", err)
	}
	return sandboxID, nil
}

// UpsertAssignment records a user's sandbox, replacing any previous one.
// The user_id primary key guarantees at most one assignment per user.
func (s *Store) UpsertAssignment(ctx context.Context, userID, sandboxID string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO user_sandboxes (user_id, sandbox_id)
		 VALUES ($1, $2)
		 ON CONFLICT (user_id) DO UPDATE SET
		   sandbox_id = EXCLUDED.sandbox_id,
		   updated_at = now()`,
		userID, sandboxID)
	if err != nil {
		return fmt.Errorf("failed to upsert assignment: %w", err)
	}
	return nil
}

// MigrateSandbox re-points every record referencing oldID at newID and drops
// the old registry row: projects first, then the registry, then assignments
// last. Assignments are what every future AssignSandbox call consults first,
// so they move last to minimize the window a crash leaves inconsistent rows.
func (s *Store) MigrateSandbox(ctx context.Context, oldID, newID string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin migration transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`UPDATE projects SET sandbox_id = $1, updated_at = now() WHERE sandbox_id = $2`,
		newID, oldID); err != nil {
		return fmt.Errorf("failed to migrate project rows: %w", err)
	}
	if _, err := tx.Exec(ctx,
		`DELETE FROM sandboxes WHERE id = $1`, oldID); err != nil {
		return fmt.Errorf("failed to drop old sandbox row: %w", err)
	}
	if _, err := tx.Exec(ctx,
		`UPDATE user_sandboxes SET sandbox_id = $1, updated_at = now() WHERE sandbox_id = $2`,
		newID, oldID); err != nil {
		return fmt.Errorf("failed to migrate assignment rows: %w", err)
	}
	return tx.Commit(ctx)
}

// --- Project operations ---

type Project struct {
	ID        uuid.UUID `json:"id"`
	UserID    string    `json:"userId"`
	SandboxID string    `json:"sandboxId"`
	Name      string    `json:"name"`
	Path      string    `json:"path"`
	DevPort   *int      `json:"devPort,omitempty"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"createdAt"`
}

const projectColumns = `id, user_id, sandbox_id, name, path, dev_port, status, created_at`

func scanProject(row pgx.Row) (*Project, error) {
	p := &Project{}
	err := row.Scan(&p.ID, &p.UserID, &p.SandboxID, &p.Name, &p.Path, &p.DevPort, &p.Status, &p.CreatedAt)
	return p, err
}

// CreateProject inserts a project under a caller-generated ID (the ID is
// part of the workspace path, so it must exist before the row does). A
// (sandbox_id, dev_port) collision surfaces as a unique violation; callers
// re-allocate the port and retry once.
func (s *Store) CreateProject(ctx context.Context, id uuid.UUID, userID, sandboxID, name, path string, devPort int) (*Project, error) {
	p, err := scanProject(s.pool.QueryRow(ctx,
		`INSERT INTO projects (id, user_id, sandbox_id, name, path, dev_port)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 RETURNING `+projectColumns,
		id, userID, sandboxID, name, path, devPort,
	))
	if err != nil {
		return nil, fmt.Errorf("failed to create project: %w", err)
	}
	return p, nil
}

// GetProject returns a project by ID.
func (s *Store) GetProject(ctx context.Context, id uuid.UUID) (*Project, error) {
	p, err := scanProject(s.pool.QueryRow(ctx,
		`SELECT `+projectColumns+` FROM projects WHERE id = $1`, id,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get project: %w", err)
	}
	return p, nil
}

// ListProjects returns all projects for a user, newest first.
func (s *Store) ListProjects(ctx context.Context, userID string) ([]Project, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+projectColumns+` FROM projects WHERE user_id = $1 ORDER BY created_at DESC`,
		userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list projects: %w", err)
	}
	defer rows.Close()

	var projects []Project
	for rows.Next() {
		var p Project
		if err := rows.Scan(&p.ID, &p.UserID, &p.SandboxID, &p.Name, &p.Path, &p.DevPort, &p.Status, &p.CreatedAt); err != nil {
			return nil, err
		}
		projects = append(projects, p)
	}
	return projects, nil
}

// UpdateProjectPlacement backfills a project's path and dev port, used when
// either was missing at creation time and allocated lazily on first use.
func (s *Store) UpdateProjectPlacement(ctx context.Context, id uuid.UUID, path string, devPort int) (*Project, error) {
	p, err := scanProject(s.pool.QueryRow(ctx,
		`UPDATE projects SET path = $1, dev_port = $2, updated_at = now()
		 WHERE id = $3
		 RETURNING `+projectColumns,
		path, devPort, id,
	))
	if err != nil {
		return nil, fmt.Errorf("failed to update project placement: %w", err)
	}
	return p, nil
}

// ProjectPorts returns every dev port currently recorded in a sandbox.
func (s *Store) ProjectPorts(ctx context.Context, sandboxID string) ([]int, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT dev_port FROM projects WHERE sandbox_id = $1 AND dev_port IS NOT NULL`,
		sandboxID)
	if err != nil {
		return nil, fmt.Errorf("failed to list project ports: %w", err)
	}
	defer rows.Close()

	var ports []int
	for rows.Next() {
		var port int
		if err := rows.Scan(&port); err != nil {
			return nil, err
		}
		ports = append(ports, port)
	}
	return ports, nil
}

// PortInUse re-checks a single candidate port against the store. This is the
// confirmatory read that closes the race between snapshotting the taken set
// and committing the project row.
func (s *Store) PortInUse(ctx context.Context, sandboxID string, port int) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM projects WHERE sandbox_id = $1 AND dev_port = $2)`,
		sandboxID, port,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check port: %w", err)
	}
	return exists, nil
}

// --- API key operations ---

// HashAPIKey returns the SHA-256 hash of a plaintext API key.
func HashAPIKey(key string) string {
	h := sha256.Sum256([]byte(key))
	return hex.EncodeToString(h[:])
}

// CreateAPIKey stores the hash of a new plaintext key under a display name.
func (s *Store) CreateAPIKey(ctx context.Context, name, keyPlaintext string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO api_keys (key_hash, name) VALUES ($1, $2)`,
		HashAPIKey(keyPlaintext), name)
	if err != nil {
		return fmt.Errorf("failed to create API key: %w", err)
	}
	return nil
}

// ValidateAPIKey checks a plaintext key against stored hashes.
func (s *Store) ValidateAPIKey(ctx context.Context, keyPlaintext string) error {
	hash := HashAPIKey(keyPlaintext)
	var id uuid.UUID
	err := s.pool.QueryRow(ctx,
		`SELECT id FROM api_keys WHERE key_hash = $1`, hash,
	).Scan(&id)
	if err != nil {
		return fmt.Errorf("invalid API key")
	}
	_, _ = s.pool.Exec(ctx, `UPDATE api_keys SET last_used = now() WHERE key_hash = $1`, hash)
	return nil
}

// Pool returns the underlying pgx pool for advanced use cases.
func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}
