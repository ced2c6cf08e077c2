package authority

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"
)

// migrations holds the ordered list of DDL statements that bring the
// schema up to date, the same way the teacher's store package tracks
// schema changes: append-only, one statement per version, never
// reordered or edited once shipped.
var migrations = []string{
	// v1 — projects and their owners.
	`CREATE TABLE IF NOT EXISTS projects (
		id       TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL
	)`,
	// v2 — collaborator roles per project.
	`CREATE TABLE IF NOT EXISTS collaborators (
		project_id TEXT NOT NULL,
		user_id    TEXT NOT NULL,
		role       TEXT NOT NULL,
		PRIMARY KEY (project_id, user_id)
	)`,
	// v3 — opaque bearer tokens.
	`CREATE TABLE IF NOT EXISTS tokens (
		token        TEXT PRIMARY KEY,
		user_id      TEXT NOT NULL,
		display_name TEXT NOT NULL,
		avatar_url   TEXT NOT NULL DEFAULT '',
		revoked      INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE INDEX IF NOT EXISTS idx_collaborators_project ON collaborators(project_id)`,
	`PRAGMA journal_mode=WAL`,
}

// SQLiteStore is the reference AuthorityStore implementation: a small
// SQLite-backed table of projects, collaborators, and tokens. It exists
// so the composition root has a working Store without depending on the
// real (out-of-scope) relational backend that owns project/track/clip
// entities.
type SQLiteStore struct {
	db  *sql.DB
	log zerolog.Logger
}

// OpenSQLiteStore opens (or creates) the database at path and applies
// pending migrations.
func OpenSQLiteStore(path string, log zerolog.Logger) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	s := &SQLiteStore{db: db, log: log.With().Str("component", "authority_store").Logger()}
	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (version INTEGER PRIMARY KEY)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}
	var applied int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM schema_migrations`).Scan(&applied); err != nil {
		return fmt.Errorf("count applied migrations: %w", err)
	}
	for i := applied; i < len(migrations); i++ {
		if _, err := s.db.ExecContext(ctx, migrations[i]); err != nil {
			return fmt.Errorf("apply migration v%d: %w", i+1, err)
		}
		if _, err := s.db.ExecContext(ctx, `INSERT INTO schema_migrations (version) VALUES (?)`, i+1); err != nil {
			return fmt.Errorf("record migration v%d: %w", i+1, err)
		}
	}
	s.log.Info().Int("applied", len(migrations)-applied).Msg("authority store migrated")
	return nil
}

// Close closes the underlying database handle.
func (s *SQLiteStore) Close() error { return s.db.Close() }

// ResolveProjectOwner implements Store.
func (s *SQLiteStore) ResolveProjectOwner(ctx context.Context, projectID uuid.UUID) (uuid.UUID, error) {
	var ownerStr string
	err := s.db.QueryRowContext(ctx, `SELECT owner_id FROM projects WHERE id = ?`, projectID.String()).Scan(&ownerStr)
	if err != nil {
		return uuid.Nil, fmt.Errorf("resolve project owner: %w", err)
	}
	owner, err := uuid.Parse(ownerStr)
	if err != nil {
		return uuid.Nil, fmt.Errorf("stored owner_id is not a UUID: %w", err)
	}
	return owner, nil
}

// ResolveCollaboratorRole implements Store.
func (s *SQLiteStore) ResolveCollaboratorRole(ctx context.Context, projectID, userID uuid.UUID) (string, error) {
	var role string
	err := s.db.QueryRowContext(ctx,
		`SELECT role FROM collaborators WHERE project_id = ? AND user_id = ?`,
		projectID.String(), userID.String(),
	).Scan(&role)
	if err != nil {
		return "", fmt.Errorf("resolve collaborator role: %w", err)
	}
	return role, nil
}

// VerifyBearerToken implements Store.
func (s *SQLiteStore) VerifyBearerToken(ctx context.Context, token string) (uuid.UUID, string, string, error) {
	var userIDStr, displayName, avatarURL string
	var revoked int
	err := s.db.QueryRowContext(ctx,
		`SELECT user_id, display_name, avatar_url, revoked FROM tokens WHERE token = ?`, token,
	).Scan(&userIDStr, &displayName, &avatarURL, &revoked)
	if err != nil {
		return uuid.Nil, "", "", fmt.Errorf("verify bearer token: %w", err)
	}
	if revoked != 0 {
		return uuid.Nil, "", "", fmt.Errorf("token revoked")
	}
	userID, err := uuid.Parse(userIDStr)
	if err != nil {
		return uuid.Nil, "", "", fmt.Errorf("stored user_id is not a UUID: %w", err)
	}
	return userID, displayName, avatarURL, nil
}

// SeedProject inserts (or updates) a project's owner — used by tests and
// admin tooling, not by the realtime path.
func (s *SQLiteStore) SeedProject(ctx context.Context, projectID, ownerID uuid.UUID) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO projects (id, owner_id) VALUES (?, ?)
		 ON CONFLICT(id) DO UPDATE SET owner_id = excluded.owner_id`,
		projectID.String(), ownerID.String(),
	)
	return err
}

// SeedCollaborator inserts (or updates) a collaborator role.
func (s *SQLiteStore) SeedCollaborator(ctx context.Context, projectID, userID uuid.UUID, role string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO collaborators (project_id, user_id, role) VALUES (?, ?, ?)
		 ON CONFLICT(project_id, user_id) DO UPDATE SET role = excluded.role`,
		projectID.String(), userID.String(), role,
	)
	return err
}

// SeedToken inserts (or updates) a bearer token mapping.
func (s *SQLiteStore) SeedToken(ctx context.Context, token string, userID uuid.UUID, displayName, avatarURL string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tokens (token, user_id, display_name, avatar_url) VALUES (?, ?, ?, ?)
		 ON CONFLICT(token) DO UPDATE SET user_id = excluded.user_id, display_name = excluded.display_name, avatar_url = excluded.avatar_url`,
		token, userID.String(), displayName, avatarURL,
	)
	return err
}
