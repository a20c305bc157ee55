package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/squadflow/squadflow/internal/common/errors"
	v1 "github.com/squadflow/squadflow/pkg/api/v1"
)

// SQLiteRepository provides SQLite-based squad storage.
type SQLiteRepository struct {
	db *sql.DB
}

// Ensure SQLiteRepository implements Repository interface
var _ Repository = (*SQLiteRepository)(nil)

// NewSQLiteRepository creates a new SQLite repository.
func NewSQLiteRepository(dbPath string) (*SQLiteRepository, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	repo := &SQLiteRepository{db: db}
	if err := repo.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return repo, nil
}

func (r *SQLiteRepository) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS squads (
		id TEXT PRIMARY KEY,
		org_id TEXT NOT NULL,
		owner_id TEXT DEFAULT '',
		name TEXT NOT NULL,
		status TEXT DEFAULT 'active',
		config TEXT DEFAULT '{}',
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS squad_members (
		id TEXT PRIMARY KEY,
		squad_id TEXT NOT NULL,
		role TEXT NOT NULL,
		specialization TEXT DEFAULT '',
		llm_provider TEXT DEFAULT '',
		llm_model TEXT DEFAULT '',
		system_prompt TEXT DEFAULT '',
		config TEXT DEFAULT '{}',
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		FOREIGN KEY (squad_id) REFERENCES squads(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_squads_org_id ON squads(org_id);
	CREATE INDEX IF NOT EXISTS idx_members_squad_id ON squad_members(squad_id);
	`

	_, err := r.db.Exec(schema)
	return err
}

// Close closes the database connection.
func (r *SQLiteRepository) Close() error {
	return r.db.Close()
}

// CreateSquad creates a new squad.
func (r *SQLiteRepository) CreateSquad(ctx context.Context, squad *v1.Squad) error {
	if squad.ID == "" {
		squad.ID = uuid.New().String()
	}
	if squad.Status == "" {
		squad.Status = v1.SquadStatusActive
	}
	now := time.Now().UTC()
	squad.CreatedAt = now
	squad.UpdatedAt = now

	config := marshalConfig(squad.Config)
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO squads (id, org_id, owner_id, name, status, config, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		squad.ID, squad.OrgID, squad.OwnerID, squad.Name, string(squad.Status), config,
		squad.CreatedAt, squad.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create squad: %w", err)
	}
	return nil
}

// GetSquad retrieves a squad by ID.
func (r *SQLiteRepository) GetSquad(ctx context.Context, id string) (*v1.Squad, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, org_id, owner_id, name, status, config, created_at, updated_at
		FROM squads WHERE id = ?`, id)

	squad, err := scanSquad(row)
	if err == sql.ErrNoRows {
		return nil, errors.NotFound("squad", id)
	}
	return squad, err
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSquad(row rowScanner) (*v1.Squad, error) {
	var (
		squad  v1.Squad
		status string
		config string
	)
	err := row.Scan(&squad.ID, &squad.OrgID, &squad.OwnerID, &squad.Name, &status, &config,
		&squad.CreatedAt, &squad.UpdatedAt)
	if err != nil {
		return nil, err
	}
	squad.Status = v1.SquadStatus(status)
	squad.Config = unmarshalConfig(config)
	squad.CreatedAt = squad.CreatedAt.UTC()
	squad.UpdatedAt = squad.UpdatedAt.UTC()
	return &squad, nil
}

// UpdateSquadStatus updates the lifecycle status of a squad.
func (r *SQLiteRepository) UpdateSquadStatus(ctx context.Context, id string, status v1.SquadStatus) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE squads SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update squad status: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return errors.NotFound("squad", id)
	}
	return nil
}

// ListSquads returns all squads of an organization.
func (r *SQLiteRepository) ListSquads(ctx context.Context, orgID string) ([]*v1.Squad, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, org_id, owner_id, name, status, config, created_at, updated_at
		FROM squads WHERE org_id = ? ORDER BY created_at`, orgID)
	if err != nil {
		return nil, fmt.Errorf("failed to list squads: %w", err)
	}
	defer rows.Close()

	var result []*v1.Squad
	for rows.Next() {
		squad, err := scanSquad(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, squad)
	}
	return result, rows.Err()
}

// AddMember adds an agent definition to a squad. The role must be one the
// platform knows how to instantiate.
func (r *SQLiteRepository) AddMember(ctx context.Context, member *v1.SquadMember) error {
	if !v1.IsKnownRole(member.Role) {
		return errors.UnsupportedRole(string(member.Role))
	}
	if member.ID == "" {
		member.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	member.CreatedAt = now
	member.UpdatedAt = now

	config := marshalConfig(member.Config)
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO squad_members (id, squad_id, role, specialization, llm_provider, llm_model, system_prompt, config, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		member.ID, member.SquadID, string(member.Role), member.Specialization,
		member.LLMProvider, member.LLMModel, member.SystemPrompt, config,
		member.CreatedAt, member.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to add squad member: %w", err)
	}
	return nil
}

// GetMember retrieves a squad member by ID.
func (r *SQLiteRepository) GetMember(ctx context.Context, id string) (*v1.SquadMember, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, squad_id, role, specialization, llm_provider, llm_model, system_prompt, config, created_at, updated_at
		FROM squad_members WHERE id = ?`, id)

	member, err := scanMember(row)
	if err == sql.ErrNoRows {
		return nil, errors.NotFound("squad member", id)
	}
	return member, err
}

func scanMember(row rowScanner) (*v1.SquadMember, error) {
	var (
		member v1.SquadMember
		role   string
		config string
	)
	err := row.Scan(&member.ID, &member.SquadID, &role, &member.Specialization,
		&member.LLMProvider, &member.LLMModel, &member.SystemPrompt, &config,
		&member.CreatedAt, &member.UpdatedAt)
	if err != nil {
		return nil, err
	}
	member.Role = v1.AgentRole(role)
	member.Config = unmarshalConfig(config)
	member.CreatedAt = member.CreatedAt.UTC()
	member.UpdatedAt = member.UpdatedAt.UTC()
	return &member, nil
}

// ListMembers returns all members of a squad.
func (r *SQLiteRepository) ListMembers(ctx context.Context, squadID string) ([]*v1.SquadMember, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, squad_id, role, specialization, llm_provider, llm_model, system_prompt, config, created_at, updated_at
		FROM squad_members WHERE squad_id = ? ORDER BY created_at`, squadID)
	if err != nil {
		return nil, fmt.Errorf("failed to list squad members: %w", err)
	}
	defer rows.Close()

	var result []*v1.SquadMember
	for rows.Next() {
		member, err := scanMember(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, member)
	}
	return result, rows.Err()
}

// RemoveMember removes a member from its squad.
func (r *SQLiteRepository) RemoveMember(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM squad_members WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to remove squad member: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return errors.NotFound("squad member", id)
	}
	return nil
}

func marshalConfig(m map[string]interface{}) string {
	if len(m) == 0 {
		return "{}"
	}
	data, err := json.Marshal(m)
	if err != nil {
		return "{}"
	}
	return string(data)
}

func unmarshalConfig(s string) map[string]interface{} {
	if s == "" || s == "{}" {
		return nil
	}
	var m map[string]interface{}
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil
	}
	return m
}
