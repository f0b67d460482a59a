package identity

import (
	"context"
	"database/sql"
	"errors"
	"time"

	_ "github.com/lib/pq"
)

// PostgresStore implements Store using PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) (*PostgresStore, error) {
	s := &PostgresStore{db: db}
	if err := s.createTables(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) createTables() error {
	query := `
	CREATE TABLE IF NOT EXISTS teams (
		id BIGSERIAL PRIMARY KEY,
		name VARCHAR(255) UNIQUE NOT NULL,
		banned BOOLEAN NOT NULL DEFAULT FALSE,
		hidden BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
	);

	CREATE TABLE IF NOT EXISTS users (
		id BIGSERIAL PRIMARY KEY,
		name VARCHAR(255) NOT NULL,
		email VARCHAR(255) UNIQUE NOT NULL,
		password_hash VARCHAR(255) NOT NULL,
		role VARCHAR(16) NOT NULL DEFAULT 'user',
		team_id BIGINT REFERENCES teams(id) ON DELETE SET NULL,
		banned BOOLEAN NOT NULL DEFAULT FALSE,
		hidden BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
	);

	CREATE INDEX IF NOT EXISTS idx_users_email ON users(email);
	CREATE INDEX IF NOT EXISTS idx_users_team ON users(team_id);
	`
	_, err := s.db.Exec(query)
	return err
}

const userColumns = "id, name, email, password_hash, role, team_id, banned, hidden, created_at"

func scanUser(row interface{ Scan(...any) error }) (User, error) {
	var user User
	var teamID sql.NullInt64
	var createdAt time.Time
	err := row.Scan(
		&user.ID, &user.Name, &user.Email, &user.PasswordHash,
		&user.Role, &teamID, &user.Banned, &user.Hidden, &createdAt,
	)
	if err != nil {
		return User{}, err
	}
	if teamID.Valid {
		user.TeamID = &teamID.Int64
	}
	user.CreatedAt = createdAt
	return user, nil
}

func (s *PostgresStore) CreateUser(ctx context.Context, user User) (User, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		"SELECT EXISTS(SELECT 1 FROM users WHERE LOWER(email) = LOWER($1))", user.Email).Scan(&exists)
	if err != nil {
		return User{}, err
	}
	if exists {
		return User{}, ErrUserAlreadyExists
	}

	if user.Role == "" {
		user.Role = RoleUser
	}
	var teamID sql.NullInt64
	if user.TeamID != nil {
		teamID = sql.NullInt64{Int64: *user.TeamID, Valid: true}
	}

	query := `
		INSERT INTO users (name, email, password_hash, role, team_id, banned, hidden)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at
	`
	err = s.db.QueryRowContext(ctx, query,
		user.Name, user.Email, user.PasswordHash, user.Role, teamID,
		user.Banned, user.Hidden).Scan(&user.ID, &user.CreatedAt)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) UserByEmail(ctx context.Context, email string) (User, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+userColumns+" FROM users WHERE LOWER(email) = LOWER($1)", email)
	user, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrUserNotFound
	}
	return user, err
}

func (s *PostgresStore) UserByID(ctx context.Context, id int64) (User, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+userColumns+" FROM users WHERE id = $1", id)
	user, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrUserNotFound
	}
	return user, err
}

func (s *PostgresStore) CreateTeam(ctx context.Context, team Team) (Team, error) {
	query := `
		INSERT INTO teams (name, banned, hidden)
		VALUES ($1, $2, $3)
		RETURNING id, created_at
	`
	err := s.db.QueryRowContext(ctx, query,
		team.Name, team.Banned, team.Hidden).Scan(&team.ID, &team.CreatedAt)
	if err != nil {
		return Team{}, err
	}
	return team, nil
}

func (s *PostgresStore) TeamByID(ctx context.Context, id int64) (Team, error) {
	var team Team
	err := s.db.QueryRowContext(ctx,
		"SELECT id, name, banned, hidden, created_at FROM teams WHERE id = $1", id).
		Scan(&team.ID, &team.Name, &team.Banned, &team.Hidden, &team.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Team{}, ErrTeamNotFound
	}
	return team, err
}

func (s *PostgresStore) BanUser(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, "UPDATE users SET banned = TRUE WHERE id = $1", id)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrUserNotFound
	}
	return nil
}

// BanTeam bans the team and all of its members in one statement each.
func (s *PostgresStore) BanTeam(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, "UPDATE teams SET banned = TRUE WHERE id = $1", id)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrTeamNotFound
	}
	_, err = s.db.ExecContext(ctx, "UPDATE users SET banned = TRUE WHERE team_id = $1", id)
	return err
}
