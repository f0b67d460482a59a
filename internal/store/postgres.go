package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// OpenPostgres prepares the schema and returns the store bundle backed
// by the given database handle.
func OpenPostgres(db *sql.DB) (*Stores, error) {
	if err := createTables(db); err != nil {
		return nil, fmt.Errorf("create tables: %w", err)
	}
	return &Stores{
		Instances:  &PostgresInstances{db: db},
		Flags:      &PostgresFlags{db: db},
		Challenges: &PostgresChallenges{db: db},
		Solves:     &PostgresSolves{db: db},
		Settings:   &PostgresSettings{db: db},
		Abuse:      &PostgresAbuse{db: db},
	}, nil
}

func createTables(db *sql.DB) error {
	query := `
	CREATE TABLE IF NOT EXISTS challenges (
		id BIGSERIAL PRIMARY KEY,
		name TEXT NOT NULL,
		image TEXT NOT NULL,
		port INTEGER NOT NULL,
		command TEXT NOT NULL DEFAULT '',
		volumes TEXT NOT NULL DEFAULT '',
		connection_type TEXT NOT NULL DEFAULT '',
		initial INTEGER NOT NULL DEFAULT 0,
		minimum INTEGER NOT NULL DEFAULT 0,
		decay INTEGER NOT NULL DEFAULT 0,
		value INTEGER NOT NULL DEFAULT 0,
		flag_mode TEXT NOT NULL DEFAULT 'static',
		random_flag_length INTEGER NOT NULL DEFAULT 10,
		flag_prefix TEXT NOT NULL DEFAULT 'CTF{',
		flag_suffix TEXT NOT NULL DEFAULT '}'
	);

	CREATE TABLE IF NOT EXISTS instances (
		container_id VARCHAR(512) PRIMARY KEY,
		challenge_id BIGINT NOT NULL REFERENCES challenges(id) ON DELETE CASCADE,
		owner_kind VARCHAR(8) NOT NULL,
		owner_id BIGINT NOT NULL,
		port INTEGER NOT NULL,
		flag TEXT NOT NULL DEFAULT '',
		created_at BIGINT NOT NULL,
		expires BIGINT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_instances_owner ON instances(owner_kind, owner_id);

	CREATE TABLE IF NOT EXISTS flags (
		id BIGSERIAL PRIMARY KEY,
		challenge_id BIGINT NOT NULL REFERENCES challenges(id) ON DELETE CASCADE,
		instance_id VARCHAR(512),
		value TEXT UNIQUE NOT NULL,
		owner_kind VARCHAR(8),
		owner_id BIGINT,
		used BOOLEAN NOT NULL DEFAULT FALSE
	);

	CREATE INDEX IF NOT EXISTS idx_flags_instance ON flags(instance_id);

	CREATE TABLE IF NOT EXISTS abuse_records (
		id VARCHAR(36) PRIMARY KEY,
		challenge_id BIGINT NOT NULL,
		flag TEXT NOT NULL,
		owner_kind VARCHAR(8) NOT NULL,
		owner_id BIGINT NOT NULL,
		submitter_kind VARCHAR(8) NOT NULL,
		submitter_id BIGINT NOT NULL,
		created_at BIGINT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS settings (
		key VARCHAR(512) PRIMARY KEY,
		value TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS solves (
		id BIGSERIAL PRIMARY KEY,
		challenge_id BIGINT NOT NULL REFERENCES challenges(id) ON DELETE CASCADE,
		owner_kind VARCHAR(8) NOT NULL,
		owner_id BIGINT NOT NULL,
		user_id BIGINT NOT NULL,
		created_at BIGINT NOT NULL,
		UNIQUE (challenge_id, owner_kind, owner_id)
	);
	`

	_, err := db.Exec(query)
	return err
}

type PostgresInstances struct {
	db *sql.DB
}

func (s *PostgresInstances) Create(ctx context.Context, inst Instance) error {
	query := `
		INSERT INTO instances (container_id, challenge_id, owner_kind, owner_id, port, flag, created_at, expires)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err := s.db.ExecContext(ctx, query,
		inst.ID, inst.ChallengeID, inst.Owner.Kind, inst.Owner.ID,
		inst.Port, inst.Flag, inst.CreatedAt, inst.Expires,
	)
	return err
}

const instanceColumns = "container_id, challenge_id, owner_kind, owner_id, port, flag, created_at, expires"

func scanInstance(row interface{ Scan(...any) error }) (Instance, error) {
	var inst Instance
	err := row.Scan(
		&inst.ID, &inst.ChallengeID, &inst.Owner.Kind, &inst.Owner.ID,
		&inst.Port, &inst.Flag, &inst.CreatedAt, &inst.Expires,
	)
	return inst, err
}

func (s *PostgresInstances) ByID(ctx context.Context, id string) (Instance, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+instanceColumns+" FROM instances WHERE container_id = $1", id)
	inst, err := scanInstance(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Instance{}, ErrInstanceNotFound
	}
	return inst, err
}

func (s *PostgresInstances) ForOwner(ctx context.Context, challengeID int64, owner Owner) (Instance, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+instanceColumns+" FROM instances WHERE challenge_id = $1 AND owner_kind = $2 AND owner_id = $3",
		challengeID, owner.Kind, owner.ID)
	inst, err := scanInstance(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Instance{}, ErrInstanceNotFound
	}
	return inst, err
}

func (s *PostgresInstances) CountForOwner(ctx context.Context, owner Owner) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM instances WHERE owner_kind = $1 AND owner_id = $2",
		owner.Kind, owner.ID).Scan(&count)
	return count, err
}

func (s *PostgresInstances) List(ctx context.Context) ([]Instance, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+instanceColumns+" FROM instances ORDER BY created_at DESC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var instances []Instance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		instances = append(instances, inst)
	}
	return instances, rows.Err()
}

func (s *PostgresInstances) UpdateExpiry(ctx context.Context, id string, expires int64) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE instances SET expires = $1 WHERE container_id = $2", expires, id)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrInstanceNotFound
	}
	return nil
}

func (s *PostgresInstances) Delete(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM instances WHERE container_id = $1", id)
	return err
}

type PostgresFlags struct {
	db *sql.DB
}

func (s *PostgresFlags) Create(ctx context.Context, f Flag) (Flag, error) {
	var ownerKind sql.NullString
	var ownerID sql.NullInt64
	if f.Owner != nil {
		ownerKind = sql.NullString{String: string(f.Owner.Kind), Valid: true}
		ownerID = sql.NullInt64{Int64: f.Owner.ID, Valid: true}
	}
	var instanceID sql.NullString
	if f.InstanceID != "" {
		instanceID = sql.NullString{String: f.InstanceID, Valid: true}
	}

	query := `
		INSERT INTO flags (challenge_id, instance_id, value, owner_kind, owner_id, used)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id
	`
	err := s.db.QueryRowContext(ctx, query,
		f.ChallengeID, instanceID, f.Value, ownerKind, ownerID, f.Used).Scan(&f.ID)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code.Name() == "unique_violation" {
			return Flag{}, ErrFlagExists
		}
		return Flag{}, err
	}
	return f, nil
}

func scanFlag(row interface{ Scan(...any) error }) (Flag, error) {
	var f Flag
	var instanceID, ownerKind sql.NullString
	var ownerID sql.NullInt64
	err := row.Scan(&f.ID, &f.ChallengeID, &instanceID, &f.Value, &ownerKind, &ownerID, &f.Used)
	if err != nil {
		return Flag{}, err
	}
	f.InstanceID = instanceID.String
	if ownerKind.Valid && ownerID.Valid {
		f.Owner = &Owner{Kind: OwnerKind(ownerKind.String), ID: ownerID.Int64}
	}
	return f, nil
}

const flagColumns = "id, challenge_id, instance_id, value, owner_kind, owner_id, used"

func (s *PostgresFlags) ByValue(ctx context.Context, value string) (Flag, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+flagColumns+" FROM flags WHERE value = $1", value)
	f, err := scanFlag(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Flag{}, ErrFlagNotFound
	}
	return f, err
}

func (s *PostgresFlags) ByInstance(ctx context.Context, instanceID string) ([]Flag, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+flagColumns+" FROM flags WHERE instance_id = $1", instanceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var flags []Flag
	for rows.Next() {
		f, err := scanFlag(rows)
		if err != nil {
			return nil, err
		}
		flags = append(flags, f)
	}
	return flags, rows.Err()
}

func (s *PostgresFlags) MarkUsed(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, "UPDATE flags SET used = TRUE WHERE id = $1", id)
	return err
}

func (s *PostgresFlags) ClearInstance(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, "UPDATE flags SET instance_id = NULL WHERE id = $1", id)
	return err
}

func (s *PostgresFlags) Delete(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM flags WHERE id = $1", id)
	return err
}

type PostgresChallenges struct {
	db *sql.DB
}

const challengeColumns = "id, name, image, port, command, volumes, connection_type, initial, minimum, decay, value, flag_mode, random_flag_length, flag_prefix, flag_suffix"

func scanChallenge(row interface{ Scan(...any) error }) (Challenge, error) {
	var ch Challenge
	err := row.Scan(
		&ch.ID, &ch.Name, &ch.Image, &ch.Port, &ch.Command, &ch.Volumes,
		&ch.ConnectionType, &ch.Initial, &ch.Minimum, &ch.Decay, &ch.Value,
		&ch.FlagMode, &ch.FlagLength, &ch.FlagPrefix, &ch.FlagSuffix,
	)
	return ch, err
}

func (s *PostgresChallenges) Create(ctx context.Context, ch Challenge) (Challenge, error) {
	query := `
		INSERT INTO challenges (name, image, port, command, volumes, connection_type, initial, minimum, decay, value, flag_mode, random_flag_length, flag_prefix, flag_suffix)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		RETURNING id
	`
	err := s.db.QueryRowContext(ctx, query,
		ch.Name, ch.Image, ch.Port, ch.Command, ch.Volumes, ch.ConnectionType,
		ch.Initial, ch.Minimum, ch.Decay, ch.Value, ch.FlagMode,
		ch.FlagLength, ch.FlagPrefix, ch.FlagSuffix).Scan(&ch.ID)
	if err != nil {
		return Challenge{}, err
	}
	return ch, nil
}

func (s *PostgresChallenges) ByID(ctx context.Context, id int64) (Challenge, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+challengeColumns+" FROM challenges WHERE id = $1", id)
	ch, err := scanChallenge(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Challenge{}, ErrChallengeNotFound
	}
	return ch, err
}

func (s *PostgresChallenges) Update(ctx context.Context, ch Challenge) error {
	query := `
		UPDATE challenges
		SET name = $2, image = $3, port = $4, command = $5, volumes = $6,
			connection_type = $7, initial = $8, minimum = $9, decay = $10,
			value = $11, flag_mode = $12, random_flag_length = $13,
			flag_prefix = $14, flag_suffix = $15
		WHERE id = $1
	`
	res, err := s.db.ExecContext(ctx, query,
		ch.ID, ch.Name, ch.Image, ch.Port, ch.Command, ch.Volumes,
		ch.ConnectionType, ch.Initial, ch.Minimum, ch.Decay, ch.Value,
		ch.FlagMode, ch.FlagLength, ch.FlagPrefix, ch.FlagSuffix)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrChallengeNotFound
	}
	return nil
}

func (s *PostgresChallenges) List(ctx context.Context) ([]Challenge, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+challengeColumns+" FROM challenges ORDER BY id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var challenges []Challenge
	for rows.Next() {
		ch, err := scanChallenge(rows)
		if err != nil {
			return nil, err
		}
		challenges = append(challenges, ch)
	}
	return challenges, rows.Err()
}

type PostgresSolves struct {
	db *sql.DB
}

func (s *PostgresSolves) Create(ctx context.Context, solve Solve) error {
	if solve.CreatedAt == 0 {
		solve.CreatedAt = time.Now().Unix()
	}
	query := `
		INSERT INTO solves (challenge_id, owner_kind, owner_id, user_id, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`
	_, err := s.db.ExecContext(ctx, query,
		solve.ChallengeID, solve.Owner.Kind, solve.Owner.ID, solve.UserID, solve.CreatedAt)
	return err
}

func (s *PostgresSolves) Exists(ctx context.Context, challengeID int64, owner Owner) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		"SELECT EXISTS(SELECT 1 FROM solves WHERE challenge_id = $1 AND owner_kind = $2 AND owner_id = $3)",
		challengeID, owner.Kind, owner.ID).Scan(&exists)
	return exists, err
}

func (s *PostgresSolves) CountValid(ctx context.Context, challengeID int64) (int, error) {
	query := `
		SELECT COUNT(*)
		FROM solves s
		LEFT JOIN users u ON s.owner_kind = 'user' AND u.id = s.owner_id
		LEFT JOIN teams t ON s.owner_kind = 'team' AND t.id = s.owner_id
		WHERE s.challenge_id = $1
		AND COALESCE(u.banned, t.banned, FALSE) = FALSE
		AND COALESCE(u.hidden, t.hidden, FALSE) = FALSE
	`
	var count int
	err := s.db.QueryRowContext(ctx, query, challengeID).Scan(&count)
	return count, err
}

type PostgresSettings struct {
	db *sql.DB
}

func (s *PostgresSettings) All(ctx context.Context) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT key, value FROM settings")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	settings := make(map[string]string)
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, err
		}
		settings[key] = value
	}
	return settings, rows.Err()
}

func (s *PostgresSettings) Set(ctx context.Context, key, value string) error {
	query := `
		INSERT INTO settings (key, value) VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value
	`
	_, err := s.db.ExecContext(ctx, query, key, value)
	return err
}

type PostgresAbuse struct {
	db *sql.DB
}

func (s *PostgresAbuse) Create(ctx context.Context, rec AbuseRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.CreatedAt == 0 {
		rec.CreatedAt = time.Now().Unix()
	}
	query := `
		INSERT INTO abuse_records (id, challenge_id, flag, owner_kind, owner_id, submitter_kind, submitter_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err := s.db.ExecContext(ctx, query,
		rec.ID, rec.ChallengeID, rec.FlagValue,
		rec.Owner.Kind, rec.Owner.ID, rec.Submitter.Kind, rec.Submitter.ID,
		rec.CreatedAt)
	return err
}

func (s *PostgresAbuse) List(ctx context.Context) ([]AbuseRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, challenge_id, flag, owner_kind, owner_id, submitter_kind, submitter_id, created_at
		FROM abuse_records ORDER BY created_at DESC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []AbuseRecord
	for rows.Next() {
		var rec AbuseRecord
		if err := rows.Scan(
			&rec.ID, &rec.ChallengeID, &rec.FlagValue,
			&rec.Owner.Kind, &rec.Owner.ID, &rec.Submitter.Kind, &rec.Submitter.ID,
			&rec.CreatedAt); err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}
