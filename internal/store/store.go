package store

import (
	"context"
	"errors"
)

var (
	ErrInstanceNotFound  = errors.New("instance not found")
	ErrFlagNotFound      = errors.New("flag not found")
	ErrFlagExists        = errors.New("flag value already exists")
	ErrChallengeNotFound = errors.New("challenge not found")
)

// OwnerKind distinguishes the two quota/ban scopes.
type OwnerKind string

const (
	OwnerUser OwnerKind = "user"
	OwnerTeam OwnerKind = "team"
)

// Owner is the identity an instance or flag is scoped to: a user id in
// user mode, a team id in team mode.
type Owner struct {
	Kind OwnerKind `json:"kind"`
	ID   int64     `json:"id"`
}

type FlagMode string

const (
	FlagModeStatic FlagMode = "static"
	FlagModeRandom FlagMode = "random"
)

// Challenge is the container-specific challenge record joined to the
// generic catalog entry by id.
type Challenge struct {
	ID             int64    `json:"id"`
	Name           string   `json:"name"`
	Image          string   `json:"image"`
	Port           int      `json:"port"`
	Command        string   `json:"command"`
	Volumes        string   `json:"volumes"`
	ConnectionType string   `json:"connection_type"`
	Initial        int      `json:"initial"`
	Minimum        int      `json:"minimum"`
	Decay          int      `json:"decay"`
	Value          int      `json:"value"`
	FlagMode       FlagMode `json:"flag_mode"`
	FlagLength     int      `json:"random_flag_length"`
	FlagPrefix     string   `json:"flag_prefix"`
	FlagSuffix     string   `json:"flag_suffix"`
}

// Instance is one live backend-managed container. Timestamps are unix
// seconds; Flag is a denormalized copy of the issued credential.
type Instance struct {
	ID          string `json:"container_id"`
	ChallengeID int64  `json:"challenge_id"`
	Owner       Owner  `json:"owner"`
	Port        int    `json:"port"`
	Flag        string `json:"-"`
	CreatedAt   int64  `json:"created"`
	Expires     int64  `json:"expires"`
}

// Flag is one issued credential. Owner is nil for static-mode shared
// flags; InstanceID is empty once the issuing instance is gone.
type Flag struct {
	ID          int64
	ChallengeID int64
	InstanceID  string
	Value       string
	Owner       *Owner
	Used        bool
}

// AbuseRecord is append-only evidence of credential sharing.
type AbuseRecord struct {
	ID          string `json:"id"`
	ChallengeID int64  `json:"challenge_id"`
	FlagValue   string `json:"flag"`
	Owner       Owner  `json:"owner"`
	Submitter   Owner  `json:"submitter"`
	CreatedAt   int64  `json:"created"`
}

// Solve records an accepted submission. UserID is the individual who
// submitted even when the owner is a team.
type Solve struct {
	ChallengeID int64
	Owner       Owner
	UserID      int64
	CreatedAt   int64
}

type InstanceStore interface {
	Create(ctx context.Context, inst Instance) error
	ByID(ctx context.Context, id string) (Instance, error)
	ForOwner(ctx context.Context, challengeID int64, owner Owner) (Instance, error)
	CountForOwner(ctx context.Context, owner Owner) (int, error)
	List(ctx context.Context) ([]Instance, error)
	UpdateExpiry(ctx context.Context, id string, expires int64) error
	Delete(ctx context.Context, id string) error
}

type FlagStore interface {
	Create(ctx context.Context, f Flag) (Flag, error)
	ByValue(ctx context.Context, value string) (Flag, error)
	ByInstance(ctx context.Context, instanceID string) ([]Flag, error)
	MarkUsed(ctx context.Context, id int64) error
	ClearInstance(ctx context.Context, id int64) error
	Delete(ctx context.Context, id int64) error
}

type ChallengeStore interface {
	Create(ctx context.Context, ch Challenge) (Challenge, error)
	ByID(ctx context.Context, id int64) (Challenge, error)
	Update(ctx context.Context, ch Challenge) error
	List(ctx context.Context) ([]Challenge, error)
}

type SolveStore interface {
	Create(ctx context.Context, s Solve) error
	Exists(ctx context.Context, challengeID int64, owner Owner) (bool, error)
	// CountValid counts solves by accounts that are neither hidden nor
	// banned; it drives the decay scoring curve.
	CountValid(ctx context.Context, challengeID int64) (int, error)
}

type SettingStore interface {
	All(ctx context.Context) (map[string]string, error)
	Set(ctx context.Context, key, value string) error
}

type AbuseStore interface {
	Create(ctx context.Context, rec AbuseRecord) error
	List(ctx context.Context) ([]AbuseRecord, error)
}

// Stores bundles the individual stores for wiring.
type Stores struct {
	Instances  InstanceStore
	Flags      FlagStore
	Challenges ChallengeStore
	Solves     SolveStore
	Settings   SettingStore
	Abuse      AbuseStore
}
