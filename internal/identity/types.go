package identity

import (
	"time"

	"github.com/tr4c3datr4il/CTFd-Docker-Plugin/internal/store"
)

type Role string

const (
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
)

// User is a platform account. TeamID is nil outside team mode or before
// the user joins a team.
type User struct {
	ID           int64     `json:"id"`
	Name         string    `json:"name"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	Role         Role      `json:"role"`
	TeamID       *int64    `json:"team_id,omitempty"`
	Banned       bool      `json:"banned"`
	Hidden       bool      `json:"hidden"`
	CreatedAt    time.Time `json:"createdAt"`
}

type Team struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	Banned    bool      `json:"banned"`
	Hidden    bool      `json:"hidden"`
	CreatedAt time.Time `json:"createdAt"`
}

// Identity is the resolved caller of a request.
type Identity struct {
	UserID int64
	Name   string
	Role   Role
	TeamID *int64
	Banned bool
}

func (i Identity) IsAdmin() bool {
	return i.Role == RoleAdmin
}

// Scope returns the quota/ban scope for this identity: the team in
// team mode, the user otherwise. In team mode a team-less identity
// cannot be scoped.
func (i Identity) Scope(teamMode bool) (store.Owner, error) {
	if teamMode {
		if i.TeamID == nil {
			return store.Owner{}, ErrNoTeam
		}
		return store.Owner{Kind: store.OwnerTeam, ID: *i.TeamID}, nil
	}
	return store.Owner{Kind: store.OwnerUser, ID: i.UserID}, nil
}

// RegisterRequest is the registration payload.
type RegisterRequest struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type AuthResponse struct {
	User  User   `json:"user"`
	Token string `json:"token"`
}

// TokenClaims is the signed bearer-token payload.
type TokenClaims struct {
	UserID int64  `json:"user_id"`
	Role   string `json:"role"`
	Exp    int64  `json:"exp"`
}
