package identity

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/tr4c3datr4il/CTFd-Docker-Plugin/internal/store"
)

var (
	ErrUserNotFound       = errors.New("user not found")
	ErrTeamNotFound       = errors.New("team not found")
	ErrUserAlreadyExists  = errors.New("user already exists")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrNoTeam             = errors.New("identity has no team")
)

// Store holds accounts and carries out ban side effects. Banning a team
// bans every member with it; bans are permanent as far as this system
// is concerned.
type Store interface {
	CreateUser(ctx context.Context, user User) (User, error)
	UserByEmail(ctx context.Context, email string) (User, error)
	UserByID(ctx context.Context, id int64) (User, error)
	CreateTeam(ctx context.Context, team Team) (Team, error)
	TeamByID(ctx context.Context, id int64) (Team, error)
	BanUser(ctx context.Context, id int64) error
	BanTeam(ctx context.Context, id int64) error
}

// BanOwner applies the ban to whichever scope the owner is.
func BanOwner(ctx context.Context, s Store, owner store.Owner) error {
	if owner.Kind == store.OwnerTeam {
		return s.BanTeam(ctx, owner.ID)
	}
	return s.BanUser(ctx, owner.ID)
}

// MemoryStore is an in-memory Store for tests and development.
type MemoryStore struct {
	mu         sync.RWMutex
	nextUserID int64
	nextTeamID int64
	users      map[int64]*User
	teams      map[int64]*Team
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users: make(map[int64]*User),
		teams: make(map[int64]*Team),
	}
}

func (s *MemoryStore) CreateUser(_ context.Context, user User) (User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.users {
		if strings.EqualFold(existing.Email, user.Email) {
			return User{}, ErrUserAlreadyExists
		}
	}

	s.nextUserID++
	user.ID = s.nextUserID
	if user.Role == "" {
		user.Role = RoleUser
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now()
	}
	stored := user
	s.users[user.ID] = &stored
	return user, nil
}

func (s *MemoryStore) UserByEmail(_ context.Context, email string) (User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, user := range s.users {
		if strings.EqualFold(user.Email, email) {
			return *user, nil
		}
	}
	return User{}, ErrUserNotFound
}

func (s *MemoryStore) UserByID(_ context.Context, id int64) (User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	user, ok := s.users[id]
	if !ok {
		return User{}, ErrUserNotFound
	}
	return *user, nil
}

func (s *MemoryStore) CreateTeam(_ context.Context, team Team) (Team, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextTeamID++
	team.ID = s.nextTeamID
	if team.CreatedAt.IsZero() {
		team.CreatedAt = time.Now()
	}
	stored := team
	s.teams[team.ID] = &stored
	return team, nil
}

func (s *MemoryStore) TeamByID(_ context.Context, id int64) (Team, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	team, ok := s.teams[id]
	if !ok {
		return Team{}, ErrTeamNotFound
	}
	return *team, nil
}

func (s *MemoryStore) BanUser(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	user, ok := s.users[id]
	if !ok {
		return ErrUserNotFound
	}
	user.Banned = true
	return nil
}

func (s *MemoryStore) BanTeam(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	team, ok := s.teams[id]
	if !ok {
		return ErrTeamNotFound
	}
	team.Banned = true
	for _, user := range s.users {
		if user.TeamID != nil && *user.TeamID == id {
			user.Banned = true
		}
	}
	return nil
}
