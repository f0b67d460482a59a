package identity

import (
	"context"
	"errors"
	"testing"
)

func TestRegisterLoginResolve(t *testing.T) {
	svc := NewService(NewMemoryStore(), "test-secret")
	ctx := context.Background()

	reg, err := svc.Register(ctx, RegisterRequest{
		Name:     "alice",
		Email:    "alice@example.org",
		Password: "hunter2hunter2",
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if reg.Token == "" {
		t.Fatal("expected a token")
	}

	login, err := svc.Login(ctx, LoginRequest{Email: "alice@example.org", Password: "hunter2hunter2"})
	if err != nil {
		t.Fatalf("login: %v", err)
	}

	ident, err := svc.Resolve(ctx, "Bearer "+login.Token)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if ident.UserID != reg.User.ID || ident.Name != "alice" {
		t.Fatalf("resolved wrong identity: %+v", ident)
	}
}

func TestLoginRejectsWrongPassword(t *testing.T) {
	svc := NewService(NewMemoryStore(), "test-secret")
	ctx := context.Background()

	if _, err := svc.Register(ctx, RegisterRequest{
		Name:     "alice",
		Email:    "alice@example.org",
		Password: "hunter2hunter2",
	}); err != nil {
		t.Fatalf("register: %v", err)
	}

	_, err := svc.Login(ctx, LoginRequest{Email: "alice@example.org", Password: "wrong-password"})
	if !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
}

func TestRegisterValidation(t *testing.T) {
	svc := NewService(NewMemoryStore(), "test-secret")
	ctx := context.Background()

	cases := []struct {
		name string
		req  RegisterRequest
	}{
		{name: "missing name", req: RegisterRequest{Email: "a@b.org", Password: "hunter2hunter2"}},
		{name: "bad email", req: RegisterRequest{Name: "a", Email: "nope", Password: "hunter2hunter2"}},
		{name: "short password", req: RegisterRequest{Name: "a", Email: "a@b.org", Password: "short"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := svc.Register(ctx, tc.req); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestResolveRejectsTamperedToken(t *testing.T) {
	svc := NewService(NewMemoryStore(), "test-secret")
	ctx := context.Background()

	reg, err := svc.Register(ctx, RegisterRequest{
		Name:     "alice",
		Email:    "alice@example.org",
		Password: "hunter2hunter2",
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	tampered := reg.Token[:len(reg.Token)-2] + "xx"
	if _, err := svc.Resolve(ctx, "Bearer "+tampered); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestResolveReflectsPostIssuanceBan(t *testing.T) {
	ids := NewMemoryStore()
	svc := NewService(ids, "test-secret")
	ctx := context.Background()

	reg, err := svc.Register(ctx, RegisterRequest{
		Name:     "alice",
		Email:    "alice@example.org",
		Password: "hunter2hunter2",
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := ids.BanUser(ctx, reg.User.ID); err != nil {
		t.Fatalf("ban: %v", err)
	}

	ident, err := svc.Resolve(ctx, "Bearer "+reg.Token)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if !ident.Banned {
		t.Fatal("ban applied after issuance must be visible")
	}
}

func TestScopeTeamMode(t *testing.T) {
	teamID := int64(9)
	withTeam := Identity{UserID: 3, TeamID: &teamID}
	withoutTeam := Identity{UserID: 3}

	owner, err := withTeam.Scope(true)
	if err != nil {
		t.Fatalf("scope: %v", err)
	}
	if owner.ID != teamID {
		t.Fatalf("expected team scope, got %+v", owner)
	}

	if _, err := withoutTeam.Scope(true); !errors.Is(err, ErrNoTeam) {
		t.Fatalf("expected ErrNoTeam, got %v", err)
	}

	owner, err = withoutTeam.Scope(false)
	if err != nil || owner.ID != 3 {
		t.Fatalf("expected user scope, got %+v (%v)", owner, err)
	}
}
