package lifecycle

import (
	"errors"
	"testing"
	"time"
)

func TestParseSettings(t *testing.T) {
	values := map[string]string{
		KeyBaseURL:        "tcp://10.0.0.5:2376",
		KeyHostname:       "chal.example.org",
		KeyExpiration:     "45",
		KeyMaxMemory:      "512",
		KeyMaxCPU:         "0.5",
		KeyMaxContainers:  "2",
		KeyBanImmediately: "1",
	}

	s, err := ParseSettings(values)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if s.BaseURL != "tcp://10.0.0.5:2376" {
		t.Fatalf("unexpected base url: %q", s.BaseURL)
	}
	if s.Expiration != 45*time.Minute {
		t.Fatalf("expected 45m expiration, got %v", s.Expiration)
	}
	if s.MaxMemoryMB != 512 {
		t.Fatalf("expected 512 MB, got %d", s.MaxMemoryMB)
	}
	if s.MaxCPU != 0.5 {
		t.Fatalf("expected 0.5 cpus, got %v", s.MaxCPU)
	}
	if s.MaxInstances != 2 {
		t.Fatalf("expected quota 2, got %d", s.MaxInstances)
	}
	if !s.BanImmediately {
		t.Fatal("expected ban_immediately to be set")
	}
}

func TestParseSettingsDefaults(t *testing.T) {
	s, err := ParseSettings(map[string]string{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s.Expiration != 0 {
		t.Fatalf("expected no expiration, got %v", s.Expiration)
	}
	if s.MaxInstances != defaultMaxInstances {
		t.Fatalf("expected default quota, got %d", s.MaxInstances)
	}
	if s.BanImmediately {
		t.Fatal("expected ban_immediately off by default")
	}
}

func TestParseSettingsRejectsMalformedValues(t *testing.T) {
	cases := []struct {
		name  string
		key   string
		value string
	}{
		{name: "negative expiration", key: KeyExpiration, value: "-5"},
		{name: "non-numeric expiration", key: KeyExpiration, value: "soon"},
		{name: "zero memory", key: KeyMaxMemory, value: "0"},
		{name: "negative cpu", key: KeyMaxCPU, value: "-1"},
		{name: "zero quota", key: KeyMaxContainers, value: "0"},
		{name: "bad ban toggle", key: KeyBanImmediately, value: "yes"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseSettings(map[string]string{tc.key: tc.value})
			if !errors.Is(err, ErrConfiguration) {
				t.Fatalf("expected ErrConfiguration, got %v", err)
			}
		})
	}
}
