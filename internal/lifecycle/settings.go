package lifecycle

import (
	"errors"
	"fmt"
	"strconv"
	"time"
)

// Persisted settings keys, shared with the admin settings surface.
const (
	KeyBaseURL        = "docker_base_url"
	KeyHostname       = "docker_hostname"
	KeyExpiration     = "container_expiration"
	KeyMaxMemory      = "container_maxmemory"
	KeyMaxCPU         = "container_maxcpu"
	KeyMaxContainers  = "max_containers"
	KeyBanImmediately = "ban_immediately"
)

// ErrConfiguration marks malformed settings values. They are rejected
// before being persisted.
var ErrConfiguration = errors.New("invalid settings")

const defaultMaxInstances = 3

// Settings is the parsed, immutable snapshot of the stored key/value
// configuration. Reconfigure swaps the whole snapshot.
type Settings struct {
	BaseURL        string
	Hostname       string
	Expiration     time.Duration
	MaxMemoryMB    int64
	MaxCPU         float64
	MaxInstances   int
	BanImmediately bool
}

// ParseSettings validates and converts the stored string values. Empty
// values fall back to defaults; present-but-malformed values are
// configuration errors.
func ParseSettings(values map[string]string) (Settings, error) {
	s := Settings{
		BaseURL:      values[KeyBaseURL],
		Hostname:     values[KeyHostname],
		MaxInstances: defaultMaxInstances,
	}

	if raw := values[KeyExpiration]; raw != "" {
		minutes, err := strconv.Atoi(raw)
		if err != nil || minutes < 0 {
			return Settings{}, fmt.Errorf("%w: %s must be a non-negative integer (minutes)", ErrConfiguration, KeyExpiration)
		}
		s.Expiration = time.Duration(minutes) * time.Minute
	}

	if raw := values[KeyMaxMemory]; raw != "" {
		mb, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || mb <= 0 {
			return Settings{}, fmt.Errorf("%w: %s must be a positive integer (MB)", ErrConfiguration, KeyMaxMemory)
		}
		s.MaxMemoryMB = mb
	}

	if raw := values[KeyMaxCPU]; raw != "" {
		cpus, err := strconv.ParseFloat(raw, 64)
		if err != nil || cpus <= 0 {
			return Settings{}, fmt.Errorf("%w: %s must be a positive number", ErrConfiguration, KeyMaxCPU)
		}
		s.MaxCPU = cpus
	}

	if raw := values[KeyMaxContainers]; raw != "" {
		max, err := strconv.Atoi(raw)
		if err != nil || max <= 0 {
			return Settings{}, fmt.Errorf("%w: %s must be a positive integer", ErrConfiguration, KeyMaxContainers)
		}
		s.MaxInstances = max
	}

	switch values[KeyBanImmediately] {
	case "", "0":
	case "1":
		s.BanImmediately = true
	default:
		return Settings{}, fmt.Errorf("%w: %s must be \"0\" or \"1\"", ErrConfiguration, KeyBanImmediately)
	}

	return s, nil
}
