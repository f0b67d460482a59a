package lifecycle

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tr4c3datr4il/CTFd-Docker-Plugin/internal/backend"
	"github.com/tr4c3datr4il/CTFd-Docker-Plugin/internal/store"
)

var (
	ErrQuotaExceeded = errors.New("max containers reached")
	ErrAlreadySolved = errors.New("challenge already solved")
)

// Backend is the slice of the execution daemon the manager needs.
// *backend.Client implements it.
type Backend interface {
	Launch(ctx context.Context, spec backend.LaunchSpec) (string, error)
	PublishedPort(ctx context.Context, id string) (int, error)
	Kill(ctx context.Context, id string) error
	IsRunning(ctx context.Context, id string) (bool, error)
	Images(ctx context.Context) ([]string, error)
	Ping(ctx context.Context) bool
	Reconfigure(ctx context.Context, baseURL string) error
}

// Session is what a participant gets back about their instance.
type Session struct {
	Status      string `json:"status"`
	Hostname    string `json:"hostname"`
	Port        int    `json:"port"`
	ConnectType string `json:"connect"`
	Expires     int64  `json:"expires"`
}

const (
	StatusCreated        = "created"
	StatusAlreadyRunning = "already_running"
	StatusRenewed        = "renewed"
	StatusNotStarted     = "not_started"
)

// InstanceStatus is an instance with its backend-derived running state,
// for the admin dashboard.
type InstanceStatus struct {
	store.Instance
	Running bool `json:"is_running"`
}

// Manager orchestrates instance lifecycles: quota and single-instance
// enforcement, the creation/renewal/stop protocol, and the periodic
// expiration sweep. It is constructed explicitly and passed to the
// request layer; there is no package-level shared instance.
type Manager struct {
	backend  Backend
	stores   *store.Stores
	log      logrus.FieldLogger
	locks    *KeyedMutex
	quota    *KeyedMutex
	interval time.Duration

	mu       sync.RWMutex
	settings Settings
}

func NewManager(b Backend, stores *store.Stores, sweepInterval time.Duration, log logrus.FieldLogger) *Manager {
	if sweepInterval <= 0 {
		sweepInterval = 5 * time.Second
	}
	return &Manager{
		backend:  b,
		stores:   stores,
		log:      log.WithField("component", "lifecycle"),
		locks:    NewKeyedMutex(),
		quota:    NewKeyedMutex(),
		interval: sweepInterval,
	}
}

// LoadSettings reads the stored configuration into the active snapshot.
func (m *Manager) LoadSettings(ctx context.Context) error {
	values, err := m.stores.Settings.All(ctx)
	if err != nil {
		return fmt.Errorf("load settings: %w", err)
	}
	parsed, err := ParseSettings(values)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.settings = parsed
	m.mu.Unlock()
	return nil
}

// Settings returns the current immutable snapshot.
func (m *Manager) Settings() Settings {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.settings
}

// Reconfigure validates the new values, persists them, swaps the
// snapshot and reconnects the backend if its endpoint changed. Nothing
// is persisted when validation fails.
func (m *Manager) Reconfigure(ctx context.Context, values map[string]string) error {
	parsed, err := ParseSettings(values)
	if err != nil {
		return err
	}

	for key, value := range values {
		if err := m.stores.Settings.Set(ctx, key, value); err != nil {
			return fmt.Errorf("persist setting %s: %w", key, err)
		}
	}

	m.mu.Lock()
	previous := m.settings
	m.settings = parsed
	m.mu.Unlock()

	if parsed.BaseURL != previous.BaseURL {
		if err := m.backend.Reconfigure(ctx, parsed.BaseURL); err != nil {
			m.log.WithError(err).Warn("backend reconnect after settings change failed")
			return err
		}
	}
	return nil
}

// LockOwner serializes lifecycle and submission operations for one
// (owner, challenge) key. The returned function releases the lock.
func (m *Manager) LockOwner(owner store.Owner, challengeID int64) func() {
	return m.locks.Lock(ownerKey(owner, challengeID))
}

// Request launches an instance for the owner, or returns the existing
// one unchanged when it is still running.
func (m *Manager) Request(ctx context.Context, owner store.Owner, challengeID int64) (Session, error) {
	ch, err := m.stores.Challenges.ByID(ctx, challengeID)
	if err != nil {
		return Session{}, err
	}

	unlock := m.LockOwner(owner, challengeID)
	defer unlock()

	solved, err := m.stores.Solves.Exists(ctx, challengeID, owner)
	if err != nil {
		return Session{}, err
	}
	if solved {
		return Session{}, ErrAlreadySolved
	}

	settings := m.Settings()

	existing, err := m.stores.Instances.ForOwner(ctx, challengeID, owner)
	switch {
	case err == nil:
		running, err := m.backend.IsRunning(ctx, existing.ID)
		if err != nil {
			return Session{}, err
		}
		if running {
			return Session{
				Status:      StatusAlreadyRunning,
				Hostname:    settings.Hostname,
				Port:        existing.Port,
				ConnectType: ch.ConnectionType,
				Expires:     existing.Expires,
			}, nil
		}
		// Stale record: the backend lost the container. Purge and fall
		// through to a fresh launch.
		m.purgeRecord(ctx, existing.ID)
	case errors.Is(err, store.ErrInstanceNotFound):
	default:
		return Session{}, err
	}

	// The quota check and the launch must be atomic per owner, not per
	// (owner, challenge): concurrent creates for different challenges
	// would otherwise all read the same pre-launch count and all pass.
	release := m.quota.Lock(quotaKey(owner))
	defer release()

	count, err := m.stores.Instances.CountForOwner(ctx, owner)
	if err != nil {
		return Session{}, err
	}
	if count >= settings.MaxInstances {
		return Session{}, ErrQuotaExceeded
	}

	return m.launch(ctx, ch, owner, settings)
}

func (m *Manager) launch(ctx context.Context, ch store.Challenge, owner store.Owner, settings Settings) (Session, error) {
	flag, err := issueFlag(ch)
	if err != nil {
		return Session{}, fmt.Errorf("issue flag: %w", err)
	}

	id, err := m.backend.Launch(ctx, backend.LaunchSpec{
		Image:    ch.Image,
		Port:     ch.Port,
		Command:  ch.Command,
		Env:      map[string]string{"FLAG": flag},
		Volumes:  ch.Volumes,
		MemoryMB: settings.MaxMemoryMB,
		CPUs:     settings.MaxCPU,
	})
	if err != nil {
		return Session{}, err
	}

	port, err := m.backend.PublishedPort(ctx, id)
	if err != nil {
		// The container is up but unusable; reap it rather than leak it.
		m.KillBestEffort(ctx, id)
		return Session{}, fmt.Errorf("discover published port: %w", err)
	}

	now := time.Now().Unix()
	inst := store.Instance{
		ID:          id,
		ChallengeID: ch.ID,
		Owner:       owner,
		Port:        port,
		Flag:        flag,
		CreatedAt:   now,
		Expires:     now + int64(settings.Expiration.Seconds()),
	}
	if err := m.stores.Instances.Create(ctx, inst); err != nil {
		m.KillBestEffort(ctx, id)
		return Session{}, fmt.Errorf("persist instance: %w", err)
	}

	if err := m.persistFlag(ctx, ch, owner, id, flag); err != nil {
		m.KillBestEffort(ctx, id)
		_ = m.stores.Instances.Delete(ctx, id)
		return Session{}, err
	}

	m.log.WithFields(logrus.Fields{
		"challenge_id": ch.ID,
		"owner_kind":   owner.Kind,
		"owner_id":     owner.ID,
		"port":         port,
	}).Info("instance created")

	return Session{
		Status:      StatusCreated,
		Hostname:    settings.Hostname,
		Port:        port,
		ConnectType: ch.ConnectionType,
		Expires:     inst.Expires,
	}, nil
}

// persistFlag stores the issued credential. Static challenges share one
// ownerless row per challenge, created on first launch; random
// challenges get a per-instance owner-bound row.
func (m *Manager) persistFlag(ctx context.Context, ch store.Challenge, owner store.Owner, instanceID, flag string) error {
	if ch.FlagMode == store.FlagModeStatic {
		_, err := m.stores.Flags.Create(ctx, store.Flag{
			ChallengeID: ch.ID,
			Value:       flag,
		})
		if errors.Is(err, store.ErrFlagExists) {
			// The shared row may already exist from an earlier launch,
			// but only if it belongs to this challenge. A value collision
			// with another challenge's credential must not bind this
			// instance to a foreign row.
			existing, lookupErr := m.stores.Flags.ByValue(ctx, flag)
			if lookupErr != nil {
				return fmt.Errorf("persist flag: %w", lookupErr)
			}
			if existing.ChallengeID != ch.ID {
				return fmt.Errorf("persist flag: value already issued for challenge %d", existing.ChallengeID)
			}
			return nil
		}
		if err != nil {
			return fmt.Errorf("persist flag: %w", err)
		}
		return nil
	}

	_, err := m.stores.Flags.Create(ctx, store.Flag{
		ChallengeID: ch.ID,
		InstanceID:  instanceID,
		Value:       flag,
		Owner:       &owner,
	})
	if err != nil {
		return fmt.Errorf("persist flag: %w", err)
	}
	return nil
}

// Probe reports the state of an existing instance without ever
// launching one.
func (m *Manager) Probe(ctx context.Context, owner store.Owner, challengeID int64) (Session, error) {
	ch, err := m.stores.Challenges.ByID(ctx, challengeID)
	if err != nil {
		return Session{}, err
	}

	unlock := m.LockOwner(owner, challengeID)
	defer unlock()

	inst, err := m.stores.Instances.ForOwner(ctx, challengeID, owner)
	if errors.Is(err, store.ErrInstanceNotFound) {
		return Session{Status: StatusNotStarted}, nil
	}
	if err != nil {
		return Session{}, err
	}

	running, err := m.backend.IsRunning(ctx, inst.ID)
	if err != nil {
		return Session{}, err
	}
	if !running {
		m.purgeRecord(ctx, inst.ID)
		return Session{Status: StatusNotStarted}, nil
	}

	settings := m.Settings()
	return Session{
		Status:      StatusAlreadyRunning,
		Hostname:    settings.Hostname,
		Port:        inst.Port,
		ConnectType: ch.ConnectionType,
		Expires:     inst.Expires,
	}, nil
}

// Renew extends the instance's expiry from now. The backend is not
// touched.
func (m *Manager) Renew(ctx context.Context, owner store.Owner, challengeID int64) (Session, error) {
	ch, err := m.stores.Challenges.ByID(ctx, challengeID)
	if err != nil {
		return Session{}, err
	}

	unlock := m.LockOwner(owner, challengeID)
	defer unlock()

	inst, err := m.stores.Instances.ForOwner(ctx, challengeID, owner)
	if err != nil {
		return Session{}, err
	}

	settings := m.Settings()
	expires := time.Now().Unix() + int64(settings.Expiration.Seconds())
	if err := m.stores.Instances.UpdateExpiry(ctx, inst.ID, expires); err != nil {
		return Session{}, err
	}

	return Session{
		Status:      StatusRenewed,
		Hostname:    settings.Hostname,
		Port:        inst.Port,
		ConnectType: ch.ConnectionType,
		Expires:     expires,
	}, nil
}

// Stop kills the owner's instance and removes its record. When the
// backend is unreachable the record is kept so the sweep can retry.
func (m *Manager) Stop(ctx context.Context, owner store.Owner, challengeID int64) error {
	unlock := m.LockOwner(owner, challengeID)
	defer unlock()

	inst, err := m.stores.Instances.ForOwner(ctx, challengeID, owner)
	if err != nil {
		return err
	}
	return m.teardown(ctx, inst)
}

// StopByID is the admin variant keyed on the backend id.
func (m *Manager) StopByID(ctx context.Context, id string) error {
	inst, err := m.stores.Instances.ByID(ctx, id)
	if err != nil {
		return err
	}

	unlock := m.LockOwner(inst.Owner, inst.ChallengeID)
	defer unlock()

	inst, err = m.stores.Instances.ByID(ctx, id)
	if err != nil {
		return err
	}
	return m.teardown(ctx, inst)
}

// teardown kills the container first, then cleans up records. Caller
// holds the owner lock. A backend-unavailable kill aborts so the
// record survives for a later retry; a missing container does not.
func (m *Manager) teardown(ctx context.Context, inst store.Instance) error {
	if err := m.backend.Kill(ctx, inst.ID); err != nil && !backend.IsNotFound(err) {
		return err
	}
	m.purgeRecord(ctx, inst.ID)
	return nil
}

// purgeRecord removes the instance row and applies the credential
// cleanup rule to rows issued by it: used flags keep their forensic
// row with the instance link cleared, unused ones are deleted. Static
// shared flags are never instance-linked and are untouched.
func (m *Manager) purgeRecord(ctx context.Context, instanceID string) {
	if err := m.ReleaseFlags(ctx, instanceID); err != nil {
		m.log.WithError(err).WithField("container_id", instanceID).Warn("flag cleanup failed")
	}
	if err := m.stores.Instances.Delete(ctx, instanceID); err != nil {
		m.log.WithError(err).WithField("container_id", instanceID).Warn("instance delete failed")
	}
}

// ReleaseFlags applies the teardown rule to credentials linked to the
// instance.
func (m *Manager) ReleaseFlags(ctx context.Context, instanceID string) error {
	flags, err := m.stores.Flags.ByInstance(ctx, instanceID)
	if err != nil {
		return err
	}
	for _, f := range flags {
		if f.Used {
			err = m.stores.Flags.ClearInstance(ctx, f.ID)
		} else {
			err = m.stores.Flags.Delete(ctx, f.ID)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// DeleteRecord removes the instance row and releases its flags, without
// touching the backend. The arbitration engine uses it for terminal
// verdicts where the kill happens after the records are settled.
func (m *Manager) DeleteRecord(ctx context.Context, instanceID string) {
	m.purgeRecord(ctx, instanceID)
}

// KillBestEffort kills a container and only logs failures.
func (m *Manager) KillBestEffort(ctx context.Context, id string) {
	if err := m.backend.Kill(ctx, id); err != nil && !backend.IsNotFound(err) {
		m.log.WithError(err).WithField("container_id", id).Warn("best-effort kill failed")
	}
}

// IsRunning proxies the backend running check.
func (m *Manager) IsRunning(ctx context.Context, id string) (bool, error) {
	return m.backend.IsRunning(ctx, id)
}

// Run drives the expiration sweep until the context is cancelled. The
// ticker is owned here: started with the service, stopped with it.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.log.WithField("interval", m.interval).Info("expiration sweep started")
	for {
		select {
		case <-ctx.Done():
			m.log.Info("expiration sweep stopped")
			return
		case <-ticker.C:
			m.SweepExpired(ctx)
		}
	}
}

// SweepExpired reaps instances whose expiry has passed. It is the sole
// mechanism that reclaims orphans from partial launches and abandoned
// sessions. Records whose kill fails because the backend is unreachable
// are skipped and retried next cycle.
func (m *Manager) SweepExpired(ctx context.Context) {
	if m.Settings().Expiration <= 0 {
		return
	}

	instances, err := m.stores.Instances.List(ctx)
	if err != nil {
		m.log.WithError(err).Warn("sweep: list instances failed")
		return
	}

	now := time.Now().Unix()
	for _, candidate := range instances {
		if candidate.Expires >= now {
			continue
		}

		unlock := m.LockOwner(candidate.Owner, candidate.ChallengeID)

		// Re-read under the lock: a renewal may have extended the
		// expiry between the scan and here.
		inst, err := m.stores.Instances.ByID(ctx, candidate.ID)
		if err != nil || inst.Expires >= now {
			unlock()
			continue
		}

		if err := m.backend.Kill(ctx, inst.ID); err != nil && !backend.IsNotFound(err) {
			m.log.WithError(err).WithField("container_id", inst.ID).Warn("sweep: kill failed, will retry")
			unlock()
			continue
		}

		m.purgeRecord(ctx, inst.ID)
		unlock()

		m.log.WithFields(logrus.Fields{
			"container_id": inst.ID,
			"challenge_id": inst.ChallengeID,
		}).Info("expired instance reaped")
	}
}

// ListInstances returns every registered instance with its derived
// running state, newest first.
func (m *Manager) ListInstances(ctx context.Context) ([]InstanceStatus, error) {
	instances, err := m.stores.Instances.List(ctx)
	if err != nil {
		return nil, err
	}

	statuses := make([]InstanceStatus, 0, len(instances))
	for _, inst := range instances {
		running, err := m.backend.IsRunning(ctx, inst.ID)
		if err != nil {
			running = false
		}
		statuses = append(statuses, InstanceStatus{Instance: inst, Running: running})
	}
	return statuses, nil
}

// Purge tears down the given instances, skipping failures. It returns
// how many were removed.
func (m *Manager) Purge(ctx context.Context, ids []string) int {
	deleted := 0
	for _, id := range ids {
		if err := m.StopByID(ctx, id); err != nil {
			m.log.WithError(err).WithField("container_id", id).Warn("purge: teardown failed")
			continue
		}
		deleted++
	}
	return deleted
}

// Images lists the tags available on the backend.
func (m *Manager) Images(ctx context.Context) ([]string, error) {
	return m.backend.Images(ctx)
}

// Connected reports backend reachability.
func (m *Manager) Connected(ctx context.Context) bool {
	return m.backend.Ping(ctx)
}

// issueFlag computes the credential for a fresh instance: the bare
// prefix+suffix for static challenges, prefix + random hex + suffix
// for random ones.
func issueFlag(ch store.Challenge) (string, error) {
	if ch.FlagMode != store.FlagModeRandom {
		return ch.FlagPrefix + ch.FlagSuffix, nil
	}

	length := ch.FlagLength
	if length <= 0 {
		length = 10
	}
	buf := make([]byte, length)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return ch.FlagPrefix + hex.EncodeToString(buf) + ch.FlagSuffix, nil
}
