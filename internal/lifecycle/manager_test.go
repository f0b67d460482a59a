package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tr4c3datr4il/CTFd-Docker-Plugin/internal/backend"
	"github.com/tr4c3datr4il/CTFd-Docker-Plugin/internal/store"
)

type fakeBackend struct {
	mu       sync.Mutex
	nextID   int
	running  map[string]bool
	launches int
	kills    map[string]int
	killErr  error
	baseURL  string
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		running: make(map[string]bool),
		kills:   make(map[string]int),
	}
}

func (f *fakeBackend) Launch(_ context.Context, _ backend.LaunchSpec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	f.launches++
	id := fmt.Sprintf("cnt-%d", f.nextID)
	f.running[id] = true
	return id, nil
}

func (f *fakeBackend) PublishedPort(_ context.Context, id string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.running[id] {
		return 0, &backend.Error{Kind: backend.KindNotFound, Op: "inspect"}
	}
	return 30000 + f.nextID, nil
}

func (f *fakeBackend) Kill(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.killErr != nil {
		return f.killErr
	}
	f.kills[id]++
	if !f.running[id] {
		return &backend.Error{Kind: backend.KindNotFound, Op: "kill"}
	}
	delete(f.running, id)
	return nil
}

func (f *fakeBackend) IsRunning(_ context.Context, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running[id], nil
}

func (f *fakeBackend) stopContainer(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.running, id)
}

func (f *fakeBackend) launchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.launches
}

func (f *fakeBackend) killCount(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.kills[id]
}

func (f *fakeBackend) Images(_ context.Context) ([]string, error) {
	return []string{"pwn:latest"}, nil
}

func (f *fakeBackend) Ping(_ context.Context) bool { return true }

func (f *fakeBackend) Reconfigure(_ context.Context, baseURL string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.baseURL = baseURL
	return nil
}

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func newTestManager(t *testing.T, settings map[string]string) (*Manager, *fakeBackend, *store.Stores) {
	t.Helper()

	stores := store.NewMemoryStores()
	ctx := context.Background()
	for key, value := range settings {
		if err := stores.Settings.Set(ctx, key, value); err != nil {
			t.Fatalf("seed setting: %v", err)
		}
	}

	fb := newFakeBackend()
	m := NewManager(fb, stores, time.Second, testLogger())
	if err := m.LoadSettings(ctx); err != nil {
		t.Fatalf("load settings: %v", err)
	}
	return m, fb, stores
}

func seedChallenge(t *testing.T, stores *store.Stores, mode store.FlagMode) store.Challenge {
	t.Helper()
	ch, err := stores.Challenges.Create(context.Background(), store.Challenge{
		Name:           "heap-note",
		Image:          "pwn:latest",
		Port:           9999,
		ConnectionType: "nc",
		Initial:        500,
		Minimum:        50,
		Decay:          20,
		FlagMode:       mode,
		FlagLength:     10,
		FlagPrefix:     "flag{",
		FlagSuffix:     "}",
	})
	if err != nil {
		t.Fatalf("seed challenge: %v", err)
	}
	return ch
}

var testOwner = store.Owner{Kind: store.OwnerUser, ID: 7}

func TestRequestCreatesInstance(t *testing.T) {
	m, fb, stores := newTestManager(t, map[string]string{
		KeyHostname:   "chal.example.org",
		KeyExpiration: "30",
	})
	ch := seedChallenge(t, stores, store.FlagModeRandom)
	ctx := context.Background()

	session, err := m.Request(ctx, testOwner, ch.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if session.Status != StatusCreated {
		t.Fatalf("expected %q, got %q", StatusCreated, session.Status)
	}
	if session.Hostname != "chal.example.org" {
		t.Fatalf("unexpected hostname: %q", session.Hostname)
	}
	if session.Port == 0 {
		t.Fatal("expected a published port")
	}
	if fb.launchCount() != 1 {
		t.Fatalf("expected 1 launch, got %d", fb.launchCount())
	}

	inst, err := stores.Instances.ForOwner(ctx, ch.ID, testOwner)
	if err != nil {
		t.Fatalf("instance record missing: %v", err)
	}
	flag, err := stores.Flags.ByValue(ctx, inst.Flag)
	if err != nil {
		t.Fatalf("flag record missing: %v", err)
	}
	if flag.Owner == nil || *flag.Owner != testOwner {
		t.Fatalf("expected owner-bound flag, got %+v", flag.Owner)
	}
	if flag.InstanceID != inst.ID {
		t.Fatalf("expected flag linked to %s, got %s", inst.ID, flag.InstanceID)
	}
}

func TestRequestIdempotentWhileRunning(t *testing.T) {
	m, fb, stores := newTestManager(t, map[string]string{KeyExpiration: "30"})
	ch := seedChallenge(t, stores, store.FlagModeRandom)
	ctx := context.Background()

	first, err := m.Request(ctx, testOwner, ch.ID)
	if err != nil {
		t.Fatalf("first request: %v", err)
	}
	second, err := m.Request(ctx, testOwner, ch.ID)
	if err != nil {
		t.Fatalf("second request: %v", err)
	}

	if second.Status != StatusAlreadyRunning {
		t.Fatalf("expected %q, got %q", StatusAlreadyRunning, second.Status)
	}
	if second.Port != first.Port || second.Expires != first.Expires {
		t.Fatalf("expected identical session, got %+v vs %+v", first, second)
	}
	if fb.launchCount() != 1 {
		t.Fatalf("expected 1 launch, got %d", fb.launchCount())
	}
}

func TestRequestQuota(t *testing.T) {
	m, _, stores := newTestManager(t, map[string]string{
		KeyExpiration:    "30",
		KeyMaxContainers: "1",
	})
	first := seedChallenge(t, stores, store.FlagModeRandom)
	second := seedChallenge(t, stores, store.FlagModeRandom)
	ctx := context.Background()

	if _, err := m.Request(ctx, testOwner, first.ID); err != nil {
		t.Fatalf("first request: %v", err)
	}
	_, err := m.Request(ctx, testOwner, second.ID)
	if !errors.Is(err, ErrQuotaExceeded) {
		t.Fatalf("expected ErrQuotaExceeded, got %v", err)
	}
}

func TestQuotaHeldUnderConcurrentChallenges(t *testing.T) {
	m, fb, stores := newTestManager(t, map[string]string{
		KeyExpiration:    "30",
		KeyMaxContainers: "1",
	})
	ctx := context.Background()

	challenges := make([]store.Challenge, 4)
	for i := range challenges {
		challenges[i] = seedChallenge(t, stores, store.FlagModeRandom)
	}

	start := make(chan struct{})
	var wg sync.WaitGroup
	var mu sync.Mutex
	created, rejected := 0, 0
	for _, ch := range challenges {
		wg.Add(1)
		go func(id int64) {
			defer wg.Done()
			<-start
			_, err := m.Request(ctx, testOwner, id)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				created++
			case errors.Is(err, ErrQuotaExceeded):
				rejected++
			default:
				t.Errorf("request: %v", err)
			}
		}(ch.ID)
	}
	close(start)
	wg.Wait()

	if created != 1 || rejected != 3 {
		t.Fatalf("expected 1 create and 3 quota rejections, got %d and %d", created, rejected)
	}
	if fb.launchCount() != 1 {
		t.Fatalf("expected 1 launch, got %d", fb.launchCount())
	}
	instances, err := stores.Instances.List(ctx)
	if err != nil {
		t.Fatalf("list instances: %v", err)
	}
	if len(instances) != 1 {
		t.Fatalf("quota exceeded: %d live records with max_containers=1", len(instances))
	}
}

func TestRequestAlreadySolved(t *testing.T) {
	m, _, stores := newTestManager(t, map[string]string{KeyExpiration: "30"})
	ch := seedChallenge(t, stores, store.FlagModeRandom)
	ctx := context.Background()

	if err := stores.Solves.Create(ctx, store.Solve{ChallengeID: ch.ID, Owner: testOwner}); err != nil {
		t.Fatalf("seed solve: %v", err)
	}

	_, err := m.Request(ctx, testOwner, ch.ID)
	if !errors.Is(err, ErrAlreadySolved) {
		t.Fatalf("expected ErrAlreadySolved, got %v", err)
	}
}

func TestRequestReplacesStaleRecord(t *testing.T) {
	m, fb, stores := newTestManager(t, map[string]string{KeyExpiration: "30"})
	ch := seedChallenge(t, stores, store.FlagModeRandom)
	ctx := context.Background()

	first, err := m.Request(ctx, testOwner, ch.ID)
	if err != nil {
		t.Fatalf("first request: %v", err)
	}

	inst, err := stores.Instances.ForOwner(ctx, ch.ID, testOwner)
	if err != nil {
		t.Fatalf("instance record missing: %v", err)
	}
	// The daemon lost the container behind our back.
	fb.stopContainer(inst.ID)

	second, err := m.Request(ctx, testOwner, ch.ID)
	if err != nil {
		t.Fatalf("second request: %v", err)
	}
	if second.Status != StatusCreated {
		t.Fatalf("expected a fresh launch, got %q", second.Status)
	}
	if second.Port == first.Port {
		t.Fatal("expected a new container")
	}
	if fb.launchCount() != 2 {
		t.Fatalf("expected 2 launches, got %d", fb.launchCount())
	}
	if _, err := stores.Instances.ByID(ctx, inst.ID); !errors.Is(err, store.ErrInstanceNotFound) {
		t.Fatalf("stale record should be purged, got %v", err)
	}
}

func TestStaticChallengeSharesOneFlag(t *testing.T) {
	m, _, stores := newTestManager(t, map[string]string{KeyExpiration: "30"})
	ch := seedChallenge(t, stores, store.FlagModeStatic)
	ctx := context.Background()

	other := store.Owner{Kind: store.OwnerUser, ID: 8}
	if _, err := m.Request(ctx, testOwner, ch.ID); err != nil {
		t.Fatalf("first owner: %v", err)
	}
	if _, err := m.Request(ctx, other, ch.ID); err != nil {
		t.Fatalf("second owner: %v", err)
	}

	flag, err := stores.Flags.ByValue(ctx, "flag{}")
	if err != nil {
		t.Fatalf("shared flag missing: %v", err)
	}
	if flag.Owner != nil {
		t.Fatalf("static flag must be ownerless, got %+v", flag.Owner)
	}
	if flag.InstanceID != "" {
		t.Fatalf("static flag must not be instance-linked, got %q", flag.InstanceID)
	}
}

func TestStaticFlagCollisionAcrossChallengesFailsLaunch(t *testing.T) {
	m, _, stores := newTestManager(t, map[string]string{KeyExpiration: "30"})
	// Both challenges issue the identical static value "flag{}".
	first := seedChallenge(t, stores, store.FlagModeStatic)
	second := seedChallenge(t, stores, store.FlagModeStatic)
	ctx := context.Background()

	if _, err := m.Request(ctx, testOwner, first.ID); err != nil {
		t.Fatalf("first challenge: %v", err)
	}

	other := store.Owner{Kind: store.OwnerUser, ID: 8}
	if _, err := m.Request(ctx, other, second.ID); err == nil {
		t.Fatal("expected launch to fail on a foreign credential collision")
	}

	// The colliding launch must not leave a record, and the shared row
	// must still belong to the first challenge.
	if _, err := stores.Instances.ForOwner(ctx, second.ID, other); !errors.Is(err, store.ErrInstanceNotFound) {
		t.Fatalf("failed launch must not persist a record, got %v", err)
	}
	flag, err := stores.Flags.ByValue(ctx, "flag{}")
	if err != nil {
		t.Fatalf("shared flag missing: %v", err)
	}
	if flag.ChallengeID != first.ID {
		t.Fatalf("expected flag bound to challenge %d, got %d", first.ID, flag.ChallengeID)
	}
}

func TestStopTearsDownInstance(t *testing.T) {
	m, fb, stores := newTestManager(t, map[string]string{KeyExpiration: "30"})
	ch := seedChallenge(t, stores, store.FlagModeRandom)
	ctx := context.Background()

	if _, err := m.Request(ctx, testOwner, ch.ID); err != nil {
		t.Fatalf("request: %v", err)
	}
	inst, err := stores.Instances.ForOwner(ctx, ch.ID, testOwner)
	if err != nil {
		t.Fatalf("instance record missing: %v", err)
	}

	if err := m.Stop(ctx, testOwner, ch.ID); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if fb.killCount(inst.ID) != 1 {
		t.Fatalf("expected 1 kill, got %d", fb.killCount(inst.ID))
	}
	if _, err := stores.Instances.ByID(ctx, inst.ID); !errors.Is(err, store.ErrInstanceNotFound) {
		t.Fatalf("record should be deleted, got %v", err)
	}
	// The unused random flag dies with the instance.
	if _, err := stores.Flags.ByValue(ctx, inst.Flag); !errors.Is(err, store.ErrFlagNotFound) {
		t.Fatalf("unused flag should be deleted, got %v", err)
	}
}

func TestStopKeepsRecordWhenBackendUnavailable(t *testing.T) {
	m, fb, stores := newTestManager(t, map[string]string{KeyExpiration: "30"})
	ch := seedChallenge(t, stores, store.FlagModeRandom)
	ctx := context.Background()

	if _, err := m.Request(ctx, testOwner, ch.ID); err != nil {
		t.Fatalf("request: %v", err)
	}

	fb.killErr = &backend.Error{Kind: backend.KindUnavailable, Op: "kill"}
	if err := m.Stop(ctx, testOwner, ch.ID); !backend.IsUnavailable(err) {
		t.Fatalf("expected unavailable error, got %v", err)
	}
	if _, err := stores.Instances.ForOwner(ctx, ch.ID, testOwner); err != nil {
		t.Fatalf("record must survive a failed kill: %v", err)
	}
}

func TestSweepReapsExpired(t *testing.T) {
	m, fb, stores := newTestManager(t, map[string]string{KeyExpiration: "30"})
	ch := seedChallenge(t, stores, store.FlagModeRandom)
	ctx := context.Background()

	if _, err := m.Request(ctx, testOwner, ch.ID); err != nil {
		t.Fatalf("request: %v", err)
	}
	inst, err := stores.Instances.ForOwner(ctx, ch.ID, testOwner)
	if err != nil {
		t.Fatalf("instance record missing: %v", err)
	}
	if err := stores.Instances.UpdateExpiry(ctx, inst.ID, time.Now().Unix()-10); err != nil {
		t.Fatalf("backdate expiry: %v", err)
	}

	m.SweepExpired(ctx)

	if fb.killCount(inst.ID) != 1 {
		t.Fatalf("expected 1 kill, got %d", fb.killCount(inst.ID))
	}
	if _, err := stores.Instances.ByID(ctx, inst.ID); !errors.Is(err, store.ErrInstanceNotFound) {
		t.Fatalf("expired record should be gone, got %v", err)
	}
}

func TestSweepToleratesMissingContainer(t *testing.T) {
	m, fb, stores := newTestManager(t, map[string]string{KeyExpiration: "30"})
	ch := seedChallenge(t, stores, store.FlagModeRandom)
	ctx := context.Background()

	if _, err := m.Request(ctx, testOwner, ch.ID); err != nil {
		t.Fatalf("request: %v", err)
	}
	inst, err := stores.Instances.ForOwner(ctx, ch.ID, testOwner)
	if err != nil {
		t.Fatalf("instance record missing: %v", err)
	}
	fb.stopContainer(inst.ID)
	if err := stores.Instances.UpdateExpiry(ctx, inst.ID, time.Now().Unix()-10); err != nil {
		t.Fatalf("backdate expiry: %v", err)
	}

	m.SweepExpired(ctx)

	if _, err := stores.Instances.ByID(ctx, inst.ID); !errors.Is(err, store.ErrInstanceNotFound) {
		t.Fatalf("record should be reaped even without a container, got %v", err)
	}
}

func TestSweepSkipsUnreachableBackend(t *testing.T) {
	m, fb, stores := newTestManager(t, map[string]string{KeyExpiration: "30"})
	ch := seedChallenge(t, stores, store.FlagModeRandom)
	ctx := context.Background()

	if _, err := m.Request(ctx, testOwner, ch.ID); err != nil {
		t.Fatalf("request: %v", err)
	}
	inst, err := stores.Instances.ForOwner(ctx, ch.ID, testOwner)
	if err != nil {
		t.Fatalf("instance record missing: %v", err)
	}
	if err := stores.Instances.UpdateExpiry(ctx, inst.ID, time.Now().Unix()-10); err != nil {
		t.Fatalf("backdate expiry: %v", err)
	}

	fb.killErr = &backend.Error{Kind: backend.KindUnavailable, Op: "kill"}
	m.SweepExpired(ctx)

	if _, err := stores.Instances.ByID(ctx, inst.ID); err != nil {
		t.Fatalf("record must survive for the next cycle: %v", err)
	}
}

func TestSweepRespectsRenewal(t *testing.T) {
	m, fb, stores := newTestManager(t, map[string]string{KeyExpiration: "30"})
	ch := seedChallenge(t, stores, store.FlagModeRandom)
	ctx := context.Background()

	if _, err := m.Request(ctx, testOwner, ch.ID); err != nil {
		t.Fatalf("request: %v", err)
	}
	inst, err := stores.Instances.ForOwner(ctx, ch.ID, testOwner)
	if err != nil {
		t.Fatalf("instance record missing: %v", err)
	}
	if err := stores.Instances.UpdateExpiry(ctx, inst.ID, time.Now().Unix()-10); err != nil {
		t.Fatalf("backdate expiry: %v", err)
	}
	// Renew lands before the sweep reads the record.
	if _, err := m.Renew(ctx, testOwner, ch.ID); err != nil {
		t.Fatalf("renew: %v", err)
	}

	m.SweepExpired(ctx)

	if fb.killCount(inst.ID) != 0 {
		t.Fatalf("renewed instance must not be killed, kills=%d", fb.killCount(inst.ID))
	}
	if _, err := stores.Instances.ByID(ctx, inst.ID); err != nil {
		t.Fatalf("renewed record must survive: %v", err)
	}
}

func TestConcurrentRequestsLaunchOnce(t *testing.T) {
	m, fb, stores := newTestManager(t, map[string]string{KeyExpiration: "30"})
	ch := seedChallenge(t, stores, store.FlagModeRandom)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := m.Request(ctx, testOwner, ch.ID); err != nil {
				t.Errorf("request: %v", err)
			}
		}()
	}
	wg.Wait()

	if fb.launchCount() != 1 {
		t.Fatalf("expected 1 launch under contention, got %d", fb.launchCount())
	}
	instances, err := stores.Instances.List(ctx)
	if err != nil {
		t.Fatalf("list instances: %v", err)
	}
	if len(instances) != 1 {
		t.Fatalf("expected 1 live record, got %d", len(instances))
	}
}

func TestRenewExtendsExpiry(t *testing.T) {
	m, _, stores := newTestManager(t, map[string]string{KeyExpiration: "30"})
	ch := seedChallenge(t, stores, store.FlagModeRandom)
	ctx := context.Background()

	if _, err := m.Request(ctx, testOwner, ch.ID); err != nil {
		t.Fatalf("request: %v", err)
	}
	inst, err := stores.Instances.ForOwner(ctx, ch.ID, testOwner)
	if err != nil {
		t.Fatalf("instance record missing: %v", err)
	}
	if err := stores.Instances.UpdateExpiry(ctx, inst.ID, time.Now().Unix()+60); err != nil {
		t.Fatalf("shorten expiry: %v", err)
	}

	session, err := m.Renew(ctx, testOwner, ch.ID)
	if err != nil {
		t.Fatalf("renew: %v", err)
	}
	if session.Status != StatusRenewed {
		t.Fatalf("expected %q, got %q", StatusRenewed, session.Status)
	}
	if session.Expires < time.Now().Unix()+29*60 {
		t.Fatalf("expiry not extended: %d", session.Expires)
	}
}

func TestReconfigureRejectsBadValuesBeforePersisting(t *testing.T) {
	m, _, stores := newTestManager(t, map[string]string{KeyExpiration: "30"})
	ctx := context.Background()

	err := m.Reconfigure(ctx, map[string]string{KeyExpiration: "never"})
	if !errors.Is(err, ErrConfiguration) {
		t.Fatalf("expected ErrConfiguration, got %v", err)
	}

	stored, err := stores.Settings.All(ctx)
	if err != nil {
		t.Fatalf("read settings: %v", err)
	}
	if stored[KeyExpiration] != "30" {
		t.Fatalf("bad value must not be persisted, got %q", stored[KeyExpiration])
	}
	if m.Settings().Expiration != 30*time.Minute {
		t.Fatalf("snapshot must be unchanged, got %v", m.Settings().Expiration)
	}
}

func TestReconfigureSwitchesBackendEndpoint(t *testing.T) {
	m, fb, _ := newTestManager(t, map[string]string{KeyExpiration: "30"})
	ctx := context.Background()

	if err := m.Reconfigure(ctx, map[string]string{
		KeyExpiration: "30",
		KeyBaseURL:    "tcp://10.0.0.5:2376",
	}); err != nil {
		t.Fatalf("reconfigure: %v", err)
	}

	fb.mu.Lock()
	defer fb.mu.Unlock()
	if fb.baseURL != "tcp://10.0.0.5:2376" {
		t.Fatalf("backend not reconnected, baseURL=%q", fb.baseURL)
	}
}
