package submission

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tr4c3datr4il/CTFd-Docker-Plugin/internal/alert"
	"github.com/tr4c3datr4il/CTFd-Docker-Plugin/internal/challenge"
	"github.com/tr4c3datr4il/CTFd-Docker-Plugin/internal/identity"
	"github.com/tr4c3datr4il/CTFd-Docker-Plugin/internal/lifecycle"
	"github.com/tr4c3datr4il/CTFd-Docker-Plugin/internal/store"
)

// Verdict is the single classification every submission resolves to.
type Verdict string

const (
	VerdictAccepted  Verdict = "accepted"
	VerdictIncorrect Verdict = "incorrect"
	VerdictNotActive Verdict = "not_active"
	VerdictAdminTest Verdict = "admin_test"
	VerdictAbuse     Verdict = "abuse"
)

// Result is what the request layer renders back to the participant.
type Result struct {
	Verdict Verdict `json:"verdict"`
	Message string  `json:"message"`
}

// Checker arbitrates flag submissions: it validates the credential,
// detects sharing between identities and drives the irreversible side
// effects (used transition, bans, instance teardown, score updates).
type Checker struct {
	manager    *lifecycle.Manager
	stores     *store.Stores
	catalog    *challenge.Catalog
	identities identity.Store
	notifier   alert.Notifier
	log        logrus.FieldLogger

	credLocks *lifecycle.KeyedMutex
}

func NewChecker(m *lifecycle.Manager, stores *store.Stores, catalog *challenge.Catalog, ids identity.Store, notifier alert.Notifier, log logrus.FieldLogger) *Checker {
	if notifier == nil {
		notifier = alert.Discard{}
	}
	return &Checker{
		manager:    m,
		stores:     stores,
		catalog:    catalog,
		identities: ids,
		notifier:   notifier,
		log:        log.WithField("component", "submission"),
		credLocks:  lifecycle.NewKeyedMutex(),
	}
}

// Submit classifies one flag submission. The credential lock makes the
// read-classify-write sequence atomic against duplicate submissions of
// the same value; the owner lock serializes against lifecycle calls for
// the submitter. Backend kills run after both locks are released.
func (c *Checker) Submit(ctx context.Context, ident identity.Identity, owner store.Owner, challengeID int64, value string) (Result, error) {
	ch, err := c.stores.Challenges.ByID(ctx, challengeID)
	if err != nil {
		return Result{}, err
	}

	unlock := c.credLocks.Lock(value)
	defer unlock()

	res, killID, err := c.arbitrate(ctx, ident, owner, ch, value)
	if killID != "" {
		c.manager.KillBestEffort(ctx, killID)
	}
	return res, err
}

func (c *Checker) arbitrate(ctx context.Context, ident identity.Identity, owner store.Owner, ch store.Challenge, value string) (Result, string, error) {
	unlock := c.manager.LockOwner(owner, ch.ID)
	defer unlock()

	inst, err := c.stores.Instances.ForOwner(ctx, ch.ID, owner)
	if errors.Is(err, store.ErrInstanceNotFound) {
		return Result{Verdict: VerdictNotActive, Message: "No running instance for this challenge. Start one first."}, "", nil
	}
	if err != nil {
		return Result{}, "", err
	}
	running, err := c.manager.IsRunning(ctx, inst.ID)
	if err != nil {
		return Result{}, "", err
	}
	if !running {
		return Result{Verdict: VerdictNotActive, Message: "Your instance is no longer running. Start a new one."}, "", nil
	}

	flag, err := c.stores.Flags.ByValue(ctx, value)
	if errors.Is(err, store.ErrFlagNotFound) {
		return Result{Verdict: VerdictIncorrect, Message: "Incorrect."}, "", nil
	}
	if err != nil {
		return Result{}, "", err
	}
	if flag.ChallengeID != ch.ID {
		return Result{Verdict: VerdictIncorrect, Message: "Incorrect."}, "", nil
	}

	if ident.IsAdmin() {
		return Result{Verdict: VerdictAdminTest, Message: "Valid flag, recorded as an admin test submission."}, "", nil
	}

	if flag.Owner != nil && *flag.Owner != owner {
		res, killID, terminal, err := c.handleMismatch(ctx, ch, flag, owner)
		if err != nil || terminal {
			return res, killID, err
		}
		// Immediate ban disabled: the mismatch is on record and the
		// attempt keeps being evaluated on its merits.
	}

	if flag.Used {
		return Result{Verdict: VerdictIncorrect, Message: "Incorrect."}, "", nil
	}

	return c.accept(ctx, ident, ch, flag, inst, owner)
}

// handleMismatch records the sharing event unconditionally and applies
// the ban plus teardown only under the immediate-ban policy. The third
// return value reports whether the verdict is terminal.
func (c *Checker) handleMismatch(ctx context.Context, ch store.Challenge, flag store.Flag, submitter store.Owner) (Result, string, bool, error) {
	flagOwner := *flag.Owner

	record := store.AbuseRecord{
		ChallengeID: ch.ID,
		FlagValue:   flag.Value,
		Owner:       flagOwner,
		Submitter:   submitter,
		CreatedAt:   time.Now().Unix(),
	}
	if err := c.stores.Abuse.Create(ctx, record); err != nil {
		return Result{}, "", false, fmt.Errorf("record abuse: %w", err)
	}

	banned := c.manager.Settings().BanImmediately
	c.notifier.FlagShared(ctx, alert.SharingAlert{
		ChallengeName: ch.Name,
		FlagValue:     flag.Value,
		OwnerName:     c.ownerName(ctx, flagOwner),
		SubmitterName: c.ownerName(ctx, submitter),
		Banned:        banned,
	})

	c.log.WithFields(logrus.Fields{
		"challenge_id":   ch.ID,
		"owner_kind":     flagOwner.Kind,
		"owner_id":       flagOwner.ID,
		"submitter_kind": submitter.Kind,
		"submitter_id":   submitter.ID,
		"ban":            banned,
	}).Warn("flag sharing detected")

	if !banned {
		return Result{}, "", false, nil
	}

	if err := identity.BanOwner(ctx, c.identities, flagOwner); err != nil {
		return Result{}, "", false, fmt.Errorf("ban flag owner: %w", err)
	}
	if err := identity.BanOwner(ctx, c.identities, submitter); err != nil {
		return Result{}, "", false, fmt.Errorf("ban submitter: %w", err)
	}

	killID := flag.InstanceID
	if killID != "" {
		c.manager.DeleteRecord(ctx, killID)
	}

	return Result{Verdict: VerdictAbuse, Message: "Flag sharing detected. Both identities have been banned."}, killID, true, nil
}

// accept flips used exactly once, applies the mode-specific credential
// cleanup, removes the instance record and credits the solve.
func (c *Checker) accept(ctx context.Context, ident identity.Identity, ch store.Challenge, flag store.Flag, inst store.Instance, owner store.Owner) (Result, string, error) {
	if err := c.stores.Flags.MarkUsed(ctx, flag.ID); err != nil {
		return Result{}, "", fmt.Errorf("mark flag used: %w", err)
	}

	// Static flags are shared secrets: the row dies with the first
	// accepted submission so nobody can replay it. Random flags stay as
	// owner-bound forensic history; DeleteRecord clears their instance
	// link.
	if ch.FlagMode == store.FlagModeStatic {
		if err := c.stores.Flags.Delete(ctx, flag.ID); err != nil {
			return Result{}, "", fmt.Errorf("consume static flag: %w", err)
		}
	}

	c.manager.DeleteRecord(ctx, inst.ID)

	if err := c.catalog.OnSolve(ctx, ch.ID, owner, ident.UserID); err != nil {
		c.log.WithError(err).WithField("challenge_id", ch.ID).Warn("solve bookkeeping failed")
	}

	return Result{Verdict: VerdictAccepted, Message: "Correct!"}, inst.ID, nil
}

func (c *Checker) ownerName(ctx context.Context, owner store.Owner) string {
	switch owner.Kind {
	case store.OwnerTeam:
		if t, err := c.identities.TeamByID(ctx, owner.ID); err == nil {
			return t.Name
		}
	case store.OwnerUser:
		if u, err := c.identities.UserByID(ctx, owner.ID); err == nil {
			return u.Name
		}
	}
	return fmt.Sprintf("%s %d", owner.Kind, owner.ID)
}
