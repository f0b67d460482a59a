package challenge

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tr4c3datr4il/CTFd-Docker-Plugin/internal/store"
)

// Catalog is the capability surface the rest of the platform uses to
// work with container challenges: read, update, recompute value, record
// solves.
type Catalog struct {
	challenges store.ChallengeStore
	solves     store.SolveStore
	log        logrus.FieldLogger
}

func NewCatalog(challenges store.ChallengeStore, solves store.SolveStore, log logrus.FieldLogger) *Catalog {
	return &Catalog{
		challenges: challenges,
		solves:     solves,
		log:        log.WithField("component", "challenge"),
	}
}

func (c *Catalog) Read(ctx context.Context, id int64) (store.Challenge, error) {
	return c.challenges.ByID(ctx, id)
}

// Update persists edited challenge parameters and recomputes the point
// value, since initial/minimum/decay may have changed.
func (c *Catalog) Update(ctx context.Context, ch store.Challenge) (store.Challenge, error) {
	if err := c.challenges.Update(ctx, ch); err != nil {
		return store.Challenge{}, err
	}
	value, err := c.Recalculate(ctx, ch.ID)
	if err != nil {
		return store.Challenge{}, err
	}
	ch.Value = value
	return ch, nil
}

// Recalculate recomputes and persists the challenge's current value
// from its solve count.
func (c *Catalog) Recalculate(ctx context.Context, id int64) (int, error) {
	ch, err := c.challenges.ByID(ctx, id)
	if err != nil {
		return 0, err
	}

	count, err := c.solves.CountValid(ctx, id)
	if err != nil {
		return 0, fmt.Errorf("count solves: %w", err)
	}

	value := ComputeValue(ch.Initial, ch.Minimum, ch.Decay, count)
	if value != ch.Value {
		ch.Value = value
		if err := c.challenges.Update(ctx, ch); err != nil {
			return 0, fmt.Errorf("persist value: %w", err)
		}
	}
	return value, nil
}

// Solved reports whether the owner already solved the challenge.
func (c *Catalog) Solved(ctx context.Context, id int64, owner store.Owner) (bool, error) {
	return c.solves.Exists(ctx, id, owner)
}

// OnSolve records an accepted submission and recomputes the value.
func (c *Catalog) OnSolve(ctx context.Context, id int64, owner store.Owner, userID int64) error {
	err := c.solves.Create(ctx, store.Solve{
		ChallengeID: id,
		Owner:       owner,
		UserID:      userID,
		CreatedAt:   time.Now().Unix(),
	})
	if err != nil {
		return fmt.Errorf("record solve: %w", err)
	}

	value, err := c.Recalculate(ctx, id)
	if err != nil {
		return err
	}

	c.log.WithFields(logrus.Fields{
		"challenge_id": id,
		"owner_kind":   owner.Kind,
		"owner_id":     owner.ID,
		"value":        value,
	}).Info("challenge solved")
	return nil
}
