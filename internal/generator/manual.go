package generator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/livinlefevreloca/testbed/internal/authz"
	"github.com/livinlefevreloca/testbed/internal/db"
	"github.com/livinlefevreloca/testbed/internal/metrics"
)

var (
	ErrNotAuthorized    = errors.New("generator: actor is not authorized")
	ErrNotAdmin         = errors.New("generator: actor is not an admin")
	ErrAlreadyScheduled = errors.New("generator: slot already scheduled")
)

// ScheduleNow inserts a slot owned by the actor for now, truncated to the
// second, so the next dispatcher cycle runs every assignment. Only admins
// may do this.
func (g *Generator) ScheduleNow(ctx context.Context, actor authz.Authorizer, now time.Time) (*db.ScheduleSlot, error) {
	if !actor.IsAuthorized() {
		return nil, ErrNotAuthorized
	}
	if !actor.IsAdmin() {
		return nil, ErrNotAdmin
	}

	username, ok := actor.Username()
	if !ok {
		return nil, ErrNotAuthorized
	}

	at := now.UTC().Truncate(time.Second)
	slot := &db.ScheduleSlot{
		ScheduledBy:  username,
		ScheduledOn:  at,
		ScheduledFor: at,
	}

	err := g.store.InsertSlot(ctx, slot)
	if db.IsDuplicate(err) {
		return nil, ErrAlreadyScheduled
	}
	if err != nil {
		metrics.RecordStoreError("insert_slot")
		return nil, fmt.Errorf("schedule now for %s: %w", username, err)
	}

	metrics.RecordSlotsCreated("manual", 1)
	g.logger.Info("manual slot scheduled",
		"by_user", username,
		"scheduled_for", at)

	return slot, nil
}
