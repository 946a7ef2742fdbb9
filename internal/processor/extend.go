package processor

import (
	"context"
	"fmt"
	"time"

	"github.com/wisbric/nightowl/internal/store"
)

// maxExtensionHours is the single hard-coded extension length (my
// resolution of the spec's extend-policy open question): one 24-hour
// extension, capped at a 48-hour total per reservation.
const maxExtensionHours = 24

// maxTotalHours is the hard ceiling on a reservation's total duration
// (initial duration plus its one extension).
const maxTotalHours = 48

// handleExtend implements spec.md §4.4's extend handler: valid only in
// active, enforces a single extension and the 48-hour total cap.
func (p *Processor) handleExtend(ctx context.Context, msg *store.QueueMessage) error {
	if msg.ReservationID == nil {
		return fmt.Errorf("extend message %d missing reservation_id", msg.ID)
	}
	id := *msg.ReservationID

	r, err := p.store.GetReservation(ctx, p.store.Pool(), id)
	if err != nil {
		return fmt.Errorf("reading reservation %s: %w", id, err)
	}
	if r.Status != store.StatusActive {
		return nil
	}
	if r.ExtensionCount > 0 {
		// Rejected: extension limit reached. Not a handler error — the
		// message is still acked, duration unchanged (spec.md §8
		// scenario 5).
		return p.store.RecordEvent(ctx, p.store.Pool(), id, "extend-rejected", "extension limit reached")
	}

	newDuration, ok := computeExtendedDuration(r.DurationHours, float64(p.cfg.MaxReservationHours))
	if !ok {
		return p.store.RecordEvent(ctx, p.store.Pool(), id, "extend-rejected", "reservation already at maximum duration")
	}

	if r.ExpiresAt == nil {
		return fmt.Errorf("active reservation %s has no expiry timestamp", id)
	}
	grantedHours := newDuration - r.DurationHours
	extended := r.ExpiresAt.Add(time.Duration(grantedHours * float64(time.Hour)))

	return p.store.Extend(ctx, p.store.Pool(), id, newDuration, extended)
}

// computeExtendedDuration applies the single-extension, 48-hour-total-cap
// policy (spec.md §4.4, my resolution of the extend-policy open
// question). A positive maxHours below maxTotalHours tightens the cap; it
// never raises it. ok is false if the reservation is already at or past
// the cap, in which case the extension is rejected.
func computeExtendedDuration(currentHours, maxHours float64) (float64, bool) {
	newDuration := currentHours + maxExtensionHours
	limit := float64(maxTotalHours)
	if maxHours > 0 && maxHours < limit {
		limit = maxHours
	}
	if newDuration > limit {
		newDuration = limit
	}
	if newDuration <= currentHours {
		return currentHours, false
	}
	return newDuration, true
}
