package orders

import "time"

type ActorRole string

const (
	RoleTourist  ActorRole = "tourist"
	RoleBusiness ActorRole = "business"
	RoleAdmin    ActorRole = "admin"
	RoleSystem   ActorRole = "system"
)

type Actor struct {
	ID     string
	Role   ActorRole
	Origin string // network address or "internal"
}

type CancelDecision struct {
	Allowed      bool
	Reason       string
	PenaltyCents int // withheld from any refund
	TargetStatus Status
}

// EvaluateCancellation decides whether the actor may cancel now.
//
// Tourists get an unconditional grace window right after checkout (the
// payment is usually not captured yet). Past the window the business
// policy applies: a nil deadline means the policy never closes, so a
// configured-less business stays cancellable until PREPARING ends.
// Business/admin actors are only bound by the state machine.
func EvaluateCancellation(o *Order, pol *CancellationPolicy, actor Actor, grace time.Duration, now time.Time) CancelDecision {
	if !o.Status.Cancellable() {
		return CancelDecision{Allowed: false, Reason: "order is not cancellable in status " + string(o.Status)}
	}

	if actor.Role == RoleBusiness || actor.Role == RoleAdmin {
		return CancelDecision{Allowed: true, TargetStatus: StatusCancelledByBusiness}
	}
	if actor.Role == RoleSystem {
		return CancelDecision{Allowed: true, Reason: "abandoned", TargetStatus: StatusCancelledByUser}
	}

	// inside the grace window cancellation is unconditional
	if now.Sub(o.CreatedAt) <= grace {
		return CancelDecision{Allowed: true, TargetStatus: StatusCancelledByUser}
	}

	if !pol.AllowCustomerCancellation {
		return CancelDecision{Allowed: false, Reason: "business does not allow customer cancellation"}
	}
	if pol.DeadlineHours != nil {
		deadline := o.PickupAt.Add(-time.Duration(*pol.DeadlineHours) * time.Hour)
		if now.After(deadline) {
			return CancelDecision{Allowed: false, Reason: "past cancellation deadline"}
		}
	}

	penalty := o.TotalCents*pol.PenaltyPercentBPS/10000 + pol.PenaltyFixedCents
	if penalty > o.TotalCents {
		penalty = o.TotalCents
	}
	return CancelDecision{Allowed: true, PenaltyCents: penalty, TargetStatus: StatusCancelledByUser}
}
