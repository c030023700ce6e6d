package orders

type Status string

const (
	StatusPending             Status = "PENDING"
	StatusAccepted            Status = "ACCEPTED"
	StatusPreparing           Status = "PREPARING"
	StatusReadyForPickup      Status = "READY_FOR_PICKUP"
	StatusPickedUp            Status = "PICKED_UP"
	StatusCancelledByUser     Status = "CANCELLED_BY_USER"
	StatusCancelledByBusiness Status = "CANCELLED_BY_BUSINESS"
	StatusFailedPayment       Status = "FAILED_PAYMENT"
)

type PaymentStatus string

const (
	PaymentUnpaid            PaymentStatus = "UNPAID"
	PaymentPaid              PaymentStatus = "PAID"
	PaymentFailed            PaymentStatus = "FAILED"
	PaymentRefunded          PaymentStatus = "REFUNDED"
	PaymentPartiallyRefunded PaymentStatus = "PARTIALLY_REFUNDED"
)

var validNext = map[Status]map[Status]bool{
	StatusPending: {
		StatusAccepted:            true,
		StatusCancelledByUser:     true,
		StatusCancelledByBusiness: true,
		StatusFailedPayment:       true,
	},
	StatusAccepted: {
		StatusPreparing:           true,
		StatusCancelledByUser:     true,
		StatusCancelledByBusiness: true,
	},
	StatusPreparing: {
		StatusReadyForPickup:      true,
		StatusCancelledByUser:     true,
		StatusCancelledByBusiness: true,
	},
	StatusReadyForPickup: {
		StatusPickedUp: true,
	},
	StatusPickedUp:            {},
	StatusCancelledByUser:     {},
	StatusCancelledByBusiness: {},
	StatusFailedPayment:       {},
}

func CanTransition(from, to Status) bool {
	return validNext[from][to]
}

// IsTerminal reports whether no further transition is allowed.
func (s Status) IsTerminal() bool {
	return len(validNext[s]) == 0
}

// Cancellable statuses: everything before the order is ready for handoff.
func (s Status) Cancellable() bool {
	switch s {
	case StatusPending, StatusAccepted, StatusPreparing:
		return true
	}
	return false
}
