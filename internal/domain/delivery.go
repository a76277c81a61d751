package domain

// DeliveryStatus is the three-way outcome of one transport send attempt.
type DeliveryStatus int

const (
	// Delivered means the whole batch was acknowledged by the destination.
	Delivered DeliveryStatus = iota
	// TransientFailure means nothing was acknowledged and the batch is
	// eligible for retry (connection loss, timeout, destination overload).
	TransientFailure
	// PermanentFailure means the destination rejected the payload and a
	// retry would fail the same way.
	PermanentFailure
)

// String returns a human-readable status name for diagnostics.
func (s DeliveryStatus) String() string {
	switch s {
	case Delivered:
		return "delivered"
	case TransientFailure:
		return "transient_failure"
	case PermanentFailure:
		return "permanent_failure"
	default:
		return "unknown"
	}
}

// DeliveryResult carries the outcome of a send plus the underlying error
// for anything other than Delivered.
type DeliveryResult struct {
	Status DeliveryStatus
	Err    error
}

// Ok reports whether the batch was delivered.
func (r DeliveryResult) Ok() bool {
	return r.Status == Delivered
}
