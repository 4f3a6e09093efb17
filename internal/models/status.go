package models

// Status is the lifecycle state of a Transaction
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusApproved   Status = "approved"
	StatusFailed     Status = "failed"
	StatusExpired    Status = "expired"
)

var validNext = map[Status]map[Status]bool{
	StatusPending:    {StatusProcessing: true, StatusApproved: true, StatusFailed: true, StatusExpired: true},
	StatusProcessing: {StatusApproved: true, StatusFailed: true, StatusExpired: true},
	StatusApproved:   {},
	StatusFailed:     {},
	StatusExpired:    {},
}

// CanTransition reports whether from -> to is a legal edge.
func CanTransition(from, to Status) bool {
	return validNext[from][to]
}

// IsTerminal is true for approved, failed and expired.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusApproved, StatusFailed, StatusExpired:
		return true
	}
	return false
}

// ActiveStatuses are the states in which a transaction blocks another attempt for its order.
var ActiveStatuses = []Status{StatusPending, StatusProcessing}
