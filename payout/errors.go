package payout

import (
	"errors"
	"fmt"
)

// Submission failure classes the external payment capability reports.
// The pipeline reacts to each class differently; anything unclassified
// is recorded to the error history and retried under a caught tag.
var (
	// ErrRequestTooLarge signals a transport-level oversized request.
	ErrRequestTooLarge = errors.New("submission request too large")

	// ErrUnreachable signals a connectivity failure towards the
	// external ledger.
	ErrUnreachable = errors.New("external ledger unreachable")
)

// CapacityError reports that the external ledger rejected the payment
// because it would consume more spendable inputs than allowed in one
// transaction.
type CapacityError struct {
	RequiredInputs int
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("transaction requires %d spendable inputs", e.RequiredInputs)
}
