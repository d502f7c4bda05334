package processingrecords

import (
	"errors"
	"fmt"
)

var (
	// ErrMissingContext is returned when the step runs without an organization or workflow definition.
	ErrMissingContext = errors.New("processing records step requires organization and workflow definition ids")

	// ErrInvalidParams is returned when step parameters fail validation.
	ErrInvalidParams = errors.New("invalid processing records params")

	// ErrClaimContention is returned when another execution holds the claim of a fetched record.
	// The step should fail and be retried later.
	ErrClaimContention = errors.New("processing record claim contention")
)

// ClaimError identifies the record whose claim was lost.
type ClaimError struct {
	TableName string
	RecordID  string
	Err       error
}

func (e *ClaimError) Error() string {
	return fmt.Sprintf("claim of record %s in %s failed: %v", e.RecordID, e.TableName, e.Err)
}

func (e *ClaimError) Unwrap() error {
	return e.Err
}

func (e *ClaimError) Is(target error) bool {
	return target == ErrClaimContention || errors.Is(e.Err, target)
}

// IsClaimContention checks if an error reports a lost claim.
func IsClaimContention(err error) bool {
	return errors.Is(err, ErrClaimContention)
}
