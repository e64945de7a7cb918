package authz

import (
	"errors"
	"fmt"
)

// InvalidQueryError indicates a malformed permission query: an empty
// permission code. It is a caller error, not an authorization decision.
type InvalidQueryError struct {
	Reason string
}

func (e *InvalidQueryError) Error() string {
	return "invalid permission query: " + e.Reason
}

// ResolutionError indicates the membership or role data backing a check
// could not be read. It is propagated so callers can fail closed; it is
// never collapsed into a false result.
type ResolutionError struct {
	Op             string
	UserID         int64
	OrganizationID int64
	Err            error
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("permission resolution failed (%s, user=%d, org=%d): %v",
		e.Op, e.UserID, e.OrganizationID, e.Err)
}

func (e *ResolutionError) Unwrap() error {
	return e.Err
}

// IsInvalidQuery reports whether err is an InvalidQueryError.
func IsInvalidQuery(err error) bool {
	var iq *InvalidQueryError
	return errors.As(err, &iq)
}

// IsResolutionError reports whether err is a ResolutionError.
func IsResolutionError(err error) bool {
	var re *ResolutionError
	return errors.As(err, &re)
}
