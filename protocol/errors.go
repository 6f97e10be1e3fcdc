package protocol

import (
	"errors"
	"net/http"
)

// Protocol error taxonomy. Services wrap these sentinels with fmt.Errorf
// so callers can classify failures with errors.Is.
var (
	// ErrRegistrationRejected covers failed proof-of-work, consumed or
	// unknown challenges, and revoked identities re-registering.
	ErrRegistrationRejected = errors.New("registration rejected")

	// ErrRoundAborted is returned when a round cannot finalize: quorum
	// missed before the deadline, or the committee rejected the candidate.
	ErrRoundAborted = errors.New("round aborted")

	// ErrStaleMessage is returned for messages tagged with a round number
	// below the active round.
	ErrStaleMessage = errors.New("stale message")

	// ErrValidationRejected is returned when a validator rejects a
	// candidate aggregate.
	ErrValidationRejected = errors.New("validation rejected")
)

// ErrorStatusCode maps protocol errors to HTTP status codes for the
// service layer.
func ErrorStatusCode(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrRegistrationRejected):
		return http.StatusForbidden
	case errors.Is(err, ErrStaleMessage):
		return http.StatusConflict
	case errors.Is(err, ErrValidationRejected):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ErrRoundAborted):
		return http.StatusGone
	default:
		return http.StatusInternalServerError
	}
}
