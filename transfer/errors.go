package transfer

import (
	"errors"
	"fmt"

	"pullsend/crypto"
	"pullsend/fileio"
)

var (
	// ErrCancelled indicates the session was cancelled by either side.
	ErrCancelled = errors.New("transfer: cancelled")
	// ErrSessionExists indicates a session id is already live or retired.
	ErrSessionExists = errors.New("transfer: session already exists")
	// ErrSessionNotFound indicates no live session or proposal has the id.
	ErrSessionNotFound = errors.New("transfer: session not found")
	// ErrOfferRejected indicates the peer declined an offer.
	ErrOfferRejected = errors.New("transfer: offer rejected")
	// ErrUnexpectedResponse indicates a response of the wrong kind or address.
	ErrUnexpectedResponse = errors.New("transfer: unexpected response")

	errRetriesExhausted = errors.New("transfer: chunk retries exhausted")
	errChunkLength      = errors.New("transfer: chunk length mismatch")
	errStorage          = errors.New("transfer: storage error")
)

// isFileLevel reports whether err fails only the current file. Anything else,
// including a transport error that ran out of retries, aborts the whole
// session.
func isFileLevel(err error) bool {
	return errors.Is(err, crypto.ErrChunkAuthentication) ||
		errors.Is(err, errChunkLength) ||
		errors.Is(err, fileio.ErrHashMismatch)
}

// failureReason maps an error to a short metrics label.
func failureReason(err error) string {
	switch {
	case errors.Is(err, crypto.ErrChunkAuthentication), errors.Is(err, errChunkLength):
		return "integrity"
	case errors.Is(err, fileio.ErrHashMismatch):
		return "hash_mismatch"
	case errors.Is(err, errRetriesExhausted):
		return "retries_exhausted"
	case errors.Is(err, errStorage):
		return "storage"
	case errors.Is(err, ErrCancelled):
		return "cancelled"
	default:
		return "transport"
	}
}

func wrapReason(base error, reason string) error {
	switch {
	case base == nil && reason == "":
		return errors.New("transfer failed")
	case base == nil:
		return errors.New(reason)
	case reason == "":
		return base
	default:
		return fmt.Errorf("%w: %s", base, reason)
	}
}
