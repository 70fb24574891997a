package domain

import (
	"errors"
	"fmt"
	"time"
)

// Mail client error taxonomy. Workers translate these into retry, fallback
// or terminal job outcomes; they are never passed through to API callers.
var (
	// ErrCursorInvalidated means the incremental cursor is too old and the
	// caller must fall back to a full resync.
	ErrCursorInvalidated = errors.New("sync cursor invalidated")

	// ErrAuthRevoked means the user's authorization is gone. Terminal until
	// the user reconnects.
	ErrAuthRevoked = errors.New("authorization revoked")
)

// QuotaError reports quota exhaustion from the external API or from the
// shared limiter. Recoverable; the job is re-enqueued after RetryAfter.
type QuotaError struct {
	RetryAfter time.Duration
}

func (e *QuotaError) Error() string {
	return fmt.Sprintf("quota exceeded, retry after %s", e.RetryAfter)
}

// AsQuotaError unwraps err into a QuotaError if it is one.
func AsQuotaError(err error) (*QuotaError, bool) {
	var qe *QuotaError
	if errors.As(err, &qe) {
		return qe, true
	}
	return nil, false
}
