package domain

import (
	"errors"
	"fmt"
)

// TransientStoreError marks a store failure worth retrying: network faults,
// timeouts, connection loss. The pipeline retries these with bounded backoff
// before dead-lettering the item.
type TransientStoreError struct {
	Op  string
	Err error
}

func (e *TransientStoreError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransientStoreError) Unwrap() error { return e.Err }

// IsTransient reports whether err is retryable.
func IsTransient(err error) bool {
	var t *TransientStoreError
	return errors.As(err, &t)
}

// IntegrityViolation means persisted session state cannot be trusted. It is
// fatal to that session only; the crawl must be restarted fresh.
type IntegrityViolation struct {
	SessionID string
	Reason    string
}

func (e *IntegrityViolation) Error() string {
	return fmt.Sprintf("session %s: %s", e.SessionID, e.Reason)
}
