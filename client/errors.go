// Package client holds the error taxonomy shared by the node and pool clients.
package client

import (
	"errors"
	"fmt"
)

var (
	// ErrNodeUnreachable is a transport failure, callers back off and retry.
	ErrNodeUnreachable = errors.New("node unreachable")
	// ErrNodeNotSynced means the node answered but is still syncing.
	ErrNodeNotSynced = errors.New("node not synced")
)

// RejectedError is a submission the remote side refused.
type RejectedError struct {
	Code   int
	Reason string
}

func (e *RejectedError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("rejected: %s (code %d)", e.Reason, e.Code)
	}
	return "rejected: " + e.Reason
}

func Rejected(code int, reason string) error {
	return &RejectedError{Code: code, Reason: reason}
}

// AsRejected returns the rejection inside err, if any.
func AsRejected(err error) (*RejectedError, bool) {
	var r *RejectedError
	if errors.As(err, &r) {
		return r, true
	}
	return nil, false
}
