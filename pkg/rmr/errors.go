// Copyright (2012) Sandia Corporation.
// Under the terms of Contract DE-AC04-94AL85000 with Sandia Corporation,
// the U.S. Government retains certain rights in this software.

package rmr

import (
	"fmt"

	"github.com/sandia-minimega/rmr-go/internal/rmr"
)

// Kind mirrors the wire protocol's error-kind enum, re-exported from the
// internal mbuf state so applications never need to import
// internal/rmr directly.
type Kind = rmr.State

const (
	KindOK            = rmr.StateOK
	KindBadArg        = rmr.StateBadArg
	KindNoEndpoint    = rmr.StateNoEndpoint
	KindEmpty         = rmr.StateEmpty
	KindNoHeader      = rmr.StateNoHeader
	KindSendFailed    = rmr.StateSendFailed
	KindCallFailed    = rmr.StateCallFailed
	KindNoWhOpen      = rmr.StateNoWhOpen
	KindBadWhId       = rmr.StateBadWhId
	KindOverflow      = rmr.StateOverflow
	KindRetry         = rmr.StateRetry
	KindRcvFailed     = rmr.StateRcvFailed
	KindTimeout       = rmr.StateTimeout
	KindUnset         = rmr.StateUnset
	KindTrunc         = rmr.StateTrunc
	KindInitFailed    = rmr.StateInitFailed
	KindNotSupported  = rmr.StateNotSupported
)

// Error replaces a C-ABI-style thread-local errno with a structured
// value: a Kind, an optional transport errno, and an optional wrapped
// cause. mbuf.State mirrors Kind for every call that returns a buffer
// instead of (buffer, error).
type Error struct {
	Kind    Kind
	TPState int
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("rmr: %v: %v", e.Kind, e.Cause)
	}
	return fmt.Sprintf("rmr: %v", e.Kind)
}

func (e *Error) Unwrap() error { return e.Cause }

func newError(kind Kind, tpState int, cause error) *Error {
	return &Error{Kind: kind, TPState: tpState, Cause: cause}
}

// errFromState builds an *Error from a returned Mbuf's state, or nil if
// the state is OK, translating the C-ABI "state in the buffer"
// convention into a Go error. No api.go entry point calls it; WhOpen
// builds its error with newError.
func errFromState(state Kind, tpState int) error {
	if state == KindOK {
		return nil
	}
	return newError(state, tpState, nil)
}
