package ktp

import "github.com/ktpnet/ktp/internal/ktperr"

// The public error taxonomy (§4.3, §7): ErrNoSpace (ENOSPACE), ErrNotBound
// (ENOTBOUND), ErrNoMessage (ENOMESSAGE), ErrInvalidArgument, and
// ErrDaemonUnavailable for bootstrap failures. Re-exported from
// internal/ktperr so callers outside this module never need to import an
// internal package to use errors.Is.
var (
	ErrNoSpace           = ktperr.ErrNoSpace
	ErrNotBound          = ktperr.ErrNotBound
	ErrNoMessage         = ktperr.ErrNoMessage
	ErrInvalidArgument   = ktperr.ErrInvalidArgument
	ErrDaemonUnavailable = ktperr.ErrDaemonUnavailable
)
