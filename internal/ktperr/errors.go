// Package ktperr defines the small error taxonomy shared by the daemon and
// the client library (§7): resource exhaustion, protocol misuse, transient
// emptiness, invalid arguments, and bootstrap failure. Keeping these as
// package-level sentinels (rather than per-package duplicates) lets the
// broker RPC carry a stable code across the process boundary and still let
// callers use errors.Is/errors.As.
package ktperr

import "errors"

var (
	// ErrNoSpace is ENOSPACE: no free socket slot, send slot, or sequence
	// number was available.
	ErrNoSpace = errors.New("ktp: no space available")
	// ErrNotBound is ENOTBOUND: send's destination does not match the
	// socket's recorded peer.
	ErrNotBound = errors.New("ktp: destination does not match bound peer")
	// ErrNoMessage is ENOMESSAGE: recv found nothing to deliver.
	ErrNoMessage = errors.New("ktp: no message available")
	// ErrInvalidArgument covers malformed arguments (bad family/type, an
	// unknown or already-closed fd, ...).
	ErrInvalidArgument = errors.New("ktp: invalid argument")
	// ErrDaemonUnavailable is raised at the first library call of a
	// process when the shared region or the broker socket cannot be
	// reached (§7a).
	ErrDaemonUnavailable = errors.New("ktp: transport daemon not running")
)

// codes maps each sentinel to a short stable string that survives the
// broker's JSON round trip (see internal/broker.Response.Code).
var codes = map[error]string{
	ErrNoSpace:           "ENOSPACE",
	ErrNotBound:          "ENOTBOUND",
	ErrNoMessage:         "ENOMESSAGE",
	ErrInvalidArgument:   "EINVAL",
	ErrDaemonUnavailable: "EDAEMON",
}

// Code returns the stable string code for err if it wraps one of the
// sentinels above, or "" otherwise.
func Code(err error) string {
	for sentinel, code := range codes {
		if errors.Is(err, sentinel) {
			return code
		}
	}
	return ""
}

// FromCode returns the sentinel error named by code, or nil if code is
// empty or unrecognized.
func FromCode(code string) error {
	switch code {
	case "ENOSPACE":
		return ErrNoSpace
	case "ENOTBOUND":
		return ErrNotBound
	case "ENOMESSAGE":
		return ErrNoMessage
	case "EINVAL":
		return ErrInvalidArgument
	case "EDAEMON":
		return ErrDaemonUnavailable
	default:
		return nil
	}
}
