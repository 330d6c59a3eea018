// Package lberrors defines the domain error vocabulary shared by every
// LobbyBoy package. Errors are ordinary values wrapped with
// github.com/gravitational/trace rather than a class hierarchy; callers
// classify with the Is* predicates instead of type switches.
package lberrors

import (
	"errors"

	"github.com/gravitational/trace"
)

// Sentinel errors. Plain error values, never wrapped in place: the
// constructors below wrap them with trace so a stack trace survives
// crossing package boundaries while errors.Is still reaches the sentinel.
var (
	ErrInvalidConfig      = errors.New("invalid configuration")
	ErrInvalidDuration    = errors.New("invalid duration literal")
	ErrUnsupportedKeyType = errors.New("unsupported key type")
	ErrUserCancelled      = errors.New("user cancelled")
	ErrProvider           = errors.New("provider error")
	ErrNoProvider         = errors.New("no such provider")
	ErrNoAvailableName    = errors.New("no available server name")
	ErrNoTTY              = errors.New("no tty allocated")
)

// InvalidConfig reports a fatal configuration error with a formatted message.
func InvalidConfig(format string, args ...interface{}) error {
	return trace.Wrap(ErrInvalidConfig, append([]interface{}{format}, args...)...)
}

// InvalidDuration reports a malformed duration literal.
func InvalidDuration(literal string) error {
	return trace.Wrap(ErrInvalidDuration, "invalid duration literal %q", literal)
}

// UnsupportedKeyType reports an auth key of a type LobbyBoy does not parse.
func UnsupportedKeyType(keyType string) error {
	return trace.Wrap(ErrUnsupportedKeyType, "unsupported key type %q", keyType)
}

// UserCancelled reports that the remote user aborted interactive input
// (Ctrl-C/Ctrl-D).
func UserCancelled() error {
	return trace.Wrap(ErrUserCancelled, "user cancelled input")
}

// ProviderError wraps a failure returned by a Provider implementation.
func ProviderError(format string, args ...interface{}) error {
	return trace.Wrap(ErrProvider, append([]interface{}{format}, args...)...)
}

// NoProvider reports that a configured provider name has no registered
// factory.
func NoProvider(name string) error {
	return trace.Wrap(ErrNoProvider, "no provider registered for %q", name)
}

// NoAvailableName reports that a provider exhausted its collision-suffix
// budget while generating a default server name.
func NoAvailableName(prefix string) error {
	return trace.Wrap(ErrNoAvailableName, "no available server name for prefix %q", prefix)
}

// NoTTY reports that the client never requested a PTY before requesting a
// shell.
func NoTTY() error {
	return trace.Wrap(ErrNoTTY, "no pty allocated before shell request")
}

// Is* predicates classify an error (possibly wrapped) against a sentinel.
func IsInvalidConfig(err error) bool      { return errorIs(err, ErrInvalidConfig) }
func IsInvalidDuration(err error) bool    { return errorIs(err, ErrInvalidDuration) }
func IsUnsupportedKeyType(err error) bool { return errorIs(err, ErrUnsupportedKeyType) }
func IsUserCancelled(err error) bool      { return errorIs(err, ErrUserCancelled) }
func IsProviderError(err error) bool      { return errorIs(err, ErrProvider) }
func IsNoProvider(err error) bool         { return errorIs(err, ErrNoProvider) }
func IsNoAvailableName(err error) bool    { return errorIs(err, ErrNoAvailableName) }
func IsNoTTY(err error) bool              { return errorIs(err, ErrNoTTY) }

func errorIs(err, sentinel error) bool {
	return errors.Is(err, sentinel) || errors.Is(trace.Unwrap(err), sentinel)
}
