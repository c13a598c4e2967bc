// Package platform implements the marketplace connection layer. This
// file centralizes connection-layer error values so callers can test
// them with errors.Is.
package platform

import "errors"

var (
	// ErrNoCookies indicates the account has no stored credential set.
	ErrNoCookies = errors.New("account has no cookies")

	// ErrMissingUserID indicates the credential set lacks the 'unb'
	// field, without which the account cannot be identified on the wire.
	ErrMissingUserID = errors.New("cookie set is missing the unb field")

	// ErrNotConnected is returned by outbound operations when the
	// realtime transport is not open.
	ErrNotConnected = errors.New("connection is not open")

	// ErrSessionExpired indicates the platform rejected the session and
	// a re-authentication handshake is required.
	ErrSessionExpired = errors.New("platform session expired")

	// ErrAccountRunning is returned by the manager when starting an
	// account that already has a live connection.
	ErrAccountRunning = errors.New("account is already running")

	// ErrAccountNotRunning is returned by the manager when stopping an
	// account that has no live connection.
	ErrAccountNotRunning = errors.New("account is not running")
)
