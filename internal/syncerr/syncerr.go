// Package syncerr defines the error kinds produced by the synchronization
// engine. Callers branch on Kind (via KindOf or errors.Is against the
// sentinels) instead of inspecting messages.
package syncerr

import (
	"errors"
	"fmt"
)

// Kind classifies a synchronization failure.
type Kind uint8

const (
	KindUnknown Kind = iota
	// KindNoResumptionToken: neither a page token nor a resumption token is
	// available to continue.
	KindNoResumptionToken
	// KindInvalidToken: the provider rejected the stored resumption token; a
	// full resync is required.
	KindInvalidToken
	// KindAccessRevoked: the user's authorization was withdrawn.
	KindAccessRevoked
	// KindNoCalendarMatch: a notification's resource id has no SyncRecord.
	KindNoCalendarMatch
	// KindChannelNotFound: a notification references an unknown channel.
	KindChannelNotFound
	// KindProviderFetch: transport or provider failure on a page fetch.
	KindProviderFetch
	// KindPersistence: a store write failed.
	KindPersistence
	// KindTokenConflict: another run advanced the resumption token first.
	KindTokenConflict
	// KindMalformedWatch: the provider rejected a watch start request.
	KindMalformedWatch
)

var kindNames = map[Kind]string{
	KindUnknown:           "unknown",
	KindNoResumptionToken: "no_resumption_token",
	KindInvalidToken:      "invalid_token",
	KindAccessRevoked:     "access_revoked",
	KindNoCalendarMatch:   "no_calendar_match",
	KindChannelNotFound:   "channel_not_found",
	KindProviderFetch:     "provider_fetch",
	KindPersistence:       "persistence",
	KindTokenConflict:     "token_conflict",
	KindMalformedWatch:    "malformed_watch",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Error is a classified failure. Op names the step that failed.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	case e.Op != "":
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	default:
		return e.Kind.String()
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches bare kind sentinels, so errors.Is(err, ErrInvalidToken) holds for
// any *Error of that kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Op == "" && t.Err == nil && t.Kind == e.Kind
}

var (
	ErrNoResumptionToken = &Error{Kind: KindNoResumptionToken}
	ErrInvalidToken      = &Error{Kind: KindInvalidToken}
	ErrAccessRevoked     = &Error{Kind: KindAccessRevoked}
	ErrNoCalendarMatch   = &Error{Kind: KindNoCalendarMatch}
	ErrChannelNotFound   = &Error{Kind: KindChannelNotFound}
	ErrProviderFetch     = &Error{Kind: KindProviderFetch}
	ErrPersistence       = &Error{Kind: KindPersistence}
	ErrTokenConflict     = &Error{Kind: KindTokenConflict}
	ErrMalformedWatch    = &Error{Kind: KindMalformedWatch}
)

// New wraps err with kind and op. If err already carries a kind it is kept
// as the cause so the outer kind wins.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the kind of the outermost *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// Fatal reports whether err aborts a run and must be surfaced to the caller.
func Fatal(err error) bool {
	switch KindOf(err) {
	case KindNoResumptionToken, KindInvalidToken, KindAccessRevoked, KindProviderFetch, KindMalformedWatch:
		return true
	default:
		return false
	}
}
