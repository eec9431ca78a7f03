package platform

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrorKind is the semantic error taxonomy every platform operation maps into.
// Downstream components branch on kinds, never on raw platform strings.
type ErrorKind string

const (
	KindTransientNetwork ErrorKind = "transient_network"
	KindAuthExpired      ErrorKind = "auth_expired"
	KindRateLimited      ErrorKind = "rate_limited"
	KindPeerInvalid      ErrorKind = "peer_invalid"
	KindContentRejected  ErrorKind = "content_rejected"
	KindUnknown          ErrorKind = "unknown"
)

// BanMarkers are platform signals that continued sends will harm the session.
// Matched case-insensitively against classified and raw error text.
var BanMarkers = []string{"PEER_FLOOD", "USER_DEACTIVATED", "USER_BLOCKED", "account restricted"}

// Error is a classified platform failure. Wait is set for KindRateLimited.
type Error struct {
	Kind  ErrorKind
	Wait  time.Duration
	cause error
}

func (e *Error) Error() string {
	if e.Kind == KindRateLimited {
		return fmt.Sprintf("platform: rate limited, wait %s: %v", e.Wait, e.cause)
	}
	return fmt.Sprintf("platform: %s: %v", e.Kind, e.cause)
}

func (e *Error) Unwrap() error { return e.cause }

// NewError wraps cause under the given kind.
func NewError(kind ErrorKind, cause error) *Error {
	return &Error{Kind: kind, cause: cause}
}

// NewRateLimited wraps cause as a rate limit carrying the platform-suggested wait.
func NewRateLimited(wait time.Duration, cause error) *Error {
	return &Error{Kind: KindRateLimited, Wait: wait, cause: cause}
}

// KindOf extracts the taxonomy kind, defaulting to unknown.
func KindOf(err error) ErrorKind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return KindUnknown
}

// FloodWait returns the suggested wait of a rate-limited error.
func FloodWait(err error) (time.Duration, bool) {
	var pe *Error
	if errors.As(err, &pe) && pe.Kind == KindRateLimited {
		return pe.Wait, true
	}
	return 0, false
}

// BanMarker returns the first ban indicator present in the error text, if any.
func BanMarker(err error) (string, bool) {
	if err == nil {
		return "", false
	}
	text := strings.ToLower(err.Error())
	for _, m := range BanMarkers {
		if strings.Contains(text, strings.ToLower(m)) {
			return m, true
		}
	}
	return "", false
}
