package delivery

import (
	"errors"
	"fmt"
	"strings"

	tele "gopkg.in/telebot.v4"
)

// Reason classifies why a delivery attempt failed. The scheduler treats all
// reasons uniformly (the occurrence is terminal); the reason is kept for
// logging and the audit trail.
type Reason string

const (
	// ReasonUnreachable: the destination does not resolve (chat deleted,
	// bot removed, id malformed).
	ReasonUnreachable Reason = "unreachable"
	// ReasonForbidden: the destination exists but the bot may not post there.
	ReasonForbidden Reason = "forbidden"
	// ReasonRejected: the platform refused the content itself (too long,
	// empty, bad markup).
	ReasonRejected Reason = "rejected"
	// ReasonTransport: network failure, rate limiting, or a server-side error.
	ReasonTransport Reason = "transport"
)

// Error is a failed delivery attempt.
type Error struct {
	Reason Reason
	Err    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("delivery failed (%s): %v", e.Reason, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// ReasonOf extracts the failure reason from an error returned by Send or
// Resolve. Unknown errors count as transport failures.
func ReasonOf(err error) Reason {
	var de *Error
	if errors.As(err, &de) {
		return de.Reason
	}
	return ReasonTransport
}

// classify maps a raw Telegram API error onto the reason taxonomy.
func classify(err error) *Error {
	if err == nil {
		return nil
	}

	var flood tele.FloodError
	if errors.As(err, &flood) {
		return &Error{Reason: ReasonTransport, Err: err}
	}

	var terr *tele.Error
	if errors.As(err, &terr) {
		desc := strings.ToLower(terr.Description)
		switch {
		case terr.Code == 401 || terr.Code == 403:
			return &Error{Reason: ReasonForbidden, Err: err}
		case terr.Code == 400 && (strings.Contains(desc, "not found") || strings.Contains(desc, "chat_id is empty")):
			return &Error{Reason: ReasonUnreachable, Err: err}
		case terr.Code == 400:
			return &Error{Reason: ReasonRejected, Err: err}
		case terr.Code >= 500:
			return &Error{Reason: ReasonTransport, Err: err}
		}
	}

	return &Error{Reason: ReasonTransport, Err: err}
}
