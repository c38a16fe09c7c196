// Package window implements the chat session window guard. The provider only
// permits free-form messages within a fixed period after the last inbound
// message; outside it, only an approved template may be sent. This is a hard
// protocol constraint, so every chat send path consults the guard.
package window

import "time"

// Window is the per-conversation derived value. It is recomputed on read from
// the last inbound message timestamp; persisting it would risk staleness.
type Window struct {
	ExpiresAt       *time.Time
	CanSendFreeform bool
}

// Evaluate computes the window as of now. A conversation with no inbound
// message has never opened a session: freeform is off and there is no expiry.
func Evaluate(lastInbound *time.Time, now time.Time, span time.Duration) Window {
	return EvaluateAt(lastInbound, now, now, span)
}

// EvaluateAt computes the window against a future send time, so the scheduler
// can reject a freeform message that would only leave the window after being
// enqueued.
func EvaluateAt(lastInbound *time.Time, now, sendAt time.Time, span time.Duration) Window {
	if lastInbound == nil {
		return Window{}
	}
	expires := lastInbound.Add(span)
	if sendAt.Before(now) {
		sendAt = now
	}
	return Window{
		ExpiresAt:       &expires,
		CanSendFreeform: sendAt.Before(expires),
	}
}
