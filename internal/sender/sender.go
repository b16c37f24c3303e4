// Package sender abstracts the network call that delivers one direct
// message to one recipient on the social platform.
package sender

import (
	"context"
	"strings"
)

type Sender interface {
	SendDM(ctx context.Context, recipientExternalID, text, mediaURL string) error
}

// IsRateLimited reports whether err looks like a rate-limit rejection from
// the platform. The executor layers a reactive backoff on top of the
// proactive limiter when it sees one.
func IsRateLimited(err error) bool {
	if err == nil {
		return false
	}
	s := strings.ToLower(err.Error())
	return strings.Contains(s, "rate limit") ||
		strings.Contains(s, "too many requests") ||
		strings.Contains(s, "status 429")
}
