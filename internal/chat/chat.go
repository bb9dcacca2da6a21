// Package chat abstracts the chat platform: sending replies and reading
// channel permissions. The error taxonomy matters more than the transport
// here: a vanished target means the event is handled, a rate limit means
// wait and retry, anything else is a real failure.
package chat

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrTargetGone reports that the destination no longer exists (deleted
// message, unknown channel). Callers swallow it: the event is considered
// handled, not retried.
var ErrTargetGone = errors.New("target no longer exists")

// RateLimitError carries the platform's retry-after signal.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
}

// SendRequest addresses one outgoing reply. ReplyTo references the original
// message; the send must still go through if that message was deleted, which
// degrades to an unthreaded post (fail-if-not-exists=false semantics).
type SendRequest struct {
	ChannelID string
	Content   string
	ReplyTo   string
}

// Sender posts messages to the platform.
type Sender interface {
	SendMessage(ctx context.Context, req SendRequest) (messageID string, err error)
}

// Permissions is what the bot can do in a channel.
type Permissions struct {
	CanSend   bool
	CanThread bool
}

// PermissionLookup reads the bot's effective permissions for a channel.
type PermissionLookup interface {
	ChannelPermissions(ctx context.Context, channelID string) (Permissions, error)
}

// SendWithRetry sends req, honoring rate-limit signals with the transport's
// own retry-after delay. Any other error, including ErrTargetGone, is
// returned to the caller's policy on the first occurrence.
func SendWithRetry(ctx context.Context, s Sender, req SendRequest, maxAttempts int) (string, error) {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		id, err := s.SendMessage(ctx, req)
		if err == nil {
			return id, nil
		}

		var rl *RateLimitError
		if !errors.As(err, &rl) {
			return "", err
		}
		lastErr = err

		wait := rl.RetryAfter
		if wait <= 0 {
			wait = 500 * time.Millisecond
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return "", ctx.Err()
		case <-timer.C:
		}
	}
	return "", lastErr
}
