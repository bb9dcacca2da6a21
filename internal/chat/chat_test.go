package chat_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/opennotes-ai/opennotes-sub002/internal/chat"
)

type scriptedSender struct {
	errs  []error
	calls int
}

func (s *scriptedSender) SendMessage(context.Context, chat.SendRequest) (string, error) {
	s.calls++
	if s.calls <= len(s.errs) {
		return "", s.errs[s.calls-1]
	}
	return "m-1", nil
}

func TestSendWithRetryHonorsRateLimit(t *testing.T) {
	s := &scriptedSender{errs: []error{
		&chat.RateLimitError{RetryAfter: time.Millisecond},
		&chat.RateLimitError{RetryAfter: time.Millisecond},
	}}

	id, err := chat.SendWithRetry(context.Background(), s, chat.SendRequest{ChannelID: "c"}, 5)
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if id != "m-1" || s.calls != 3 {
		t.Fatalf("id=%q calls=%d", id, s.calls)
	}
}

func TestSendWithRetryDoesNotRetryTargetGone(t *testing.T) {
	s := &scriptedSender{errs: []error{chat.ErrTargetGone, nil}}

	_, err := chat.SendWithRetry(context.Background(), s, chat.SendRequest{ChannelID: "c"}, 5)
	if !errors.Is(err, chat.ErrTargetGone) {
		t.Fatalf("expected ErrTargetGone, got %v", err)
	}
	if s.calls != 1 {
		t.Fatalf("calls=%d want 1 (no retry)", s.calls)
	}
}

func TestRelaySenderErrorMapping(t *testing.T) {
	tests := []struct {
		name   string
		status int
		header http.Header
		check  func(t *testing.T, err error)
	}{
		{
			name:   "target gone",
			status: http.StatusNotFound,
			check: func(t *testing.T, err error) {
				if !errors.Is(err, chat.ErrTargetGone) {
					t.Fatalf("expected ErrTargetGone, got %v", err)
				}
			},
		},
		{
			name:   "rate limited",
			status: http.StatusTooManyRequests,
			header: http.Header{"X-Retry-After-Ms": []string{"250"}},
			check: func(t *testing.T, err error) {
				var rl *chat.RateLimitError
				if !errors.As(err, &rl) {
					t.Fatalf("expected RateLimitError, got %v", err)
				}
				if rl.RetryAfter != 250*time.Millisecond {
					t.Fatalf("retryAfter=%v want 250ms", rl.RetryAfter)
				}
			},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				for k, vs := range tc.header {
					for _, v := range vs {
						w.Header().Add(k, v)
					}
				}
				w.WriteHeader(tc.status)
			}))
			defer srv.Close()

			s := chat.NewRelaySender(srv.URL, nil)
			_, err := s.SendMessage(context.Background(), chat.SendRequest{ChannelID: "c", Content: "x"})
			tc.check(t, err)
		})
	}
}

func TestRelaySenderSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/messages" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"message_id": "m-42"}`))
	}))
	defer srv.Close()

	s := chat.NewRelaySender(srv.URL, nil)
	id, err := s.SendMessage(context.Background(), chat.SendRequest{ChannelID: "c", Content: "x", ReplyTo: "orig"})
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if id != "m-42" {
		t.Fatalf("id=%q want m-42", id)
	}
}
