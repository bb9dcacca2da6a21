package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// RelaySender talks to the platform through the bot's HTTP relay, mapping
// relay status codes onto the package error taxonomy: 404/410 become
// ErrTargetGone, 429 becomes RateLimitError with the Retry-After value.
type RelaySender struct {
	baseURL string
	http    *http.Client
}

func NewRelaySender(baseURL string, hc *http.Client) *RelaySender {
	baseURL = strings.TrimRight(baseURL, "/")
	if hc == nil {
		hc = &http.Client{Timeout: 10 * time.Second}
	}
	return &RelaySender{baseURL: baseURL, http: hc}
}

type relaySendReq struct {
	ChannelID string `json:"channel_id"`
	Content   string `json:"content"`
	ReplyTo   string `json:"reply_to,omitempty"`
}

type relaySendResp struct {
	MessageID string `json:"message_id"`
}

type relayPermsResp struct {
	CanSend   bool `json:"can_send"`
	CanThread bool `json:"can_create_public_thread"`
}

func (s *RelaySender) SendMessage(ctx context.Context, req SendRequest) (string, error) {
	b, err := json.Marshal(relaySendReq{
		ChannelID: req.ChannelID,
		Content:   req.Content,
		ReplyTo:   req.ReplyTo,
	})
	if err != nil {
		return "", err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/v1/messages", bytes.NewReader(b))
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	rsp, err := s.http.Do(httpReq)
	if err != nil {
		return "", err
	}
	defer rsp.Body.Close()
	data, _ := io.ReadAll(io.LimitReader(rsp.Body, 1<<20))

	switch rsp.StatusCode {
	case http.StatusOK, http.StatusCreated:
		var out relaySendResp
		if err := json.Unmarshal(data, &out); err != nil {
			return "", fmt.Errorf("decode send response: %w", err)
		}
		return out.MessageID, nil
	case http.StatusNotFound, http.StatusGone:
		return "", ErrTargetGone
	case http.StatusTooManyRequests:
		return "", &RateLimitError{RetryAfter: retryAfter(rsp)}
	default:
		return "", fmt.Errorf("send message: status %d body=%q", rsp.StatusCode, strings.TrimSpace(string(data)))
	}
}

func (s *RelaySender) ChannelPermissions(ctx context.Context, channelID string) (Permissions, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("%s/v1/channels/%s/permissions", s.baseURL, channelID), nil)
	if err != nil {
		return Permissions{}, err
	}

	rsp, err := s.http.Do(httpReq)
	if err != nil {
		return Permissions{}, err
	}
	defer rsp.Body.Close()
	data, _ := io.ReadAll(io.LimitReader(rsp.Body, 1<<20))

	switch rsp.StatusCode {
	case http.StatusOK:
		var out relayPermsResp
		if err := json.Unmarshal(data, &out); err != nil {
			return Permissions{}, fmt.Errorf("decode permissions: %w", err)
		}
		return Permissions{CanSend: out.CanSend, CanThread: out.CanThread}, nil
	case http.StatusNotFound, http.StatusGone:
		return Permissions{}, ErrTargetGone
	default:
		return Permissions{}, fmt.Errorf("channel permissions: status %d body=%q", rsp.StatusCode, strings.TrimSpace(string(data)))
	}
}

func retryAfter(rsp *http.Response) time.Duration {
	// Retry-After may be seconds or an absolute date; the relay always sends
	// integer milliseconds in X-Retry-After-Ms, falling back to the header.
	if ms := rsp.Header.Get("X-Retry-After-Ms"); ms != "" {
		if n, err := strconv.Atoi(ms); err == nil && n >= 0 {
			return time.Duration(n) * time.Millisecond
		}
	}
	if sec := rsp.Header.Get("Retry-After"); sec != "" {
		if n, err := strconv.Atoi(sec); err == nil && n >= 0 {
			return time.Duration(n) * time.Second
		}
	}
	return 0
}
