// Package backend is the HTTP client for the external notes service: the
// authoritative owner of duplicate/cooldown post records, note content, and
// message classification. Every call can fail transiently; callers apply
// their own policy (fail-closed for identity checks, fail-open for the
// relevance enrichment).
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/opennotes-ai/opennotes-sub002/internal/bus"
)

type Client struct {
	baseURL string
	http    *http.Client
}

func New(baseURL string, hc *http.Client) *Client {
	baseURL = strings.TrimRight(baseURL, "/")
	if hc == nil {
		hc = &http.Client{Timeout: 10 * time.Second}
	}
	return &Client{baseURL: baseURL, http: hc}
}

// ---- Wire format ----

type duplicateResp struct {
	Exists bool   `json:"exists"`
	PostID string `json:"post_id,omitempty"`
}

type lastPostResp struct {
	Found    bool      `json:"found"`
	PostedAt time.Time `json:"posted_at,omitempty"`
}

type noteContentResp struct {
	Summary string `json:"summary"`
}

type recordPostReq struct {
	NoteID            string `json:"note_id"`
	ChannelID         string `json:"channel_id"`
	OriginalMessageID string `json:"original_message_id"`
}

type relevanceResp struct {
	Relevant bool `json:"relevant"`
}

type classifyReq struct {
	Messages []bus.ChatMessage `json:"messages"`
}

type classifyResp struct {
	Accepted []bus.ChatMessage `json:"accepted"`
}

// ---- Operations ----

// DuplicateResult reports whether a reply was already posted for an original
// message.
type DuplicateResult struct {
	Exists bool
	PostID string
}

func (c *Client) CheckDuplicate(ctx context.Context, originalMessageID string) (DuplicateResult, error) {
	path := fmt.Sprintf("%s/v1/posts/duplicate/%s", c.baseURL, originalMessageID)
	var out duplicateResp
	code, raw, err := c.doJSON(ctx, http.MethodGet, path, nil, &out)
	if err != nil {
		return DuplicateResult{}, err
	}
	if code != http.StatusOK {
		return DuplicateResult{}, &UnexpectedStatusError{Method: http.MethodGet, Path: path, Code: code, Body: raw}
	}
	return DuplicateResult{Exists: out.Exists, PostID: out.PostID}, nil
}

// GetLastPost returns when the most recent reply in channelID was posted.
// found=false means the channel has no recorded posts.
func (c *Client) GetLastPost(ctx context.Context, channelID string) (postedAt time.Time, found bool, err error) {
	path := fmt.Sprintf("%s/v1/posts/last/%s", c.baseURL, channelID)
	var out lastPostResp
	code, raw, err := c.doJSON(ctx, http.MethodGet, path, nil, &out)
	if err != nil {
		return time.Time{}, false, err
	}
	switch code {
	case http.StatusOK:
		return out.PostedAt, out.Found, nil
	case http.StatusNotFound:
		return time.Time{}, false, nil
	default:
		return time.Time{}, false, &UnexpectedStatusError{Method: http.MethodGet, Path: path, Code: code, Body: raw}
	}
}

type NoteContent struct {
	Summary string
}

func (c *Client) GetNoteContent(ctx context.Context, noteID string) (NoteContent, error) {
	path := fmt.Sprintf("%s/v1/notes/%s/content", c.baseURL, noteID)
	var out noteContentResp
	code, raw, err := c.doJSON(ctx, http.MethodGet, path, nil, &out)
	if err != nil {
		return NoteContent{}, err
	}
	if code != http.StatusOK {
		return NoteContent{}, &UnexpectedStatusError{Method: http.MethodGet, Path: path, Code: code, Body: raw}
	}
	return NoteContent{Summary: out.Summary}, nil
}

// RecordPost stores the post record that backs future duplicate and cooldown
// checks.
func (c *Client) RecordPost(ctx context.Context, noteID, channelID, originalMessageID string) error {
	path := c.baseURL + "/v1/posts"
	code, raw, err := c.doJSON(ctx, http.MethodPost, path, recordPostReq{
		NoteID:            noteID,
		ChannelID:         channelID,
		OriginalMessageID: originalMessageID,
	}, nil)
	if err != nil {
		return err
	}
	if code != http.StatusOK && code != http.StatusCreated {
		return &UnexpectedStatusError{Method: http.MethodPost, Path: path, Code: code, Body: raw}
	}
	return nil
}

// CheckRelevance is the optional content-relevance enrichment. Callers treat
// failures as "proceed" (fail-open), unlike the identity checks above.
func (c *Client) CheckRelevance(ctx context.Context, noteID, channelID string) (bool, error) {
	path := fmt.Sprintf("%s/v1/notes/%s/relevance?channel_id=%s", c.baseURL, noteID, channelID)
	var out relevanceResp
	code, raw, err := c.doJSON(ctx, http.MethodGet, path, nil, &out)
	if err != nil {
		return false, err
	}
	if code != http.StatusOK {
		return false, &UnexpectedStatusError{Method: http.MethodGet, Path: path, Code: code, Body: raw}
	}
	return out.Relevant, nil
}

// ClassifyMessages forwards drained messages to the classifier and returns
// the subset accepted for scoring.
func (c *Client) ClassifyMessages(ctx context.Context, msgs []bus.ChatMessage) ([]bus.ChatMessage, error) {
	path := c.baseURL + "/v1/classify"
	var out classifyResp
	code, raw, err := c.doJSON(ctx, http.MethodPost, path, classifyReq{Messages: msgs}, &out)
	if err != nil {
		return nil, err
	}
	if code != http.StatusOK {
		return nil, &UnexpectedStatusError{Method: http.MethodPost, Path: path, Code: code, Body: raw}
	}
	return out.Accepted, nil
}

// doJSON sends JSON and optionally decodes a JSON response. Returns status
// code and raw body (trimmed) for debugging.
func (c *Client) doJSON(ctx context.Context, method, url string, req any, resp any) (int, string, error) {
	var body io.Reader
	if req != nil {
		b, err := json.Marshal(req)
		if err != nil {
			return 0, "", err
		}
		body = bytes.NewReader(b)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return 0, "", err
	}
	if req != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	rsp, err := c.http.Do(httpReq)
	if err != nil {
		return 0, "", err
	}
	defer rsp.Body.Close()

	data, _ := io.ReadAll(io.LimitReader(rsp.Body, 1<<20))
	raw := strings.TrimSpace(string(data))

	if resp != nil && len(data) > 0 {
		_ = json.Unmarshal(data, resp) // tolerate non-JSON error bodies
	}
	return rsp.StatusCode, raw, nil
}
