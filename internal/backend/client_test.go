package backend_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/opennotes-ai/opennotes-sub002/internal/backend"
)

func TestCheckDuplicate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/posts/duplicate/msg-1" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"exists": true, "post_id": "p-9"}`))
	}))
	defer srv.Close()

	c := backend.New(srv.URL, nil)
	res, err := c.CheckDuplicate(context.Background(), "msg-1")
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if !res.Exists || res.PostID != "p-9" {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestGetLastPostNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := backend.New(srv.URL, nil)
	_, found, err := c.GetLastPost(context.Background(), "chan-1")
	if err != nil {
		t.Fatalf("not-found must not be an error: %v", err)
	}
	if found {
		t.Fatalf("expected found=false")
	}
}

func TestGetLastPostFound(t *testing.T) {
	at := time.Date(2026, 2, 3, 10, 30, 0, 0, time.UTC)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"found": true, "posted_at": "2026-02-03T10:30:00Z"}`))
	}))
	defer srv.Close()

	c := backend.New(srv.URL, nil)
	postedAt, found, err := c.GetLastPost(context.Background(), "chan-1")
	if err != nil || !found {
		t.Fatalf("found=%v err=%v", found, err)
	}
	if !postedAt.Equal(at) {
		t.Fatalf("postedAt=%v want %v", postedAt, at)
	}
}

func TestServerErrorSurfacesAsUnexpectedStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := backend.New(srv.URL, nil)
	_, err := c.CheckDuplicate(context.Background(), "msg-1")
	var use *backend.UnexpectedStatusError
	if !errors.As(err, &use) {
		t.Fatalf("expected UnexpectedStatusError, got %v", err)
	}
	if use.Code != http.StatusInternalServerError {
		t.Fatalf("code=%d want 500", use.Code)
	}
}

func TestRecordPost(t *testing.T) {
	var gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v1/posts" {
			http.NotFound(w, r)
			return
		}
		buf := make([]byte, 4096)
		n, _ := r.Body.Read(buf)
		gotBody = string(buf[:n])
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	c := backend.New(srv.URL, nil)
	if err := c.RecordPost(context.Background(), "n-1", "chan-1", "msg-1"); err != nil {
		t.Fatalf("err: %v", err)
	}
	want := `{"note_id":"n-1","channel_id":"chan-1","original_message_id":"msg-1"}`
	if gotBody != want {
		t.Fatalf("body=%s want %s", gotBody, want)
	}
}
