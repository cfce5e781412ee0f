package app

import (
	"bufio"
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"threadbox/internal/store"
)

func TestHealthEndpoint(t *testing.T) {
	svc := newTestService(&fakeStore{}, &fakeCache{}, &fakeEmails{})
	server := NewHTTPServer(svc, "*")

	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
}

func TestCreateCommentRequiresAuth(t *testing.T) {
	svc := newTestService(&fakeStore{}, &fakeCache{}, &fakeEmails{})
	server := NewHTTPServer(svc, "*")

	req := httptest.NewRequest(http.MethodPost, "/api/comments", strings.NewReader(`{"text":"hi"}`))
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
}

func TestLoginAndCreateCommentFlow(t *testing.T) {
	fs := &fakeStore{
		createCommentFn: func(_ context.Context, comment store.Comment, _ []store.Attachment) (store.Comment, error) {
			return comment, nil
		},
	}
	svc := newTestService(fs, &fakeCache{}, &fakeEmails{})
	server := NewHTTPServer(svc, "*")

	loginReq := httptest.NewRequest(http.MethodPost, "/api/session/login",
		strings.NewReader(`{"name":"alice","email":"alice@example.com"}`))
	loginRR := httptest.NewRecorder()
	server.Handler().ServeHTTP(loginRR, loginReq)
	if loginRR.Code != http.StatusOK {
		t.Fatalf("login: expected 200, got %d: %s", loginRR.Code, loginRR.Body.String())
	}
	var loginBody struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(loginRR.Body).Decode(&loginBody); err != nil {
		t.Fatalf("decode login response: %v", err)
	}
	if loginBody.Token == "" {
		t.Fatal("expected a token")
	}

	createReq := httptest.NewRequest(http.MethodPost, "/api/comments",
		strings.NewReader(`{"text":"hello <b>world</b>"}`))
	createReq.Header.Set("Authorization", "Bearer "+loginBody.Token)
	createRR := httptest.NewRecorder()
	server.Handler().ServeHTTP(createRR, createReq)
	if createRR.Code != http.StatusCreated {
		t.Fatalf("create: expected 201, got %d: %s", createRR.Code, createRR.Body.String())
	}

	var view CommentView
	if err := json.NewDecoder(createRR.Body).Decode(&view); err != nil {
		t.Fatalf("decode comment: %v", err)
	}
	if view.ID == "" {
		t.Fatal("expected comment id in response")
	}
	if !strings.Contains(view.Text, "<b>world</b>") {
		t.Fatalf("unexpected text: %q", view.Text)
	}
}

func TestGetCommentNotFound(t *testing.T) {
	fs := &fakeStore{
		getCommentFn: func(context.Context, string) (store.Comment, error) {
			return store.Comment{}, sql.ErrNoRows
		},
	}
	svc := newTestService(fs, &fakeCache{}, &fakeEmails{})
	server := NewHTTPServer(svc, "*")

	req := httptest.NewRequest(http.MethodGet, "/api/comments/missing", nil)
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
}

func TestThreadEventsRequireAuth(t *testing.T) {
	svc := newTestService(&fakeStore{}, &fakeCache{}, &fakeEmails{})
	server := NewHTTPServer(svc, "*")

	req := httptest.NewRequest(http.MethodGet, "/api/comments/c1/events", nil)
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
}

func TestThreadEventsStreamDeliversReplies(t *testing.T) {
	root := store.Comment{ID: "c1", UserID: "u1", Text: "root"}
	fs := &fakeStore{
		getCommentFn: func(_ context.Context, id string) (store.Comment, error) {
			if id == root.ID {
				return root, nil
			}
			return store.Comment{}, sql.ErrNoRows
		},
		createCommentFn: func(_ context.Context, comment store.Comment, _ []store.Attachment) (store.Comment, error) {
			return comment, nil
		},
	}
	svc := newTestService(fs, &fakeCache{}, &fakeEmails{})
	server := httptest.NewServer(NewHTTPServer(svc, "*").Handler())
	defer server.Close()

	login, err := svc.Login(context.Background(), "bob", "bob@example.com")
	if err != nil {
		t.Fatalf("login: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, server.URL+"/api/comments/c1/events", nil)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+login.Token)

	resp, err := server.Client().Do(req)
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("expected event stream, got %q", ct)
	}

	// the stream's headers are only written after the subscription is in
	// place, so this reply is guaranteed to reach the open stream
	if _, err := svc.CreateComment(context.Background(), testSession(), CreateCommentInput{Text: "a reply", ReplyTo: root.ID}); err != nil {
		t.Fatalf("create reply: %v", err)
	}

	frames := make(chan string, 1)
	go func() {
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			if line := scanner.Text(); strings.HasPrefix(line, "data: ") {
				frames <- strings.TrimPrefix(line, "data: ")
				return
			}
		}
	}()

	select {
	case frame := <-frames:
		var event struct {
			Type string      `json:"type"`
			Data CommentView `json:"data"`
		}
		if err := json.Unmarshal([]byte(frame), &event); err != nil {
			t.Fatalf("decode frame %q: %v", frame, err)
		}
		if event.Type != "new_reply" {
			t.Errorf("expected new_reply event, got %q", event.Type)
		}
		if event.Data.Text != "a reply" {
			t.Errorf("unexpected reply text: %q", event.Data.Text)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the reply event")
	}
}

func TestPreviewEndpointIsPublic(t *testing.T) {
	fc := &fakeCache{getFn: func(context.Context) ([]store.CommentPreview, bool, error) {
		return []store.CommentPreview{{ID: "c1", Text: "hello"}}, true, nil
	}}
	svc := newTestService(&fakeStore{}, fc, &fakeEmails{})
	server := NewHTTPServer(svc, "*")

	req := httptest.NewRequest(http.MethodGet, "/api/comments/preview", nil)
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var body struct {
		Comments []store.CommentPreview `json:"comments"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&body); err != nil {
		t.Fatalf("decode preview response: %v", err)
	}
	if len(body.Comments) != 1 || body.Comments[0].ID != "c1" {
		t.Fatalf("unexpected preview payload: %+v", body.Comments)
	}
}
