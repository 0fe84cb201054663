package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

// staticCreds is a CredentialSource with a fixed identity.
type staticCreds struct {
	userID string
	token  string
	ok     bool
}

func (c staticCreds) Current() (string, string, bool) {
	return c.userID, c.token, c.ok
}

func newTestClient(t *testing.T, baseURL string) *Client {
	t.Helper()

	client, err := NewClient(Config{BaseURL: baseURL, Timeout: 2 * time.Second},
		staticCreds{userID: "u-1", token: "tok", ok: true})
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	return client
}

func mutation() Mutation {
	return Mutation{Method: http.MethodPut, Route: "/api/v1/tasks/t-1", Body: []byte(`{}`)}
}

func TestDoSuccess(t *testing.T) {
	var gotAuth, gotUser string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotUser = r.Header.Get("X-Boxkite-User")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	if err := client.Do(context.Background(), mutation()); err != nil {
		t.Fatalf("Do failed: %v", err)
	}

	if gotAuth != "Bearer tok" {
		t.Errorf("Authorization = %q, want Bearer tok", gotAuth)
	}
	if gotUser != "u-1" {
		t.Errorf("X-Boxkite-User = %q, want u-1", gotUser)
	}
}

func TestDoClassification(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		wantErr error
	}{
		{"created", http.StatusCreated, nil},
		{"unauthorized", http.StatusUnauthorized, ErrAuthRequired},
		{"forbidden", http.StatusForbidden, ErrAuthRequired},
		{"bad request", http.StatusBadRequest, ErrRejected},
		{"not found", http.StatusNotFound, ErrRejected},
		{"conflict", http.StatusConflict, ErrRejected},
		{"server error", http.StatusInternalServerError, ErrTransient},
		{"bad gateway", http.StatusBadGateway, ErrTransient},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			err := newTestClient(t, srv.URL).Do(context.Background(), mutation())
			if tt.wantErr == nil {
				if err != nil {
					t.Errorf("Do returned %v, want nil", err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Do returned %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestDoReusesConnectionAcrossMutations(t *testing.T) {
	var conns atomic.Int32
	srv := httptest.NewUnstartedServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	srv.Config.ConnState = func(c net.Conn, state http.ConnState) {
		if state == http.StateNew {
			conns.Add(1)
		}
	}
	srv.Start()
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	for i := 0; i < 5; i++ {
		if err := client.Do(context.Background(), mutation()); err != nil {
			t.Fatalf("Do %d failed: %v", i, err)
		}
	}

	// Bodies are drained on success, so a drain of many actions rides one
	// keep-alive connection.
	if n := conns.Load(); n != 1 {
		t.Errorf("server saw %d connections for 5 sequential mutations, want 1", n)
	}
}

func TestDoNetworkErrorIsTransient(t *testing.T) {
	// Point at a closed server so the dial fails.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	err := newTestClient(t, url).Do(context.Background(), mutation())
	if !errors.Is(err, ErrTransient) {
		t.Errorf("Do returned %v, want ErrTransient", err)
	}
}

func TestDoWithoutIdentity(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer srv.Close()

	client, err := NewClient(Config{BaseURL: srv.URL}, staticCreds{ok: false})
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}

	if err := client.Do(context.Background(), mutation()); !errors.Is(err, ErrAuthRequired) {
		t.Errorf("Do returned %v, want ErrAuthRequired", err)
	}
	if called {
		t.Errorf("request was sent despite missing identity")
	}
}
