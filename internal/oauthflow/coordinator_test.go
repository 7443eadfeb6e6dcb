package oauthflow

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func newTestCoordinator(t *testing.T, deviceHandler, tokenHandler http.HandlerFunc) *Coordinator {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/device", deviceHandler)
	mux.HandleFunc("/token", tokenHandler)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	return New(srv.Client(), srv.URL+"/device", srv.URL+"/token", "client-id", "scope", nil)
}

func TestInitSuccess(t *testing.T) {
	c := newTestCoordinator(t,
		func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"device_code":"dc1","user_code":"ABCD","verification_uri":"https://x/verify","verification_uri_complete":"https://x/verify?u=ABCD","expires_in":600,"interval":2}`))
		},
		func(w http.ResponseWriter, r *http.Request) {},
	)

	result, err := c.Init(context.Background())
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	if !result.Success || result.StateID == "" {
		t.Fatalf("expected success with a state id, got %+v", result)
	}
	if result.UserCode != "ABCD" {
		t.Errorf("unexpected user code: %q", result.UserCode)
	}
}

func TestPollUnknownState(t *testing.T) {
	c := newTestCoordinator(t, func(w http.ResponseWriter, r *http.Request) {}, func(w http.ResponseWriter, r *http.Request) {})
	result, err := c.Poll(context.Background(), "does-not-exist")
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if result.Success || result.Error == "" {
		t.Errorf("expected a failure for an unknown state id, got %+v", result)
	}
}

func TestPollAuthorizationPending(t *testing.T) {
	c := newTestCoordinator(t,
		func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"device_code":"dc1","user_code":"ABCD","verification_uri":"https://x","expires_in":600,"interval":2}`))
		},
		func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadRequest)
			w.Write([]byte(`{"error":"authorization_pending"}`))
		},
	)

	init, err := c.Init(context.Background())
	if err != nil || !init.Success {
		t.Fatalf("Init failed: %v %+v", err, init)
	}

	result, err := c.Poll(context.Background(), init.StateID)
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if result.Success || result.Status != string(StatusPending) {
		t.Errorf("expected pending status, got %+v", result)
	}
}

func TestPollApprovedReturnsToken(t *testing.T) {
	c := newTestCoordinator(t,
		func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"device_code":"dc1","user_code":"ABCD","verification_uri":"https://x","expires_in":600,"interval":2}`))
		},
		func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"access_token":"at1","refresh_token":"rt12345678","expires_in":3600}`))
		},
	)

	init, _ := c.Init(context.Background())
	result, err := c.Poll(context.Background(), init.StateID)
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if !result.Success || result.Token == nil {
		t.Fatalf("expected an approved result with a token, got %+v", result)
	}
	if result.Token.AccessToken != "at1" {
		t.Errorf("unexpected access token: %q", result.Token.AccessToken)
	}

	// state should be evicted: a second poll is now unknown
	second, err := c.Poll(context.Background(), init.StateID)
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if second.Success {
		t.Error("expected the evicted state to fail on a second poll")
	}
}

func TestCancelEvictsState(t *testing.T) {
	c := newTestCoordinator(t,
		func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"device_code":"dc1","user_code":"ABCD","verification_uri":"https://x","expires_in":600,"interval":2}`))
		},
		func(w http.ResponseWriter, r *http.Request) {},
	)
	init, _ := c.Init(context.Background())
	c.Cancel(init.StateID)

	result, _ := c.Poll(context.Background(), init.StateID)
	if result.Success {
		t.Error("expected cancelled state to be gone")
	}
}
