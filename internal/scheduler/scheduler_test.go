package scheduler

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/nghyane/qwen-pool-proxy/internal/store"
	"github.com/nghyane/qwen-pool-proxy/internal/tokenpool"
)

func newTestPool(t *testing.T) *tokenpool.Pool {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "tokens.db")
	st, err := store.Open(dbPath)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"new-access","expires_in":3600}`))
	}))
	t.Cleanup(srv.Close)

	pool := tokenpool.New(st, srv.Client(), srv.URL, "client-id", nil)
	st.UpsertToken(store.Token{ID: "tok1", AccessToken: "a", RefreshToken: "r"})
	pool.Reload()
	return pool
}

func TestSchedulerForceRefreshNowUpdatesStatus(t *testing.T) {
	pool := newTestPool(t)
	s := New(pool, 30, WithTickUnit(time.Hour))
	s.Start()
	defer s.Stop()

	if err := s.ForceRefreshNow(context.Background()); err != nil {
		t.Fatalf("ForceRefreshNow: %v", err)
	}

	status := s.Status()
	if status.RefreshCount == 0 {
		t.Errorf("expected a non-zero refresh count, got %+v", status)
	}
	if !status.Running {
		t.Error("expected scheduler to report running")
	}
}

func TestSchedulerForceRefreshRequiresRunning(t *testing.T) {
	pool := newTestPool(t)
	s := New(pool, 30)
	if err := s.ForceRefreshNow(context.Background()); err == nil {
		t.Error("expected an error when forcing a refresh on a stopped scheduler")
	}
}

func TestSchedulerSetIntervalRejectsNonPositive(t *testing.T) {
	pool := newTestPool(t)
	s := New(pool, 30)
	if err := s.SetInterval(0); err == nil {
		t.Error("expected an error for interval 0")
	}
	if err := s.SetInterval(5); err != nil {
		t.Errorf("expected interval 5 to be accepted, got %v", err)
	}
}

func TestSchedulerTicksOnShortInterval(t *testing.T) {
	pool := newTestPool(t)
	s := New(pool, 1, WithTickUnit(10*time.Millisecond))
	s.Start()
	defer s.Stop()

	deadline := time.Now().Add(500 * time.Millisecond)
	for time.Now().Before(deadline) {
		if s.Status().RefreshCount >= 2 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Errorf("expected at least 2 refreshes within the deadline, got %+v", s.Status())
}

func TestSchedulerStopIsIdempotent(t *testing.T) {
	pool := newTestPool(t)
	s := New(pool, 30)
	s.Start()
	s.Stop()
	s.Stop() // must not block or panic
}
