package store

import (
	"path/filepath"
	"testing"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "tokens.db")
	st, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func TestUpsertAndLoadToken(t *testing.T) {
	st := openTestStore(t)
	expiresAt := int64(1000)
	tok := Token{ID: "tok1", AccessToken: "a", RefreshToken: "r", ExpiresAt: &expiresAt, UploadedAt: 5}

	if err := st.UpsertToken(tok); err != nil {
		t.Fatalf("UpsertToken: %v", err)
	}

	all, err := st.LoadAllTokens()
	if err != nil {
		t.Fatalf("LoadAllTokens: %v", err)
	}
	got, ok := all["tok1"]
	if !ok {
		t.Fatalf("expected tok1 present")
	}
	if got.AccessToken != "a" || *got.ExpiresAt != 1000 {
		t.Errorf("unexpected token contents: %+v", got)
	}
}

func TestUpsertTokenReplacesExisting(t *testing.T) {
	st := openTestStore(t)
	tok := Token{ID: "tok1", AccessToken: "a", RefreshToken: "r", UploadedAt: 5}
	st.UpsertToken(tok)

	tok.AccessToken = "b"
	st.UpsertToken(tok)

	all, _ := st.LoadAllTokens()
	if all["tok1"].AccessToken != "b" {
		t.Errorf("expected replaced access token, got %q", all["tok1"].AccessToken)
	}
}

func TestDeleteToken(t *testing.T) {
	st := openTestStore(t)
	st.UpsertToken(Token{ID: "tok1", AccessToken: "a", RefreshToken: "r"})
	if err := st.DeleteToken("tok1"); err != nil {
		t.Fatalf("DeleteToken: %v", err)
	}
	all, _ := st.LoadAllTokens()
	if _, ok := all["tok1"]; ok {
		t.Error("expected tok1 to be gone")
	}
	// idempotent
	if err := st.DeleteToken("tok1"); err != nil {
		t.Errorf("expected no error deleting absent token, got %v", err)
	}
}

func TestDeleteAllTokens(t *testing.T) {
	st := openTestStore(t)
	st.UpsertToken(Token{ID: "a", AccessToken: "x", RefreshToken: "y"})
	st.UpsertToken(Token{ID: "b", AccessToken: "x", RefreshToken: "y"})
	if err := st.DeleteAllTokens(); err != nil {
		t.Fatalf("DeleteAllTokens: %v", err)
	}
	all, _ := st.LoadAllTokens()
	if len(all) != 0 {
		t.Errorf("expected empty store, got %d entries", len(all))
	}
}

func TestIncrementUsageAggregates(t *testing.T) {
	st := openTestStore(t)
	if err := st.IncrementUsage("2026-07-30", "qwen3-coder-plus", 100); err != nil {
		t.Fatalf("IncrementUsage: %v", err)
	}
	if err := st.IncrementUsage("2026-07-30", "qwen3-coder-plus", 50); err != nil {
		t.Fatalf("IncrementUsage: %v", err)
	}
	if err := st.IncrementUsage("2026-07-30", "qwen3-coder-flash", 10); err != nil {
		t.Fatalf("IncrementUsage: %v", err)
	}

	total, calls, models, err := st.ReadUsage("2026-07-30")
	if err != nil {
		t.Fatalf("ReadUsage: %v", err)
	}
	if total != 160 {
		t.Errorf("expected total 160, got %d", total)
	}
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
	if len(models) != 2 {
		t.Errorf("expected 2 distinct models, got %v", models)
	}
}

func TestIncrementTokenCallCount(t *testing.T) {
	st := openTestStore(t)
	st.UpsertToken(Token{ID: "tok1", AccessToken: "a", RefreshToken: "r", UsageCount: 0})
	st.IncrementTokenCallCount("tok1")
	st.IncrementTokenCallCount("tok1")

	all, _ := st.LoadAllTokens()
	if all["tok1"].UsageCount != 2 {
		t.Errorf("expected usage count 2, got %d", all["tok1"].UsageCount)
	}
}

func TestListAvailableDatesAndDeleteUsage(t *testing.T) {
	st := openTestStore(t)
	st.IncrementUsage("2026-07-29", "m", 1)
	st.IncrementUsage("2026-07-30", "m", 1)

	dates, err := st.ListAvailableDates()
	if err != nil {
		t.Fatalf("ListAvailableDates: %v", err)
	}
	if len(dates) != 2 || dates[0] != "2026-07-30" {
		t.Errorf("expected newest-first dates, got %v", dates)
	}

	rows, err := st.DeleteUsage("2026-07-29")
	if err != nil {
		t.Fatalf("DeleteUsage: %v", err)
	}
	if rows != 1 {
		t.Errorf("expected 1 row deleted, got %d", rows)
	}
}

func TestGetPutVersion(t *testing.T) {
	st := openTestStore(t)
	v, err := st.GetVersion()
	if err != nil {
		t.Fatalf("GetVersion: %v", err)
	}
	if v != "" {
		t.Errorf("expected empty version initially, got %q", v)
	}
	if err := st.PutVersion("1.2.3"); err != nil {
		t.Fatalf("PutVersion: %v", err)
	}
	v, err = st.GetVersion()
	if err != nil {
		t.Fatalf("GetVersion: %v", err)
	}
	if v != "1.2.3" {
		t.Errorf("expected 1.2.3, got %q", v)
	}
}

func TestTokenIsExpired(t *testing.T) {
	expiresAt := int64(1000)
	tok := Token{ExpiresAt: &expiresAt}
	if tok.IsExpired(999) {
		t.Error("should not be expired before expiresAt")
	}
	if !tok.IsExpired(1001) {
		t.Error("should be expired after expiresAt")
	}
	noExpiry := Token{}
	if noExpiry.IsExpired(1 << 40) {
		t.Error("nil ExpiresAt should never be considered expired")
	}
}
