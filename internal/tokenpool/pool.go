// Package tokenpool holds the in-memory mirror of the credential store:
// selection, inline-refresh-or-evict, fan-out refresh and status
// projection.
package tokenpool

import (
	"context"
	"fmt"
	"math/rand/v2"
	"net/http"
	"sync"
	"time"

	log "github.com/nghyane/qwen-pool-proxy/internal/logging"
	"github.com/nghyane/qwen-pool-proxy/internal/store"
	"golang.org/x/oauth2"
	"golang.org/x/sync/errgroup"
)

// UserAgentFunc returns the User-Agent header value to present to upstream,
// usually backed by versionprobe.Probe.GetUserAgent.
type UserAgentFunc func(ctx context.Context) string

// Pool is the live set of non-evicted tokens available for selection.
type Pool struct {
	store      *store.Store
	httpClient *http.Client
	tokenURL   string
	clientID   string
	userAgent  UserAgentFunc

	mu       sync.RWMutex
	inMemory map[string]store.Token
}

func New(st *store.Store, httpClient *http.Client, tokenURL, clientID string, ua UserAgentFunc) *Pool {
	return &Pool{
		store:      st,
		httpClient: httpClient,
		tokenURL:   tokenURL,
		clientID:   clientID,
		userAgent:  ua,
		inMemory:   make(map[string]store.Token),
	}
}

// Reload replaces the in-memory map with the Store's current contents.
func (p *Pool) Reload() error {
	tokens, err := p.store.LoadAllTokens()
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.inMemory = tokens
	p.mu.Unlock()
	return nil
}

func (p *Pool) snapshot() []store.Token {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]store.Token, 0, len(p.inMemory))
	for _, t := range p.inMemory {
		out = append(out, t)
	}
	return out
}

func (p *Pool) Size() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.inMemory)
}

func (p *Pool) setToken(t store.Token) {
	p.mu.Lock()
	p.inMemory[t.ID] = t
	p.mu.Unlock()
}

func (p *Pool) evict(id string) {
	p.mu.Lock()
	delete(p.inMemory, id)
	p.mu.Unlock()
	if err := p.store.DeleteToken(id); err != nil {
		log.WithError(err).WithField("id", id).Warn("tokenpool: failed to evict token from store")
	}
}

// refreshOutcome is the Result-like return of a single refresh attempt —
// success carries the new token, failure carries a reason, never both.
type refreshOutcome struct {
	token *store.Token
	err   error
}

// userAgentRoundTripper stamps the dynamic User-Agent header the oauth2
// package's Config/TokenSource give no hook for.
type userAgentRoundTripper struct {
	base http.RoundTripper
	ua   UserAgentFunc
	ctx  context.Context
}

func (rt userAgentRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	base := rt.base
	if base == nil {
		base = http.DefaultTransport
	}
	req = req.Clone(req.Context())
	req.Header.Set("User-Agent", rt.ua(rt.ctx))
	return base.RoundTrip(req)
}

// refreshOne performs the upstream refresh_token grant for a single token
// via the standard oauth2.Config/TokenSource machinery: a deliberately
// pre-expired seed token forces an actual network round trip rather than
// relying on TokenSource's own staleness check.
func (p *Pool) refreshOne(ctx context.Context, t store.Token) refreshOutcome {
	conf := &oauth2.Config{
		ClientID: p.clientID,
		Endpoint: oauth2.Endpoint{TokenURL: p.tokenURL, AuthStyle: oauth2.AuthStyleInParams},
	}

	httpClient := p.httpClient
	if p.userAgent != nil {
		httpClient = &http.Client{
			Transport: userAgentRoundTripper{base: p.httpClient.Transport, ua: p.userAgent, ctx: ctx},
			Timeout:   p.httpClient.Timeout,
		}
	}
	ctx = context.WithValue(ctx, oauth2.HTTPClient, httpClient)

	stale := &oauth2.Token{
		AccessToken:  t.AccessToken,
		RefreshToken: t.RefreshToken,
		Expiry:       time.Now().Add(-time.Minute),
	}
	fresh, err := conf.TokenSource(ctx, stale).Token()
	if err != nil {
		return refreshOutcome{err: fmt.Errorf("refresh request failed: %w", err)}
	}
	if fresh.AccessToken == "" {
		return refreshOutcome{err: fmt.Errorf("refresh rejected: empty access token")}
	}

	var expiresAt *int64
	if !fresh.Expiry.IsZero() {
		ms := fresh.Expiry.UnixMilli()
		expiresAt = &ms
	}

	refreshToken := fresh.RefreshToken
	if refreshToken == "" {
		// Not every refresh response includes a rotated refresh_token; the
		// oauth2 package doesn't carry the old one forward on our behalf.
		refreshToken = t.RefreshToken
	}

	newToken := store.Token{
		ID:           t.ID,
		AccessToken:  fresh.AccessToken,
		RefreshToken: refreshToken,
		ExpiresAt:    expiresAt,
		UploadedAt:   t.UploadedAt,
		UsageCount:   t.UsageCount,
	}
	return refreshOutcome{token: &newToken}
}

// SelectValid returns one (id, Token) uniformly at random from the valid
// subset, inline-refreshing (and evicting on failure) any expired member it
// encounters while building that subset.
func (p *Pool) SelectValid(ctx context.Context) (string, store.Token, bool) {
	entries := p.snapshot()
	rand.Shuffle(len(entries), func(i, j int) { entries[i], entries[j] = entries[j], entries[i] })

	nowMs := time.Now().UnixMilli()
	valid := make([]store.Token, 0, len(entries))
	for _, t := range entries {
		if !t.IsExpired(nowMs) {
			valid = append(valid, t)
			continue
		}
		outcome := p.refreshOne(ctx, t)
		if outcome.err != nil {
			log.WithError(outcome.err).WithField("id", t.ID).Warn("tokenpool: inline refresh failed, evicting")
			p.evict(t.ID)
			continue
		}
		p.setToken(*outcome.token)
		if err := p.store.UpsertToken(*outcome.token); err != nil {
			log.WithError(err).WithField("id", t.ID).Warn("tokenpool: failed to persist refreshed token")
		}
		valid = append(valid, *outcome.token)
	}

	if len(valid) == 0 {
		return "", store.Token{}, false
	}
	pick := valid[rand.IntN(len(valid))]
	return pick.ID, pick, true
}

// RefreshResult is one entry of a fan-out refresh sweep.
type RefreshResult struct {
	ID      string `json:"id"`
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// RefreshAll refreshes every pool member with bounded concurrency; a
// failure evicts that token. Returns per-token results and the remaining
// pool size.
func (p *Pool) RefreshAll(ctx context.Context) ([]RefreshResult, int) {
	entries := p.snapshot()
	results := make([]RefreshResult, len(entries))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for i, t := range entries {
		i, t := i, t
		g.Go(func() error {
			outcome := p.refreshOne(gctx, t)
			if outcome.err != nil {
				results[i] = RefreshResult{ID: t.ID, Success: false, Error: outcome.err.Error()}
				p.evict(t.ID)
				return nil
			}
			p.setToken(*outcome.token)
			if err := p.store.UpsertToken(*outcome.token); err != nil {
				log.WithError(err).WithField("id", t.ID).Warn("tokenpool: failed to persist refreshed token")
			}
			results[i] = RefreshResult{ID: t.ID, Success: true}
			return nil
		})
	}
	_ = g.Wait()

	return results, p.Size()
}

// RefreshOne refreshes exactly the token named by id, leaving every other
// pool member untouched. A failure evicts only that token.
func (p *Pool) RefreshOne(ctx context.Context, id string) (RefreshResult, bool) {
	t, ok := p.Get(id)
	if !ok {
		return RefreshResult{}, false
	}
	outcome := p.refreshOne(ctx, t)
	if outcome.err != nil {
		p.evict(id)
		return RefreshResult{ID: id, Success: false, Error: outcome.err.Error()}, true
	}
	p.setToken(*outcome.token)
	if err := p.store.UpsertToken(*outcome.token); err != nil {
		log.WithError(err).WithField("id", id).Warn("tokenpool: failed to persist refreshed token")
	}
	return RefreshResult{ID: id, Success: true}, true
}

// Upload inserts a token the way /upload-token or a completed device flow
// does: full replace keyed by id.
func (p *Pool) Upload(t store.Token) error {
	if err := p.store.UpsertToken(t); err != nil {
		return err
	}
	p.setToken(t)
	return nil
}

// Get returns the in-memory token for id, if present.
func (p *Pool) Get(id string) (store.Token, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	t, ok := p.inMemory[id]
	return t, ok
}

// Delete removes one token by id, reporting whether it was present.
func (p *Pool) Delete(id string) (bool, error) {
	p.mu.Lock()
	_, existed := p.inMemory[id]
	delete(p.inMemory, id)
	p.mu.Unlock()
	if err := p.store.DeleteToken(id); err != nil {
		return existed, err
	}
	return existed, nil
}

// DeleteAll clears the pool and Store, reporting how many tokens were
// removed.
func (p *Pool) DeleteAll() (int, error) {
	p.mu.Lock()
	deleted := len(p.inMemory)
	p.inMemory = make(map[string]store.Token)
	p.mu.Unlock()
	if err := p.store.DeleteAllTokens(); err != nil {
		return deleted, err
	}
	return deleted, nil
}

// StatusEntry is the per-token projection returned by /token-status.
type StatusEntry struct {
	ID                string `json:"id"`
	ExpiresAt         *int64 `json:"expiresAt"`
	ExpiresAtDisplay  string `json:"expiresAtDisplay,omitempty"`
	IsExpired         bool   `json:"isExpired"`
	UploadedAt        int64  `json:"uploadedAt"`
	UploadedAtDisplay string `json:"uploadedAtDisplay"`
	UsageCount        int64  `json:"usageCount"`
	RefreshFailed     bool   `json:"refreshFailed,omitempty"`
}

// Status projects every in-memory token into the admin-facing shape,
// formatting timestamps in loc.
func (p *Pool) Status(loc *time.Location) (hasToken bool, count int, entries []StatusEntry) {
	nowMs := time.Now().UnixMilli()
	entries = make([]StatusEntry, 0, p.Size())
	for _, t := range p.snapshot() {
		expired := t.IsExpired(nowMs)
		e := StatusEntry{
			ID:                t.ID,
			ExpiresAt:         t.ExpiresAt,
			IsExpired:         expired,
			UploadedAt:        t.UploadedAt,
			UploadedAtDisplay: formatLocal(t.UploadedAt, loc),
			UsageCount:        t.UsageCount,
		}
		if t.ExpiresAt != nil {
			e.ExpiresAtDisplay = formatLocal(*t.ExpiresAt, loc)
		}
		if expired {
			e.RefreshFailed = true
		}
		entries = append(entries, e)
	}
	return len(entries) > 0, len(entries), entries
}

func formatLocal(ms int64, loc *time.Location) string {
	return time.UnixMilli(ms).In(loc).Format("2006-01-02 15:04:05")
}
