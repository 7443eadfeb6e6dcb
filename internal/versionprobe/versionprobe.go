// Package versionprobe performs a best-effort lookup of the upstream
// client's published version, used to build a realistic User-Agent header.
package versionprobe

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/nghyane/qwen-pool-proxy/internal/jsonutil"
	log "github.com/nghyane/qwen-pool-proxy/internal/logging"
	"github.com/nghyane/qwen-pool-proxy/internal/resilience"
	"github.com/nghyane/qwen-pool-proxy/internal/store"
	"golang.org/x/sync/singleflight"
)

const (
	registryURL    = "https://registry.npmjs.org/@qwen-code/qwen-code/latest"
	defaultVersion = "0.0.10"
	cacheTTL       = 3600 * time.Second
	requestTimeout = 5 * time.Second
	maxRetries     = 2
)

// Probe caches the upstream version for cacheTTL and falls back to the
// Store's last-known value, then a hard-coded default, on failure.
type Probe struct {
	httpClient *http.Client
	store      *store.Store

	mu        sync.RWMutex
	cached    string
	cachedAt  time.Time
	singleflt singleflight.Group
}

func New(httpClient *http.Client, st *store.Store) *Probe {
	return &Probe{httpClient: httpClient, store: st}
}

func (p *Probe) cacheValid() (string, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.cached == "" {
		return "", false
	}
	return p.cached, time.Since(p.cachedAt) < cacheTTL
}

func (p *Probe) setCache(version string) {
	p.mu.Lock()
	p.cached = version
	p.cachedAt = time.Now()
	p.mu.Unlock()
}

// GetVersion returns the cached version if fresh, else attempts a bounded
// fetch from the upstream registry, falling back to the Store's
// last-persisted value and finally a hard-coded default.
func (p *Probe) GetVersion(ctx context.Context) string {
	if v, fresh := p.cacheValid(); fresh {
		return v
	}

	v, err, _ := p.singleflt.Do("version", func() (any, error) {
		fetchCtx, cancel := context.WithTimeout(ctx, requestTimeout+time.Second)
		defer cancel()
		version, ferr := p.fetchWithRetry(fetchCtx)
		if ferr != nil {
			return "", ferr
		}
		p.setCache(version)
		if err := p.store.PutVersion(version); err != nil {
			log.WithError(err).Warn("versionprobe: failed to persist fetched version")
		}
		return version, nil
	})
	if err == nil {
		return v.(string)
	}

	return p.fallbackVersion()
}

func (p *Probe) fallbackVersion() string {
	if v, _ := p.cacheValid(); v != "" {
		return v
	}
	if v, err := p.store.GetVersion(); err == nil && v != "" {
		p.setCache(v)
		return v
	}
	return defaultVersion
}

func (p *Probe) fetchWithRetry(ctx context.Context) (string, error) {
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		version, err := p.fetchOnce(ctx)
		if err == nil && version != "" {
			return version, nil
		}
		lastErr = err
		if attempt == maxRetries {
			break
		}
		if werr := resilience.WaitWithContext(ctx, time.Duration(attempt+1)*time.Second); werr != nil {
			return "", werr
		}
	}
	return "", fmt.Errorf("versionprobe: fetch failed after retries: %w", lastErr)
}

func (p *Probe) fetchOnce(ctx context.Context) (string, error) {
	reqCtx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, registryURL, nil)
	if err != nil {
		return "", err
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("registry returned status %d", resp.StatusCode)
	}

	var body struct {
		Version string `json:"version"`
	}
	if err := jsonutil.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", err
	}
	return body.Version, nil
}

// GetUserAgent builds the User-Agent header value, bounding the call at
// ~2s before falling back to the synchronous cache/default path.
func (p *Probe) GetUserAgent(ctx context.Context) string {
	uaCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	done := make(chan string, 1)
	go func() { done <- p.GetVersion(uaCtx) }()

	select {
	case version := <-done:
		return fmt.Sprintf("QwenCode/%s (linux; x64)", version)
	case <-uaCtx.Done():
		return fmt.Sprintf("QwenCode/%s (linux; x64)", p.fallbackVersion())
	}
}
