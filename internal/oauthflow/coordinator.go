// Package oauthflow implements the RFC 8628 device-authorization-grant
// state machine: init, poll, cancel.
package oauthflow

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/nghyane/qwen-pool-proxy/internal/cryptoutil"
	"github.com/nghyane/qwen-pool-proxy/internal/jsonutil"
	log "github.com/nghyane/qwen-pool-proxy/internal/logging"
	"github.com/nghyane/qwen-pool-proxy/internal/store"
)

// state is the ephemeral per-flow record; never persisted.
type state struct {
	deviceCode              string
	userCode                string
	verificationURI         string
	verificationURIComplete string
	codeVerifier            string
	expiresAtMs             int64
	pollIntervalS           float64
}

// UserAgentFunc mirrors tokenpool.UserAgentFunc to avoid a cross-package
// dependency for this one header value.
type UserAgentFunc func(ctx context.Context) string

// Coordinator owns the state_id -> state mapping. No persistence: a
// process restart loses every pending flow, matching the spec's "ephemeral,
// in memory only" data model entry.
type Coordinator struct {
	httpClient *http.Client
	deviceURL  string
	tokenURL   string
	clientID   string
	scope      string
	userAgent  UserAgentFunc

	mu     sync.Mutex
	states map[string]*state
}

func New(httpClient *http.Client, deviceURL, tokenURL, clientID, scope string, ua UserAgentFunc) *Coordinator {
	return &Coordinator{
		httpClient: httpClient,
		deviceURL:  deviceURL,
		tokenURL:   tokenURL,
		clientID:   clientID,
		scope:      scope,
		userAgent:  ua,
		states:     make(map[string]*state),
	}
}

// InitResult is the wire shape returned by POST /oauth-init.
type InitResult struct {
	Success                 bool   `json:"success"`
	StateID                 string `json:"stateId,omitempty"`
	UserCode                string `json:"userCode,omitempty"`
	VerificationURI         string `json:"verificationUri,omitempty"`
	VerificationURIComplete string `json:"verificationUriComplete,omitempty"`
	ExpiresAt               int64  `json:"expiresAt,omitempty"`
	ExpiresIn               int64  `json:"expiresIn,omitempty"`
	Error                   string `json:"error,omitempty"`
	ErrorDescription        string `json:"error_description,omitempty"`
}

// Init starts a new device-authorization flow. The caller is expected to
// bound ctx with the outer 10-12s deadline; Init additionally bounds its
// own HTTP call at 8s.
func (c *Coordinator) Init(ctx context.Context) (*InitResult, error) {
	pkce, err := cryptoutil.GeneratePKCE()
	if err != nil {
		return nil, fmt.Errorf("oauthflow: generate pkce: %w", err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, 8*time.Second)
	defer cancel()

	form := url.Values{}
	form.Set("client_id", c.clientID)
	form.Set("scope", c.scope)
	form.Set("code_challenge", pkce.CodeChallenge)
	form.Set("code_challenge_method", "S256")

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.deviceURL, bytes.NewBufferString(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("oauthflow: build device request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if c.userAgent != nil {
		req.Header.Set("User-Agent", c.userAgent(reqCtx))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return &InitResult{Success: false, Error: "Request timeout", ErrorDescription: "The OAuth initialization request timed out"}, nil
		}
		return &InitResult{Success: false, Error: "Internal error", ErrorDescription: err.Error()}, nil
	}
	defer resp.Body.Close()

	var body struct {
		DeviceCode              string `json:"device_code"`
		UserCode                string `json:"user_code"`
		VerificationURI         string `json:"verification_uri"`
		VerificationURIComplete string `json:"verification_uri_complete"`
		ExpiresIn               int64  `json:"expires_in"`
		Interval                int64  `json:"interval"`
		Error                   string `json:"error"`
	}
	if err := jsonutil.NewDecoder(resp.Body).Decode(&body); err != nil {
		return &InitResult{Success: false, Error: "Internal error", ErrorDescription: "invalid device-code response"}, nil
	}
	if resp.StatusCode != http.StatusOK || body.Error != "" {
		return &InitResult{Success: false, Error: "Internal error", ErrorDescription: fmt.Sprintf("device-code request rejected: status=%d error=%s", resp.StatusCode, body.Error)}, nil
	}

	interval := body.Interval
	if interval <= 0 {
		interval = 2
	}
	expiresAtMs := time.Now().UnixMilli() + body.ExpiresIn*1000

	stateID, err := cryptoutil.NewStateID()
	if err != nil {
		return nil, fmt.Errorf("oauthflow: generate state id: %w", err)
	}

	c.mu.Lock()
	c.states[stateID] = &state{
		deviceCode:              body.DeviceCode,
		userCode:                body.UserCode,
		verificationURI:         body.VerificationURI,
		verificationURIComplete: body.VerificationURIComplete,
		codeVerifier:            pkce.CodeVerifier,
		expiresAtMs:             expiresAtMs,
		pollIntervalS:           float64(interval),
	}
	c.mu.Unlock()

	return &InitResult{
		Success:                 true,
		StateID:                 stateID,
		UserCode:                body.UserCode,
		VerificationURI:         body.VerificationURI,
		VerificationURIComplete: body.VerificationURIComplete,
		ExpiresAt:               expiresAtMs,
		ExpiresIn:               body.ExpiresIn,
	}, nil
}

// PollStatus is the discriminant of a poll response.
type PollStatus string

const (
	StatusApproved PollStatus = "approved"
	StatusPending  PollStatus = "pending"
	StatusFailed   PollStatus = "failed"
)

// PollResult is the wire shape returned by POST /oauth-poll.
type PollResult struct {
	Success       bool        `json:"success"`
	Status        string      `json:"status,omitempty"`
	Warning       string      `json:"warning,omitempty"`
	RemainingTime int64       `json:"remainingTime,omitempty"`
	Error         string      `json:"error,omitempty"`
	TokenID       string      `json:"tokenId,omitempty"`
	Token         *store.Token `json:"-"`
}

// Poll advances one device-flow state machine by a single step.
func (c *Coordinator) Poll(ctx context.Context, stateID string) (*PollResult, error) {
	c.mu.Lock()
	st, ok := c.states[stateID]
	c.mu.Unlock()
	if !ok {
		return &PollResult{Success: false, Error: "invalid stateId"}, nil
	}

	nowMs := time.Now().UnixMilli()
	if nowMs > st.expiresAtMs+10_000 {
		c.evict(stateID)
		return &PollResult{Success: false, Error: "device code expired"}, nil
	}
	if st.expiresAtMs-nowMs < 60_000 {
		return &PollResult{Success: false, Status: string(StatusPending), Warning: "device code is about to expire"}, nil
	}

	form := url.Values{}
	form.Set("grant_type", "urn:ietf:params:oauth:grant-type:device_code")
	form.Set("client_id", c.clientID)
	form.Set("device_code", st.deviceCode)
	form.Set("code_verifier", st.codeVerifier)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.tokenURL, bytes.NewBufferString(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("oauthflow: build poll request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if c.userAgent != nil {
		req.Header.Set("User-Agent", c.userAgent(ctx))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// Network blips during poll are transient, per the spec's
		// TransientOAuth error kind.
		return &PollResult{Success: false, Status: string(StatusPending)}, nil
	}
	defer resp.Body.Close()

	var body struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		ExpiresIn    int64  `json:"expires_in"`
		Error        string `json:"error"`
		ErrorDesc    string `json:"error_description"`
	}
	_ = jsonutil.NewDecoder(resp.Body).Decode(&body)

	if resp.StatusCode == http.StatusOK && body.AccessToken != "" {
		refreshToken := body.RefreshToken
		expiresIn := body.ExpiresIn
		if expiresIn <= 0 {
			expiresIn = 3600
		}
		expiresAt := time.Now().UnixMilli() + expiresIn*1000
		tok := store.Token{
			ID:           cryptoutil.TokenIDFor(refreshToken),
			AccessToken:  body.AccessToken,
			RefreshToken: refreshToken,
			ExpiresAt:    &expiresAt,
			UploadedAt:   time.Now().UnixMilli(),
		}
		c.evict(stateID)
		return &PollResult{Success: true, TokenID: tok.ID, Token: &tok}, nil
	}

	if resp.StatusCode == http.StatusBadRequest && body.Error == "authorization_pending" {
		return &PollResult{Success: false, Status: string(StatusPending), RemainingTime: st.expiresAtMs - nowMs}, nil
	}
	if resp.StatusCode == http.StatusTooManyRequests && body.Error == "slow_down" {
		c.mu.Lock()
		st.pollIntervalS = minFloat(st.pollIntervalS*1.5, 10)
		c.mu.Unlock()
		return &PollResult{Success: false, Status: string(StatusPending)}, nil
	}

	msg := strings.ToLower(body.Error + " " + body.ErrorDesc)
	if resp.StatusCode == http.StatusUnauthorized || strings.Contains(msg, "timed out") ||
		strings.Contains(msg, "expired") || strings.Contains(msg, "invalid") {
		c.evict(stateID)
		log.WithField("state_id", stateID).WithField("error", body.Error).Warn("oauthflow: terminal poll failure")
		return &PollResult{Success: false, Error: "authorization failed"}, nil
	}

	// Unrecognized shape: treat as transient rather than terminating the flow.
	return &PollResult{Success: false, Status: string(StatusPending)}, nil
}

// Cancel removes a pending state if present. Always succeeds.
func (c *Coordinator) Cancel(stateID string) {
	c.evict(stateID)
}

func (c *Coordinator) evict(stateID string) {
	c.mu.Lock()
	delete(c.states, stateID)
	c.mu.Unlock()
}

func minFloat(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
