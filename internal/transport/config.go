// Package transport builds the long-lived HTTP clients used for upstream
// calls: a general client for token refresh, the OAuth coordinator and the
// version probe, and a streaming variant for the dispatcher, both tuned per
// the upstream's connection-reuse expectations.
package transport

import (
	"net"
	"net/http"
	"time"
)

// Config holds the tunable knobs. NewClient uses each field as given; a
// zero value keeps net/http's own meaning for that field (no limit or no
// timeout), so callers normally start from Default.
type Config struct {
	MaxIdleConns        int
	MaxIdleConnsPerHost int
	IdleConnTimeout     time.Duration
	TLSHandshakeTimeout time.Duration
	DialTimeout         time.Duration
	KeepAlive           time.Duration
	RequestTimeout      time.Duration
}

// Default mirrors the dispatcher's pooled-connection requirement: ~200
// total conns, ~50 per host, 30s keep-alive, 30s overall/5s connect.
var Default = Config{
	MaxIdleConns:        200,
	MaxIdleConnsPerHost: 50,
	IdleConnTimeout:     90 * time.Second,
	TLSHandshakeTimeout:  10 * time.Second,
	DialTimeout:         5 * time.Second,
	KeepAlive:           30 * time.Second,
	RequestTimeout:      30 * time.Second,
}

// NewClient builds an *http.Client with a single *http.Transport tuned per
// cfg. Callers share this client across the token endpoint, device endpoint
// and version registry calls rather than constructing one per request; chat
// completions use the NewStreamingClient variant.
func NewClient(cfg Config) *http.Client {
	dialer := &net.Dialer{
		Timeout:   cfg.DialTimeout,
		KeepAlive: cfg.KeepAlive,
	}
	tr := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		MaxIdleConns:          cfg.MaxIdleConns,
		MaxIdleConnsPerHost:   cfg.MaxIdleConnsPerHost,
		IdleConnTimeout:       cfg.IdleConnTimeout,
		TLSHandshakeTimeout:   cfg.TLSHandshakeTimeout,
		ExpectContinueTimeout: 1 * time.Second,
		ForceAttemptHTTP2:     true,
	}
	return &http.Client{
		Transport: tr,
		Timeout:   cfg.RequestTimeout,
	}
}

// NewStreamingClient is identical to NewClient but without a top-level
// response timeout, since a streaming chat completion's body may legitimately
// stay open far longer than a single request's connect/TLS phase.
func NewStreamingClient(cfg Config) *http.Client {
	c := NewClient(cfg)
	c.Timeout = 0
	return c
}
