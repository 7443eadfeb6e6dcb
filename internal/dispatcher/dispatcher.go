// Package dispatcher forwards chat-completion requests to the upstream
// provider using a pool-selected token, streaming or buffering the
// response and recording per-token/per-model usage.
package dispatcher

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/nghyane/qwen-pool-proxy/internal/apierr"
	"github.com/nghyane/qwen-pool-proxy/internal/jsonutil"
	log "github.com/nghyane/qwen-pool-proxy/internal/logging"
	"github.com/nghyane/qwen-pool-proxy/internal/resilience"
	"github.com/nghyane/qwen-pool-proxy/internal/store"
	"github.com/nghyane/qwen-pool-proxy/internal/tokenizer"
	"github.com/nghyane/qwen-pool-proxy/internal/tokenpool"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

const defaultModel = "qwen3-coder-plus"

// upstreamStatusError lets the breaker-wrapped closure report a non-2xx
// upstream response as a failure without losing the status code.
type upstreamStatusError struct {
	status int
}

func (e upstreamStatusError) Error() string {
	return fmt.Sprintf("upstream status %d", e.status)
}

// Message is one chat turn; Content is forwarded upstream verbatim and
// stringified only for token estimation.
type Message struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

// ChatRequest is the wire shape accepted by /chat and /v1/chat/completions.
type ChatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature *float64  `json:"temperature,omitempty"`
	TopP        *float64  `json:"top_p,omitempty"`
	Stream      bool      `json:"stream"`
}

// Sink abstracts the client connection the dispatcher writes to: gin's
// ResponseWriter satisfies it directly (it implements http.Flusher).
type Sink interface {
	io.Writer
	http.Flusher
	WriteHeader(statusCode int)
	Header() http.Header
}

// Dispatcher is the single upstream HTTP client plus the collaborators it
// needs to select a token and record usage.
type Dispatcher struct {
	pool       *tokenpool.Pool
	store      *store.Store
	tokenizer  *tokenizer.Estimator
	httpClient *http.Client
	breaker    *resilience.CircuitBreaker
	endpoint   string
	userAgent  func(ctx context.Context) string
	location   *time.Location
}

func New(
	pool *tokenpool.Pool,
	st *store.Store,
	est *tokenizer.Estimator,
	httpClient *http.Client,
	endpoint string,
	userAgent func(ctx context.Context) string,
	loc *time.Location,
) *Dispatcher {
	breaker := resilience.NewCircuitBreaker(resilience.DefaultBreakerConfig("upstream-chat"))
	return &Dispatcher{
		pool:       pool,
		store:      st,
		tokenizer:  est,
		httpClient: httpClient,
		breaker:    breaker,
		endpoint:   endpoint,
		userAgent:  userAgent,
		location:   loc,
	}
}

func stringifyContent(content any) string {
	switch v := content.(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		b, err := jsonutil.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(b)
	}
}

// ForwardChat is the Dispatcher's single public operation. It writes the
// upstream response (streamed or buffered) directly to sink and returns a
// typed *apierr.Error on failure, or nil once the response has been fully
// written.
func (d *Dispatcher) ForwardChat(ctx context.Context, req *ChatRequest, sink Sink) error {
	if len(req.Messages) == 0 {
		return apierr.BadRequest("invalid messages")
	}
	model := req.Model
	if model == "" {
		model = defaultModel
	}

	promptTokens := 0
	for _, m := range req.Messages {
		promptTokens += d.tokenizer.Count(stringifyContent(m.Content))
	}

	id, token, ok := d.pool.SelectValid(ctx)
	if !ok {
		return apierr.NoCredentials()
	}

	temperature := 0.5
	if req.Temperature != nil {
		temperature = *req.Temperature
	}
	topP := 1.0
	if req.TopP != nil {
		topP = *req.TopP
	}

	body, err := jsonutil.Marshal(map[string]any{
		"model":       model,
		"messages":    req.Messages,
		"temperature": temperature,
		"top_p":       topP,
		"stream":      req.Stream,
	})
	if err != nil {
		return apierr.Internal(fmt.Errorf("marshal upstream body: %w", err))
	}
	if req.Stream {
		// The upstream only emits a final usage chunk when asked. That chunk
		// is forwarded to the client like any other line; the dispatcher's
		// own accounting does not read it (see forwardLine).
		if withUsage, serr := sjson.SetBytes(body, "stream_options.include_usage", true); serr == nil {
			body = withUsage
		}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, d.endpoint, bytes.NewReader(body))
	if err != nil {
		return apierr.Internal(fmt.Errorf("build upstream request: %w", err))
	}
	httpReq.Header.Set("Authorization", "Bearer "+token.AccessToken)
	httpReq.Header.Set("Content-Type", "application/json")
	if req.Stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	} else {
		httpReq.Header.Set("Accept", "application/json")
	}
	if d.userAgent != nil {
		httpReq.Header.Set("User-Agent", d.userAgent(ctx))
	}

	result, err := d.breaker.Execute(func() (any, error) {
		resp, doErr := d.httpClient.Do(httpReq)
		if doErr != nil {
			return nil, doErr
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			resp.Body.Close()
			return nil, upstreamStatusError{status: resp.StatusCode}
		}
		return resp, nil
	})
	if err != nil {
		var statusErr upstreamStatusError
		if errors.As(err, &statusErr) {
			return apierr.Upstream(statusErr.status)
		}
		return apierr.Internal(fmt.Errorf("upstream request failed: %w", err))
	}
	resp := result.(*http.Response)
	defer resp.Body.Close()

	today := time.Now().In(d.location).Format("2006-01-02")

	if req.Stream {
		return d.streamResponse(resp.Body, sink, id, model, today, promptTokens)
	}
	return d.bufferedResponse(resp.Body, sink, id, model, today, promptTokens)
}

// streamResponse forwards every line verbatim and in order, accumulating
// non-duplicate deltas for token accounting that commits once the upstream
// body ends (or the client disconnects, with whatever was processed so far).
func (d *Dispatcher) streamResponse(body io.Reader, sink Sink, id, model, today string, promptTokens int) error {
	sink.Header().Set("Content-Type", "text/event-stream")
	sink.WriteHeader(http.StatusOK)

	var completionText strings.Builder
	lastContent := ""

	defer func() {
		totalTokens := int64(promptTokens + d.tokenizer.Count(completionText.String()))
		if totalTokens == 0 {
			return
		}
		if err := d.store.IncrementUsage(today, model, totalTokens); err != nil {
			log.WithError(err).Warn("dispatcher: failed to record streaming usage")
		}
		if err := d.store.IncrementTokenCallCount(id); err != nil {
			log.WithError(err).Warn("dispatcher: failed to increment token call count")
		}
	}()

	reader := bufio.NewReaderSize(body, 64*1024)
	for {
		line, err := reader.ReadString('\n')
		if len(line) > 0 {
			if writeErr := d.forwardLine(sink, line, &lastContent, &completionText); writeErr != nil {
				return nil // client gone; usage already accumulated for processed lines
			}
		}
		if err != nil {
			if err == io.EOF {
				return nil
			}
			log.WithError(err).Warn("dispatcher: upstream stream read error")
			return nil
		}
	}
}

// forwardLine writes line to sink verbatim and, for a "data:" delta chunk,
// accumulates its non-duplicate content for the local completion-token
// count. Streaming usage is always computed locally (prompt + completion
// tokens) — spec step 7 has no upstream-fallback clause, unlike buffered
// mode's step 8.
func (d *Dispatcher) forwardLine(sink Sink, line string, lastContent *string, completionText *strings.Builder) error {
	trimmed := strings.TrimRight(line, "\r\n")
	if strings.HasPrefix(trimmed, "data:") {
		payload := strings.TrimSpace(trimmed[len("data:"):])
		if payload != "" && payload != "[DONE]" && gjson.Valid(payload) {
			content := gjson.Get(payload, "choices.0.delta.content").String()
			if content != "" && content == *lastContent {
				log.Debugf("dispatcher: dropped duplicate delta %q", content)
			} else if content != "" {
				*lastContent = content
				completionText.WriteString(content)
			}
		}
	}
	_, err := io.WriteString(sink, line)
	if err == nil {
		sink.Flush()
	}
	return err
}

func (d *Dispatcher) bufferedResponse(body io.Reader, sink Sink, id, model, today string, promptTokens int) error {
	raw, err := io.ReadAll(body)
	if err != nil {
		return apierr.Internal(fmt.Errorf("read upstream response: %w", err))
	}

	totalTokens := int64(promptTokens)
	if usage := gjson.GetBytes(raw, "usage.total_tokens"); usage.Exists() {
		totalTokens = usage.Int()
	}
	if err := d.store.IncrementUsage(today, model, totalTokens); err != nil {
		log.WithError(err).Warn("dispatcher: failed to record buffered usage")
	}
	if err := d.store.IncrementTokenCallCount(id); err != nil {
		log.WithError(err).Warn("dispatcher: failed to increment token call count")
	}

	sink.Header().Set("Content-Type", "application/json")
	sink.WriteHeader(http.StatusOK)
	_, werr := sink.Write(raw)
	return werr
}
