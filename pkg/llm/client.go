// Package llm is the client for the upstream OpenAI-compatible gateway.
//
// Two HTTP clients are held: the regular one carries a per-attempt timeout
// for blocking calls, the streaming one has no timeout and relies on context
// cancellation so long streams are not cut off mid-response.
//
// Blocking calls retry transient failures (connect errors, timeouts, 5xx)
// twice with exponential backoff (1s, 2s). 4xx responses, including 429, are
// permanent. Streaming calls are a single attempt: a failed open surfaces to
// the caller, and the per-model fan-out treats it as that model dropping out.
package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/opencouncil/councild/pkg/version"
)

const (
	chatEndpoint     = "/chat/completions"
	streamPrefix     = "data: "
	streamDoneMarker = "[DONE]"

	retryInitialInterval = 1 * time.Second
	retryMultiplier      = 2
	maxRetries           = 2
)

// Client talks to an OpenAI-compatible chat completions endpoint.
type Client struct {
	baseURL      string
	apiKey       string
	httpClient   *http.Client
	streamClient *http.Client
	retryInitial time.Duration // shortened in tests
}

// NewClient creates a gateway client. timeout bounds each blocking attempt;
// streaming requests are bounded only by the caller's context.
func NewClient(baseURL, apiKey string, timeout time.Duration) *Client {
	return &Client{
		baseURL:      strings.TrimRight(baseURL, "/"),
		apiKey:       apiKey,
		httpClient:   &http.Client{Timeout: timeout},
		streamClient: &http.Client{},
		retryInitial: retryInitialInterval,
	}
}

func (c *Client) newRetryPolicy(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.retryInitial
	b.Multiplier = retryMultiplier
	b.RandomizationFactor = 0
	return backoff.WithContext(backoff.WithMaxRetries(b, maxRetries), ctx)
}

// Complete performs a blocking completion call with retries.
func (c *Client) Complete(ctx context.Context, req Request) (*Result, error) {
	body, err := json.Marshal(chatRequest{
		Model:            req.Model,
		Messages:         req.Messages,
		MaxTokens:        req.MaxTokens,
		IncludeReasoning: req.Reasoning,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode request for %s: %w", req.Model, err)
	}

	var result *Result
	op := func() error {
		respBody, opErr := c.doRequest(ctx, c.httpClient, req.Model, body)
		if opErr != nil {
			if opErr.Retryable() {
				return opErr
			}
			return backoff.Permanent(opErr)
		}
		defer func() { _ = respBody.Close() }()

		var resp chatResponse
		if err := json.NewDecoder(respBody).Decode(&resp); err != nil {
			return classify(ctx, req.Model, 0, fmt.Errorf("failed to decode response: %w", err))
		}
		if len(resp.Choices) == 0 {
			return backoff.Permanent(&UpstreamError{
				Kind:  KindPermanent,
				Model: req.Model,
				Err:   fmt.Errorf("no choices in response"),
			})
		}
		result = &Result{
			Content:   resp.Choices[0].Message.Content,
			Reasoning: resp.Choices[0].Message.Reasoning,
			Usage:     resp.Usage,
		}
		return nil
	}

	if err := backoff.Retry(op, c.newRetryPolicy(ctx)); err != nil {
		return nil, err
	}
	return result, nil
}

// CompleteStream opens a streaming completion in a single attempt; a failed
// open is never retried. The returned channel is closed after a Done or Err
// event.
func (c *Client) CompleteStream(ctx context.Context, req Request) (<-chan StreamEvent, error) {
	body, err := json.Marshal(chatRequest{
		Model:            req.Model,
		Messages:         req.Messages,
		MaxTokens:        req.MaxTokens,
		IncludeReasoning: req.Reasoning,
		Stream:           true,
		StreamOptions:    &streamOptions{IncludeUsage: true},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode request for %s: %w", req.Model, err)
	}

	respBody, opErr := c.doRequest(ctx, c.streamClient, req.Model, body)
	if opErr != nil {
		return nil, opErr
	}

	events := make(chan StreamEvent)
	go c.scanStream(ctx, req.Model, respBody, events)
	return events, nil
}

// doRequest performs one HTTP attempt and returns the response body on 2xx.
func (c *Client) doRequest(ctx context.Context, client *http.Client, model string, body []byte) (io.ReadCloser, *UpstreamError) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+chatEndpoint, bytes.NewReader(body))
	if err != nil {
		return nil, &UpstreamError{Kind: KindPermanent, Model: model, Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("User-Agent", version.Full())

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, classify(ctx, model, 0, err)
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp.Body, nil
	}

	errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	_ = resp.Body.Close()

	upErr := classify(ctx, model, resp.StatusCode, nil)
	if msg := parseAPIError(errBody); msg != "" {
		upErr.Err = fmt.Errorf("%s", msg)
	}
	return nil, upErr
}

func parseAPIError(body []byte) string {
	var resp errorResponse
	if err := json.Unmarshal(body, &resp); err == nil && resp.Error.Message != "" {
		return resp.Error.Message
	}
	return ""
}

// scanStream reads SSE frames off the response body and forwards deltas.
// Malformed frames are skipped; a transport error aborts the stream.
func (c *Client) scanStream(ctx context.Context, model string, body io.ReadCloser, events chan<- StreamEvent) {
	defer close(events)
	defer func() { _ = body.Close() }()

	// send never blocks past cancellation; an abandoned consumer must not
	// strand this goroutine.
	send := func(ev StreamEvent) bool {
		select {
		case events <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	var usage *Usage

	for scanner.Scan() {
		if ctx.Err() != nil {
			send(StreamEvent{Err: classify(ctx, model, 0, ctx.Err()), Done: true})
			return
		}

		line := scanner.Text()
		if !strings.HasPrefix(line, streamPrefix) {
			continue
		}
		data := strings.TrimPrefix(line, streamPrefix)
		if data == streamDoneMarker {
			send(StreamEvent{Done: true, Usage: usage})
			return
		}

		var chunk streamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			continue
		}
		if chunk.Usage != nil {
			usage = chunk.Usage
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		delta := chunk.Choices[0].Delta
		if delta.Reasoning != "" {
			if !send(StreamEvent{Reasoning: delta.Reasoning}) {
				return
			}
		}
		if delta.Content != "" {
			if !send(StreamEvent{Delta: delta.Content}) {
				return
			}
		}
	}

	if err := scanner.Err(); err != nil {
		send(StreamEvent{Err: classify(ctx, model, 0, err), Done: true})
		return
	}
	send(StreamEvent{Done: true, Usage: usage})
}
