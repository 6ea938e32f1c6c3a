package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"
)

const (
	defaultPollInterval = 250 * time.Millisecond
	defaultMaxRetries   = 3
)

// SubmitRequest describes one program submission.
type SubmitRequest struct {
	Runtime    string         `json:"runtime"`
	Source     string         `json:"source"`
	Entrypoint string         `json:"entrypoint,omitempty"`
	Config     map[string]any `json:"config,omitempty"`
	TimeoutS   *int           `json:"timeout_s,omitempty"`
}

// Outcome is the success result handed to Handlers.OnSuccess: the final
// session state after the last chunk was delivered.
type Outcome struct {
	SessionID string
	Status    string
}

// outputResponse mirrors the server's poll payload.
type outputResponse struct {
	SessionID  string `json:"session_id"`
	Status     string `json:"status"`
	Terminal   bool   `json:"terminal"`
	Diagnostic string `json:"diagnostic"`
	Condition  string `json:"condition"`
	Chunks     []struct {
		Seq  int    `json:"seq"`
		Data string `json:"data"`
	} `json:"chunks"`
	NextOffset int `json:"next_offset"`
}

// errorEnvelope mirrors the server's error payload.
type errorEnvelope struct {
	Error     string `json:"error"`
	Condition string `json:"condition"`
}

// Options configures a Client. Zero values get sensible defaults.
type Options struct {
	// BaseURL is the server root, e.g. "http://localhost:8090".
	BaseURL string
	// HTTPClient overrides the underlying HTTP client.
	HTTPClient *http.Client
	// PollInterval is the delay between output polls.
	PollInterval time.Duration
	// MaxRetries bounds consecutive transport failures before the
	// submission fails with ConditionTransportError.
	MaxRetries int
	Logger     *slog.Logger
}

// Client drives submissions against a coordination server over HTTP. It
// submits, then short-polls the output endpoint at a fixed interval,
// streaming chunks to the caller and resolving the pending entry with
// exactly one terminal outcome.
type Client struct {
	baseURL      string
	httpc        *http.Client
	pollInterval time.Duration
	maxRetries   int
	logger       *slog.Logger
	registry     *Registry
}

// New creates a Client and its correlation registry.
func New(opts Options) *Client {
	c := &Client{
		baseURL:      opts.BaseURL,
		httpc:        opts.HTTPClient,
		pollInterval: opts.PollInterval,
		maxRetries:   opts.MaxRetries,
		logger:       opts.Logger,
	}
	if c.httpc == nil {
		c.httpc = &http.Client{Timeout: 30 * time.Second}
	}
	if c.pollInterval <= 0 {
		c.pollInterval = defaultPollInterval
	}
	if c.maxRetries <= 0 {
		c.maxRetries = defaultMaxRetries
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	c.registry = NewRegistry(c, c.logger)
	return c
}

// Registry exposes the client's correlation registry, for namespace
// invalidation on component teardown.
func (c *Client) Registry() *Registry {
	return c.registry
}

// job carries one submission through the transport.
type job struct {
	req     SubmitRequest
	onChunk func(seq int, data string)
}

// Execute submits req under namespace and returns the correlation token
// immediately. Chunks arrive through onChunk in sequence order; the
// terminal outcome arrives through h, exactly once. After the token's
// deadline elapses or its namespace is invalidated, neither onChunk nor
// the handlers fire again.
func (c *Client) Execute(ctx context.Context, namespace string, req SubmitRequest, onChunk func(seq int, data string), h Handlers, timeout time.Duration) string {
	return c.registry.Submit(ctx, namespace, &job{req: req, onChunk: onChunk}, h, timeout)
}

// Cancel requests cooperative cancellation of a session.
func (c *Client) Cancel(ctx context.Context, sessionID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/sessions/"+sessionID+"/cancel", nil)
	if err != nil {
		return err
	}
	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("cancel session: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("cancel session: unexpected status %d", resp.StatusCode)
	}
	return nil
}

// Send implements Transport. It runs on the goroutine the registry
// launched, so blocking for the life of the session is fine.
func (c *Client) Send(ctx context.Context, token string, payload any) error {
	j, ok := payload.(*job)
	if !ok {
		return fmt.Errorf("unexpected payload type %T", payload)
	}

	sessionID, err := c.submit(ctx, j.req)
	if err != nil {
		return err
	}
	c.poll(ctx, token, sessionID, j.onChunk)
	return nil
}

// submit posts the session, retrying transport-level failures.
func (c *Client) submit(ctx context.Context, req SubmitRequest) (string, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("encode submit request: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(c.pollInterval):
			}
		}

		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/sessions", bytes.NewReader(body))
		if err != nil {
			return "", err
		}
		httpReq.Header.Set("Content-Type", "application/json")

		resp, err := c.httpc.Do(httpReq)
		if err != nil {
			lastErr = err
			c.logger.Warn("submit attempt failed", "attempt", attempt, "error", err)
			continue
		}

		if resp.StatusCode != http.StatusAccepted {
			env := readErrorEnvelope(resp)
			resp.Body.Close()
			// Rejections are final; only transport failures retry.
			return "", fmt.Errorf("submit rejected: %s (status %d)", env.Error, resp.StatusCode)
		}

		var sess struct {
			ID string `json:"id"`
		}
		err = json.NewDecoder(resp.Body).Decode(&sess)
		resp.Body.Close()
		if err != nil {
			lastErr = fmt.Errorf("decode submit response: %w", err)
			continue
		}
		return sess.ID, nil
	}
	return "", fmt.Errorf("submit failed after %d attempts: %w", c.maxRetries+1, lastErr)
}

// poll reads output from the last acknowledged offset until the session
// is terminal, the entry goes away, or transport retries are exhausted.
func (c *Client) poll(ctx context.Context, token, sessionID string, onChunk func(seq int, data string)) {
	from := 0
	retries := 0

	for {
		if !c.registry.Active(token) {
			return
		}

		out, cond, err := c.fetchOutput(ctx, sessionID, from)
		if err != nil {
			if cond != "" {
				// The server answered with a definitive condition; no
				// amount of retrying changes it.
				c.registry.Fail(token, Condition(cond), err.Error())
				return
			}
			retries++
			if retries > c.maxRetries {
				c.registry.Fail(token, ConditionTransportError, err.Error())
				return
			}
			c.logger.Warn("poll attempt failed", "session_id", sessionID, "error", err)
		} else {
			retries = 0
			for _, ch := range out.Chunks {
				if !c.registry.Active(token) {
					return
				}
				if onChunk != nil {
					onChunk(ch.Seq, ch.Data)
				}
			}
			from = out.NextOffset

			if out.Terminal {
				c.resolve(token, out)
				return
			}
		}

		select {
		case <-ctx.Done():
			c.registry.Fail(token, ConditionTransportError, ctx.Err().Error())
			return
		case <-time.After(c.pollInterval):
		}
	}
}

// resolve maps a terminal poll response onto the single outcome the
// caller sees.
func (c *Client) resolve(token string, out *outputResponse) {
	switch out.Status {
	case "completed":
		c.registry.Deliver(token, Outcome{SessionID: out.SessionID, Status: out.Status})
	case "cancelled":
		c.registry.Fail(token, ConditionCancelled, "session cancelled")
	default:
		// Failed sessions carry the worker's diagnostic, verbatim.
		c.registry.Fail(token, ConditionWorkerFailure, out.Diagnostic)
	}
}

// fetchOutput performs one short poll. A non-empty condition in the
// return means the server gave a definitive answer (evicted, not found)
// rather than a retryable transport failure.
func (c *Client) fetchOutput(ctx context.Context, sessionID string, from int) (*outputResponse, string, error) {
	url := c.baseURL + "/v1/sessions/" + sessionID + "/output?from=" + strconv.Itoa(from)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", err
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		env := readErrorEnvelope(resp)
		if env.Condition != "" {
			return nil, env.Condition, fmt.Errorf("%s", env.Error)
		}
		return nil, "", fmt.Errorf("poll failed: status %d", resp.StatusCode)
	}

	var out outputResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, "", fmt.Errorf("decode poll response: %w", err)
	}
	return &out, "", nil
}

func readErrorEnvelope(resp *http.Response) errorEnvelope {
	var env errorEnvelope
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err == nil {
		_ = json.Unmarshal(body, &env)
	}
	if env.Error == "" {
		env.Error = http.StatusText(resp.StatusCode)
	}
	return env
}
