// Package provider is the typed client for the queue-backed generation API.
// Requests are submitted to a model endpoint, acknowledged with a request id,
// and driven to completion either by an event stream or by status polling.
package provider

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"reelforge/internal/apperr"
)

const (
	// DefaultPollInterval is the status poll cadence for long jobs.
	DefaultPollInterval = 10 * time.Second
	// DefaultBudget bounds a poll loop when the caller supplies none.
	DefaultBudget = 600 * time.Second

	// Synchronous subscribe retry policy.
	maxAttempts    = 3
	baseRetryDelay = 2 * time.Second
	retryFactor    = 2

	// Image-to-video requests at or above this duration must take the
	// submit+poll path; the provider drops long event streams.
	longJobDurationS = 10
)

// EventType tags a lifecycle event from the provider stream.
type EventType string

const (
	EventQueued     EventType = "queued"
	EventInProgress EventType = "in_progress"
	EventCompleted  EventType = "completed"
	EventError      EventType = "error"
)

// Event is one provider lifecycle notification.
type Event struct {
	Type          EventType
	QueuePosition int
	Logs          []string
	Progress      *float64 // percent, when the provider reports one
	Err           error    // set only for EventError
}

// Handle is a live submission: the assigned request id plus its event
// stream. The channel closes after a terminal event.
type Handle struct {
	RequestID string
	Events    <-chan Event
}

// StatusResponse is a point-in-time view of a request.
type StatusResponse struct {
	State         string   `json:"status"`
	QueuePosition *int     `json:"queue_position,omitempty"`
	Progress      *float64 `json:"progress,omitempty"`
	Logs          []logLine `json:"logs,omitempty"`
}

type logLine struct {
	Message string `json:"message"`
}

// Client talks to the provider. Construct once and share.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client

	pollInterval time.Duration
	jitter       bool

	// sleep is swappable in tests.
	sleep func(time.Duration)
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient swaps the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithPollInterval overrides the status poll cadence.
func WithPollInterval(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.pollInterval = d
		}
	}
}

// WithJitter toggles retry jitter.
func WithJitter(enabled bool) Option {
	return func(c *Client) { c.jitter = enabled }
}

// NewClient builds a provider client for the given base URL and credential.
func NewClient(baseURL, apiKey string, opts ...Option) *Client {
	c := &Client{
		baseURL:      strings.TrimRight(baseURL, "/"),
		apiKey:       apiKey,
		httpClient:   &http.Client{Timeout: 60 * time.Second},
		pollInterval: DefaultPollInterval,
		jitter:       true,
		sleep:        time.Sleep,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Upload pushes a local file to the provider's file host and returns its URL.
func (c *Client) Upload(ctx context.Context, localPath string) (string, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return "", apperr.System(fmt.Sprintf("cannot open %s", localPath), err)
	}
	defer f.Close()

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", filepath.Base(localPath))
	if err != nil {
		return "", apperr.System("cannot build upload request", err)
	}
	if _, err := io.Copy(part, f); err != nil {
		return "", apperr.System(fmt.Sprintf("cannot read %s", localPath), err)
	}
	if err := mw.Close(); err != nil {
		return "", apperr.System("cannot finalize upload request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/files/upload", &body)
	if err != nil {
		return "", apperr.System("cannot create upload request", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	c.authorize(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", classifyTransport(err)
	}
	defer resp.Body.Close()

	payload, err := decodeResponse(resp)
	if err != nil {
		return "", err
	}
	url, _ := payload["url"].(string)
	if url == "" {
		return "", apperr.API(apperr.APIUnknown, "upload response carried no url", false)
	}
	return url, nil
}

// Submit posts a request to the model endpoint and returns a handle whose
// event stream is drained by a background goroutine. The stream honors ctx;
// cancelling it terminates the stream without contacting the provider.
func (c *Client) Submit(ctx context.Context, modelID string, arguments map[string]any) (*Handle, error) {
	model, err := LookupModel(modelID)
	if err != nil {
		return nil, err
	}

	requestID, err := c.enqueue(ctx, model, arguments)
	if err != nil {
		return nil, err
	}

	events := make(chan Event, 16)
	go c.streamEvents(ctx, model, requestID, events)

	return &Handle{RequestID: requestID, Events: events}, nil
}

// enqueue performs the submit POST and returns the assigned request id.
func (c *Client) enqueue(ctx context.Context, model Model, arguments map[string]any) (string, error) {
	merged := make(map[string]any, len(arguments)+len(model.FixedParams))
	for k, v := range arguments {
		merged[k] = v
	}
	for k, v := range model.FixedParams {
		merged[k] = v
	}

	payload, err := c.postJSON(ctx, fmt.Sprintf("%s/%s", c.baseURL, model.Path), merged)
	if err != nil {
		return "", err
	}
	requestID, _ := payload["request_id"].(string)
	if requestID == "" {
		return "", apperr.API(apperr.APIUnknown, "submit response carried no request_id", false)
	}
	slog.Debug("request submitted", "model", model.ID, "request_id", requestID)
	return requestID, nil
}

// streamEvents consumes the provider's SSE status stream and forwards
// classified events. It always closes the channel.
func (c *Client) streamEvents(ctx context.Context, model Model, requestID string, events chan<- Event) {
	defer close(events)

	url := fmt.Sprintf("%s/%s/requests/%s/status/stream?logs=1", c.baseURL, model.Path, requestID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		events <- Event{Type: EventError, Err: apperr.System("cannot create stream request", err)}
		return
	}
	req.Header.Set("Accept", "text/event-stream")
	c.authorize(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		events <- Event{Type: EventError, Err: classifyTransport(err)}
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		events <- Event{Type: EventError, Err: classifyStatus(resp.StatusCode, string(body))}
		return
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		var status StatusResponse
		if err := json.Unmarshal([]byte(strings.TrimSpace(line[len("data:"):])), &status); err != nil {
			slog.Warn("unparsable stream message", "request_id", requestID, "error", err)
			continue
		}
		ev, terminal := eventFromStatus(status)
		select {
		case events <- ev:
		case <-ctx.Done():
			return
		}
		if terminal {
			return
		}
	}

	if ctx.Err() != nil {
		return
	}
	if err := scanner.Err(); err != nil {
		events <- Event{Type: EventError, Err: classifyTransport(err)}
		return
	}
	// Stream ended without a terminal message; report it so the caller does
	// not hang on a silently dropped connection.
	events <- Event{Type: EventError, Err: apperr.API(apperr.APITransient, "event stream ended before completion", true)}
}

func eventFromStatus(status StatusResponse) (Event, bool) {
	logs := make([]string, 0, len(status.Logs))
	for _, l := range status.Logs {
		if l.Message != "" {
			logs = append(logs, l.Message)
		}
	}
	switch strings.ToUpper(status.State) {
	case "IN_QUEUE", "QUEUED":
		pos := 0
		if status.QueuePosition != nil {
			pos = *status.QueuePosition
		}
		return Event{Type: EventQueued, QueuePosition: pos}, false
	case "IN_PROGRESS", "PROCESSING":
		return Event{Type: EventInProgress, Logs: logs, Progress: status.Progress}, false
	case "COMPLETED", "OK":
		return Event{Type: EventCompleted, Logs: logs}, true
	default:
		return Event{Type: EventInProgress, Logs: logs, Progress: status.Progress}, false
	}
}

// Status fetches the current state of a request.
func (c *Client) Status(ctx context.Context, modelID, requestID string, withLogs bool) (StatusResponse, error) {
	model, err := LookupModel(modelID)
	if err != nil {
		return StatusResponse{}, err
	}
	url := fmt.Sprintf("%s/%s/requests/%s/status", c.baseURL, model.Path, requestID)
	if withLogs {
		url += "?logs=1"
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return StatusResponse{}, apperr.System("cannot create status request", err)
	}
	c.authorize(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return StatusResponse{}, classifyTransport(err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode != http.StatusOK {
		return StatusResponse{}, classifyStatus(resp.StatusCode, string(body))
	}
	var status StatusResponse
	if err := json.Unmarshal(body, &status); err != nil {
		return StatusResponse{}, apperr.API(apperr.APIUnknown, "unparsable status response", false).WithCause(err)
	}
	return status, nil
}

// Result fetches the final payload of a completed request. While the request
// is still running the provider answers with a pending marker, which
// surfaces as a not-ready error (see IsNotReady).
func (c *Client) Result(ctx context.Context, modelID, requestID string) (map[string]any, error) {
	model, err := LookupModel(modelID)
	if err != nil {
		return nil, err
	}
	url := fmt.Sprintf("%s/%s/requests/%s", c.baseURL, model.Path, requestID)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, apperr.System("cannot create result request", err)
	}
	c.authorize(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, classifyTransport(err)
	}
	defer resp.Body.Close()
	return decodeResponse(resp)
}

// Subscribe submits and synchronously drains the request, invoking onEvent
// for every lifecycle notification, and returns the result payload. The
// whole run is retried up to 3 times on retryable provider errors with
// exponential backoff. Intended for short jobs; long image-to-video work
// must go through Run.
func (c *Client) Subscribe(ctx context.Context, modelID string, arguments map[string]any, onEvent func(Event)) (map[string]any, error) {
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		payload, err := c.runOnce(ctx, modelID, arguments, onEvent)
		if err == nil {
			return payload, nil
		}
		lastErr = err
		if !apperr.IsRetryable(err) || attempt == maxAttempts {
			break
		}
		delay := c.backoff(attempt)
		slog.Warn("provider call failed, retrying",
			"model", modelID, "attempt", attempt, "delay", delay, "error", err)
		select {
		case <-ctx.Done():
			return nil, apperr.API(apperr.APITimeout, "cancelled while waiting to retry", false).WithCause(ctx.Err())
		default:
		}
		c.sleep(delay)
	}
	return nil, lastErr
}

func (c *Client) runOnce(ctx context.Context, modelID string, arguments map[string]any, onEvent func(Event)) (map[string]any, error) {
	handle, err := c.Submit(ctx, modelID, arguments)
	if err != nil {
		return nil, err
	}
	for ev := range handle.Events {
		if onEvent != nil {
			onEvent(ev)
		}
		if ev.Type == EventError {
			return nil, ev.Err
		}
	}
	return c.Result(ctx, modelID, handle.RequestID)
}

// Run drives a request to completion choosing the transport by the duration
// rule: image-to-video work of 10 seconds or more is submitted and polled,
// anything shorter may ride the event stream. budget bounds the poll loop;
// zero selects the 600 s default.
func (c *Client) Run(ctx context.Context, modelID string, arguments map[string]any, budget time.Duration) (map[string]any, error) {
	return c.RunWithEvents(ctx, modelID, arguments, budget, nil)
}

// RunWithEvents is Run with a lifecycle callback. The poll path reports only
// coarse queued/completed transitions; the stream path forwards everything
// the provider sends.
func (c *Client) RunWithEvents(ctx context.Context, modelID string, arguments map[string]any, budget time.Duration, onEvent func(Event)) (map[string]any, error) {
	if mustPoll(modelID, arguments) {
		if onEvent != nil {
			onEvent(Event{Type: EventQueued})
		}
		payload, err := c.submitAndPoll(ctx, modelID, arguments, budget)
		if err == nil && onEvent != nil {
			onEvent(Event{Type: EventCompleted})
		}
		return payload, err
	}
	return c.Subscribe(ctx, modelID, arguments, onEvent)
}

// mustPoll applies the duration-routing rule.
func mustPoll(modelID string, arguments map[string]any) bool {
	model, err := LookupModel(modelID)
	if err != nil || model.Kind != TaskVideo {
		return false
	}
	if _, ok := arguments["image_url"]; !ok {
		return false
	}
	switch d := arguments["duration"].(type) {
	case int:
		return d >= longJobDurationS
	case float64:
		return d >= longJobDurationS
	default:
		return false
	}
}

func (c *Client) submitAndPoll(ctx context.Context, modelID string, arguments map[string]any, budget time.Duration) (map[string]any, error) {
	if budget <= 0 {
		budget = DefaultBudget
	}
	model, err := LookupModel(modelID)
	if err != nil {
		return nil, err
	}
	requestID, err := c.enqueue(ctx, model, arguments)
	if err != nil {
		return nil, err
	}

	deadline := time.Now().Add(budget)
	for {
		if ctx.Err() != nil {
			return nil, apperr.API(apperr.APITimeout, "cancelled while polling", false).WithCause(ctx.Err())
		}
		if time.Now().After(deadline) {
			return nil, apperr.API(apperr.APITimeout,
				fmt.Sprintf("request %s did not complete within %s", requestID, budget), false)
		}

		status, err := c.Status(ctx, modelID, requestID, false)
		switch {
		case err == nil:
			if strings.EqualFold(status.State, "COMPLETED") || strings.EqualFold(status.State, "OK") {
				return c.Result(ctx, modelID, requestID)
			}
		case IsNotReady(err):
			// The request has not surfaced in the provider's read path yet.
		default:
			return nil, err
		}

		c.sleep(c.pollInterval)
	}
}

func (c *Client) backoff(attempt int) time.Duration {
	delay := baseRetryDelay
	for i := 1; i < attempt; i++ {
		delay *= retryFactor
	}
	if c.jitter {
		delay += time.Duration(rand.Int63n(int64(delay) / 4))
	}
	return delay
}

func (c *Client) authorize(req *http.Request) {
	req.Header.Set("Authorization", "Key "+c.apiKey)
}

func (c *Client) postJSON(ctx context.Context, url string, body map[string]any) (map[string]any, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, apperr.System("cannot marshal request body", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(raw))
	if err != nil {
		return nil, apperr.System("cannot create request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, classifyTransport(err)
	}
	defer resp.Body.Close()
	return decodeResponse(resp)
}

func decodeResponse(resp *http.Response) (map[string]any, error) {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, classifyStatus(resp.StatusCode, string(body))
	}
	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, apperr.API(apperr.APIUnknown, "unparsable provider response", false).WithCause(err)
	}
	return payload, nil
}
