// Package upload delivers a finished recording to the upload endpoint.
package upload

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/audiolibrelab/notecapture/internal/metadata"
)

const (
	DefaultTimeout     = 30 * time.Second
	DefaultMaxAttempts = 3
	DefaultBackoffBase = time.Second
	DefaultBackoffMax  = 5 * time.Second

	// maxErrorBody caps how much of a failed response is kept in errors.
	maxErrorBody = 512
)

// Options configure a Client.
type Options struct {
	Endpoint    string
	Timeout     time.Duration
	MaxAttempts int
	BackoffBase time.Duration
	BackoffMax  time.Duration
	// Signer adds a bearer token to every request when set.
	Signer *Signer
	// HTTPClient defaults to a client without its own timeout; attempts
	// are bounded by Timeout.
	HTTPClient *http.Client
	// Sleep waits between attempts. Tests replace it.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Result is the endpoint's acknowledgement.
type Result struct {
	Status   int
	Response map[string]any
	Attempts int
}

// Progress is told about each attempt before it is made.
type Progress func(attempt, maxAttempts int)

// Client posts recordings to the endpoint, retrying failed attempts with
// exponential backoff. It keeps no state between calls to Send.
type Client struct {
	opts Options
}

// New creates a Client, filling unset options with the defaults.
func New(opts Options) (*Client, error) {
	if strings.TrimSpace(opts.Endpoint) == "" {
		return nil, errors.New("upload endpoint is empty")
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = DefaultBackoffBase
	}
	if opts.BackoffMax <= 0 {
		opts.BackoffMax = DefaultBackoffMax
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{}
	}
	if opts.Sleep == nil {
		opts.Sleep = sleepContext
	}
	return &Client{opts: opts}, nil
}

// MaxAttempts is the configured attempt limit.
func (c *Client) MaxAttempts() int {
	return c.opts.MaxAttempts
}

// Backoff is the wait after failed attempt n (counting from 1):
// min(base * 2^n, max).
func (c *Client) Backoff(n int) time.Duration {
	return backoff(c.opts.BackoffBase, c.opts.BackoffMax, n)
}

func backoff(base, max time.Duration, n int) time.Duration {
	d := base
	for i := 0; i < n; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	return d
}

// Send uploads payload with its metadata, making up to MaxAttempts
// attempts. The returned error is a *Failure wrapping the last attempt's
// error, or the context error if ctx ends first.
func (c *Client) Send(ctx context.Context, payload []byte, md metadata.Metadata, progress Progress) (*Result, error) {
	md = md.WithPayloadSize(len(payload))
	maxAttempts := c.opts.MaxAttempts

	slog.Info("Uploading recording",
		"client", md.ClientName,
		"path", md.FilePath,
		"bytes", len(payload),
		"total_chunks", md.TotalChunks)

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if progress != nil {
			progress(attempt, maxAttempts)
		}

		result, err := c.attempt(ctx, payload, md)
		if err == nil {
			result.Attempts = attempt
			slog.Info("Upload succeeded", "client", md.ClientName, "attempt", attempt, "status", result.Status)
			return result, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		lastErr = err
		slog.Error("Upload attempt failed", "attempt", attempt, "max_attempts", maxAttempts, "error", err)

		if attempt < maxAttempts {
			wait := c.Backoff(attempt)
			slog.Debug("Retrying upload", "delay", wait)
			if err := c.opts.Sleep(ctx, wait); err != nil {
				return nil, err
			}
		}
	}

	failure := &Failure{Attempts: maxAttempts, Err: lastErr}
	slog.Error("Upload failed", "client", md.ClientName, "error", failure)
	return nil, failure
}

func (c *Client) attempt(ctx context.Context, payload []byte, md metadata.Metadata) (*Result, error) {
	body, contentType, err := buildBody(payload, md)
	if err != nil {
		return nil, err
	}

	actx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(actx, http.MethodPost, c.opts.Endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	requestID := uuid.NewString()
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", requestID)
	if c.opts.Signer != nil {
		token, err := c.opts.Signer.Token(md.ClientName, requestID)
		if err != nil {
			return nil, fmt.Errorf("failed to sign request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.opts.HTTPClient.Do(req)
	if err != nil {
		return nil, classify(actx, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, classify(actx, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet := strings.TrimSpace(string(raw))
		if len(snippet) > maxErrorBody {
			snippet = snippet[:maxErrorBody]
		}
		return nil, &HTTPError{Status: resp.StatusCode, Body: snippet}
	}

	var ack map[string]any
	if err := json.Unmarshal(raw, &ack); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	return &Result{Status: resp.StatusCode, Response: ack}, nil
}

// buildBody writes the multipart form: the audio file, the client name and
// the JSON metadata.
func buildBody(payload []byte, md metadata.Metadata) (*bytes.Buffer, string, error) {
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	part, err := writer.CreateFormFile("audio", md.FileName)
	if err != nil {
		return nil, "", fmt.Errorf("create form file error: %w", err)
	}
	if _, err := part.Write(payload); err != nil {
		return nil, "", fmt.Errorf("copy payload error: %w", err)
	}
	if err := writer.WriteField("clientName", md.ClientName); err != nil {
		return nil, "", fmt.Errorf("write field error: %w", err)
	}
	encoded, err := json.Marshal(md)
	if err != nil {
		return nil, "", fmt.Errorf("encode metadata: %w", err)
	}
	if err := writer.WriteField("metadata", string(encoded)); err != nil {
		return nil, "", fmt.Errorf("write field error: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, "", fmt.Errorf("close form error: %w", err)
	}
	return body, writer.FormDataContentType(), nil
}

// classify maps transport errors onto the upload taxonomy.
func classify(actx context.Context, err error) error {
	if errors.Is(actx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return fmt.Errorf("%w: %v", ErrNetwork, err)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
