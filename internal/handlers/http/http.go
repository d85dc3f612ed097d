// Package http implements the "http" task handler: one outbound request per task.
package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"localq/internal/domain"
)

const maxErrorBody = 4 << 10

// Request is the task payload.
type Request struct {
	URL     string            `json:"url"`
	Method  string            `json:"method"`
	Headers map[string]string `json:"headers"`
	// Body is sent verbatim. A JSON object or array is sent as JSON.
	Body json.RawMessage `json:"body"`
	// Timeout in seconds. Zero leaves the deadline to the task context.
	Timeout int `json:"timeout"`
}

// Handler performs the request and fails on transport errors or a status >= 400.
type Handler struct {
	Client *http.Client
	Log    zerolog.Logger
}

func New(log zerolog.Logger) Handler {
	return Handler{Client: &http.Client{}, Log: log.With().Str("handler", "http").Logger()}
}

func (h Handler) Handle(ctx context.Context, payload json.RawMessage) error {
	var req Request
	if err := json.Unmarshal(payload, &req); err != nil {
		return fmt.Errorf("%w: invalid http payload: %v", domain.ErrInvalidTask, err)
	}
	if strings.TrimSpace(req.URL) == "" {
		return fmt.Errorf("%w: url is required", domain.ErrInvalidTask)
	}
	if req.Method == "" {
		req.Method = http.MethodGet
	}
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(req.Timeout)*time.Second)
		defer cancel()
	}

	body, contentType := requestBody(req.Body)
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, strings.ToUpper(req.Method), req.URL, rd)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if contentType != "" {
		httpReq.Header.Set("Content-Type", contentType)
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	client := h.Client
	if client == nil {
		client = http.DefaultClient
	}
	start := time.Now()
	resp, err := client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("%s %s: %w", httpReq.Method, req.URL, err)
	}
	defer resp.Body.Close()

	h.Log.Debug().
		Str("method", httpReq.Method).
		Str("url", req.URL).
		Int("status", resp.StatusCode).
		Dur("dur", time.Since(start)).
		Msg("http task request")

	if resp.StatusCode >= 400 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// requestBody returns the bytes to send and the content type implied by them.
// A JSON string is unquoted and sent as plain text.
func requestBody(raw json.RawMessage) ([]byte, string) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, ""
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			return []byte(s), "text/plain; charset=utf-8"
		}
	}
	return raw, "application/json"
}

// StatusError reports a response with status >= 400.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("HTTP %d", e.Code)
	}
	return fmt.Sprintf("HTTP %d: %s", e.Code, e.Body)
}

// IsStatus reports whether err is a StatusError with the given code.
func IsStatus(err error, code int) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Code == code
}
