// Package botapi is a thin Telegram Bot API client covering exactly
// what the archiver needs: long-poll updates, file streaming, and chat
// messages.
//
// The worker process points the same client at a locally hosted Bot API
// server, which serves files far above the hosted 50 MiB download
// limit; both processes therefore share one transport implementation.
package botapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cptnfren/teltubby/internal/logger"
	"github.com/cptnfren/teltubby/pkg/transport"
)

// DefaultEndpoint is the hosted Bot API server.
const DefaultEndpoint = "https://api.telegram.org"

// Client talks to a Bot API server.
type Client struct {
	token    string
	endpoint string
	http     *http.Client
}

// New creates a client. endpoint defaults to the hosted server; pass a
// local Bot API server URL to lift its download limits.
func New(token, endpoint string) *Client {
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	return &Client{
		token:    token,
		endpoint: strings.TrimRight(endpoint, "/"),
		// Long polls and large downloads run under caller contexts;
		// no client-level timeout.
		http: &http.Client{},
	}
}

type apiResponse struct {
	OK          bool            `json:"ok"`
	Result      json.RawMessage `json:"result"`
	ErrorCode   int             `json:"error_code"`
	Description string          `json:"description"`
}

// apiError is a Bot API level failure (ok=false).
type apiError struct {
	Code        int
	Description string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("bot api error %d: %s", e.Code, e.Description)
}

// call invokes a Bot API method and decodes its result into out.
func (c *Client) call(ctx context.Context, method string, params any, out any) error {
	body, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("failed to encode %s params: %w", method, err)
	}

	u := fmt.Sprintf("%s/bot%s/%s", c.endpoint, c.token, method)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s request failed: %w", method, err)
	}
	defer resp.Body.Close()

	var decoded apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", method, err)
	}
	if !decoded.OK {
		return &apiError{Code: decoded.ErrorCode, Description: decoded.Description}
	}
	if out != nil {
		if err := json.Unmarshal(decoded.Result, out); err != nil {
			return fmt.Errorf("failed to decode %s result: %w", method, err)
		}
	}
	return nil
}

// GetUpdates long-polls for message updates.
func (c *Client) GetUpdates(ctx context.Context, offset int64, timeout time.Duration) ([]Update, error) {
	var updates []Update
	err := c.call(ctx, "getUpdates", map[string]any{
		"offset":          offset,
		"timeout":         int(timeout.Seconds()),
		"allowed_updates": []string{"message"},
	}, &updates)
	return updates, err
}

type fileResult struct {
	FileID       string `json:"file_id"`
	FileUniqueID string `json:"file_unique_id"`
	FileSize     int64  `json:"file_size"`
	FilePath     string `json:"file_path"`
}

// Fetch resolves a file reference and streams its payload.
// It satisfies transport.Fetcher.
func (c *Client) Fetch(ctx context.Context, ref transport.FileRef) (io.ReadCloser, int64, error) {
	var file fileResult
	err := c.call(ctx, "getFile", map[string]any{"file_id": ref.FileID}, &file)
	if err != nil {
		return nil, 0, mapFileError(err)
	}
	if file.FilePath == "" {
		return nil, 0, transport.ErrFileNotFound
	}

	u := fmt.Sprintf("%s/file/bot%s/%s", c.endpoint, c.token, file.FilePath)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, 0, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("file download failed: %w", err)
	}
	if resp.StatusCode == http.StatusNotFound {
		resp.Body.Close()
		return nil, 0, transport.ErrFileNotFound
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, 0, fmt.Errorf("file download failed: status %d", resp.StatusCode)
	}

	size := file.FileSize
	if size == 0 {
		size = resp.ContentLength
	}
	return resp.Body, size, nil
}

// mapFileError translates Bot API getFile refusals into the transport
// sentinels the pipeline routes on.
func mapFileError(err error) error {
	var ae *apiError
	if !asAPIError(err, &ae) {
		return err
	}
	desc := strings.ToLower(ae.Description)
	switch {
	case strings.Contains(desc, "too big"):
		return transport.ErrTooBig
	case ae.Code == http.StatusNotFound, strings.Contains(desc, "not found"):
		return transport.ErrFileNotFound
	case ae.Code == http.StatusUnauthorized:
		return transport.ErrSessionUnauthorized
	}
	return err
}

func asAPIError(err error, target **apiError) bool {
	for err != nil {
		if ae, ok := err.(*apiError); ok {
			*target = ae
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// Notify sends a plain text message. It satisfies transport.Notifier.
func (c *Client) Notify(ctx context.Context, chatID int64, text string) error {
	return c.call(ctx, "sendMessage", map[string]any{
		"chat_id": chatID,
		"text":    text,
	}, nil)
}

// Probe checks the token (and, for a local server, the underlying
// session) with getMe. It satisfies transport.SessionProber.
func (c *Client) Probe(ctx context.Context) error {
	err := c.call(ctx, "getMe", map[string]any{}, nil)
	if err == nil {
		return nil
	}
	var ae *apiError
	if asAPIError(err, &ae) && ae.Code == http.StatusUnauthorized {
		return transport.ErrSessionUnauthorized
	}
	return err
}

// FileURL is exposed for logging and diagnostics.
func (c *Client) FileURL(filePath string) string {
	return fmt.Sprintf("%s/file/bot%s/%s", c.endpoint, c.token, url.PathEscape(filePath))
}

// Poll long-polls updates and hands each message to fn until the
// context is cancelled. Poll errors back off and retry.
func (c *Client) Poll(ctx context.Context, fn func(*Message)) error {
	var offset int64

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		updates, err := c.GetUpdates(ctx, offset, 30*time.Second)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			logger.Warn("update poll failed, retrying",
				logger.KeyComponent, "botapi",
				logger.Err(err))
			select {
			case <-time.After(3 * time.Second):
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}

		for i := range updates {
			if updates[i].UpdateID >= offset {
				offset = updates[i].UpdateID + 1
			}
			if updates[i].Message != nil {
				fn(updates[i].Message)
			}
		}
	}
}
