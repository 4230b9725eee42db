package botapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"

	"github.com/cptnfren/teltubby/internal/logger"
)

// secretTokenHeader carries the secret Telegram echoes back on webhook
// calls when one was registered with SetWebhook.
const secretTokenHeader = "X-Telegram-Bot-Api-Secret-Token"

// SetWebhook registers url as the update delivery endpoint. The secret
// is echoed back by Telegram on every call and checked by the handler.
func (c *Client) SetWebhook(ctx context.Context, url, secret string) error {
	params := map[string]any{
		"url":             url,
		"allowed_updates": []string{"message"},
	}
	if secret != "" {
		params["secret_token"] = secret
	}
	return c.call(ctx, "setWebhook", params, nil)
}

// DeleteWebhook removes a registered webhook; required before switching
// back to long polling.
func (c *Client) DeleteWebhook(ctx context.Context) error {
	return c.call(ctx, "deleteWebhook", map[string]any{}, nil)
}

// WebhookHandler decodes incoming webhook updates and hands messages to
// fn. Calls without the registered secret are rejected.
func WebhookHandler(secret string, fn func(*Message)) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if secret != "" {
			got := r.Header.Get(secretTokenHeader)
			if subtle.ConstantTimeCompare([]byte(got), []byte(secret)) != 1 {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
		}

		var update Update
		if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
			logger.Warn("failed to decode webhook update",
				logger.KeyComponent, "botapi",
				logger.Err(err))
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		if update.Message != nil {
			fn(update.Message)
		}
		w.WriteHeader(http.StatusOK)
	})
}
