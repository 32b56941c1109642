package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// SignatureHeader carries the HMAC-SHA256 of the request body.
const SignatureHeader = "X-Signature-256"

// WebhookConfig describes one outbound webhook.
type WebhookConfig struct {
	Name string `json:"name"`
	URL  string `json:"url"`
	// Secret signs the body with HMAC-SHA256. If empty, BearerToken is
	// sent instead, if set.
	Secret      string `json:"secret,omitempty"`
	BearerToken string `json:"bearer_token,omitempty"`
}

// Webhook POSTs events as JSON.
type Webhook struct {
	cfg    WebhookConfig
	client *http.Client
}

// NewWebhook creates a webhook sink. client may be nil.
func NewWebhook(cfg WebhookConfig, client *http.Client) *Webhook {
	if client == nil {
		client = http.DefaultClient
	}
	return &Webhook{cfg: cfg, client: client}
}

func (w *Webhook) Name() string { return "webhook:" + w.cfg.Name }

// Send delivers e. Any non-2xx response is an error.
func (w *Webhook) Send(ctx context.Context, e Event) error {
	body, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("webhook %s: marshal: %w", w.cfg.Name, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("webhook %s: %w", w.cfg.Name, err)
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case w.cfg.Secret != "":
		req.Header.Set(SignatureHeader, Sign(body, w.cfg.Secret))
	case w.cfg.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+w.cfg.BearerToken)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook %s: %w", w.cfg.Name, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return fmt.Errorf("webhook %s: HTTP %d: %s", w.cfg.Name, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	return nil
}

// Sign returns the signature header value for body: "sha256=<hex>".
func Sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a signature produced by Sign. Receivers use it to
// authenticate deliveries.
func Verify(body []byte, secret, signature string) bool {
	if signature == "" {
		return false
	}
	expected, err := hex.DecodeString(strings.TrimPrefix(signature, "sha256="))
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(mac.Sum(nil), expected)
}
