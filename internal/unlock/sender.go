package unlock

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"focuslock/internal/config"
)

const defaultSendTimeout = 5 * time.Second

// WebhookSender posts the code to a configured endpoint; the partner side
// (SMS gateway, mail bridge) owns the last hop to the destination.
type WebhookSender struct {
	URL     string
	Secret  string
	Timeout time.Duration
	Client  *http.Client
}

// NewWebhookSender returns nil when no webhook URL is configured.
func NewWebhookSender(cfg *config.Config) *WebhookSender {
	if strings.TrimSpace(cfg.Delivery.WebhookURL) == "" {
		return nil
	}
	timeout := defaultSendTimeout
	if cfg.Delivery.TimeoutSeconds > 0 {
		timeout = time.Duration(cfg.Delivery.TimeoutSeconds) * time.Second
	}
	return &WebhookSender{
		URL:     cfg.Delivery.WebhookURL,
		Secret:  cfg.Delivery.Secret,
		Timeout: timeout,
		Client:  &http.Client{Timeout: timeout},
	}
}

type deliveryPayload struct {
	Code        string `json:"code"`
	Destination string `json:"destination"`
}

func (w *WebhookSender) Send(ctx context.Context, code, destination string) error {
	data, err := json.Marshal(deliveryPayload{Code: code, Destination: destination})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if strings.TrimSpace(w.Secret) != "" {
		req.Header.Set("X-Focuslock-Secret", w.Secret)
	}
	res, err := w.Client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}
