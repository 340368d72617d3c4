package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/cve-watch/pkg/advisory"
	"github.com/cve-watch/pkg/retry"
)

// SlackConfig configures the webhook notifier. Zero values fall back to
// defaults.
type SlackConfig struct {
	WebhookURL string
	Timeout    time.Duration
	Retry      retry.Policy
}

type SlackNotifier struct {
	httpClient *http.Client
	webhookURL string
	retry      retry.Policy
	log        *slog.Logger
}

func NewSlackNotifier(cfg SlackConfig, log *slog.Logger) *SlackNotifier {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = retry.DefaultPolicy()
	}
	if log == nil {
		log = slog.Default()
	}
	return &SlackNotifier{
		httpClient: &http.Client{Timeout: cfg.Timeout},
		webhookURL: cfg.WebhookURL,
		retry:      cfg.Retry,
		log:        log.With("component", "slack"),
	}
}

// Deliver implements Notifier by posting {"text": ...} to the webhook.
func (n *SlackNotifier) Deliver(ctx context.Context, f advisory.Finding) error {
	body, err := json.Marshal(slackPayload{Text: RenderMessage(f)})
	if err != nil {
		return fmt.Errorf("marshal slack payload: %w", err)
	}

	err = retry.Do(ctx, n.retry, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.webhookURL, bytes.NewReader(body))
		if err != nil {
			return retry.Permanent(fmt.Errorf("build slack request: %w", err))
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := n.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("slack post: %w", err)
		}
		defer resp.Body.Close()

		if isRetryableStatus(resp.StatusCode) {
			return fmt.Errorf("slack returned %d", resp.StatusCode)
		}
		if resp.StatusCode >= 300 {
			respBody, _ := io.ReadAll(resp.Body)
			return retry.Permanent(fmt.Errorf("slack returned %d: %s", resp.StatusCode, string(respBody)))
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("delivering %s: %w", f.ID, err)
	}
	return nil
}

func isRetryableStatus(code int) bool {
	return code == http.StatusRequestTimeout ||
		code == http.StatusTooManyRequests ||
		code >= 500
}

type slackPayload struct {
	Text string `json:"text"`
}
