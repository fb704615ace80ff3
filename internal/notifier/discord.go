// Package notifier posts cache events to chat webhooks.
package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/italolelis/video_cache/internal/content"
	"github.com/italolelis/video_cache/internal/logctx"
)

const defaultTimeout = 10 * time.Second

// ErrNoWebhook is returned when no webhook URL was configured.
var ErrNoWebhook = errors.New("webhook URL is not set")

type Notifier interface {
	Notify(ctx context.Context, message string) error
}

type DiscordNotifier struct {
	WebhookURL string
	Client     *http.Client
}

// NewDiscordNotifier returns a notifier with a bounded HTTP client.
func NewDiscordNotifier(webhookURL string) *DiscordNotifier {
	return &DiscordNotifier{
		WebhookURL: webhookURL,
		Client:     &http.Client{Timeout: defaultTimeout},
	}
}

func (d *DiscordNotifier) Notify(ctx context.Context, message string) error {
	if d.WebhookURL == "" {
		return ErrNoWebhook
	}

	body, err := json.Marshal(map[string]string{"content": message})
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	client := d.Client
	if client == nil {
		client = http.DefaultClient
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook failed with status %d", resp.StatusCode)
	}

	return nil
}

// CompletedMessage describes a finished download.
func CompletedMessage(rec content.Record) string {
	return fmt.Sprintf("Download completed: %s (%s)", title(rec), humanize.Bytes(uint64(rec.DownloadedBytes)))
}

// FailedMessage describes a download that gave up.
func FailedMessage(rec content.Record) string {
	return fmt.Sprintf("Download failed: %s after %d attempts: %s", title(rec), rec.Attempts, rec.LastError)
}

// EvictedMessage describes content removed to free space.
func EvictedMessage(rec content.Record) string {
	return fmt.Sprintf("Evicted to free space: %s (%s)", title(rec), humanize.Bytes(uint64(rec.DownloadedBytes)))
}

// Forward relays cache events to n until ctx is done. A nil channel is never read.
func Forward(ctx context.Context, n Notifier, completed, failed, evicted <-chan content.Record) {
	logger := logctx.LoggerFromContext(ctx)

	send := func(rec content.Record, message string) {
		if err := n.Notify(ctx, message); err != nil {
			logger.Error("failed to send notification", "content_id", rec.ID, "err", err)
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case rec := <-completed:
			send(rec, CompletedMessage(rec))
		case rec := <-failed:
			send(rec, FailedMessage(rec))
		case rec := <-evicted:
			send(rec, EvictedMessage(rec))
		}
	}
}

func title(rec content.Record) string {
	if rec.Metadata.Title != "" {
		return rec.Metadata.Title
	}

	return rec.ID
}
