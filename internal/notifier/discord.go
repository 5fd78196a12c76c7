package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/italolelis/musichub_downloader/internal/downloader"
	"github.com/italolelis/musichub_downloader/internal/logctx"
)

type Notifier interface {
	Notify(ctx context.Context, content string) error
}

type DiscordNotifier struct {
	WebhookURL string
	Client     *http.Client
}

func (d *DiscordNotifier) Notify(ctx context.Context, content string) error {
	if d.WebhookURL == "" {
		return fmt.Errorf("webhook URL is not set")
	}

	payload := map[string]string{"content": content}

	body, err := json.Marshal(payload)
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

// Message is the notification text of a feed item.
func Message(item downloader.FeedItem) string {
	switch {
	case item.Item != nil:
		return fmt.Sprintf("Download finished: %s %s", item.Item.Kind, item.Item.Title)
	case item.Track != nil:
		if artists := item.Track.ArtistNames(); artists != "" {
			return fmt.Sprintf("Download finished: %s - %s", artists, item.Track.Title)
		}

		return "Download finished: " + item.Track.Title
	default:
		return fmt.Sprintf("Download finished: %d", item.DownloadID)
	}
}

// Forward notifies n of every item received on feed until ctx is done or
// feed is closed. Notification failures are logged and skipped.
func Forward(ctx context.Context, feed <-chan downloader.FeedItem, n Notifier) {
	logger := logctx.LoggerFromContext(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case item, ok := <-feed:
			if !ok {
				return
			}

			if err := n.Notify(ctx, Message(item)); err != nil {
				logger.ErrorContext(ctx, "failed to send notification", "download_id", item.DownloadID, "err", err)
			}
		}
	}
}
