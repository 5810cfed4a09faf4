// Package notify posts plain-text messages to an ntfy-style endpoint when a
// recording finishes.
package notify

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/dgnsrekt/tab_relay/internal/protocol"
)

// Notifier posts recording outcomes to a fixed endpoint. A nil Notifier
// discards them.
type Notifier struct {
	endpoint string
	client   *http.Client
}

// New returns a Notifier for endpoint, or nil when endpoint is empty.
func New(endpoint string, client *http.Client) *Notifier {
	if endpoint == "" {
		return nil
	}
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &Notifier{endpoint: endpoint, client: client}
}

// Recording posts the outcome of a recording on tabID.
func (n *Notifier) Recording(ctx context.Context, tabID int, res protocol.StopRecordingResult) error {
	if n == nil {
		return nil
	}
	return Send(ctx, n.client, n.endpoint, RecordingMessage(tabID, res))
}

// RecordingMessage renders a one-line summary of a recording outcome.
func RecordingMessage(tabID int, res protocol.StopRecordingResult) string {
	if !res.Success {
		return fmt.Sprintf("Recording of tab %d failed: %s", tabID, res.Error)
	}
	return fmt.Sprintf("Recording of tab %d saved to %s (%d bytes, %s).",
		tabID, res.Path, res.Size, time.Duration(res.Duration)*time.Millisecond)
}

// Send posts message to endpoint.
func Send(ctx context.Context, client *http.Client, endpoint, message string) error {
	if endpoint == "" {
		return errors.New("notify: missing endpoint")
	}
	c := client
	if c == nil {
		c = http.DefaultClient
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(message))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "text/plain")

	resp, err := c.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("ntfy notification failed: status=%d", resp.StatusCode)
	}
	return nil
}
