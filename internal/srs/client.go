// Package srs announces relay publications to an SRS media origin and
// resolves the public playback URL for a stream.
package srs

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

const requestTimeout = 5 * time.Second

// Client talks to the SRS HTTP API. All calls are best effort: the relay
// keeps publishing even when the origin cannot be reached, so request
// failures are logged and swallowed rather than returned.
type Client struct {
	httpClient       *http.Client
	apiURL           string
	playbackTemplate string
	log              *slog.Logger
}

// New returns a Client for the SRS API at apiURL. playbackTemplate is the
// public playback URL with a {stream_name} placeholder.
func New(apiURL, playbackTemplate string, log *slog.Logger) *Client {
	return &Client{
		httpClient:       &http.Client{Timeout: requestTimeout},
		apiURL:           apiURL,
		playbackTemplate: playbackTemplate,
		log:              log,
	}
}

// streamNotification is the publication payload sent to the SRS API.
type streamNotification struct {
	URL        string `json:"url"`
	StreamName string `json:"stream_name"`
}

// ResolvePlaybackURL announces the named stream to the origin and returns
// its public playback URL. When the API URL points at localhost the
// announcement is skipped; a local SRS picks up the RTMP publish on its
// own.
func (c *Client) ResolvePlaybackURL(ctx context.Context, name, inputURL string) string {
	safe := SafeStreamName(name)

	if strings.Contains(c.apiURL, "localhost") {
		c.log.Debug("skipping origin notification for local deployment", slog.String("stream", safe))
	} else if err := c.notify(ctx, safe, inputURL); err != nil {
		c.log.Error("origin notification failed",
			slog.String("stream", safe),
			slog.String("error", err.Error()))
	}

	return strings.ReplaceAll(c.playbackTemplate, "{stream_name}", safe)
}

func (c *Client) notify(ctx context.Context, safeName, inputURL string) error {
	body, err := json.Marshal(streamNotification{URL: inputURL, StreamName: safeName})
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("post %s: %w", c.apiURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("post %s: unexpected status %d", c.apiURL, resp.StatusCode)
	}

	c.log.Info("stream announced to origin", slog.String("stream", safeName))
	return nil
}

// SafeStreamName normalizes a display name into an identifier usable in
// stream URLs: spaces become underscores and letters are lowercased.
func SafeStreamName(name string) string {
	return strings.ToLower(strings.ReplaceAll(name, " ", "_"))
}
