package srs

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestClient_ResolvePlaybackURL_notifies_origin(t *testing.T) {
	var got streamNotification
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("expected application/json content type, got %q", ct)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode notification: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(srv.URL, "https://cdn.example.com/live/{stream_name}.m3u8", newTestLogger())
	url := c.ResolvePlaybackURL(context.Background(), "Front Door", "rtsp://camera/stream")

	if calls != 1 {
		t.Fatalf("expected one notification, got %d", calls)
	}
	if got.StreamName != "front_door" {
		t.Errorf("unexpected stream_name: got %q", got.StreamName)
	}
	if got.URL != "rtsp://camera/stream" {
		t.Errorf("unexpected url: got %q", got.URL)
	}
	if url != "https://cdn.example.com/live/front_door.m3u8" {
		t.Errorf("unexpected playback url: got %q", url)
	}
}

func TestClient_ResolvePlaybackURL_skips_local_origin(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
	}))
	defer srv.Close()

	// Same listener, addressed by name so the client treats it as local.
	apiURL := strings.Replace(srv.URL, "127.0.0.1", "localhost", 1)
	c := New(apiURL, "https://cdn.example.com/live/{stream_name}.m3u8", newTestLogger())
	url := c.ResolvePlaybackURL(context.Background(), "cam", "rtsp://camera/stream")

	if calls != 0 {
		t.Fatalf("local origin should not be notified, got %d calls", calls)
	}
	if url != "https://cdn.example.com/live/cam.m3u8" {
		t.Errorf("unexpected playback url: got %q", url)
	}
}

func TestClient_ResolvePlaybackURL_survives_origin_error(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := New(srv.URL, "https://cdn.example.com/live/{stream_name}.m3u8", newTestLogger())
	url := c.ResolvePlaybackURL(context.Background(), "cam", "rtsp://camera/stream")

	if url != "https://cdn.example.com/live/cam.m3u8" {
		t.Errorf("unexpected playback url: got %q", url)
	}
}

func TestClient_ResolvePlaybackURL_survives_unreachable_origin(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	c := New(srv.URL, "https://cdn.example.com/live/{stream_name}.m3u8", newTestLogger())
	url := c.ResolvePlaybackURL(context.Background(), "cam", "rtsp://camera/stream")

	if url != "https://cdn.example.com/live/cam.m3u8" {
		t.Errorf("unexpected playback url: got %q", url)
	}
}

func TestSafeStreamName(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"lowercases", "CamOne", "camone"},
		{"spaces_to_underscores", "Front Door", "front_door"},
		{"mixed", "Back Yard East", "back_yard_east"},
		{"already_safe", "garage", "garage"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := SafeStreamName(tc.in); got != tc.want {
				t.Errorf("SafeStreamName(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}
