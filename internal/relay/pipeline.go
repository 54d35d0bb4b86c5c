package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/peihexian/rtsp2flv/internal/media"
)

// Pipeline copies compressed packets from an input URL to an output URL,
// track for track, without decoding. A Pipeline holds no per-run state
// and is safe for concurrent Run calls.
type Pipeline struct {
	opener media.Opener
	format string
	log    *slog.Logger
}

// NewPipeline returns a Pipeline that writes the given container format
// (e.g. "flv") through opener.
func NewPipeline(opener media.Opener, format string, log *slog.Logger) *Pipeline {
	return &Pipeline{opener: opener, format: format, log: log}
}

// Run relays inputURL to outputURL until the input ends, ctx is
// cancelled, or an unrecoverable error occurs. Cancellation is polled
// once per packet and ends the run cleanly (nil). Run never retries;
// restart policy belongs to the supervisor.
func (p *Pipeline) Run(ctx context.Context, inputURL, outputURL string) error {
	in, err := p.opener.OpenInput(inputURL)
	if err != nil {
		return fmt.Errorf("open input %q: %w", inputURL, err)
	}
	defer in.Close()

	out, err := p.opener.OpenOutput(outputURL, p.format)
	if err != nil {
		return fmt.Errorf("open output %q: %w", outputURL, err)
	}
	defer out.Close()

	// Project audio and video tracks onto the output; everything else is
	// dropped. mapping[inputIndex] holds the output index, or -1.
	tracks := in.Tracks()
	mapping := make([]int, len(tracks))
	for i, t := range tracks {
		if t.Kind() != media.TrackVideo && t.Kind() != media.TrackAudio {
			mapping[i] = -1
			continue
		}
		ot, err := out.AddTrack(t)
		if err != nil {
			return fmt.Errorf("map track %d: %w", i, err)
		}
		mapping[i] = ot.Index()
	}

	if err := out.WriteHeader(); err != nil {
		return fmt.Errorf("write header: %w", err)
	}

	p.log.Info("relay started",
		slog.String("input", inputURL),
		slog.String("output", outputURL))

	clocks := make([]trackClock, out.TrackCount())
	for i := range clocks {
		clocks[i] = newTrackClock()
	}

	for {
		pkt, err := in.ReadPacket()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("read packet: %w", err)
		}

		// Cancellation is polled once per packet; the packet in hand is
		// discarded when stopping.
		if ctx.Err() != nil {
			p.log.Info("relay stop requested", slog.String("input", inputURL))
			break
		}

		inIndex := pkt.StreamIndex()
		if inIndex >= len(mapping) {
			// Tracks appearing mid-stream were never projected.
			continue
		}
		outIndex := mapping[inIndex]
		if outIndex < 0 {
			continue
		}

		pkt.Rescale(tracks[inIndex].TimeBase(), out.Track(outIndex).TimeBase())
		pkt.SetStreamIndex(outIndex)

		dts, pts := clocks[outIndex].repair(pkt.DTS(), pkt.PTS())
		pkt.SetDTS(dts)
		pkt.SetPTS(pts)

		if err := out.WritePacket(pkt); err != nil {
			return fmt.Errorf("write packet: %w", err)
		}
	}

	if err := out.WriteTrailer(); err != nil {
		return fmt.Errorf("write trailer: %w", err)
	}

	p.log.Info("relay finished", slog.String("input", inputURL))
	return nil
}
