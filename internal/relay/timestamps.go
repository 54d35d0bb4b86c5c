package relay

import "github.com/peihexian/rtsp2flv/internal/media"

// trackClock holds the repaired-timestamp watermark for one output track
// within a single pipeline run. FLV players require strictly increasing
// decode timestamps per track; jittery sources routinely deliver missing,
// duplicate, or regressed values, so every packet is normalized against
// the watermark before it reaches the muxer.
type trackClock struct {
	lastDTS int64
	lastPTS int64
}

func newTrackClock() trackClock {
	return trackClock{lastDTS: media.NoTimestamp, lastPTS: media.NoTimestamp}
}

// repair returns the corrected (dts, pts) for the next packet on this
// track and advances the watermark. media.NoTimestamp marks an absent
// input value. Guarantees on the returned pair: dts is strictly greater
// than every dts previously returned by this clock, and pts >= dts.
func (c *trackClock) repair(dts, pts int64) (int64, int64) {
	if dts == media.NoTimestamp {
		if c.lastDTS == media.NoTimestamp {
			dts = 0
		} else {
			dts = c.lastDTS + 1
		}
	}

	if pts == media.NoTimestamp {
		pts = dts
	}
	if pts < dts {
		pts = dts
	}

	if c.lastDTS != media.NoTimestamp && dts <= c.lastDTS {
		dts = c.lastDTS + 1
		if pts < dts {
			pts = dts
		}
	}

	c.lastDTS = dts
	c.lastPTS = pts
	return dts, pts
}
