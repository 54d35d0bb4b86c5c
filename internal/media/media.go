// Package media abstracts the container operations the relay needs:
// open an input or output, enumerate tracks, read and write packets,
// write the container header and trailer. Implementations can be backed
// by libav or by in-memory fakes for tests; callers never touch codec or
// container internals directly.
package media

import (
	"errors"
	"math"
)

// TrackKind classifies an elementary stream inside a container.
type TrackKind int

const (
	// TrackVideo and TrackAudio are the only kinds the relay forwards.
	TrackVideo TrackKind = iota
	TrackAudio
	// TrackData covers everything else (subtitles, metadata, ...).
	TrackData
)

// NoTimestamp marks an absent DTS or PTS on a packet. The value equals
// libav's AV_NOPTS_VALUE so adapters can pass timestamps through unchanged.
const NoTimestamp int64 = math.MinInt64

var (
	// ErrConnect is wrapped into errors from failed input or output opens.
	ErrConnect = errors.New("cannot open stream endpoint")

	// ErrFormat is wrapped into errors caused by unsupported or
	// incompatible container formats or codec parameters.
	ErrFormat = errors.New("unsupported stream format")
)

// TimeBase is the rational unit of a track's timestamps (Num/Den seconds).
type TimeBase struct {
	Num int
	Den int
}

// Track is a live view of one elementary stream of an opened container.
// For output tracks the time base is authoritative only after WriteHeader,
// since the muxer may override whatever was requested.
type Track interface {
	Index() int
	Kind() TrackKind
	TimeBase() TimeBase
}

// Packet is one unit of compressed media data in flight between an input
// and an output. DTS and PTS are in the time base of whichever track the
// packet was last rescaled against; NoTimestamp marks an absent value.
type Packet interface {
	StreamIndex() int
	SetStreamIndex(int)
	DTS() int64
	SetDTS(int64)
	PTS() int64
	SetPTS(int64)
	// Rescale converts the packet's timestamps from one time base to
	// another. Absent values stay absent.
	Rescale(from, to TimeBase)
}

// Input is an opened demuxer. Reads block until a packet arrives, the
// source ends, or the transport gives up.
type Input interface {
	// Tracks lists the elementary streams found in the input.
	Tracks() []Track

	// ReadPacket returns the next packet, or io.EOF at clean end of
	// input. The returned packet is only valid until the next call.
	ReadPacket() (Packet, error)

	Close() error
}

// Output is an opened muxer. Tracks are added before WriteHeader; packets
// are written in interleaved order between WriteHeader and WriteTrailer.
type Output interface {
	// AddTrack creates an output track copying the source track's codec
	// parameters verbatim. src must come from an Input opened by the
	// same Opener.
	AddTrack(src Track) (Track, error)

	WriteHeader() error
	Track(i int) Track
	TrackCount() int
	WritePacket(p Packet) error
	WriteTrailer() error
	Close() error
}

// Opener opens container endpoints by URL.
type Opener interface {
	OpenInput(url string) (Input, error)
	OpenOutput(url, format string) (Output, error)
}
