// Package ffmpeg implements the media interfaces on top of libav via
// go-astiav. This is the only package that touches container internals;
// everything above it speaks media.Input/media.Output.
package ffmpeg

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/asticode/go-astiav"

	"github.com/peihexian/rtsp2flv/internal/media"
)

// RTSP inputs are forced onto TCP with a bounded socket timeout; the UDP
// default blocks forever on a degraded network. Timeout is in microseconds.
const rtspSocketTimeout = "5000000"

var quietLibav sync.Once

// Opener opens inputs and outputs through libav.
type Opener struct{}

// NewOpener returns a libav-backed media.Opener. libav's own stderr
// logging is clamped to errors once per process.
func NewOpener() *Opener {
	quietLibav.Do(func() {
		astiav.SetLogLevel(astiav.LogLevelError)
	})
	return &Opener{}
}

// OpenInput opens and probes the source at url.
func (o *Opener) OpenInput(url string) (media.Input, error) {
	fc := astiav.AllocFormatContext()
	if fc == nil {
		return nil, errors.New("allocate input format context")
	}

	var opts *astiav.Dictionary
	if isRTSP(url) {
		opts = astiav.NewDictionary()
		defer opts.Free()
		opts.Set("rtsp_transport", "tcp", 0)
		opts.Set("stimeout", rtspSocketTimeout, 0)
	}

	if err := fc.OpenInput(url, nil, opts); err != nil {
		fc.Free()
		return nil, fmt.Errorf("%w: %v", media.ErrConnect, err)
	}

	if err := fc.FindStreamInfo(nil); err != nil {
		fc.CloseInput()
		fc.Free()
		return nil, fmt.Errorf("%w: %v", media.ErrFormat, err)
	}

	in := &input{fc: fc, pkt: astiav.AllocPacket()}
	for _, s := range fc.Streams() {
		in.tracks = append(in.tracks, &track{s: s})
	}
	return in, nil
}

// OpenOutput opens a muxer for the given container format at url.
func (o *Opener) OpenOutput(url, format string) (media.Output, error) {
	fc, err := astiav.AllocOutputFormatContext(nil, format, url)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", media.ErrFormat, err)
	}

	out := &output{fc: fc}
	if !fc.OutputFormat().Flags().Has(astiav.IOFormatFlagNofile) {
		ioCtx, err := astiav.OpenIOContext(url, astiav.NewIOContextFlags(astiav.IOContextFlagWrite), nil, nil)
		if err != nil {
			fc.Free()
			return nil, fmt.Errorf("%w: %v", media.ErrConnect, err)
		}
		fc.SetPb(ioCtx)
		out.ioCtx = ioCtx
	}
	return out, nil
}

func isRTSP(url string) bool {
	return strings.HasPrefix(strings.ToLower(url), "rtsp://")
}

type input struct {
	fc     *astiav.FormatContext
	tracks []media.Track
	pkt    *astiav.Packet
}

func (in *input) Tracks() []media.Track { return in.tracks }

// ReadPacket reuses a single underlying packet; the previous one is
// released on each call.
func (in *input) ReadPacket() (media.Packet, error) {
	in.pkt.Unref()
	if err := in.fc.ReadFrame(in.pkt); err != nil {
		if errors.Is(err, astiav.ErrEof) {
			return nil, io.EOF
		}
		return nil, err
	}
	return &packet{p: in.pkt}, nil
}

func (in *input) Close() error {
	in.pkt.Free()
	in.fc.CloseInput()
	in.fc.Free()
	return nil
}

type output struct {
	fc     *astiav.FormatContext
	ioCtx  *astiav.IOContext
	tracks []media.Track
}

func (out *output) AddTrack(src media.Track) (media.Track, error) {
	st, ok := src.(*track)
	if !ok {
		return nil, errors.New("source track does not come from a libav input")
	}

	os := out.fc.NewStream(nil)
	if os == nil {
		return nil, errors.New("allocate output stream")
	}
	if err := st.s.CodecParameters().Copy(os.CodecParameters()); err != nil {
		return nil, fmt.Errorf("%w: copy codec parameters: %v", media.ErrFormat, err)
	}
	os.CodecParameters().SetCodecTag(0)

	t := &track{s: os}
	out.tracks = append(out.tracks, t)
	return t, nil
}

func (out *output) WriteHeader() error {
	if err := out.fc.WriteHeader(nil); err != nil {
		return fmt.Errorf("%w: %v", media.ErrFormat, err)
	}
	return nil
}

func (out *output) Track(i int) media.Track { return out.tracks[i] }

func (out *output) TrackCount() int { return len(out.tracks) }

func (out *output) WritePacket(p media.Packet) error {
	pw, ok := p.(*packet)
	if !ok {
		return errors.New("packet does not come from a libav input")
	}
	// Byte positions from the input container are meaningless downstream.
	pw.p.SetPos(-1)
	return out.fc.WriteInterleavedFrame(pw.p)
}

func (out *output) WriteTrailer() error {
	return out.fc.WriteTrailer()
}

func (out *output) Close() error {
	var err error
	if out.ioCtx != nil {
		err = out.ioCtx.Close()
	}
	out.fc.Free()
	return err
}

type track struct {
	s *astiav.Stream
}

func (t *track) Index() int { return t.s.Index() }

func (t *track) Kind() media.TrackKind {
	switch t.s.CodecParameters().MediaType() {
	case astiav.MediaTypeVideo:
		return media.TrackVideo
	case astiav.MediaTypeAudio:
		return media.TrackAudio
	default:
		return media.TrackData
	}
}

func (t *track) TimeBase() media.TimeBase {
	tb := t.s.TimeBase()
	return media.TimeBase{Num: tb.Num(), Den: tb.Den()}
}

type packet struct {
	p *astiav.Packet
}

func (p *packet) StreamIndex() int     { return p.p.StreamIndex() }
func (p *packet) SetStreamIndex(i int) { p.p.SetStreamIndex(i) }

func (p *packet) DTS() int64 {
	if v := p.p.Dts(); v != astiav.NoPtsValue {
		return v
	}
	return media.NoTimestamp
}

func (p *packet) SetDTS(v int64) {
	if v == media.NoTimestamp {
		p.p.SetDts(astiav.NoPtsValue)
		return
	}
	p.p.SetDts(v)
}

func (p *packet) PTS() int64 {
	if v := p.p.Pts(); v != astiav.NoPtsValue {
		return v
	}
	return media.NoTimestamp
}

func (p *packet) SetPTS(v int64) {
	if v == media.NoTimestamp {
		p.p.SetPts(astiav.NoPtsValue)
		return
	}
	p.p.SetPts(v)
}

func (p *packet) Rescale(from, to media.TimeBase) {
	p.p.RescaleTs(astiav.NewRational(from.Num, from.Den), astiav.NewRational(to.Num, to.Den))
}
