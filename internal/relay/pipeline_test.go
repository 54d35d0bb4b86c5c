package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"testing"

	"github.com/peihexian/rtsp2flv/internal/media"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakeTrack struct {
	index int
	kind  media.TrackKind
	tb    media.TimeBase
}

func (t *fakeTrack) Index() int               { return t.index }
func (t *fakeTrack) Kind() media.TrackKind    { return t.kind }
func (t *fakeTrack) TimeBase() media.TimeBase { return t.tb }

type fakePacket struct {
	stream int
	dts    int64
	pts    int64
}

func (p *fakePacket) StreamIndex() int     { return p.stream }
func (p *fakePacket) SetStreamIndex(i int) { p.stream = i }
func (p *fakePacket) DTS() int64           { return p.dts }
func (p *fakePacket) SetDTS(v int64)       { p.dts = v }
func (p *fakePacket) PTS() int64           { return p.pts }
func (p *fakePacket) SetPTS(v int64)       { p.pts = v }

func (p *fakePacket) Rescale(from, to media.TimeBase) {
	if from == to {
		return
	}
	scale := func(v int64) int64 {
		if v == media.NoTimestamp {
			return v
		}
		return v * int64(from.Num) * int64(to.Den) / (int64(from.Den) * int64(to.Num))
	}
	p.dts = scale(p.dts)
	p.pts = scale(p.pts)
}

type fakeInput struct {
	tracks  []media.Track
	packets []*fakePacket
	pos     int
	onRead  func(n int) // called on the n-th read, 1-based
	closed  bool
}

func (in *fakeInput) Tracks() []media.Track { return in.tracks }

func (in *fakeInput) ReadPacket() (media.Packet, error) {
	if in.pos >= len(in.packets) {
		return nil, io.EOF
	}
	in.pos++
	if in.onRead != nil {
		in.onRead(in.pos)
	}
	return in.packets[in.pos-1], nil
}

func (in *fakeInput) Close() error {
	in.closed = true
	return nil
}

type writtenPacket struct {
	stream int
	dts    int64
	pts    int64
}

type fakeOutput struct {
	tb          media.TimeBase // time base the muxer assigns to its tracks
	tracks      []media.Track
	written     []writtenPacket
	headerDone  bool
	trailerDone bool
	closed      bool
	headerErr   error
	writeErr    error
}

func (out *fakeOutput) AddTrack(src media.Track) (media.Track, error) {
	t := &fakeTrack{index: len(out.tracks), kind: src.Kind(), tb: out.tb}
	out.tracks = append(out.tracks, t)
	return t, nil
}

func (out *fakeOutput) WriteHeader() error {
	if out.headerErr != nil {
		return out.headerErr
	}
	out.headerDone = true
	return nil
}

func (out *fakeOutput) Track(i int) media.Track { return out.tracks[i] }
func (out *fakeOutput) TrackCount() int         { return len(out.tracks) }

func (out *fakeOutput) WritePacket(p media.Packet) error {
	if out.writeErr != nil {
		return out.writeErr
	}
	out.written = append(out.written, writtenPacket{stream: p.StreamIndex(), dts: p.DTS(), pts: p.PTS()})
	return nil
}

func (out *fakeOutput) WriteTrailer() error {
	out.trailerDone = true
	return nil
}

func (out *fakeOutput) Close() error {
	out.closed = true
	return nil
}

type fakeOpener struct {
	input      *fakeInput
	output     *fakeOutput
	inputErr   error
	outputErr  error
	lastFormat string
}

func (o *fakeOpener) OpenInput(url string) (media.Input, error) {
	if o.inputErr != nil {
		return nil, o.inputErr
	}
	return o.input, nil
}

func (o *fakeOpener) OpenOutput(url, format string) (media.Output, error) {
	o.lastFormat = format
	if o.outputErr != nil {
		return nil, o.outputErr
	}
	return o.output, nil
}

const msTimeBase = 1000 // FLV-style millisecond time base denominator

func newFakeOpener(in *fakeInput) *fakeOpener {
	return &fakeOpener{input: in, output: &fakeOutput{tb: media.TimeBase{Num: 1, Den: msTimeBase}}}
}

func TestPipeline_Run_projects_audio_video_only(t *testing.T) {
	in := &fakeInput{
		tracks: []media.Track{
			&fakeTrack{index: 0, kind: media.TrackVideo, tb: media.TimeBase{Num: 1, Den: 90000}},
			&fakeTrack{index: 1, kind: media.TrackData, tb: media.TimeBase{Num: 1, Den: 90000}},
			&fakeTrack{index: 2, kind: media.TrackAudio, tb: media.TimeBase{Num: 1, Den: 48000}},
		},
		packets: []*fakePacket{
			{stream: 0, dts: 90000, pts: 90000},
			{stream: 1, dts: 5, pts: 5},
			{stream: 2, dts: 48000, pts: 48000},
			{stream: 7, dts: 1, pts: 1}, // track appearing mid-stream
		},
	}
	o := newFakeOpener(in)
	p := NewPipeline(o, "flv", newTestLogger())

	if err := p.Run(context.Background(), "rtsp://cam/1", "rtmp://relay/live/cam1"); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if got := len(o.output.tracks); got != 2 {
		t.Fatalf("output tracks = %d, want 2 (video+audio)", got)
	}
	if o.output.tracks[0].Kind() != media.TrackVideo || o.output.tracks[1].Kind() != media.TrackAudio {
		t.Errorf("output track kinds = %v, %v", o.output.tracks[0].Kind(), o.output.tracks[1].Kind())
	}

	// Data-track and unknown-track packets never reach the output; the
	// relayed packets land on remapped indices with rescaled timestamps.
	want := []writtenPacket{
		{stream: 0, dts: 1000, pts: 1000},
		{stream: 1, dts: 1000, pts: 1000},
	}
	if len(o.output.written) != len(want) {
		t.Fatalf("written %d packets, want %d: %v", len(o.output.written), len(want), o.output.written)
	}
	for i, w := range want {
		if o.output.written[i] != w {
			t.Errorf("packet %d = %+v, want %+v", i, o.output.written[i], w)
		}
	}

	if !o.output.headerDone || !o.output.trailerDone {
		t.Errorf("header/trailer = %v/%v, want true/true", o.output.headerDone, o.output.trailerDone)
	}
	if !in.closed || !o.output.closed {
		t.Errorf("closed input/output = %v/%v, want true/true", in.closed, o.output.closed)
	}
	if o.lastFormat != "flv" {
		t.Errorf("output format = %q, want flv", o.lastFormat)
	}
}

func TestPipeline_Run_repairs_timestamps_per_track(t *testing.T) {
	tb := media.TimeBase{Num: 1, Den: msTimeBase}
	in := &fakeInput{
		tracks: []media.Track{
			&fakeTrack{index: 0, kind: media.TrackVideo, tb: tb},
			&fakeTrack{index: 1, kind: media.TrackAudio, tb: tb},
		},
		packets: []*fakePacket{
			{stream: 0, dts: 5, pts: 5},
			{stream: 1, dts: 7, pts: 7},
			{stream: 0, dts: 5, pts: 5}, // duplicate on video
			{stream: 1, dts: 7, pts: 7}, // duplicate on audio
			{stream: 0, dts: media.NoTimestamp, pts: media.NoTimestamp},
		},
	}
	o := newFakeOpener(in)
	p := NewPipeline(o, "flv", newTestLogger())

	if err := p.Run(context.Background(), "in", "out"); err != nil {
		t.Fatalf("Run: %v", err)
	}

	// Each output track keeps its own watermark.
	want := []writtenPacket{
		{stream: 0, dts: 5, pts: 5},
		{stream: 1, dts: 7, pts: 7},
		{stream: 0, dts: 6, pts: 6},
		{stream: 1, dts: 8, pts: 8},
		{stream: 0, dts: 7, pts: 7},
	}
	if len(o.output.written) != len(want) {
		t.Fatalf("written %d packets, want %d", len(o.output.written), len(want))
	}
	for i, w := range want {
		if o.output.written[i] != w {
			t.Errorf("packet %d = %+v, want %+v", i, o.output.written[i], w)
		}
	}
}

func TestPipeline_Run_cancelled_mid_stream(t *testing.T) {
	tb := media.TimeBase{Num: 1, Den: msTimeBase}
	var packets []*fakePacket
	for i := 0; i < 10; i++ {
		packets = append(packets, &fakePacket{stream: 0, dts: int64(i), pts: int64(i)})
	}

	ctx, cancel := context.WithCancel(context.Background())
	in := &fakeInput{
		tracks:  []media.Track{&fakeTrack{index: 0, kind: media.TrackVideo, tb: tb}},
		packets: packets,
		onRead: func(n int) {
			if n == 4 {
				cancel()
			}
		},
	}
	o := newFakeOpener(in)
	p := NewPipeline(o, "flv", newTestLogger())

	if err := p.Run(ctx, "in", "out"); err != nil {
		t.Fatalf("cancelled Run should be clean, got %v", err)
	}

	// The packet read together with the cancellation is discarded.
	if got := len(o.output.written); got != 3 {
		t.Errorf("written %d packets before stop, want 3", got)
	}
	if !o.output.trailerDone {
		t.Error("trailer should be written on cancellation")
	}
	if !in.closed || !o.output.closed {
		t.Error("input and output should be closed after cancellation")
	}
}

func TestPipeline_Run_open_input_error(t *testing.T) {
	o := &fakeOpener{inputErr: fmt.Errorf("%w: connection refused", media.ErrConnect)}
	p := NewPipeline(o, "flv", newTestLogger())

	err := p.Run(context.Background(), "rtsp://down/1", "out")
	if !errors.Is(err, media.ErrConnect) {
		t.Errorf("expected ErrConnect, got %v", err)
	}
}

func TestPipeline_Run_open_output_error_closes_input(t *testing.T) {
	in := &fakeInput{}
	o := &fakeOpener{input: in, outputErr: fmt.Errorf("%w: no route", media.ErrConnect)}
	p := NewPipeline(o, "flv", newTestLogger())

	err := p.Run(context.Background(), "in", "rtmp://down/live/x")
	if !errors.Is(err, media.ErrConnect) {
		t.Errorf("expected ErrConnect, got %v", err)
	}
	if !in.closed {
		t.Error("input should be closed when output open fails")
	}
}

func TestPipeline_Run_write_header_error(t *testing.T) {
	tb := media.TimeBase{Num: 1, Den: msTimeBase}
	in := &fakeInput{
		tracks:  []media.Track{&fakeTrack{index: 0, kind: media.TrackVideo, tb: tb}},
		packets: []*fakePacket{{stream: 0, dts: 1, pts: 1}},
	}
	o := newFakeOpener(in)
	o.output.headerErr = fmt.Errorf("%w: codec not supported by flv", media.ErrFormat)
	p := NewPipeline(o, "flv", newTestLogger())

	err := p.Run(context.Background(), "in", "out")
	if !errors.Is(err, media.ErrFormat) {
		t.Errorf("expected ErrFormat, got %v", err)
	}
	if len(o.output.written) != 0 {
		t.Error("no packets should be written after header failure")
	}
}

func TestPipeline_Run_write_packet_error(t *testing.T) {
	tb := media.TimeBase{Num: 1, Den: msTimeBase}
	in := &fakeInput{
		tracks:  []media.Track{&fakeTrack{index: 0, kind: media.TrackVideo, tb: tb}},
		packets: []*fakePacket{{stream: 0, dts: 1, pts: 1}},
	}
	o := newFakeOpener(in)
	o.output.writeErr = errors.New("broken pipe")
	p := NewPipeline(o, "flv", newTestLogger())

	err := p.Run(context.Background(), "in", "out")
	if err == nil {
		t.Fatal("expected error from failed write")
	}
	if o.output.trailerDone {
		t.Error("trailer should not be written after a failed packet write")
	}
	if !in.closed || !o.output.closed {
		t.Error("input and output should be closed after a failed write")
	}
}
