//go:build linux

package call

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
)

// Engine captures local camera/mic via pion/mediadevices (V4L2 + malgo on
// Linux), encoding VP8 + Opus.
type Engine struct {
	selector *mediadevices.CodecSelector
}

// NewEngine builds the VP8+Opus codec selector used for both capture and
// peer-connection registration.
func NewEngine() (*Engine, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, fmt.Errorf("vp8 params: %w", err)
	}
	vpxParams.BitRate = 1_500_000 // 1.5 Mbps

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, fmt.Errorf("opus params: %w", err)
	}

	return &Engine{
		selector: mediadevices.NewCodecSelector(
			mediadevices.WithVideoEncoders(&vpxParams),
			mediadevices.WithAudioEncoders(&opusParams),
		),
	}, nil
}

// ConfigureMedia registers the engine's codecs on a Pion media engine so the
// peer connection negotiates exactly what the capture pipeline encodes.
func (e *Engine) ConfigureMedia(me *webrtc.MediaEngine) error {
	e.selector.Populate(me)
	return nil
}

// Capture opens the local camera and microphone.
//
// GetUserMedia fails as a unit if either track (video OR audio) can't be
// opened. Try video+audio first, then video-only, then audio-only so a
// missing/busy microphone doesn't prevent the camera from working and vice
// versa. All attempts failing is a permission-style error.
func (e *Engine) Capture(_ context.Context) ([]Track, error) {
	devices := mediadevices.EnumerateDevices()
	if len(devices) == 0 {
		log.Printf("CALL: no media devices found by pion/mediadevices")
	}
	for _, d := range devices {
		log.Printf("CALL: media device — kind=%v label=%q", d.Kind, d.Label)
	}

	type attempt struct {
		video bool
		audio bool
		label string
	}
	var lastErr error
	for _, a := range []attempt{
		{true, true, "video+audio"},
		{true, false, "video-only"},
		{false, true, "audio-only"},
	} {
		constraints := mediadevices.MediaStreamConstraints{Codec: e.selector}
		if a.video {
			constraints.Video = func(c *mediadevices.MediaTrackConstraints) {
				// Exclude MJPEG — some cameras expose an MJPEG V4L2 node
				// that produces malformed JPEG frames, which poisons the
				// VP8 encoder. Raw formats only.
				c.FrameFormat = prop.FrameFormatOneOf{
					frame.FormatYUYV,
					frame.FormatI420,
					frame.FormatI444,
					frame.FormatRGBA,
				}
				// Cap at 640×480 to keep VP8 encoding latency down.
				c.Width = prop.IntRanged{Max: 640}
				c.Height = prop.IntRanged{Max: 480}
			}
		}
		if a.audio {
			constraints.Audio = func(_ *mediadevices.MediaTrackConstraints) {}
		}

		stream, err := mediadevices.GetUserMedia(constraints)
		if err != nil {
			log.Printf("CALL: GetUserMedia (%s) failed: %v", a.label, err)
			lastErr = err
			continue
		}

		var tracks []Track
		for _, mt := range stream.GetTracks() {
			mt.OnEnded(func(err error) {
				if err != nil {
					log.Printf("CALL: local track ended: %v", err)
				}
			})
			tracks = append(tracks, newDeviceTrack(mt))
		}
		log.Printf("CALL: local media captured (%s) — %d tracks", a.label, len(tracks))
		return tracks, nil
	}

	if lastErr == nil {
		lastErr = fmt.Errorf("no media devices available")
	}
	return nil, fmt.Errorf("all capture attempts failed: %w", lastErr)
}

// deviceTrack wraps a mediadevices track as a controller Track.
type deviceTrack struct {
	t    mediadevices.Track
	kind TrackKind

	mu      sync.Mutex
	enabled bool
}

func newDeviceTrack(t mediadevices.Track) *deviceTrack {
	kind := TrackAudio
	if t.Kind() == webrtc.RTPCodecTypeVideo {
		kind = TrackVideo
	}
	return &deviceTrack{t: t, kind: kind, enabled: true}
}

func (d *deviceTrack) Kind() TrackKind { return d.kind }

func (d *deviceTrack) Enabled() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.enabled
}

// SetEnabled records the requested mute state. pion/mediadevices has no
// per-track enable switch, so the flag drives the UI and status surface;
// the device stays held until Close.
func (d *deviceTrack) SetEnabled(on bool) {
	d.mu.Lock()
	d.enabled = on
	d.mu.Unlock()
	log.Printf("CALL: %s track enabled=%v", d.kind, on)
}

func (d *deviceTrack) Close() error { return d.t.Close() }

// RTPTrack exposes the underlying mediadevices track for publication on the
// peer connection.
func (d *deviceTrack) RTPTrack() webrtc.TrackLocal { return d.t }
