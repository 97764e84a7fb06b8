//go:build linux && hwmedia

package call

import (
	"errors"
	"fmt"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
)

// SystemMedia captures the camera and microphone through pion/mediadevices
// (V4L2 and malgo). The returned registration installs the VP8 and Opus
// encoders the tracks are produced with.
func SystemMedia() (MediaSource, func(*webrtc.MediaEngine) error) {
	src, err := newDeviceSource()
	if err != nil {
		log.Warnf("hardware media unavailable, using static tracks: %v", err)
		return StaticSource{}, nil
	}
	return src, func(me *webrtc.MediaEngine) error {
		src.selector.Populate(me)
		return nil
	}
}

// DeviceSource opens local capture devices.
type DeviceSource struct {
	selector *mediadevices.CodecSelector
}

func newDeviceSource() (*DeviceSource, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, err
	}
	vpxParams.BitRate = 1_500_000

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, err
	}

	return &DeviceSource{selector: mediadevices.NewCodecSelector(
		mediadevices.WithVideoEncoders(&vpxParams),
		mediadevices.WithAudioEncoders(&opusParams),
	)}, nil
}

// Open tries video+audio, then each alone, so one missing device does not
// take the other down with it.
func (d *DeviceSource) Open(callID string, video bool) (LocalMedia, error) {
	devices := mediadevices.EnumerateDevices()
	if len(devices) == 0 {
		log.Warnf("call %s: no media devices found", callID)
	}
	for _, dev := range devices {
		log.Debugf("call %s: media device kind=%v label=%q", callID, dev.Kind, dev.Label)
	}

	type attempt struct {
		video, audio bool
		label        string
	}
	attempts := []attempt{{false, true, "audio-only"}}
	if video {
		attempts = []attempt{
			{true, true, "video+audio"},
			{true, false, "video-only"},
			{false, true, "audio-only"},
		}
	}

	var lastErr error
	for _, a := range attempts {
		constraints := mediadevices.MediaStreamConstraints{Codec: d.selector}
		if a.video {
			constraints.Video = func(c *mediadevices.MediaTrackConstraints) {
				// Raw formats only; MJPEG nodes on some cameras poison the encoder.
				c.FrameFormat = prop.FrameFormatOneOf{
					frame.FormatYUYV,
					frame.FormatI420,
					frame.FormatI444,
					frame.FormatRGBA,
				}
				c.Width = prop.IntRanged{Max: 640}
				c.Height = prop.IntRanged{Max: 480}
			}
		}
		if a.audio {
			constraints.Audio = func(_ *mediadevices.MediaTrackConstraints) {}
		}

		stream, err := mediadevices.GetUserMedia(constraints)
		if err != nil {
			log.Warnf("call %s: GetUserMedia (%s): %v", callID, a.label, err)
			lastErr = err
			continue
		}

		m := &deviceMedia{}
		for _, track := range stream.GetTracks() {
			track.OnEnded(func(err error) {
				if err != nil {
					log.Warnf("call %s: local track ended: %v", callID, err)
				}
			})
			m.tracks = append(m.tracks, track)
		}
		log.Infof("call %s: local media captured (%s), %d tracks", callID, a.label, len(m.tracks))
		return m, nil
	}
	return nil, fmt.Errorf("%w: %v", ErrMediaUnavailable, lastErr)
}

type deviceMedia struct {
	tracks []mediadevices.Track
}

func (m *deviceMedia) Tracks() []webrtc.TrackLocal {
	out := make([]webrtc.TrackLocal, 0, len(m.tracks))
	for _, t := range m.tracks {
		out = append(out, t)
	}
	return out
}

func (m *deviceMedia) Stop() error {
	var errs []error
	for _, t := range m.tracks {
		errs = append(errs, t.Close())
	}
	return errors.Join(errs...)
}
