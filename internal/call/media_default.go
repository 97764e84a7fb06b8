//go:build !(linux && hwmedia)

package call

import "github.com/pion/webrtc/v4"

// SystemMedia returns the capture source for this build and the codec
// registration its tracks need. Without the hwmedia tag the static source is
// used with pion's default codecs.
func SystemMedia() (MediaSource, func(*webrtc.MediaEngine) error) {
	return StaticSource{}, nil
}
