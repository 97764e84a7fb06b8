package call

import "github.com/pion/webrtc/v4"

// PeerConn is the part of a WebRTC peer connection a session drives.
// CreateOffer and CreateAnswer also apply the result as the local
// description.
type PeerConn interface {
	CreateOffer() (SessionDescription, error)
	CreateAnswer() (SessionDescription, error)
	SetRemoteDescription(SessionDescription) error
	AddICECandidate(ICECandidate) error
	// OnICECandidate registers the handler for locally gathered candidates.
	OnICECandidate(func(ICECandidate))
	// OnStateChange registers the handler for connection state changes.
	OnStateChange(func(PeerState))
	// OnRemoteTrack registers the handler for incoming media tracks.
	OnRemoteTrack(func(kind string))
	Close() error
}

// PeerFactory opens a peer connection carrying the given local tracks.
type PeerFactory interface {
	NewPeer(callID string, tracks []webrtc.TrackLocal) (PeerConn, error)
}

type PeerState string

const (
	PeerConnecting   PeerState = "connecting"
	PeerConnected    PeerState = "connected"
	PeerDisconnected PeerState = "disconnected"
	PeerFailed       PeerState = "failed"
	PeerClosed       PeerState = "closed"
)

// MediaSource captures local audio and video.
type MediaSource interface {
	Open(callID string, video bool) (LocalMedia, error)
}

// LocalMedia is a running capture. Stop releases the devices.
type LocalMedia interface {
	Tracks() []webrtc.TrackLocal
	Stop() error
}
