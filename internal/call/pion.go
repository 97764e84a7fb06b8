package call

import (
	"errors"
	"io"
	"sync/atomic"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

// PionFactory builds peer connections with pion/webrtc.
type PionFactory struct {
	STUNServers []string

	// MediaEngine, if set, replaces the default codec registration. The
	// hardware capture source populates it from its codec selector.
	MediaEngine func(*webrtc.MediaEngine) error
}

func (f *PionFactory) api() (*webrtc.API, error) {
	mediaEngine := &webrtc.MediaEngine{}
	register := f.MediaEngine
	if register == nil {
		register = (*webrtc.MediaEngine).RegisterDefaultCodecs
	}
	if err := register(mediaEngine); err != nil {
		return nil, err
	}

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, err
	}

	// Generous ICE timeouts so a short NAT hiccup does not end the call.
	se := webrtc.SettingEngine{}
	se.SetICETimeouts(30*time.Second, 120*time.Second, 2*time.Second)

	return webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
		webrtc.WithSettingEngine(se),
	), nil
}

func (f *PionFactory) NewPeer(callID string, tracks []webrtc.TrackLocal) (PeerConn, error) {
	api, err := f.api()
	if err != nil {
		return nil, err
	}
	var servers []webrtc.ICEServer
	if len(f.STUNServers) > 0 {
		servers = []webrtc.ICEServer{{URLs: f.STUNServers}}
	}
	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: servers})
	if err != nil {
		return nil, err
	}

	if len(tracks) == 0 {
		addRecvOnlyTransceivers(callID, pc)
	}
	for _, t := range tracks {
		if _, err := pc.AddTrack(t); err != nil {
			log.Warnf("call %s: add track %s: %v", callID, t.ID(), err)
		}
	}
	p := &pionPeer{id: callID, pc: pc}
	pc.OnTrack(p.handleTrack)
	return p, nil
}

// addRecvOnlyTransceivers keeps the SDP valid when there is no local media.
func addRecvOnlyTransceivers(callID string, pc *webrtc.PeerConnection) {
	for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeVideo, webrtc.RTPCodecTypeAudio} {
		if _, err := pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			log.Warnf("call %s: add %s transceiver: %v", callID, kind, err)
		}
	}
}

type pionPeer struct {
	id string
	pc *webrtc.PeerConnection

	onTrack atomic.Pointer[func(string)]
	packets atomic.Uint64
}

func (p *pionPeer) CreateOffer() (SessionDescription, error) {
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return SessionDescription{}, err
	}
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return SessionDescription{}, err
	}
	return SessionDescription{Type: offer.Type.String(), SDP: offer.SDP}, nil
}

func (p *pionPeer) CreateAnswer() (SessionDescription, error) {
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return SessionDescription{}, err
	}
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return SessionDescription{}, err
	}
	return SessionDescription{Type: answer.Type.String(), SDP: answer.SDP}, nil
}

func (p *pionPeer) SetRemoteDescription(sd SessionDescription) error {
	return p.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.NewSDPType(sd.Type),
		SDP:  sd.SDP,
	})
}

func (p *pionPeer) AddICECandidate(c ICECandidate) error {
	idx := c.SDPMLineIndex
	init := webrtc.ICECandidateInit{Candidate: c.Candidate, SDPMLineIndex: &idx}
	if c.SDPMid != "" {
		mid := c.SDPMid
		init.SDPMid = &mid
	}
	return p.pc.AddICECandidate(init)
}

func (p *pionPeer) OnICECandidate(fn func(ICECandidate)) {
	p.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return // gathering complete
		}
		init := c.ToJSON()
		out := ICECandidate{Candidate: init.Candidate}
		if init.SDPMid != nil {
			out.SDPMid = *init.SDPMid
		}
		if init.SDPMLineIndex != nil {
			out.SDPMLineIndex = *init.SDPMLineIndex
		}
		fn(out)
	})
}

func (p *pionPeer) OnStateChange(fn func(PeerState)) {
	p.pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		switch s {
		case webrtc.PeerConnectionStateConnecting:
			fn(PeerConnecting)
		case webrtc.PeerConnectionStateConnected:
			fn(PeerConnected)
		case webrtc.PeerConnectionStateDisconnected:
			fn(PeerDisconnected)
		case webrtc.PeerConnectionStateFailed:
			fn(PeerFailed)
		case webrtc.PeerConnectionStateClosed:
			fn(PeerClosed)
		}
	})
}

func (p *pionPeer) OnRemoteTrack(fn func(kind string)) {
	p.onTrack.Store(&fn)
}

func (p *pionPeer) Close() error {
	log.Debugf("call %s: closing peer connection after %d rtp packets", p.id, p.packets.Load())
	return p.pc.Close()
}

// handleTrack asks the sender for a keyframe on video tracks and drains
// the track until it ends.
func (p *pionPeer) handleTrack(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
	kind := track.Kind().String()
	log.Infof("call %s: remote %s track %s (%s)", p.id, kind, track.ID(), track.Codec().MimeType)
	if fn := p.onTrack.Load(); fn != nil {
		(*fn)(kind)
	}

	if track.Kind() == webrtc.RTPCodecTypeVideo {
		pli := []rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: uint32(track.SSRC())}}
		if err := p.pc.WriteRTCP(pli); err != nil {
			log.Debugf("call %s: send PLI: %v", p.id, err)
		}
	}

	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				log.Debugf("call %s: read %s track: %v", p.id, kind, err)
			}
			return
		}
		p.account(pkt)
	}
}

func (p *pionPeer) account(pkt *rtp.Packet) {
	if pkt == nil {
		return
	}
	if n := p.packets.Add(1); n == 1 {
		log.Debugf("call %s: first rtp packet, ssrc=%d seq=%d", p.id, pkt.SSRC, pkt.SequenceNumber)
	}
}
