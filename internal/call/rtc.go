package call

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"

	"github.com/duochat/duochat/internal/channel"
	"github.com/duochat/duochat/internal/mq"
)

// localTrack is implemented by engine tracks that carry a publishable RTP
// track. Fake tracks in tests do not, and are simply not published.
type localTrack interface {
	RTPTrack() webrtc.TrackLocal
}

// PionTransport joins call channels with a Pion peer connection, using the
// broker Signaler for SDP/ICE exchange. The participant whose ID orders
// first in the room name is the offerer; both ends derive the role from the
// room name, so no negotiation message is needed.
type PionTransport struct {
	sig         Signaler
	stunServers []string
	configure   func(*webrtc.MediaEngine) error // nil → default codecs
}

// NewPionTransport creates a transport. configure registers the codecs the
// media engine encodes with (the linux engine passes its codec selector);
// nil falls back to Pion's defaults.
func NewPionTransport(sig Signaler, stunServers []string, configure func(*webrtc.MediaEngine) error) *PionTransport {
	if len(stunServers) == 0 {
		stunServers = []string{"stun:stun.l.google.com:19302"}
	}
	return &PionTransport{sig: sig, stunServers: stunServers, configure: configure}
}

// Join builds the peer connection, publishes the local tracks, announces on
// the room's signaling topic and returns a Room whose events reflect the
// remote peer's presence.
func (t *PionTransport) Join(ctx context.Context, room, selfID, token string, tracks []Track) (Room, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if t.configure != nil {
		if err := t.configure(mediaEngine); err != nil {
			return nil, fmt.Errorf("configure media engine: %w", err)
		}
	} else if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}

	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, registry); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}

	// Generous ICE timeouts: the default 5 s disconnectedTimeout kills calls
	// over relay paths that have short outages during re-keying.
	se := webrtc.SettingEngine{}
	se.SetICETimeouts(30*time.Second, 120*time.Second, 2*time.Second)

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(registry),
		webrtc.WithSettingEngine(se),
	)

	pc, err := api.NewPeerConnection(webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{{URLs: t.stunServers}},
	})
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}

	published := 0
	for _, tr := range tracks {
		lt, ok := tr.(localTrack)
		if !ok {
			continue
		}
		if _, err := pc.AddTrack(lt.RTPTrack()); err != nil {
			log.Printf("CALL [%s]: AddTrack: %v", room, err)
			continue
		}
		published++
	}
	if published == 0 {
		// Valid m-lines with ICE credentials are still needed to receive.
		addRecvOnlyTransceivers(room, pc)
	}

	r := &pionRoom{
		room:    room,
		selfID:  selfID,
		token:   token,
		offerer: strings.HasPrefix(room, selfID+channel.Separator),
		sig:     t.sig,
		pc:      pc,
		events:  make(chan PresenceEvent, 8),
	}

	pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			return
		}
		init := cand.ToJSON()
		out := mq.CallICEPayload{Type: mq.CallTypeICE, From: selfID}
		out.Candidate.Candidate = init.Candidate
		if init.SDPMid != nil {
			out.Candidate.SDPMid = *init.SDPMid
		}
		if init.SDPMLineIndex != nil {
			out.Candidate.SDPMLineIndex = *init.SDPMLineIndex
		}
		if err := t.sig.Send(room, out); err != nil {
			log.Printf("CALL [%s]: send ICE candidate: %v", room, err)
		}
	})

	pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		log.Printf("CALL [%s]: ICE state %s", room, s)
		switch s {
		case webrtc.ICEConnectionStateConnected:
			r.mu.Lock()
			r.connected = true
			r.mu.Unlock()
			r.emit(PresenceEvent{Kind: PeerJoined})
		case webrtc.ICEConnectionStateDisconnected, webrtc.ICEConnectionStateFailed, webrtc.ICEConnectionStateClosed:
			r.mu.Lock()
			was := r.connected
			r.mu.Unlock()
			if was {
				r.emit(PresenceEvent{Kind: PeerLost})
			}
		}
	})

	r.cancelSig = t.sig.Subscribe(room, r.handleSignal)

	// Announce. Whichever side joins second triggers the offer exchange.
	if err := t.sig.Send(room, mq.CallRequestPayload{Type: mq.CallTypeRequest, From: selfID, Token: token}); err != nil {
		r.Leave()
		return nil, fmt.Errorf("announce on %s: %w", room, err)
	}

	log.Printf("CALL [%s]: joined (offerer=%v, %d published tracks)", room, r.offerer, published)
	return r, nil
}

// pionRoom is one joined call channel.
type pionRoom struct {
	room    string
	selfID  string
	token   string
	offerer bool
	sig     Signaler
	pc      *webrtc.PeerConnection

	events    chan PresenceEvent
	cancelSig func()
	closeOnce sync.Once

	mu         sync.Mutex
	closed     bool
	connected  bool
	offered    bool
	reannounce bool // answerer replied to a request once already
	remoteSet  bool
	pendingICE []webrtc.ICECandidateInit
}

func (r *pionRoom) Events() <-chan PresenceEvent { return r.events }

// Leave tears down the channel: notifies the peer, stops signaling and
// closes the peer connection. Idempotent.
func (r *pionRoom) Leave() error {
	r.closeOnce.Do(func() {
		_ = r.sig.Send(r.room, mq.CallHangupPayload{Type: mq.CallTypeHangup, From: r.selfID})
		if r.cancelSig != nil {
			r.cancelSig()
		}
		if err := r.pc.Close(); err != nil {
			log.Printf("CALL [%s]: close peer connection: %v", r.room, err)
		}
		r.mu.Lock()
		r.closed = true
		r.mu.Unlock()
		close(r.events)
		log.Printf("CALL [%s]: left", r.room)
	})
	return nil
}

func (r *pionRoom) emit(ev PresenceEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	select {
	case r.events <- ev:
	default:
		// Slow consumer; presence is level-based so dropping is safe.
	}
}

// handleSignal routes one inbound payload from the room's signaling topic.
// The broker echoes our own publishes back, so self-sent signals are dropped
// first.
func (r *pionRoom) handleSignal(payload []byte) {
	var head struct {
		Type string `json:"type"`
		From string `json:"from"`
	}
	if err := json.Unmarshal(payload, &head); err != nil || head.From == r.selfID {
		return
	}

	switch head.Type {
	case mq.CallTypeRequest:
		r.onPeerRequest()
	case mq.CallTypeOffer:
		var p mq.CallOfferPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			log.Printf("CALL [%s]: bad offer payload: %v", r.room, err)
			return
		}
		r.onOffer(p.SDP)
	case mq.CallTypeAnswer:
		var p mq.CallAnswerPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			log.Printf("CALL [%s]: bad answer payload: %v", r.room, err)
			return
		}
		r.onAnswer(p.SDP)
	case mq.CallTypeICE:
		var p mq.CallICEPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			log.Printf("CALL [%s]: bad ICE payload: %v", r.room, err)
			return
		}
		r.onICE(p.Candidate)
	case mq.CallTypeHangup:
		log.Printf("CALL [%s]: hangup from %s", r.room, head.From)
		r.mu.Lock()
		was := r.connected
		r.mu.Unlock()
		if was {
			r.emit(PresenceEvent{Kind: PeerLost})
		}
	}
}

// onPeerRequest: the peer announced itself. The offerer responds with an SDP
// offer; the answerer re-announces once so a peer that joined after us
// learns we are here (covers either join order without extra round-trips).
func (r *pionRoom) onPeerRequest() {
	r.mu.Lock()
	if r.offerer {
		if r.offered {
			r.mu.Unlock()
			return
		}
		r.offered = true
		r.mu.Unlock()
		r.sendOffer()
		return
	}
	if r.reannounce || r.remoteSet {
		r.mu.Unlock()
		return
	}
	r.reannounce = true
	r.mu.Unlock()
	if err := r.sig.Send(r.room, mq.CallRequestPayload{Type: mq.CallTypeRequest, From: r.selfID, Token: r.token}); err != nil {
		log.Printf("CALL [%s]: re-announce: %v", r.room, err)
	}
}

func (r *pionRoom) sendOffer() {
	offer, err := r.pc.CreateOffer(nil)
	if err != nil {
		log.Printf("CALL [%s]: create offer: %v", r.room, err)
		return
	}
	if err := r.pc.SetLocalDescription(offer); err != nil {
		log.Printf("CALL [%s]: set local offer: %v", r.room, err)
		return
	}
	if err := r.sig.Send(r.room, mq.CallOfferPayload{Type: mq.CallTypeOffer, From: r.selfID, SDP: offer.SDP}); err != nil {
		log.Printf("CALL [%s]: send offer: %v", r.room, err)
	}
}

func (r *pionRoom) onOffer(sdp string) {
	if r.offerer {
		return
	}
	if err := r.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdp}); err != nil {
		log.Printf("CALL [%s]: set remote offer: %v", r.room, err)
		return
	}
	r.flushPendingICE()
	answer, err := r.pc.CreateAnswer(nil)
	if err != nil {
		log.Printf("CALL [%s]: create answer: %v", r.room, err)
		return
	}
	if err := r.pc.SetLocalDescription(answer); err != nil {
		log.Printf("CALL [%s]: set local answer: %v", r.room, err)
		return
	}
	if err := r.sig.Send(r.room, mq.CallAnswerPayload{Type: mq.CallTypeAnswer, From: r.selfID, SDP: answer.SDP}); err != nil {
		log.Printf("CALL [%s]: send answer: %v", r.room, err)
	}
}

func (r *pionRoom) onAnswer(sdp string) {
	if !r.offerer {
		return
	}
	if err := r.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sdp}); err != nil {
		log.Printf("CALL [%s]: set remote answer: %v", r.room, err)
		return
	}
	r.flushPendingICE()
}

// onICE applies a trickle candidate, buffering it when the remote
// description has not landed yet.
func (r *pionRoom) onICE(c mq.CallICECandidateInit) {
	mid := c.SDPMid
	idx := c.SDPMLineIndex
	init := webrtc.ICECandidateInit{Candidate: c.Candidate, SDPMid: &mid, SDPMLineIndex: &idx}

	r.mu.Lock()
	if !r.remoteSet {
		r.pendingICE = append(r.pendingICE, init)
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()

	if err := r.pc.AddICECandidate(init); err != nil {
		log.Printf("CALL [%s]: add ICE candidate: %v", r.room, err)
	}
}

func (r *pionRoom) flushPendingICE() {
	r.mu.Lock()
	pending := r.pendingICE
	r.pendingICE = nil
	r.remoteSet = true
	r.mu.Unlock()

	for _, init := range pending {
		if err := r.pc.AddICECandidate(init); err != nil {
			log.Printf("CALL [%s]: add buffered ICE candidate: %v", r.room, err)
		}
	}
}

// addRecvOnlyTransceivers adds recvonly transceivers for video and audio so
// CreateOffer/CreateAnswer always produces valid m-lines with ICE
// credentials even without local capture.
func addRecvOnlyTransceivers(room string, pc *webrtc.PeerConnection) {
	if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionRecvonly,
	}); err != nil {
		log.Printf("CALL [%s]: AddTransceiver(video): %v", room, err)
	}
	if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionRecvonly,
	}); err != nil {
		log.Printf("CALL [%s]: AddTransceiver(audio): %v", room, err)
	}
}
