// Package call manages the lifecycle of a 1:1 audio/video call as an explicit
// state machine. It is designed to be maximally standalone — the media engine,
// the media transport and the credential fetcher are all injected interfaces,
// so tests substitute fakes and the app wires the real Pion/mq/REST pieces in
// run.go (the only place that imports everything).
package call

import (
	"context"
	"errors"
)

// State is the call lifecycle state. There is exactly one valid path through
// the machine; independent boolean flags are deliberately not used.
type State int

const (
	StateIdle State = iota
	StatePreviewing
	StateConnecting
	StateActive
	StateEnded
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePreviewing:
		return "previewing"
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateEnded:
		return "ended"
	}
	return "unknown"
}

var (
	// ErrPermissionDenied means camera/mic access was refused. Recoverable:
	// the controller is back in Idle and a new preview may be started.
	ErrPermissionDenied = errors.New("media permission denied")

	// ErrCredentialFetch means the media-session token could not be obtained.
	// Fatal to this call attempt; the controller is back in Idle.
	ErrCredentialFetch = errors.New("call credential unavailable")

	// ErrBusy means the requested operation is not valid in the current state.
	ErrBusy = errors.New("operation not valid in current call state")
)

// TrackKind distinguishes local capture tracks.
type TrackKind string

const (
	TrackAudio TrackKind = "audio"
	TrackVideo TrackKind = "video"
)

// Track is one locally-owned capture track. SetEnabled mutes/unmutes without
// releasing the device; Close releases it.
type Track interface {
	Kind() TrackKind
	Enabled() bool
	SetEnabled(on bool)
	Close() error
}

// MediaEngine acquires local camera/microphone tracks. Capture blocks on
// device I/O and fails with a permission-style error when access is refused.
type MediaEngine interface {
	Capture(ctx context.Context) ([]Track, error)
}

// TokenFetcher obtains the server-issued media-session credential for a
// channel. Satisfied by rest.Client.
type TokenFetcher interface {
	CallToken(ctx context.Context, channel, uid string) (string, error)
}

// PresenceKind classifies remote-peer presence transitions.
type PresenceKind int

const (
	// PeerJoined: the remote peer's media path is up.
	PeerJoined PresenceKind = iota
	// PeerLost: the remote peer's media path went down or they hung up.
	PeerLost
)

// PresenceEvent is a remote-presence transition reported by a Room.
type PresenceEvent struct {
	Kind PresenceKind
}

// Room is one joined media channel. Events delivers presence transitions
// until Leave; Leave is idempotent and closes the event channel.
type Room interface {
	Events() <-chan PresenceEvent
	Leave() error
}

// Transport joins a named media channel with a session credential and the
// local tracks to publish. The pion-backed implementation lives in rtc.go;
// tests inject a fake.
type Transport interface {
	Join(ctx context.Context, room, selfID, token string, tracks []Track) (Room, error)
}

// Signaler is the only surface the pion transport needs from the broker
// layer: publish a payload on a room's signaling topic and receive the
// payloads the remote peer publishes there. The concrete mq adapter lives in
// run.go.
type Signaler interface {
	Send(room string, payload any) error
	Subscribe(room string, fn func(payload []byte)) (cancel func())
}

// Status is a read-only snapshot of the controller, served to the view layer.
type Status struct {
	State         string `json:"state"`
	Room          string `json:"room,omitempty"`
	PeerID        string `json:"peerId,omitempty"`
	MicEnabled    bool   `json:"micEnabled"`
	CameraEnabled bool   `json:"cameraEnabled"`
	PeerPresent   bool   `json:"peerPresent"`
}
