package call

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/duochat/duochat/internal/channel"
)

// Controller owns at most one call session at a time and walks it through
// Idle → Previewing → Connecting → Active → Ended → Idle. Every exit path
// releases all local tracks; the camera being left on is treated as a
// correctness failure, not cosmetic.
type Controller struct {
	selfID    string
	media     MediaEngine
	transport Transport
	tokens    TokenFetcher
	notify    func(text string) // system messages into the open timeline

	mu          sync.Mutex
	state       State
	peerID      string
	room        string
	tracks      []Track
	sess        Room
	peerSeen    bool // remote peer observed at least once this session
	peerPresent bool
	endNoticed  bool   // "call ended" notice emitted (at most once per session)
	epoch       uint64 // bumped on every teardown; stale async work checks it

	lnMu      sync.Mutex
	listeners map[chan Status]struct{}
}

// NewController creates a controller for the given user. notify receives
// system-message text for the open timeline and may be nil.
func NewController(selfID string, media MediaEngine, transport Transport, tokens TokenFetcher, notify func(string)) *Controller {
	if notify == nil {
		notify = func(string) {}
	}
	return &Controller{
		selfID:    selfID,
		media:     media,
		transport: transport,
		tokens:    tokens,
		notify:    notify,
		state:     StateIdle,
		listeners: make(map[chan Status]struct{}),
	}
}

// StartPreview acquires local camera/mic tracks for a call with peerID and
// enters Previewing. Nothing is published yet; the user can toggle devices
// and back out without the network ever seeing the call. Permission refusal
// returns ErrPermissionDenied with the controller back in Idle.
func (c *Controller) StartPreview(ctx context.Context, peerID string) error {
	room, err := channel.PairRoom(c.selfID, peerID)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.state != StateIdle {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrBusy, c.state)
	}
	// Reserve the slot before the blocking device I/O so a second preview
	// attempt cannot race in.
	c.state = StatePreviewing
	c.peerID = channel.Normalize(peerID)
	c.room = room
	epoch := c.epoch
	c.mu.Unlock()
	c.broadcast()

	tracks, err := c.media.Capture(ctx)
	if err != nil {
		c.mu.Lock()
		if c.epoch == epoch && c.state == StatePreviewing {
			c.resetLocked()
		}
		c.mu.Unlock()
		c.broadcast()
		return fmt.Errorf("%w: %v", ErrPermissionDenied, err)
	}

	c.mu.Lock()
	if c.epoch != epoch || c.state != StatePreviewing {
		// Cancelled while the devices were opening. Release immediately.
		c.mu.Unlock()
		closeTracks(tracks)
		return nil
	}
	c.tracks = tracks
	c.mu.Unlock()
	c.broadcast()
	log.Printf("CALL [%s]: previewing, %d local tracks", room, len(tracks))
	return nil
}

// CancelPreview backs out of Previewing, releasing all tracks. The session
// never existed as far as the peer is concerned, so the state returns to
// Idle — not Ended — and no system message is emitted.
func (c *Controller) CancelPreview() error {
	c.mu.Lock()
	if c.state != StatePreviewing {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrBusy, c.state)
	}
	c.resetLocked()
	c.mu.Unlock()
	c.broadcast()
	return nil
}

// ToggleMic flips the local audio tracks and reports the new enabled state.
func (c *Controller) ToggleMic() (bool, error) { return c.toggle(TrackAudio) }

// ToggleCamera flips the local video tracks and reports the new enabled state.
func (c *Controller) ToggleCamera() (bool, error) { return c.toggle(TrackVideo) }

func (c *Controller) toggle(kind TrackKind) (bool, error) {
	c.mu.Lock()
	if c.state != StatePreviewing && c.state != StateConnecting && c.state != StateActive {
		c.mu.Unlock()
		return false, fmt.Errorf("%w: %s", ErrBusy, c.state)
	}
	on := false
	for _, t := range c.tracks {
		if t.Kind() != kind {
			continue
		}
		t.SetEnabled(!t.Enabled())
		on = t.Enabled()
	}
	c.mu.Unlock()
	c.broadcast()
	return on, nil
}

// Join commits the previewed call: fetches the media-session credential,
// joins the pairwise channel and publishes the local tracks. Credential or
// join failure releases the tracks and returns to Idle — the controller is
// never left stuck in Connecting.
func (c *Controller) Join(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StatePreviewing {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrBusy, c.state)
	}
	c.state = StateConnecting
	room, peer, epoch, tracks := c.room, c.peerID, c.epoch, c.tracks
	c.mu.Unlock()
	c.broadcast()

	token, err := c.tokens.CallToken(ctx, room, c.selfID)
	if err != nil {
		c.abort(epoch, StateConnecting)
		return fmt.Errorf("%w: %v", ErrCredentialFetch, err)
	}

	sess, err := c.transport.Join(ctx, room, c.selfID, token, tracks)
	if err != nil {
		c.abort(epoch, StateConnecting)
		return fmt.Errorf("join channel %s: %w", room, err)
	}

	c.mu.Lock()
	if c.epoch != epoch || c.state != StateConnecting {
		// Hung up while joining.
		c.mu.Unlock()
		sess.Leave()
		return nil
	}
	c.sess = sess
	c.state = StateActive
	c.mu.Unlock()
	c.broadcast()
	c.notify("Call started")
	log.Printf("CALL [%s]: active, waiting for %s", room, peer)

	go c.watch(sess, epoch)
	return nil
}

// watch consumes presence events for one session. The epoch guard makes
// events from a torn-down session harmless.
func (c *Controller) watch(sess Room, epoch uint64) {
	for ev := range sess.Events() {
		var text string
		c.mu.Lock()
		if c.epoch != epoch {
			c.mu.Unlock()
			return
		}
		switch ev.Kind {
		case PeerJoined:
			c.peerPresent = true
			if !c.peerSeen {
				c.peerSeen = true
				text = "Peer joined the call"
			}
		case PeerLost:
			c.peerPresent = false
			// Presence loss only means "call over" once the peer has
			// actually been observed; before that it is just "still
			// waiting". Repeated loss events are absorbed by endNoticed.
			if c.peerSeen && c.state == StateActive {
				text = c.endLocked()
			}
		}
		c.mu.Unlock()
		c.broadcast()
		if text != "" {
			c.notify(text)
		}
	}
}

// Hangup ends the call locally from Connecting or Active. If the remote
// peer was never observed the attempt is abandoned back to Idle with no
// notice — "nobody ever joined" is not an ended call. Idempotent once the
// session has ended.
func (c *Controller) Hangup() error {
	c.mu.Lock()
	if c.state == StateEnded {
		c.mu.Unlock()
		return nil
	}
	if c.state != StateConnecting && c.state != StateActive {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrBusy, c.state)
	}
	var text string
	if c.peerSeen {
		text = c.endLocked()
	} else {
		c.resetLocked()
	}
	c.mu.Unlock()
	c.broadcast()
	if text != "" {
		c.notify(text)
	}
	return nil
}

// Dismiss acknowledges an ended call and returns to Idle.
func (c *Controller) Dismiss() error {
	c.mu.Lock()
	if c.state != StateEnded {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrBusy, c.state)
	}
	c.resetLocked()
	c.mu.Unlock()
	c.broadcast()
	return nil
}

// Status returns a snapshot for the view layer.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.statusLocked()
}

func (c *Controller) statusLocked() Status {
	s := Status{
		State:         c.state.String(),
		Room:          c.room,
		PeerID:        c.peerID,
		MicEnabled:    true,
		CameraEnabled: true,
		PeerPresent:   c.peerPresent,
	}
	for _, t := range c.tracks {
		switch t.Kind() {
		case TrackAudio:
			s.MicEnabled = t.Enabled()
		case TrackVideo:
			s.CameraEnabled = t.Enabled()
		}
	}
	return s
}

// Subscribe registers a status listener. Each state change is pushed to the
// returned channel; slow listeners miss updates rather than block the
// controller. Call cancel to unregister.
func (c *Controller) Subscribe() (<-chan Status, func()) {
	ch := make(chan Status, 8)
	c.lnMu.Lock()
	c.listeners[ch] = struct{}{}
	c.lnMu.Unlock()
	cancel := func() {
		c.lnMu.Lock()
		delete(c.listeners, ch)
		c.lnMu.Unlock()
	}
	return ch, cancel
}

// Close hangs up any active session and releases everything.
func (c *Controller) Close() {
	c.mu.Lock()
	if c.state == StateConnecting || c.state == StateActive {
		c.endLocked()
	}
	c.resetLocked()
	c.mu.Unlock()
}

// ── internal transitions (c.mu held) ─────────────────────────────────────────

// endLocked moves a live session to Ended, leaving the channel and releasing
// tracks. Returns the "Call ended" notice text the first time, "" after.
func (c *Controller) endLocked() string {
	if c.sess != nil {
		go c.sess.Leave() // Leave may block on network teardown
		c.sess = nil
	}
	c.releaseTracksLocked()
	c.state = StateEnded
	c.epoch++
	if c.endNoticed {
		return ""
	}
	c.endNoticed = true
	log.Printf("CALL [%s]: ended", c.room)
	return "Call ended"
}

// resetLocked returns the controller to a clean Idle.
func (c *Controller) resetLocked() {
	if c.sess != nil {
		go c.sess.Leave()
		c.sess = nil
	}
	c.releaseTracksLocked()
	c.state = StateIdle
	c.peerID = ""
	c.room = ""
	c.peerSeen = false
	c.peerPresent = false
	c.endNoticed = false
	c.epoch++
}

func (c *Controller) releaseTracksLocked() {
	for _, t := range c.tracks {
		if err := t.Close(); err != nil {
			log.Printf("CALL [%s]: track close: %v", c.room, err)
		}
	}
	c.tracks = nil
}

// abort rolls a failed async step back to Idle if the session is still the
// one that started it.
func (c *Controller) abort(epoch uint64, expect State) {
	c.mu.Lock()
	if c.epoch == epoch && c.state == expect {
		c.resetLocked()
	}
	c.mu.Unlock()
	c.broadcast()
}

func (c *Controller) broadcast() {
	st := c.Status()
	c.lnMu.Lock()
	for ch := range c.listeners {
		select {
		case ch <- st:
		default:
		}
	}
	c.lnMu.Unlock()
}

func closeTracks(tracks []Track) {
	for _, t := range tracks {
		t.Close()
	}
}
