package call

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// ── fakes ─────────────────────────────────────────────────────────────────────

type fakeTrack struct {
	kind TrackKind

	mu      sync.Mutex
	enabled bool
	closed  bool
}

func (t *fakeTrack) Kind() TrackKind { return t.kind }

func (t *fakeTrack) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

func (t *fakeTrack) SetEnabled(on bool) {
	t.mu.Lock()
	t.enabled = on
	t.mu.Unlock()
}

func (t *fakeTrack) Close() error {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	return nil
}

func (t *fakeTrack) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// fakeEngine hands out one audio + one video track per capture and remembers
// every track it ever created so tests can assert release.
type fakeEngine struct {
	mu      sync.Mutex
	err     error
	created []*fakeTrack
}

func (e *fakeEngine) Capture(context.Context) ([]Track, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.err != nil {
		return nil, e.err
	}
	a := &fakeTrack{kind: TrackAudio, enabled: true}
	v := &fakeTrack{kind: TrackVideo, enabled: true}
	e.created = append(e.created, a, v)
	return []Track{a, v}, nil
}

func (e *fakeEngine) setErr(err error) {
	e.mu.Lock()
	e.err = err
	e.mu.Unlock()
}

// allReleased reports whether every track ever captured has been closed.
func (e *fakeEngine) allReleased() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, t := range e.created {
		if !t.isClosed() {
			return false
		}
	}
	return true
}

type fakeRoom struct {
	events chan PresenceEvent

	mu   sync.Mutex
	left bool
}

func newFakeRoom() *fakeRoom {
	return &fakeRoom{events: make(chan PresenceEvent, 8)}
}

func (r *fakeRoom) Events() <-chan PresenceEvent { return r.events }

// Leave marks the room left without closing the event channel, so tests can
// keep injecting presence events and verify the controller ignores them.
func (r *fakeRoom) Leave() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.left = true
	return nil
}

func (r *fakeRoom) wasLeft() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.left
}

type fakeTransport struct {
	mu   sync.Mutex
	err  error
	room *fakeRoom
}

func (t *fakeTransport) Join(_ context.Context, room, selfID, token string, tracks []Track) (Room, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.err != nil {
		return nil, t.err
	}
	t.room = newFakeRoom()
	return t.room, nil
}

type fakeTokens struct{ err error }

func (f *fakeTokens) CallToken(context.Context, string, string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return "rtc-cred", nil
}

// notices collects system-message text thread-safely.
type notices struct {
	mu   sync.Mutex
	list []string
}

func (n *notices) add(text string) {
	n.mu.Lock()
	n.list = append(n.list, text)
	n.mu.Unlock()
}

func (n *notices) snapshot() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.list...)
}

func (n *notices) count(text string) int {
	c := 0
	for _, s := range n.snapshot() {
		if s == text {
			c++
		}
	}
	return c
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

type fixture struct {
	engine    *fakeEngine
	transport *fakeTransport
	tokens    *fakeTokens
	notes     *notices
	c         *Controller
}

func newFixture() *fixture {
	f := &fixture{
		engine:    &fakeEngine{},
		transport: &fakeTransport{},
		tokens:    &fakeTokens{},
		notes:     &notices{},
	}
	f.c = NewController("42", f.engine, f.transport, f.tokens, f.notes.add)
	return f
}

func (f *fixture) previewAndJoin(t *testing.T) {
	t.Helper()
	if err := f.c.StartPreview(context.Background(), "7"); err != nil {
		t.Fatal(err)
	}
	if err := f.c.Join(context.Background()); err != nil {
		t.Fatal(err)
	}
}

// ── tests ─────────────────────────────────────────────────────────────────────

func TestPreviewThenCancelReturnsToIdle(t *testing.T) {
	f := newFixture()

	if err := f.c.StartPreview(context.Background(), "7"); err != nil {
		t.Fatal(err)
	}
	if got := f.c.Status(); got.State != "previewing" || got.Room != "7-42" {
		t.Fatalf("status after preview = %+v", got)
	}

	if err := f.c.CancelPreview(); err != nil {
		t.Fatal(err)
	}
	if got := f.c.Status().State; got != "idle" {
		t.Fatalf("state after cancel = %q, want idle (never ended)", got)
	}
	if !f.engine.allReleased() {
		t.Fatal("cancel must release all local tracks")
	}
	if got := f.notes.snapshot(); len(got) != 0 {
		t.Fatalf("cancelled preview must emit no notices, got %v", got)
	}
}

func TestHangupBeforePeerSeenReturnsToIdle(t *testing.T) {
	f := newFixture()
	f.previewAndJoin(t)

	if got := f.c.Status().State; got != "active" {
		t.Fatalf("state after join = %q", got)
	}
	if err := f.c.Hangup(); err != nil {
		t.Fatal(err)
	}
	if got := f.c.Status().State; got != "idle" {
		t.Fatalf("state = %q, want idle — nobody ever joined, so this is not an ended call", got)
	}
	if n := f.notes.count("Call ended"); n != 0 {
		t.Fatalf("got %d 'Call ended' notices, want 0", n)
	}
	if !f.engine.allReleased() {
		t.Fatal("hangup must release all local tracks")
	}
	waitFor(t, "room leave", f.transport.room.wasLeft)
}

func TestPeerLossEndsCallExactlyOnce(t *testing.T) {
	f := newFixture()
	f.previewAndJoin(t)

	f.transport.room.events <- PresenceEvent{Kind: PeerJoined}
	waitFor(t, "peer joined notice", func() bool { return f.notes.count("Peer joined the call") == 1 })
	if got := f.c.Status(); !got.PeerPresent {
		t.Fatalf("peer should be present, status %+v", got)
	}

	f.transport.room.events <- PresenceEvent{Kind: PeerLost}
	waitFor(t, "ended state", func() bool { return f.c.Status().State == "ended" })
	if n := f.notes.count("Call ended"); n != 1 {
		t.Fatalf("got %d 'Call ended' notices, want exactly 1", n)
	}
	if !f.engine.allReleased() {
		t.Fatal("peer loss must release all local tracks")
	}
}

func TestDuplicatePeerLossSuppressed(t *testing.T) {
	f := newFixture()
	f.previewAndJoin(t)
	room := f.transport.room

	room.events <- PresenceEvent{Kind: PeerJoined}
	room.events <- PresenceEvent{Kind: PeerLost}
	room.events <- PresenceEvent{Kind: PeerLost}
	room.events <- PresenceEvent{Kind: PeerLost}

	waitFor(t, "ended state", func() bool { return f.c.Status().State == "ended" })
	// Give stragglers a chance to misfire before counting.
	time.Sleep(50 * time.Millisecond)
	if n := f.notes.count("Call ended"); n != 1 {
		t.Fatalf("got %d 'Call ended' notices, want exactly 1", n)
	}
}

func TestPeerLossBeforeSeenIsJustWaiting(t *testing.T) {
	f := newFixture()
	f.previewAndJoin(t)

	// An ICE blip before the peer ever connected must not end anything.
	f.transport.room.events <- PresenceEvent{Kind: PeerLost}
	time.Sleep(50 * time.Millisecond)
	if got := f.c.Status().State; got != "active" {
		t.Fatalf("state = %q, want still active", got)
	}
	if n := f.notes.count("Call ended"); n != 0 {
		t.Fatalf("got %d 'Call ended' notices, want 0", n)
	}
}

func TestPermissionDeniedIsRecoverable(t *testing.T) {
	f := newFixture()
	f.engine.setErr(errors.New("device busy"))

	err := f.c.StartPreview(context.Background(), "7")
	if !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("expected ErrPermissionDenied, got %v", err)
	}
	if got := f.c.Status().State; got != "idle" {
		t.Fatalf("state = %q, want idle", got)
	}

	// A later attempt with working devices succeeds.
	f.engine.setErr(nil)
	if err := f.c.StartPreview(context.Background(), "7"); err != nil {
		t.Fatal(err)
	}
	if got := f.c.Status().State; got != "previewing" {
		t.Fatalf("state = %q, want previewing", got)
	}
}

func TestCredentialFailureNeverSticksInConnecting(t *testing.T) {
	f := newFixture()
	f.tokens.err = errors.New("503")

	if err := f.c.StartPreview(context.Background(), "7"); err != nil {
		t.Fatal(err)
	}
	err := f.c.Join(context.Background())
	if !errors.Is(err, ErrCredentialFetch) {
		t.Fatalf("expected ErrCredentialFetch, got %v", err)
	}
	if got := f.c.Status().State; got != "idle" {
		t.Fatalf("state = %q, want idle", got)
	}
	if !f.engine.allReleased() {
		t.Fatal("failed join must release all local tracks")
	}
}

func TestTransportFailureReturnsToIdle(t *testing.T) {
	f := newFixture()
	f.transport.err = errors.New("no route to broker")

	if err := f.c.StartPreview(context.Background(), "7"); err != nil {
		t.Fatal(err)
	}
	if err := f.c.Join(context.Background()); err == nil {
		t.Fatal("expected join error")
	}
	if got := f.c.Status().State; got != "idle" {
		t.Fatalf("state = %q, want idle", got)
	}
	if !f.engine.allReleased() {
		t.Fatal("failed join must release all local tracks")
	}
}

func TestTogglesFlipTrackState(t *testing.T) {
	f := newFixture()
	if err := f.c.StartPreview(context.Background(), "7"); err != nil {
		t.Fatal(err)
	}

	on, err := f.c.ToggleMic()
	if err != nil || on {
		t.Fatalf("mic toggle = (%v, %v), want muted", on, err)
	}
	on, err = f.c.ToggleCamera()
	if err != nil || on {
		t.Fatalf("camera toggle = (%v, %v), want disabled", on, err)
	}

	st := f.c.Status()
	if st.MicEnabled || st.CameraEnabled {
		t.Fatalf("status after toggles = %+v", st)
	}

	if on, _ = f.c.ToggleMic(); !on {
		t.Fatal("second mic toggle should re-enable")
	}
}

func TestDismissClearsEndedSession(t *testing.T) {
	f := newFixture()
	f.previewAndJoin(t)
	f.transport.room.events <- PresenceEvent{Kind: PeerJoined}
	f.transport.room.events <- PresenceEvent{Kind: PeerLost}
	waitFor(t, "ended state", func() bool { return f.c.Status().State == "ended" })

	if err := f.c.Dismiss(); err != nil {
		t.Fatal(err)
	}
	st := f.c.Status()
	if st.State != "idle" || st.Room != "" || st.PeerID != "" || st.PeerPresent {
		t.Fatalf("status after dismiss = %+v", st)
	}

	// The controller is reusable for a fresh call.
	if err := f.c.StartPreview(context.Background(), "9"); err != nil {
		t.Fatal(err)
	}
}

func TestSecondPreviewWhileBusyRejected(t *testing.T) {
	f := newFixture()
	if err := f.c.StartPreview(context.Background(), "7"); err != nil {
		t.Fatal(err)
	}
	if err := f.c.StartPreview(context.Background(), "9"); !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy, got %v", err)
	}
}

func TestStatusListenerSeesTransitions(t *testing.T) {
	f := newFixture()
	ch, cancel := f.c.Subscribe()
	defer cancel()

	if err := f.c.StartPreview(context.Background(), "7"); err != nil {
		t.Fatal(err)
	}

	saw := map[string]bool{}
	deadline := time.After(2 * time.Second)
	for !saw["previewing"] {
		select {
		case st := <-ch:
			saw[st.State] = true
		case <-deadline:
			t.Fatalf("never saw previewing, saw %v", saw)
		}
	}
}
