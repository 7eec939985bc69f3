package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/duochat/duochat/internal/channel"
	"github.com/duochat/duochat/internal/mq"
)

// PubSub is the broker surface the manager needs. *mq.Client satisfies it;
// tests substitute a fake so no broker is required.
type PubSub interface {
	Subscribe(topic string) error
	Unsubscribe(topic string) error
	Publish(topic string, v any) error
	SubscribeTopic(prefix string, fn mq.Handler) func()
}

// HistoryFetcher is the REST surface the manager needs. *rest.Client
// satisfies it.
type HistoryFetcher interface {
	Conversations(ctx context.Context, userID string) ([]Conversation, error)
	Messages(ctx context.Context, senderID, receiverID string, page int) ([]HistoryRecord, error)
}

// EventType identifies what changed for UI listeners.
type EventType string

const (
	EventMessage   EventType = "message"   // live message appended to the open timeline
	EventReload    EventType = "reload"    // history page applied, timeline replaced
	EventSystem    EventType = "system"    // system notice appended
	EventDirectory EventType = "directory" // conversation list or a preview changed
)

// Event is pushed to UI listeners on timeline/directory changes.
type Event struct {
	Type         EventType `json:"type"`
	Conversation string    `json:"conversation,omitempty"`
	Message      *Message  `json:"message,omitempty"`
}

// Manager coordinates the live subscription feed, the paginated history and
// the conversation directory for one logged-in user. Only one conversation
// is open at a time; selecting a new one unsubscribes the previous pairwise
// topic before subscribing the next, so messages for a conversation no
// longer displayed never reach the open timeline.
type Manager struct {
	selfID string
	token  string

	ps   PubSub
	hist HistoryFetcher

	timeline *Timeline
	dir      *Directory

	mu       sync.Mutex
	selected string // counterpart user ID, "" when nothing open
	room     string // pairwise room for selected

	listenerMu sync.RWMutex
	listeners  map[chan Event]struct{}

	cancelChat  func()
	cancelInbox func()
}

// NewManager wires the manager to the shared broker connection and the REST
// history client.
func NewManager(selfID, token string, ps PubSub, hist HistoryFetcher) *Manager {
	m := &Manager{
		selfID:    channel.Normalize(selfID),
		token:     token,
		ps:        ps,
		hist:      hist,
		timeline:  NewTimeline(),
		dir:       NewDirectory(),
		listeners: make(map[chan Event]struct{}),
	}
	// One local dispatch registration per concern; broker-side delivery is
	// governed by Subscribe/Unsubscribe per topic.
	m.cancelChat = ps.SubscribeTopic(mq.TopicChatPrefix, m.handleChat)
	m.cancelInbox = ps.SubscribeTopic(mq.TopicUserPrefix, m.handleInbox)
	return m
}

// Start subscribes the personal inbox topic and loads the conversation list.
func (m *Manager) Start(ctx context.Context) error {
	if err := m.ps.Subscribe(mq.UserInboxTopic(m.selfID)); err != nil {
		return fmt.Errorf("chat: subscribe inbox: %w", err)
	}
	if err := m.RefreshDirectory(ctx); err != nil {
		// The directory recovers on the next refresh; the session stays up.
		log.Printf("CHAT: initial conversation load failed: %v", err)
	}
	return nil
}

// RefreshDirectory refetches the full conversation list.
func (m *Manager) RefreshDirectory(ctx context.Context) error {
	list, err := m.hist.Conversations(ctx, m.selfID)
	if err != nil {
		return fmt.Errorf("chat: load conversations: %w", err)
	}
	m.dir.Replace(list)
	m.notify(Event{Type: EventDirectory})
	return nil
}

// SelectConversation opens a conversation: swaps the live subscription to the
// new pairwise topic and kicks off a history load guarded against the user
// switching again before it resolves.
func (m *Manager) SelectConversation(ctx context.Context, peerID string) error {
	peerID = channel.Normalize(peerID)
	room, err := channel.PairRoom(m.selfID, peerID)
	if err != nil {
		return err
	}

	m.mu.Lock()
	oldRoom := m.room
	m.selected = peerID
	m.room = room
	m.mu.Unlock()

	if oldRoom != "" && oldRoom != room {
		if err := m.ps.Unsubscribe(mq.ChatTopic(oldRoom)); err != nil {
			log.Printf("CHAT: unsubscribe %s: %v", oldRoom, err)
		}
	}

	gen := m.timeline.Select(peerID)

	if oldRoom != room {
		if err := m.ps.Subscribe(mq.ChatTopic(room)); err != nil {
			return fmt.Errorf("chat: subscribe %s: %w", room, err)
		}
	}

	go m.loadHistory(ctx, gen, peerID)
	log.Printf("CHAT: opened conversation with %s (room %s)", peerID, room)
	return nil
}

// loadHistory fetches page 0 for the conversation and applies it if the user
// has not moved on. Fetch failures leave the timeline empty and retryable.
func (m *Manager) loadHistory(ctx context.Context, gen uint64, peerID string) {
	recs, err := m.hist.Messages(ctx, m.selfID, peerID, 0)
	if err != nil {
		log.Printf("CHAT: history load for %s failed: %v", peerID, err)
		return
	}

	msgs := make([]Message, 0, len(recs))
	for _, rec := range recs {
		msg, err := NormalizeHistory(rec, m.selfID)
		if err != nil {
			log.Printf("CHAT: dropping history record: %v", err)
			continue
		}
		msgs = append(msgs, msg)
	}

	if m.timeline.ApplyHistory(gen, peerID, msgs) {
		m.notify(Event{Type: EventReload, Conversation: peerID})
	}
}

// Send publishes a message to the open conversation's pairwise topic. The
// local timeline is not touched here: the broker echoes the envelope back on
// the subscribed topic and the normal inbound path appends it, so both ends
// observe the same ordering.
func (m *Manager) Send(ctx context.Context, kind Kind, content string) error {
	if strings.TrimSpace(content) == "" {
		if kind == KindText {
			return nil
		}
		// Image and file messages carry their URL in content; publishing one
		// without it would be dropped as malformed on the receiving end.
		return fmt.Errorf("chat: %s message requires content", kind)
	}

	m.mu.Lock()
	peerID, room := m.selected, m.room
	m.mu.Unlock()
	if peerID == "" {
		return fmt.Errorf("chat: no conversation selected")
	}

	env := LiveEnvelope{
		Token:     m.token,
		Sender:    m.selfID,
		Recipient: peerID,
		Type:      string(kind),
		Content:   content,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	return m.ps.Publish(mq.ChatTopic(room), env)
}

// AppendSystem narrates a lifecycle event into the open timeline. The bridge
// used by the call controller.
func (m *Manager) AppendSystem(text string) {
	if m.timeline.AppendSystem(text) {
		m.notify(Event{Type: EventSystem, Conversation: m.SelectedPeer()})
	}
}

// SelectedPeer returns the counterpart of the open conversation, or "".
func (m *Manager) SelectedPeer() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.selected
}

// Room returns the pairwise room of the open conversation, or "".
func (m *Manager) Room() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.room
}

// Timeline exposes the open timeline for read access.
func (m *Manager) Timeline() *Timeline { return m.timeline }

// Directory exposes the conversation directory for read access.
func (m *Manager) Directory() *Directory { return m.dir }

// Subscribe returns a channel that receives UI events.
func (m *Manager) Subscribe() <-chan Event {
	ch := make(chan Event, 32)
	m.listenerMu.Lock()
	m.listeners[ch] = struct{}{}
	m.listenerMu.Unlock()
	return ch
}

// Unsubscribe removes a listener channel.
func (m *Manager) Unsubscribe(ch <-chan Event) {
	m.listenerMu.Lock()
	defer m.listenerMu.Unlock()
	for listener := range m.listeners {
		if listener == ch {
			close(listener)
			delete(m.listeners, listener)
			return
		}
	}
}

// Close shuts down the manager.
func (m *Manager) Close() {
	m.cancelChat()
	m.cancelInbox()

	m.listenerMu.Lock()
	for ch := range m.listeners {
		close(ch)
	}
	m.listeners = make(map[chan Event]struct{})
	m.listenerMu.Unlock()
}

// handleChat routes one live delivery from a /chat/{room} topic: open
// conversation → timeline append; anything else → directory preview only.
func (m *Manager) handleChat(topic string, payload json.RawMessage) {
	var env LiveEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		log.Printf("CHAT: dropping undecodable message on %s: %v", topic, err)
		return
	}
	msg, err := NormalizeLive(env, m.selfID)
	if err != nil {
		log.Printf("CHAT: dropping message on %s: %v", topic, err)
		return
	}

	// The conversation partner is whichever end of the envelope is not us.
	other := channel.Normalize(env.Sender)
	if msg.Mine {
		other = channel.Normalize(env.Recipient)
	}

	// The timeline compares the partner against its open conversation under
	// its own lock, so a delivery racing a conversation switch either lands
	// in the conversation it belongs to or falls through to the preview path.
	if m.timeline.AppendLive(other, msg) {
		m.dir.Patch(other, previewText(msg), msg.SentAt)
		m.notify(Event{Type: EventMessage, Conversation: other, Message: &msg})
		return
	}

	// Not the open conversation — preview only, never the wrong timeline.
	m.dir.Patch(other, previewText(msg), msg.SentAt)
	m.notify(Event{Type: EventDirectory, Conversation: other})
}

// handleInbox routes deliveries on the personal inbox topic. These are for
// conversations the user does not have open, so they only patch previews.
func (m *Manager) handleInbox(topic string, payload json.RawMessage) {
	var env LiveEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		log.Printf("CHAT: dropping undecodable inbox message: %v", err)
		return
	}
	msg, err := NormalizeLive(env, m.selfID)
	if err != nil {
		log.Printf("CHAT: dropping inbox message: %v", err)
		return
	}
	if msg.Mine {
		return
	}
	m.dir.Patch(msg.Author, previewText(msg), msg.SentAt)
	m.notify(Event{Type: EventDirectory, Conversation: msg.Author})
}

func previewText(m Message) string {
	switch m.Kind {
	case KindImage:
		return "[image]"
	case KindFile:
		return "[file]"
	default:
		return m.Body
	}
}

func (m *Manager) notify(evt Event) {
	m.listenerMu.RLock()
	for ch := range m.listeners {
		select {
		case ch <- evt:
		default:
			// Listener buffer full, skip.
		}
	}
	m.listenerMu.RUnlock()
}
