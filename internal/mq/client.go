// Package mq is the publish/subscribe transport client. The broker speaks
// newline-free JSON frames over a WebSocket: the client sends
// {action, topic, payload} control frames and receives {topic, payload}
// deliveries for topics it subscribed to. The connection is a single shared
// resource for the lifetime of the logged-in session — created once at
// startup, torn down at shutdown, and injected into the coordination core so
// tests can substitute a fake.
package mq

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	// Client → broker actions.
	ActionSubscribe   = "sub"
	ActionUnsubscribe = "unsub"
	ActionPublish     = "pub"
)

// Frame is the broker wire format, both directions. Action is empty on
// broker → client deliveries.
type Frame struct {
	Action  string          `json:"action,omitempty"`
	ID      string          `json:"id,omitempty"`
	Topic   string          `json:"topic"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Handler receives one delivered message. Handlers run on the read loop so
// deliveries for a topic are observed in broker order; they must not block.
type Handler func(topic string, payload json.RawMessage)

type topicSub struct {
	id     int
	prefix string
	fn     Handler
}

// Client is a connected broker session.
type Client struct {
	conn     *websocket.Conn
	clientID string

	writeMu sync.Mutex

	subMu   sync.RWMutex
	subs    []topicSub
	nextSub int

	done      chan struct{}
	closeOnce sync.Once
}

// NewClientID builds the unique per-session broker client ID for a user.
func NewClientID(userID string) string {
	return "web_" + userID + "_" + uuid.NewString()[:8]
}

// Connect dials the broker and starts the read loop. A positive keepalive
// starts a ping loop at that interval; a peer that stops answering for two
// intervals is treated as lost and the connection is torn down (Done closes).
// Zero disables keepalive.
func Connect(ctx context.Context, brokerURL, clientID string, keepalive time.Duration) (*Client, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, brokerURL, nil)
	if err != nil {
		return nil, fmt.Errorf("mq: dial broker %s: %w", brokerURL, err)
	}

	c := &Client{
		conn:     conn,
		clientID: clientID,
		done:     make(chan struct{}),
	}

	// Identify the session to the broker before anything else.
	if err := c.writeFrame(Frame{Action: "hello", ID: clientID}); err != nil {
		conn.Close()
		return nil, err
	}

	if keepalive > 0 {
		deadline := 2 * keepalive
		_ = conn.SetReadDeadline(time.Now().Add(deadline))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(deadline))
		})
		go c.pingLoop(keepalive)
	}

	go c.readLoop()
	log.Printf("MQ: connected to %s as %s", brokerURL, clientID)
	return c, nil
}

// pingLoop keeps the broker connection warm. Pongs come back through the read
// loop and extend the read deadline.
func (c *Client) pingLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(interval)); err != nil {
				log.Printf("MQ: keepalive ping failed: %v", err)
				c.Close()
				return
			}
		}
	}
}

// ClientID returns the per-session broker client ID.
func (c *Client) ClientID() string { return c.clientID }

// Subscribe asks the broker to deliver messages published on topic.
func (c *Client) Subscribe(topic string) error {
	if err := c.writeFrame(Frame{Action: ActionSubscribe, Topic: topic}); err != nil {
		return err
	}
	log.Printf("MQ: subscribed %s", topic)
	return nil
}

// Unsubscribe stops broker delivery for topic.
func (c *Client) Unsubscribe(topic string) error {
	if err := c.writeFrame(Frame{Action: ActionUnsubscribe, Topic: topic}); err != nil {
		return err
	}
	log.Printf("MQ: unsubscribed %s", topic)
	return nil
}

// Publish JSON-encodes v and publishes it on topic. The broker echoes the
// message back to every subscriber of the topic, including this client.
func (c *Client) Publish(topic string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("mq: encode payload for %s: %w", topic, err)
	}
	return c.writeFrame(Frame{
		Action:  ActionPublish,
		ID:      uuid.NewString(),
		Topic:   topic,
		Payload: payload,
	})
}

// SubscribeTopic registers a handler for delivered messages whose topic has
// the given prefix. Returns an unsubscribe function. This is local dispatch
// only — broker-side delivery is controlled by Subscribe/Unsubscribe.
func (c *Client) SubscribeTopic(prefix string, fn Handler) func() {
	c.subMu.Lock()
	c.nextSub++
	id := c.nextSub
	c.subs = append(c.subs, topicSub{id: id, prefix: prefix, fn: fn})
	c.subMu.Unlock()

	return func() {
		c.subMu.Lock()
		defer c.subMu.Unlock()
		for i, s := range c.subs {
			if s.id == id {
				c.subs = append(c.subs[:i], c.subs[i+1:]...)
				return
			}
		}
	}
}

// Close tears down the broker connection. Safe to call multiple times.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), closeDeadline())
		err = c.conn.Close()
		log.Printf("MQ: connection closed")
	})
	return err
}

// Done is closed when the read loop exits (connection lost or Close called).
func (c *Client) Done() <-chan struct{} { return c.done }

func closeDeadline() time.Time { return time.Now().Add(2 * time.Second) }

func (c *Client) writeFrame(f Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.WriteJSON(f); err != nil {
		return fmt.Errorf("mq: write frame (topic=%s): %w", f.Topic, err)
	}
	return nil
}

// readLoop delivers inbound frames to prefix-matching handlers, in order.
func (c *Client) readLoop() {
	defer c.Close()
	for {
		var f Frame
		if err := c.conn.ReadJSON(&f); err != nil {
			select {
			case <-c.done:
			default:
				log.Printf("MQ: read loop ended: %v", err)
			}
			return
		}
		if f.Topic == "" {
			continue
		}

		c.subMu.RLock()
		matched := make([]Handler, 0, 2)
		for _, s := range c.subs {
			if strings.HasPrefix(f.Topic, s.prefix) {
				matched = append(matched, s.fn)
			}
		}
		c.subMu.RUnlock()

		for _, fn := range matched {
			fn(f.Topic, f.Payload)
		}
	}
}
