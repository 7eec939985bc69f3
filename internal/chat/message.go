package chat

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/duochat/duochat/internal/channel"
)

// ErrMalformedPayload marks a wire message missing required fields. Callers
// drop such messages with a logged warning — they are never inserted into the
// timeline as blank entries.
var ErrMalformedPayload = errors.New("malformed message payload")

// Kind classifies a timeline entry.
type Kind string

const (
	KindText   Kind = "text"
	KindImage  Kind = "image"
	KindFile   Kind = "file"
	KindSystem Kind = "system"
)

// Message is the one internal shape both wire formats normalize into.
// Mine is computed exactly once, from the author/current-user comparison at
// normalization time; nothing mutates it afterwards, so it can never desync
// from Author.
type Message struct {
	Author   string    `json:"author"`
	Body     string    `json:"body"`
	MediaURL string    `json:"mediaUrl,omitempty"`
	Kind     Kind      `json:"kind"`
	SentAt   time.Time `json:"sentAt"`
	Mine     bool      `json:"mine"`
}

// LiveEnvelope is the JSON payload published on the pairwise chat topic.
// This shape is the wire contract for live delivery; both clients publish
// and decode it symmetrically.
type LiveEnvelope struct {
	Token     string `json:"token"`
	Sender    string `json:"sender"`
	Recipient string `json:"recipient"`
	Type      string `json:"type"`
	Content   string `json:"content"`
	Timestamp string `json:"timestamp"` // RFC3339
}

// HistoryRecord is one entry of a paginated history page. The history
// endpoint names fields differently from the live feed (senderId vs sender,
// fileUrl, a precomputed sent flag), so it gets its own tagged input type and
// the two shapes meet only inside the normalizer.
type HistoryRecord struct {
	SenderID  FlexID `json:"senderId"`
	Sender    FlexID `json:"sender"`
	Sent      *bool  `json:"sent,omitempty"`
	Type      string `json:"type"`
	Content   string `json:"content"`
	FileURL   string `json:"fileUrl,omitempty"`
	Timestamp string `json:"timestamp"`
}

// FlexID is an identity value the server serializes inconsistently as either
// a JSON number or a string. It always compares in canonical string form.
type FlexID string

func (f *FlexID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || string(data) == "null" {
		*f = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = FlexID(channel.Normalize(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*f = FlexID(n.String())
	return nil
}

// NormalizeLive maps a live-feed envelope into a Message.
func NormalizeLive(env LiveEnvelope, currentUserID string) (Message, error) {
	sender := channel.Normalize(env.Sender)
	if sender == "" {
		return Message{}, fmt.Errorf("%w: live envelope missing sender", ErrMalformedPayload)
	}
	if env.Content == "" {
		return Message{}, fmt.Errorf("%w: live envelope missing content", ErrMalformedPayload)
	}
	kind, err := parseKind(env.Type)
	if err != nil {
		return Message{}, err
	}

	m := Message{
		Author: sender,
		Body:   env.Content,
		Kind:   kind,
		SentAt: parseWhen(env.Timestamp),
		Mine:   sender == channel.Normalize(currentUserID),
	}
	// Media messages carry the URL in the content field on the live feed.
	if kind == KindImage || kind == KindFile {
		m.MediaURL = env.Content
	}
	return m, nil
}

// NormalizeHistory maps a history-page record into a Message. Ownership uses
// the author-identity comparison when a sender ID is present; the precomputed
// sent flag is an authoritative override only when it is not.
func NormalizeHistory(rec HistoryRecord, currentUserID string) (Message, error) {
	author := string(rec.SenderID)
	if author == "" {
		author = string(rec.Sender)
	}
	if rec.Content == "" && rec.FileURL == "" {
		return Message{}, fmt.Errorf("%w: history record has no content", ErrMalformedPayload)
	}

	var mine bool
	switch {
	case author != "":
		mine = author == channel.Normalize(currentUserID)
	case rec.Sent != nil:
		mine = *rec.Sent
	default:
		return Message{}, fmt.Errorf("%w: history record has no author attribution", ErrMalformedPayload)
	}

	kind, err := parseKind(rec.Type)
	if err != nil {
		return Message{}, err
	}

	body := rec.Content
	if body == "" {
		body = rec.FileURL
	}
	m := Message{
		Author: author,
		Body:   body,
		Kind:   kind,
		SentAt: parseWhen(rec.Timestamp),
		Mine:   mine,
	}
	if kind == KindImage || kind == KindFile {
		m.MediaURL = rec.FileURL
		if m.MediaURL == "" {
			m.MediaURL = rec.Content
		}
	}
	return m, nil
}

// systemMessage builds a non-authored timeline notice. Excluded from the
// mine/author bubble logic entirely.
func systemMessage(text string, at time.Time) Message {
	return Message{Body: text, Kind: KindSystem, SentAt: at}
}

func parseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "text":
		return KindText, nil
	case "image":
		return KindImage, nil
	case "file":
		return KindFile, nil
	default:
		return "", fmt.Errorf("%w: unknown message type %q", ErrMalformedPayload, s)
	}
}

// parseWhen tolerates the timestamp formats seen on the wire: RFC3339 from
// the live feed and unix milliseconds from older history rows. A missing or
// unparseable timestamp yields the zero time — deterministic, so normalizing
// the same raw message twice gives identical results. The timeline breaks
// ties by arrival order.
func parseWhen(s string) time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t
	}
	// ParseInt consumes the whole string, so "123abc" falls through to the
	// zero time instead of being read as 123ms.
	if millis, err := strconv.ParseInt(s, 10, 64); err == nil && millis > 0 {
		return time.UnixMilli(millis).UTC()
	}
	return time.Time{}
}
