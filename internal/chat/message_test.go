package chat

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func TestNormalizeLive(t *testing.T) {
	env := LiveEnvelope{
		Token:     "tok",
		Sender:    "42",
		Recipient: "7",
		Type:      "text",
		Content:   "hi",
		Timestamp: "2025-11-03T10:15:00Z",
	}

	msg, err := NormalizeLive(env, "42")
	if err != nil {
		t.Fatal(err)
	}
	if msg.Author != "42" || msg.Body != "hi" || msg.Kind != KindText {
		t.Fatalf("unexpected message %+v", msg)
	}
	if !msg.Mine {
		t.Fatal("sender == current user, expected Mine=true")
	}
	want := time.Date(2025, 11, 3, 10, 15, 0, 0, time.UTC)
	if !msg.SentAt.Equal(want) {
		t.Fatalf("SentAt = %v, want %v", msg.SentAt, want)
	}

	// Same envelope seen from the other end.
	msg, err = NormalizeLive(env, "7")
	if err != nil {
		t.Fatal(err)
	}
	if msg.Mine {
		t.Fatal("sender != current user, expected Mine=false")
	}
}

func TestNormalizeLiveIdempotent(t *testing.T) {
	env := LiveEnvelope{Sender: "42", Recipient: "7", Type: "text", Content: "hello"}
	first, err := NormalizeLive(env, "42")
	if err != nil {
		t.Fatal(err)
	}
	second, err := NormalizeLive(env, "42")
	if err != nil {
		t.Fatal(err)
	}
	if first != second {
		t.Fatalf("normalization not idempotent: %+v vs %+v", first, second)
	}
}

func TestNormalizeLiveMediaURL(t *testing.T) {
	env := LiveEnvelope{Sender: "7", Recipient: "42", Type: "Image", Content: "https://cdn.example/a.png"}
	msg, err := NormalizeLive(env, "42")
	if err != nil {
		t.Fatal(err)
	}
	if msg.Kind != KindImage {
		t.Fatalf("kind = %q", msg.Kind)
	}
	// The live feed carries the media URL in the content field.
	if msg.MediaURL != "https://cdn.example/a.png" {
		t.Fatalf("media url = %q", msg.MediaURL)
	}
}

func TestNormalizeLiveMalformed(t *testing.T) {
	cases := []LiveEnvelope{
		{Recipient: "7", Type: "text", Content: "hi"}, // no sender
		{Sender: "42", Recipient: "7", Type: "text"},  // no content
		{Sender: "42", Recipient: "7", Type: "carrier-pigeon", Content: "hi"},
	}
	for i, env := range cases {
		if _, err := NormalizeLive(env, "42"); !errors.Is(err, ErrMalformedPayload) {
			t.Fatalf("case %d: expected ErrMalformedPayload, got %v", i, err)
		}
	}
}

func TestNormalizeHistory(t *testing.T) {
	t.Run("sender id wins over sent flag", func(t *testing.T) {
		// sent=true contradicts the identity comparison; identity is the
		// primary signal and must win.
		wrong := true
		rec := HistoryRecord{SenderID: "7", Sent: &wrong, Type: "text", Content: "yo", Timestamp: "2025-11-03T09:00:00Z"}
		msg, err := NormalizeHistory(rec, "42")
		if err != nil {
			t.Fatal(err)
		}
		if msg.Mine {
			t.Fatal("identity comparison available, sent flag must not override it")
		}
	})

	t.Run("sent flag used without sender id", func(t *testing.T) {
		sent := true
		rec := HistoryRecord{Sent: &sent, Type: "text", Content: "yo"}
		msg, err := NormalizeHistory(rec, "42")
		if err != nil {
			t.Fatal(err)
		}
		if !msg.Mine {
			t.Fatal("sent flag is authoritative when no sender id is present")
		}
	})

	t.Run("fallback sender field", func(t *testing.T) {
		rec := HistoryRecord{Sender: "42", Type: "text", Content: "yo"}
		msg, err := NormalizeHistory(rec, "42")
		if err != nil {
			t.Fatal(err)
		}
		if !msg.Mine || msg.Author != "42" {
			t.Fatalf("unexpected %+v", msg)
		}
	})

	t.Run("no attribution at all", func(t *testing.T) {
		rec := HistoryRecord{Type: "text", Content: "yo"}
		if _, err := NormalizeHistory(rec, "42"); !errors.Is(err, ErrMalformedPayload) {
			t.Fatalf("expected ErrMalformedPayload, got %v", err)
		}
	})

	t.Run("file url", func(t *testing.T) {
		rec := HistoryRecord{SenderID: "7", Type: "image", FileURL: "https://cdn.example/b.png"}
		msg, err := NormalizeHistory(rec, "42")
		if err != nil {
			t.Fatal(err)
		}
		if msg.MediaURL != "https://cdn.example/b.png" {
			t.Fatalf("media url = %q", msg.MediaURL)
		}
	})
}

func TestFlexIDDecodesNumberAndString(t *testing.T) {
	// The history endpoint serializes sender IDs inconsistently as numbers
	// and strings; both must normalize to the same canonical form.
	var asNum, asStr HistoryRecord
	if err := json.Unmarshal([]byte(`{"senderId":42,"type":"text","content":"a"}`), &asNum); err != nil {
		t.Fatal(err)
	}
	if err := json.Unmarshal([]byte(`{"senderId":"42","type":"text","content":"a"}`), &asStr); err != nil {
		t.Fatal(err)
	}
	if asNum.SenderID != asStr.SenderID {
		t.Fatalf("number %q vs string %q", asNum.SenderID, asStr.SenderID)
	}
	if asNum.SenderID != "42" {
		t.Fatalf("got %q", asNum.SenderID)
	}
}

func TestParseWhenFormats(t *testing.T) {
	if got := parseWhen("2025-11-03T10:15:00Z"); got.IsZero() {
		t.Fatal("RFC3339 must parse")
	}
	if got := parseWhen("1762164900000"); got.IsZero() {
		t.Fatal("unix millis must parse")
	}
	if got := parseWhen(""); !got.IsZero() {
		t.Fatalf("empty timestamp must yield zero time, got %v", got)
	}
	if got := parseWhen("not-a-time"); !got.IsZero() {
		t.Fatalf("garbage timestamp must yield zero time, got %v", got)
	}
	// A numeric prefix with trailing garbage is not a millisecond timestamp.
	if got := parseWhen("123abc"); !got.IsZero() {
		t.Fatalf("partially numeric timestamp must yield zero time, got %v", got)
	}
	if got := parseWhen("-5"); !got.IsZero() {
		t.Fatalf("negative timestamp must yield zero time, got %v", got)
	}
}
