package mq

// ── Topic constants ───────────────────────────────────────────────────────────
// Single source of truth for all broker topic strings used across the codebase.
// The topic scheme is part of the wire contract with the other client: both
// ends compute topics from the same pairwise room ID without negotiation.
const (
	// Chat — one topic per pairwise room, shared by both participants.
	TopicChatPrefix = "/chat/" // + room ID

	// Personal inbox — messages for conversations the user does not have open.
	TopicUserPrefix      = "/user/" // + user ID + TopicUserInboxSuffix
	TopicUserInboxSuffix = "/private"

	// Call signaling — scoped to the same pairwise room as the chat topic.
	TopicCallPrefix = "call:" // + room ID
)

// UserInboxTopic returns the personal inbox topic for a user.
func UserInboxTopic(userID string) string {
	return TopicUserPrefix + userID + TopicUserInboxSuffix
}

// ChatTopic returns the shared chat topic for a pairwise room.
func ChatTopic(room string) string {
	return TopicChatPrefix + room
}

// CallTopic returns the call-signaling topic for a pairwise room.
func CallTopic(room string) string {
	return TopicCallPrefix + room
}

// ── Call signal type constants ────────────────────────────────────────────────
// Value of the "type" field inside all call:* message payloads.
const (
	CallTypeRequest = "call-request"  // caller → callee: initiate a call
	CallTypeOffer   = "call-offer"    // offerer → answerer: SDP offer
	CallTypeAnswer  = "call-answer"   // answerer → offerer: SDP answer
	CallTypeICE     = "ice-candidate" // either → other: trickle ICE candidate
	CallTypeHangup  = "call-hangup"   // either side: end the call
)

// ── Call signal payloads ── topic: "call:{room}" ──────────────────────────────
//
// All call signals share the topic "call:{room}" and are routed by the "type"
// field. The participant whose ID orders first in the room name is the SDP
// offerer; the other answers. Both ends derive the role from the room name,
// so no extra negotiation message is needed.
//
//	offerer                         answerer
//	──────────────────────────────────────────────────────────
//	call-request ───────────────────►
//	call-offer   ───────────────────►
//	             ◄─────────────────── call-answer
//	ice-candidate ◄────────────────► ice-candidate (trickle, both ways)
//	call-hangup  ───────────────────► (or either side, any time)

// CallRequestPayload is sent by the caller to invite the remote peer.
// Token carries the server-issued media-session credential; the far end
// rejects requests without one.
type CallRequestPayload struct {
	Type  string `json:"type"` // CallTypeRequest
	From  string `json:"from"`
	Token string `json:"token"`
}

// CallOfferPayload carries the SDP offer.
type CallOfferPayload struct {
	Type string `json:"type"` // CallTypeOffer
	From string `json:"from"`
	SDP  string `json:"sdp"`
}

// CallAnswerPayload carries the SDP answer back to the offerer.
type CallAnswerPayload struct {
	Type string `json:"type"` // CallTypeAnswer
	From string `json:"from"`
	SDP  string `json:"sdp"`
}

// CallICECandidateInit is the standard RTCIceCandidateInit shape (W3C WebRTC).
type CallICECandidateInit struct {
	Candidate     string `json:"candidate"`
	SDPMid        string `json:"sdpMid,omitempty"`
	SDPMLineIndex uint16 `json:"sdpMLineIndex"`
}

// CallICEPayload carries a trickle ICE candidate between peers.
type CallICEPayload struct {
	Type      string               `json:"type"` // CallTypeICE
	From      string               `json:"from"`
	Candidate CallICECandidateInit `json:"candidate"`
}

// CallHangupPayload ends the call from either side.
type CallHangupPayload struct {
	Type string `json:"type"` // CallTypeHangup
	From string `json:"from"`
}
