// Package channel derives the names both ends of a 1:1 conversation compute
// independently. The room ID doubles as the chat topic suffix and the video
// call channel name, so the ordering rule here is part of the wire contract:
// both clients must arrive at the same room without a negotiation round-trip.
package channel

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrInvalidIdentity is returned for empty or self-referential identity pairs.
// This is a programmer error — callers validate identities before reaching here.
var ErrInvalidIdentity = errors.New("invalid identity")

// Separator joins the two ordered participant IDs into a room ID.
const Separator = "-"

// PairRoom returns the canonical room ID for two participants.
// Symmetric and pure: PairRoom(a, b) == PairRoom(b, a) for all valid pairs,
// stable across processes and restarts.
//
// Ordering rule: when both IDs parse as base-10 integers they are ordered
// numerically, otherwise lexicographically on their canonical string form.
// Mixing the two rules across call sites breaks interop for pairs like
// ("9", "10"), so this function is the only place the comparison lives.
func PairRoom(a, b string) (string, error) {
	a = Normalize(a)
	b = Normalize(b)
	if a == "" || b == "" {
		return "", fmt.Errorf("%w: empty participant id", ErrInvalidIdentity)
	}
	if a == b {
		return "", fmt.Errorf("%w: participant ids are identical (%q)", ErrInvalidIdentity, a)
	}
	if less(b, a) {
		a, b = b, a
	}
	return a + Separator + b, nil
}

// Normalize canonicalizes an identity value to its comparable string form.
// The backend serializes user IDs inconsistently as numbers and strings;
// all comparisons in this codebase go through this form.
func Normalize(id string) string {
	return strings.TrimSpace(id)
}

func less(a, b string) bool {
	na, errA := strconv.ParseInt(a, 10, 64)
	nb, errB := strconv.ParseInt(b, 10, 64)
	if errA == nil && errB == nil {
		return na < nb
	}
	return a < b
}
