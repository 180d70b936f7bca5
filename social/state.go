package social

import "github.com/mk12/mira/model"

// State is the relationship between an ordered pair (self, other) as seen by
// self.
type State string

const (
	StateSelf     State = "self"
	StateFriend   State = "friend"
	StateOutgoing State = "outgoing"
	StateIncoming State = "incoming"
	StateStranger State = "stranger"
)

// ResolveState derives self's view from the edge self→other (fwd) and the
// edge other→self (rev). Either may be nil.
//
// An ignored rev is invisible to self: it neither completes a friendship nor
// shows up as incoming. The sender keeps seeing its request as outgoing.
func ResolveState(fwd, rev *model.Friendship, self bool) State {
	if self {
		return StateSelf
	}
	revLive := rev != nil && !rev.Ignored
	switch {
	case fwd != nil && revLive:
		return StateFriend
	case fwd != nil:
		return StateOutgoing
	case revLive:
		return StateIncoming
	default:
		return StateStranger
	}
}
