package social

import "time"

// Event kinds carried by Event.Kind.
const (
	EventRelation = "relation"
	EventCanvas   = "canvas"
)

// Event describes a committed change to a pair. It is passed to the
// AfterRelationChange and AfterCanvasMix hooks.
type Event struct {
	Kind     string    `json:"kind"`
	Actor    int64     `json:"actor"`
	Target   int64     `json:"target"`
	Outcome  Outcome   `json:"outcome,omitempty"`
	CanvasID *int64    `json:"canvas_id,omitempty"`
	At       time.Time `json:"at"`
}

// Audience returns the identities that should hear about the event.
func (e Event) Audience() []int64 {
	return []int64{e.Actor, e.Target}
}
