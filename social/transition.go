package social

import "github.com/mk12/mira/model"

// Outcome reports what AddFriend or RemoveFriend did.
type Outcome string

const (
	OutcomeRequestSent           Outcome = "request_sent"
	OutcomeRequestAlreadyPending Outcome = "request_already_pending"
	OutcomeAlreadyFriends        Outcome = "already_friends"
	OutcomeAccepted              Outcome = "accepted"
	OutcomeUnfriended            Outcome = "unfriended"
	OutcomeRequestRevoked        Outcome = "request_revoked"
	OutcomeRequestIgnored        Outcome = "request_ignored"
	OutcomeNoOp                  Outcome = "no_op"
)

// edgeCase is the stored shape of a pair from the actor's side.
// revIgnored is only meaningful when rev is set.
type edgeCase struct {
	fwd        bool
	rev        bool
	revIgnored bool
}

func classify(fwd, rev *model.Friendship) edgeCase {
	return edgeCase{
		fwd:        fwd != nil,
		rev:        rev != nil,
		revIgnored: rev != nil && rev.Ignored,
	}
}

// action is a set of store mutations, applied in declaration order.
type action uint16

const (
	actCheckLimit action = 1 << iota
	actCreateFwd
	actIgnoreRev
	actUnignoreRev
	actShareCanvas
	actDropCanvas
	actDeleteFwd
)

func (a action) has(b action) bool { return a&b != 0 }

type transition struct {
	outcome Outcome
	actions action
}

// addTransitions covers every reachable edgeCase for AddFriend.
var addTransitions = map[edgeCase]transition{
	{fwd: true, rev: true}:                   {OutcomeAlreadyFriends, 0},
	{fwd: true, rev: true, revIgnored: true}: {OutcomeRequestSent, actUnignoreRev | actShareCanvas},
	{fwd: true}:                              {OutcomeRequestAlreadyPending, 0},
	{rev: true}:                              {OutcomeAccepted, actCreateFwd | actUnignoreRev | actShareCanvas},
	{rev: true, revIgnored: true}:            {OutcomeAccepted, actCreateFwd | actUnignoreRev | actShareCanvas},
	{}:                                       {OutcomeRequestSent, actCheckLimit | actCreateFwd},
}

// removeTransitions covers every reachable edgeCase for RemoveFriend.
var removeTransitions = map[edgeCase]transition{
	{fwd: true, rev: true}:                   {OutcomeUnfriended, actIgnoreRev | actDropCanvas | actDeleteFwd},
	{fwd: true, rev: true, revIgnored: true}: {OutcomeUnfriended, actIgnoreRev | actDropCanvas | actDeleteFwd},
	{fwd: true}:                              {OutcomeRequestRevoked, actDeleteFwd},
	{rev: true}:                              {OutcomeRequestIgnored, actIgnoreRev},
	{rev: true, revIgnored: true}:            {OutcomeNoOp, 0},
	{}:                                       {OutcomeNoOp, 0},
}
