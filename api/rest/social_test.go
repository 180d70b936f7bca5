package rest_test

import (
	"context"
	"net/http"
	"testing"

	"github.com/mk12/mira/model"
	"github.com/mk12/mira/social"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mutation struct {
	Outcome social.Outcome `json:"outcome"`
	Friend  social.View    `json:"friend"`
}

func TestFriends_RequestAndAccept(t *testing.T) {
	e := newEnv(t)
	aTok, _ := e.register(t, "alice")
	bTok, _ := e.register(t, "bob")

	w := e.do(http.MethodPost, "/api/friends/bob", aTok, nil)
	require.Equal(t, http.StatusOK, w.Code)
	m := decode[mutation](t, w)
	assert.Equal(t, social.OutcomeRequestSent, m.Outcome)
	assert.Equal(t, social.StateOutgoing, m.Friend.State)
	assert.Equal(t, "bob", m.Friend.Username)

	w = e.do(http.MethodGet, "/api/friends/alice", bTok, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, social.StateIncoming, decode[social.View](t, w).State)

	w = e.do(http.MethodPost, "/api/friends/alice", bTok, nil)
	require.Equal(t, http.StatusOK, w.Code)
	m = decode[mutation](t, w)
	assert.Equal(t, social.OutcomeAccepted, m.Outcome)
	assert.Equal(t, social.StateFriend, m.Friend.State)

	w = e.do(http.MethodPost, "/api/friends/alice", bTok, nil)
	assert.Equal(t, social.OutcomeAlreadyFriends, decode[mutation](t, w).Outcome)
}

func TestFriends_Remove(t *testing.T) {
	e := newEnv(t)
	aTok, _ := e.register(t, "alice")
	bTok, _ := e.register(t, "bob")
	e.befriend(t, aTok, "alice", bTok, "bob")

	w := e.do(http.MethodDelete, "/api/friends/bob", aTok, nil)
	require.Equal(t, http.StatusOK, w.Code)
	m := decode[mutation](t, w)
	assert.Equal(t, social.OutcomeUnfriended, m.Outcome)
	assert.Equal(t, social.StateStranger, m.Friend.State)

	w = e.do(http.MethodGet, "/api/friends/alice", bTok, nil)
	assert.Equal(t, social.StateOutgoing, decode[social.View](t, w).State)

	w = e.do(http.MethodDelete, "/api/friends/bob", aTok, nil)
	assert.Equal(t, social.OutcomeNoOp, decode[mutation](t, w).Outcome)
}

func TestFriends_Errors(t *testing.T) {
	e := newEnv(t)
	aTok, _ := e.register(t, "alice")
	e.register(t, "bob")
	e.register(t, "carol")
	e.register(t, "dave")

	assert.Equal(t, http.StatusBadRequest, e.do(http.MethodPost, "/api/friends/alice", aTok, nil).Code)
	assert.Equal(t, http.StatusNotFound, e.do(http.MethodPost, "/api/friends/nobody", aTok, nil).Code)
	assert.Equal(t, http.StatusNotFound, e.do(http.MethodGet, "/api/friends/nobody", aTok, nil).Code)

	// The test env caps outgoing edges at 2.
	require.Equal(t, http.StatusOK, e.do(http.MethodPost, "/api/friends/bob", aTok, nil).Code)
	require.Equal(t, http.StatusOK, e.do(http.MethodPost, "/api/friends/carol", aTok, nil).Code)
	w := e.do(http.MethodPost, "/api/friends/dave", aTok, nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Contains(t, w.Body.String(), "limit")
}

func TestFriends_ViewSelf(t *testing.T) {
	e := newEnv(t)
	aTok, _ := e.register(t, "alice")

	w := e.do(http.MethodGet, "/api/friends/alice", aTok, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, social.StateSelf, decode[social.View](t, w).State)
}

func TestFriends_ListOrdering(t *testing.T) {
	e := newEnv(t)
	aTok, _ := e.register(t, "alice")
	bTok, _ := e.register(t, "bob")
	cTok, _ := e.register(t, "carol")
	e.register(t, "dave")
	eTok, _ := e.register(t, "erin")

	e.befriend(t, aTok, "alice", cTok, "carol")
	require.Equal(t, http.StatusOK, e.do(http.MethodPost, "/api/friends/dave", aTok, nil).Code)
	require.Equal(t, http.StatusOK, e.do(http.MethodPost, "/api/friends/alice", eTok, nil).Code)
	require.Equal(t, http.StatusOK, e.do(http.MethodPost, "/api/friends/alice", bTok, nil).Code)

	w := e.do(http.MethodGet, "/api/friends", aTok, nil)
	require.Equal(t, http.StatusOK, w.Code)
	list := decode[struct {
		Friends []social.View `json:"friends"`
	}](t, w).Friends

	var got []string
	for _, v := range list {
		got = append(got, v.Username+":"+string(v.State))
		assert.NotNil(t, v.Time)
	}
	assert.Equal(t, []string{"carol:friend", "dave:outgoing", "bob:incoming", "erin:incoming"}, got)

	// Ignoring a request hides it from the list.
	require.Equal(t, http.StatusOK, e.do(http.MethodDelete, "/api/friends/bob", aTok, nil).Code)
	w = e.do(http.MethodGet, "/api/friends", aTok, nil)
	assert.NotContains(t, w.Body.String(), `"bob"`)
}

func TestFriends_Audited(t *testing.T) {
	e := newEnv(t)
	aTok, aID := e.register(t, "alice")
	_, bID := e.register(t, "bob")

	require.Equal(t, http.StatusOK, e.do(http.MethodPost, "/api/friends/bob", aTok, nil).Code)
	e.audit.Stop(context.Background())

	var logs []model.AuditLog
	require.NoError(t, e.db.Find(&logs).Error)
	require.Len(t, logs, 1)
	assert.Equal(t, "friend.add", logs[0].Action)
	assert.Equal(t, string(social.OutcomeRequestSent), logs[0].Outcome)
	assert.Equal(t, aID, *logs[0].AccountID)
	assert.Equal(t, bID, *logs[0].TargetID)
	assert.NotEmpty(t, logs[0].TraceID)
}
