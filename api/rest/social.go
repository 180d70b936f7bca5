package rest

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mk12/mira/audit"
	mw "github.com/mk12/mira/middleware"
	"github.com/mk12/mira/model"
	"github.com/mk12/mira/social"
	"go.uber.org/zap"
)

// SocialHandler handles the friends REST endpoints. Other identities are
// addressed by username in the path.
type SocialHandler struct {
	dir    social.Directory
	social *social.Service
	audit  *audit.Service
	logger *zap.Logger
}

// NewSocialHandler creates a new SocialHandler. audit may be nil.
func NewSocialHandler(dir social.Directory, svc *social.Service, auditSvc *audit.Service, logger *zap.Logger) *SocialHandler {
	return &SocialHandler{dir: dir, social: svc, audit: auditSvc, logger: logger}
}

type mutationResponse struct {
	Outcome social.Outcome `json:"outcome"`
	Friend  *social.View   `json:"friend"`
}

// target resolves the :username path parameter.
func (h *SocialHandler) target(c *gin.Context) (*model.Account, bool) {
	acc, err := h.dir.GetByName(c.Request.Context(), c.Param("username"))
	if err != nil {
		abortWithError(c, h.logger, err)
		return nil, false
	}
	return acc, true
}

// ListFriends handles GET /api/friends.
func (h *SocialHandler) ListFriends(c *gin.Context) {
	views, err := h.social.Friends(c.Request.Context(), mw.GetAccountID(c))
	if err != nil {
		abortWithError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"friends": views})
}

// GetFriend handles GET /api/friends/:username.
func (h *SocialHandler) GetFriend(c *gin.Context) {
	target, ok := h.target(c)
	if !ok {
		return
	}
	view, err := h.social.Friend(c.Request.Context(), mw.GetAccountID(c), target.ID)
	if err != nil {
		abortWithError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

// AddFriend handles POST /api/friends/:username.
func (h *SocialHandler) AddFriend(c *gin.Context) {
	h.mutate(c, "friend.add", h.social.AddFriend)
}

// RemoveFriend handles DELETE /api/friends/:username.
func (h *SocialHandler) RemoveFriend(c *gin.Context) {
	h.mutate(c, "friend.remove", h.social.RemoveFriend)
}

func (h *SocialHandler) mutate(c *gin.Context, action string, op func(ctx context.Context, actor, target int64) (social.Outcome, error)) {
	start := time.Now()
	target, ok := h.target(c)
	if !ok {
		return
	}
	self := mw.GetAccountID(c)
	ctx := c.Request.Context()

	outcome, err := op(ctx, self, target.ID)
	h.record(c, action, target.ID, string(outcome), err, start)
	if err != nil {
		abortWithError(c, h.logger, err)
		return
	}
	view, err := h.social.Friend(ctx, self, target.ID)
	if err != nil {
		abortWithError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, mutationResponse{Outcome: outcome, Friend: view})
}

func (h *SocialHandler) record(c *gin.Context, action string, target int64, outcome string, err error, start time.Time) {
	if h.audit == nil {
		return
	}
	h.audit.Log(audit.Entry{
		TraceID:   mw.GetTraceID(c),
		AccountID: mw.GetAccountID(c),
		TargetID:  target,
		Action:    action,
		Outcome:   outcome,
		Request:   gin.H{"username": c.Param("username")},
		Err:       err,
		IP:        c.ClientIP(),
		Duration:  time.Since(start),
	})
}
