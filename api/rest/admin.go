package rest

import (
	"crypto/subtle"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/mk12/mira/account"
	"github.com/mk12/mira/canvas"
	"github.com/mk12/mira/lock"
	"github.com/mk12/mira/model"
	"github.com/mk12/mira/plugin/hook"
	"github.com/mk12/mira/scheduler"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// AdminHandler handles admin-only REST endpoints.
// Routes should be protected by AdminAuth middleware.
type AdminHandler struct {
	db       *gorm.DB
	accounts *account.Service
	canvases *canvas.Service
	locks    *lock.Keyed
	hooks    *hook.HookCenter
	sched    *scheduler.Scheduler
	logger   *zap.Logger
}

// NewAdminHandler creates an AdminHandler.
func NewAdminHandler(
	db *gorm.DB,
	accounts *account.Service,
	canvases *canvas.Service,
	locks *lock.Keyed,
	hooks *hook.HookCenter,
	sched *scheduler.Scheduler,
	logger *zap.Logger,
) *AdminHandler {
	return &AdminHandler{db: db, accounts: accounts, canvases: canvases, locks: locks, hooks: hooks, sched: sched, logger: logger}
}

// Metrics returns row counts, in-process lock usage and hook registrations.
// GET /api/admin/metrics
func (h *AdminHandler) Metrics(c *gin.Context) {
	ctx := c.Request.Context()
	counts := make(map[string]int64, 3)
	for name, m := range map[string]any{
		"accounts":    &model.Account{},
		"friendships": &model.Friendship{},
		"canvases":    &model.Canvas{},
	} {
		var n int64
		if err := h.db.WithContext(ctx).Model(m).Count(&n).Error; err != nil {
			abortWithError(c, h.logger, err)
			return
		}
		counts[name] = n
	}
	hooks := make(map[string]int, len(hook.Events))
	for _, ev := range hook.Events {
		hooks[ev] = h.hooks.Handlers(ev)
	}
	c.JSON(http.StatusOK, gin.H{
		"counts":          counts,
		"hooks":           hooks,
		"locks_held":      h.locks.Held(),
		"scheduler_tasks": len(h.sched.Statuses()),
	})
}

// ListSchedulerTasks returns the run history of every scheduled task.
// GET /api/admin/scheduler
func (h *AdminHandler) ListSchedulerTasks(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"tasks": h.sched.Statuses()})
}

// SweepCanvases deletes canvases no friendship references.
// POST /api/admin/canvases/sweep
func (h *AdminHandler) SweepCanvases(c *gin.Context) {
	n, err := h.canvases.SweepOrphans(c.Request.Context())
	if err != nil {
		abortWithError(c, h.logger, err)
		return
	}
	h.logger.Info("admin swept canvases", zap.Int("deleted", n))
	c.JSON(http.StatusOK, gin.H{"deleted": n})
}

// BanAccount bans or unbans an account.
// POST /api/admin/accounts/:id/ban
func (h *AdminHandler) BanAccount(c *gin.Context) {
	accountID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return
	}
	var req struct {
		Ban bool `json:"ban"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if err := h.accounts.SetBanned(c.Request.Context(), accountID, req.Ban); err != nil {
		abortWithError(c, h.logger, err)
		return
	}
	h.logger.Info("admin changed account status", zap.Int64("account_id", accountID), zap.Bool("banned", req.Ban))
	c.JSON(http.StatusOK, gin.H{"ok": true, "banned": req.Ban})
}

// AdminAuth returns a middleware that checks the X-Admin-Key header.
// If adminKey is empty all admin endpoints answer 503, so the server cannot
// be deployed with them unprotected.
func AdminAuth(adminKey string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if adminKey == "" {
			c.AbortWithStatusJSON(http.StatusServiceUnavailable,
				gin.H{"error": "admin endpoints disabled: set server.admin_key in config"})
			return
		}
		key := c.GetHeader("X-Admin-Key")
		if subtle.ConstantTimeCompare([]byte(key), []byte(adminKey)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Next()
	}
}
