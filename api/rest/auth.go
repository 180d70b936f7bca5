package rest

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mk12/mira/account"
	"github.com/mk12/mira/cache"
	"github.com/mk12/mira/config"
	mw "github.com/mk12/mira/middleware"
	"github.com/mk12/mira/model"
	"go.uber.org/zap"
)

const cacheTimeout = 2 * time.Second

// AuthHandler handles account and session REST endpoints.
type AuthHandler struct {
	accounts *account.Service
	cache    cache.Cache
	sec      config.SecurityConfig
	logger   *zap.Logger
}

// NewAuthHandler creates a new AuthHandler.
func NewAuthHandler(accounts *account.Service, c cache.Cache, sec config.SecurityConfig, logger *zap.Logger) *AuthHandler {
	return &AuthHandler{accounts: accounts, cache: c, sec: sec, logger: logger}
}

type registerRequest struct {
	Username string `json:"username" binding:"required,username"`
	Password string `json:"password" binding:"required,max=72"`
}

type loginRequest struct {
	Username string `json:"username" binding:"required,max=32"`
	Password string `json:"password" binding:"required,max=72"`
}

type passwordRequest struct {
	Current string `json:"current" binding:"required,max=72"`
	New     string `json:"new" binding:"required,max=72"`
}

type deleteAccountRequest struct {
	Password string `json:"password" binding:"required,max=72"`
}

// issue mints a token for acc and records its session.
func (h *AuthHandler) issue(ctx context.Context, acc *model.Account) (string, error) {
	token, err := mw.GenerateToken(acc.ID, acc.LoginID, h.sec.JWTSecret, h.sec.JWTTTLH)
	if err != nil {
		return "", err
	}
	ctx, cancel := context.WithTimeout(ctx, cacheTimeout)
	defer cancel()
	if err := h.cache.Set(ctx, mw.SessionKey(token), strconv.FormatInt(acc.ID, 10), h.sec.JWTTTLH); err != nil {
		return "", err
	}
	return token, nil
}

func (h *AuthHandler) dropSession(ctx context.Context, token string) {
	if token == "" {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, cacheTimeout)
	defer cancel()
	if err := h.cache.Del(ctx, mw.SessionKey(token)); err != nil {
		h.logger.Warn("drop session", zap.Error(err))
	}
}

// Register handles POST /api/auth/register.
func (h *AuthHandler) Register(c *gin.Context) {
	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	acc, err := h.accounts.Register(c.Request.Context(), req.Username, req.Password)
	if err != nil {
		abortWithError(c, h.logger, err)
		return
	}
	token, err := h.issue(c.Request.Context(), acc)
	if err != nil {
		abortWithError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"token":      token,
		"account_id": acc.ID,
		"username":   acc.Username,
	})
}

// Login handles POST /api/auth/login.
func (h *AuthHandler) Login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	acc, err := h.accounts.Authenticate(c.Request.Context(), req.Username, req.Password, c.ClientIP())
	if err != nil {
		abortWithError(c, h.logger, err)
		return
	}
	token, err := h.issue(c.Request.Context(), acc)
	if err != nil {
		abortWithError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"token":      token,
		"account_id": acc.ID,
		"username":   acc.Username,
	})
}

// Logout handles POST /api/auth/logout.
func (h *AuthHandler) Logout(c *gin.Context) {
	h.dropSession(c.Request.Context(), mw.BearerToken(c))
	c.JSON(http.StatusOK, gin.H{"message": "logged out"})
}

// Refresh handles POST /api/auth/refresh. The presented token is retired.
func (h *AuthHandler) Refresh(c *gin.Context) {
	acc, err := h.accounts.Get(c.Request.Context(), mw.GetAccountID(c))
	if err != nil {
		abortWithError(c, h.logger, err)
		return
	}
	token, err := h.issue(c.Request.Context(), acc)
	if err != nil {
		abortWithError(c, h.logger, err)
		return
	}
	h.dropSession(c.Request.Context(), mw.BearerToken(c))
	c.JSON(http.StatusOK, gin.H{"token": token})
}

// Check handles GET /api/auth/check.
func (h *AuthHandler) Check(c *gin.Context) {
	acc, err := h.accounts.Get(c.Request.Context(), mw.GetAccountID(c))
	if err != nil {
		abortWithError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"account_id": acc.ID, "username": acc.Username})
}

// ChangePassword handles PUT /api/auth/password. Every existing session is
// invalidated and a fresh token is returned.
func (h *AuthHandler) ChangePassword(c *gin.Context) {
	var req passwordRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	acc, err := h.accounts.ChangePassword(c.Request.Context(), mw.GetAccountID(c), req.Current, req.New)
	if err != nil {
		abortWithError(c, h.logger, err)
		return
	}
	h.dropSession(c.Request.Context(), mw.BearerToken(c))
	token, err := h.issue(c.Request.Context(), acc)
	if err != nil {
		abortWithError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": token})
}

// DeleteAccount handles DELETE /api/account.
func (h *AuthHandler) DeleteAccount(c *gin.Context) {
	var req deleteAccountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if err := h.accounts.Delete(c.Request.Context(), mw.GetAccountID(c), req.Password); err != nil {
		abortWithError(c, h.logger, err)
		return
	}
	h.dropSession(c.Request.Context(), mw.BearerToken(c))
	c.Status(http.StatusNoContent)
}
