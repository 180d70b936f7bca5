package rest_test

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mk12/mira/account"
	"github.com/mk12/mira/api/rest"
	"github.com/mk12/mira/audit"
	"github.com/mk12/mira/cache"
	"github.com/mk12/mira/canvas"
	"github.com/mk12/mira/config"
	"github.com/mk12/mira/lock"
	mw "github.com/mk12/mira/middleware"
	"github.com/mk12/mira/plugin/hook"
	"github.com/mk12/mira/scheduler"
	"github.com/mk12/mira/social"
	"github.com/mk12/mira/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

func init() {
	gin.SetMode(gin.TestMode)
	if err := rest.RegisterValidations(); err != nil {
		panic(err)
	}
}

const testAdminKey = "admin-key"

var testSec = config.SecurityConfig{
	JWTSecret:         "test-secret",
	JWTTTLH:           72 * time.Hour,
	MinPasswordLength: 8,
	BcryptCost:        bcrypt.MinCost,
}

type env struct {
	r        *gin.Engine
	db       *gorm.DB
	cache    cache.Cache
	accounts *account.Service
	social   *social.Service
	canvases *canvas.Service
	audit    *audit.Service
	sched    *scheduler.Scheduler
	clock    *canvas.FixedClock
}

// newEnv builds the REST surface over an in-memory database, mirroring the
// routes registered by the app package.
func newEnv(t *testing.T) *env {
	t.Helper()
	db := testutil.SetupTestDB(t)
	c, _ := testutil.SetupTestCache(t)
	logger := zap.NewNop()
	hooks := hook.NewHookCenter()
	locks := lock.NewKeyed(c, time.Second, logger)
	clock := &canvas.FixedClock{T: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}

	accounts, err := account.NewService(db, testSec, hooks, logger)
	require.NoError(t, err)
	canvasCfg := config.CanvasConfig{MaxUploadBytes: 64 << 10}
	canvases := canvas.NewService(db, canvas.NewEngine(canvasCfg, canvas.PNGCodec{}), locks, clock, logger)
	socialSvc := social.NewService(db, social.NewGormStore(db), canvases, locks, accounts, hooks,
		config.SocialConfig{MaxFriends: 2}, logger)
	purge := func(ctx context.Context, _ string, d any) (any, error) {
		return d, socialSvc.PurgeIdentity(ctx, d.(int64))
	}
	hooks.Register(hook.BeforeAccountDelete, 0, "purge", purge)
	hooks.Register(hook.AfterAccountDelete, 0, "purge", purge)
	auditSvc := audit.New(db, logger)
	sched := scheduler.New(logger)
	t.Cleanup(func() {
		sched.Stop()
		auditSvc.Stop(context.Background())
	})

	auth := mw.Auth(testSec, c, accounts)
	authH := rest.NewAuthHandler(accounts, c, testSec, logger)
	socialH := rest.NewSocialHandler(accounts, socialSvc, auditSvc, logger)
	canvasH := rest.NewCanvasHandler(accounts, socialSvc, auditSvc, canvasCfg.MaxUploadBytes, logger)
	adminH := rest.NewAdminHandler(db, accounts, canvases, locks, hooks, sched, logger)

	r := gin.New()
	r.Use(mw.TraceID())
	api := r.Group("/api")
	api.POST("/auth/register", authH.Register)
	api.POST("/auth/login", authH.Login)
	api.POST("/auth/logout", auth, authH.Logout)
	api.POST("/auth/refresh", auth, authH.Refresh)
	api.GET("/auth/check", auth, authH.Check)
	api.PUT("/auth/password", auth, authH.ChangePassword)
	api.DELETE("/account", auth, authH.DeleteAccount)

	friends := api.Group("/friends", auth)
	friends.GET("", socialH.ListFriends)
	friends.GET("/:username", socialH.GetFriend)
	friends.POST("/:username", socialH.AddFriend)
	friends.DELETE("/:username", socialH.RemoveFriend)
	friends.GET("/:username/canvas", canvasH.GetCanvas)
	friends.POST("/:username/canvas", canvasH.PaintCanvas)

	admin := api.Group("/admin", rest.AdminAuth(testAdminKey))
	admin.GET("/metrics", adminH.Metrics)
	admin.GET("/scheduler", adminH.ListSchedulerTasks)
	admin.POST("/canvases/sweep", adminH.SweepCanvases)
	admin.POST("/accounts/:id/ban", adminH.BanAccount)

	return &env{
		r: r, db: db, cache: c, accounts: accounts, social: socialSvc,
		canvases: canvases, audit: auditSvc, sched: sched, clock: clock,
	}
}

// do sends a request with an optional JSON (or raw []byte) body and bearer
// token. Extra headers are given as name/value pairs.
func (e *env) do(method, path, token string, body any, headers ...string) *httptest.ResponseRecorder {
	var rd io.Reader
	switch b := body.(type) {
	case nil:
	case []byte:
		rd = bytes.NewReader(b)
	default:
		raw, _ := json.Marshal(b)
		rd = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, rd)
	if _, isJSON := body.([]byte); body != nil && !isJSON {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	e.r.ServeHTTP(w, req)
	return w
}

// register creates an account over HTTP and returns its token and id.
func (e *env) register(t *testing.T, username string) (string, int64) {
	t.Helper()
	w := e.do(http.MethodPost, "/api/auth/register", "", map[string]string{
		"username": username, "password": "password1",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var resp struct {
		Token     string `json:"token"`
		AccountID int64  `json:"account_id"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp.Token, resp.AccountID
}

// befriend makes a and b mutual friends over HTTP.
func (e *env) befriend(t *testing.T, aToken, aName, bToken, bName string) {
	t.Helper()
	require.Equal(t, http.StatusOK, e.do(http.MethodPost, "/api/friends/"+bName, aToken, nil).Code)
	require.Equal(t, http.StatusOK, e.do(http.MethodPost, "/api/friends/"+aName, bToken, nil).Code)
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func solidPNG(t *testing.T, w, h int, c color.NRGBA) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i], img.Pix[i+1], img.Pix[i+2], img.Pix[i+3] = c.R, c.G, c.B, c.A
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}
