// Package app builds the Mira service graph and its HTTP routes. main and the
// integration tests share it so they cannot drift apart.
package app

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	apirest "github.com/mk12/mira/api/rest"
	"github.com/mk12/mira/api/sse"
	"github.com/mk12/mira/account"
	"github.com/mk12/mira/audit"
	"github.com/mk12/mira/cache"
	"github.com/mk12/mira/canvas"
	"github.com/mk12/mira/config"
	dbadapter "github.com/mk12/mira/db"
	"github.com/mk12/mira/lock"
	mw "github.com/mk12/mira/middleware"
	"github.com/mk12/mira/plugin/hook"
	"github.com/mk12/mira/scheduler"
	"github.com/mk12/mira/social"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"gorm.io/gorm"
)

// CanvasSweepTask is the scheduler name of the orphaned canvas sweep.
const CanvasSweepTask = "canvas_sweep"

// Deps are the infrastructure handles App is built on.
type Deps struct {
	DB     *gorm.DB
	Cache  cache.Cache
	PubSub cache.PubSub
	Logger *zap.Logger
	// Clock defaults to canvas.SystemClock.
	Clock canvas.Clock
}

// App holds the wired services and the HTTP router.
type App struct {
	Router    *gin.Engine
	Accounts  *account.Service
	Social    *social.Service
	Canvases  *canvas.Service
	Locks     *lock.Keyed
	Hooks     *hook.HookCenter
	Scheduler *scheduler.Scheduler
	Audit     *audit.Service
	SSE       *sse.Handler

	cancel context.CancelFunc
}

// New wires every service from cfg and d and registers the routes.
func New(cfg *config.Config, d Deps) (*App, error) {
	if err := apirest.RegisterValidations(); err != nil {
		return nil, err
	}
	logger := d.Logger
	clock := d.Clock
	if clock == nil {
		clock = canvas.SystemClock{}
	}

	hooks := hook.NewHookCenter()
	locks := lock.NewKeyed(d.Cache, cfg.Social.LockTTL, logger.Named("lock"))

	accounts, err := account.NewService(d.DB, cfg.Security, hooks, logger.Named("account"))
	if err != nil {
		return nil, err
	}
	engine := canvas.NewEngine(cfg.Canvas, canvas.PNGCodec{MaxPixels: cfg.Canvas.MaxPixels})
	canvases := canvas.NewService(d.DB, engine, locks, clock, logger.Named("canvas"))
	socialSvc := social.NewService(d.DB, social.NewGormStore(d.DB), canvases, locks, accounts, hooks, cfg.Social, logger.Named("social"))
	sseH := sse.NewHandler(d.PubSub, d.Cache, cfg.Security, accounts, logger.Named("sse"))

	// The second purge catches requests that committed while the account
	// row was being deleted; afterwards no new edge can reference it.
	purge := func(ctx context.Context, _ string, data any) (any, error) {
		id, ok := data.(int64)
		if !ok {
			return data, errors.New("app: account id expected")
		}
		return data, socialSvc.PurgeIdentity(ctx, id)
	}
	hooks.Register(hook.BeforeAccountDelete, 0, "social.purge", purge)
	hooks.Register(hook.AfterAccountDelete, 0, "social.purge", purge)
	hooks.Register(hook.AfterRelationChange, 100, "sse.notify", sseH.OnSocialEvent)
	hooks.Register(hook.AfterCanvasMix, 100, "sse.notify", sseH.OnSocialEvent)

	sched := scheduler.New(logger.Named("scheduler"))
	if cfg.Canvas.SweepInterval > 0 {
		sched.AddTicker(CanvasSweepTask, cfg.Canvas.SweepInterval, func(ctx context.Context) error {
			_, err := canvases.SweepOrphans(ctx)
			return err
		})
	}

	ctx, cancel := context.WithCancel(context.Background())
	a := &App{
		Accounts:  accounts,
		Social:    socialSvc,
		Canvases:  canvases,
		Locks:     locks,
		Hooks:     hooks,
		Scheduler: sched,
		Audit:     audit.New(d.DB, logger.Named("audit")),
		SSE:       sseH,
		cancel:    cancel,
	}
	a.Router = a.routes(ctx, cfg, d)
	return a, nil
}

func (a *App) routes(ctx context.Context, cfg *config.Config, d Deps) *gin.Engine {
	logger := d.Logger
	r := gin.New()
	r.Use(mw.TraceID(), mw.Logger(logger), mw.Recovery(logger))
	if cfg.Security.RateLimitRPS > 0 {
		r.Use(mw.RateLimit(ctx, rate.Limit(cfg.Security.RateLimitRPS), cfg.Security.RateLimitBurst))
	}

	r.GET("/health", func(c *gin.Context) {
		if err := dbadapter.Ping(d.DB); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "db unavailable"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/sse", a.SSE.ServeSSE)

	auth := mw.Auth(cfg.Security, d.Cache, a.Accounts)
	authH := apirest.NewAuthHandler(a.Accounts, d.Cache, cfg.Security, logger)
	socialH := apirest.NewSocialHandler(a.Accounts, a.Social, a.Audit, logger)
	canvasH := apirest.NewCanvasHandler(a.Accounts, a.Social, a.Audit, cfg.Canvas.MaxUploadBytes, logger)
	adminH := apirest.NewAdminHandler(d.DB, a.Accounts, a.Canvases, a.Locks, a.Hooks, a.Scheduler, logger)

	api := r.Group("/api")
	{
		authG := api.Group("/auth")
		authG.POST("/register", authH.Register)
		authG.POST("/login", authH.Login)
		authG.POST("/logout", auth, authH.Logout)
		authG.POST("/refresh", auth, authH.Refresh)
		authG.GET("/check", auth, authH.Check)
		authG.PUT("/password", auth, authH.ChangePassword)

		api.DELETE("/account", auth, authH.DeleteAccount)

		friendsG := api.Group("/friends", auth)
		friendsG.GET("", socialH.ListFriends)
		friendsG.GET("/:username", socialH.GetFriend)
		friendsG.POST("/:username", socialH.AddFriend)
		friendsG.DELETE("/:username", socialH.RemoveFriend)
		friendsG.GET("/:username/canvas", canvasH.GetCanvas)
		friendsG.POST("/:username/canvas", canvasH.PaintCanvas)

		adminG := api.Group("/admin")
		adminG.Use(mw.IPWhitelist(cfg.Server.AdminIPs), apirest.AdminAuth(cfg.Server.AdminKey))
		adminG.GET("/metrics", adminH.Metrics)
		adminG.GET("/scheduler", adminH.ListSchedulerTasks)
		adminG.POST("/canvases/sweep", adminH.SweepCanvases)
		adminG.POST("/accounts/:id/ban", adminH.BanAccount)
	}
	return r
}

// Close stops background work and flushes the audit log. Relationship
// events are no longer published once it returns.
func (a *App) Close(ctx context.Context) {
	a.Hooks.UnregisterAll("sse.notify")
	a.cancel()
	a.Scheduler.Stop()
	a.Audit.Stop(ctx)
}
