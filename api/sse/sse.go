// Package sse streams relationship and canvas events to signed-in clients.
package sse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mk12/mira/cache"
	"github.com/mk12/mira/config"
	mw "github.com/mk12/mira/middleware"
	"github.com/mk12/mira/social"
	"go.uber.org/zap"
)

const defaultKeepalive = 30 * time.Second

// UserChannel is the pub/sub channel carrying events for one identity.
func UserChannel(id int64) string {
	return "user:" + strconv.FormatInt(id, 10)
}

// Handler handles the SSE endpoint.
type Handler struct {
	pubsub    cache.PubSub
	c         cache.Cache
	sec       config.SecurityConfig
	logins    mw.LoginValidator
	logger    *zap.Logger
	keepalive time.Duration

	closeOnce sync.Once
	done      chan struct{}
}

// NewHandler creates a new SSE Handler. logins may be nil.
func NewHandler(pubsub cache.PubSub, c cache.Cache, sec config.SecurityConfig, logins mw.LoginValidator, logger *zap.Logger) *Handler {
	return &Handler{
		pubsub:    pubsub,
		c:         c,
		sec:       sec,
		logins:    logins,
		logger:    logger,
		keepalive: defaultKeepalive,
		done:      make(chan struct{}),
	}
}

// Close ends every open stream. Register it with http.Server.RegisterOnShutdown
// so graceful shutdown does not wait on idle clients.
func (h *Handler) Close() {
	h.closeOnce.Do(func() { close(h.done) })
}

// SetKeepalive changes the interval between keepalive comments.
func (h *Handler) SetKeepalive(d time.Duration) {
	h.keepalive = d
}

// ServeSSE handles GET /sse?token=<jwt>. EventSource cannot send headers, so
// the token travels in the query string.
func (h *Handler) ServeSSE(c *gin.Context) {
	claims, err := mw.Verify(c.Request.Context(), h.sec, h.c, h.logins, c.Query("token"))
	if err != nil {
		status := http.StatusUnauthorized
		if !errors.Is(err, mw.ErrUnauthorized) {
			status = http.StatusInternalServerError
		}
		c.JSON(status, gin.H{"error": "unauthorized"})
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	msgCh, unsub, err := h.pubsub.Subscribe(ctx, UserChannel(claims.AccountID))
	if err != nil {
		h.logger.Error("sse subscribe failed", zap.Int64("account_id", claims.AccountID), zap.Error(err))
		c.Status(http.StatusInternalServerError)
		return
	}
	defer unsub()

	fmt.Fprintf(c.Writer, "event: connected\ndata: {}\n\n")
	c.Writer.Flush()

	ticker := time.NewTicker(h.keepalive)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-msgCh:
			if !ok {
				return
			}
			fmt.Fprintf(c.Writer, "event: %s\ndata: %s\n\n", eventName(msg.Payload), msg.Payload)
			c.Writer.Flush()

		case <-ticker.C:
			fmt.Fprintf(c.Writer, ": keepalive\n\n")
			c.Writer.Flush()

		case <-ctx.Done():
			return
		case <-h.done:
			return
		}
	}
}

func eventName(payload string) string {
	var head struct {
		Kind string `json:"kind"`
	}
	if json.Unmarshal([]byte(payload), &head) != nil || head.Kind == "" {
		return "message"
	}
	return head.Kind
}

// Notify publishes ev to everyone in its audience.
func (h *Handler) Notify(ctx context.Context, ev social.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	var errs []error
	for _, id := range ev.Audience() {
		if err := h.pubsub.Publish(ctx, UserChannel(id), string(payload)); err != nil {
			errs = append(errs, fmt.Errorf("sse: publish to %d: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

// OnSocialEvent is a hook handler forwarding social.Event values to Notify.
func (h *Handler) OnSocialEvent(ctx context.Context, _ string, data any) (any, error) {
	ev, ok := data.(social.Event)
	if !ok {
		return data, nil
	}
	return data, h.Notify(ctx, ev)
}
