package rest

import (
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mk12/mira/audit"
	mw "github.com/mk12/mira/middleware"
	"github.com/mk12/mira/model"
	"github.com/mk12/mira/social"
	"github.com/zeebo/blake3"
	"go.uber.org/zap"
)

const pngContentType = "image/png"

// CanvasHandler serves the canvas a caller shares with a friend.
type CanvasHandler struct {
	dir       social.Directory
	social    *social.Service
	audit     *audit.Service
	maxUpload int64
	logger    *zap.Logger
}

// NewCanvasHandler creates a CanvasHandler. Uploads larger than maxUpload
// bytes are rejected. audit may be nil.
func NewCanvasHandler(dir social.Directory, svc *social.Service, auditSvc *audit.Service, maxUpload int64, logger *zap.Logger) *CanvasHandler {
	return &CanvasHandler{dir: dir, social: svc, audit: auditSvc, maxUpload: maxUpload, logger: logger}
}

// ETag is a strong validator for an encoded canvas image.
func ETag(image []byte) string {
	sum := blake3.Sum256(image)
	return `"` + hex.EncodeToString(sum[:16]) + `"`
}

// etagMatches implements the If-None-Match comparison for a strong tag.
func etagMatches(header, tag string) bool {
	for _, candidate := range strings.Split(header, ",") {
		candidate = strings.TrimSpace(candidate)
		if candidate == "*" || strings.TrimPrefix(candidate, "W/") == tag {
			return true
		}
	}
	return false
}

func (h *CanvasHandler) target(c *gin.Context) (*model.Account, bool) {
	acc, err := h.dir.GetByName(c.Request.Context(), c.Param("username"))
	if err != nil {
		abortWithError(c, h.logger, err)
		return nil, false
	}
	return acc, true
}

// writeCanvas sends the canvas image, or 204 if it has never been painted.
func writeCanvas(c *gin.Context, cv *model.Canvas) {
	c.Header("Cache-Control", "private, no-cache")
	if cv.Empty() {
		c.Status(http.StatusNoContent)
		return
	}
	tag := ETag(cv.Image)
	c.Header("ETag", tag)
	if cv.LastFadeAt != nil {
		c.Header("X-Canvas-Faded-At", cv.LastFadeAt.UTC().Format(time.RFC3339))
	}
	if inm := c.GetHeader("If-None-Match"); inm != "" && etagMatches(inm, tag) {
		c.Status(http.StatusNotModified)
		return
	}
	c.Data(http.StatusOK, pngContentType, cv.Image)
}

// GetCanvas handles GET /api/friends/:username/canvas.
func (h *CanvasHandler) GetCanvas(c *gin.Context) {
	target, ok := h.target(c)
	if !ok {
		return
	}
	cv, err := h.social.Canvas(c.Request.Context(), mw.GetAccountID(c), target.ID)
	if err != nil {
		abortWithError(c, h.logger, err)
		return
	}
	writeCanvas(c, cv)
}

// PaintCanvas handles POST /api/friends/:username/canvas. The body is a PNG
// layer the size of the canvas; the response is the mixed result.
func (h *CanvasHandler) PaintCanvas(c *gin.Context) {
	start := time.Now()
	target, ok := h.target(c)
	if !ok {
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, h.maxUpload))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, gin.H{"error": "layer too large"})
			return
		}
		badRequest(c, err)
		return
	}

	cv, err := h.social.Paint(c.Request.Context(), mw.GetAccountID(c), target.ID, body)
	if h.audit != nil {
		h.audit.Log(audit.Entry{
			TraceID:   mw.GetTraceID(c),
			AccountID: mw.GetAccountID(c),
			TargetID:  target.ID,
			Action:    "canvas.paint",
			Request:   gin.H{"username": target.Username, "bytes": len(body)},
			Err:       err,
			IP:        c.ClientIP(),
			Duration:  time.Since(start),
		})
	}
	if err != nil {
		abortWithError(c, h.logger, err)
		return
	}
	writeCanvas(c, cv)
}
