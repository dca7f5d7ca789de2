package api

import (
	"context"
	"crypto/subtle"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/xpadev-net/ice-launcher/internal/config"
	"github.com/xpadev-net/ice-launcher/internal/httpapi"
	"github.com/xpadev-net/ice-launcher/internal/launcher"
	"github.com/xpadev-net/ice-launcher/internal/log"
	"github.com/xpadev-net/ice-launcher/internal/metrics"
	"github.com/xpadev-net/ice-launcher/internal/status"
)

// Mount paths icecast serves itself; hidden when status is forbidden.
var statusMounts = map[string]bool{
	"/":                   true,
	"/status.xsl":         true,
	"/server_version.xsl": true,
}

// EventHandler decides icecast callbacks.
type EventHandler interface {
	HandleEvent(ev launcher.Event) launcher.Decision
}

// Snapshotter produces status snapshots.
type Snapshotter interface {
	Snapshot(ctx context.Context) *status.Snapshot
}

// Handler holds dependencies for API handlers.
type Handler struct {
	events        EventHandler
	status        Snapshotter
	allowUsers    map[string]string
	forbidStatus  bool
	statusTimeout time.Duration

	ready atomic.Bool
}

// NewHandler creates a new API handler.
func NewHandler(cfg *config.LauncherConfig, events EventHandler, snapshots Snapshotter) *Handler {
	return &Handler{
		events:        events,
		status:        snapshots,
		allowUsers:    cfg.AllowUsers,
		forbidStatus:  cfg.IcecastForbidStatus,
		statusTimeout: 10 * time.Second,
	}
}

// SetReady toggles the readiness probe.
func (h *Handler) SetReady(ready bool) {
	h.ready.Store(ready)
}

// Callback handles icecast's POSTed auth events.
func (h *Handler) Callback(c *gin.Context) {
	action := c.PostForm("action")
	ev := launcher.Event{
		Action: action,
		Mount:  c.PostForm("mount"),
		Client: c.PostForm("client"),
	}

	if action == launcher.ActionListenerAdd {
		if h.forbidStatus && statusMounts[ev.Mount] {
			log.Debug("status page forbidden", zap.String("mount", ev.Mount))
			httpapi.RespondAuth(c, false)
			return
		}
		if !h.checkUser(c) {
			httpapi.RespondAuth(c, false)
			return
		}
	}

	d := h.events.HandleEvent(ev)
	httpapi.RespondAuth(c, d == launcher.Accept)
}

// checkUser validates user and pass when an allow list is configured.
func (h *Handler) checkUser(c *gin.Context) bool {
	if len(h.allowUsers) == 0 {
		return true
	}
	user, ok := c.GetPostForm("user")
	if !ok {
		log.Warn("user not provided, but needed")
		return false
	}
	pass, ok := c.GetPostForm("pass")
	if !ok {
		log.Warn("pass not provided, but needed")
		return false
	}
	want, ok := h.allowUsers[user]
	if !ok {
		log.Warn("user not found in allowed list", zap.String("user", user))
		return false
	}
	if subtle.ConstantTimeCompare([]byte(pass), []byte(want)) != 1 {
		log.Warn("user has incorrect password", zap.String("user", user))
		return false
	}
	return true
}

// Status handles GET /api/status.json.
func (h *Handler) Status(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), h.statusTimeout)
	defer cancel()
	httpapi.RespondOK(c, h.status.Snapshot(ctx))
}

// Healthz handles GET /healthz.
func (h *Handler) Healthz(c *gin.Context) {
	httpapi.RespondOK(c, gin.H{"status": "ok"})
}

// Readyz handles GET /readyz.
func (h *Handler) Readyz(c *gin.Context) {
	if !h.ready.Load() {
		httpapi.RespondUnavailable(c, "not ready")
		return
	}
	httpapi.RespondOK(c, gin.H{"status": "ready"})
}

// NewRouter wires the handler into a gin engine. statusLimit is the number of
// status requests allowed per client and minute.
func NewRouter(h *Handler, statusLimit int) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(httpapi.RequestLogger())
	router.Use(metrics.Middleware())

	router.GET("/healthz", h.Healthz)
	router.GET("/readyz", h.Readyz)
	router.GET("/metrics", gin.WrapH(metrics.Handler()))
	router.GET("/api/status.json", httpapi.RateLimit(statusLimit, time.Minute), h.Status)

	// Icecast posts auth callbacks to whatever URL is configured per mount.
	router.POST("/*path", h.Callback)

	router.NoRoute(func(c *gin.Context) {
		httpapi.RespondNotFound(c, "Not found")
	})
	return router
}
