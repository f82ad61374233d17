// Package sessions serves the control and query API for recording sessions.
package sessions

import (
	"context"
	"errors"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/gameon/recorder/internal/auth"
	"github.com/gameon/recorder/internal/capture"
	"github.com/gameon/recorder/internal/middleware"
	"github.com/gameon/recorder/internal/models"
	"github.com/gameon/recorder/internal/recorder"
	"github.com/gameon/recorder/pkg/response"
)

// Recorder is the engine the control endpoints drive.
type Recorder interface {
	Start(ctx context.Context, cfg recorder.SessionConfig) (*models.Session, error)
	Stop(ctx context.Context) (*models.Session, error)
	Current() *models.Session
	State() recorder.State
}

// Store is the read side used by the query endpoints.
type Store interface {
	GetSession(ctx context.Context, id uuid.UUID) (*models.Session, error)
	ListSessions(ctx context.Context, f models.SessionFilter) ([]models.Session, error)
	InputEvents(ctx context.Context, sessionID uuid.UUID, fromMs, toMs *int64) ([]models.InputEvent, error)
	FrameTimestamps(ctx context.Context, sessionID uuid.UUID) ([]models.FrameTimestamp, error)
	HealthChecks(ctx context.Context, sessionID uuid.UUID) ([]models.SessionHealth, error)
	ListActionCodes(ctx context.Context, device models.InputDevice) ([]models.ActionCode, error)
	Stats(ctx context.Context) (*models.SessionStats, error)
}

// Presigner issues download links for archived sessions. Optional.
type Presigner interface {
	PresignDownload(ctx context.Context, key string) (url string, expires time.Duration, err error)
}

// Handler handles session HTTP endpoints.
type Handler struct {
	rec     Recorder
	store   Store
	presign Presigner
	logger  *zap.Logger
}

// NewHandler creates a sessions handler. presign may be nil.
func NewHandler(rec Recorder, store Store, presign Presigner, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{rec: rec, store: store, presign: presign, logger: logger}
}

// Register mounts the routes on an authenticated group.
func (h *Handler) Register(api *gin.RouterGroup) {
	operator := middleware.RequireRole(auth.RoleOperator)
	viewer := middleware.RequireRole(auth.RoleViewer)

	api.POST("/sessions", operator, h.Start)
	api.POST("/sessions/current/stop", operator, h.Stop)
	api.GET("/sessions/current", viewer, h.Current)
	api.GET("/sessions", viewer, h.List)
	api.GET("/sessions/:id", viewer, h.Get)
	api.GET("/sessions/:id/events", viewer, h.Events)
	api.GET("/sessions/:id/frames", viewer, h.Frames)
	api.GET("/sessions/:id/health", viewer, h.Health)
	api.GET("/sessions/:id/archive-url", viewer, h.ArchiveURL)
	api.GET("/action-codes", viewer, h.ActionCodes)
	api.GET("/stats", viewer, h.Stats)
}

// Start handles POST /sessions.
func (h *Handler) Start(c *gin.Context) {
	var cfg recorder.SessionConfig
	if err := c.ShouldBindJSON(&cfg); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	sess, err := h.rec.Start(c.Request.Context(), cfg)
	switch {
	case err == nil:
		h.logger.Info("Session started via API",
			zap.String("session_id", sess.ID.String()),
			zap.String("game", sess.GameName),
			zap.String("subject", c.GetString(middleware.ContextSubject)))
		response.Created(c, sess)
	case errors.Is(err, recorder.ErrInvalidConfig):
		response.BadRequest(c, err.Error())
	case errors.Is(err, recorder.ErrAlreadyRecording):
		response.Conflict(c, response.CodeAlreadyRecording, "a session is already recording")
	case errors.Is(err, capture.ErrUnavailable):
		response.ServiceUnavailable(c, err.Error())
	default:
		h.logger.Error("Start session failed", zap.Error(err))
		response.Internal(c, "failed to start session: "+err.Error())
	}
}

// Stop handles POST /sessions/current/stop. A session that ends failed is
// still returned, with its notes.
func (h *Handler) Stop(c *gin.Context) {
	sess, err := h.rec.Stop(c.Request.Context())
	switch {
	case errors.Is(err, recorder.ErrNotRecording):
		response.Conflict(c, response.CodeNotRecording, "no session is recording")
	case sess != nil:
		if err != nil {
			h.logger.Warn("Session stopped with error", zap.String("session_id", sess.ID.String()), zap.Error(err))
		}
		response.OK(c, sess)
	default:
		h.logger.Error("Stop session failed", zap.Error(err))
		response.Internal(c, "failed to stop session")
	}
}

// Current handles GET /sessions/current.
func (h *Handler) Current(c *gin.Context) {
	response.OK(c, gin.H{
		"state":   h.rec.State().String(),
		"session": h.rec.Current(),
	})
}

// List handles GET /sessions?game=&status=&limit=.
func (h *Handler) List(c *gin.Context) {
	f := models.SessionFilter{GameName: c.Query("game"), Status: c.Query("status")}
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			response.BadRequest(c, "invalid limit")
			return
		}
		f.Limit = n
	}
	list, err := h.store.ListSessions(c.Request.Context(), f)
	if err != nil {
		h.logger.Error("List sessions failed", zap.Error(err))
		response.Internal(c, "failed to list sessions")
		return
	}
	response.List(c, list)
}

func (h *Handler) session(c *gin.Context) (*models.Session, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid session id")
		return nil, false
	}
	sess, err := h.store.GetSession(c.Request.Context(), id)
	if err != nil {
		h.logger.Error("Get session failed", zap.Error(err), zap.String("session_id", id.String()))
		response.Internal(c, "failed to load session")
		return nil, false
	}
	if sess == nil {
		response.NotFound(c, "session not found")
		return nil, false
	}
	return sess, true
}

// Get handles GET /sessions/:id.
func (h *Handler) Get(c *gin.Context) {
	if sess, ok := h.session(c); ok {
		response.OK(c, sess)
	}
}

// Events handles GET /sessions/:id/events. The range is given in
// milliseconds (from_ms, to_ms) or in frames (from_frame, to_frame), which
// convert through the session fps. Bounds are inclusive.
func (h *Handler) Events(c *gin.Context) {
	sess, ok := h.session(c)
	if !ok {
		return
	}
	from, to, err := eventRange(c, sess.FPS)
	if err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	events, err := h.store.InputEvents(c.Request.Context(), sess.ID, from, to)
	if err != nil {
		h.logger.Error("Load input events failed", zap.Error(err), zap.String("session_id", sess.ID.String()))
		response.Internal(c, "failed to load events")
		return
	}
	response.List(c, events)
}

func eventRange(c *gin.Context, fps int) (from, to *int64, err error) {
	parse := func(key string) (*int64, error) {
		v := c.Query(key)
		if v == "" {
			return nil, nil
		}
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, errors.New("invalid " + key)
		}
		return &n, nil
	}
	if from, err = parse("from_ms"); err != nil {
		return nil, nil, err
	}
	if to, err = parse("to_ms"); err != nil {
		return nil, nil, err
	}
	fromFrame, err := parse("from_frame")
	if err != nil {
		return nil, nil, err
	}
	toFrame, err := parse("to_frame")
	if err != nil {
		return nil, nil, err
	}
	if (fromFrame != nil || toFrame != nil) && (from != nil || to != nil) {
		return nil, nil, errors.New("use either millisecond or frame bounds")
	}
	if fps <= 0 {
		fps = 1
	}
	if fromFrame != nil {
		ms := *fromFrame * 1000 / int64(fps)
		from = &ms
	}
	if toFrame != nil {
		// up to the last millisecond of the frame
		ms := (*toFrame+1)*1000/int64(fps) - 1
		to = &ms
	}
	if from != nil && to != nil && *from > *to {
		return nil, nil, errors.New("range start is after its end")
	}
	return from, to, nil
}

// Frames handles GET /sessions/:id/frames.
func (h *Handler) Frames(c *gin.Context) {
	sess, ok := h.session(c)
	if !ok {
		return
	}
	frames, err := h.store.FrameTimestamps(c.Request.Context(), sess.ID)
	if err != nil {
		h.logger.Error("Load frame timestamps failed", zap.Error(err), zap.String("session_id", sess.ID.String()))
		response.Internal(c, "failed to load frames")
		return
	}
	response.List(c, frames)
}

// Health handles GET /sessions/:id/health.
func (h *Handler) Health(c *gin.Context) {
	sess, ok := h.session(c)
	if !ok {
		return
	}
	checks, err := h.store.HealthChecks(c.Request.Context(), sess.ID)
	if err != nil {
		h.logger.Error("Load health checks failed", zap.Error(err), zap.String("session_id", sess.ID.String()))
		response.Internal(c, "failed to load health checks")
		return
	}
	response.List(c, checks)
}

// ArchiveURL handles GET /sessions/:id/archive-url?file=. Without file it
// links the video.
func (h *Handler) ArchiveURL(c *gin.Context) {
	if h.presign == nil {
		response.ServiceUnavailable(c, "archive storage not configured")
		return
	}
	sess, ok := h.session(c)
	if !ok {
		return
	}
	if sess.ArchiveKey == nil {
		response.NotFound(c, "session not archived")
		return
	}
	file := c.Query("file")
	if file == "" {
		file = "session.json"
		if sess.VideoPath != nil {
			file = filepath.Base(*sess.VideoPath)
		}
	}
	if strings.ContainsAny(file, `/\`) || file == ".." {
		response.BadRequest(c, "invalid file name")
		return
	}
	url, expires, err := h.presign.PresignDownload(c.Request.Context(), *sess.ArchiveKey+"/"+file)
	if err != nil {
		h.logger.Error("Presign archive download failed", zap.Error(err), zap.String("session_id", sess.ID.String()))
		response.Internal(c, "failed to generate download URL")
		return
	}
	response.OK(c, gin.H{"file": file, "download_url": url, "expires_in": int(expires.Seconds())})
}

// ActionCodes handles GET /action-codes?device=. The mapping field is the
// "device:raw" to encoded value view.
func (h *Handler) ActionCodes(c *gin.Context) {
	device := models.InputDevice(c.Query("device"))
	codes, err := h.store.ListActionCodes(c.Request.Context(), device)
	if err != nil {
		h.logger.Error("List action codes failed", zap.Error(err))
		response.Internal(c, "failed to list action codes")
		return
	}
	mapping := make(map[string]int, len(codes))
	for _, ac := range codes {
		mapping[ac.MappingKey()] = ac.EncodedValue
	}
	if codes == nil {
		codes = []models.ActionCode{}
	}
	response.OK(c, gin.H{"codes": codes, "mapping": mapping})
}

// Stats handles GET /stats.
func (h *Handler) Stats(c *gin.Context) {
	stats, err := h.store.Stats(c.Request.Context())
	if err != nil {
		h.logger.Error("Load stats failed", zap.Error(err))
		response.Internal(c, "failed to load stats")
		return
	}
	response.OK(c, stats)
}
