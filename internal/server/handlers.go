package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/relaydev/relayd/internal/archive"
	"github.com/relaydev/relayd/internal/bridge"
	apperrors "github.com/relaydev/relayd/internal/common/errors"
	"github.com/relaydev/relayd/internal/events"
	eventbus "github.com/relaydev/relayd/internal/events/bus"
	"github.com/relaydev/relayd/internal/orchestrator"
	"github.com/relaydev/relayd/internal/release"
)

// publish emits a control-plane event on the bus. Delivery failures are
// logged, not surfaced: the HTTP response already reflects the state change.
func (s *Server) publish(c *gin.Context, eventType string, data map[string]any) {
	if s.deps.Bus == nil {
		return
	}
	event := eventbus.NewEvent(eventType, "control", data)
	if err := s.deps.Bus.Publish(c.Request.Context(), eventType, event); err != nil {
		s.log.Warn("failed to publish event", zap.String("type", eventType), zap.Error(err))
	}
}

// respondError renders any error as an AppError JSON object.
func respondError(c *gin.Context, err error) {
	var app *apperrors.AppError
	if !errors.As(err, &app) {
		app = apperrors.Internal(err.Error())
	}
	c.JSON(app.HTTPStatus, gin.H{"error": app})
}

func (s *Server) handleHealth(c *gin.Context) {
	health := gin.H{
		"status": "ok",
	}
	if s.deps.Orchestrator != nil {
		o := s.deps.Orchestrator.GetHealthStatus(c.Request.Context())
		health["status"] = o.Status
		health["orchestrator"] = o
	}
	if s.deps.Notifier != nil {
		health["outbox"] = s.deps.Notifier.Health()
	}
	if s.deps.Bridge != nil {
		health["bridge"] = s.deps.Bridge.Health()
	}
	if s.deps.Bus != nil {
		health["events"] = gin.H{"connected": s.deps.Bus.IsConnected()}
	}
	health["wsClients"] = s.hub.ClientCount()
	c.JSON(http.StatusOK, health)
}

func (s *Server) handleSubmitTask(c *gin.Context) {
	var req orchestrator.SubmitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperrors.BadRequest("invalid task submission: "+err.Error()))
		return
	}
	task, err := s.deps.Orchestrator.SubmitTask(c.Request.Context(), req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, task)
}

func (s *Server) handleListTasks(c *gin.Context) {
	state := orchestrator.State(c.Query("state"))
	c.JSON(http.StatusOK, gin.H{"tasks": s.deps.Orchestrator.List(state)})
}

func (s *Server) handleGetTask(c *gin.Context) {
	task, err := s.deps.Orchestrator.Get(c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, task)
}

func (s *Server) handleCancelTask(c *gin.Context) {
	task, err := s.deps.Orchestrator.Cancel(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, task)
}

func (s *Server) handleUnblockTask(c *gin.Context) {
	task, err := s.deps.Orchestrator.Unblock(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, task)
}

func (s *Server) handleArchivedTasks(c *gin.Context) {
	if s.deps.Archive == nil {
		c.JSON(http.StatusOK, gin.H{"tasks": []archive.Record{}})
		return
	}
	limit, _ := strconv.Atoi(c.Query("limit"))
	recs, err := s.deps.Archive.List(c.Request.Context(), archive.Filter{
		RepoID: c.Query("repoId"),
		State:  c.Query("state"),
		Limit:  limit,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	if recs == nil {
		recs = []archive.Record{}
	}
	c.JSON(http.StatusOK, gin.H{"tasks": recs})
}

func (s *Server) handleRegisterRepo(c *gin.Context) {
	var req orchestrator.RegisterRepoRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperrors.BadRequest("invalid repo registration: "+err.Error()))
		return
	}
	repo, err := s.deps.Orchestrator.RegisterRepo(c.Request.Context(), req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, repo)
}

func (s *Server) handleListRepos(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"repos": s.deps.Orchestrator.ListRepos()})
}

func (s *Server) handleSetDefaultRepo(c *gin.Context) {
	repo, err := s.deps.Orchestrator.SetDefaultRepo(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, repo)
}

func (s *Server) handleListReleases(c *gin.Context) {
	releases, err := s.deps.Releases.List()
	if err != nil {
		respondError(c, err)
		return
	}
	current, _ := s.deps.Releases.Current()
	previous, _ := s.deps.Releases.Previous()
	c.JSON(http.StatusOK, gin.H{
		"releases": releases,
		"current":  current,
		"previous": previous,
	})
}

func (s *Server) handleCreateRelease(c *gin.Context) {
	var req struct {
		SourceDir string `json:"sourceDir"`
		Activate  bool   `json:"activate"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperrors.BadRequest("invalid release request: "+err.Error()))
		return
	}
	if strings.TrimSpace(req.SourceDir) == "" {
		respondError(c, apperrors.ValidationError("sourceDir", "sourceDir is required"))
		return
	}
	info, err := s.deps.Releases.CreateSnapshot(c.Request.Context(), req.SourceDir)
	if err != nil {
		respondError(c, err)
		return
	}
	s.publish(c, events.ReleaseCreated, map[string]any{"sha": info.SHA, "sourceDir": info.SourceDir})
	if req.Activate {
		if err := s.deps.Releases.Activate(info.SHA); err != nil {
			respondError(c, err)
			return
		}
		s.publish(c, events.ReleaseActivated, map[string]any{"sha": info.SHA})
	}
	c.JSON(http.StatusCreated, info)
}

func (s *Server) handleActivateRelease(c *gin.Context) {
	sha := c.Param("sha")
	if err := s.deps.Releases.Activate(sha); err != nil {
		if errors.Is(err, release.ErrReleaseNotFound) {
			respondError(c, apperrors.NotFound("release", sha))
			return
		}
		respondError(c, err)
		return
	}
	s.publish(c, events.ReleaseActivated, map[string]any{"sha": sha})
	c.JSON(http.StatusOK, gin.H{"current": sha})
}

func (s *Server) handleRollbackRelease(c *gin.Context) {
	var req struct {
		Target string `json:"target"`
	}
	// Body is optional: an empty body rolls back to previous.
	_ = c.ShouldBindJSON(&req)
	if err := s.deps.Releases.Rollback(req.Target); err != nil {
		if errors.Is(err, release.ErrReleaseNotFound) {
			respondError(c, apperrors.NotFound("release", req.Target))
			return
		}
		respondError(c, err)
		return
	}
	current, _ := s.deps.Releases.Current()
	s.publish(c, events.ReleaseRolledBack, map[string]any{"current": current})
	c.JSON(http.StatusOK, gin.H{"current": current})
}

func (s *Server) handleReleaseIntegrity(c *gin.Context) {
	mode := release.IntegrityMode(c.Query("mode"))
	if mode == "" {
		mode = release.IntegrityMode(s.cfg.Release.StartupIntegrityMode)
	}
	c.JSON(http.StatusOK, s.deps.Releases.IntegrityCheck(mode))
}

func (s *Server) handleOutboxHealth(c *gin.Context) {
	if s.deps.Notifier == nil {
		c.JSON(http.StatusOK, gin.H{})
		return
	}
	c.JSON(http.StatusOK, s.deps.Notifier.Health())
}

func (s *Server) handleBridgeHealth(c *gin.Context) {
	if s.deps.Bridge == nil {
		c.JSON(http.StatusOK, gin.H{})
		return
	}
	c.JSON(http.StatusOK, s.deps.Bridge.Health())
}

// handleWebhook ingests bridge envelopes. Callers authenticate with either
// the shared secret in X-Relay-Secret or an HMAC-SHA256 body signature in
// X-Relay-Signature.
func (s *Server) handleWebhook(c *gin.Context) {
	if s.deps.Bridge == nil {
		respondError(c, apperrors.Internal("bridge is not configured"))
		return
	}
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		respondError(c, apperrors.BadRequest("read body: "+err.Error()))
		return
	}

	providedSecret := c.GetHeader("X-Relay-Secret")
	if sig := c.GetHeader("X-Relay-Signature"); sig != "" && s.deps.Bridge.VerifySignature(body, sig) {
		providedSecret = s.cfg.Bridge.SharedSecret
	}

	var env bridge.Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		respondError(c, apperrors.BadRequest("invalid envelope: "+err.Error()))
		return
	}
	if env.Source == "" {
		env.Source = c.Param("source")
	}

	result, err := s.deps.Bridge.Accept(env, providedSecret)
	if result.Status == bridge.StatusRejected {
		if err != nil {
			respondError(c, apperrors.BadRequest(err.Error()))
			return
		}
		respondError(c, apperrors.New(apperrors.CodeValidation, "envelope rejected: authentication failed", http.StatusUnauthorized))
		return
	}
	if result.Status == bridge.StatusQueued {
		s.publish(c, events.BridgeAccepted, map[string]any{"messageId": env.MessageID, "source": env.Source})
	}
	c.JSON(http.StatusAccepted, result)
}

func (s *Server) handleDiagnostics(c *gin.Context) {
	if s.deps.Diagnostics == nil {
		respondError(c, apperrors.Internal("diagnostics writer is not configured"))
		return
	}
	dir, err := s.deps.Diagnostics.Write(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"dir": dir})
}
