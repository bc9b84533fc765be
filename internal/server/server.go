// Package server exposes the control plane: a gin HTTP API over TCP and an
// optional unix socket, plus a websocket stream mirroring the event bus.
package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/relaydev/relayd/internal/archive"
	"github.com/relaydev/relayd/internal/bridge"
	"github.com/relaydev/relayd/internal/common/config"
	apperrors "github.com/relaydev/relayd/internal/common/errors"
	"github.com/relaydev/relayd/internal/common/httpmw"
	"github.com/relaydev/relayd/internal/common/logger"
	"github.com/relaydev/relayd/internal/events/bus"
	"github.com/relaydev/relayd/internal/orchestrator"
	"github.com/relaydev/relayd/internal/outbox"
	"github.com/relaydev/relayd/internal/release"
)

// Unix socket paths are capped by sun_path; anything longer fails at bind
// time with a much less helpful error.
const maxSocketPathLen = 103

// DiagnosticsWriter captures a support snapshot and returns its directory.
type DiagnosticsWriter interface {
	Write(ctx context.Context) (string, error)
}

// Deps bundles everything the control plane fronts.
type Deps struct {
	Config       *config.Config
	Log          *logger.Logger
	Orchestrator *orchestrator.Service
	Releases     *release.Manager
	Bridge       *bridge.Bridge
	Notifier     *outbox.Supervisor
	Archive      archive.Store
	Diagnostics  DiagnosticsWriter
	Bus          bus.EventBus
}

// Server is the control-plane HTTP server.
type Server struct {
	cfg    *config.Config
	log    *logger.Logger
	engine *gin.Engine
	hub    *Hub
	deps   Deps

	httpSrv *http.Server
	cancel  context.CancelFunc
}

// New builds the router. Routes under /api/v1 require the bearer token when
// one is configured.
func New(deps Deps) (*Server, error) {
	if deps.Config == nil {
		return nil, errors.New("config is required")
	}
	log := deps.Log.WithComponent("server")

	if !strings.EqualFold(deps.Config.Logging.Level, "debug") {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(httpmw.RequestLogger(deps.Log, "control"))
	engine.Use(httpmw.OtelTracing("control"))

	s := &Server{
		cfg:    deps.Config,
		log:    log,
		engine: engine,
		hub:    NewHub(deps.Log),
		deps:   deps,
	}
	s.registerRoutes()
	return s, nil
}

func (s *Server) registerRoutes() {
	s.engine.GET("/health", s.handleHealth)
	s.engine.GET("/ws/events", s.hub.HandleWS)
	s.engine.POST("/webhook/:source", s.handleWebhook)

	api := s.engine.Group("/api/v1")
	if token := s.cfg.Control.AuthToken; token != "" {
		api.Use(httpmw.BearerAuth(token))
	}

	api.POST("/tasks", s.handleSubmitTask)
	api.GET("/tasks", s.handleListTasks)
	api.GET("/tasks/archive", s.handleArchivedTasks)
	api.GET("/tasks/:id", s.handleGetTask)
	api.POST("/tasks/:id/cancel", s.handleCancelTask)
	api.POST("/tasks/:id/unblock", s.handleUnblockTask)

	api.POST("/repos", s.handleRegisterRepo)
	api.GET("/repos", s.handleListRepos)
	api.POST("/repos/:id/default", s.handleSetDefaultRepo)

	api.GET("/releases", s.handleListReleases)
	api.POST("/releases", s.handleCreateRelease)
	api.POST("/releases/rollback", s.handleRollbackRelease)
	api.GET("/releases/integrity", s.handleReleaseIntegrity)
	api.POST("/releases/:sha/activate", s.handleActivateRelease)

	api.GET("/outbox", s.handleOutboxHealth)
	api.GET("/bridge", s.handleBridgeHealth)
	api.POST("/diagnostics", s.handleDiagnostics)
}

// Engine exposes the router for tests.
func (s *Server) Engine() *gin.Engine { return s.engine }

// Start binds the TCP listener (and the unix socket when configured) and
// serves until Stop or a listener failure.
func (s *Server) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	go s.hub.Run(runCtx)
	if s.deps.Bus != nil {
		if err := s.hub.RelayBus(s.deps.Bus); err != nil {
			cancel()
			return err
		}
	}

	s.httpSrv = &http.Server{
		Handler:      s.engine,
		ReadTimeout:  s.cfg.Control.ReadTimeoutDuration(),
		WriteTimeout: s.cfg.Control.WriteTimeoutDuration(),
	}

	tcpLn, err := net.Listen("tcp", s.cfg.Control.ListenAddr)
	if err != nil {
		cancel()
		return err
	}

	var unixLn net.Listener
	if socketPath := s.cfg.Control.SocketPath; socketPath != "" {
		if len(socketPath) > maxSocketPathLen {
			tcpLn.Close()
			cancel()
			return apperrors.New(apperrors.CodeSocketPathTooLong,
				"control.socket_path exceeds the unix socket path limit", http.StatusInternalServerError)
		}
		_ = os.Remove(socketPath)
		unixLn, err = net.Listen("unix", socketPath)
		if err != nil {
			tcpLn.Close()
			cancel()
			return err
		}
	}

	g, _ := errgroup.WithContext(runCtx)
	g.Go(func() error {
		s.log.Info("control listener started", zap.String("addr", tcpLn.Addr().String()))
		if err := s.httpSrv.Serve(tcpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	if unixLn != nil {
		socket := unixLn
		g.Go(func() error {
			s.log.Info("control socket started", zap.String("path", s.cfg.Control.SocketPath))
			if err := s.httpSrv.Serve(socket); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}

	go func() {
		if err := g.Wait(); err != nil {
			s.log.WithError(err).Error("control server terminated")
		}
	}()
	return nil
}

// Stop drains connections and shuts the hub down.
func (s *Server) Stop(ctx context.Context) error {
	if s.cancel != nil {
		s.cancel()
	}
	if s.httpSrv == nil {
		return nil
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	err := s.httpSrv.Shutdown(shutdownCtx)
	if path := s.cfg.Control.SocketPath; path != "" {
		_ = os.Remove(path)
	}
	return err
}
