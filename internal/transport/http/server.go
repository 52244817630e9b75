// Package http implements the transport-agnostic command/query surface
// from spec.md 6 over HTTP and the event surface over a WebSocket push
// channel. Grounded on the teacher's internal/agentctl/server/api.Server
// (gin.Engine + gorilla/websocket upgrader, grouped /api/v1 routes,
// RequestLogger middleware) and on cmd/kandev/main.go's gin wiring for
// the top-level router/CORS/health setup.
package http

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/kdlbs/sentinel/internal/common/httpmw"
	"github.com/kdlbs/sentinel/internal/common/logger"
	"github.com/kdlbs/sentinel/internal/events/bus"
	"github.com/kdlbs/sentinel/internal/sentinel/config"
	"github.com/kdlbs/sentinel/internal/sentinel/supervisor"
)

// Server exposes the Supervisor Facade's command surface over HTTP and
// its event surface over a WebSocket push channel.
type Server struct {
	sup    *supervisor.Supervisor
	bus    bus.EventBus
	logger *logger.Logger
	router *gin.Engine

	upgrader websocket.Upgrader
}

// NewServer builds a Server wired to sup. corsOrigins, when non-empty,
// restricts Access-Control-Allow-Origin; an empty list allows all
// origins, matching the teacher's container-local "allow everything"
// default.
func NewServer(sup *supervisor.Supervisor, eventBus bus.EventBus, log *logger.Logger, corsOrigins []string) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		sup:    sup,
		bus:    eventBus,
		logger: log.WithFields(zap.String("component", "http-server")),
		router: gin.New(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}

	s.router.Use(gin.Recovery())
	s.router.Use(httpmw.RequestLogger(s.logger, "sentineld"))

	corsCfg := cors.DefaultConfig()
	if len(corsOrigins) == 0 {
		corsCfg.AllowAllOrigins = true
	} else {
		corsCfg.AllowOrigins = corsOrigins
	}
	corsCfg.AllowHeaders = append(corsCfg.AllowHeaders, "Authorization")
	s.router.Use(cors.New(corsCfg))

	s.setupRoutes()
	return s
}

// Router returns the server's http.Handler, for wiring into an
// *http.Server by the caller (cmd/sentineld).
func (s *Server) Router() http.Handler { return s.router }

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)

	api := s.router.Group("/api/v1")
	{
		api.GET("/processes", s.handleListProcesses)
		api.GET("/processes/:name", s.handleGetProcess)
		api.POST("/processes/:name/start", s.handleStartProcess)
		api.POST("/processes/:name/stop", s.handleStopProcess)
		api.POST("/processes/:name/restart", s.handleRestartProcess)
		api.POST("/processes/start", s.handleStartAll)
		api.POST("/processes/stop", s.handleStopAll)
		api.POST("/processes/restart", s.handleRestartAll)

		api.GET("/processes/:name/logs", s.handleGetLogs)
		api.GET("/processes/:name/logs/search", s.handleSearchLogs)
		api.DELETE("/processes/:name/logs", s.handleClearLogs)

		api.GET("/stats", s.handleSystemStats)
		api.GET("/stats/history", s.handleSystemStatsHistory)

		api.POST("/config/load", s.handleLoadConfig)
		api.POST("/config/reload", s.handleReloadConfig)

		api.GET("/events/stream", s.handleEventStreamWS)
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeErr(c *gin.Context, status int, err error) {
	c.JSON(status, errorResponse{Error: err.Error()})
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "sentineld", "time": time.Now().UTC().Format(time.RFC3339)})
}

// handleListProcesses implements list_processes() (spec.md 6).
func (s *Server) handleListProcesses(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"processes": s.sup.List()})
}

func (s *Server) handleGetProcess(c *gin.Context) {
	st, err := s.sup.Status(c.Param("name"))
	if err != nil {
		writeErr(c, http.StatusNotFound, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

// handleStartProcess implements start_process(name) (spec.md 6).
func (s *Server) handleStartProcess(c *gin.Context) {
	if err := s.sup.Start(c.Request.Context(), c.Param("name")); err != nil {
		writeErr(c, http.StatusConflict, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "started"})
}

// handleStopProcess implements stop_process(name, graceful_ms?) (spec.md 6).
func (s *Server) handleStopProcess(c *gin.Context) {
	graceful := gracefulFromQuery(c)
	if err := s.sup.Stop(c.Request.Context(), c.Param("name"), graceful); err != nil {
		writeErr(c, http.StatusConflict, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "stopped"})
}

func (s *Server) handleRestartProcess(c *gin.Context) {
	if err := s.sup.Restart(c.Request.Context(), c.Param("name")); err != nil {
		writeErr(c, http.StatusConflict, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "restarted"})
}

// handleStartAll implements start_all() (spec.md 6).
func (s *Server) handleStartAll(c *gin.Context) {
	if err := s.sup.Start(c.Request.Context(), "*"); err != nil {
		writeErr(c, http.StatusConflict, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "started"})
}

func (s *Server) handleStopAll(c *gin.Context) {
	graceful := gracefulFromQuery(c)
	if err := s.sup.Stop(c.Request.Context(), "*", graceful); err != nil {
		writeErr(c, http.StatusConflict, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "stopped"})
}

func (s *Server) handleRestartAll(c *gin.Context) {
	if err := s.sup.Restart(c.Request.Context(), "*"); err != nil {
		writeErr(c, http.StatusConflict, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "restarted"})
}

func gracefulFromQuery(c *gin.Context) time.Duration {
	raw := c.Query("graceful_ms")
	if raw == "" {
		return 0
	}
	ms, err := strconv.Atoi(raw)
	if err != nil || ms <= 0 {
		return 0
	}
	return time.Duration(ms) * time.Millisecond
}

// handleGetLogs implements get_process_logs(name, count) (spec.md 6).
func (s *Server) handleGetLogs(c *gin.Context) {
	limit := 100
	if raw := c.Query("count"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	lines, err := s.sup.Logs(c.Param("name"), limit)
	if err != nil {
		writeErr(c, http.StatusNotFound, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"lines": lines})
}

// handleSearchLogs implements search_process_logs(name, q) (spec.md 6).
func (s *Server) handleSearchLogs(c *gin.Context) {
	lines, err := s.sup.SearchLogs(c.Param("name"), c.Query("q"))
	if err != nil {
		writeErr(c, http.StatusNotFound, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"lines": lines})
}

// handleClearLogs implements clear_process_logs(name) (spec.md 6).
func (s *Server) handleClearLogs(c *gin.Context) {
	if err := s.sup.ClearLogs(c.Param("name")); err != nil {
		writeErr(c, http.StatusNotFound, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "cleared"})
}

// handleSystemStats implements get_system_stats() (spec.md 6).
func (s *Server) handleSystemStats(c *gin.Context) {
	sample, ok := s.sup.SystemStats()
	if !ok {
		c.JSON(http.StatusOK, gin.H{"sample": nil})
		return
	}
	c.JSON(http.StatusOK, gin.H{"sample": sample})
}

func (s *Server) handleSystemStatsHistory(c *gin.Context) {
	n := 60
	if raw := c.Query("count"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 {
			n = v
		}
	}
	c.JSON(http.StatusOK, gin.H{"samples": s.sup.MetricsWindow(n)})
}

// handleLoadConfig implements load_config(bytes, format) (spec.md 6).
func (s *Server) handleLoadConfig(c *gin.Context) {
	s.handleConfigBody(c, false)
}

// handleReloadConfig implements reload_config(bytes, format) (spec.md 6).
func (s *Server) handleReloadConfig(c *gin.Context) {
	s.handleConfigBody(c, true)
}

func (s *Server) handleConfigBody(c *gin.Context, reload bool) {
	format := config.Format(c.DefaultQuery("format", string(config.FormatYAML)))
	body, err := c.GetRawData()
	if err != nil {
		writeErr(c, http.StatusBadRequest, err)
		return
	}
	if reload {
		err = s.sup.ReloadConfigBytes(c.Request.Context(), body, format)
	} else {
		err = s.sup.LoadConfigBytes(body, format)
	}
	if err != nil {
		writeErr(c, http.StatusBadRequest, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "processes": s.sup.Names()})
}

// handleEventStreamWS upgrades to a WebSocket and fans out every
// sentinel event (spec.md 4.H's event surface) as a JSON frame, the way
// the teacher's handleAgentStreamWS bridges its internal event channel
// to a browser socket.
func (s *Server) handleEventStreamWS(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	if s.bus == nil {
		return
	}

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	msgs := make(chan []byte, 64)
	sub, err := s.bus.Subscribe(bus.AllEventsSubject, func(_ context.Context, evt *bus.Event) error {
		payload, err := json.Marshal(evt)
		if err != nil {
			return err
		}
		select {
		case msgs <- payload:
		default:
			// Slow consumer: drop rather than block the publisher
			// (spec.md 4.H events are "best-effort, dropped if no
			// subscriber is listening").
		}
		return nil
	})
	if err != nil {
		s.logger.Warn("event subscribe failed", zap.Error(err))
		return
	}
	defer sub.Unsubscribe()

	go s.readPings(conn, cancel)

	for {
		select {
		case <-ctx.Done():
			return
		case payload := <-msgs:
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		}
	}
}

// readPings drains client frames (pings, close) so the read side doesn't
// back up; any read error ends the stream.
func (s *Server) readPings(conn *websocket.Conn, cancel context.CancelFunc) {
	defer cancel()
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
