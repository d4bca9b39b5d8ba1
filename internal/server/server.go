package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"

	"github.com/audiolibrelab/notecapture/internal/config"
	"github.com/audiolibrelab/notecapture/internal/service"
	"github.com/audiolibrelab/notecapture/internal/session"
)

// Server represents the web server for controlling NoteCapture
type Server struct {
	*fiber.App
	service service.Service
	cfg     *config.Config
}

// StatusResponse represents the JSON response for status endpoint
type StatusResponse struct {
	Status        string           `json:"status"`
	Message       string           `json:"message,omitempty"`
	Session       session.Snapshot `json:"session"`
	ActiveProfile string           `json:"active_profile,omitempty"`
	LastError     string           `json:"last_error,omitempty"`
}

// StartRequest is the body of POST /start, as JSON or form data.
type StartRequest struct {
	ClientName string `json:"clientName" form:"clientName"`
}

// GenericResponse represents a generic API response
type GenericResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Error   string `json:"error,omitempty"`
}

// wsMessage is one frame pushed to /ws clients.
type wsMessage struct {
	Type     string            `json:"type"`
	Event    *session.Event    `json:"event,omitempty"`
	Snapshot *session.Snapshot `json:"snapshot,omitempty"`
}

// New creates a new web server instance around svc
func New(svc service.Service, cfg *config.Config) *Server {
	app := fiber.New(fiber.Config{
		AppName:               "notecapture",
		ServerHeader:          "notecapture",
		DisableStartupMessage: true,
		ErrorHandler:          errorHandler,
	})

	s := &Server{App: app, service: svc, cfg: cfg}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.App.Get("/", s.handleIndex)
	s.App.Get("/status", s.handleStatus)
	s.App.Post("/start", s.handleStart)
	s.App.Post("/stop", s.handleStop)
	s.App.Get("/sources", s.handleSources)
	s.App.Get("/info/:client", s.handleInfo)
	s.App.Get("/health", s.handleHealth)

	s.App.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	s.App.Get("/ws", websocket.New(s.handleEvents))
}

// Start rejoins a recording left active by another instance, then serves
// until ctx ends.
func (s *Server) Start(ctx context.Context) error {
	rejoined, err := s.service.Attach(ctx)
	switch {
	case err != nil:
		slog.Error("Failed to rejoin recording", "error", err)
	case rejoined:
		slog.Info("Rejoined recording in progress", "client", s.service.GetStatus().ClientName)
	}

	addr := s.cfg.Server.Addr()
	slog.Info("Starting NoteCapture Web Server",
		"addr", addr,
		"local_url", fmt.Sprintf("http://%s:%d", getLocalIP(), s.cfg.Server.Port),
		"localhost_url", fmt.Sprintf("http://localhost:%d", s.cfg.Server.Port))

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.App.Listen(addr)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		slog.Info("Shutting down web server")
		return s.App.ShutdownWithTimeout(5 * time.Second)
	}
}

// handleIndex serves a minimal control page
func (s *Server) handleIndex(c *fiber.Ctx) error {
	c.Set(fiber.HeaderCacheControl, "no-cache")
	c.Type("html", "utf-8")
	return c.SendString(defaultHTML)
}

const defaultHTML = `<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>NoteCapture</title>
</head>
<body>
    <h1>NoteCapture</h1>
    <form method="post" action="/start">
        <input name="clientName" placeholder="Client name" required>
        <button type="submit">Start</button>
    </form>
    <form method="post" action="/stop"><button type="submit">Stop</button></form>
    <h2>API Endpoints:</h2>
    <ul>
        <li>POST /start - Start recording (clientName)</li>
        <li>POST /stop - Stop recording and upload (?wait=true blocks until uploaded)</li>
        <li>GET /status - Session status</li>
        <li>GET /ws - Session events</li>
        <li>GET /sources - Capture sources</li>
        <li>GET /info/:client - Storage path preview</li>
        <li>GET /health - Health check</li>
    </ul>
</body>
</html>`

// handleStatus returns the current status and session info
func (s *Server) handleStatus(c *fiber.Ctx) error {
	snap := s.service.GetStatus()
	return c.JSON(StatusResponse{
		Status:        string(snap.State),
		Message:       snap.Status,
		Session:       snap,
		ActiveProfile: s.cfg.Profile,
		LastError:     s.service.GetLastError(),
	})
}

// handleStart starts a recording for the posted client name
func (s *Server) handleStart(c *fiber.Ctx) error {
	var req StartRequest
	if err := c.BodyParser(&req); err != nil && !errors.Is(err, fiber.ErrUnprocessableEntity) {
		return s.sendErrorResponse(c, fiber.StatusBadRequest, "Failed to parse request", "operation", "start")
	}
	if req.ClientName == "" {
		req.ClientName = c.Query("clientName")
	}

	slog.Debug("Start request received", "client", req.ClientName)
	if err := s.service.StartRecording(c.UserContext(), req.ClientName); err != nil {
		return s.sendErrorResponse(c, statusForKind(session.KindOf(err)),
			fmt.Sprintf("Failed to start recording: %v", err),
			"client", req.ClientName, "kind", session.KindOf(err).String(), "operation", "start")
	}

	snap := s.service.GetStatus()
	return c.JSON(fiber.Map{
		"success":   true,
		"message":   "Recording started",
		"client":    snap.ClientName,
		"sessionId": snap.SessionID,
		"secondary": snap.Secondary,
	})
}

// handleStop stops the current recording. With wait=true the response is
// sent once the upload has finished.
func (s *Server) handleStop(c *fiber.Ctx) error {
	if !s.service.StopRecording() {
		return s.sendErrorResponse(c, fiber.StatusConflict, "No recording in progress", "operation", "stop")
	}

	if !c.QueryBool("wait") {
		return c.JSON(GenericResponse{Success: true, Message: "Recording stopping"})
	}

	if err := s.service.Wait(c.UserContext()); err != nil {
		return s.sendErrorResponse(c, fiber.StatusGatewayTimeout,
			fmt.Sprintf("Recording did not finish: %v", err), "operation", "stop")
	}
	snap := s.service.GetStatus()
	return c.JSON(fiber.Map{
		"success": snap.LastUpload != nil && snap.LastUpload.Success,
		"message": snap.Status,
		"upload":  snap.LastUpload,
	})
}

func (s *Server) handleSources(c *fiber.Ctx) error {
	nodes, err := s.service.GetSources()
	if err != nil {
		return s.sendErrorResponse(c, fiber.StatusServiceUnavailable,
			fmt.Sprintf("Failed to list sources: %v", err), "operation", "sources")
	}
	return c.JSON(fiber.Map{"sources": nodes})
}

func (s *Server) handleInfo(c *fiber.Ctx) error {
	info, err := s.service.GetPathInfo(c.Params("client"), time.Now(), 0)
	if err != nil {
		return s.sendErrorResponse(c, fiber.StatusBadRequest, err.Error(), "operation", "info")
	}
	return c.JSON(info)
}

func (s *Server) handleHealth(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.UserContext(), 5*time.Second)
	defer cancel()
	if err := s.service.Health(ctx); err != nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"status": "down", "error": err.Error()})
	}
	return c.JSON(fiber.Map{"status": "up", "state": s.service.GetStatus().State})
}

// handleEvents streams session events to a websocket client, starting with
// a snapshot of the current state.
func (s *Server) handleEvents(c *websocket.Conn) {
	events, unsubscribe := s.service.Subscribe()
	defer unsubscribe()

	snap := s.service.GetStatus()
	if err := c.WriteJSON(wsMessage{Type: "snapshot", Snapshot: &snap}); err != nil {
		return
	}

	// The client never sends anything meaningful; a read error means it left.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := c.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case e, ok := <-events:
			if !ok {
				return
			}
			if err := c.WriteJSON(wsMessage{Type: "event", Event: &e}); err != nil {
				slog.Debug("WebSocket client write failed", "error", err)
				return
			}
		case <-closed:
			return
		}
	}
}

// statusForKind maps a session failure to an HTTP status.
func statusForKind(k session.Kind) int {
	switch k {
	case session.KindInvalidInput:
		return fiber.StatusBadRequest
	case session.KindBusy:
		return fiber.StatusConflict
	case session.KindCaptureDenied:
		return fiber.StatusForbidden
	case session.KindCaptureUnavailable:
		return fiber.StatusServiceUnavailable
	default:
		return fiber.StatusInternalServerError
	}
}

// sendErrorResponse logs the error and sends a JSON error response to the client
func (s *Server) sendErrorResponse(c *fiber.Ctx, statusCode int, errorMsg string, logContext ...any) error {
	logFields := []any{"error_message", errorMsg, "status_code", statusCode}
	logFields = append(logFields, logContext...)
	slog.Error("Sending error response to client", logFields...)

	return c.Status(statusCode).JSON(GenericResponse{Success: false, Error: errorMsg})
}

func errorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	var fe *fiber.Error
	if errors.As(err, &fe) {
		code = fe.Code
	}
	return c.Status(code).JSON(GenericResponse{Success: false, Error: err.Error()})
}

func getLocalIP() string {
	// Try to connect to a remote address to determine local IP
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "localhost"
	}
	defer conn.Close()

	localAddr := conn.LocalAddr().(*net.UDPAddr)
	return localAddr.IP.String()
}
