package api

import (
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/Sigma-Snaken/bio-patrol/internal/websocket"
)

// WSHandler handles the WebSocket upgrade endpoint GET /api/v1/ws.
//
// Topic subscription is declared at connection time via the `topics` query
// parameter (comma-separated). A connection that names no topics gets the
// "tasks" firehose, which is what the dashboard list view needs.
//
// Example connection URL:
//
//	ws://host/api/v1/ws?topics=task:task_20260825_073000_9f2c41aa,robot:kachaka-1
type WSHandler struct {
	hub    *websocket.Hub
	logger *zap.Logger
}

// NewWSHandler creates a new WSHandler.
func NewWSHandler(hub *websocket.Hub, logger *zap.Logger) *WSHandler {
	return &WSHandler{
		hub:    hub,
		logger: logger.Named("ws_handler"),
	}
}

// ServeWS handles GET /api/v1/ws.
// It builds the topic list, upgrades the connection, and starts the client
// read/write pumps. The handler blocks until the connection closes, which is
// expected for WebSocket handlers.
func (h *WSHandler) ServeWS(w http.ResponseWriter, r *http.Request) {
	topics := resolveTopics(r)

	client, err := websocket.NewClient(h.hub, w, r, topics, h.logger)
	if err != nil {
		// The upgrader has already written the error response.
		h.logger.Warn("ws: upgrade failed",
			zap.String("remote_addr", r.RemoteAddr),
			zap.Error(err),
		)
		return
	}

	h.logger.Info("ws: client connected",
		zap.String("remote_addr", r.RemoteAddr),
		zap.Strings("topics", topics),
	)

	// Run blocks until the connection closes. readPump and writePump handle
	// cleanup and hub unregistration internally.
	client.Run()

	h.logger.Info("ws: client disconnected",
		zap.String("remote_addr", r.RemoteAddr),
	)
}

// resolveTopics parses the `topics` query parameter into a deduplicated
// list. Unknown topic strings are not rejected; the client simply never
// receives messages for topics nothing publishes to.
func resolveTopics(r *http.Request) []string {
	seen := make(map[string]struct{})
	var topics []string

	add := func(t string) {
		t = strings.TrimSpace(t)
		if t == "" {
			return
		}
		if _, exists := seen[t]; !exists {
			seen[t] = struct{}{}
			topics = append(topics, t)
		}
	}

	if raw := r.URL.Query().Get("topics"); raw != "" {
		for _, t := range strings.Split(raw, ",") {
			add(t)
		}
	}

	// Without explicit topics, default to the task firehose.
	if len(topics) == 0 {
		add(websocket.TopicTasks)
	}

	return topics
}
