package relay

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/tandemly/callkit/presence"
	"github.com/tandemly/callkit/signaling"
)

// Server wires the relay's HTTP surface: the websocket endpoint, health,
// presence listing and metrics.
type Server struct {
	cfg      *Config
	auth     *AuthManager
	hub      *Hub
	presence presence.Store
	metrics  *Metrics
	registry *prometheus.Registry
	upgrader websocket.Upgrader

	engine *gin.Engine
	http   *http.Server
}

// NewServer assembles a relay server from its collaborators. A nil presence
// store falls back to the in-memory one.
func NewServer(cfg *Config, auth *AuthManager, store presence.Store) (*Server, error) {
	if store == nil {
		store = presence.NewMemoryStore()
	}

	registry := prometheus.NewRegistry()
	metrics := NewMetrics(registry)

	s := &Server{
		cfg:      cfg,
		auth:     auth,
		hub:      NewHub(cfg.SendQueueSize, metrics),
		presence: store,
		metrics:  metrics,
		registry: registry,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Browser clients connect from the app origin; token auth is
			// the actual gate.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	engine.GET("/healthz", s.handleHealth)
	engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))

	authed := engine.Group("/", RequireToken(auth))
	authed.GET("/ws", s.handleWebsocket)
	authed.GET("/presence/online", s.handleOnline)

	s.engine = engine
	return s, nil
}

// Hub exposes the routing hub, mainly for tests.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Handler returns the HTTP handler, for embedding in test servers.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run serves until the listener fails.
func (s *Server) Run() error {
	s.http = &http.Server{
		Addr:    s.cfg.ListenAddr,
		Handler: s.engine,
	}
	logrus.WithFields(logrus.Fields{
		"function": "Run",
		"addr":     s.cfg.ListenAddr,
	}).Info("Relay listening")
	return s.http.ListenAndServe()
}

// Shutdown drains the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleOnline(c *gin.Context) {
	online, err := s.presence.Online(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "presence unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"online": online})
}

func (s *Server) handleWebsocket(c *gin.Context) {
	userID, ok := identityFrom(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing identity"})
		return
	}

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "handleWebsocket",
			"user_id":  userID,
			"error":    err.Error(),
		}).Warn("Websocket upgrade failed")
		return
	}

	s.serveClient(userID, conn)
}

// serveClient owns one websocket for its whole life: registers the user
// with the hub and presence, then pumps envelopes both ways until either
// side goes away.
func (s *Server) serveClient(userID string, conn *websocket.Conn) {
	sub := s.hub.Register(userID)
	s.markPresence(userID, true)

	logrus.WithFields(logrus.Fields{
		"function": "serveClient",
		"user_id":  userID,
	}).Info("Client connected")

	defer func() {
		s.hub.Unregister(sub)
		s.markPresence(userID, false)
		_ = conn.Close()
		logrus.WithFields(logrus.Fields{
			"function": "serveClient",
			"user_id":  userID,
		}).Info("Client disconnected")
	}()

	// Liveness: the reader only stays open while pongs keep arriving. A
	// client that stops answering pings hits the read deadline, which tears
	// the connection down and flips its presence to offline.
	pongWait := 2 * s.cfg.PingInterval
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	// Writer goroutine: the websocket allows one concurrent writer, so all
	// outbound frames, pings included, leave from here. Closing the conn on
	// exit unblocks a reader stuck in ReadMessage after a write failure.
	readerDone := make(chan struct{})
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		defer conn.Close()
		ticker := time.NewTicker(s.cfg.PingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-readerDone:
				return
			case msg, ok := <-sub.Messages():
				if !ok {
					// Bumped by a newer connection for the same user.
					_ = conn.WriteControl(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "superseded"),
						time.Now().Add(s.cfg.WriteTimeout))
					return
				}
				data, err := signaling.Serialize(&msg)
				if err != nil {
					continue
				}
				_ = conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
				if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
					return
				}
			case <-ticker.C:
				_ = conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}()

	// Read loop: every inbound frame is a signaling envelope to forward.
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		msg, err := signaling.Deserialize(data)
		if err != nil {
			if s.metrics != nil {
				s.metrics.EnvelopesDropped.WithLabelValues(dropCauseMalformed).Inc()
			}
			logrus.WithFields(logrus.Fields{
				"function": "serveClient",
				"user_id":  userID,
				"error":    err.Error(),
			}).Warn("Dropping malformed envelope")
			continue
		}
		// The sender identity comes from the token, never from the frame.
		msg.From = userID
		_ = s.hub.Route(*msg)
	}

	close(readerDone)
	_ = conn.Close()
	<-writerDone
}

func (s *Server) markPresence(userID string, online bool) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.presence.SetOnline(ctx, presence.PeerInfo{ID: userID}, online); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "markPresence",
			"user_id":  userID,
			"online":   online,
			"error":    err.Error(),
		}).Warn("Presence update failed")
	}
}
