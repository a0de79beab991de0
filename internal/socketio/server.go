// Package socketio serves the realtime event surface over Socket.IO v4
// framing on a websocket transport.
package socketio

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"pawkeeper-live/internal/apperr"
	"pawkeeper-live/internal/auth"
	"pawkeeper-live/internal/chat"
	"pawkeeper-live/internal/hub"
	"pawkeeper-live/internal/logging"
	"pawkeeper-live/internal/middleware"
	"pawkeeper-live/internal/rooms"
	"pawkeeper-live/internal/sitters"
)

type Config struct {
	PingInterval       time.Duration
	PingTimeout        time.Duration
	WriteTimeout       time.Duration
	MaxPayload         int64
	SendQueueSize      int
	OperationTimeout   time.Duration
	LocationRateLimit  int
	LocationRateWindow time.Duration
}

func DefaultConfig() Config {
	return Config{
		PingInterval:       25 * time.Second,
		PingTimeout:        20 * time.Second,
		WriteTimeout:       10 * time.Second,
		MaxPayload:         1000000,
		SendQueueSize:      256,
		OperationTimeout:   10 * time.Second,
		LocationRateLimit:  30,
		LocationRateWindow: time.Minute,
	}
}

type Deps struct {
	Config   Config
	Verifier *auth.Verifier
	Hub      *hub.Hub
	Rooms    *rooms.Manager
	Chat     *chat.Pipeline
	Sitters  *sitters.Service
}

type Server struct {
	cfg      Config
	verifier *auth.Verifier
	hub      *hub.Hub
	rooms    *rooms.Manager
	chat     *chat.Pipeline
	sitters  *sitters.Service

	locationLimiter *middleware.RateLimiter
	handlers        map[string]handler

	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns map[*conn]struct{}
}

func NewServer(deps Deps) *Server {
	cfg := deps.Config
	def := DefaultConfig()
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = def.PingInterval
	}
	if cfg.PingTimeout <= 0 {
		cfg.PingTimeout = def.PingTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.MaxPayload <= 0 {
		cfg.MaxPayload = def.MaxPayload
	}
	if cfg.SendQueueSize <= 0 {
		cfg.SendQueueSize = def.SendQueueSize
	}
	if cfg.OperationTimeout <= 0 {
		cfg.OperationTimeout = def.OperationTimeout
	}
	if cfg.LocationRateLimit <= 0 || cfg.LocationRateWindow <= 0 {
		cfg.LocationRateLimit, cfg.LocationRateWindow = def.LocationRateLimit, def.LocationRateWindow
	}

	s := &Server{
		cfg:             cfg,
		verifier:        deps.Verifier,
		hub:             deps.Hub,
		rooms:           deps.Rooms,
		chat:            deps.Chat,
		sitters:         deps.Sitters,
		locationLimiter: middleware.NewRateLimiter(cfg.LocationRateLimit, cfg.LocationRateWindow),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		conns: make(map[*conn]struct{}),
	}
	s.handlers = s.eventHandlers()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	ws.SetReadLimit(s.cfg.MaxPayload)

	c := newConn(ws, s.cfg, r.URL.Query().Get("token"))
	s.registerConn(c)
	defer s.unregisterConn(c)

	open := map[string]any{
		"sid":          c.sid,
		"upgrades":     []string{},
		"pingInterval": s.cfg.PingInterval.Milliseconds(),
		"pingTimeout":  s.cfg.PingTimeout.Milliseconds(),
		"maxPayload":   s.cfg.MaxPayload,
	}
	openBytes, _ := json.Marshal(open)
	_ = c.enqueue(string(engineOpen) + string(openBytes))

	go c.writePump()
	go c.pingLoop()
	c.readLoop(func(msg string) {
		s.handleMessage(c, msg)
	})
}

// Shutdown closes every live connection and stops the location limiter.
func (s *Server) Shutdown() {
	s.locationLimiter.Stop()

	s.mu.Lock()
	conns := make([]*conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.close()
	}
}

func (s *Server) registerConn(c *conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conns[c] = struct{}{}
}

// unregisterConn runs when the read loop ends. hub.Disconnect reports true
// exactly once per connection, so presence cleanup cannot run twice.
func (s *Server) unregisterConn(c *conn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()

	c.close()
	if !c.connected.Load() {
		return
	}
	if s.hub.Disconnect(c) {
		lg := s.connLogger(c)
		lg.Info().Msg("client disconnected")
	}
}

func (s *Server) handleMessage(c *conn, msg string) {
	if msg == "" {
		return
	}

	switch enginePacketType(msg[0]) {
	case enginePong:
		c.markPong()
		return
	case enginePing:
		_ = c.enqueue(string(enginePong) + msg[1:])
		return
	case engineMessage:
		s.handleSocketPayload(c, msg[1:])
		return
	case engineClose:
		c.close()
		return
	default:
		return
	}
}

type connectAuth struct {
	Token string `json:"token"`
}

func (s *Server) handleSocketPayload(c *conn, payload string) {
	if payload == "" {
		return
	}

	switch socketPacketType(payload[0]) {
	case socketConnect:
		s.handleConnect(c, payload)
		return
	case socketEvent:
		s.handleEvent(c, payload)
		return
	case socketDisconnect:
		c.close()
		return
	default:
		return
	}
}

func (s *Server) handleConnect(c *conn, payload string) {
	if c.connected.Load() {
		return
	}

	ns, rest := parseOptionalNamespace(payload[1:])
	authObj := connectAuth{Token: c.queryToken}
	if rest != "" {
		if err := json.Unmarshal([]byte(rest), &authObj); err != nil {
			s.rejectConnect(c, ns, "Invalid auth")
			return
		}
		if authObj.Token == "" {
			authObj.Token = c.queryToken
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.OperationTimeout)
	defer cancel()
	user, err := s.verifier.Verify(ctx, authObj.Token)
	if err != nil {
		lg := logging.L()
		lg.Debug().Err(err).Str(logging.FieldConnID, c.sid).Msg("connection rejected")
		s.rejectConnect(c, ns, apperr.Public(err).Message)
		return
	}

	c.user = user
	connectPacket, err := buildSocketConnectPacket(ns, c.sid)
	if err != nil {
		c.close()
		return
	}
	// The CONNECT reply must precede any event, including our own presence
	// announcement from Register.
	if err := c.enqueue(string(engineMessage) + connectPacket); err != nil {
		return
	}
	c.connected.Store(true)

	if previous := s.hub.Register(c); previous != nil {
		_ = previous.Emit(hub.EventSessionReplaced, map[string]string{"sid": c.sid})
	}
	lg := s.connLogger(c)
	lg.Info().Msg("client connected")
}

// rejectConnect answers with CONNECT_ERROR and drops the connection once the
// packet is written.
func (s *Server) rejectConnect(c *conn, ns string, message string) {
	packet, err := buildSocketConnectErrorPacket(ns, message)
	if err == nil {
		_ = c.writeText(string(engineMessage) + packet)
	}
	c.close()
}

func (s *Server) handleEvent(c *conn, payload string) {
	pkt, err := parseSocketEventPacket(payload)
	if err != nil {
		return
	}
	if !c.connected.Load() {
		s.reply(context.Background(), c, pkt, "", nil, apperr.New(apperr.Unauthenticated, "Not connected"))
		return
	}

	h, ok := s.handlers[pkt.Event]
	if !ok {
		s.reply(context.Background(), c, pkt, "", nil, apperr.New(apperr.InvalidArgument, "unknown event: "+pkt.Event))
		return
	}

	lg := s.connLogger(c).With().Str(logging.FieldEvent, pkt.Event).Logger()
	ctx, cancel := context.WithTimeout(logging.WithLogger(context.Background(), lg), s.cfg.OperationTimeout)
	defer cancel()

	actor := hub.Actor{User: c.user, Conn: c}
	result, err := h.fn(ctx, actor, pkt.Args)
	s.reply(ctx, c, pkt, h.reply, result, err)
}

type errorReply struct {
	Error apperr.Payload `json:"error"`
}

// reply answers through the ack when the client asked for one and otherwise
// emits replyEvent, or "error" on failure.
func (s *Server) reply(ctx context.Context, c *conn, pkt socketEventPacket, replyEvent string, result any, err error) {
	if err != nil {
		lg := logging.Ctx(ctx)
		switch apperr.CodeOf(err) {
		case apperr.Internal, apperr.Unavailable:
			lg.Error().Err(err).Str(logging.FieldUserID, c.UserID()).Msg("event failed")
		default:
			lg.Debug().Err(err).Msg("event rejected")
		}
		public := apperr.Public(err)
		if pkt.ID != nil {
			_ = c.ack(pkt.Namespace, *pkt.ID, errorReply{Error: public})
			return
		}
		_ = c.Emit(hub.EventError, public)
		return
	}

	if pkt.ID != nil {
		if result == nil {
			_ = c.ack(pkt.Namespace, *pkt.ID)
			return
		}
		_ = c.ack(pkt.Namespace, *pkt.ID, result)
		return
	}
	if replyEvent != "" && result != nil {
		_ = c.Emit(replyEvent, result)
	}
}

func (s *Server) connLogger(c *conn) zerolog.Logger {
	return logging.L().With().
		Str(logging.FieldConnID, c.sid).
		Str(logging.FieldUserID, c.UserID()).
		Logger()
}
