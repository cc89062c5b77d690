package reactions

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/CedrosPay/microcharge/internal/logger"
)

const maxFrameBytes = 4 << 10

// GatewayConfig tunes the WebSocket connections.
type GatewayConfig struct {
	AllowedOrigins []string      // empty or "*" accepts any origin
	SendBuffer     int           // queued outbound frames per connection (default: 32)
	WriteWait      time.Duration // deadline for one write (default: 10s)
	PongWait       time.Duration // read deadline refreshed by pongs (default: 60s)
}

func (c GatewayConfig) withDefaults() GatewayConfig {
	if c.SendBuffer <= 0 {
		c.SendBuffer = 32
	}
	if c.WriteWait <= 0 {
		c.WriteWait = 10 * time.Second
	}
	if c.PongWait <= 0 {
		c.PongWait = 60 * time.Second
	}
	return c
}

// Gateway upgrades HTTP requests to WebSocket connections and feeds their
// frames to the Service. The caller names itself with ?identity= (or
// ?nickname=); connections without one get an anonymous identity.
type Gateway struct {
	service  *Service
	hub      *Hub
	cfg      GatewayConfig
	upgrader websocket.Upgrader
	logger   zerolog.Logger

	// reactions still being charged when their connection closed
	inflight sync.WaitGroup
}

// NewGateway creates a gateway.
func NewGateway(service *Service, hub *Hub, cfg GatewayConfig, log zerolog.Logger) *Gateway {
	cfg = cfg.withDefaults()
	g := &Gateway{
		service: service,
		hub:     hub,
		cfg:     cfg,
		logger:  log,
	}
	g.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     originChecker(cfg.AllowedOrigins),
	}
	return g
}

// ServeHTTP handles the upgrade and runs the connection until it closes.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	identity := identityFromRequest(r)

	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		reqLog := logger.FromContext(r.Context())
		reqLog.Warn().Err(err).Msg("reactions.upgrade_failed")
		return
	}

	log := g.logger.With().
		Str("identity", identity).
		Str("request_id", logger.GetRequestID(r.Context())).
		Logger()

	c := &conn{
		identity: identity,
		ws:       ws,
		send:     make(chan []byte, g.cfg.SendBuffer),
		done:     make(chan struct{}),
		cfg:      g.cfg,
		logger:   log,
	}

	g.hub.Connect(c)
	log.Info().Msg("reactions.connected")

	go c.writePump()

	// Charges outlive the socket so an accepted reaction is still relayed.
	ctx := logger.WithContext(context.WithoutCancel(r.Context()), log)
	g.readPump(ctx, c)

	g.hub.Disconnect(c)
	c.close()
	log.Info().Msg("reactions.disconnected")
}

// Wait blocks until every in-flight reaction charge has finished.
func (g *Gateway) Wait() {
	g.inflight.Wait()
}

func (g *Gateway) readPump(ctx context.Context, c *conn) {
	c.ws.SetReadLimit(maxFrameBytes)
	_ = c.ws.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warn().Err(err).Msg("reactions.read_failed")
			}
			return
		}

		var ev Event
		if err := json.Unmarshal(data, &ev); err != nil {
			c.sendError("invalid_frame", "frame is not a valid event")
			continue
		}
		ev.Identity = c.identity

		if ev.Type == EventReaction {
			if err := ev.validate(); err != nil {
				c.sendError("invalid_event", err.Error())
				continue
			}
			g.inflight.Add(1)
			go func() {
				defer g.inflight.Done()
				g.service.HandleReact(ctx, ev)
			}()
			continue
		}

		if err := g.service.Handle(ctx, c, ev); err != nil {
			code := "invalid_event"
			if errors.Is(err, ErrUnknownEvent) {
				code = "unknown_event"
			}
			c.sendError(code, err.Error())
		}
	}
}

// conn is one WebSocket connection. Writes happen only in writePump.
type conn struct {
	identity string
	ws       *websocket.Conn
	send     chan []byte
	done     chan struct{}
	once     sync.Once
	cfg      GatewayConfig
	logger   zerolog.Logger
}

func (c *conn) Identity() string {
	return c.identity
}

func (c *conn) Send(msg []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

func (c *conn) sendError(code, message string) {
	msg, err := json.Marshal(Frame{Kind: FrameError, Error: &FrameErr{Code: code, Message: message}})
	if err != nil {
		return
	}
	c.Send(msg)
}

func (c *conn) close() {
	c.once.Do(func() {
		close(c.done)
	})
}

func (c *conn) writePump() {
	ticker := time.NewTicker(c.cfg.PongWait * 9 / 10)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()

	for {
		select {
		case msg := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.logger.Debug().Err(err).Msg("reactions.write_failed")
				c.close()
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		case <-c.done:
			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(c.cfg.WriteWait))
			return
		}
	}
}

func identityFromRequest(r *http.Request) string {
	q := r.URL.Query()
	for _, key := range []string{"identity", "nickname"} {
		if v := strings.TrimSpace(q.Get(key)); v != "" {
			return v
		}
	}
	if v := strings.TrimSpace(r.Header.Get(logger.IdentityHeader)); v != "" {
		return v
	}
	return "anon-" + uuid.NewString()[:8]
}

func originChecker(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	set := make(map[string]struct{}, len(allowed))
	for _, origin := range allowed {
		if origin == "*" {
			return func(*http.Request) bool { return true }
		}
		set[strings.TrimRight(origin, "/")] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		_, ok := set[u.Scheme+"://"+u.Host]
		return ok
	}
}
